package transform

import (
	"fmt"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

// ExtractConfig holds the configuration for the extract-new-state
// transformation.
type ExtractConfig struct {
	// TopicPrefix is prepended when deriving the record's destination
	// topic from the source table.
	TopicPrefix string `mapstructure:"topicPrefix"`
	// AddFields names event metadata to copy into the record's fields.
	// Recognized: "op", "table", "schema", "db", "ts_ms".
	AddFields []string `mapstructure:"add.fields"`
	// AddHeaders names event metadata to copy into the record's headers.
	// Same recognized set as AddFields.
	AddHeaders []string `mapstructure:"add.headers"`
	// DeleteTombstones emits an empty-fields record for deletes without an
	// after-image instead of suppressing them.
	DeleteTombstones bool `mapstructure:"delete.tombstones"`
	// KeyField is a dotted path into the after-image resolved as the record
	// key, eg "order.id". Defaults to "id".
	KeyField string `mapstructure:"key.field"`
}

func (c *ExtractConfig) Validate() error {
	if c.TopicPrefix == "" {
		return fmt.Errorf("topic prefix is required")
	}
	for _, f := range append(append([]string{}, c.AddFields...), c.AddHeaders...) {
		switch f {
		case "op", "table", "schema", "db", "ts_ms":
		default:
			return fmt.Errorf("unknown metadata field: %s", f)
		}
	}
	return nil
}

func (c *ExtractConfig) Type() string {
	return TypeExtractNewState
}

// ExtractNewState creates a Func that flattens the event's after-image into
// the record fields and annotates it with the configured metadata. Deletes
// without an after-image are suppressed unless tombstones are enabled.
// Truncate events carry no row state and are always suppressed.
func ExtractNewState(config *ExtractConfig) Func {
	return func(e *cdc.Event) (*cdc.Record, error) {
		if e == nil {
			return nil, &Error{Reason: "nil event"}
		}
		src := e.Payload.Source
		if src.Schema == "" || src.Table == "" {
			return nil, &Error{Partition: e.Partition(), Reason: "missing schema or table"}
		}
		if e.Payload.Op == cdc.OpTruncate {
			return nil, nil
		}

		rec := &cdc.Record{
			Topic:  cdc.TopicName(config.TopicPrefix, src.Schema, src.Table),
			Fields: make(map[string]any),
		}

		if e.Payload.After == nil {
			if e.Payload.Op != cdc.OpDelete {
				return nil, &Error{Partition: e.Partition(), Reason: "missing after state"}
			}
			if !config.DeleteTombstones {
				return nil, nil
			}
		}

		for col, val := range e.Payload.After {
			rec.Fields[col] = val
		}
		keyField := config.KeyField
		if keyField == "" {
			keyField = "id"
		}
		keySource := rec.Fields
		if e.Payload.After == nil {
			// tombstone: the key comes from the deleted row's before-image
			keySource = e.Payload.Before
		}
		if key, err := fieldValue(keySource, keyField); err == nil {
			rec.Key = fmt.Sprint(key)
		}

		for _, f := range config.AddFields {
			rec.Fields[f] = metadataValue(e, f)
		}
		if len(config.AddHeaders) > 0 {
			rec.Headers = make(map[string]string, len(config.AddHeaders))
			for _, h := range config.AddHeaders {
				rec.Headers[h] = fmt.Sprint(metadataValue(e, h))
			}
		}

		return rec, nil
	}
}

// Passthrough creates a Func that carries the raw after-image downstream
// without annotation. It is the bypass path for events whose predicate does
// not select the gated transformation.
func Passthrough(topicPrefix string) Func {
	return func(e *cdc.Event) (*cdc.Record, error) {
		if e == nil {
			return nil, &Error{Reason: "nil event"}
		}
		if e.Payload.After == nil {
			return nil, nil
		}
		src := e.Payload.Source
		rec := &cdc.Record{
			Topic:  cdc.TopicName(topicPrefix, src.Schema, src.Table),
			Fields: make(map[string]any, len(e.Payload.After)),
		}
		for col, val := range e.Payload.After {
			rec.Fields[col] = val
		}
		if id, ok := rec.Fields["id"]; ok {
			rec.Key = fmt.Sprint(id)
		}
		return rec, nil
	}
}

func metadataValue(e *cdc.Event, name string) any {
	switch name {
	case "op":
		return string(e.Payload.Op)
	case "table":
		return e.Payload.Source.Table
	case "schema":
		return e.Payload.Source.Schema
	case "db":
		return e.Payload.Source.Db
	case "ts_ms":
		return e.Payload.TsMs
	default:
		return nil
	}
}
