// Package cdc defines the change data capture event envelope and the output
// record shape published to sinks. Events follow the Debezium envelope so that
// downstream consumers built against that format keep working.
package cdc

import "fmt"

// Operation represents the type of change that occurred
type Operation string

const (
	OpCreate   Operation = "c"
	OpUpdate   Operation = "u"
	OpDelete   Operation = "d"
	OpRead     Operation = "r"
	OpTruncate Operation = "t"
)

// Position identifies a point in a partition's change stream. For the
// PostgreSQL source it is the WAL LSN of the originating message. Positions
// are monotonically increasing within a partition; zero means "never
// committed".
type Position uint64

// Source contains metadata about where a change originated
type Source struct {
	Version   string `json:"version"`
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Snapshot  bool   `json:"snapshot"`
	Db        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxID      int64  `json:"txId"`
	Lsn       int64  `json:"lsn"`
}

// Payload represents the actual change data
type Payload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Source Source         `json:"source"`
	Op     Operation      `json:"op"`
	TsMs   int64          `json:"ts_ms"`
}

// Event represents a complete change data capture event. Events are immutable
// once built by the capture source.
type Event struct {
	Payload Payload `json:"payload"`
}

// Partition returns the partition key of the event, the fully qualified
// source table name. All events of one table form one independently ordered
// stream.
func (e *Event) Partition() string {
	return e.Payload.Source.Schema + "." + e.Payload.Source.Table
}

// Position returns the event's position within its partition.
func (e *Event) Position() Position {
	return Position(e.Payload.Source.Lsn)
}

// TopicName derives the destination topic for a table captured under the
// given prefix. It is a pure function: the same inputs always yield the same
// topic.
func TopicName(prefix, schema, table string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, schema, table)
}

// SourceBuilder helps construct Source objects with reasonable defaults
type SourceBuilder struct {
	source Source
}

func NewSourceBuilder(connector, name string) *SourceBuilder {
	return &SourceBuilder{
		source: Source{
			Version:   "1.0",
			Connector: connector,
			Name:      name,
		},
	}
}

func (b *SourceBuilder) WithSchema(schema string) *SourceBuilder {
	b.source.Schema = schema
	return b
}

func (b *SourceBuilder) WithTable(table string) *SourceBuilder {
	b.source.Table = table
	return b
}

func (b *SourceBuilder) WithDatabase(db string) *SourceBuilder {
	b.source.Db = db
	return b
}

func (b *SourceBuilder) WithTimestamp(ts int64) *SourceBuilder {
	b.source.TsMs = ts
	return b
}

func (b *SourceBuilder) WithTransaction(txID int64, lsn int64) *SourceBuilder {
	b.source.TxID = txID
	b.source.Lsn = lsn
	return b
}

func (b *SourceBuilder) WithSnapshot(snapshot bool) *SourceBuilder {
	b.source.Snapshot = snapshot
	return b
}

func (b *SourceBuilder) Build() Source {
	return b.source
}

// EventBuilder helps construct complete CDC events
type EventBuilder struct {
	event Event
}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{}
}

func (b *EventBuilder) WithSource(source Source) *EventBuilder {
	b.event.Payload.Source = source
	return b
}

func (b *EventBuilder) WithOperation(op Operation) *EventBuilder {
	b.event.Payload.Op = op
	return b
}

func (b *EventBuilder) WithBefore(before map[string]any) *EventBuilder {
	b.event.Payload.Before = before
	return b
}

func (b *EventBuilder) WithAfter(after map[string]any) *EventBuilder {
	b.event.Payload.After = after
	return b
}

func (b *EventBuilder) WithTimestamp(ts int64) *EventBuilder {
	b.event.Payload.TsMs = ts
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}
