package source

import (
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

// decodeWAL turns one pgoutput message into zero or more change events. The
// relation cache is populated by RelationMessage entries that precede any row
// message referencing them.
func (p *Postgres) decodeWAL(walData []byte, relations map[uint32]*pglogrepl.RelationMessageV2, typeMap *pgtype.Map, inStream *bool, pos pglogrepl.LSN) []cdc.Event {
	logicalMsg, err := pglogrepl.ParseV2(walData, *inStream)
	if err != nil {
		p.logger.Error("parse replication message failed", zap.Error(err))
		return nil
	}

	var events []cdc.Event

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		relations[msg.RelationID] = msg

	case *pglogrepl.InsertMessageV2:
		rel, ok := relations[msg.RelationID]
		if !ok {
			p.logger.Error("unknown relation ID", zap.Uint32("relationID", msg.RelationID))
			return nil
		}
		after := decodeTuple(msg.Tuple, rel, typeMap)
		events = append(events, p.buildEvent(rel, cdc.OpCreate, nil, after, int64(msg.Xid), pos))

	case *pglogrepl.UpdateMessageV2:
		rel, ok := relations[msg.RelationID]
		if !ok {
			p.logger.Error("unknown relation ID", zap.Uint32("relationID", msg.RelationID))
			return nil
		}
		before := decodeTuple(msg.OldTuple, rel, typeMap)
		after := decodeTuple(msg.NewTuple, rel, typeMap)
		events = append(events, p.buildEvent(rel, cdc.OpUpdate, before, after, int64(msg.Xid), pos))

	case *pglogrepl.DeleteMessageV2:
		rel, ok := relations[msg.RelationID]
		if !ok {
			p.logger.Error("unknown relation ID", zap.Uint32("relationID", msg.RelationID))
			return nil
		}
		before := decodeTuple(msg.OldTuple, rel, typeMap)
		events = append(events, p.buildEvent(rel, cdc.OpDelete, before, nil, int64(msg.Xid), pos))

	case *pglogrepl.TruncateMessageV2:
		for _, relID := range msg.RelationIDs {
			rel, ok := relations[relID]
			if !ok {
				continue
			}
			events = append(events, p.buildEvent(rel, cdc.OpTruncate, nil, nil, int64(msg.Xid), pos))
		}

	case *pglogrepl.StreamStartMessageV2:
		*inStream = true

	case *pglogrepl.StreamStopMessageV2:
		*inStream = false
	}

	return events
}

func decodeTuple(tuple *pglogrepl.TupleData, rel *pglogrepl.RelationMessageV2, typeMap *pgtype.Map) map[string]any {
	if tuple == nil {
		return nil
	}
	values := make(map[string]any, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		colName := rel.Columns[idx].Name
		values[colName] = decodeColumn(col, typeMap, rel.Columns[idx].DataType)
	}
	return values
}

// decodeColumn decodes a single column from a logical replication message.
func decodeColumn(col *pglogrepl.TupleDataColumn, typeMap *pgtype.Map, dataType uint32) any {
	switch col.DataType {
	case 'n': // null
		return nil
	case 'u': // unchanged toast, not present in the tuple
		return nil
	case 't':
		val, err := decodeTextColumnData(typeMap, col.Data, dataType)
		if err != nil {
			zap.L().Error("error decoding column data", zap.Error(err))
			return nil
		}
		return val
	default:
		zap.L().Warn("unknown column data type", zap.Any("dataType", col.DataType))
		return nil
	}
}

// decodeTextColumnData decodes the text data of a column into its
// corresponding Go type using the provided type map.
func decodeTextColumnData(mi *pgtype.Map, data []byte, dataType uint32) (any, error) {
	if dt, ok := mi.TypeForOID(dataType); ok {
		return dt.Codec.DecodeValue(mi, dataType, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}

func (p *Postgres) buildEvent(rel *pglogrepl.RelationMessageV2, op cdc.Operation, before, after map[string]any, txID int64, pos pglogrepl.LSN) cdc.Event {
	now := time.Now().UnixMilli()
	src := cdc.NewSourceBuilder("postgresql", p.conn.Conn().RemoteAddr().String()).
		WithDatabase(p.dbName).
		WithSchema(rel.Namespace).
		WithTable(rel.RelationName).
		WithTransaction(txID, int64(pos)).
		WithTimestamp(now).
		Build()

	return cdc.NewEventBuilder().
		WithSource(src).
		WithOperation(op).
		WithBefore(before).
		WithAfter(after).
		WithTimestamp(now).
		Build()
}
