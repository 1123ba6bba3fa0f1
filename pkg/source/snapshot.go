package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

// snapshot emits synthetic read events for every existing row of the given
// tables, then records a snapshot-complete marker per table so a restart does
// not re-snapshot. Snapshot events carry the stream switch point as their
// position: live streaming begins at that same point, so a committed snapshot
// offset also fences redelivery of the snapshot itself.
func (p *Postgres) snapshot(ctx context.Context, events chan<- cdc.Event, tables []string, switchPos pglogrepl.LSN) error {
	conn, err := pgx.Connect(ctx, p.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("%w: snapshot connect: %v", ErrSourceUnavailable, err)
	}
	defer conn.Close(ctx)

	for _, table := range tables {
		count, err := p.snapshotTable(ctx, conn, events, table, switchPos)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", table, err)
		}
		if err := p.offsets.MarkSnapshotComplete(table); err != nil {
			return err
		}
		p.logger.Info("snapshot complete",
			zap.String("table", table),
			zap.Int("rows", count))
	}
	return nil
}

func (p *Postgres) snapshotTable(ctx context.Context, conn *pgx.Conn, events chan<- cdc.Event, table string, switchPos pglogrepl.LSN) (int, error) {
	schema, name, ok := strings.Cut(table, ".")
	if !ok {
		return 0, fmt.Errorf("malformed table name %q", table)
	}

	rows, err := conn.Query(ctx, fmt.Sprintf("SELECT * FROM %s.%s", quoteIdent(schema), quoteIdent(name)))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	count := 0
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return count, err
		}

		after := make(map[string]any, len(fields))
		for i, fd := range fields {
			after[fd.Name] = values[i]
		}

		now := time.Now().UnixMilli()
		src := cdc.NewSourceBuilder("postgresql", conn.PgConn().Conn().RemoteAddr().String()).
			WithDatabase(p.dbName).
			WithSchema(schema).
			WithTable(name).
			WithTransaction(0, int64(switchPos)).
			WithSnapshot(true).
			WithTimestamp(now).
			Build()

		event := cdc.NewEventBuilder().
			WithSource(src).
			WithOperation(cdc.OpRead).
			WithAfter(after).
			WithTimestamp(now).
			Build()

		select {
		case events <- event:
			count++
		case <-ctx.Done():
			return count, ctx.Err()
		}
	}
	return count, rows.Err()
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteQualified(table string) string {
	schema, name, ok := strings.Cut(table, ".")
	if !ok {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
