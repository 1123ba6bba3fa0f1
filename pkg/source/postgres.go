package source

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/pgrelay/pgrelay/pkg/cdc"
	"github.com/pgrelay/pgrelay/pkg/offset"
)

// Postgres captures change events from a PostgreSQL logical replication slot
// using the pgoutput plugin. One instance owns one replication connection.
type Postgres struct {
	cfg     *Config
	offsets offset.Store
	logger  *zap.Logger

	conn    *pgconn.PgConn
	include includeSet
	resume  map[string]cdc.Position
	dbName  string

	mu        sync.Mutex
	streamErr error
}

var _ Source = (*Postgres)(nil)

func NewPostgres(cfg Config, offsets offset.Store, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{
		cfg:     cfg.withDefaults(),
		offsets: offsets,
		logger:  logger,
	}
}

// Open connects, ensures publication and slot, optionally snapshots, and
// starts streaming. Events arrive on the returned channel in WAL order;
// events for tables outside the include list, or at or below a partition's
// last committed position, are never surfaced.
func (p *Postgres) Open(ctx context.Context) (<-chan cdc.Event, error) {
	if err := p.cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid source configuration: %w", err)
	}
	p.include = newIncludeSet(p.cfg.Tables)

	if err := p.connect(ctx); err != nil {
		return nil, err
	}

	if err := p.loadResume(); err != nil {
		p.conn.Close(ctx)
		return nil, err
	}

	if err := ensurePublication(ctx, p.conn, p.cfg); err != nil {
		p.conn.Close(ctx)
		return nil, fmt.Errorf("publication: %w", err)
	}

	sysID, err := pglogrepl.IdentifySystem(ctx, p.conn)
	if err != nil {
		p.conn.Close(ctx)
		return nil, fmt.Errorf("identify system: %w", err)
	}
	p.dbName = sysID.DBName

	if err := ensureSlot(ctx, p.conn, p.cfg.Slot, p.cfg.Plugin); err != nil {
		p.conn.Close(ctx)
		return nil, fmt.Errorf("slot: %w", err)
	}

	var pending []string
	if p.cfg.SnapshotMode == SnapshotInitial {
		if pending, err = p.pendingSnapshots(); err != nil {
			p.conn.Close(ctx)
			return nil, err
		}
	}

	// resume from the partition furthest behind; admit suppresses the
	// replay for partitions already past it
	startPos := sysID.XLogPos
	if resume, ok := p.resumeStart(); ok {
		startPos = resume
	}

	events := make(chan cdc.Event, p.cfg.BufferSize)
	go p.run(ctx, events, startPos, pending)
	return events, nil
}

// Err reports why the event stream ended, nil for a clean shutdown.
func (p *Postgres) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamErr
}

func (p *Postgres) fail(err error) {
	p.mu.Lock()
	p.streamErr = err
	p.mu.Unlock()
	p.logger.Error("capture stream failed", zap.Error(err))
}

func (p *Postgres) Close() error {
	if p.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.conn.Close(ctx)
	}
	return nil
}

// connect establishes the replication connection with bounded retries.
func (p *Postgres) connect(ctx context.Context) error {
	cfg, err := pgconn.ParseConfig(p.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("%w: parse connString: %v", ErrSourceUnavailable, err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.cfg.ConnectRetries)), ctx)

	var lastErr error
	err = backoff.Retry(func() error {
		conn, err := pgconn.ConnectConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			p.logger.Warn("replication connect failed, retrying", zap.Error(err))
			return err
		}
		p.conn = conn
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, lastErr)
	}
	return nil
}

func (p *Postgres) loadResume() error {
	p.resume = make(map[string]cdc.Position, len(p.cfg.Tables))
	for _, table := range p.cfg.Tables {
		pos, ok, err := p.offsets.Read(table)
		if err != nil {
			return err
		}
		if ok {
			p.resume[table] = pos
		}
	}
	return nil
}

// resumeStart returns the minimum committed position across partitions. The
// stream must restart there so the partition furthest behind sees every event
// it is still owed.
func (p *Postgres) resumeStart() (pglogrepl.LSN, bool) {
	var start pglogrepl.LSN
	found := false
	for _, pos := range p.resume {
		if lsn := pglogrepl.LSN(pos); !found || lsn < start {
			start = lsn
			found = true
		}
	}
	return start, found
}

// ackPosition is the position reported back to the server in standby status
// updates: the minimum committed offset across included tables, floored at
// the replication start point for tables with no commit yet. Acknowledging
// any further would let the server discard WAL still owed to a partition.
func (p *Postgres) ackPosition(floor pglogrepl.LSN) pglogrepl.LSN {
	ack := floor
	for i, table := range p.cfg.Tables {
		committed := floor
		if pos, ok, err := p.offsets.Read(table); err == nil && ok && pglogrepl.LSN(pos) > floor {
			committed = pglogrepl.LSN(pos)
		}
		if i == 0 || committed < ack {
			ack = committed
		}
	}
	return ack
}

// pendingSnapshots returns the included tables with no snapshot-complete
// marker yet.
func (p *Postgres) pendingSnapshots() ([]string, error) {
	var pending []string
	for _, table := range p.cfg.Tables {
		done, err := p.offsets.SnapshotComplete(table)
		if err != nil {
			return nil, err
		}
		if !done {
			pending = append(pending, table)
		}
	}
	return pending, nil
}

// run drives the capture stream until cancellation. A transient replication
// failure is reconnected with the bounded connect policy; exhausting it (or a
// snapshot failure) records the terminal error for Err and ends the stream.
func (p *Postgres) run(ctx context.Context, events chan<- cdc.Event, startPos pglogrepl.LSN, snapshotTables []string) {
	defer close(events)

	if len(snapshotTables) > 0 {
		if err := p.snapshot(ctx, events, snapshotTables, startPos); err != nil {
			p.fail(fmt.Errorf("snapshot: %w", err))
			return
		}
	}

	for {
		if err := p.startReplication(ctx, startPos); err != nil {
			p.fail(err)
			return
		}

		err := p.streamEvents(ctx, events, startPos)
		if err == nil || ctx.Err() != nil {
			return
		}

		p.logger.Warn("replication stream interrupted, reconnecting", zap.Error(err))
		if err := p.reconnect(ctx); err != nil {
			p.fail(err)
			return
		}
		// redelivery from the committed floor; admit dedups partitions
		// that were already ahead
		startPos = p.ackPosition(startPos)
	}
}

func (p *Postgres) startReplication(ctx context.Context, startPos pglogrepl.LSN) error {
	pluginArgs := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", p.cfg.Publication),
		"messages 'true'",
		"streaming 'true'",
	}
	if err := pglogrepl.StartReplication(ctx, p.conn, p.cfg.Slot, startPos, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	}); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	return nil
}

func (p *Postgres) reconnect(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	p.conn.Close(closeCtx)
	cancel()
	return p.connect(ctx)
}

// streamEvents pumps replication messages into the event channel. It returns
// nil on cancellation and the receive error on connection failure so run can
// reconnect. Standby acks never exceed the committed offset floor: WAL the
// pipeline has not committed yet must survive a restart.
func (p *Postgres) streamEvents(ctx context.Context, events chan<- cdc.Event, floor pglogrepl.LSN) error {
	relations := make(map[uint32]*pglogrepl.RelationMessageV2)
	typeMap := pgtype.NewMap()
	nextStandby := time.Now().Add(p.cfg.StandbyUpdateInterval)
	inStream := false

	for {
		if !time.Now().Before(nextStandby) {
			ack := p.ackPosition(floor)
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, p.conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: ack}); err != nil {
				return fmt.Errorf("standby status update: %w", err)
			}
			nextStandby = time.Now().Add(p.cfg.StandbyUpdateInterval)
		}

		msgCtx, cancel := context.WithDeadline(ctx, nextStandby)
		msg, err := p.conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("replication receive: %w", err)
		}

		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				continue
			}
			if pkm.ReplyRequested {
				nextStandby = time.Now()
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				continue
			}
			for _, event := range p.decodeWAL(xld.WALData, relations, typeMap, &inStream, xld.WALStart) {
				if !p.admit(&event) {
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// admit applies source-side filtering: include list membership and resume
// suppression. An event at or below a partition's last committed position was
// already delivered before the restart.
func (p *Postgres) admit(event *cdc.Event) bool {
	src := event.Payload.Source
	if !p.include.contains(src.Schema, src.Table) {
		return false
	}
	if last, ok := p.resume[event.Partition()]; ok && event.Position() <= last {
		return false
	}
	return true
}

func ensureSlot(ctx context.Context, conn *pgconn.PgConn, name, plugin string) error {
	exists, err := checkExists(ctx, conn, "pg_replication_slots", "slot_name", name)
	if err != nil {
		return err
	}
	if !exists {
		_, err = pglogrepl.CreateReplicationSlot(ctx, conn, name, plugin,
			pglogrepl.CreateReplicationSlotOptions{Temporary: false})
	}
	return err
}

func ensurePublication(ctx context.Context, conn *pgconn.PgConn, cfg *Config) error {
	exists, err := checkExists(ctx, conn, "pg_publication", "pubname", cfg.Publication)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	tables := make([]string, len(cfg.Tables))
	for i, t := range cfg.Tables {
		tables[i] = quoteQualified(t)
	}
	stmt := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
		quoteIdent(cfg.Publication), strings.Join(tables, ", "))
	if _, err := conn.Exec(ctx, stmt).ReadAll(); err != nil {
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

func checkExists(ctx context.Context, conn *pgconn.PgConn, table, column, value string) (bool, error) {
	if table != "pg_publication" && table != "pg_replication_slots" {
		return false, fmt.Errorf("invalid table name")
	}
	if column != "pubname" && column != "slot_name" {
		return false, fmt.Errorf("invalid column name")
	}

	rows, err := conn.Exec(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = %s)", table, column, quoteLiteral(value))).ReadAll()
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return len(rows) > 0 && len(rows[0].Rows) > 0 && string(rows[0].Rows[0][0]) == "t", nil
}
