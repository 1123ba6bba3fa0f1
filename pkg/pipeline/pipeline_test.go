package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pgrelay/pgrelay/pkg/cdc"
	"github.com/pgrelay/pgrelay/pkg/offset"
	"github.com/pgrelay/pgrelay/pkg/source"
	"github.com/pgrelay/pgrelay/pkg/transform"
)

// stubSource replays a fixed sequence of events, then ends the stream.
type stubSource struct {
	events []cdc.Event
	err    error
	closed bool
}

func (s *stubSource) Open(ctx context.Context) (<-chan cdc.Event, error) {
	ch := make(chan cdc.Event, len(s.events))
	go func() {
		defer close(ch)
		for _, e := range s.events {
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *stubSource) Err() error { return s.err }

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

// captureSink records published records and can be made to fail per topic.
type captureSink struct {
	mu         sync.Mutex
	records    []cdc.Record
	failTopics map[string]bool
}

func (s *captureSink) Connect(json.RawMessage) error { return nil }

func (s *captureSink) Publish(_ context.Context, rec cdc.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTopics[rec.Topic] {
		return errors.New("broker unavailable")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) published() []cdc.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cdc.Record, len(s.records))
	copy(out, s.records)
	return out
}

func event(table string, op cdc.Operation, lsn int64, after map[string]any) cdc.Event {
	return cdc.NewEventBuilder().
		WithSource(cdc.NewSourceBuilder("postgresql", "localhost").
			WithDatabase("native").
			WithSchema("inventory").
			WithTable(table).
			WithTransaction(1, lsn).
			Build()).
		WithOperation(op).
		WithAfter(after).
		Build()
}

func extractChain(t *testing.T) transform.Func {
	t.Helper()
	return transform.Chain("dbserver1", transform.ExtractNewState(&transform.ExtractConfig{
		TopicPrefix: "dbserver1",
		AddFields:   []string{"op", "table"},
		AddHeaders:  []string{"db", "table"},
	}))
}

func runPipeline(t *testing.T, src *stubSource, sk *captureSink, store offset.Store, chain transform.Func) (*Coordinator, []Fault) {
	t.Helper()
	coord, err := New(src, Options{
		Transform: chain,
		Offsets:   store,
		Sinks:     []NamedSink{{Name: "capture", Sink: sk}},
		Retry: RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
		DrainTimeout: 5 * time.Second,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)

	var faults []Fault
	faultsDone := make(chan struct{})
	go func() {
		defer close(faultsDone)
		for f := range coord.Faults() {
			faults = append(faults, f)
		}
	}()

	require.NoError(t, coord.Run(context.Background()))
	<-faultsDone
	return coord, faults
}

func TestOrderingWithinPartition(t *testing.T) {
	var events []cdc.Event
	for i := 1; i <= 20; i++ {
		events = append(events, event("products", cdc.OpUpdate, int64(i*10), map[string]any{"id": i}))
	}

	src := &stubSource{events: events}
	sk := &captureSink{}
	store := offset.NewMemory()

	_, faults := runPipeline(t, src, sk, store, extractChain(t))
	require.Empty(t, faults)

	published := sk.published()
	require.Len(t, published, 20)
	for i, rec := range published {
		require.Equal(t, i+1, rec.Fields["id"], "records must preserve source order")
	}

	pos, ok, err := store.Read("inventory.products")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cdc.Position(200), pos)
	require.True(t, src.closed)
}

func TestPoisonEventIsolation(t *testing.T) {
	events := []cdc.Event{
		event("products", cdc.OpUpdate, 10, map[string]any{"id": 1}),
		// missing after image on an update is a malformed row shape
		event("products", cdc.OpUpdate, 20, nil),
		event("products", cdc.OpUpdate, 30, map[string]any{"id": 3}),
	}

	src := &stubSource{events: events}
	sk := &captureSink{}
	store := offset.NewMemory()

	_, faults := runPipeline(t, src, sk, store, extractChain(t))
	require.Empty(t, faults, "a poison event must not fault the partition")

	published := sk.published()
	require.Len(t, published, 2, "exactly one skipped record")
	require.Equal(t, 1, published[0].Fields["id"])
	require.Equal(t, 3, published[1].Fields["id"])

	// the skipped event's offset is still committed so it is not redelivered
	pos, _, err := store.Read("inventory.products")
	require.NoError(t, err)
	require.Equal(t, cdc.Position(30), pos)
}

func TestPublishFaultIsolation(t *testing.T) {
	events := []cdc.Event{
		event("orders", cdc.OpCreate, 10, map[string]any{"id": 1}),
		event("products", cdc.OpCreate, 20, map[string]any{"id": 2}),
		event("orders", cdc.OpCreate, 30, map[string]any{"id": 3}),
		event("products", cdc.OpCreate, 40, map[string]any{"id": 4}),
	}

	src := &stubSource{events: events}
	sk := &captureSink{failTopics: map[string]bool{"dbserver1.inventory.orders": true}}
	store := offset.NewMemory()

	coord, faults := runPipeline(t, src, sk, store, extractChain(t))

	// the failing partition faulted and surfaced exactly one fault
	require.Len(t, faults, 1)
	require.Equal(t, "inventory.orders", faults[0].Partition)
	var pubErr *PublishError
	require.ErrorAs(t, faults[0].Err, &pubErr)
	require.Equal(t, "capture", pubErr.Sink)

	states := coord.PartitionStates()
	require.Equal(t, StateFaulted, states["inventory.orders"])
	require.Equal(t, StateStopped, states["inventory.products"])

	// the healthy partition was unaffected
	published := sk.published()
	require.Len(t, published, 2)
	for _, rec := range published {
		require.Equal(t, "dbserver1.inventory.products", rec.Topic)
	}

	// no offset was committed for the faulted partition's failed record
	_, ok, err := store.Read("inventory.orders")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSuppressedEventCommitsOffset(t *testing.T) {
	// delete without after-image is suppressed by the transform stage
	events := []cdc.Event{
		event("products", cdc.OpDelete, 50, nil),
	}

	src := &stubSource{events: events}
	sk := &captureSink{}
	store := offset.NewMemory()

	_, faults := runPipeline(t, src, sk, store, extractChain(t))
	require.Empty(t, faults)
	require.Empty(t, sk.published())

	pos, ok, err := store.Read("inventory.products")
	require.NoError(t, err)
	require.True(t, ok, "suppressed output still advances the offset")
	require.Equal(t, cdc.Position(50), pos)
}

func TestOffsetStoreFaultHaltsPartition(t *testing.T) {
	events := []cdc.Event{
		event("products", cdc.OpCreate, 10, map[string]any{"id": 1}),
		event("products", cdc.OpCreate, 20, map[string]any{"id": 2}),
	}

	src := &stubSource{events: events}
	sk := &captureSink{}
	store := &failingStore{failAfter: 1}

	coord, faults := runPipeline(t, src, sk, store, extractChain(t))
	require.Len(t, faults, 1)
	require.ErrorIs(t, faults[0].Err, offset.ErrOffsetStore)
	require.Equal(t, StateFaulted, coord.PartitionStates()["inventory.products"])
}

// failingStore commits successfully failAfter times, then fails every commit.
type failingStore struct {
	mu        sync.Mutex
	commits   int
	failAfter int
}

func (s *failingStore) Commit(string, cdc.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	if s.commits > s.failAfter {
		return offset.ErrOffsetStore
	}
	return nil
}

func (s *failingStore) Read(string) (cdc.Position, bool, error) { return 0, false, nil }
func (s *failingStore) MarkSnapshotComplete(string) error       { return nil }
func (s *failingStore) SnapshotComplete(string) (bool, error)   { return false, nil }
func (s *failingStore) Close() error                            { return nil }

func TestSourceErrorSurfaced(t *testing.T) {
	// when the capture stream dies, Run must return the stream error rather
	// than reporting a clean stop
	src := &stubSource{
		events: []cdc.Event{event("products", cdc.OpCreate, 10, map[string]any{"id": 1})},
		err:    source.ErrSourceUnavailable,
	}
	sk := &captureSink{}

	coord, err := New(src, Options{
		Transform:    extractChain(t),
		Offsets:      offset.NewMemory(),
		Sinks:        []NamedSink{{Name: "capture", Sink: sk}},
		DrainTimeout: time.Second,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)

	go func() {
		for range coord.Faults() {
		}
	}()

	require.ErrorIs(t, coord.Run(context.Background()), source.ErrSourceUnavailable)
	require.Len(t, sk.published(), 1, "events before the failure are still delivered")
}

// slowSink blocks in Publish long enough to outlive a short drain window,
// then fails.
type slowSink struct {
	delay time.Duration
}

func (s *slowSink) Connect(json.RawMessage) error { return nil }

func (s *slowSink) Publish(context.Context, cdc.Record) error {
	time.Sleep(s.delay)
	return errors.New("broker unavailable")
}

func (s *slowSink) Close() error { return nil }

func TestDrainTimeoutStragglerFault(t *testing.T) {
	// a runner still mid-publish when the drain window expires must be able
	// to report its fault after Run has returned
	src := &stubSource{
		events: []cdc.Event{event("products", cdc.OpCreate, 10, map[string]any{"id": 1})},
	}

	coord, err := New(src, Options{
		Transform: extractChain(t),
		Offsets:   offset.NewMemory(),
		Sinks:     []NamedSink{{Name: "slow", Sink: &slowSink{delay: 50 * time.Millisecond}}},
		Retry: RetryConfig{
			MaxAttempts:     1,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		},
		DrainTimeout: time.Millisecond,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)

	require.NoError(t, coord.Run(context.Background()))

	// the fault channel only closes once every runner has returned
	var faults []Fault
	for f := range coord.Faults() {
		faults = append(faults, f)
	}
	require.Len(t, faults, 1)
	require.Equal(t, "inventory.products", faults[0].Partition)
	require.Equal(t, StateFaulted, coord.PartitionStates()["inventory.products"])
}

// countingSink fails every publish and records how many attempts it saw.
type countingSink struct {
	attempts atomic.Int64
}

func (s *countingSink) Connect(json.RawMessage) error { return nil }

func (s *countingSink) Publish(context.Context, cdc.Record) error {
	s.attempts.Add(1)
	return errors.New("broker unavailable")
}

func (s *countingSink) Close() error { return nil }

func TestPublishAttemptLimit(t *testing.T) {
	src := &stubSource{
		events: []cdc.Event{event("products", cdc.OpCreate, 10, map[string]any{"id": 1})},
	}
	sk := &countingSink{}

	coord, err := New(src, Options{
		Transform: extractChain(t),
		Offsets:   offset.NewMemory(),
		Sinks:     []NamedSink{{Name: "counting", Sink: sk}},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		},
		DrainTimeout: 5 * time.Second,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)

	go func() {
		for range coord.Faults() {
		}
	}()

	require.NoError(t, coord.Run(context.Background()))
	require.Equal(t, int64(3), sk.attempts.Load(), "maxAttempts bounds total attempts, not retries")
}

func TestEndToEndScenario(t *testing.T) {
	// include list {inventory.products}, snapshot mode never: one update
	// event yields one record on dbserver1.inventory.products
	events := []cdc.Event{
		event("products", cdc.OpUpdate, 24023128, map[string]any{"id": 1, "name": "widget"}),
	}

	src := &stubSource{events: events}
	sk := &captureSink{}
	store := offset.NewMemory()

	_, faults := runPipeline(t, src, sk, store, extractChain(t))
	require.Empty(t, faults)

	published := sk.published()
	require.Len(t, published, 1)

	rec := published[0]
	require.Equal(t, "dbserver1.inventory.products", rec.Topic)
	require.Equal(t, map[string]any{
		"id":    1,
		"name":  "widget",
		"op":    "u",
		"table": "products",
	}, rec.Fields)
	require.Equal(t, map[string]string{
		"db":    "native",
		"table": "products",
	}, rec.Headers)

	pos, _, err := store.Read("inventory.products")
	require.NoError(t, err)
	require.Equal(t, cdc.Position(24023128), pos)
}
