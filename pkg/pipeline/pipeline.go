// Package pipeline wires capture source, transform stage, sinks and offset
// store into a running connector. One coordinator owns all pipeline state;
// there are no package-level singletons.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pgrelay/pgrelay/pkg/cdc"
	"github.com/pgrelay/pgrelay/pkg/offset"
	"github.com/pgrelay/pgrelay/pkg/sink"
	"github.com/pgrelay/pgrelay/pkg/source"
	"github.com/pgrelay/pgrelay/pkg/transform"
)

// Fault reports an unrecoverable per-partition error. Faults are surfaced for
// operator visibility, never swallowed; the owning partition halts while
// siblings keep running.
type Fault struct {
	Partition string
	Err       error
}

// NamedSink pairs a sink with its configured name for logging and metrics.
type NamedSink struct {
	Name string
	Sink sink.Sink
}

// RetryConfig bounds the exponential backoff applied to transient publish
// failures. Exhausting MaxAttempts faults the owning partition.
type RetryConfig struct {
	MaxAttempts     uint64        `mapstructure:"maxAttempts"`
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialInterval == 0 {
		r.InitialInterval = 500 * time.Millisecond
	}
	if r.MaxInterval == 0 {
		r.MaxInterval = 30 * time.Second
	}
	return r
}

// Options configures a Coordinator.
type Options struct {
	// Transform is the predicate-gated transform chain applied to every
	// event.
	Transform transform.Func
	Offsets   offset.Store
	Sinks     []NamedSink
	Retry     RetryConfig
	// PartitionBuffer is the per-partition channel depth; a slow partition
	// exerts backpressure on the source once its buffer fills.
	PartitionBuffer int
	// DrainTimeout bounds the wait for in-flight publish+commit work
	// during shutdown.
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// Coordinator owns the partition runners and drives the capture lifecycle.
type Coordinator struct {
	source source.Source
	opts   Options

	mu      sync.Mutex
	runners map[string]*partitionRunner

	faults chan Fault
	wg     sync.WaitGroup
}

func New(src source.Source, opts Options) (*Coordinator, error) {
	if src == nil {
		return nil, fmt.Errorf("source is required")
	}
	if opts.Transform == nil {
		return nil, fmt.Errorf("transform is required")
	}
	if opts.Offsets == nil {
		return nil, fmt.Errorf("offset store is required")
	}
	if len(opts.Sinks) == 0 {
		return nil, fmt.Errorf("at least one sink is required")
	}
	if opts.PartitionBuffer == 0 {
		opts.PartitionBuffer = 100
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Retry = opts.Retry.withDefaults()

	return &Coordinator{
		source:  src,
		opts:    opts,
		runners: make(map[string]*partitionRunner),
		faults:  make(chan Fault, 16),
	}, nil
}

// Faults exposes per-partition faults for operator visibility.
func (c *Coordinator) Faults() <-chan Fault {
	return c.faults
}

// PartitionStates returns a snapshot of each known partition's state.
func (c *Coordinator) PartitionStates() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make(map[string]State, len(c.runners))
	for partition, r := range c.runners {
		states[partition] = r.State()
	}
	return states
}

// Run opens the capture source and dispatches events to one runner per
// partition until the context is canceled or the source stream ends, then
// drains: runners finish in-flight publish+commit before Run returns. When
// the stream ended because the source failed, Run returns that error.
func (c *Coordinator) Run(ctx context.Context) error {
	events, err := c.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}
	c.opts.Logger.Info("pipeline started")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

loop:
	for {
		select {
		case event, ok := <-events:
			if !ok {
				break loop
			}
			c.dispatch(runCtx, event)
		case <-ctx.Done():
			break loop
		}
	}

	c.drain()
	return c.source.Err()
}

// dispatch routes an event to its partition's runner, creating the runner on
// first use. The send blocks when the partition's buffer is full, applying
// backpressure without affecting other partitions' runners.
func (c *Coordinator) dispatch(ctx context.Context, event cdc.Event) {
	partition := event.Partition()

	c.mu.Lock()
	r, ok := c.runners[partition]
	if !ok {
		r = newPartitionRunner(partition, c.opts, c.faults)
		c.runners[partition] = r
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			r.run(ctx)
		}()
	}
	c.mu.Unlock()

	select {
	case r.input <- event:
	case <-ctx.Done():
	}
}

// drain stops feeding the runners and waits, bounded by DrainTimeout, for all
// of them to finish in-flight work. Losing that wait window could drop an
// offset commit for a record already accepted by a sink.
func (c *Coordinator) drain() {
	c.opts.Logger.Info("draining pipeline")

	c.mu.Lock()
	for _, r := range c.runners {
		r.beginDrain()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		// no runner can fault once all have returned
		close(c.faults)
		close(done)
	}()

	select {
	case <-done:
		c.opts.Logger.Info("pipeline stopped")
	case <-time.After(c.opts.DrainTimeout):
		c.opts.Logger.Warn("drain timed out", zap.Duration("timeout", c.opts.DrainTimeout))
	}

	if err := c.source.Close(); err != nil {
		c.opts.Logger.Warn("source close failed", zap.Error(err))
	}
}
