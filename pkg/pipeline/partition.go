package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pgrelay/pgrelay/pkg/cdc"
	"github.com/pgrelay/pgrelay/pkg/metrics"
)

// State is a partition runner's lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateSnapshotting
	StateStreaming
	StateDraining
	StateStopped
	// StateFaulted is terminal until operator intervention; the partition
	// stops processing while sibling partitions continue.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSnapshotting:
		return "snapshotting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// PublishError wraps a sink failure that exhausted its retries.
type PublishError struct {
	Sink string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Sink, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// partitionRunner processes one partition's events strictly in order. All
// runners are independent: a blocked publish or a fault in one never stalls
// another.
type partitionRunner struct {
	partition string
	input     chan cdc.Event
	state     atomic.Int32
	draining  atomic.Bool

	opts   Options
	faults chan<- Fault
	logger *zap.Logger
}

func newPartitionRunner(partition string, opts Options, faults chan<- Fault) *partitionRunner {
	return &partitionRunner{
		partition: partition,
		input:     make(chan cdc.Event, opts.PartitionBuffer),
		opts:      opts,
		faults:    faults,
		logger:    opts.Logger.With(zap.String("partition", partition)),
	}
}

func (r *partitionRunner) State() State {
	return State(r.state.Load())
}

func (r *partitionRunner) setState(s State) {
	r.state.Store(int32(s))
}

// beginDrain stops the runner after it finishes the events already buffered.
func (r *partitionRunner) beginDrain() {
	if r.draining.CompareAndSwap(false, true) {
		close(r.input)
	}
}

func (r *partitionRunner) run(ctx context.Context) {
	r.setState(StateStreaming)
	r.logger.Info("partition started")

	for event := range r.input {
		if r.State() == StateFaulted {
			// keep consuming so the coordinator never blocks on a
			// dead partition, but process nothing further
			continue
		}
		r.process(ctx, event)
	}

	if r.State() != StateFaulted {
		r.setState(StateStopped)
		r.logger.Info("partition stopped")
	}
}

// process runs one event through transform, predicate-gated apply, publish
// and offset commit. The offset is committed strictly after every sink
// accepted the record, or immediately when the transform suppressed output.
func (r *partitionRunner) process(ctx context.Context, event cdc.Event) {
	timer := prometheus.NewTimer(metrics.EventProcessingDuration.WithLabelValues(r.partition))
	defer timer.ObserveDuration()

	if event.Payload.Source.Snapshot {
		r.setState(StateSnapshotting)
	} else if r.State() == StateSnapshotting {
		r.setState(StateStreaming)
	}

	rec, err := r.opts.Transform(&event)
	if err != nil {
		// poison event: permanent for this one event, skip and move on
		metrics.TransformErrors.WithLabelValues(r.partition).Inc()
		r.logger.Warn("skipping poison event",
			zap.Int64("lsn", event.Payload.Source.Lsn),
			zap.Error(err))
		r.commit(event.Position())
		return
	}

	if rec != nil {
		for _, ns := range r.opts.Sinks {
			if err := r.publish(ctx, ns, *rec); err != nil {
				r.fault(err)
				return
			}
		}
	}

	r.commit(event.Position())
	metrics.ProcessedEvents.WithLabelValues(r.partition).Inc()
}

// publish delivers the record to one sink, retrying transient failures with
// bounded exponential backoff and jitter.
func (r *partitionRunner) publish(ctx context.Context, ns NamedSink, rec cdc.Record) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.Retry.InitialInterval
	bo.MaxInterval = r.opts.Retry.MaxInterval

	// WithMaxRetries counts retries after the first attempt
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, r.opts.Retry.MaxAttempts-1), ctx)

	err := backoff.Retry(func() error {
		if err := ns.Sink.Publish(ctx, rec); err != nil {
			metrics.PublishErrors.WithLabelValues(ns.Name).Inc()
			r.logger.Warn("publish failed, retrying",
				zap.String("sink", ns.Name),
				zap.String("topic", rec.Topic),
				zap.Error(err))
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return &PublishError{Sink: ns.Name, Err: err}
	}
	return nil
}

// commit records the position durably. A commit failure must not be silently
// proceeded past: it faults the partition, since resuming from a stale offset
// after restart would lose data.
func (r *partitionRunner) commit(pos cdc.Position) {
	if err := r.opts.Offsets.Commit(r.partition, pos); err != nil {
		r.fault(err)
		return
	}
	metrics.CommittedOffsets.WithLabelValues(r.partition).Set(float64(pos))
}

func (r *partitionRunner) fault(err error) {
	r.setState(StateFaulted)
	metrics.PartitionFaults.WithLabelValues(r.partition).Inc()
	r.logger.Error("partition faulted", zap.Error(err))

	select {
	case r.faults <- Fault{Partition: r.partition, Err: err}:
	default:
		// fault channel full; the state and log line still record it
	}
}
