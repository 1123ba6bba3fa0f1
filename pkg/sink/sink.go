// Package sink defines the publish boundary to topic-based message brokers.
// A sink acknowledges a record by returning nil from Publish; the pipeline
// commits the corresponding offset only after that acknowledgment.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

var ErrNotConnected = errors.New("sink not connected")

// Sink publishes output records to a destination topic.
type Sink interface {
	// Connect initializes the sink with its raw JSON configuration.
	Connect(config json.RawMessage) error

	// Publish delivers one record. A nil return is the acknowledgment
	// that triggers offset commit; an error triggers the pipeline's
	// retry policy. Publish must be safe for concurrent use across
	// partitions.
	Publish(ctx context.Context, rec cdc.Record) error

	Close() error
}

// Built-in connector names.
const (
	ConnectorClickHouse = "clickhouse"
	ConnectorDebug      = "debug"
	ConnectorKafka      = "kafka"
	ConnectorMQTT       = "mqtt"
	ConnectorNATS       = "nats"
)

var (
	factories = make(map[string]func() Sink)
	mu        sync.RWMutex
)

// Register adds a sink factory under the given connector name. Called from
// the init function of each sink package.
func Register(name string, factory func() Sink) {
	mu.Lock()
	factories[name] = factory
	mu.Unlock()
}

// New returns a fresh, unconnected sink instance for the connector name.
func New(name string) (Sink, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sink connector %s not found", name)
	}
	return factory(), nil
}
