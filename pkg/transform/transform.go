// Package transform reshapes change events into output records. A single
// transformation maps one event to at most one record; a nil record with a nil
// error means the event is suppressed. Transformations are pure and perform no
// I/O, so a failure is permanent for that one event.
package transform

import (
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

// Func is the signature for all transformation functions.
type Func func(*cdc.Event) (*cdc.Record, error)

// Error marks a permanent per-event failure, eg a malformed row shape. The
// pipeline logs and skips the event rather than retrying or stalling the
// partition.
type Error struct {
	Partition string
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transform %s: %s", e.Partition, e.Reason)
}

// Spec configures one transformation instance, optionally gated by a named
// predicate.
type Spec struct {
	Config map[string]any `mapstructure:"config"`
	Type   string         `mapstructure:"type"`
	// Predicate names a configured predicate gating this transformation.
	Predicate string `mapstructure:"predicate"`
	// Negate inverts the predicate: the transformation applies only where
	// the predicate does not match.
	Negate bool `mapstructure:"negate"`
}

// Config is the interface that all transformation configs must implement.
type Config interface {
	Validate() error
	Type() string
}

// Registry is a collection of transformation factories.
type Registry struct {
	transforms sync.Map // map[string]func(Config) Func
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a transformation factory to the registry.
func (r *Registry) Register(name string, factory func(Config) Func) {
	r.transforms.Store(name, factory)
}

// Get returns a transformation factory from the registry.
func (r *Registry) Get(name string) (func(Config) Func, error) {
	if value, ok := r.transforms.Load(name); ok {
		return value.(func(Config) Func), nil
	}
	return nil, fmt.Errorf("transformation %s not found", name)
}

const (
	// TypeExtractNewState extracts the after-image of each event and
	// annotates it with operation metadata.
	TypeExtractNewState = "extract-new-state"
)

// RegisterBuiltins registers the closed set of built-in transformations.
func (r *Registry) RegisterBuiltins() {
	r.Register(TypeExtractNewState, func(config Config) Func {
		if cfg, ok := config.(*ExtractConfig); ok {
			return ExtractNewState(cfg)
		}
		return func(e *cdc.Event) (*cdc.Record, error) {
			return nil, fmt.Errorf("invalid config type for %s", TypeExtractNewState)
		}
	})
}

// ToConfig decodes the spec's raw config map into the typed config for its
// transformation type.
func (s *Spec) ToConfig(topicPrefix string) (Config, error) {
	switch s.Type {
	case TypeExtractNewState:
		cfg := ExtractConfig{TopicPrefix: topicPrefix}
		if err := mapstructure.Decode(s.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decoding %s config: %w", s.Type, err)
		}
		return &cfg, nil
	default:
		return nil, fmt.Errorf("unknown transformation type: %s", s.Type)
	}
}

// Build resolves a spec against the registry and the named predicates,
// returning the ready-to-run, predicate-gated function.
func Build(r *Registry, s Spec, predicates map[string]*Predicate, topicPrefix string) (Func, error) {
	factory, err := r.Get(s.Type)
	if err != nil {
		return nil, err
	}

	cfg, err := s.ToConfig(topicPrefix)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", s.Type, err)
	}

	fn := factory(cfg)
	if s.Predicate == "" {
		return fn, nil
	}

	pred, ok := predicates[s.Predicate]
	if !ok {
		return nil, fmt.Errorf("predicate %s not found", s.Predicate)
	}
	return Guard(fn, Passthrough(topicPrefix), pred, s.Negate, topicPrefix), nil
}

// Chain composes transformations. Each is evaluated against the source event
// in order; the first suppression or error stops the chain, otherwise the
// final transformation's record is the chain's output. An empty chain is the
// passthrough.
func Chain(topicPrefix string, funcs ...Func) Func {
	if len(funcs) == 0 {
		return Passthrough(topicPrefix)
	}
	if len(funcs) == 1 {
		return funcs[0]
	}
	return func(e *cdc.Event) (*cdc.Record, error) {
		var rec *cdc.Record
		var err error
		for _, fn := range funcs {
			rec, err = fn(e)
			if err != nil || rec == nil {
				return nil, err
			}
		}
		return rec, nil
	}
}
