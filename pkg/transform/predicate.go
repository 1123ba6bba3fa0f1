package transform

import (
	"fmt"
	"regexp"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

const (
	// TypeTopicMatch matches the record's destination topic against a
	// full-match regular expression.
	TypeTopicMatch = "topic-match"
)

// PredicateSpec configures one named predicate instance.
type PredicateSpec struct {
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"`
	Pattern string `mapstructure:"pattern"`
}

// Predicate is a stateless boolean gate over a destination topic name. Safe
// for concurrent evaluation across partitions.
type Predicate struct {
	re *regexp.Regexp
}

// NewPredicate compiles a predicate spec. Only the topic-match type exists;
// the pattern must match the entire topic name.
func NewPredicate(spec PredicateSpec) (*Predicate, error) {
	if spec.Type != TypeTopicMatch {
		return nil, fmt.Errorf("unknown predicate type: %s", spec.Type)
	}
	re, err := regexp.Compile("^(?:" + spec.Pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid predicate pattern %q: %w", spec.Pattern, err)
	}
	return &Predicate{re: re}, nil
}

// Match reports whether the topic name satisfies the predicate.
func (p *Predicate) Match(topic string) bool {
	return p.re.MatchString(topic)
}

// BuildPredicates compiles all configured predicates keyed by name.
func BuildPredicates(specs []PredicateSpec) (map[string]*Predicate, error) {
	predicates := make(map[string]*Predicate, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("predicate name is required")
		}
		p, err := NewPredicate(spec)
		if err != nil {
			return nil, err
		}
		predicates[spec.Name] = p
	}
	return predicates, nil
}

// Guard gates a transformation with a predicate. The gated Func applies only
// to events whose destination topic satisfies the predicate (inverted when
// negate is set); all other events take the fallback path unmodified. The
// predicate alone never drops an event.
func Guard(gated, fallback Func, pred *Predicate, negate bool, topicPrefix string) Func {
	return func(e *cdc.Event) (*cdc.Record, error) {
		if e == nil {
			return nil, &Error{Reason: "nil event"}
		}
		src := e.Payload.Source
		topic := cdc.TopicName(topicPrefix, src.Schema, src.Table)

		applies := pred.Match(topic)
		if negate {
			applies = !applies
		}
		if applies {
			return gated(e)
		}
		return fallback(e)
	}
}
