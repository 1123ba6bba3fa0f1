// Package source captures ordered streams of row-level change events from a
// database replication log. Each included table forms one partition whose
// events are surfaced in non-decreasing position order.
package source

import (
	"cmp"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

// ErrSourceUnavailable indicates the replication connection could not be
// established after the configured retries. It is fatal: the pipeline halts
// rather than silently skipping data.
var ErrSourceUnavailable = errors.New("capture source unavailable")

// SnapshotMode controls whether existing rows are read before streaming.
type SnapshotMode string

const (
	// SnapshotNever starts at the current end of the replication log.
	SnapshotNever SnapshotMode = "never"
	// SnapshotInitial first emits synthetic read events for every existing
	// row of each included table, then switches to live streaming. The
	// switch point is recorded so a restart does not re-snapshot.
	SnapshotInitial SnapshotMode = "initial"
)

// Source produces a lazy, ordered stream of change events. Open may be
// called once; the returned channel is closed when the stream ends or the
// context is canceled.
type Source interface {
	Open(ctx context.Context) (<-chan cdc.Event, error)

	// Err returns the terminal stream error once the event channel has
	// closed, or nil when the stream ended by cancellation or Close.
	Err() error

	Close() error
}

// Config holds capture configuration.
type Config struct {
	// ConnString is the source connection (host, port, user, password,
	// dbname) in libpq URL or keyword form.
	ConnString string `mapstructure:"connString"`
	// Tables is the include list of fully qualified (schema.table) names.
	// Events for tables outside the list are never surfaced downstream.
	Tables []string `mapstructure:"tables"`
	// SnapshotMode is "never" or "initial".
	SnapshotMode SnapshotMode `mapstructure:"snapshotMode"`

	Publication string `mapstructure:"publication"`
	Slot        string `mapstructure:"slot"`
	// Plugin selects the replication-log decoding format.
	Plugin string `mapstructure:"plugin"`

	StandbyUpdateInterval time.Duration `mapstructure:"standbyUpdateInterval"`
	BufferSize            int           `mapstructure:"bufferSize"`
	// ConnectRetries bounds connection attempts before the source reports
	// ErrSourceUnavailable.
	ConnectRetries uint `mapstructure:"connectRetries"`
}

const (
	defaultPublication           = "pgrelay_pub"
	defaultSlot                  = "pgrelay_slot"
	defaultPlugin                = "pgoutput"
	defaultStandbyUpdateInterval = 10 * time.Second
	defaultBufferSize            = 1000
	defaultConnectRetries        = 3
)

func (c *Config) withDefaults() *Config {
	out := *c
	out.Publication = cmp.Or(out.Publication, defaultPublication)
	out.Slot = cmp.Or(out.Slot, defaultSlot)
	out.Plugin = cmp.Or(out.Plugin, defaultPlugin)
	out.SnapshotMode = cmp.Or(out.SnapshotMode, SnapshotNever)
	out.StandbyUpdateInterval = cmp.Or(out.StandbyUpdateInterval, defaultStandbyUpdateInterval)
	out.BufferSize = cmp.Or(out.BufferSize, defaultBufferSize)
	out.ConnectRetries = cmp.Or(out.ConnectRetries, uint(defaultConnectRetries))
	return &out
}

func (c *Config) validate() error {
	if c.ConnString == "" {
		return errors.New("connString is required")
	}
	if len(c.Tables) == 0 {
		return errors.New("at least one table is required")
	}
	switch c.SnapshotMode {
	case SnapshotNever, SnapshotInitial:
	default:
		return errors.New("snapshotMode must be \"never\" or \"initial\"")
	}
	for _, t := range c.Tables {
		if strings.Count(t, ".") != 1 {
			return errors.New("tables must be fully qualified as schema.table")
		}
	}
	return nil
}

// includeSet answers membership for the table include list.
type includeSet map[string]struct{}

func newIncludeSet(tables []string) includeSet {
	s := make(includeSet, len(tables))
	for _, t := range tables {
		s[t] = struct{}{}
	}
	return s
}

func (s includeSet) contains(schema, table string) bool {
	_, ok := s[schema+"."+table]
	return ok
}
