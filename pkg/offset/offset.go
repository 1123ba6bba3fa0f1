// Package offset tracks, per source partition, the position of the last
// change event that was durably accepted downstream. Capture resumes from
// these positions after a restart.
package offset

import (
	"errors"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

// ErrOffsetStore indicates a commit or read could not be completed durably.
// The owning partition must halt rather than proceed, since continuing past a
// failed commit risks silent data loss on restart.
var ErrOffsetStore = errors.New("offset store failure")

// Store records one live position per partition, overwritten on each commit.
// Implementations must be safe for concurrent use across partitions; each
// partition owns its own key.
type Store interface {
	// Commit durably records pos for the partition, replacing any prior
	// value. A commit either fully completes or has no effect.
	Commit(partition string, pos cdc.Position) error

	// Read returns the last committed position, or ok=false if the
	// partition was never committed.
	Read(partition string) (pos cdc.Position, ok bool, err error)

	// MarkSnapshotComplete records that the initial snapshot for the
	// partition finished, so a restart does not re-snapshot.
	MarkSnapshotComplete(partition string) error

	// SnapshotComplete reports whether a snapshot-complete marker exists.
	SnapshotComplete(partition string) (bool, error)

	Close() error
}

// Backend names accepted in configuration.
const (
	BackendPebble = "pebble"
	BackendMemory = "memory"
)
