package offset

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

// Key prefixes, sorted for efficient iteration.
const (
	prefixOffset   = "/offset/"   // /offset/{partition}
	prefixSnapshot = "/snapshot/" // /snapshot/{partition}
)

// PebbleStore is the durable Store backend. Every commit is written with
// pebble.Sync so it is either fully visible after a crash or absent.
type PebbleStore struct {
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

// OpenPebble opens (or creates) the store at path.
func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrOffsetStore, path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Commit(partition string, pos cdc.Position) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(pos))
	if err := s.db.Set([]byte(prefixOffset+partition), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("%w: commit %s: %v", ErrOffsetStore, partition, err)
	}
	return nil
}

func (s *PebbleStore) Read(partition string) (cdc.Position, bool, error) {
	val, closer, err := s.db.Get([]byte(prefixOffset + partition))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: read %s: %v", ErrOffsetStore, partition, err)
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, false, fmt.Errorf("%w: corrupt position for %s", ErrOffsetStore, partition)
	}
	return cdc.Position(binary.BigEndian.Uint64(val)), true, nil
}

func (s *PebbleStore) MarkSnapshotComplete(partition string) error {
	if err := s.db.Set([]byte(prefixSnapshot+partition), []byte{1}, pebble.Sync); err != nil {
		return fmt.Errorf("%w: mark snapshot %s: %v", ErrOffsetStore, partition, err)
	}
	return nil
}

func (s *PebbleStore) SnapshotComplete(partition string) (bool, error) {
	_, closer, err := s.db.Get([]byte(prefixSnapshot + partition))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: read snapshot marker %s: %v", ErrOffsetStore, partition, err)
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
