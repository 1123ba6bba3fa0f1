package offset

import (
	"sync"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

// MemoryStore keeps offsets in process memory only. A restart loses all
// offsets: capture restarts from the current log end (snapshot mode "never")
// or re-snapshots (mode "initial"). That is an accepted trade-off for tests
// and low-durability deployments, not a bug.
type MemoryStore struct {
	mu        sync.RWMutex
	offsets   map[string]cdc.Position
	snapshots map[string]bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		offsets:   make(map[string]cdc.Position),
		snapshots: make(map[string]bool),
	}
}

func (s *MemoryStore) Commit(partition string, pos cdc.Position) error {
	s.mu.Lock()
	s.offsets[partition] = pos
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Read(partition string) (cdc.Position, bool, error) {
	s.mu.RLock()
	pos, ok := s.offsets[partition]
	s.mu.RUnlock()
	return pos, ok, nil
}

func (s *MemoryStore) MarkSnapshotComplete(partition string) error {
	s.mu.Lock()
	s.snapshots[partition] = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SnapshotComplete(partition string) (bool, error) {
	s.mu.RLock()
	done := s.snapshots[partition]
	s.mu.RUnlock()
	return done, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
