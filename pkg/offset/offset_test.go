package offset

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgrelay/pgrelay/pkg/cdc"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	pebbleStore, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { pebbleStore.Close() })

	memStore := NewMemory()
	t.Cleanup(func() { memStore.Close() })

	return map[string]Store{
		BackendPebble: pebbleStore,
		BackendMemory: memStore,
	}
}

func TestCommitAndRead(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Read("inventory.products")
			require.NoError(t, err)
			require.False(t, ok, "never-committed partition must read as absent")

			require.NoError(t, store.Commit("inventory.products", 100))
			pos, ok, err := store.Read("inventory.products")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, cdc.Position(100), pos)

			// commit overwrites the prior value
			require.NoError(t, store.Commit("inventory.products", 250))
			pos, _, err = store.Read("inventory.products")
			require.NoError(t, err)
			require.Equal(t, cdc.Position(250), pos)

			// other partitions are unaffected
			_, ok, err = store.Read("inventory.orders")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestSnapshotMarker(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			done, err := store.SnapshotComplete("inventory.products")
			require.NoError(t, err)
			require.False(t, done)

			require.NoError(t, store.MarkSnapshotComplete("inventory.products"))
			done, err = store.SnapshotComplete("inventory.products")
			require.NoError(t, err)
			require.True(t, done)
		})
	}
}

// Concurrent commits from different partitions must not interleave: each
// partition owns its own key.
func TestConcurrentCommits(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			const partitions = 8
			const commits = 50

			var wg sync.WaitGroup
			for i := 0; i < partitions; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					partition := fmt.Sprintf("inventory.table_%d", i)
					for pos := 1; pos <= commits; pos++ {
						require.NoError(t, store.Commit(partition, cdc.Position(pos)))
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < partitions; i++ {
				pos, ok, err := store.Read(fmt.Sprintf("inventory.table_%d", i))
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, cdc.Position(commits), pos)
			}
		})
	}
}

// Offsets committed to the pebble backend survive reopening the database.
func TestPebbleDurability(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenPebble(dir)
	require.NoError(t, err)
	require.NoError(t, store.Commit("inventory.products", 777))
	require.NoError(t, store.MarkSnapshotComplete("inventory.products"))
	require.NoError(t, store.Close())

	reopened, err := OpenPebble(dir)
	require.NoError(t, err)
	defer reopened.Close()

	pos, ok, err := reopened.Read("inventory.products")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cdc.Position(777), pos)

	done, err := reopened.SnapshotComplete("inventory.products")
	require.NoError(t, err)
	require.True(t, done)
}
