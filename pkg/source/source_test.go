package source

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"

	"github.com/pgrelay/pgrelay/pkg/cdc"
	"github.com/pgrelay/pgrelay/pkg/offset"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		ConnString:   "postgres://localhost:5432/testdb",
		Tables:       []string{"inventory.products"},
		SnapshotMode: SnapshotNever,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing connString",
			mutate:  func(c *Config) { c.ConnString = "" },
			wantErr: "connString",
		},
		{
			name:    "empty include list",
			mutate:  func(c *Config) { c.Tables = nil },
			wantErr: "at least one table",
		},
		{
			name:    "unqualified table",
			mutate:  func(c *Config) { c.Tables = []string{"products"} },
			wantErr: "fully qualified",
		},
		{
			name:    "over-qualified table",
			mutate:  func(c *Config) { c.Tables = []string{"db.inventory.products"} },
			wantErr: "fully qualified",
		},
		{
			name:    "unknown snapshot mode",
			mutate:  func(c *Config) { c.SnapshotMode = "always" },
			wantErr: "snapshotMode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{
		ConnString: "postgres://localhost:5432/testdb",
		Tables:     []string{"inventory.products"},
	}).withDefaults()

	require.Equal(t, "pgrelay_pub", cfg.Publication)
	require.Equal(t, "pgrelay_slot", cfg.Slot)
	require.Equal(t, "pgoutput", cfg.Plugin)
	require.Equal(t, SnapshotNever, cfg.SnapshotMode)
	require.Equal(t, 10*time.Second, cfg.StandbyUpdateInterval)
	require.Equal(t, 1000, cfg.BufferSize)
	require.Equal(t, uint(3), cfg.ConnectRetries)

	// explicit values survive
	cfg = (&Config{
		ConnString:   "postgres://localhost:5432/testdb",
		Tables:       []string{"inventory.products"},
		Publication:  "my_pub",
		SnapshotMode: SnapshotInitial,
		BufferSize:   10,
	}).withDefaults()
	require.Equal(t, "my_pub", cfg.Publication)
	require.Equal(t, SnapshotInitial, cfg.SnapshotMode)
	require.Equal(t, 10, cfg.BufferSize)
}

func TestIncludeSet(t *testing.T) {
	s := newIncludeSet([]string{"inventory.products", "inventory.orders"})

	require.True(t, s.contains("inventory", "products"))
	require.True(t, s.contains("inventory", "orders"))
	require.False(t, s.contains("inventory", "customers"))
	require.False(t, s.contains("public", "products"))
}

func TestAdmit(t *testing.T) {
	p := &Postgres{
		include: newIncludeSet([]string{"inventory.products"}),
		resume:  map[string]cdc.Position{"inventory.products": 100},
	}

	event := func(schema, table string, lsn int64) cdc.Event {
		return cdc.NewEventBuilder().
			WithSource(cdc.NewSourceBuilder("postgresql", "test").
				WithSchema(schema).
				WithTable(table).
				WithTransaction(1, lsn).
				Build()).
			WithOperation(cdc.OpUpdate).
			Build()
	}

	tests := []struct {
		name  string
		event cdc.Event
		want  bool
	}{
		{"included, past resume point", event("inventory", "products", 101), true},
		{"included, at resume point", event("inventory", "products", 100), false},
		{"included, before resume point", event("inventory", "products", 50), false},
		{"excluded table", event("inventory", "customers", 200), false},
		{"excluded schema", event("public", "products", 200), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.event
			require.Equal(t, tt.want, p.admit(&e))
		})
	}
}

// Replication must restart at the minimum committed position so the partition
// furthest behind is owed nothing; admit dedups the rest.
func TestResumeStart(t *testing.T) {
	p := &Postgres{}

	_, ok := p.resumeStart()
	require.False(t, ok, "no committed offsets means no resume point")

	p.resume = map[string]cdc.Position{
		"inventory.products": 300,
		"inventory.orders":   120,
	}
	start, ok := p.resumeStart()
	require.True(t, ok)
	require.Equal(t, pglogrepl.LSN(120), start)
}

func TestAckPosition(t *testing.T) {
	store := offset.NewMemory()
	p := NewPostgres(Config{
		ConnString: "postgres://localhost:5432/testdb",
		Tables:     []string{"inventory.products", "inventory.orders"},
	}, store, nil)

	floor := pglogrepl.LSN(100)

	// nothing committed: never acknowledge past the start point
	require.Equal(t, floor, p.ackPosition(floor))

	// one partition ahead, the other untouched: the ack stays at the floor
	require.NoError(t, store.Commit("inventory.products", 500))
	require.Equal(t, floor, p.ackPosition(floor))

	// both committed: the minimum bounds the ack
	require.NoError(t, store.Commit("inventory.orders", 250))
	require.Equal(t, pglogrepl.LSN(250), p.ackPosition(floor))

	// a commit below the floor never drags the ack backwards
	require.NoError(t, store.Commit("inventory.orders", 50))
	require.Equal(t, floor, p.ackPosition(floor))
}

func TestQuoting(t *testing.T) {
	require.Equal(t, `"inventory"`, quoteIdent("inventory"))
	require.Equal(t, `"odd""name"`, quoteIdent(`odd"name`))
	require.Equal(t, `"inventory"."products"`, quoteQualified("inventory.products"))
	require.Equal(t, `"products"`, quoteQualified("products"))
	require.Equal(t, `'pgrelay_pub'`, quoteLiteral("pgrelay_pub"))
	require.Equal(t, `'o''brien'`, quoteLiteral("o'brien"))
}
