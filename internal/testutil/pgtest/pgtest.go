// Package pgtest provides PostgreSQL connections for integration tests,
// pointed at the instance named by the TEST_DATABASE environment variable.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// Connect opens a connection to TEST_DATABASE, logging server notices through
// the test and closing the connection on cleanup.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	config, err := pgx.ParseConfig(os.Getenv("TEST_DATABASE"))
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}

	conn, err := pgx.ConnectConfig(ctx, config)
	require.NoError(t, err)

	t.Cleanup(func() {
		Close(t, conn)
	})

	return conn
}

// Close closes the connection with a bounded timeout.
func Close(t testing.TB, conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
}
