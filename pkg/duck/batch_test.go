package duck

import (
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func testConn(t *testing.T) Connection {
	t.Helper()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := New(t.Context(), log, "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDataPull_Duck_WriteBatch(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	t.Run("writes rows across chunk boundaries", func(t *testing.T) {
		t.Parallel()

		conn := testConn(t)
		_, err := conn.ExecContext(t.Context(), `CREATE TABLE items (id BIGINT, name VARCHAR)`)
		require.NoError(t, err)

		const count = 7
		cfg := BatchConfig{
			Table:     "items",
			Columns:   []string{"id", "name"},
			ChunkSize: 3,
		}
		err = WriteBatch(t.Context(), log, conn, cfg, count, func(i int) []any {
			return []any{int64(i), fmt.Sprintf("item-%d", i)}
		})
		require.NoError(t, err)

		var got int
		require.NoError(t, conn.QueryRowContext(t.Context(), `SELECT COUNT(*) FROM items`).Scan(&got))
		require.Equal(t, count, got)
	})

	t.Run("conflict keys upsert instead of duplicating", func(t *testing.T) {
		t.Parallel()

		conn := testConn(t)
		_, err := conn.ExecContext(t.Context(), `CREATE TABLE items (id BIGINT, name VARCHAR, UNIQUE (id))`)
		require.NoError(t, err)

		cfg := BatchConfig{
			Table:         "items",
			Columns:       []string{"id", "name"},
			ConflictKeys:  []string{"id"},
			UpdateColumns: []string{"name"},
		}
		names := []string{"first", "second"}
		for _, name := range names {
			name := name
			err = WriteBatch(t.Context(), log, conn, cfg, 1, func(int) []any {
				return []any{int64(1), name}
			})
			require.NoError(t, err)
		}

		var count int
		var got string
		require.NoError(t, conn.QueryRowContext(t.Context(), `SELECT COUNT(*), MAX(name) FROM items`).Scan(&count, &got))
		require.Equal(t, 1, count)
		require.Equal(t, "second", got)
	})

	t.Run("zero rows is a no-op", func(t *testing.T) {
		t.Parallel()

		conn := testConn(t)
		_, err := conn.ExecContext(t.Context(), `CREATE TABLE items (id BIGINT)`)
		require.NoError(t, err)

		cfg := BatchConfig{Table: "items", Columns: []string{"id"}}
		err = WriteBatch(t.Context(), log, conn, cfg, 0, func(int) []any {
			t.Fatal("rowFn should not be called")
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("conflict keys without update columns are rejected", func(t *testing.T) {
		t.Parallel()

		conn := testConn(t)
		cfg := BatchConfig{
			Table:        "items",
			Columns:      []string{"id"},
			ConflictKeys: []string{"id"},
		}
		err := WriteBatch(t.Context(), log, conn, cfg, 1, func(int) []any {
			return []any{int64(1)}
		})
		require.Error(t, err)
	})
}
