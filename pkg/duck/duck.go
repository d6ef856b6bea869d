package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is the handle shared by all stores. Each unit of work takes a
// Connection for the duration of its own transaction and releases it
// promptly (acquire-use-release).
type DB interface {
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type FileDB struct {
	log  *slog.Logger
	db   *sql.DB
	path string
}

type fileConn struct {
	conn *sql.Conn
}

func (c *fileConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *fileConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *fileConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *fileConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *fileConn) Close() error {
	return c.conn.Close()
}

// New opens (creating if needed) the DuckDB database at path. An empty
// path opens an in-memory database, which tests rely on.
func New(ctx context.Context, log *slog.Logger, path string) (*FileDB, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	dsn := ""
	if path != "" && path != ":memory:" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = abs
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &FileDB{log: log, db: db, path: path}, nil
}

func (d *FileDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &fileConn{conn: conn}, nil
}

func (d *FileDB) Close() error {
	return d.db.Close()
}
