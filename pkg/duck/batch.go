package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const defaultChunkSize = 1000

// BatchConfig describes one batched write into a table.
type BatchConfig struct {
	// Table is the destination table name.
	Table string
	// Columns are the destination columns, in the order rowFn yields values.
	Columns []string
	// ConflictKeys, when set, turn the write into an upsert on the given
	// natural key: later writes for the same key merge instead of
	// duplicating.
	ConflictKeys []string
	// UpdateColumns are the columns refreshed on conflict (last write
	// wins). Required when ConflictKeys is set.
	UpdateColumns []string
	// ChunkSize bounds rows per transaction. Defaults to 1000.
	ChunkSize int
}

func (cfg *BatchConfig) validate() error {
	if cfg.Table == "" {
		return errors.New("table is required")
	}
	if len(cfg.Columns) == 0 {
		return errors.New("columns cannot be empty")
	}
	if len(cfg.ConflictKeys) > 0 && len(cfg.UpdateColumns) == 0 {
		return errors.New("update columns are required when conflict keys are set")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return nil
}

func (cfg *BatchConfig) insertSQL() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cfg.Columns)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		cfg.Table, strings.Join(cfg.Columns, ", "), placeholders)
	if len(cfg.ConflictKeys) == 0 {
		return stmt
	}
	sets := make([]string, 0, len(cfg.UpdateColumns))
	for _, col := range cfg.UpdateColumns {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		stmt, strings.Join(cfg.ConflictKeys, ", "), strings.Join(sets, ", "))
}

// WriteBatch writes count rows into cfg.Table in chunked transactions,
// retrying each chunk on transient failures. rowFn returns the values for
// row i, matching cfg.Columns. Row writes are independent: chunk
// boundaries never split a row.
func WriteBatch(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	cfg BatchConfig,
	count int,
	rowFn func(i int) []any,
) error {
	start := time.Now()
	defer func() {
		log.Debug("batch write completed",
			"table", cfg.Table,
			"rows", count,
			"duration", time.Since(start).String())
	}()

	if err := cfg.validate(); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	stmtSQL := cfg.insertSQL()

	for offset := 0; offset < count; offset += cfg.ChunkSize {
		end := offset + cfg.ChunkSize
		if end > count {
			end = count
		}

		chunkStart, chunkEnd := offset, end
		err := retryWithBackoff(ctx, log, fmt.Sprintf("batch write %s", cfg.Table), func() error {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled before transaction for %s: %w", cfg.Table, ctx.Err())
			default:
			}

			tx, err := conn.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("failed to begin transaction for %s: %w", cfg.Table, err)
			}
			defer func() {
				if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
					log.Error("failed to rollback transaction", "table", cfg.Table, "error", err)
				}
			}()

			stmt, err := tx.PrepareContext(ctx, stmtSQL)
			if err != nil {
				return fmt.Errorf("failed to prepare insert for %s: %w", cfg.Table, err)
			}
			defer stmt.Close()

			for i := chunkStart; i < chunkEnd; i++ {
				if _, err := stmt.ExecContext(ctx, rowFn(i)...); err != nil {
					return fmt.Errorf("failed to write row %d into %s: %w", i, cfg.Table, err)
				}
			}

			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit transaction for %s: %w", cfg.Table, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}
