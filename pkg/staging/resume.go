package staging

import (
	"context"
	"fmt"
	"time"
)

// ResumeKey identifies one unit of ledger state.
func ResumeKey(indicatorUID, period string) string {
	return fmt.Sprintf("%s:%s", indicatorUID, period)
}

// ResumeStatuses preloads the ledger for one source into a map keyed by
// ResumeKey.
func (s *Store) ResumeStatuses(ctx context.Context, source string) (map[string]string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`SELECT indicator_uid, period, status FROM %s WHERE source = ?`, TableResumeLedger)
	rows, err := conn.QueryContext(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("failed to query resume ledger: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var uid, period, status string
		if err := rows.Scan(&uid, &period, &status); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		result[ResumeKey(uid, period)] = status
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return result, nil
}

// SetResume records the outcome of one (indicator, period) unit,
// replacing any earlier verdict for the same key.
func (s *Store) SetResume(ctx context.Context, source, indicatorUID, period, status string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (source, indicator_uid, period, status, updated_at)
		VALUES (?, ?, ?, ?, ?)`, TableResumeLedger)
	if _, err := conn.ExecContext(ctx, query, source, indicatorUID, period, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write ledger row: %w", err)
	}
	return nil
}

// GetResume reads the recorded status for one key, empty when absent.
func (s *Store) GetResume(ctx context.Context, indicatorUID, period string) (string, error) {
	statuses, err := s.resumeAll(ctx)
	if err != nil {
		return "", err
	}
	return statuses[ResumeKey(indicatorUID, period)], nil
}

func (s *Store) resumeAll(ctx context.Context) (map[string]string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`SELECT indicator_uid, period, status FROM %s`, TableResumeLedger)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query resume ledger: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var uid, period, status string
		if err := rows.Scan(&uid, &period, &status); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		result[ResumeKey(uid, period)] = status
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return result, nil
}
