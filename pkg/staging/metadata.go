package staging

import (
	"context"
	"fmt"

	"github.com/afyalabs/datapull/pkg/duck"
)

var metadataTables = map[string]bool{
	TableKHISDataElements:          true,
	TableKHISCategoryOptionCombos:  true,
	TableKHISOrganisationUnits:     true,
	TableDATIMDataElements:         true,
	TableDATIMCategoryOptionCombos: true,
	TableDATIMOrganisationUnits:    true,
}

// ReplaceMetadata replaces the full contents of one metadata snapshot
// table. Snapshots are point-in-time, not versioned.
func (s *Store) ReplaceMetadata(ctx context.Context, table string, records []MetadataRecord) error {
	if !metadataTables[table] {
		return fmt.Errorf("unknown metadata table %q", table)
	}
	s.log.Debug("staging: replacing metadata", "table", table, "count", len(records))

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("failed to drop metadata table: %w", err)
	}
	if _, err := conn.ExecContext(ctx, metadataDDL(table)); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	cfg := duck.BatchConfig{
		Table:   table,
		Columns: []string{"id", "name", "short_name", "code"},
	}
	return duck.WriteBatch(ctx, s.log, conn, cfg, len(records), func(i int) []any {
		r := records[i]
		return []any{r.ID, r.Name, r.ShortName, r.Code}
	})
}

// CountMetadata reports the number of rows in one metadata snapshot
// table.
func (s *Store) CountMetadata(ctx context.Context, table string) (int, error) {
	if !metadataTables[table] {
		return 0, fmt.Errorf("unknown metadata table %q", table)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var count int
	if err := conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count metadata rows: %w", err)
	}
	return count, nil
}
