package staging

import (
	"context"
	"fmt"

	"github.com/afyalabs/datapull/pkg/duck"
)

var dataValueTables = map[string]bool{
	TableKHISDataAll: true,
	TableDATIMData:   true,
}

// UpsertDataValues writes dataValueSets rows into one of the raw data
// tables, merging the mutable columns when a row already exists for the
// same (data_element, org_unit, period).
func (s *Store) UpsertDataValues(ctx context.Context, table string, values []DataValue) error {
	if !dataValueTables[table] {
		return fmt.Errorf("unknown data values table %q", table)
	}
	if len(values) == 0 {
		return nil
	}
	s.log.Debug("staging: upserting data values", "table", table, "count", len(values))

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	cfg := duck.BatchConfig{
		Table: table,
		Columns: []string{
			"data_element", "period", "org_unit", "category_option_combo",
			"attribute_option_combo", "value", "stored_by", "created",
			"last_updated", "comment", "followup",
		},
		ConflictKeys: []string{"data_element", "org_unit", "period"},
		UpdateColumns: []string{
			"category_option_combo", "attribute_option_combo", "value",
			"stored_by", "created", "last_updated", "comment", "followup",
		},
	}
	return duck.WriteBatch(ctx, s.log, conn, cfg, len(values), func(i int) []any {
		v := values[i]
		var created, lastUpdated any
		if v.Created != nil {
			created = *v.Created
		}
		if v.LastUpdated != nil {
			lastUpdated = *v.LastUpdated
		}
		return []any{
			v.DataElement, v.Period, v.OrgUnit, v.CategoryOptionCombo,
			v.AttributeOptionCombo, v.Value, v.StoredBy, created,
			lastUpdated, v.Comment, v.Followup,
		}
	})
}

// CountDataValues reports the number of staged rows in one raw data
// table.
func (s *Store) CountDataValues(ctx context.Context, table string) (int, error) {
	if !dataValueTables[table] {
		return 0, fmt.Errorf("unknown data values table %q", table)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var count int
	if err := conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count data values: %w", err)
	}
	return count, nil
}
