package staging

import (
	"context"
	"fmt"

	"github.com/afyalabs/datapull/pkg/duck"
)

// RecreateWarehouse drops and recreates the warehouse extract table.
// Each warehouse pull starts from an empty table.
func (s *Store) RecreateWarehouse(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, TableWarehouse)); err != nil {
		return fmt.Errorf("failed to drop warehouse table: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE %s (
		site_code VARCHAR,
		facility_name VARCHAR,
		county_name VARCHAR,
		report_month_year VARCHAR,
		month VARCHAR,
		year VARCHAR,
		value BIGINT,
		program VARCHAR,
		indicator_name VARCHAR
	)`, TableWarehouse)
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create warehouse table: %w", err)
	}
	return nil
}

// InsertWarehouseRows appends warehouse extract rows.
func (s *Store) InsertWarehouseRows(ctx context.Context, rows []WarehouseRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.log.Debug("staging: inserting warehouse rows", "count", len(rows))

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	cfg := duck.BatchConfig{
		Table: TableWarehouse,
		Columns: []string{
			"site_code", "facility_name", "county_name", "report_month_year",
			"month", "year", "value", "program", "indicator_name",
		},
	}
	return duck.WriteBatch(ctx, s.log, conn, cfg, len(rows), func(i int) []any {
		r := rows[i]
		var value, program any
		if r.Value != nil {
			value = *r.Value
		}
		if r.Program != nil {
			program = *r.Program
		}
		return []any{
			r.SiteCode, r.FacilityName, r.CountyName, r.ReportMonthYear,
			r.Month, r.Year, value, program, r.IndicatorName,
		}
	})
}

// CountWarehouseRows reports the number of staged warehouse rows.
func (s *Store) CountWarehouseRows(ctx context.Context) (int, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var count int
	if err := conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, TableWarehouse)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count warehouse rows: %w", err)
	}
	return count, nil
}
