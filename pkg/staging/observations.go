package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/afyalabs/datapull/pkg/duck"
)

// UpsertObservations writes analytics observations, replacing the
// non-key columns of any row already staged for the same (indicator,
// org unit, period).
func (s *Store) UpsertObservations(ctx context.Context, observations []Observation) error {
	if len(observations) == 0 {
		return nil
	}
	s.log.Debug("staging: upserting observations", "count", len(observations))

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	now := time.Now().UTC()
	cfg := duck.BatchConfig{
		Table: TableObservations,
		Columns: []string{
			"county", "subcounty", "ward", "facility", "org_unit_id", "site_code",
			"indicator_uid", "start_date", "end_date", "period", "value",
			"data_element_name", "data_element_code", "program_area", "dataset",
			"created_at", "updated_at",
		},
		ConflictKeys: []string{"indicator_uid", "org_unit_id", "period"},
		UpdateColumns: []string{
			"county", "subcounty", "ward", "facility", "site_code",
			"start_date", "end_date", "value",
			"data_element_name", "data_element_code", "program_area", "dataset",
			"updated_at",
		},
	}
	return duck.WriteBatch(ctx, s.log, conn, cfg, len(observations), func(i int) []any {
		o := observations[i]
		var value any
		if o.Value != nil {
			value = *o.Value
		}
		return []any{
			o.County, o.Subcounty, o.Ward, o.Facility, o.OrgUnitID, o.SiteCode,
			o.IndicatorUID, o.StartDate, o.EndDate, o.Period, value,
			o.DataElementName, o.DataElementCode, o.ProgramArea, o.Dataset,
			now, now,
		}
	})
}

// StagedKeys returns the set of (indicator_uid, period) pairs that have
// at least one observation staged, keyed "uid:period".
func (s *Store) StagedKeys(ctx context.Context) (map[string]bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`SELECT DISTINCT indicator_uid, period FROM %s`, TableObservations)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query staged keys: %w", err)
	}
	defer rows.Close()

	result := make(map[string]bool)
	for rows.Next() {
		var uid, period string
		if err := rows.Scan(&uid, &period); err != nil {
			return nil, fmt.Errorf("failed to scan staged key: %w", err)
		}
		result[fmt.Sprintf("%s:%s", uid, period)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staged keys: %w", err)
	}
	return result, nil
}

// CountObservations reports the number of staged observations, used by
// run summaries and tests.
func (s *Store) CountObservations(ctx context.Context) (int, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, TableObservations)
	if err := conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return count, nil
}

// GetObservation reads one observation by its natural key. Returns nil
// when no row is staged.
func (s *Store) GetObservation(ctx context.Context, indicatorUID, orgUnitID, period string) (*Observation, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`SELECT county, subcounty, ward, facility, org_unit_id, site_code,
		indicator_uid, start_date, end_date, period, value,
		data_element_name, data_element_code, program_area, dataset
		FROM %s WHERE indicator_uid = ? AND org_unit_id = ? AND period = ?`, TableObservations)
	row := conn.QueryRowContext(ctx, query, indicatorUID, orgUnitID, period)

	var o Observation
	var county, subcounty, ward, facility, siteCode sql.NullString
	var elementName, elementCode, programArea, dataset sql.NullString
	var value sql.NullInt64
	err = row.Scan(
		&county, &subcounty, &ward, &facility, &o.OrgUnitID, &siteCode,
		&o.IndicatorUID, &o.StartDate, &o.EndDate, &o.Period, &value,
		&elementName, &elementCode, &programArea, &dataset,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan observation: %w", err)
	}
	o.County = county.String
	o.Subcounty = subcounty.String
	o.Ward = ward.String
	o.Facility = facility.String
	o.SiteCode = siteCode.String
	o.DataElementName = elementName.String
	o.DataElementCode = elementCode.String
	o.ProgramArea = programArea.String
	o.Dataset = dataset.String
	if value.Valid {
		v := value.Int64
		o.Value = &v
	}
	return &o, nil
}
