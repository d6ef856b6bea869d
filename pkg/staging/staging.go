// Package staging persists raw source pulls into the DuckDB staging
// schema: analytics observations, dataValueSets rows, warehouse extracts,
// metadata snapshots and the resume ledger.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/afyalabs/datapull/pkg/duck"
)

// Table names of the staging schema.
const (
	TableObservations = "khis_data"
	TableKHISDataAll  = "khis_data_all"
	TableDATIMData    = "datim_data"
	TableWarehouse    = "ndw_data"
	TableResumeLedger = "resume_ledger"
	TableKHISMaster   = "khis_master"
	TableDATIMMaster  = "datim_master"
)

// Metadata snapshot tables, one triple per DHIS2-style source.
const (
	TableKHISDataElements          = "khis_data_elements"
	TableKHISCategoryOptionCombos  = "khis_category_option_combos"
	TableKHISOrganisationUnits     = "khis_organisation_units"
	TableDATIMDataElements         = "datim_data_elements"
	TableDATIMCategoryOptionCombos = "datim_category_option_combos"
	TableDATIMOrganisationUnits    = "datim_organisation_units"
)

// Status values of the resume ledger.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Observation is one analytics data point scoped to an indicator, an
// org unit and a month period. Value is nil when the source reported an
// empty cell.
type Observation struct {
	County    string
	Subcounty string
	Ward      string
	Facility  string
	OrgUnitID string
	SiteCode  string

	IndicatorUID string
	StartDate    time.Time
	EndDate      time.Time
	Period       string
	Value        *int64

	DataElementName string
	DataElementCode string
	ProgramArea     string
	Dataset         string
}

// DataValue is one staged dataValueSets row.
type DataValue struct {
	DataElement          string
	Period               string
	OrgUnit              string
	CategoryOptionCombo  string
	AttributeOptionCombo string
	Value                string
	StoredBy             string
	Created              *time.Time
	LastUpdated          *time.Time
	Comment              string
	Followup             bool
}

// WarehouseRow is one staged warehouse extract row.
type WarehouseRow struct {
	SiteCode        string
	FacilityName    string
	CountyName      string
	ReportMonthYear string
	Month           string
	Year            string
	Value           *int64
	Program         *string
	IndicatorName   string
}

// MetadataRecord is one entry of a metadata snapshot table.
type MetadataRecord struct {
	ID        string
	Name      string
	ShortName string
	Code      string
}

type StoreConfig struct {
	Logger *slog.Logger
	DB     duck.DB
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
	db  duck.DB
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
		db:  cfg.DB,
	}, nil
}

func (s *Store) CreateTablesIfNotExists() error {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			county VARCHAR,
			subcounty VARCHAR,
			ward VARCHAR,
			facility VARCHAR,
			org_unit_id VARCHAR NOT NULL,
			site_code VARCHAR,
			indicator_uid VARCHAR NOT NULL,
			start_date DATE,
			end_date DATE,
			period VARCHAR NOT NULL,
			value BIGINT,
			data_element_name VARCHAR,
			data_element_code VARCHAR,
			program_area VARCHAR,
			dataset VARCHAR,
			created_at TIMESTAMP,
			updated_at TIMESTAMP,
			UNIQUE (indicator_uid, org_unit_id, period)
		)`, TableObservations),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source VARCHAR NOT NULL,
			indicator_uid VARCHAR NOT NULL,
			period VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			updated_at TIMESTAMP,
			UNIQUE (indicator_uid, period)
		)`, TableResumeLedger),
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s_id_seq`, TableKHISDataAll),
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s_id_seq`, TableDATIMData),
		dataValuesDDL(TableKHISDataAll),
		dataValuesDDL(TableDATIMData),
		metadataDDL(TableKHISDataElements),
		metadataDDL(TableKHISCategoryOptionCombos),
		metadataDDL(TableKHISOrganisationUnits),
		metadataDDL(TableDATIMDataElements),
		metadataDDL(TableDATIMCategoryOptionCombos),
		metadataDDL(TableDATIMOrganisationUnits),
	}

	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func dataValuesDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT DEFAULT nextval('%s_id_seq'),
			data_element VARCHAR NOT NULL,
			period VARCHAR NOT NULL,
			org_unit VARCHAR NOT NULL,
			category_option_combo VARCHAR,
			attribute_option_combo VARCHAR,
			value VARCHAR,
			stored_by VARCHAR,
			created TIMESTAMP,
			last_updated TIMESTAMP,
			comment VARCHAR,
			followup BOOLEAN,
			UNIQUE (data_element, org_unit, period)
		)`, table, table)
}

func metadataDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id VARCHAR PRIMARY KEY,
		name VARCHAR,
		short_name VARCHAR,
		code VARCHAR
	)`, table)
}
