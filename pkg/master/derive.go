package master

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/afyalabs/datapull/pkg/duck"
	"github.com/afyalabs/datapull/pkg/period"
	"github.com/afyalabs/datapull/pkg/staging"
)

const defaultChunkSize = 1000

type BuilderConfig struct {
	Logger     *slog.Logger
	DB         duck.DB
	QuarterMap period.QuarterMap
	ChunkSize  int
}

func (cfg *BuilderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.QuarterMap == nil {
		cfg.QuarterMap = period.DefaultQuarterMap()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return nil
}

type Builder struct {
	log *slog.Logger
	cfg BuilderConfig
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// buildSource wires one raw data table to its metadata snapshot and
// master table, plus the period-to-quarter rule of the source.
type buildSource struct {
	name          string
	dataTable     string
	masterTable   string
	elementsTable string
	combosTable   string
	orgUnitsTable string
	quarter       func(p string) string
}

// BuildKHIS rebuilds the national HIS master table. Observed periods
// advance one reporting quarter.
func (b *Builder) BuildKHIS(ctx context.Context) (int, error) {
	return b.build(ctx, buildSource{
		name:          "khis",
		dataTable:     staging.TableKHISDataAll,
		masterTable:   staging.TableKHISMaster,
		elementsTable: staging.TableKHISDataElements,
		combosTable:   staging.TableKHISCategoryOptionCombos,
		orgUnitsTable: staging.TableKHISOrganisationUnits,
		quarter:       b.cfg.QuarterMap.Advance,
	})
}

// BuildDATIM rebuilds the PEPFAR master table. Its periods already are
// reporting quarters and pass through unchanged.
func (b *Builder) BuildDATIM(ctx context.Context) (int, error) {
	return b.build(ctx, buildSource{
		name:          "datim",
		dataTable:     staging.TableDATIMData,
		masterTable:   staging.TableDATIMMaster,
		elementsTable: staging.TableDATIMDataElements,
		combosTable:   staging.TableDATIMCategoryOptionCombos,
		orgUnitsTable: staging.TableDATIMOrganisationUnits,
		quarter:       func(p string) string { return p },
	})
}

// masterRow is one denormalized analytic row before insertion. Pointer
// fields stay nil when the metadata join found no match.
type masterRow struct {
	sourceRowID int64
	comboID     *string
	comboName   *string
	category    *CategoryParts
	elementID   *string
	elementName *string
	element     *ElementParts
	siteCode    *string
	orgUnitID   *string
	orgUnitName *string
	period      *string
	quarter     string
	value       *string
}

func (b *Builder) build(ctx context.Context, src buildSource) (int, error) {
	b.log.Info("master: rebuilding", "source", src.name, "table", src.masterTable)

	rows, err := b.fetch(ctx, src)
	if err != nil {
		return 0, err
	}

	conn, err := b.cfg.DB.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, src.masterTable)); err != nil {
		return 0, fmt.Errorf("failed to drop master table: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE %s (
		source_row_id BIGINT,
		category_option_combo_id VARCHAR,
		category_option_combo_name VARCHAR,
		age_group VARCHAR,
		sex VARCHAR,
		hiv_status VARCHAR,
		data_element_id VARCHAR,
		data_element_name VARCHAR,
		program_area VARCHAR,
		service_del VARCHAR,
		numerdom VARCHAR,
		disaggregation VARCHAR,
		modality VARCHAR,
		site_code VARCHAR,
		org_unit_id VARCHAR,
		org_unit_name VARCHAR,
		period VARCHAR,
		quarter VARCHAR,
		value VARCHAR
	)`, src.masterTable)
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return 0, fmt.Errorf("failed to create master table: %w", err)
	}

	cfg := duck.BatchConfig{
		Table: src.masterTable,
		Columns: []string{
			"source_row_id", "category_option_combo_id", "category_option_combo_name",
			"age_group", "sex", "hiv_status",
			"data_element_id", "data_element_name", "program_area", "service_del",
			"numerdom", "disaggregation", "modality",
			"site_code", "org_unit_id", "org_unit_name", "period", "quarter", "value",
		},
		ChunkSize: b.cfg.ChunkSize,
	}
	err = duck.WriteBatch(ctx, b.log, conn, cfg, len(rows), func(i int) []any {
		r := rows[i]
		var ageGroup, sex, hivStatus any
		if r.category != nil {
			ageGroup, sex, hivStatus = r.category.AgeGroup, r.category.Sex, r.category.HIVStatus
		}
		var programArea, serviceDel, numerDom, disaggregation, modality any
		if r.element != nil {
			programArea = r.element.ProgramArea
			serviceDel = r.element.ServiceDel
			numerDom = r.element.NumerDom
			disaggregation = r.element.Disaggregation
			if r.element.Modality != nil {
				modality = *r.element.Modality
			}
		}
		return []any{
			r.sourceRowID, deref(r.comboID), deref(r.comboName),
			ageGroup, sex, hivStatus,
			deref(r.elementID), deref(r.elementName), programArea, serviceDel,
			numerDom, disaggregation, modality,
			deref(r.siteCode), deref(r.orgUnitID), deref(r.orgUnitName),
			deref(r.period), r.quarter, deref(r.value),
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load master table: %w", err)
	}

	b.log.Info("master: rebuilt", "source", src.name, "rows", len(rows))
	return len(rows), nil
}

// fetch streams the metadata join and decomposes labels row by row. The
// decomposition is per-row and does not depend on row order.
func (b *Builder) fetch(ctx context.Context, src buildSource) ([]masterRow, error) {
	conn, err := b.cfg.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`SELECT
			d.id,
			d.category_option_combo,
			c.name,
			d.data_element,
			e.name,
			o.code,
			d.org_unit,
			o.name,
			d.period,
			d.value
		FROM %s d
		LEFT JOIN %s c ON d.category_option_combo = c.id
		LEFT JOIN %s e ON d.data_element = e.id
		LEFT JOIN %s o ON d.org_unit = o.id`,
		src.dataTable, src.combosTable, src.elementsTable, src.orgUnitsTable)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata join: %w", err)
	}
	defer rows.Close()

	var result []masterRow
	for rows.Next() {
		var (
			id                              int64
			comboID, comboName              sql.NullString
			elementID, elementName          sql.NullString
			orgUnitCode, orgUnitID, ouName  sql.NullString
			rowPeriod, value                sql.NullString
		)
		if err := rows.Scan(&id, &comboID, &comboName, &elementID, &elementName,
			&orgUnitCode, &orgUnitID, &ouName, &rowPeriod, &value); err != nil {
			return nil, fmt.Errorf("failed to scan join row: %w", err)
		}

		r := masterRow{
			sourceRowID: id,
			comboID:     nullable(comboID),
			comboName:   nullable(comboName),
			elementID:   nullable(elementID),
			elementName: nullable(elementName),
			orgUnitID:   nullable(orgUnitID),
			orgUnitName: nullable(ouName),
			period:      nullable(rowPeriod),
			value:       nullable(value),
		}
		if comboName.Valid {
			parts := SplitCategoryLabel(comboName.String)
			r.category = &parts
		}
		if elementName.Valid {
			parts := SplitElementLabel(elementName.String)
			r.element = &parts
		}
		if orgUnitCode.Valid {
			code := CleanSiteCode(orgUnitCode.String)
			r.siteCode = &code
		}
		if rowPeriod.Valid {
			r.quarter = src.quarter(rowPeriod.String)
		} else {
			r.quarter = src.quarter("")
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating join rows: %w", err)
	}
	return result, nil
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
