// Package concordance reconciles the three master tables: per-source
// aggregates by (indicator, site), pivoted into one row per indicator and
// site with ratio-based agreement metrics against the national HIS.
package concordance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alitto/pond/v2"

	"github.com/afyalabs/datapull/pkg/duck"
	"github.com/afyalabs/datapull/pkg/staging"
)

// Source labels used in the pivot columns.
const (
	SourceKHIS  = "KHIS"
	SourceDATIM = "DATIM"
	SourceNDW   = "NDW"
)

// Window pins the aggregates to one reporting cycle: the PEPFAR quarter,
// the HIS months inside it and the month treated as current for
// point-in-time indicators.
type Window struct {
	Quarter      string
	Months       []string
	CurrentMonth string
}

// DefaultWindow is the reporting cycle the report currently targets.
func DefaultWindow() Window {
	return Window{
		Quarter:      "2024Q3",
		Months:       []string{"202404", "202405", "202406"},
		CurrentMonth: "202406",
	}
}

// Aggregate is one per-source aggregation: a query yielding site_code,
// site_name and a summed value per site.
type Aggregate struct {
	Source    string
	Indicator string
	Query     string
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = "'" + item + "'"
	}
	return strings.Join(quoted, ",")
}

// DefaultAggregates returns the aggregate definitions of the standard
// report: testing, treatment and PMTCT indicators per source, scoped to
// the window.
func DefaultAggregates(w Window) []Aggregate {
	htsPosCohorts := quoteList([]string{
		"HV01-17", "HV01-18", "HV01-19", "HV01-20", "HV01-21",
		"HV01-22", "HV01-23", "HV01-24", "HV01-25",
	})
	txCurrCohorts := quoteList([]string{
		"HV03-028", "HV03-029", "HV03-030", "HV03-031", "HV03-032",
		"HV03-033", "HV03-034", "HV03-035", "HV03-036", "HV03-037",
	})
	matHaartCohorts := quoteList([]string{"HV02-16", "HV02-17", "HV02-18", "HV02-19", "HV02-21"})
	infantCohorts := quoteList([]string{"HV02-39", "HV02-40", "HV02-41"})

	khis := func(indicator, where string) Aggregate {
		return Aggregate{
			Source:    SourceKHIS,
			Indicator: indicator,
			Query: fmt.Sprintf(`SELECT site_code, org_unit_name, SUM(TRY_CAST(value AS BIGINT))
				FROM %s WHERE %s GROUP BY site_code, org_unit_name, period`,
				staging.TableKHISMaster, where),
		}
	}
	datim := func(indicator, where string) Aggregate {
		return Aggregate{
			Source:    SourceDATIM,
			Indicator: indicator,
			Query: fmt.Sprintf(`SELECT site_code, org_unit_name, SUM(TRY_CAST(value AS BIGINT))
				FROM %s WHERE %s GROUP BY site_code, org_unit_name, quarter`,
				staging.TableDATIMMaster, where),
		}
	}
	ndw := func(indicator, where string) Aggregate {
		return Aggregate{
			Source:    SourceNDW,
			Indicator: indicator,
			Query: fmt.Sprintf(`SELECT site_code, facility_name, SUM(value)
				FROM %s WHERE %s GROUP BY site_code, facility_name, report_month_year`,
				staging.TableWarehouse, where),
		}
	}

	return []Aggregate{
		khis("HTS_TST_POS", fmt.Sprintf(`numerdom IN(%s)`, htsPosCohorts)),
		khis("TX_CURR", fmt.Sprintf(`numerdom IN(%s) AND period = '%s'`, txCurrCohorts, w.CurrentMonth)),
		khis("MAT_HAART", fmt.Sprintf(`numerdom IN(%s)`, matHaartCohorts)),
		khis("Infant Prophylaxis", fmt.Sprintf(`numerdom IN(%s)`, infantCohorts)),
		datim("HTS_TST_POS", fmt.Sprintf(`program_area = 'HTS_TST ' AND hiv_status = 'Positive' AND quarter = '%s'`, w.Quarter)),
		datim("TX_CURR", fmt.Sprintf(`data_element_id LIKE '%%Hyvw9VnZ2ch%%' AND quarter = '%s'`, w.Quarter)),
		datim("MAT_HAART", fmt.Sprintf(`program_area LIKE '%%PMTCT_ART%%' AND quarter = '%s'`, w.Quarter)),
		ndw("HTS_TST_POS", fmt.Sprintf(`report_month_year IN(%s) AND indicator_name = 'HTSTSTPOS'`, quoteList(w.Months))),
		ndw("TX_CURR", fmt.Sprintf(`report_month_year = '%s' AND indicator_name = 'TXCURR'`, w.CurrentMonth)),
	}
}

// Row is one line of the concordance report.
type Row struct {
	Indicator string
	SiteCode  string
	SiteName  string
	KHIS      float64
	DATIM     float64
	NDW       float64
	// ConcordanceKHISToDATIM is DATIM over KHIS as a percentage, zero
	// when KHIS reported nothing.
	ConcordanceKHISToDATIM float64
	// ConcordanceKHISToNDW is NDW over KHIS as a percentage, zero when
	// KHIS reported nothing.
	ConcordanceKHISToNDW float64
}

type Config struct {
	Logger     *slog.Logger
	DB         duck.DB
	Aggregates []Aggregate

	MaxConcurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if len(cfg.Aggregates) == 0 {
		cfg.Aggregates = DefaultAggregates(DefaultWindow())
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// partial is one aggregate's contribution to the pivot.
type partial struct {
	source    string
	indicator string
	siteCode  string
	siteName  string
	value     float64
}

// Run executes the aggregates on a pool and pivots their union on
// (indicator, site), filling absent sources with zero.
func (e *Engine) Run(ctx context.Context) ([]Row, error) {
	pool := pond.NewResultPool[[]partial](e.cfg.MaxConcurrency)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	for _, agg := range e.cfg.Aggregates {
		agg := agg
		group.SubmitErr(func() ([]partial, error) {
			return e.aggregate(ctx, agg)
		})
	}

	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to run aggregates: %w", err)
	}

	return pivot(results), nil
}

func (e *Engine) aggregate(ctx context.Context, agg Aggregate) ([]partial, error) {
	e.log.Debug("concordance: running aggregate", "source", agg.Source, "indicator", agg.Indicator)

	conn, err := e.cfg.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, agg.Query)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s/%s failed: %w", agg.Source, agg.Indicator, err)
	}
	defer rows.Close()

	var partials []partial
	for rows.Next() {
		var siteCode, siteName sql.NullString
		var value sql.NullFloat64
		if err := rows.Scan(&siteCode, &siteName, &value); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		partials = append(partials, partial{
			source:    agg.Source,
			indicator: agg.Indicator,
			siteCode:  siteCode.String,
			siteName:  siteName.String,
			value:     value.Float64,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregate rows: %w", err)
	}
	return partials, nil
}

// pivot folds the per-source partials into one row per (indicator,
// site), summing repeated contributions, then computes the agreement
// ratios. Output order is deterministic.
func pivot(results [][]partial) []Row {
	type key struct{ indicator, siteCode string }
	byKey := make(map[key]*Row)

	for _, partials := range results {
		for _, p := range partials {
			k := key{p.indicator, p.siteCode}
			row, ok := byKey[k]
			if !ok {
				row = &Row{Indicator: p.indicator, SiteCode: p.siteCode}
				byKey[k] = row
			}
			if row.SiteName == "" {
				row.SiteName = p.siteName
			}
			switch p.source {
			case SourceKHIS:
				row.KHIS += p.value
			case SourceDATIM:
				row.DATIM += p.value
			case SourceNDW:
				row.NDW += p.value
			}
		}
	}

	rows := make([]Row, 0, len(byKey))
	for _, row := range byKey {
		if row.KHIS != 0 {
			row.ConcordanceKHISToDATIM = row.DATIM / row.KHIS * 100
			row.ConcordanceKHISToNDW = row.NDW / row.KHIS * 100
		}
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Indicator != rows[j].Indicator {
			return rows[i].Indicator < rows[j].Indicator
		}
		return rows[i].SiteCode < rows[j].SiteCode
	})
	return rows
}
