package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/afyalabs/datapull/pkg/period"
	"github.com/afyalabs/datapull/pkg/source"
	"github.com/afyalabs/datapull/pkg/source/ndw"
	"github.com/afyalabs/datapull/pkg/staging"
)

// WarehouseAPI is the slice of the warehouse client the puller needs.
type WarehouseAPI interface {
	Dataset(ctx context.Context, indicator, period string) ([]ndw.ExtractRow, error)
}

// WarehouseStore is the slice of the staging store the puller needs.
type WarehouseStore interface {
	RecreateWarehouse(ctx context.Context) error
	InsertWarehouseRows(ctx context.Context, rows []staging.WarehouseRow) error
	SetResume(ctx context.Context, source, indicatorUID, period, status string) error
}

type WarehouseConfig struct {
	Logger *slog.Logger
	API    WarehouseAPI
	Store  WarehouseStore

	Indicators []string
	Start      time.Time
	End        time.Time

	MaxConcurrency int
}

func (cfg *WarehouseConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.API == nil {
		return errors.New("api client is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Start.IsZero() || cfg.End.IsZero() {
		return errors.New("start and end dates are required")
	}
	if cfg.End.Before(cfg.Start) {
		return errors.New("end date is before start date")
	}
	if len(cfg.Indicators) == 0 {
		cfg.Indicators = ndw.DefaultIndicators()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return nil
}

// Warehouse pulls one extract per (indicator, month) from the national
// data warehouse into a freshly recreated staging table.
type Warehouse struct {
	log *slog.Logger
	cfg WarehouseConfig
}

func NewWarehouse(cfg WarehouseConfig) (*Warehouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Warehouse{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run recreates the warehouse table, then fans the (indicator, period)
// units out on a pool. Unit failures are recorded in the ledger and the
// run continues; auth errors abort.
func (w *Warehouse) Run(ctx context.Context) (*Result, error) {
	if err := w.cfg.Store.RecreateWarehouse(ctx); err != nil {
		return nil, err
	}

	periods := period.Months(w.cfg.Start, w.cfg.End)
	w.log.Info("extract: starting warehouse pull",
		"indicators", len(w.cfg.Indicators),
		"periods", len(periods),
		"max_concurrency", w.cfg.MaxConcurrency,
	)

	pool := pond.NewResultPool[unitResult](w.cfg.MaxConcurrency)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	for _, indicator := range w.cfg.Indicators {
		for _, p := range periods {
			indicator, p := indicator, p
			group.SubmitErr(func() (unitResult, error) {
				return w.processUnit(ctx, indicator, p)
			})
		}
	}

	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("warehouse pull aborted: %w", err)
	}

	result := &Result{}
	for _, r := range results {
		result.UnitsCompleted += r.completed
		result.UnitsFailed += r.failed
		result.RowsStaged += r.rows
	}
	w.log.Info("extract: warehouse pull finished",
		"completed", result.UnitsCompleted,
		"failed", result.UnitsFailed,
		"rows", result.RowsStaged,
	)
	return result, nil
}

func (w *Warehouse) processUnit(ctx context.Context, indicator, p string) (unitResult, error) {
	extract, err := w.cfg.API.Dataset(ctx, indicator, p)
	if err != nil {
		if source.IsAuth(err) {
			return unitResult{}, err
		}
		w.log.Error("extract: warehouse unit failed", "indicator", indicator, "period", p, "error", err)
		w.recordUnit(ctx, indicator, p, staging.StatusFailed)
		UnitsTotal.WithLabelValues("ndw", "failed").Inc()
		return unitResult{failed: 1}, nil
	}

	rows := make([]staging.WarehouseRow, 0, len(extract))
	for _, row := range extract {
		rows = append(rows, staging.WarehouseRow{
			SiteCode:        row.SiteCode(),
			FacilityName:    row.Facility(),
			CountyName:      row.CountyName(),
			ReportMonthYear: row.Period,
			Month:           row.Month(),
			Year:            row.Year(),
			Value:           row.IndicatorValue,
			IndicatorName:   indicator,
		})
	}
	if err := w.cfg.Store.InsertWarehouseRows(ctx, rows); err != nil {
		w.log.Error("extract: failed to stage warehouse rows", "indicator", indicator, "period", p, "error", err)
		w.recordUnit(ctx, indicator, p, staging.StatusFailed)
		UnitsTotal.WithLabelValues("ndw", "failed").Inc()
		return unitResult{failed: 1}, nil
	}

	w.recordUnit(ctx, indicator, p, staging.StatusCompleted)
	UnitsTotal.WithLabelValues("ndw", "completed").Inc()
	RowsStagedTotal.WithLabelValues("ndw", staging.TableWarehouse).Add(float64(len(rows)))
	return unitResult{completed: 1, rows: len(rows)}, nil
}

func (w *Warehouse) recordUnit(ctx context.Context, indicator, p, status string) {
	if err := w.cfg.Store.SetResume(ctx, "ndw", indicator, p, status); err != nil {
		w.log.Error("extract: failed to write ledger row", "indicator", indicator, "period", p, "error", err)
	}
}
