// Package extract drives the pulls from the three reporting systems into
// the staging store: the analytics engine over (period, indicator-batch)
// units, the dataValueSets puller and the warehouse puller.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/afyalabs/datapull/pkg/catalog"
	"github.com/afyalabs/datapull/pkg/period"
	"github.com/afyalabs/datapull/pkg/source"
	"github.com/afyalabs/datapull/pkg/source/dhis"
	"github.com/afyalabs/datapull/pkg/staging"
)

const (
	defaultBatchSize      = 5
	defaultMaxConcurrency = 8
	defaultOrgUnit        = "LEVEL-5"

	// analyticsRowWidth is the minimum column count of a table-layout
	// analytics row: hierarchy columns through the value column.
	analyticsRowWidth = 10
)

// AnalyticsAPI is the slice of the DHIS2-style client the engine needs.
type AnalyticsAPI interface {
	Analytics(ctx context.Context, req dhis.AnalyticsRequest) (*dhis.AnalyticsResponse, error)
}

// EngineStore is the slice of the staging store the engine needs.
type EngineStore interface {
	UpsertObservations(ctx context.Context, observations []staging.Observation) error
	ResumeStatuses(ctx context.Context, source string) (map[string]string, error)
	SetResume(ctx context.Context, source, indicatorUID, period, status string) error
	StagedKeys(ctx context.Context) (map[string]bool, error)
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	API     AnalyticsAPI
	Store   EngineStore
	Catalog []catalog.Spec

	Source string // ledger source name, defaults to "khis"
	Start  time.Time
	End    time.Time

	// Resume skips units the ledger already marks completed.
	Resume bool
	// Update skips indicators that already have any staged row for the
	// period, regardless of ledger state.
	Update bool

	BatchSize      int
	MaxConcurrency int
	OrgUnit        string
}

func (cfg *Config) Validate() error {
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
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Source == "" {
		cfg.Source = "khis"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.OrgUnit == "" {
		cfg.OrgUnit = defaultOrgUnit
	}
	return nil
}

// Result summarizes one engine run.
type Result struct {
	UnitsCompleted int
	UnitsFailed    int
	UnitsSkipped   int
	RowsStaged     int
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

type unit struct {
	period string
	specs  []catalog.Spec
}

type unitResult struct {
	completed int
	failed    int
	rows      int
}

// Run walks every (period, indicator-batch) unit of the configured range
// on a worker pool. Unit failures are recorded in the ledger and the run
// continues; a rejected credential aborts the whole run.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	started := e.cfg.Clock.Now()
	periods := period.Months(e.cfg.Start, e.cfg.End)
	e.log.Info("extract: starting run",
		"source", e.cfg.Source,
		"periods", len(periods),
		"indicators", len(e.cfg.Catalog),
		"batch_size", e.cfg.BatchSize,
		"max_concurrency", e.cfg.MaxConcurrency,
	)

	var (
		ledger map[string]string
		staged map[string]bool
		err    error
	)
	if e.cfg.Resume {
		ledger, err = e.cfg.Store.ResumeStatuses(ctx, e.cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to preload resume ledger: %w", err)
		}
	}
	if e.cfg.Update {
		staged, err = e.cfg.Store.StagedKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to preload staged keys: %w", err)
		}
	}

	result := &Result{}
	var units []unit
	for _, p := range periods {
		for _, batch := range chunkSpecs(e.cfg.Catalog, e.cfg.BatchSize) {
			remaining := e.filterBatch(p, batch, ledger, staged)
			if len(remaining) == 0 {
				result.UnitsSkipped++
				UnitsTotal.WithLabelValues(e.cfg.Source, "skipped").Inc()
				continue
			}
			units = append(units, unit{period: p, specs: remaining})
		}
	}

	pool := pond.NewResultPool[unitResult](e.cfg.MaxConcurrency)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	for _, u := range units {
		u := u
		group.SubmitErr(func() (unitResult, error) {
			return e.processUnit(ctx, u)
		})
	}

	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("extraction run aborted: %w", err)
	}
	for _, r := range results {
		result.UnitsCompleted += r.completed
		result.UnitsFailed += r.failed
		result.RowsStaged += r.rows
	}

	e.log.Info("extract: run finished",
		"completed", result.UnitsCompleted,
		"failed", result.UnitsFailed,
		"skipped", result.UnitsSkipped,
		"rows", result.RowsStaged,
		"duration", e.cfg.Clock.Since(started),
	)
	return result, nil
}

// filterBatch drops indicators that should not be pulled for this
// period: already completed in the ledger, already staged locally, or
// outside their dataset's applicability window.
func (e *Engine) filterBatch(p string, batch []catalog.Spec, ledger map[string]string, staged map[string]bool) []catalog.Spec {
	var remaining []catalog.Spec
	for _, spec := range batch {
		if !catalog.Eligible(spec, e.cfg.End) {
			e.log.Debug("extract: indicator outside applicability window", "indicator", spec.UID, "dataset", spec.Dataset)
			continue
		}
		key := staging.ResumeKey(spec.UID, p)
		if e.cfg.Resume && ledger[key] == staging.StatusCompleted {
			e.log.Debug("extract: unit already completed", "indicator", spec.UID, "period", p)
			continue
		}
		if e.cfg.Update && staged[key] {
			e.log.Debug("extract: unit already staged", "indicator", spec.UID, "period", p)
			continue
		}
		remaining = append(remaining, spec)
	}
	return remaining
}

// processUnit performs one analytics call and stages its rows. Only auth
// errors propagate; anything else marks the unit failed and lets the run
// continue.
func (e *Engine) processUnit(ctx context.Context, u unit) (unitResult, error) {
	uids := make([]string, len(u.specs))
	for i, spec := range u.specs {
		uids[i] = spec.UID
	}

	resp, err := e.cfg.API.Analytics(ctx, dhis.AnalyticsRequest{
		OrgUnit:    e.cfg.OrgUnit,
		Indicators: uids,
		Period:     u.period,
	})
	if err != nil {
		if source.IsAuth(err) {
			return unitResult{}, err
		}
		e.log.Error("extract: analytics call failed", "period", u.period, "indicators", uids, "error", err)
		return e.failUnit(ctx, u), nil
	}

	observations, err := e.parseRows(resp.Rows, u)
	if err != nil {
		e.log.Error("extract: failed to parse analytics rows", "period", u.period, "indicators", uids, "error", err)
		return e.failUnit(ctx, u), nil
	}

	if err := e.cfg.Store.UpsertObservations(ctx, observations); err != nil {
		e.log.Error("extract: failed to stage observations", "period", u.period, "error", err)
		return e.failUnit(ctx, u), nil
	}
	RowsStagedTotal.WithLabelValues(e.cfg.Source, staging.TableObservations).Add(float64(len(observations)))

	res := unitResult{rows: len(observations)}
	for _, spec := range u.specs {
		if err := e.cfg.Store.SetResume(ctx, e.cfg.Source, spec.UID, u.period, staging.StatusCompleted); err != nil {
			e.log.Error("extract: failed to write ledger row", "indicator", spec.UID, "period", u.period, "error", err)
			res.failed++
			UnitsTotal.WithLabelValues(e.cfg.Source, "failed").Inc()
			continue
		}
		res.completed++
		UnitsTotal.WithLabelValues(e.cfg.Source, "completed").Inc()
	}
	return res, nil
}

func (e *Engine) failUnit(ctx context.Context, u unit) unitResult {
	for _, spec := range u.specs {
		if err := e.cfg.Store.SetResume(ctx, e.cfg.Source, spec.UID, u.period, staging.StatusFailed); err != nil {
			e.log.Error("extract: failed to record unit failure", "indicator", spec.UID, "period", u.period, "error", err)
		}
		UnitsTotal.WithLabelValues(e.cfg.Source, "failed").Inc()
	}
	return unitResult{failed: len(u.specs)}
}

// parseRows maps table-layout analytics rows into observations, one per
// (response row, batch indicator) pair. The value cell belongs to the
// batch as a whole in this layout; every indicator of the batch carries
// it.
func (e *Engine) parseRows(rows [][]string, u unit) ([]staging.Observation, error) {
	observations := make([]staging.Observation, 0, len(rows)*len(u.specs))
	for _, row := range rows {
		if len(row) < analyticsRowWidth {
			return nil, &source.ParseError{
				Source: e.cfg.Source,
				Detail: fmt.Sprintf("analytics row has %d columns, want at least %d", len(row), analyticsRowWidth),
			}
		}

		var value *int64
		if raw := row[9]; raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				f, ferr := strconv.ParseFloat(raw, 64)
				if ferr != nil {
					return nil, &source.ParseError{
						Source: e.cfg.Source,
						Detail: fmt.Sprintf("analytics value %q is not numeric", raw),
					}
				}
				v = int64(f)
			}
			value = &v
		}

		for _, spec := range u.specs {
			observations = append(observations, staging.Observation{
				County:          strings.ReplaceAll(row[1], " County", ""),
				Subcounty:       strings.ReplaceAll(row[2], " Sub County", ""),
				Ward:            strings.ReplaceAll(row[3], " Ward", ""),
				Facility:        row[4],
				OrgUnitID:       row[5],
				SiteCode:        row[7],
				IndicatorUID:    spec.UID,
				StartDate:       e.cfg.Start,
				EndDate:         e.cfg.End,
				Period:          u.period,
				Value:           value,
				DataElementName: spec.Name,
				DataElementCode: spec.Code,
				ProgramArea:     spec.ProgramArea,
				Dataset:         spec.Dataset,
			})
		}
	}
	return observations, nil
}

func chunkSpecs(specs []catalog.Spec, size int) [][]catalog.Spec {
	var chunks [][]catalog.Spec
	for i := 0; i < len(specs); i += size {
		end := i + size
		if end > len(specs) {
			end = len(specs)
		}
		chunks = append(chunks, specs[i:end])
	}
	return chunks
}
