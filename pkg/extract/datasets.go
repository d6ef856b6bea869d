package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/afyalabs/datapull/pkg/source"
	"github.com/afyalabs/datapull/pkg/source/dhis"
	"github.com/afyalabs/datapull/pkg/staging"
)

const datasetChunkSize = 1000

// DefaultKHISDataSets maps reporting program names to the dataset UIDs
// pulled from the national HIS.
func DefaultKHISDataSets() map[string]string {
	return map[string]string{
		"CT":     "ptIUGFkE6jn",
		"PMTCT":  "xUesg8lcmDs",
		"HIV_TB": "Vo4KDrUFwnA",
	}
}

// DataSetsAPI is the slice of the DHIS2-style client the puller needs.
type DataSetsAPI interface {
	DataValueSets(ctx context.Context, req dhis.DataValueSetsRequest) (*dhis.DataValueSetsResponse, error)
}

// DataSetsStore is the slice of the staging store the puller needs.
type DataSetsStore interface {
	UpsertDataValues(ctx context.Context, table string, values []staging.DataValue) error
}

type DataSetsConfig struct {
	Logger *slog.Logger
	API    DataSetsAPI
	Store  DataSetsStore

	Source    string // "khis" or "datim", selects the target table
	DataSets  map[string]string
	StartDate string // YYYY-MM-DD
	EndDate   string // YYYY-MM-DD
	OrgUnit   string

	MaxConcurrency int
	ChunkSize      int
}

func (cfg *DataSetsConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.API == nil {
		return errors.New("api client is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Source != "khis" && cfg.Source != "datim" {
		return fmt.Errorf("unknown source %q", cfg.Source)
	}
	if len(cfg.DataSets) == 0 {
		return errors.New("at least one dataset is required")
	}
	if cfg.StartDate == "" || cfg.EndDate == "" {
		return errors.New("start and end dates are required")
	}
	if cfg.OrgUnit == "" {
		return errors.New("org unit is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = datasetChunkSize
	}
	return nil
}

// DataSets pulls full dataValueSets exports per dataset and upserts them
// into the source's raw data table.
type DataSets struct {
	log   *slog.Logger
	cfg   DataSetsConfig
	table string
}

func NewDataSets(cfg DataSetsConfig) (*DataSets, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table := staging.TableKHISDataAll
	if cfg.Source == "datim" {
		table = staging.TableDATIMData
	}
	return &DataSets{
		log:   cfg.Logger,
		cfg:   cfg,
		table: table,
	}, nil
}

// Run fetches each dataset sequentially and upserts its rows in chunks
// on a worker pool. The export for one dataset can be large; staging it
// is the parallel part.
func (d *DataSets) Run(ctx context.Context) (int, error) {
	total := 0
	for name, uid := range d.cfg.DataSets {
		d.log.Info("extract: pulling dataset", "source", d.cfg.Source, "dataset", name, "uid", uid)

		resp, err := d.cfg.API.DataValueSets(ctx, dhis.DataValueSetsRequest{
			DataSet:   uid,
			StartDate: d.cfg.StartDate,
			EndDate:   d.cfg.EndDate,
			OrgUnit:   d.cfg.OrgUnit,
			Children:  true,
		})
		if err != nil {
			if source.IsAuth(err) {
				return total, err
			}
			return total, fmt.Errorf("failed to pull dataset %s: %w", name, err)
		}

		values := make([]staging.DataValue, 0, len(resp.DataValues))
		for _, dv := range resp.DataValues {
			values = append(values, staging.DataValue{
				DataElement:          dv.DataElement,
				Period:               dv.Period,
				OrgUnit:              dv.OrgUnit,
				CategoryOptionCombo:  dv.CategoryOptionCombo,
				AttributeOptionCombo: dv.AttributeOptionCombo,
				Value:                dv.Value,
				StoredBy:             dv.StoredBy,
				Created:              parseSourceTime(dv.Created),
				LastUpdated:          parseSourceTime(dv.LastUpdated),
				Comment:              dv.Comment,
				Followup:             dv.Followup,
			})
		}

		pool := pond.NewPool(d.cfg.MaxConcurrency)
		group := pool.NewGroupContext(ctx)
		for start := 0; start < len(values); start += d.cfg.ChunkSize {
			end := start + d.cfg.ChunkSize
			if end > len(values) {
				end = len(values)
			}
			chunk := values[start:end]
			group.SubmitErr(func() error {
				return d.cfg.Store.UpsertDataValues(ctx, d.table, chunk)
			})
		}
		err = group.Wait()
		pool.StopAndWait()
		if err != nil {
			return total, fmt.Errorf("failed to stage dataset %s: %w", name, err)
		}

		total += len(values)
		RowsStagedTotal.WithLabelValues(d.cfg.Source, d.table).Add(float64(len(values)))
		d.log.Info("extract: dataset staged", "source", d.cfg.Source, "dataset", name, "rows", len(values))
	}
	return total, nil
}

// sourceTimeLayouts cover the timestamp shapes the DHIS2-style sources
// emit, zone offset with and without a colon.
var sourceTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05.000Z07:00",
	time.RFC3339,
}

func parseSourceTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range sourceTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
