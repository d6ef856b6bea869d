package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alitto/pond/v2"

	"github.com/afyalabs/datapull/pkg/source/dhis"
	"github.com/afyalabs/datapull/pkg/staging"
)

// MetadataAPI is the slice of the DHIS2-style client the sync needs.
type MetadataAPI interface {
	Metadata(ctx context.Context, req dhis.MetadataRequest) ([]dhis.MetadataItem, error)
}

// MetadataStore is the slice of the staging store the sync needs.
type MetadataStore interface {
	ReplaceMetadata(ctx context.Context, table string, records []staging.MetadataRecord) error
}

type MetadataConfig struct {
	Logger *slog.Logger
	API    MetadataAPI
	Store  MetadataStore

	Source string // "khis" or "datim", selects the target tables
	// OrgUnitRoot scopes the organisation unit listing to one subtree.
	OrgUnitRoot string
}

func (cfg *MetadataConfig) Validate() error {
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
	if cfg.OrgUnitRoot == "" {
		return errors.New("org unit root is required")
	}
	return nil
}

// Metadata snapshots the three reference resources of one source into
// their staging tables, replacing earlier snapshots.
type Metadata struct {
	log *slog.Logger
	cfg MetadataConfig
}

func NewMetadata(cfg MetadataConfig) (*Metadata, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Metadata{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type metadataJob struct {
	resource string
	root     string
	table    string
}

func (m *Metadata) jobs() []metadataJob {
	if m.cfg.Source == "datim" {
		return []metadataJob{
			{resource: "dataElements", table: staging.TableDATIMDataElements},
			{resource: "categoryOptionCombos", table: staging.TableDATIMCategoryOptionCombos},
			{resource: "organisationUnits", root: m.cfg.OrgUnitRoot, table: staging.TableDATIMOrganisationUnits},
		}
	}
	return []metadataJob{
		{resource: "dataElements", table: staging.TableKHISDataElements},
		{resource: "categoryOptionCombos", table: staging.TableKHISCategoryOptionCombos},
		{resource: "organisationUnits", root: m.cfg.OrgUnitRoot, table: staging.TableKHISOrganisationUnits},
	}
}

// Run fetches and replaces the three snapshots concurrently. Any failure
// fails the sync; a partial metadata snapshot would skew the master join.
func (m *Metadata) Run(ctx context.Context) error {
	jobs := m.jobs()

	pool := pond.NewPool(len(jobs))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	for _, job := range jobs {
		job := job
		group.SubmitErr(func() error {
			m.log.Info("extract: syncing metadata", "source", m.cfg.Source, "resource", job.resource)
			items, err := m.cfg.API.Metadata(ctx, dhis.MetadataRequest{Resource: job.resource, Root: job.root})
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", job.resource, err)
			}
			records := make([]staging.MetadataRecord, len(items))
			for i, item := range items {
				records[i] = staging.MetadataRecord{
					ID:        item.ID,
					Name:      item.Name,
					ShortName: item.ShortName,
					Code:      item.Code,
				}
			}
			if err := m.cfg.Store.ReplaceMetadata(ctx, job.table, records); err != nil {
				return fmt.Errorf("failed to replace %s: %w", job.resource, err)
			}
			RowsStagedTotal.WithLabelValues(m.cfg.Source, job.table).Add(float64(len(records)))
			m.log.Info("extract: metadata synced", "source", m.cfg.Source, "resource", job.resource, "count", len(records))
			return nil
		})
	}
	return group.Wait()
}
