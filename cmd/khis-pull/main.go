package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/afyalabs/datapull/pkg/catalog"
	"github.com/afyalabs/datapull/pkg/duck"
	"github.com/afyalabs/datapull/pkg/extract"
	"github.com/afyalabs/datapull/pkg/logger"
	"github.com/afyalabs/datapull/pkg/period"
	"github.com/afyalabs/datapull/pkg/source/dhis"
	"github.com/afyalabs/datapull/pkg/staging"
)

const (
	defaultDBPath      = ".tmp/datapull.duckdb"
	defaultCatalogPath = "khis_data_elements.csv"

	dbPathEnvVar = "DATAPULL_DB"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (empty to disable)")

	startDateFlag := flag.String("start-date", "", "Start date (YYYY-MM-DD)")
	endDateFlag := flag.String("end-date", "", "End date (YYYY-MM-DD)")
	lastNMonthsFlag := flag.Int("last-n-months", 0, "Pull the current month and the n-1 months before it")

	catalogFlag := flag.String("catalog", defaultCatalogPath, "Path to the indicator catalogue CSV")
	programAreaFlag := flag.String("program-area", "all", "Restrict to one program area")
	datasetFlag := flag.String("dataset", "", "Restrict to one dataset revision")
	limitFlag := flag.Int("limit", 0, "Pull at most n indicators (0 for all)")

	resumeFlag := flag.Bool("resume", false, "Skip units the ledger marks completed")
	updateFlag := flag.Bool("update", false, "Skip indicators already staged for the period")

	dbFlag := flag.String("db", defaultDBPath, "Path to the staging database (or set DATAPULL_DB env var)")
	batchSizeFlag := flag.Int("batch-size", 0, "Indicators per analytics call")
	maxConcurrencyFlag := flag.Int("max-concurrency", 0, "Maximum concurrent analytics calls")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	start, end, err := resolveRange(*startDateFlag, *endDateFlag, *lastNMonthsFlag)
	if err != nil {
		return err
	}

	baseURL := os.Getenv("KHIS_API_BASE_URL")
	username := os.Getenv("KHIS_USERNAME")
	password := os.Getenv("KHIS_PASSWORD")
	if baseURL == "" || username == "" || password == "" {
		return errors.New("KHIS_API_BASE_URL, KHIS_USERNAME and KHIS_PASSWORD are required")
	}

	dbPath := *dbFlag
	if dbPath == defaultDBPath {
		if envPath := os.Getenv(dbPathEnvVar); envPath != "" {
			dbPath = envPath
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("khis-pull: received signal", "signal", sig.String())
		cancel()
	}()

	if *metricsAddrFlag != "" {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	specs, err := catalog.Load(*catalogFlag)
	if err != nil {
		return err
	}
	specs = catalog.Filter(specs, catalog.Options{
		ProgramArea: *programAreaFlag,
		Dataset:     *datasetFlag,
		Limit:       *limitFlag,
	})
	if len(specs) == 0 {
		return errors.New("no indicators left after filtering the catalogue")
	}

	db, err := duck.New(ctx, log, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open staging database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close staging database", "error", err)
		}
	}()

	store, err := staging.NewStore(staging.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return err
	}
	if err := store.CreateTablesIfNotExists(); err != nil {
		return err
	}

	client, err := dhis.New(dhis.Config{
		Logger:   log,
		Source:   "khis",
		BaseURL:  baseURL,
		Username: username,
		Password: password,
	})
	if err != nil {
		return err
	}

	engine, err := extract.New(extract.Config{
		Logger:         log,
		API:            client,
		Store:          store,
		Catalog:        specs,
		Source:         "khis",
		Start:          start,
		End:            end,
		Resume:         *resumeFlag,
		Update:         *updateFlag,
		BatchSize:      *batchSizeFlag,
		MaxConcurrency: *maxConcurrencyFlag,
	})
	if err != nil {
		return err
	}

	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	if result.UnitsFailed > 0 {
		log.Warn("khis-pull: run finished with failures, rerun with --resume to retry them",
			"failed", result.UnitsFailed)
	}
	return nil
}

// resolveRange turns the date flags into a concrete range. Exactly one
// of the explicit pair or --last-n-months must be given.
func resolveRange(startDate, endDate string, lastNMonths int) (time.Time, time.Time, error) {
	explicit := startDate != "" || endDate != ""
	if explicit && lastNMonths > 0 {
		return time.Time{}, time.Time{}, errors.New("use either --start-date/--end-date or --last-n-months, not both")
	}
	if lastNMonths > 0 {
		start, end := period.LastNMonths(lastNMonths, time.Now().UTC())
		return start, end, nil
	}
	if startDate == "" || endDate == "" {
		return time.Time{}, time.Time{}, errors.New("either --start-date and --end-date or --last-n-months is required")
	}
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start-date: %w", err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end-date: %w", err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("--end-date is before --start-date")
	}
	return start, end, nil
}
