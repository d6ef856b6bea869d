package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/afyalabs/datapull/pkg/duck"
	"github.com/afyalabs/datapull/pkg/extract"
	"github.com/afyalabs/datapull/pkg/logger"
	"github.com/afyalabs/datapull/pkg/source/dhis"
	"github.com/afyalabs/datapull/pkg/staging"
)

const (
	defaultDBPath  = ".tmp/datapull.duckdb"
	defaultOrgUnit = "HfVjCurKxh2"

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
	sourceFlag := flag.String("source", "khis", "Source to pull from (khis or datim)")
	startDateFlag := flag.String("start-date", "", "Start date (YYYY-MM-DD)")
	endDateFlag := flag.String("end-date", "", "End date (YYYY-MM-DD)")
	orgUnitFlag := flag.String("org-unit", defaultOrgUnit, "Root organisation unit UID")
	datasetsFlag := flag.StringSlice("datasets", nil, "Datasets to pull as name=uid pairs (defaults to the standard reporting datasets for khis)")
	dbFlag := flag.String("db", defaultDBPath, "Path to the staging database (or set DATAPULL_DB env var)")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if *startDateFlag == "" || *endDateFlag == "" {
		return errors.New("--start-date and --end-date are required")
	}

	datasets, err := resolveDataSets(*sourceFlag, *datasetsFlag)
	if err != nil {
		return err
	}

	envPrefix := strings.ToUpper(*sourceFlag)
	baseURL := os.Getenv(envPrefix + "_API_BASE_URL")
	username := os.Getenv(envPrefix + "_USERNAME")
	password := os.Getenv(envPrefix + "_PASSWORD")
	if baseURL == "" || username == "" || password == "" {
		return fmt.Errorf("%s_API_BASE_URL, %s_USERNAME and %s_PASSWORD are required", envPrefix, envPrefix, envPrefix)
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
		log.Info("datasets-pull: received signal", "signal", sig.String())
		cancel()
	}()

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
		Source:   *sourceFlag,
		BaseURL:  baseURL,
		Username: username,
		Password: password,
	})
	if err != nil {
		return err
	}

	puller, err := extract.NewDataSets(extract.DataSetsConfig{
		Logger:    log,
		API:       client,
		Store:     store,
		Source:    *sourceFlag,
		DataSets:  datasets,
		StartDate: *startDateFlag,
		EndDate:   *endDateFlag,
		OrgUnit:   *orgUnitFlag,
	})
	if err != nil {
		return err
	}

	total, err := puller.Run(ctx)
	if err != nil {
		return err
	}
	log.Info("datasets-pull: finished", "source", *sourceFlag, "rows", total)
	return nil
}

func resolveDataSets(source string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		if source == "khis" {
			return extract.DefaultKHISDataSets(), nil
		}
		return nil, errors.New("--datasets is required for sources without defaults")
	}
	datasets := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, uid, ok := strings.Cut(pair, "=")
		if !ok || name == "" || uid == "" {
			return nil, fmt.Errorf("invalid dataset %q, want name=uid", pair)
		}
		datasets[name] = uid
	}
	return datasets, nil
}
