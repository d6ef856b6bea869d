package main

import (
	"context"
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
	sourceFlag := flag.String("source", "khis", "Source to sync from (khis or datim)")
	orgUnitFlag := flag.String("org-unit", defaultOrgUnit, "Root organisation unit UID")
	dbFlag := flag.String("db", defaultDBPath, "Path to the staging database (or set DATAPULL_DB env var)")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

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
		log.Info("metadata-sync: received signal", "signal", sig.String())
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

	sync, err := extract.NewMetadata(extract.MetadataConfig{
		Logger:      log,
		API:         client,
		Store:       store,
		Source:      *sourceFlag,
		OrgUnitRoot: *orgUnitFlag,
	})
	if err != nil {
		return err
	}
	return sync.Run(ctx)
}
