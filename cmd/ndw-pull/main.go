package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/afyalabs/datapull/pkg/duck"
	"github.com/afyalabs/datapull/pkg/extract"
	"github.com/afyalabs/datapull/pkg/logger"
	"github.com/afyalabs/datapull/pkg/source/ndw"
	"github.com/afyalabs/datapull/pkg/staging"
)

const (
	defaultDBPath = ".tmp/datapull.duckdb"

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
	startDateFlag := flag.String("start-date", "", "Start date (YYYY-MM-DD)")
	endDateFlag := flag.String("end-date", "", "End date (YYYY-MM-DD)")
	indicatorsFlag := flag.StringSlice("indicators", ndw.DefaultIndicators(), "Warehouse indicator names to pull")
	maxConcurrencyFlag := flag.Int("max-concurrency", 0, "Maximum concurrent warehouse calls")
	dbFlag := flag.String("db", defaultDBPath, "Path to the staging database (or set DATAPULL_DB env var)")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if *startDateFlag == "" || *endDateFlag == "" {
		return errors.New("--start-date and --end-date are required")
	}
	start, err := time.Parse("2006-01-02", *startDateFlag)
	if err != nil {
		return fmt.Errorf("invalid --start-date: %w", err)
	}
	end, err := time.Parse("2006-01-02", *endDateFlag)
	if err != nil {
		return fmt.Errorf("invalid --end-date: %w", err)
	}

	authURL := os.Getenv("NDW_AUTH_URL")
	clientID := os.Getenv("NDW_CLIENT_ID")
	clientSecret := os.Getenv("NDW_CLIENT_SECRET")
	scope := os.Getenv("NDW_SCOPE")
	baseURL := os.Getenv("NDW_API_BASE_URL")
	if authURL == "" || clientID == "" || clientSecret == "" || baseURL == "" {
		return errors.New("NDW_AUTH_URL, NDW_CLIENT_ID, NDW_CLIENT_SECRET and NDW_API_BASE_URL are required")
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
		log.Info("ndw-pull: received signal", "signal", sig.String())
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

	client, err := ndw.New(ctx, ndw.Config{
		Logger:       log,
		AuthURL:      authURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scope:        scope,
		BaseURL:      baseURL,
	})
	if err != nil {
		return err
	}

	puller, err := extract.NewWarehouse(extract.WarehouseConfig{
		Logger:         log,
		API:            client,
		Store:          store,
		Indicators:     *indicatorsFlag,
		Start:          start,
		End:            end,
		MaxConcurrency: *maxConcurrencyFlag,
	})
	if err != nil {
		return err
	}

	result, err := puller.Run(ctx)
	if err != nil {
		return err
	}
	if result.UnitsFailed > 0 {
		log.Warn("ndw-pull: run finished with failures", "failed", result.UnitsFailed)
	}
	return nil
}
