package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/afyalabs/datapull/pkg/duck"
	"github.com/afyalabs/datapull/pkg/logger"
	"github.com/afyalabs/datapull/pkg/master"
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
	sourceFlag := flag.String("source", "all", "Master table to rebuild (khis, datim or all)")
	chunkSizeFlag := flag.Int("chunk-size", 0, "Rows per insert chunk")
	dbFlag := flag.String("db", defaultDBPath, "Path to the staging database (or set DATAPULL_DB env var)")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if *sourceFlag != "khis" && *sourceFlag != "datim" && *sourceFlag != "all" {
		return fmt.Errorf("unknown source %q", *sourceFlag)
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
		log.Info("master-build: received signal", "signal", sig.String())
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

	builder, err := master.NewBuilder(master.BuilderConfig{
		Logger:    log,
		DB:        db,
		ChunkSize: *chunkSizeFlag,
	})
	if err != nil {
		return err
	}

	if *sourceFlag == "khis" || *sourceFlag == "all" {
		if _, err := builder.BuildKHIS(ctx); err != nil {
			return fmt.Errorf("failed to rebuild khis master: %w", err)
		}
	}
	if *sourceFlag == "datim" || *sourceFlag == "all" {
		if _, err := builder.BuildDATIM(ctx); err != nil {
			return fmt.Errorf("failed to rebuild datim master: %w", err)
		}
	}
	return nil
}
