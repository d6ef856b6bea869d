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

	"github.com/afyalabs/datapull/pkg/concordance"
	"github.com/afyalabs/datapull/pkg/duck"
	"github.com/afyalabs/datapull/pkg/logger"
)

const (
	defaultDBPath  = ".tmp/datapull.duckdb"
	defaultOutPath = "concordance.csv"

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
	outFlag := flag.String("out", defaultOutPath, "Path of the CSV report to write")
	quarterFlag := flag.String("quarter", "", "Reporting quarter to reconcile (defaults to the current cycle)")
	monthsFlag := flag.StringSlice("months", nil, "HIS months inside the quarter")
	currentMonthFlag := flag.String("current-month", "", "Month treated as current for point-in-time indicators")
	dbFlag := flag.String("db", defaultDBPath, "Path to the staging database (or set DATAPULL_DB env var)")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	window := concordance.DefaultWindow()
	if *quarterFlag != "" {
		window.Quarter = *quarterFlag
	}
	if len(*monthsFlag) > 0 {
		window.Months = *monthsFlag
	}
	if *currentMonthFlag != "" {
		window.CurrentMonth = *currentMonthFlag
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
		log.Info("concordance: received signal", "signal", sig.String())
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

	engine, err := concordance.New(concordance.Config{
		Logger:     log,
		DB:         db,
		Aggregates: concordance.DefaultAggregates(window),
	})
	if err != nil {
		return err
	}

	rows, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	out, err := os.Create(*outFlag)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer out.Close()
	if err := concordance.WriteCSV(out, rows); err != nil {
		return err
	}
	log.Info("concordance: report written", "path", *outFlag, "rows", len(rows))

	concordance.RenderTable(os.Stdout, rows)
	return nil
}
