package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/caasmo/restinpieces"

	certrenew "github.com/caasmo/restinpieces-certrenew"
	acme_db "github.com/caasmo/restinpieces-certrenew/zombiezen"
)

const JobTypeCertRenewal = "certificate_renewal"

func main() {
	dbPath := flag.String("db", "", "Path to the SQLite DB (used by framework AND certificate history)")
	ageKeyPath := flag.String("age-key", "", "Path to the age identity (private key) file (required)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -db <db-path> -age-key <id-path>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Start the restinpieces application server with certificate renewal jobs.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *dbPath == "" || *ageKeyPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	// --- Create Database Pool (Shared by framework and certificate history) ---
	dbPool, err := restinpieces.NewZombiezenPool(*dbPath)
	if err != nil {
		slog.Error("failed to create database pool", "path", *dbPath, "error", err)
		os.Exit(1)
	}

	defer func() {
		slog.Info("Closing database pool...")
		if err := dbPool.Close(); err != nil {
			slog.Error("Error closing database pool", "error", err)
		}
	}()

	app, srv, err := restinpieces.New(
		restinpieces.WithZombiezenPool(dbPool),
		restinpieces.WithAgeKeyPath(*ageKeyPath),
	)
	if err != nil {
		slog.Error("failed to initialize restinpieces application", "error", err)
		os.Exit(1)
	}
	logger := app.Logger()

	// --- Load Renewal Config from the secure store ---
	logger.Info("Loading renewal configuration from database", "scope", certrenew.ConfigScope)
	tomlData, _, err := app.ConfigStore().Get(certrenew.ConfigScope, 0) // generation 0 = latest
	if err != nil {
		logger.Error("failed to load renewal config from DB", "scope", certrenew.ConfigScope, "error", err)
		os.Exit(1)
	}
	if len(tomlData) == 0 {
		logger.Error("renewal config data loaded from DB is empty", "scope", certrenew.ConfigScope)
		os.Exit(1)
	}

	renewalCfg, err := certrenew.ParseConfig(tomlData)
	if err != nil {
		logger.Error("invalid renewal config", "scope", certrenew.ConfigScope, "error", err)
		os.Exit(1)
	}

	history := acme_db.NewWriter(dbPool)
	if err := history.CreateTable(context.Background()); err != nil {
		logger.Error("failed to prepare certificate history table", "error", err)
		os.Exit(1)
	}

	renewer, err := certrenew.NewRenewer(renewalCfg, certrenew.NewLegoClient(), logger,
		certrenew.WithHistory(history),
		certrenew.WithPublisher(app.ConfigStore()),
	)
	if err != nil {
		logger.Error("failed to create certificate renewer", "error", err)
		os.Exit(1)
	}

	err = srv.AddJobHandler(JobTypeCertRenewal, renewer)
	if err != nil {
		logger.Error("Failed to register certificate renewal job handler", "job_type", JobTypeCertRenewal, "error", err)
		os.Exit(1)
	}
	logger.Info("Registered certificate renewal job handler", "job_type", JobTypeCertRenewal)

	// Run blocks until the server stops.
	srv.Run()

	slog.Info("Server shut down gracefully.")
}
