package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caasmo/restinpieces"
	"github.com/caasmo/restinpieces/config"
	dbz "github.com/caasmo/restinpieces/db/zombiezen"
	rip_db "github.com/caasmo/restinpieces/db"
	"github.com/joho/godotenv"

	certrenew "github.com/caasmo/restinpieces-certrenew"
	acme_db "github.com/caasmo/restinpieces-certrenew/zombiezen"
)

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	var (
		configPath string
		dbPath     string
		ageKeyPath string
		timeout    time.Duration
	)
	flag.StringVar(&configPath, "config", "", "path to the renewal config TOML file")
	flag.StringVar(&dbPath, "dbpath", "", "path to the restinpieces SQLite database (config store and certificate history)")
	flag.StringVar(&ageKeyPath, "age-key", "", "path to the age identity file, required with -dbpath")
	flag.DurationVar(&timeout, "timeout", 15*time.Minute, "overall timeout for the run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <file> | -dbpath <db-file> -age-key <identity-file>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Renews the certificates of every configured profile once and exits.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if configPath == "" && (dbPath == "" || ageKeyPath == "") {
		flag.Usage()
		os.Exit(1)
	}

	var (
		cfg  *certrenew.Config
		opts []certrenew.Option
		err  error
	)

	if dbPath != "" {
		logger.Info("Creating sqlite database pool", "path", dbPath)
		pool, err := restinpieces.NewZombiezenPool(dbPath)
		if err != nil {
			logger.Error("failed to create database pool", "db_path", dbPath, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pool.Close(); err != nil {
				logger.Error("error closing database pool", "error", err)
			}
		}()

		dbImpl, err := dbz.New(pool)
		if err != nil {
			logger.Error("failed to instantiate zombiezen db from pool", "error", err)
			os.Exit(1)
		}
		secureStore, err := config.NewSecureStoreAge(dbImpl, ageKeyPath)
		if err != nil {
			logger.Error("failed to instantiate secure store (age)", "age_key_path", ageKeyPath, "error", err)
			os.Exit(1)
		}

		if configPath == "" {
			logger.Info("Loading renewal configuration from secure store", "scope", certrenew.ConfigScope)
			data, _, err := secureStore.Get(certrenew.ConfigScope, 0) // generation 0 = latest
			if err != nil {
				logger.Error("failed to load renewal config", "scope", certrenew.ConfigScope, "error", err)
				os.Exit(1)
			}
			if len(data) == 0 {
				logger.Error("renewal config data loaded from DB is empty", "scope", certrenew.ConfigScope)
				os.Exit(1)
			}
			cfg, err = certrenew.ParseConfig(data)
			if err != nil {
				logger.Error("invalid renewal config", "scope", certrenew.ConfigScope, "error", err)
				os.Exit(1)
			}
		}

		history := acme_db.NewWriter(pool)
		if err := history.CreateTable(context.Background()); err != nil {
			logger.Error("failed to prepare certificate history table", "error", err)
			os.Exit(1)
		}
		opts = append(opts, certrenew.WithHistory(history), certrenew.WithPublisher(secureStore))
	}

	if configPath != "" {
		logger.Info("Loading renewal configuration", "path", configPath)
		cfg, err = certrenew.LoadConfig(configPath)
		if err != nil {
			logger.Error("Failed to load config file", "path", configPath, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("Config loaded",
		"email", cfg.Email,
		"directory", cfg.DirectoryURL(),
		"challenge_type", cfg.ChallengeType,
		"cert_dir", cfg.CertDir,
		"profiles", len(cfg.Profiles),
	)

	renewer, err := certrenew.NewRenewer(cfg, certrenew.NewLegoClient(), logger, opts...)
	if err != nil {
		logger.Error("Failed to create renewer", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := renewer.Handle(ctx, rip_db.Job{ID: 1}); err != nil {
		logger.Error("Certificate renewal aborted", "error", err)
		os.Exit(1)
	}
	logger.Info("Certificate renewal completed")
}
