package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/caasmo/restinpieces"
	"github.com/caasmo/restinpieces/config"
	dbz "github.com/caasmo/restinpieces/db/zombiezen"
	"github.com/pelletier/go-toml/v2"

	certrenew "github.com/caasmo/restinpieces-certrenew"
	acme_db "github.com/caasmo/restinpieces-certrenew/zombiezen"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	dbPathFlag := flag.String("dbpath", "", "Path to the SQLite database file (required)")
	ageIdentityPathFlag := flag.String("age-key", "", "Path to the age identity file (private key 'AGE-SECRET-KEY-1...') (required)")
	identifierFlag := flag.String("identifier", "", "Read the certificate for this primary domain from the certificate history instead of the secure store")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -dbpath <db-file> -age-key <identity-file> [-identifier <domain>]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Updates the main application configuration with the latest issued certificate.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *dbPathFlag == "" || *ageIdentityPathFlag == "" {
		flag.Usage()
		os.Exit(1)
	}

	// --- Database Setup ---
	logger.Info("Creating sqlite database pool", "path", *dbPathFlag)
	pool, err := restinpieces.NewZombiezenPool(*dbPathFlag)
	if err != nil {
		logger.Error("failed to create database pool", "db_path", *dbPathFlag, "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("Closing database pool")
		if err := pool.Close(); err != nil {
			logger.Error("error closing database pool", "error", err)
		}
	}()

	dbImpl, err := dbz.New(pool)
	if err != nil {
		logger.Error("failed to instantiate zombiezen db from pool", "error", err)
		os.Exit(1)
	}

	secureStore, err := config.NewSecureStoreAge(dbImpl, *ageIdentityPathFlag)
	if err != nil {
		logger.Error("failed to instantiate secure store (age)", "age_key_path", *ageIdentityPathFlag, "error", err)
		os.Exit(1)
	}

	// --- Load Latest Certificate Data ---
	var certData certrenew.CertificateOutput
	if *identifierFlag != "" {
		logger.Info("Loading latest certificate from history", "identifier", *identifierFlag)
		cert, err := acme_db.NewWriter(pool).LatestCert(*identifierFlag)
		if err != nil {
			logger.Error("failed to load certificate from history", "identifier", *identifierFlag, "error", err)
			os.Exit(1)
		}
		certData = certrenew.CertificateOutput{
			Identifier:       cert.Identifier,
			CertificateChain: cert.CertificateChain,
			PrivateKey:       cert.PrivateKey,
		}
	} else {
		logger.Info("Loading latest certificate data", "scope", certrenew.CertificateOutputScope)
		certTomlData, _, err := secureStore.Get(certrenew.CertificateOutputScope, 0)
		if err != nil {
			logger.Error("failed to load certificate data from secure store", "scope", certrenew.CertificateOutputScope, "error", err)
			os.Exit(1)
		}
		if len(certTomlData) == 0 {
			logger.Error("no certificate data found in secure store", "scope", certrenew.CertificateOutputScope)
			os.Exit(1)
		}
		if err := toml.Unmarshal(certTomlData, &certData); err != nil {
			logger.Error("failed to unmarshal certificate TOML data", "scope", certrenew.CertificateOutputScope, "error", err)
			os.Exit(1)
		}
	}
	logger.Info("Successfully loaded certificate data", "identifier", certData.Identifier)

	// --- Load Latest Application Config ---
	logger.Info("Loading latest application configuration", "scope", config.ScopeApplication)
	appTomlData, format, err := secureStore.Get(config.ScopeApplication, 0)
	if err != nil {
		logger.Error("failed to load application config from secure store", "scope", config.ScopeApplication, "error", err)
		os.Exit(1)
	}
	if len(appTomlData) == 0 {
		logger.Error("no existing application configuration found in secure store", "scope", config.ScopeApplication)
		os.Exit(1)
	}

	if format != "toml" {
		logger.Error("application configuration is not TOML", "scope", config.ScopeApplication, "format", format)
		os.Exit(1)
	}

	var appCfg config.Config
	if err := toml.Unmarshal(appTomlData, &appCfg); err != nil {
		logger.Error("failed to unmarshal application config TOML data", "scope", config.ScopeApplication, "error", err)
		os.Exit(1)
	}

	// --- Update Application Config with Cert Data ---
	appCfg.Server.CertData = certData.CertificateChain
	appCfg.Server.KeyData = certData.PrivateKey

	updatedAppTomlBytes, err := toml.Marshal(appCfg)
	if err != nil {
		logger.Error("failed to marshal updated application config to TOML", "error", err)
		os.Exit(1)
	}

	description := fmt.Sprintf("Updated TLS cert/key data from certificate store (identifier: %s)", certData.Identifier)
	logger.Info("Saving updated application configuration", "scope", config.ScopeApplication)
	err = secureStore.Save(config.ScopeApplication, updatedAppTomlBytes, "toml", description)
	if err != nil {
		logger.Error("failed to save updated application config via SecureStore", "scope", config.ScopeApplication, "error", err)
		os.Exit(1)
	}

	logger.Info("Successfully updated application configuration with latest certificate data.")
}
