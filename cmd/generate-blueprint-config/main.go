package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	certrenew "github.com/caasmo/restinpieces-certrenew"
)

func generateBlueprintConfig() certrenew.Config {
	renewalDays := certrenew.DefaultRenewalDaysBeforeExpiry
	return certrenew.Config{
		Email:                   "your-acme-account@example.com",
		Staging:                 true,
		ChallengeDir:            "/var/www/acme-challenge",
		CertDir:                 "/etc/restinpieces/certs",
		AccountDir:              "/etc/restinpieces/acme-accounts",
		ChallengeType:           certrenew.ChallengeHTTP01,
		DNSPropagationTimeout:   certrenew.Duration(certrenew.DefaultDNSPropagation),
		RenewalDaysBeforeExpiry: &renewalDays,
		ChallengePollAttempts:   certrenew.DefaultChallengePollAttempts,
		ChallengePollInterval:   certrenew.Duration(time.Second),
		FinalizeAttempts:        certrenew.DefaultFinalizeAttempts,
		CSRCountry:              certrenew.DefaultCSRCountry,
		CSRLocality:             certrenew.DefaultCSRLocality,
		CSROrganization:         certrenew.DefaultCSROrganization,
		DNSProviders: map[string]certrenew.DNSProvider{
			certrenew.DNSProviderCloudflare: {
				APIToken: "YOUR_CLOUDFLARE_API_TOKEN_ENV_VAR_OR_SECRET",
			},
		},
		Profiles: []certrenew.Profile{
			{Name: "site1", Domains: []string{"example.com", "www.example.com"}},
		},
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	outputFileFlag := flag.String("output", "certrenew.blueprint.toml", "Output file path for the blueprint TOML configuration")
	flag.StringVar(outputFileFlag, "o", "certrenew.blueprint.toml", "Output file path (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generates a blueprint renewal TOML configuration file with example values.\n")
		fmt.Fprintf(os.Stderr, "Remember to replace placeholder values and load secrets securely.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	logger.Info("Generating blueprint configuration...")
	blueprintCfg := generateBlueprintConfig()

	if err := blueprintCfg.Validate(); err != nil {
		logger.Warn("Generated blueprint configuration has validation issues", "error", err)
	}

	logger.Info("Marshalling configuration to TOML...")
	tomlBytes, err := toml.Marshal(blueprintCfg)
	if err != nil {
		logger.Error("Failed to marshal blueprint config to TOML", "error", err)
		os.Exit(1)
	}

	logger.Info("Writing blueprint configuration", "path", *outputFileFlag)
	err = os.WriteFile(*outputFileFlag, tomlBytes, 0644)
	if err != nil {
		logger.Error("Failed to write blueprint config file",
			"path", *outputFileFlag,
			"error", err)
		os.Exit(1)
	}

	logger.Info("Blueprint configuration generated successfully", "path", *outputFileFlag)
	logger.Warn("IMPORTANT: Review the generated file, replace placeholders, and set secrets (API tokens) via environment variables or the secure config store.")
}
