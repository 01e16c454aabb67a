// Package main verifies stored challenges against their audit logs by
// rebuilding each challenge from its events and diffing the result with the
// persisted row.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"challenge-core/internal/replay"
	"challenge-core/internal/storage/migrations"
	pgstore "challenge-core/internal/storage/postgres"
)

func main() {
	challengeID := flag.String("challenge-id", "", "Challenge ID to verify")
	traderID := flag.String("trader-id", "", "Verify all challenges of one trader")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string (required)")
	outputJSON := flag.Bool("json", false, "Output as JSON")

	flag.Parse()

	logger := log.New(os.Stderr, "[replay] ", log.LstdFlags)

	if *challengeID == "" && *traderID == "" {
		logger.Fatal("--challenge-id or --trader-id is required")
	}
	if *challengeID != "" && *traderID != "" {
		logger.Fatal("--challenge-id and --trader-id are mutually exclusive")
	}
	if *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("connect to postgres: %v", err)
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		logger.Fatalf("run migrations: %v", err)
	}

	store := pgstore.NewChallengeStore(pool)
	verifier := replay.NewLogVerifier(store, store)

	if *challengeID != "" {
		result, err := verifier.VerifyChallenge(ctx, *challengeID)
		if err != nil {
			logger.Fatalf("verify challenge: %v", err)
		}
		printResults(*outputJSON, result, []replay.VerificationResult{*result})
		if !result.Match {
			os.Exit(1)
		}
		return
	}

	report, err := verifier.VerifyTrader(ctx, *traderID)
	if err != nil {
		logger.Fatalf("verify trader: %v", err)
	}
	printResults(*outputJSON, report, report.Results)
	if report.DivergentChallenges > 0 {
		os.Exit(1)
	}
}

func printResults(asJSON bool, full any, results []replay.VerificationResult) {
	if asJSON {
		output, _ := json.MarshalIndent(full, "", "  ")
		fmt.Println(string(output))
		return
	}

	for _, r := range results {
		status := "OK"
		if !r.Match {
			status = "DIVERGED"
		}
		fmt.Printf("%-40s %-8s events=%d\n", r.ChallengeID, status, r.EventCount)
		for _, d := range r.Divergences {
			fmt.Printf("  %-20s stored=%v rebuilt=%v\n", d.Field, d.Expected, d.Actual)
		}
	}
}
