// Command sweep runs one auto-release pass and exits, for cron.
//
// Usage:
//
//	go run ./cmd/sweep              # release orders past the confirmation window
//	go run ./cmd/sweep -reconcile   # also run a reconciliation pass
//
// Exit status is 1 when the sweep fails, any order failed to release, or
// reconciliation found a mismatch.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/mbd888/settlement/internal/config"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/orders"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/reconciliation"
	"github.com/mbd888/settlement/internal/server"
)

func main() {
	reconcile := flag.Bool("reconcile", false, "run reconciliation after the sweep")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall deadline")
	flag.Parse()
	os.Exit(run(*reconcile, *timeout))
}

func run(reconcile bool, timeout time.Duration) int {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		return 1
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return 1
	}
	db, err := server.OpenDB(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stores := server.PostgresStores(db)
	pol := policy.NewProvider(stores.Policy, cfg.DefaultPolicy())
	svc := orders.NewService(stores.Orders, pol, notify.NewEmitter(stores.Notify, logger), logger)

	code := 0
	res, err := svc.SweepAutoRelease(ctx, time.Now().UTC())
	if err != nil {
		logger.Error("auto-release sweep failed", "error", err)
		return 1
	}
	if res.Failed > 0 {
		code = 1
	}
	out := map[string]any{"sweep": res}

	if reconcile {
		report, err := reconciliation.NewRunner(stores.Orders, stores.Payouts, stores.Ledger, logger).RunAll(ctx)
		if err != nil {
			logger.Error("reconciliation failed", "error", err)
			return 1
		}
		if !report.Healthy {
			code = 1
		}
		out["reconciliation"] = report
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	return code
}
