// Command migrate applies or inspects the settlement schema.
//
// Usage:
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate status
//	go run ./cmd/migrate down-to 2
//
// The database is taken from -dsn, falling back to DATABASE_URL (a .env file
// in the working directory is honoured).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/server"
	"github.com/mbd888/settlement/migrations"
)

func main() {
	dsn := flag.String("dsn", "", "postgres connection string (default $DATABASE_URL)")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate [flags] up|down|status|version|redo|up-to N|down-to N")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	os.Exit(run(*dsn, *timeout, flag.Arg(0), flag.Args()[1:]))
}

func run(dsn string, timeout time.Duration, command string, args []string) int {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		logger.Error("no database configured: pass -dsn or set DATABASE_URL")
		return 1
	}

	db, err := server.OpenDB(dsn)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	if err := migrations.Run(ctx, db, command, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		return 1
	}
	logger.Info("migration finished", "command", command, "took", time.Since(start).Round(time.Millisecond))
	return 0
}
