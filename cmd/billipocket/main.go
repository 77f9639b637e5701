package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/waltings/billipocket-gpt5/internal/invoice"
	"github.com/waltings/billipocket-gpt5/internal/redisstore"
	"github.com/waltings/billipocket-gpt5/internal/sqlstore"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env file is fine
	_ = godotenv.Load()

	fs := ff.NewFlagSet("billipocket")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		storeType      = fs.StringLong("store", "bolt", "Invoice store: 'bolt' or 'mysql'")
		dbPath         = fs.StringLong("db", "billipocket.db", "Bolt database file path")
		mysqlDSN       = fs.StringLong("mysql-dsn", "", "MySQL DSN, e.g. user:pass@tcp(localhost:3306)/billipocket")
		redisAddr      = fs.StringLong("redis-addr", "", "Redis address for shared numbering and locks (optional)")
		lockTTL        = fs.DurationLong("lock-ttl", 30*time.Second, "Invoice lock expiry when using Redis")
		lockRetries    = fs.IntLong("lock-retries", 20, "Invoice lock attempts before reporting busy when using Redis")
		reversalPolicy = fs.StringLong("reversal-policy", "reason", "Paid to unpaid reversals: 'reason', 'allowed' or 'denied'")
		backupDir      = fs.StringLong("backup-dir", "./backups", "Backup directory (bolt store only)")
		backupKeep     = fs.IntLong("backup-keep", 10, "Number of backups to keep, 0 keeps all")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat      = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("BILLIPOCKET"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	policy, err := invoice.ParseReversalPolicy(*reversalPolicy)
	if err != nil {
		slog.Error("Invalid reversal policy", "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...", "store", *storeType)
	var (
		db       invoice.DB
		snapshot invoice.Snapshotter
		lastSeen redisstore.FloorFunc
	)
	switch *storeType {
	case "bolt":
		boltDB, err := invoice.NewBoltDB(*dbPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		db, snapshot, lastSeen = boltDB, boltDB, boltDB.LastOrdinal
	case "mysql":
		if *mysqlDSN == "" {
			slog.Error("MySQL DSN is required. Set --mysql-dsn flag or BILLIPOCKET_MYSQL_DSN environment variable")
			os.Exit(1)
		}
		store, err := sqlstore.Open(*mysqlDSN)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		db, lastSeen = store, store.LastOrdinal
	default:
		slog.Error("Invalid store type", "type", *storeType, "valid", "bolt or mysql")
		os.Exit(1)
	}
	defer db.Close()

	deps := invoice.Deps{Machine: invoice.StatusMachine{Reversal: policy}}

	// Shared numbering and locking for multi-process deployments
	if *redisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		counter, locker, err := setupRedis(ctx, *redisAddr, redisstore.LockOptions{
			TTL:     *lockTTL,
			Retries: *lockRetries,
		}, lastSeen)
		cancel()
		if err != nil {
			slog.Error("Failed to initialize Redis", "error", err)
			os.Exit(1)
		}
		deps.Counter = counter
		deps.Locker = locker
	}

	// Initialize backups
	var backups *invoice.Backups
	if snapshot != nil {
		backups, err = invoice.NewBackups(*backupDir, *backupKeep, snapshot)
		if err != nil {
			slog.Error("Failed to initialize backups", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Info("Backups disabled for this store", "store", *storeType)
	}

	// Initialize service
	invoiceService := invoice.NewServiceWithDeps(db, deps)

	// Initialize server
	server := invoice.NewServer(invoiceService, backups)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started",
		"address", fmt.Sprintf("http://localhost%s", addr),
		"version", version,
		"reversal_policy", policy.String(),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}

func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q, valid: text or json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// setupRedis connects to Redis. Each year's counter is raised past every
// number the database already holds the first time that year is numbered.
func setupRedis(
	ctx context.Context,
	addr string,
	opts redisstore.LockOptions,
	lastSeen redisstore.FloorFunc,
) (*redisstore.Counter, *redisstore.Locker, error) {
	client, err := redisstore.NewClient(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Redis numbering ready", "address", addr)

	return redisstore.NewCounter(client, lastSeen), redisstore.NewLocker(client, opts), nil
}
