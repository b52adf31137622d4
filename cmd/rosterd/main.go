// Command rosterd serves the member roster API over HTTP.
//
// Configuration comes from the environment, optionally seeded from a .env
// file:
//
//	ROSTERCORE_ADDR: listen address (default :8080)
//	ROSTERCORE_JWT_SECRET: HS256 signing secret for bearer tokens (required)
//	ROSTERCORE_JWT_TTL: token lifetime, Go duration (default 24h)
//	ROSTERCORE_ADMIN_RESOURCE: resource guarding admin routes (default open)
//	ROSTERCORE_AMQP_URL / ROSTERCORE_AMQP_QUEUE: notification broker (default in-process)
//	ROSTERCORE_KAFKA_BROKER / ROSTERCORE_KAFKA_TOPIC: audit stream (default disabled)
//
// Persistence variables (ROSTERCORE_STORAGE_DRIVER and friends) are
// documented in internal/core, blob storage variables in internal/blob.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rostercore/internal/archive"
	"rostercore/internal/blob"
	"rostercore/internal/core"
	"rostercore/internal/httpapi"
	"rostercore/internal/notify"
	"rostercore/internal/stream"
	"rostercore/pkg/logging"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rosterd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		addr      string
		envFile   string
		mintToken string
	)
	fs.StringVar(&addr, "addr", "", "listen address (overrides ROSTERCORE_ADDR)")
	fs.StringVar(&envFile, "env-file", "", "env file to load before reading configuration")
	fs.StringVar(&mintToken, "mint-token", "", "print a bearer token for the given subject and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := loadEnv(envFile); err != nil {
		fmt.Fprintf(stderr, "rosterd: %v\n", err)
		return 1
	}

	if mintToken != "" {
		token, err := newTokenManager().Generate(mintToken, "")
		if err != nil {
			fmt.Fprintf(stderr, "rosterd: mint token: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, token)
		return 0
	}

	if err := run(addr); err != nil {
		fmt.Fprintf(stderr, "rosterd: %v\n", err)
		return 1
	}
	return 0
}

// loadEnv seeds the environment from a .env file. An explicit file must
// exist; the default one is optional.
func loadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	}
	_ = godotenv.Load()
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newTokenManager() *httpapi.TokenManager {
	ttl := 24 * time.Hour
	if raw := os.Getenv("ROSTERCORE_JWT_TTL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			ttl = parsed
		}
	}
	return httpapi.NewTokenManager(os.Getenv("ROSTERCORE_JWT_SECRET"), ttl)
}

func run(addr string) error {
	logger := logging.Setup()

	if os.Getenv("ROSTERCORE_JWT_SECRET") == "" {
		return errors.New("ROSTERCORE_JWT_SECRET required")
	}
	if addr == "" {
		addr = getEnv("ROSTERCORE_ADDR", ":8080")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := core.NewDefaultRulesEngine()
	store, err := core.OpenPersistentStore(engine)
	if err != nil {
		return err
	}
	if dbStore, ok := store.(interface{ DB() *sql.DB }); ok {
		defer func() { _ = dbStore.DB().Close() }()
	}

	reg := prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []core.Option{core.WithLogger(logger), core.WithMetricsRecorder(metrics)}
	if broker := os.Getenv("ROSTERCORE_KAFKA_BROKER"); broker != "" {
		topic := getEnv("ROSTERCORE_KAFKA_TOPIC", "roster-audit")
		audit := stream.NewKafkaAuditRecorder(broker, topic, logger)
		defer func() { _ = audit.Close() }()
		opts = append(opts, core.WithAuditRecorder(audit))
		logger.Info("audit stream enabled", "broker", broker, "topic", topic)
	}
	svc := core.NewService(store, opts...)

	blobs, err := blob.Open(ctx)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	logger.Info("blob store ready", "driver", blobs.Driver())

	var dispatcher notify.Dispatcher = notify.NewMemoryDispatcher()
	if url := os.Getenv("ROSTERCORE_AMQP_URL"); url != "" {
		queue := getEnv("ROSTERCORE_AMQP_QUEUE", "roster-notifications")
		amqpDispatcher, err := notify.DialAMQP(url, queue)
		if err != nil {
			return fmt.Errorf("connect notification broker: %w", err)
		}
		defer func() { _ = amqpDispatcher.Close() }()
		dispatcher = amqpDispatcher
		logger.Info("notification broker connected", "queue", queue)
	}

	handler := httpapi.NewHandler(svc)
	handler.Notifier = notify.NewOverdueNotifier(svc, dispatcher, logger)
	handler.Archive = archive.New(blobs)
	handler.AdminResource = os.Getenv("ROSTERCORE_ADMIN_RESOURCE")

	tokens := newTokenManager()
	mux := http.NewServeMux()
	mux.Handle("/api/v1/", httpapi.Instrument(logger, httpapi.RequireAuth(tokens, handler)))
	mux.Handle("/healthz", httpapi.Instrument(logger, handler))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rosterd listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
