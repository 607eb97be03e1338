// Command recover inventories and resumes upload work stranded by a crash.
//
// Without arguments it performs a dry scan and prints what it finds; with
// the "recover" argument it drives the stranded work back through the
// ingestion pipeline.
//
// Configuration comes from the environment (a .env file is honored):
//
//	BULKMAIL_MONGO_URI       document store URI (default mongodb://localhost:27017)
//	BULKMAIL_MONGO_DATABASE  database name (default bulkmail)
//	BULKMAIL_DATA_DIR        upload base directory (default ./data)
//	BULKMAIL_CHUNK_SIZE      records per chunk file (default 10000)
//	BULKMAIL_MAX_RECOVERY_ATTEMPTS  retry cap per job (default 3)
//	BULKMAIL_WORKER_ID       recovered_by marker (default recovery:<hostname>)
//	BULKMAIL_METRICS_ADDR    serve Prometheus metrics on this address while running
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avylove/bulkmail/ingest"
	"github.com/avylove/bulkmail/internal/logging"
	"github.com/avylove/bulkmail/internal/metrics"
	"github.com/avylove/bulkmail/recovery"
	"github.com/avylove/bulkmail/store/mongo"
	"github.com/avylove/bulkmail/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	logger := logging.NewSlogDefault()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	execute := len(os.Args) > 1 && os.Args[1] == "recover"

	st, err := mongo.Connect(ctx, envOr("BULKMAIL_MONGO_URI", "mongodb://localhost:27017"),
		envOr("BULKMAIL_MONGO_DATABASE", "bulkmail"))
	if err != nil {
		logger.Error("failed to connect to document store", "error", err)

		return 1
	}
	defer func() { _ = st.Close(context.Background()) }()

	layout := ingest.NewLayout(envOr("BULKMAIL_DATA_DIR", "./data"))
	if err := layout.EnsureDirs(); err != nil {
		logger.Error("failed to prepare data directories", "error", err)

		return 1
	}

	m := newCollector(logger)
	splitter := ingest.NewSplitter(layout, envInt("BULKMAIL_CHUNK_SIZE", 0), logger, m)
	processor := ingest.NewProcessor(st, layout, ingest.ProcessorConfig{}, nil, logger, m)
	scanner := recovery.NewScanner(layout, splitter, processor, st, recovery.Config{
		MaxRecoveryAttempts: envInt("BULKMAIL_MAX_RECOVERY_ATTEMPTS", 0),
		WorkerID:            os.Getenv("BULKMAIL_WORKER_ID"),
	}, logger, m)

	var report *recovery.Report
	if execute {
		report, err = scanner.Recover(ctx)
	} else {
		report, err = scanner.Scan(ctx)
	}
	if err != nil {
		logger.Error("recovery pass aborted", "error", err)

		return 1
	}

	printReport(report, execute)

	return 0
}

func printReport(r *recovery.Report, executed bool) {
	mode := "scan (dry run)"
	if executed {
		mode = "recover"
	}

	fmt.Printf("mode:               %s\n", mode)
	fmt.Printf("artifacts found:    %d\n", r.ArtifactsFound)
	fmt.Printf("chunk dirs found:   %d\n", r.ChunkDirsFound)
	fmt.Printf("chunk files found:  %d\n", r.ChunksFound)

	if executed {
		fmt.Printf("jobs recovered:     %d\n", r.JobsRecovered)
		fmt.Printf("jobs failed:        %d\n", r.JobsFailed)
		fmt.Printf("records recovered:  %d\n", r.RecordsRecovered)
	} else if r.ArtifactsFound+r.ChunkDirsFound > 0 {
		fmt.Println("\nrun with the \"recover\" argument to resume this work")
	}
}

// newCollector returns a Prometheus-backed collector with an HTTP exposition
// endpoint when BULKMAIL_METRICS_ADDR is set, a nop collector otherwise.
// Useful for watching long recovery runs from the outside.
func newCollector(logger types.Logger) types.MetricsCollector {
	addr := os.Getenv("BULKMAIL_METRICS_ADDR")
	if addr == "" {
		return metrics.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()

	return metrics.NewPrometheus(prometheus.DefaultRegisterer, "bulkmail")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", key, err)
		os.Exit(2)
	}

	return n
}
