// Package main implements the fractalgo compute-job orchestration server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/qcarchive/fractalgo/engine/backend"
	"github.com/qcarchive/fractalgo/engine/nanny"
	"github.com/qcarchive/fractalgo/engine/procedures"
	"github.com/qcarchive/fractalgo/engine/scheduler"
	"github.com/qcarchive/fractalgo/engine/services"
	"github.com/qcarchive/fractalgo/engine/store"
	"github.com/qcarchive/fractalgo/pkg/metrics"
	"github.com/qcarchive/fractalgo/pkg/mid"
	"github.com/qcarchive/fractalgo/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port             string
	MetricsPort      string
	Neo4jURL         string
	Neo4jUser        string
	Neo4jPass        string
	QdrantURL        string
	QdrantCollection string
	NATSURL          string
	NATSSubmit       string
	NATSComplete     string
	QueueType        string
	CORSOrigin       string
}

func loadConfig() Config {
	return Config{
		Port:             envOr("PORT", "8080"),
		MetricsPort:      envOr("METRICS_PORT", "9091"),
		Neo4jURL:         envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:        envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:        envOr("NEO4J_PASS", "password"),
		QdrantURL:        envOr("QDRANT_URL", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "fractalgo-molecules"),
		NATSURL:          envOr("NATS_URL", nats.DefaultURL),
		NATSSubmit:       envOr("NATS_SUBMIT_SUBJECT", "fractalgo.tasks.submit"),
		NATSComplete:     envOr("NATS_COMPLETE_SUBJECT", "fractalgo.tasks.complete"),
		QueueType:        envOr("QUEUE_TYPE", "distributed"),
		CORSOrigin:       envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to Neo4j ---
	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)

	st := store.NewNeo4jStore(neo4jDriver)

	// --- Connect to Qdrant for the molecule near-duplicate index ---
	molIndex, err := store.NewMoleculeIndex(cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		logger.Warn("molecule near-duplicate index unavailable, continuing without it", "error", err)
	} else {
		defer molIndex.Close()
		if err := molIndex.EnsureCollection(ctx, store.FingerprintWidth); err != nil {
			logger.Warn("molecule near-duplicate collection setup failed, continuing without it", "error", err)
		} else {
			st.AttachMoleculeIndex(molIndex)
		}
	}

	// --- Connect to NATS and build the backend adapter ---
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	adapter, err := backend.BuildAdapter(cfg.QueueType, backend.AdapterConfig{
		Distributed: backend.DistributedConfig{
			Conn:            nc,
			SubmitSubject:   cfg.NATSSubmit,
			CompleteSubject: cfg.NATSComplete,
		},
	})
	if err != nil {
		return fmt.Errorf("build backend adapter: %w", err)
	}

	// --- Build the registries, metrics registry, and nanny ---
	procs := procedures.NewDefaultRegistry()
	svcs := services.NewDefaultRegistry()
	met := metrics.New()

	n := nanny.New(adapter, st, procs, svcs, nanny.DefaultOptions(), met, logger)

	// --- Build the scheduler and HTTP server ---
	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: 50, Burst: 100})
	sched := scheduler.New(st, procs, svcs, n, scheduler.Options{Limiter: limiter, Logger: logger})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("POST /api/v1/queue", sched.QueueScheduler)
	mux.HandleFunc("POST /api/v1/services", sched.ServiceScheduler)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("fractalgo"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsPort, err := strconv.Atoi(cfg.MetricsPort)
	if err != nil {
		metricsPort = 9091
	}
	met.ServeAsync(metricsPort)

	// --- Background harvest/refill loop: drives the nanny forward even
	// when no HTTP request is in flight to trigger a best-effort update. ---
	harvestCtx, stopHarvest := context.WithCancel(ctx)
	defer stopHarvest()
	go harvestLoop(harvestCtx, n, logger)

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("fractalgo server starting", "port", cfg.Port, "queue_type", cfg.QueueType)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// harvestLoop periodically drives Update/UpdateServices so work progresses
// even between scheduler requests, mirroring the original's long-running
// QueueNanny process rather than only ever reacting to submit_tasks.
func harvestLoop(ctx context.Context, n *nanny.Nanny, logger *slog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Update(ctx); err != nil {
				logger.Error("harvest loop: update failed", "error", err)
			}
			if err := n.UpdateServices(ctx); err != nil {
				logger.Error("harvest loop: update_services failed", "error", err)
			}
		}
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

