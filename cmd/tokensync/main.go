package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/chain"
	"github.com/wnt/tokensync/internal/checkpoint"
	"github.com/wnt/tokensync/internal/config"
	"github.com/wnt/tokensync/internal/database"
	"github.com/wnt/tokensync/internal/eventlog"
	"github.com/wnt/tokensync/internal/ledger"
	"github.com/wnt/tokensync/internal/logger"
	"github.com/wnt/tokensync/internal/queue"
	"github.com/wnt/tokensync/internal/reconcile"
	"github.com/wnt/tokensync/internal/rpc"
	"github.com/wnt/tokensync/internal/syncer"
	"github.com/wnt/tokensync/internal/token"
	"github.com/wnt/tokensync/internal/worker"
)

func main() {
	envFile := flag.String("envFile", ".env", "Path to .env file")
	flag.Parse()

	envErr := godotenv.Load(*envFile)

	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(cfg.LogLevel)
	if envErr != nil {
		log.Debug().Str("env_file", *envFile).Msg("No .env file found, using environment variables")
	}

	db, err := database.Connect(cfg.DatabaseDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	pool := rpc.NewPool(cfg.RPCEndpoints, cfg.RPCRateLimit, log)
	fetcher := rpc.NewFetcher(pool, log)

	clients := make(map[int64]chain.Client, len(cfg.RPCEndpoints))
	for _, chainID := range pool.Chains() {
		clients[chainID] = chain.NewEthClient(chainID, pool, fetcher, log)
	}

	q, err := queue.NewClient(cfg.RedisURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to queue")
	}
	defer q.Close()

	s, err := syncer.New(
		clients,
		checkpoint.NewManager(db, cfg.MinCheckInterval, log),
		eventlog.NewFetcher(cfg.MaxNarrowingDepth, log),
		reconcile.New(chain.NewBatchPolicy(cfg.BatchLimit), log),
		ledger.NewStore(db, log),
		syncer.Options{CacheSize: cfg.CacheSize, Sink: q},
		log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create syncer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedTargets(ctx, cfg, clients, q, log)

	manager := worker.NewManager(cfg, q, s, pool, log)
	if err := manager.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker manager")
	}

	server := newMonitorServer(cfg.MetricsPort, manager)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Warn().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	_ = manager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop metrics server")
	}

	log.Info().Msg("tokensync stopped")
}

// seedTargets schedules the configured targets to run immediately
func seedTargets(ctx context.Context, cfg config.Config, clients map[int64]chain.Client, q *queue.Client, log zerolog.Logger) {
	now := time.Now()
	for _, raw := range cfg.Targets {
		target, err := token.ParseTarget(raw)
		if err != nil {
			log.Error().Err(err).Str("target", raw).Msg("Skipping invalid sync target")
			continue
		}
		if _, ok := clients[target.ChainID]; !ok {
			log.Error().Int64("chain_id", target.ChainID).Str("target", raw).Msg("Skipping sync target on a chain with no RPC endpoint")
			continue
		}
		if err := q.PushTarget(ctx, target, now); err != nil {
			log.Error().Err(err).Str("target", raw).Msg("Failed to seed sync target")
		}
	}
	log.Info().Int("targets", len(cfg.Targets)).Msg("Seeded sync targets")
}

func newMonitorServer(port string, manager *worker.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(manager.GetStats(r.Context()))
	})

	return &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
