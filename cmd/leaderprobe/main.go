// Command leaderprobe measures how quickly transactions land when they are
// submitted at the start of a scheduled validator's leader window.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/leaderprobe/internal/blockhash"
	"github.com/gateway-fm/leaderprobe/internal/config"
	"github.com/gateway-fm/leaderprobe/internal/metrics"
	"github.com/gateway-fm/leaderprobe/internal/rpc"
	"github.com/gateway-fm/leaderprobe/internal/runner"
	"github.com/gateway-fm/leaderprobe/internal/schedule"
	"github.com/gateway-fm/leaderprobe/internal/slotsub"
	"github.com/gateway-fm/leaderprobe/internal/storage"
	"github.com/gateway-fm/leaderprobe/internal/transport"
	"github.com/gateway-fm/leaderprobe/internal/txbuilder"
	"github.com/gateway-fm/leaderprobe/pkg/types"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// stdout carries the final report, logs go to stderr.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		logger.Error("failed to load keypair", "error", err, "path", cfg.KeypairPath)
		return 1
	}

	m := metrics.NewPrometheusMetrics(nil)
	observe := func(method string, success bool, elapsed time.Duration) {
		m.RecordRPCLatency(method, success, elapsed.Seconds())
	}

	readCfg := rpc.DefaultClientConfig(cfg.HTTPRPCURL)
	readCfg.Observer = observe
	readCfg.Logger = logger
	readClient := rpc.NewHTTPClient(readCfg)

	senderCfg := rpc.DefaultClientConfig(cfg.SenderRPCURL)
	senderCfg.Observer = observe
	senderCfg.Logger = logger.With("endpoint", "sender")
	senderClient := rpc.NewHTTPClient(senderCfg)

	fetchCfg := schedule.DefaultFetchConfig(cfg.ScheduleURL)
	fetchCfg.Logger = logger
	doc, err := schedule.Fetch(ctx, fetchCfg)
	if err != nil {
		logger.Error("failed to fetch leader schedule", "error", err, "url", cfg.ScheduleURL)
		return 1
	}
	idx, err := schedule.Build(doc)
	if err != nil {
		logger.Error("invalid leader schedule", "error", err)
		return 1
	}
	logger.Info("fetched leader schedule",
		"validators", len(idx.Validators()),
		"slots", idx.SlotCount())

	cache := blockhash.New(readClient, blockhash.Config{
		Interval: cfg.BlockhashRefresh,
		Logger:   logger,
	})
	go func() {
		if err := cache.Run(ctx); err != nil {
			logger.Error("blockhash cache stopped", "error", err)
		}
	}()

	builder, err := txbuilder.NewBuilder(txbuilder.Config{
		Signer:           signer,
		ComputeUnitPrice: cfg.CUPrice,
		ComputeUnitLimit: cfg.CULimit,
		MemoPrefix:       cfg.MemoPrefix,
		MemoRandomLen:    cfg.MemoRandomLen,
	})
	if err != nil {
		logger.Error("failed to create probe builder", "error", err)
		return 1
	}
	logger.Info("loaded keypair", "payer", builder.Payer().String())

	var store storage.Storage
	if cfg.DatabasePath != "" {
		sqlite, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			logger.Error("failed to initialize storage", "error", err, "path", cfg.DatabasePath)
			return 1
		}
		defer sqlite.Close()
		store = sqlite
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	}

	r, err := runner.New(runner.Config{
		Schedule: idx,
		Tokens:   cache,
		Subscribe: func(ctx context.Context) (runner.Source, error) {
			subCfg := slotsub.DefaultConfig(cfg.WSRPCURL)
			subCfg.Logger = logger
			sub, err := slotsub.Subscribe(ctx, subCfg)
			if err != nil {
				return nil, err
			}
			return sub, nil
		},
		Builder:       builder,
		Submitter:     senderClient,
		Querier:       readClient,
		Policy:        cfg.Policy(),
		NumLeaders:    cfg.NumLeaders,
		RunDuration:   cfg.RunDuration,
		MaxInFlight:   cfg.MaxInFlight,
		SettleDelay:   cfg.SettleDelay,
		BatchSize:     cfg.StatusBatchSize,
		BatchInterval: cfg.StatusBatchInterval,
		Storage:       store,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to create runner", "error", err)
		return 1
	}
	go r.TrackBlockhash(ctx)

	var shutdownAPI func()
	if cfg.ListenAddr != "" {
		shutdownAPI = serveAPI(ctx, cfg, r, rpcHealth{read: readClient, sender: senderClient}, logger)
		defer shutdownAPI()
	}

	report, runErr := r.Run(ctx, runner.Options{})
	if report != nil {
		if err := writeReport(os.Stdout, report); err != nil {
			logger.Error("failed to write report", "error", err)
		}
	}
	if runErr != nil {
		logger.Error("run failed", "error", runErr)
	}

	if shutdownAPI != nil && ctx.Err() == nil {
		logger.Info("first run finished, serving API until interrupted", "addr", cfg.ListenAddr)
		<-ctx.Done()
		logger.Info("shutting down...")
		r.Stop()
	}

	if runErr != nil {
		return 1
	}
	return 0
}

// serveAPI starts the HTTP API and returns a function that shuts it down.
func serveAPI(ctx context.Context, cfg *config.Config, r *runner.Runner, health transport.HealthChecker, logger *slog.Logger) func() {
	api := transport.NewServer(ctx, r, health, logger, cfg.CORSAllowedOrigins)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		api.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", "error", err)
		}
	}
}

// rpcHealth checks both RPC endpoints with getHealth.
type rpcHealth struct {
	read   *rpc.HTTPClient
	sender *rpc.HTTPClient
}

var _ transport.HealthChecker = rpcHealth{}

func (h rpcHealth) CheckReadRPC(ctx context.Context) error   { return h.read.Health(ctx) }
func (h rpcHealth) CheckSenderRPC(ctx context.Context) error { return h.sender.Health(ctx) }

func writeReport(w io.Writer, report *types.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
