package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/OrangeOmy/ContextSwap/internal/api"
	"github.com/OrangeOmy/ContextSwap/internal/bot"
	"github.com/OrangeOmy/ContextSwap/internal/chain"
	"github.com/OrangeOmy/ContextSwap/internal/config"
	"github.com/OrangeOmy/ContextSwap/internal/ledger"
	"github.com/OrangeOmy/ContextSwap/internal/metrics"
	"github.com/OrangeOmy/ContextSwap/internal/relay"
	"github.com/OrangeOmy/ContextSwap/internal/session"
	"github.com/OrangeOmy/ContextSwap/internal/store"
	"github.com/OrangeOmy/ContextSwap/internal/verification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	adapters := chain.Registry{}
	var networks []api.Network
	if cfg.EVMRPCURL != "" {
		evm := chain.NewEVMAdapter(cfg.EVMChainID, cfg.EVMRPCURL, cfg.CallTimeout, logger)
		adapters[evm.Network()] = evm
		networks = append(networks, api.Network{
			Tag: "evm", NetworkID: evm.Network(), Asset: "CFX", Decimals: 18,
		})
	}
	if cfg.TronRPCURL != "" {
		tron := chain.NewTronAdapter(cfg.TronChainID, cfg.TronRPCURL, cfg.TronAPIKey, cfg.CallTimeout, logger)
		adapters[tron.Network()] = tron
		networks = append(networks, api.Network{
			Tag: "tron", NetworkID: tron.Network(), Asset: "TRX", Decimals: 6,
		})
	}

	recorder := metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)
	verifier := verification.New(adapters)
	settler := ledger.New(st, verifier, adapters, recorder, logger)

	discord, err := bot.New(cfg.DiscordToken, logger)
	if err != nil {
		return err
	}

	orchestrator := session.NewOrchestrator(st, discord, session.Config{
		SpaceID:     cfg.SpaceChannelID,
		FlushMarker: cfg.FlushMarker,
		EndMarker:   cfg.EndMarker,
	}, recorder, logger)

	messageRelay := relay.New(st, discord, orchestrator, recorder, logger)
	discord.SetSink(messageRelay)

	server := api.New(cfg.WebBind, cfg.JWTSecret, st, settler, orchestrator, networks, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go messageRelay.Run(ctx)

	if err := discord.Start(); err != nil {
		return err
	}
	defer discord.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
