package main

import (
	"context"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"intentrails/internal/bridge"
	"intentrails/internal/config"
	"intentrails/internal/erc20"
	"intentrails/internal/executor"
	"intentrails/internal/idempotency"
	"intentrails/internal/metrics"
	"intentrails/internal/notify"
	"intentrails/internal/server"
	"intentrails/internal/settlement"
	"intentrails/internal/sweeper"
	"intentrails/internal/validator"
)

// devBalance is credited to every dev account for each supported token.
var devBalance = new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18))

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	logger := newLogger(cfg.Service)

	principals, err := cfg.Deployment.Principals()
	if err != nil {
		logger.Fatalf("deployment error: %v", err)
	}
	tokens, err := cfg.SupportedTokens()
	if err != nil {
		logger.Fatalf("seed tokens: %v", err)
	}

	ctx := context.Background()
	reg := metrics.New()
	var checks []server.HealthCheck

	sinks := []notify.NamedSink{{Name: "log", Sink: notify.LogSink{Logger: logger}}}
	var natsConn *nats.Conn
	if cfg.Notify.NATSURL != "" {
		natsConn, err = notify.DialNATS(cfg.Notify.NATSURL, cfg.Chain.RPCTimeout, logger)
		if err != nil {
			logger.Fatalf("nats error: %v", err)
		}
		defer natsConn.Drain()
		sinks = append(sinks, notify.NamedSink{Name: "nats", Sink: notify.NewNATSSink(natsConn, cfg.Notify.SubjectPrefix)})
		checks = append(checks, server.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !natsConn.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}})
	}
	if cfg.Notify.PostgresDSN != "" {
		archive, err := notify.NewPostgresSink(ctx, cfg.Notify.PostgresDSN)
		if err != nil {
			logger.Fatalf("event archive error: %v", err)
		}
		defer archive.Close()
		sinks = append(sinks, notify.NamedSink{Name: "postgres", Sink: archive})
		checks = append(checks, server.HealthCheck{Name: "event_archive", Check: archive.Ping})
	}

	emitter := notify.NewEmitter(notify.EmitterConfig{
		Retry: notify.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: int(cfg.Retry.BackoffMultiplier),
		},
		DLQPath:  cfg.Service.DLQPath,
		Logger:   logger,
		Observer: reg,
	}, sinks...)
	emitter.UpdateDLQDepth()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := emitter.Close(drainCtx); err != nil {
			logger.WithError(err).Warn("event queue not drained")
		}
	}()

	var (
		balances   validator.BalanceSource
		allowances validator.AllowanceSource
		bridgeCli  bridge.Client   = bridge.FakeClient{}
		swapper    bridge.Swapper  = bridge.PassThrough{}
		refunder   bridge.Refunder = bridge.FakeClient{}
	)
	if cfg.Chain.DevMode() {
		logger.Warn("no RPC key configured, running on in-memory ledger and fake bridge")
		ledger := erc20.NewLedger()
		fundDevAccounts(ledger, tokens, principals.Executor, devAccounts(principals.Owner))
		balances, allowances = ledger, ledger
	} else {
		reader, err := erc20.NewReader(ctx, cfg.Chain.RPCURL)
		if err != nil {
			logger.Fatalf("erc20 reader error: %v", err)
		}
		defer reader.Close()
		balances, allowances = reader, reader

		ethClient, err := bridge.NewEthClient(ctx, bridge.EthClientConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			ContractRouter: cfg.Deployment.Contracts.BridgeRouter,
			ContractSwap:   cfg.Deployment.Contracts.SwapRouter,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
		})
		if err != nil {
			logger.Fatalf("bridge client error: %v", err)
		}
		bridgeCli, refunder = ethClient, ethClient
		if ethClient.HasSwapRouter() {
			swapper = ethClient
		}
		checks = append(checks, server.HealthCheck{Name: "rpc", Check: ethClient.Ping})
	}

	gate, err := validator.New(validator.Config{
		Owner:      principals.Owner,
		Balances:   balances,
		Allowances: allowances,
		Notifier:   emitter,
	})
	if err != nil {
		logger.Fatalf("validator error: %v", err)
	}
	for _, chainID := range cfg.Seed.SupportedChains {
		if err := gate.AddSupportedChain(ctx, principals.Owner, chainID); err != nil {
			logger.Fatalf("seed chain %d: %v", chainID, err)
		}
	}
	for _, token := range tokens {
		if err := gate.AddSupportedToken(ctx, principals.Owner, token); err != nil {
			logger.Fatalf("seed token %s: %v", token.Hex(), err)
		}
	}

	verifier, err := settlement.New(settlement.Config{
		Owner:           principals.Owner,
		ExecutorAddress: principals.Executor,
		BridgeAddress:   principals.Bridge,
		Refunder:        refunder,
		Notifier:        emitter,
		Timeout:         cfg.Service.SettlementTimeout,
	})
	if err != nil {
		logger.Fatalf("settlement verifier error: %v", err)
	}

	exec, err := executor.New(executor.Config{
		Owner:            principals.Owner,
		Self:             principals.Executor,
		ValidatorAddress: principals.Validator,
		BridgeAddress:    principals.Bridge,
		Validator:        gate,
		Bridge:           bridgeCli,
		Swapper:          swapper,
		Tracker:          verifier,
		Notifier:         emitter,
	})
	if err != nil {
		logger.Fatalf("executor error: %v", err)
	}

	store, closeStore, err := idempotency.Open(ctx, idempotency.Options{
		Backend:       cfg.Idempotency.Backend,
		FilePath:      cfg.Idempotency.FilePath,
		PostgresDSN:   cfg.Idempotency.PostgresDSN,
		RedisAddr:     cfg.Idempotency.RedisAddr,
		RedisPassword: cfg.Idempotency.RedisPassword,
		RedisDB:       cfg.Idempotency.RedisDB,
	})
	if err != nil {
		logger.Fatalf("idempotency store error: %v", err)
	}
	defer closeStore()
	if p, ok := store.(pinger); ok {
		checks = append(checks, server.HealthCheck{Name: "idempotency_" + cfg.Idempotency.Backend, Check: p.Ping})
	}

	if natsConn != nil {
		listener := bridge.NewDeliveryListener(natsConn, cfg.Notify.DeliverySubject, principals.Bridge, verifier, logger)
		if err := listener.Start(); err != nil {
			logger.Fatalf("delivery listener error: %v", err)
		}
		defer listener.Stop()
	}

	sweep := sweeper.New(sweeper.Config{
		Intents:     exec,
		Settlements: verifier,
		Caller:      principals.Executor,
		Interval:    cfg.Service.SweepInterval,
		Logger:      logger,
		Observer:    reg,
	})
	sweep.Start()
	defer sweep.Stop()

	apiServer := server.NewServer(cfg, principals, server.Deps{
		Validator:   gate,
		Executor:    exec,
		Settlements: verifier,
		Store:       store,
		Metrics:     reg,
		Logger:      logger,
		Checks:      checks,
		DLQDepth:    emitter.UpdateDLQDepth,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Info("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
}

func newLogger(svc config.ServiceConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if strings.EqualFold(svc.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(svc.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// devAccounts reads DEV_ACCOUNTS (comma separated) and falls back to the owner.
func devAccounts(owner common.Address) []common.Address {
	raw := os.Getenv("DEV_ACCOUNTS")
	if raw == "" {
		return []common.Address{owner}
	}
	var out []common.Address
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if common.IsHexAddress(part) {
			out = append(out, common.HexToAddress(part))
		}
	}
	return out
}

func fundDevAccounts(ledger *erc20.Ledger, tokens []common.Address, spender common.Address, accounts []common.Address) {
	for _, token := range tokens {
		for _, account := range accounts {
			ledger.SetBalance(token, account, devBalance)
			ledger.Approve(token, account, spender, devBalance)
		}
	}
}
