package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"liquidatord/chain"
	"liquidatord/config"
	"liquidatord/liquidator"
	"liquidatord/observability/logging"
	telemetry "liquidatord/observability/otel"
)

func main() {
	if err := run(); err != nil {
		slog.Error("liquidatord exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to liquidatord config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LIQUIDATOR_ENV"))
	logging.Setup("liquidatord", env)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("liquidatord", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	policy, err := liquidator.NewPolicy(cfg.PolicyOverrides())
	if err != nil {
		return fmt.Errorf("build policy: %w", err)
	}

	signer, err := keystoreSigner(cfg)
	if err != nil {
		return err
	}

	client, err := chain.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()
	backend := chain.Throttle(client, cfg.Chain.RPCRateLimit)

	logger := slog.Default()

	contract, err := chain.NewContractCaller(backend, cfg.ContractAddress(), signer, logger)
	if err != nil {
		return fmt.Errorf("bind contract: %w", err)
	}
	cache, err := chain.NewCache(backend, contract, cfg.CheckpointPath, cfg.Chain.StartBlock, logger)
	if err != nil {
		return fmt.Errorf("open state cache: %w", err)
	}
	defer func() { _ = cache.Close() }()

	gas, err := chain.NewGasEstimator(backend, cfg.Chain.GasPremiumBps)
	if err != nil {
		return fmt.Errorf("build gas estimator: %w", err)
	}
	feed, err := chain.NewPriceFeed(backend, cfg.PriceFeedAddress(), cfg.Chain.PriceFeedMaxAge, logger)
	if err != nil {
		return fmt.Errorf("bind price feed: %w", err)
	}

	engine, err := liquidator.New(cfg.OperatorAccount(), policy, cache, gas, feed, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := adminServer(cfg.Admin.ListenAddress)
	errs := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "addr", cfg.Admin.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	go runEngine(stopCtx, engine, cfg.PollInterval, logger)

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// runEngine alternates liquidation and withdrawal passes until the
// context is cancelled. Pass failures are logged and the loop keeps
// going; a transiently broken node should not kill the daemon.
func runEngine(ctx context.Context, engine *liquidator.Liquidator, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := engine.QueryAndLiquidate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("liquidation pass failed", "err", err)
		}
		if err := engine.QueryAndWithdrawRewards(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("withdrawal pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func adminServer(listen string) *http.Server {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         listen,
		Handler:      otelhttp.NewHandler(router, "liquidatord-admin"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// keystoreSigner unlocks the operator account and returns a signer
// bound to the configured chain id.
func keystoreSigner(cfg config.Config) (bind.SignerFn, error) {
	passphrase, err := cfg.KeystorePassphrase()
	if err != nil {
		return nil, err
	}
	ks := keystore.NewKeyStore(cfg.Keystore.Path, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.Find(accounts.Account{Address: cfg.OperatorAccount()})
	if err != nil {
		return nil, fmt.Errorf("find operator account: %w", err)
	}
	if err := ks.Unlock(account, passphrase); err != nil {
		return nil, fmt.Errorf("unlock operator account: %w", err)
	}
	opts, err := bind.NewKeyStoreTransactorWithChainID(ks, account, big.NewInt(cfg.Chain.ChainID))
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	return opts.Signer, nil
}
