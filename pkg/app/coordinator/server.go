// Package coordinator implements app.Runner for the swap coordinator process.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/swap-coordinator/pkg/analyzer"
	apphttp "github.com/chainsafe/swap-coordinator/pkg/app/http"
	"github.com/chainsafe/swap-coordinator/pkg/auth"
	"github.com/chainsafe/swap-coordinator/pkg/config"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/executor"
	"github.com/chainsafe/swap-coordinator/pkg/intake"
	"github.com/chainsafe/swap-coordinator/pkg/keys"
	"github.com/chainsafe/swap-coordinator/pkg/monitor"
	"github.com/chainsafe/swap-coordinator/pkg/pgutil"
	"github.com/chainsafe/swap-coordinator/pkg/relay"
	"github.com/chainsafe/swap-coordinator/pkg/signer"
	"github.com/chainsafe/swap-coordinator/pkg/status"
)

const defaultHTTPMiddlewareTimeout = 60 * time.Second

// Server holds configuration for the coordinator process.
type Server struct {
	cfg *config.Config
}

func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the monitor, the executor and the HTTP surface. It blocks until
// an OS shutdown signal is received or one of them fails.
func (s *Server) Run() error {
	if s.cfg == nil {
		return errors.New("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging, "swap-coordinator")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting swap coordinator", zap.Int("chains", len(cfg.Chains)))

	store, err := openStore(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("Store opened", zap.String("driver", cfg.Database.Driver))

	masterKey, err := keys.ParseMasterKey(cfg.Secrets.MasterKey)
	if err != nil {
		return fmt.Errorf("parse master key: %w", err)
	}
	sealer, err := keys.NewSealer(masterKey)
	if err != nil {
		return fmt.Errorf("create sealer: %w", err)
	}

	signerTokens, err := auth.NewServiceTokens([]byte(cfg.Signer.JWTSecret), cfg.Signer.Issuer, cfg.Signer.Audience, cfg.Signer.TokenTTL)
	if err != nil {
		return fmt.Errorf("signer tokens: %w", err)
	}
	signerClient := signer.NewHTTPClient(cfg.Signer.URL, cfg.Signer.Timeout, signerTokens, cfg.Signer.Issuer, logger)

	lg, err := openLedgers(ctx, cfg.Chains, signerClient, store, logger)
	if err != nil {
		return fmt.Errorf("open ledgers: %w", err)
	}
	defer lg.Close()

	mon, err := monitor.New(lg.registry, store, watcherConfigs(cfg), cfg.Monitoring.EventBuffer, logger)
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}

	exec, err := s.newExecutor(lg, store, sealer, logger)
	if err != nil {
		return err
	}

	intakeSvc := intake.NewService(intake.Config{
		MinSafetyDepositBps: cfg.Analyzer.MinSafetyDepositBps,
		MinTimeToExpiry:     cfg.Analyzer.SafetyMargin,
	}, lg.registry, store, mon, logger)

	router := s.newRouter(intake.NewHandler(intakeSvc, logger), status.NewHandler(store, mon, logger), mon, logger)
	httpServer := apphttp.NewServer(&cfg.Server, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mon.Run(ctx); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return exec.Run(ctx, mon.Events())
	})
	g.Go(func() error {
		return apphttp.ServeAndWait(ctx, logger, httpServer, cfg.Shutdown.Timeout)
	})

	err = g.Wait()
	logger.Info("Swap coordinator stopped")
	return err
}

func openStore(cfg *config.DatabaseConfig) (db.Store, error) {
	if cfg.Driver == "bolt" {
		return db.NewBoltStore(cfg.BoltPath)
	}
	bunDB, err := pgutil.ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	return db.NewPGStore(bunDB), nil
}

func (s *Server) newExecutor(lg *ledgers, store db.Store, sealer *keys.Sealer, logger *zap.Logger) (*executor.Executor, error) {
	cfg := s.cfg

	policy, err := cfg.SafetyDepositPolicy()
	if err != nil {
		return nil, err
	}
	signatureFee, err := cfg.Analyzer.SignatureFeeDecimal()
	if err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal, len(cfg.Chains))
	confirmations := make(map[string]uint64, len(cfg.Chains))
	for i := range cfg.Chains {
		cc := &cfg.Chains[i]
		if prices[cc.ID], err = cc.PriceDecimal(); err != nil {
			return nil, fmt.Errorf("chain %s: %w", cc.ID, err)
		}
		confirmations[cc.ID] = cc.Confirmations
	}

	decider := analyzer.New(analyzer.Config{
		MarginBps:           cfg.Analyzer.MarginBps,
		MinSafetyDepositBps: cfg.Analyzer.MinSafetyDepositBps,
		MinExecutionTime:    cfg.Analyzer.MinExecutionTime,
		SafetyMargin:        cfg.Analyzer.SafetyMargin,
		SafetyDeposit:       policy,
	})
	estimator := analyzer.NewEstimator(lg.registry, analyzer.NewFeeConverter(prices), signatureFee)

	// secretRelay stays a nil interface when no relay is configured.
	var secretRelay executor.SecretRelay
	if cfg.Relay.URL != "" {
		tokens, err := auth.NewServiceTokens([]byte(cfg.Relay.JWTSecret), cfg.Relay.Issuer, cfg.Relay.Audience, cfg.Relay.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("relay tokens: %w", err)
		}
		secretRelay = relay.NewClient(cfg.Relay.URL, cfg.Relay.Timeout, tokens, cfg.Relay.Issuer, logger)
	} else {
		for _, a := range lg.registry.All() {
			if !a.Capabilities().ClaimForBeneficiary {
				logger.Warn("No secret relay configured; swaps into this chain cannot complete",
					zap.String("chain_id", a.ChainID()))
			}
		}
	}

	return executor.New(executorConfig(cfg, confirmations), store, lg.registry, decider, estimator, sealer, secretRelay, logger), nil
}

func executorConfig(cfg *config.Config, confirmations map[string]uint64) executor.Config {
	return executor.Config{
		MaxConcurrency:   cfg.Executor.MaxConcurrency,
		PollInterval:     cfg.Executor.PollInterval,
		MaxAttempts:      cfg.Executor.MaxAttempts,
		RetryDelay:       cfg.Executor.RetryDelay,
		MaxRetryDelay:    cfg.Executor.MaxRetryDelay,
		ClaimLatency:     cfg.Executor.ClaimLatency,
		TimelockMargin:   cfg.Swap.TimelockMargin,
		RebroadcastAfter: cfg.Executor.RebroadcastAfter,
		Confirmations:    confirmations,
		Timelocks:        cfg.Swap.TimelocksFor,
	}
}

func (s *Server) newRouter(orders *intake.Handler, views *status.Handler, mon *monitor.Monitor, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultHTTPMiddlewareTimeout))
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", readyHandler(mon))

	if !s.cfg.Monitoring.DisableMetrics {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	r.Route("/api/v1", func(r chi.Router) {
		orders.Register(r)
		views.Register(r)
	})

	return r
}

// readyHandler reports NOT_READY while any ledger watcher is degraded.
func readyHandler(watchers status.Watchers) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var degraded []string
		for _, st := range watchers.Status() {
			if st.Degraded {
				degraded = append(degraded, st.ChainID)
			}
		}
		if len(degraded) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY: " + strings.Join(degraded, ",")))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	}
}
