package infrastructure

import (
	"context"

	"perka/internal/chain"
	"perka/internal/config"
	"perka/internal/fraud"
	"perka/internal/repository"
	"perka/internal/service"
	"perka/internal/settlement"
	transportHTTP "perka/internal/transport/http"
	transportNATS "perka/internal/transport/nats"
	"perka/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN(), cfg.DBMaxConns, cfg.DBConnLifetime)
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr(), cfg.RedisPoolSize)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)
	bus := transportNATS.NewBus(nc)

	// Persistence.
	ledgerRepo := repository.NewLedgerRepo(db)
	ruleRepo := repository.NewRuleRepo(db)
	settlementRepo := repository.NewSettlementRepo(db)

	// Fraud.
	guard := fraud.NewGuard(fraud.NewRedisCounter(rdb), fraud.Limits{
		Window:     cfg.FraudWindow,
		FlagCount:  int64(cfg.FraudFlagCount),
		BlockCount: int64(cfg.FraudBlockCount),
	})
	postChecker := fraud.NewPostChecker(ledgerRepo, cfg.FraudPostCheckCap, cfg.FraudWindow)

	var svc service.LedgerService = service.New(ledgerRepo, ruleRepo, settlementRepo, guard, bus)

	// Chain adapters. Only configured endpoints are registered; a tenant
	// bound to an absent adapter surfaces as a job failure, not a panic.
	var adapters []chain.Adapter
	if cfg.ObjectChainURL != "" {
		adapters = append(adapters, chain.NewObjectChainAdapter(
			cfg.ObjectChainURL, cfg.ObjectChainAPIKey, cfg.ObjectChainSponsorBudget, cfg.ChainTimeout))
	}
	if cfg.AccountChainURL != "" {
		adapters = append(adapters, chain.NewAccountChainAdapter(
			cfg.AccountChainURL, cfg.AccountChainAPIKey, cfg.AccountChainFeePayers, cfg.ChainTimeout))
	}
	if cfg.EVMRelayURL != "" {
		adapters = append(adapters, chain.NewEVMRelayAdapter(
			cfg.EVMRelayURL, cfg.EVMRelayAPIKey, cfg.EVMRelayForwarder, cfg.ChainTimeout))
	}

	orch := settlement.NewOrchestrator(settlementRepo, ledgerRepo, chain.NewRegistry(adapters...), bus, settlement.Options{
		MaxAttempts:       cfg.SettlementMaxAttempts,
		BackoffBase:       cfg.SettlementBackoffBase,
		BackoffCap:        cfg.SettlementBackoffCap,
		BatchSize:         cfg.SettlementBatchSize,
		PollInterval:      cfg.SettlementPollInterval,
		PollBudget:        cfg.SettlementPollBudget,
		InFlightAge:       cfg.ReconcileInFlightAge,
		TenantConcurrency: cfg.TenantWorkerConcurrency,
	})

	servers := []Server{
		transportNATS.NewHandler(svc, nc),
		worker.NewSettlementWorker(orch, nc),
		worker.NewFraudWorker(postChecker, ledgerRepo, svc, nc),
		worker.NewSweeper(orch, cfg.DispatchInterval, cfg.ReconcileInterval),
		worker.NewExpirySweeper(ledgerRepo, cfg.ExpiryInterval, cfg.ExpiryBatchSize),
	}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, svc))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in
// reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
