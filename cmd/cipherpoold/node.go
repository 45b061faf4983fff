package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cipherpool/config"
	"cipherpool/core/events"
	"cipherpool/core/state"
	"cipherpool/crypto"
	"cipherpool/crypto/confidential"
	"cipherpool/native/common"
	"cipherpool/native/custody"
	"cipherpool/native/exchange"
	"cipherpool/native/oracle"
	"cipherpool/native/pool"
	"cipherpool/native/registry"
	"cipherpool/native/settlement"
	"cipherpool/observability"
	"cipherpool/rpc"
	"cipherpool/storage"
	"cipherpool/storage/eventlog"
)

const (
	postedSource = "posted"
	// recentEvents bounds the in-memory history kept without an event database.
	recentEvents = 10_000
)

// node owns the stores backing one pool module.
type node struct {
	db     *storage.LevelDB
	state  *state.Manager
	amm    *exchange.AMM
	module *pool.Module
	log    *eventlog.Log
	events rpc.EventSource
	hub    *rpc.Hub
}

func oracleSources(cfg *config.Config, client oracle.HTTPDoer) ([]string, map[string]oracle.Source) {
	priority := make([]string, 0, len(cfg.Oracle.Sources)+1)
	sources := make(map[string]oracle.Source, len(cfg.Oracle.Sources))
	for _, src := range cfg.Oracle.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" || name == postedSource {
			continue
		}
		apiKey := ""
		if src.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(src.APIKeyEnv))
		}
		priority = append(priority, name)
		sources[name] = oracle.NewHTTPSource(name, src.Endpoint, apiKey, client)
	}
	return append(priority, postedSource), sources
}

// openNode opens the state database and event log under cfg and assembles the
// pool module. admin receives pool registration and funding rights.
func openNode(cfg *config.Config, admin [20]byte, logger *slog.Logger) (*node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	n := &node{db: db, state: state.NewManager(db)}

	prices := oracle.NewStore(n.state)
	priority, sources := oracleSources(cfg, &http.Client{Timeout: 5 * time.Second})
	agg := oracle.NewAggregator(priority)
	for name, src := range sources {
		agg.Register(name, src)
	}
	agg.Register(postedSource, prices)
	n.amm = exchange.NewAMM(n.state)

	module, err := pool.New(pool.Deps{
		State:      n.state,
		Capability: confidential.NewPlainCapability(n.state),
		Custody:    custody.NewVault(n.state),
		Oracle:     agg,
		Exchange:   n.amm,
		Prices:     prices,
	}, pool.Config{
		Admin: admin,
		IntentQuota: common.Quota{
			MaxIntentsPerEpoch: cfg.Quota.MaxIntentsPerEpoch,
			EpochSeconds:       cfg.Quota.EpochSeconds,
		},
		DepositQuota: common.Quota{
			MaxVolumePerEpoch: cfg.Quota.MaxDepositPerEpoch,
			EpochSeconds:      cfg.Quota.EpochSeconds,
		},
		Settlement: settlement.Config{
			MaxPriceAge:     time.Duration(cfg.Settlement.MaxPriceAgeSeconds) * time.Second,
			MaxDeviationBps: cfg.Settlement.MaxDeviationBps,
		},
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	module.SetLogger(logger)
	n.module = module

	n.hub = rpc.NewHub()
	sinks := events.Fanout{n.hub, observability.Events()}
	if strings.EqualFold(strings.TrimSpace(cfg.EventLogDSN), config.EventLogDisabled) {
		recorder := events.NewRecorder(recentEvents)
		n.events = eventlog.NewRecent(recorder)
		sinks = append(sinks, recorder)
		logger.Warn("event database disabled, serving recent events from memory", "limit", recentEvents)
	} else {
		log, err := eventlog.Open(cfg.EventLogDSN)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open event log: %w", err)
		}
		log.SetLogger(logger)
		n.log, n.events = log, log
		sinks = append(sinks, log)
	}
	module.SetEmitter(sinks)

	for _, name := range cfg.Paused {
		module.Pause(strings.TrimSpace(name), true)
		logger.Warn("module paused at startup", "module", name)
	}
	return n, nil
}

// ensurePools registers configured pools that do not exist yet and seeds their
// exchange liquidity once. Restarting with the same configuration is a no-op.
func (n *node) ensurePools(cfg *config.Config, admin [20]byte, logger *slog.Logger) error {
	for i, entry := range cfg.Pools {
		id := registry.PoolID(registry.InstrumentID(entry.SymbolA), registry.InstrumentID(entry.SymbolB))
		p, err := n.module.Pool(id)
		switch {
		case err == nil:
		case errors.Is(err, registry.ErrPoolNotFound):
			authority, err := crypto.ParseParticipant(entry.Authority)
			if err != nil {
				return fmt.Errorf("pools[%d]: authority: %w", i, err)
			}
			p, err = n.module.RegisterPool(admin, entry.SymbolA, entry.SymbolB, authority, entry.FeedID)
			if err != nil {
				return fmt.Errorf("pools[%d]: %w", i, err)
			}
		default:
			return err
		}
		if err := n.seed(p, entry, cfg.Exchange.FeeBps); err != nil {
			return fmt.Errorf("pools[%d]: seed: %w", i, err)
		}
		logger.Info("pool ready", "pool", fmt.Sprintf("%x", p.ID), "pair", p.FeedID)
	}
	return nil
}

func (n *node) seed(p *registry.Pool, entry config.Pool, feeBps uint32) error {
	if _, ok, err := n.amm.Reserves(p.ID); err != nil || ok {
		return err
	}
	a, err := config.ParseAmount(entry.SeedA)
	if err != nil {
		return err
	}
	b, err := config.ParseAmount(entry.SeedB)
	if err != nil {
		return err
	}
	if a.Sign() == 0 && b.Sign() == 0 {
		return nil
	}
	// Seed amounts follow the configured symbol order.
	amount0, amount1 := a, b
	if registry.InstrumentID(entry.SymbolA) != p.Instrument0 {
		amount0, amount1 = b, a
	}
	if err := n.amm.Seed(p.ID, amount0, amount1, feeBps); err != nil {
		n.state.Discard()
		return err
	}
	return n.state.Commit()
}

func (n *node) Close() error {
	err := n.log.Close()
	n.db.Close()
	return err
}
