// Package pool hosts the confidential batch swap modules behind a single
// entry point. Every mutating call runs inside a state snapshot: it either
// commits in full or leaves no trace, and its events are released only after
// the commit.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"cipherpool/core/events"
	"cipherpool/core/state"
	"cipherpool/crypto/confidential"
	"cipherpool/native/common"
	"cipherpool/native/custody"
	"cipherpool/native/exchange"
	"cipherpool/native/intents"
	"cipherpool/native/ledger"
	"cipherpool/native/oracle"
	"cipherpool/native/registry"
	"cipherpool/native/reserve"
	"cipherpool/native/settlement"
	"cipherpool/observability"
)

const (
	ModuleName     = "pool"
	IntentsModule  = "intents"
	SettleModule   = "settlement"
	quotaKeyPrefix = "pool/quota/"
)

var (
	ErrUnauthorized   = errors.New("pool: unauthorized caller")
	ErrInvalidAmount  = errors.New("pool: amount must be positive and fit in 64 bits")
	ErrNotConfigured  = errors.New("pool: module not configured")
	ErrNotFundable    = errors.New("pool: custody does not support funding")
	errPriceStoreMiss = errors.New("pool: price store not configured")
)

// Deps groups the external collaborators. State must be the same manager the
// capability and the reference exchange persist into so a rollback covers
// them too.
type Deps struct {
	State      *state.Manager
	Capability confidential.Capability
	Custody    custody.Custody
	Oracle     oracle.PriceOracle
	Exchange   exchange.NetExchange
	// Prices receives oracle_post observations. Optional.
	Prices *oracle.Store
}

// Config captures the host policy.
type Config struct {
	// Admin may register pools. A zero admin lets anyone register.
	Admin       [20]byte
	IntentQuota common.Quota
	// DepositQuota bounds plaintext collateral deposited per owner and epoch.
	DepositQuota common.Quota
	Settlement   settlement.Config
}

// Module wires the ledger, reserve, coordinator and settlement engine over one
// journaled state. It is not safe for concurrent use; callers serialise
// mutating calls.
type Module struct {
	state    *state.Manager
	cap      confidential.Capability
	custody  custody.Custody
	oracle   oracle.PriceOracle
	prices   *oracle.Store
	registry *registry.Registry
	ledger   *ledger.Ledger
	reserve  *reserve.Reserve
	coord    *intents.Coordinator
	engine   *settlement.Engine

	cfg     Config
	pauses  *common.Pauses
	guard   common.ReentrancyGuard
	buffer  events.Buffer
	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.PoolMetrics
	nowFn   func() int64
}

// New assembles the module.
func New(deps Deps, cfg Config) (*Module, error) {
	if deps.State == nil || deps.Capability == nil {
		return nil, fmt.Errorf("pool: state and capability required")
	}
	if deps.Custody == nil {
		return nil, fmt.Errorf("pool: custody required")
	}
	m := &Module{
		state:    deps.State,
		cap:      deps.Capability,
		custody:  deps.Custody,
		oracle:   deps.Oracle,
		prices:   deps.Prices,
		registry: registry.New(deps.State),
		ledger:   ledger.New(deps.State, deps.Capability),
		reserve:  reserve.New(deps.State),
		cfg:      cfg,
		pauses:   common.NewPauses(),
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		metrics:  observability.Pool(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
	m.coord = intents.NewCoordinator(deps.State, m.registry, m.ledger, deps.Capability)
	m.coord.SetQuota(cfg.IntentQuota)
	m.coord.SetEmitter(&m.buffer)
	m.coord.SetNowFunc(m.now)

	engine, err := settlement.NewEngine(settlement.Deps{
		State:       deps.State,
		Pools:       m.registry,
		Coordinator: m.coord,
		Ledger:      m.ledger,
		Reserve:     m.reserve,
		Capability:  deps.Capability,
		Oracle:      deps.Oracle,
		Exchange:    deps.Exchange,
	}, cfg.Settlement)
	if err != nil {
		return nil, err
	}
	engine.SetEmitter(&m.buffer)
	engine.SetNowFunc(m.now)
	if rebalancer, ok := deps.Custody.(settlement.Rebalancer); ok {
		engine.SetCustody(rebalancer)
	}
	m.engine = engine
	return m, nil
}

// SetEmitter configures the sink receiving committed events.
func (m *Module) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetLogger overrides the structured logger for the module and its engine.
func (m *Module) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	m.logger = logger
	m.engine.SetLogger(logger)
}

// SetNowFunc overrides the time source, primarily used in tests.
func (m *Module) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	m.nowFn = now
}

func (m *Module) now() int64 { return m.nowFn() }

// Pause engages or releases the pause guard of a sub-module.
func (m *Module) Pause(module string, paused bool) {
	m.pauses.Set(module, paused)
	m.metrics.SetPause(module, paused)
	m.logger.Warn("pool: pause toggled", "module", module, "paused", paused)
}

// Paused reports whether the named sub-module is paused.
func (m *Module) Paused(module string) bool { return m.pauses.IsPaused(module) }

// Ledger exposes the confidential ledger for reads.
func (m *Module) Ledger() *ledger.Ledger { return m.ledger }

// Coordinator exposes the intent coordinator for reads.
func (m *Module) Coordinator() *intents.Coordinator { return m.coord }

// Engine exposes the settlement engine.
func (m *Module) Engine() *settlement.Engine { return m.engine }

// run executes fn as one atomic operation.
func (m *Module) run(op, module string, fn func() error) (err error) {
	defer func() { m.metrics.ObserveOperation(op, err) }()
	release, err := m.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := common.Guard(m.pauses, module); err != nil {
		return err
	}
	snapshot := m.state.Snapshot()
	if err := fn(); err != nil {
		m.state.RevertToSnapshot(snapshot)
		m.buffer.Reset()
		return err
	}
	if err := m.state.Commit(); err != nil {
		m.state.Discard()
		m.buffer.Reset()
		m.logger.Error("pool: commit failed", "operation", op, "error", err)
		return err
	}
	if n := m.buffer.Len(); n > 0 {
		m.logger.Debug("pool: events released", "operation", op, "count", n)
	}
	m.buffer.Flush(m.emitter)
	return nil
}

// RegisterPool creates a pool for two symbols and provisions both account
// classes with the pool settlement account as mint authority and operator.
func (m *Module) RegisterPool(caller [20]byte, symbolA, symbolB string, authority [20]byte, feedID string) (*registry.Pool, error) {
	var created *registry.Pool
	err := m.run("register", ModuleName, func() error {
		if m.cfg.Admin != ([20]byte{}) && caller != m.cfg.Admin {
			return ErrUnauthorized
		}
		p, err := registry.NewPool(symbolA, symbolB, authority, feedID, uint64(m.now()))
		if err != nil {
			return err
		}
		if err := m.registry.Register(p); err != nil {
			return err
		}
		for _, instrument := range [][32]byte{p.Instrument0, p.Instrument1} {
			if err := m.ledger.Provision(ledger.Class{
				Pool:          p.ID,
				Instrument:    instrument,
				MintAuthority: p.Escrow,
				Operator:      p.Escrow,
			}); err != nil {
				return err
			}
		}
		m.buffer.Emit(events.PoolRegistered{
			Pool:      p.ID,
			Symbol0:   p.Symbol0,
			Symbol1:   p.Symbol1,
			Authority: p.Authority,
			Escrow:    p.Escrow,
		})
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("pool: registered", "pool", fmt.Sprintf("%x", created.ID), "pair", created.FeedID)
	return created, nil
}

func plainAmount(amount *big.Int) (uint64, error) {
	if amount == nil || amount.Sign() <= 0 || !amount.IsUint64() {
		return 0, ErrInvalidAmount
	}
	return amount.Uint64(), nil
}

func quotaKey(owner [20]byte) []byte {
	return append([]byte(quotaKeyPrefix), owner[:]...)
}

func (m *Module) consumeDepositQuota(owner [20]byte, amount uint64) error {
	q := m.cfg.DepositQuota
	if q.MaxVolumePerEpoch == 0 {
		return nil
	}
	var prev common.QuotaNow
	if _, err := m.state.KVGet(quotaKey(owner), &prev); err != nil {
		return err
	}
	next, err := common.CheckQuota(q, q.Epoch(m.now()), prev, 0, amount)
	if err != nil {
		return err
	}
	return m.state.KVPut(quotaKey(owner), next)
}

// handleFor encrypts plain and grants the pool settlement account access so
// it can mint or burn with the handle.
func (m *Module) handleFor(p *registry.Pool, plain uint64) (confidential.Value, error) {
	handle, err := m.cap.Encrypt(plain)
	if err != nil {
		return confidential.Value{}, err
	}
	if err := m.cap.Grant(handle, p.Escrow); err != nil {
		return confidential.Value{}, err
	}
	return handle, nil
}

func (m *Module) poolInstrument(poolID, instrument [32]byte) (*registry.Pool, error) {
	p, err := m.registry.Pool(poolID)
	if err != nil {
		return nil, err
	}
	if !p.Has(instrument) {
		return nil, fmt.Errorf("%w: %x", settlement.ErrUnknownInstrument, instrument)
	}
	return p, nil
}

func (m *Module) publishNetHeld(p *registry.Pool, instrument [32]byte) {
	held, err := m.reserve.NetHeld(p.ID, instrument)
	if err != nil {
		return
	}
	m.metrics.RecordNetHeld(p.FeedID, p.Symbol(instrument), held)
}

// Deposit pulls collateral from the owner into custody, records it in the
// reserve and mints the same amount into the owner's confidential account.
func (m *Module) Deposit(ctx context.Context, owner [20]byte, poolID, instrument [32]byte, amount *big.Int) error {
	var p *registry.Pool
	err := m.run("deposit", ModuleName, func() error {
		plain, err := plainAmount(amount)
		if err != nil {
			return err
		}
		if owner == ([20]byte{}) {
			return ledger.ErrZeroRecipient
		}
		p, err = m.poolInstrument(poolID, instrument)
		if err != nil {
			return err
		}
		if err := m.consumeDepositQuota(owner, plain); err != nil {
			return err
		}
		if err := m.custody.Pull(ctx, owner, p.ID, instrument, amount); err != nil {
			return err
		}
		if err := m.reserve.Deposit(p.ID, instrument, amount); err != nil {
			return err
		}
		handle, err := m.handleFor(p, plain)
		if err != nil {
			return err
		}
		if err := m.ledger.Mint(p.Escrow, p.ID, instrument, owner, handle); err != nil {
			return err
		}
		m.buffer.Emit(events.PoolDeposit{Pool: p.ID, Instrument: instrument, Owner: owner, Amount: new(big.Int).Set(amount)})
		return nil
	})
	if err == nil {
		m.publishNetHeld(p, instrument)
	}
	return err
}

// Withdraw burns amount from the owner's confidential balance, releases the
// collateral from the reserve and pushes it back to the owner.
func (m *Module) Withdraw(ctx context.Context, owner [20]byte, poolID, instrument [32]byte, amount *big.Int) error {
	var p *registry.Pool
	err := m.run("withdraw", ModuleName, func() error {
		plain, err := plainAmount(amount)
		if err != nil {
			return err
		}
		p, err = m.poolInstrument(poolID, instrument)
		if err != nil {
			return err
		}
		handle, err := m.handleFor(p, plain)
		if err != nil {
			return err
		}
		if err := m.ledger.Burn(p.Escrow, p.ID, instrument, owner, handle); err != nil {
			return err
		}
		if err := m.reserve.Withdraw(p.ID, instrument, amount); err != nil {
			return err
		}
		if err := m.custody.Push(ctx, owner, p.ID, instrument, amount); err != nil {
			return err
		}
		m.buffer.Emit(events.PoolWithdrawal{Pool: p.ID, Instrument: instrument, Owner: owner, Amount: new(big.Int).Set(amount)})
		return nil
	})
	if err == nil {
		m.publishNetHeld(p, instrument)
	}
	return err
}

// Encrypt creates a handle for plain that only owner may use.
func (m *Module) Encrypt(owner [20]byte, plain uint64) (confidential.Value, error) {
	var handle confidential.Value
	err := m.run("encrypt", ModuleName, func() error {
		if owner == ([20]byte{}) {
			return ledger.ErrZeroRecipient
		}
		v, err := m.cap.Encrypt(plain)
		if err != nil {
			return err
		}
		if err := m.cap.Grant(v, owner); err != nil {
			return err
		}
		handle = v
		return nil
	})
	return handle, err
}

// Reveal decrypts a handle for a principal holding access to it.
func (m *Module) Reveal(principal [20]byte, v confidential.Value) (uint64, error) {
	return m.cap.Decrypt(v, principal)
}

// SubmitIntent queues an encrypted swap request in the pool's open batch.
func (m *Module) SubmitIntent(owner [20]byte, poolID [32]byte, amount, direction confidential.Value, expiry uint64) ([32]byte, error) {
	var id [32]byte
	err := m.run("submit_intent", IntentsModule, func() error {
		var err error
		id, err = m.coord.SubmitIntent(owner, poolID, amount, direction, expiry)
		return err
	})
	return id, err
}

// FinalizeBatch closes the pool's open batch.
func (m *Module) FinalizeBatch(poolID [32]byte) (*intents.Batch, error) {
	var batch *intents.Batch
	err := m.run("finalize_batch", IntentsModule, func() error {
		var err error
		batch, err = m.coord.FinalizeBatch(poolID)
		return err
	})
	return batch, err
}

// Settle applies the authority's proposal to a finalized batch.
func (m *Module) Settle(ctx context.Context, caller [20]byte, batchID [32]byte, proposal settlement.Proposal) (*settlement.Receipt, error) {
	var receipt *settlement.Receipt
	err := m.run("settle", SettleModule, func() error {
		var err error
		receipt, err = m.engine.Settle(ctx, caller, batchID, proposal)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p, perr := m.registry.Pool(receipt.Pool); perr == nil {
		m.publishNetHeld(p, p.Instrument0)
		m.publishNetHeld(p, p.Instrument1)
	}
	return receipt, nil
}

// Authorize lets grantee decrypt the owner's balances in one pool instrument.
func (m *Module) Authorize(caller [20]byte, poolID, instrument [32]byte, owner, grantee [20]byte) error {
	return m.run("authorize", ModuleName, func() error {
		if _, err := m.poolInstrument(poolID, instrument); err != nil {
			return err
		}
		return m.ledger.Authorize(caller, poolID, instrument, owner, grantee)
	})
}

// PostPrice records an oracle observation for the pool feed. Only the pool
// authority may post.
func (m *Module) PostPrice(caller [20]byte, poolID [32]byte, rate *big.Rat, ts time.Time) error {
	return m.run("post_price", ModuleName, func() error {
		if m.prices == nil {
			return errPriceStoreMiss
		}
		p, err := m.registry.Pool(poolID)
		if err != nil {
			return err
		}
		if caller != p.Authority {
			return ErrUnauthorized
		}
		return m.prices.Post(p.FeedID, rate, ts, "authority")
	})
}

// Funder is implemented by custodies that can credit external wallets
// directly, such as the reference vault.
type Funder interface {
	Fund(owner [20]byte, instrument [32]byte, amount *big.Int) error
}

// Fund credits an external wallet in custody. Only the admin may fund, and
// only when an admin is configured.
func (m *Module) Fund(caller, owner [20]byte, instrument [32]byte, amount *big.Int) error {
	return m.run("fund", ModuleName, func() error {
		if m.cfg.Admin == ([20]byte{}) || caller != m.cfg.Admin {
			return ErrUnauthorized
		}
		funder, ok := m.custody.(Funder)
		if !ok {
			return ErrNotFundable
		}
		if _, err := plainAmount(amount); err != nil {
			return err
		}
		if owner == ([20]byte{}) {
			return ledger.ErrZeroRecipient
		}
		return funder.Fund(owner, instrument, amount)
	})
}

// Wallet returns the external wallet balance held by a funder custody.
func (m *Module) Wallet(owner [20]byte, instrument [32]byte) (*big.Int, error) {
	wallets, ok := m.custody.(interface {
		Wallet(owner [20]byte, instrument [32]byte) (*big.Int, error)
	})
	if !ok {
		return nil, ErrNotFundable
	}
	return wallets.Wallet(owner, instrument)
}

// Pool returns a registered pool.
func (m *Module) Pool(id [32]byte) (*registry.Pool, error) { return m.registry.Pool(id) }

// Pools lists every registered pool.
func (m *Module) Pools() ([]*registry.Pool, error) { return m.registry.List() }

// Balance returns the owner's balance handle.
func (m *Module) Balance(poolID, instrument [32]byte, owner [20]byte) (confidential.Value, bool, error) {
	if _, err := m.poolInstrument(poolID, instrument); err != nil {
		return confidential.Value{}, false, err
	}
	return m.ledger.Balance(poolID, instrument, owner)
}

// Reserve returns the reserve record of a pool instrument.
func (m *Module) Reserve(poolID, instrument [32]byte) (*reserve.Record, error) {
	if _, err := m.poolInstrument(poolID, instrument); err != nil {
		return nil, err
	}
	return m.reserve.Get(poolID, instrument)
}

// Batch returns a batch by id.
func (m *Module) Batch(id [32]byte) (*intents.Batch, error) { return m.coord.Batch(id) }

// CurrentBatch returns the pool's open batch.
func (m *Module) CurrentBatch(poolID [32]byte) (*intents.Batch, error) {
	return m.coord.CurrentBatch(poolID)
}

// Intent returns an intent by id.
func (m *Module) Intent(id [32]byte) (*intents.Intent, error) { return m.coord.Intent(id) }

// OracleHealth reports per-feed observation history when the configured
// oracle records one.
func (m *Module) OracleHealth() []oracle.FeedHealth {
	if reporter, ok := m.oracle.(oracle.HealthReporter); ok {
		return reporter.Health()
	}
	return nil
}
