package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cipherpool/core/events"
	"cipherpool/crypto/confidential"
	"cipherpool/native/common"
	"cipherpool/native/exchange"
	"cipherpool/native/intents"
	"cipherpool/native/oracle"
	"cipherpool/native/registry"
	"cipherpool/observability"
)

// Journal exposes snapshot and revert over pending state writes.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int)
}

type PoolSource interface {
	Pool(id [32]byte) (*registry.Pool, error)
}

type Coordinator interface {
	Batch(id [32]byte) (*intents.Batch, error)
	Intent(id [32]byte) (*intents.Intent, error)
	MarkProcessed(id [32]byte) error
	MarkSettled(id [32]byte) error
}

type Ledger interface {
	Mint(caller [20]byte, pool, instrument [32]byte, owner [20]byte, amount confidential.Value) error
	Burn(caller [20]byte, pool, instrument [32]byte, owner [20]byte, amount confidential.Value) error
	Transfer(caller [20]byte, pool, instrument [32]byte, from, to [20]byte, amount confidential.Value) error
}

type Reserve interface {
	Deposit(pool, instrument [32]byte, amount *big.Int) error
	Withdraw(pool, instrument [32]byte, amount *big.Int) error
	RecordUnallocated(pool, instrument [32]byte, amount *big.Int) error
}

// Rebalancer mirrors a net swap into custody holdings.
type Rebalancer interface {
	Rebalance(pool, sold, bought [32]byte, amountIn, amountOut *big.Int) error
}

// Deps groups the collaborators the engine orchestrates. The engine owns no
// persistent state of its own.
type Deps struct {
	State       Journal
	Pools       PoolSource
	Coordinator Coordinator
	Ledger      Ledger
	Reserve     Reserve
	Capability  confidential.Capability
	Oracle      oracle.PriceOracle
	Exchange    exchange.NetExchange
}

// Engine validates settlement proposals and applies them atomically.
type Engine struct {
	deps    Deps
	cfg     Config
	custody Rebalancer
	emitter events.Emitter
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.SettlementMetrics
	guard   common.ReentrancyGuard
	nowFn   func() int64
	clock   func() time.Time
}

// NewEngine constructs a settlement engine.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.State == nil:
		return nil, fmt.Errorf("settlement: state journal required")
	case deps.Pools == nil, deps.Coordinator == nil:
		return nil, fmt.Errorf("settlement: pools and coordinator required")
	case deps.Ledger == nil, deps.Reserve == nil, deps.Capability == nil:
		return nil, fmt.Errorf("settlement: ledger, reserve and capability required")
	case deps.Oracle == nil, deps.Exchange == nil:
		return nil, fmt.Errorf("settlement: oracle and exchange required")
	}
	return &Engine{
		deps:    deps,
		cfg:     cfg.normalise(),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("cipherpool/settlement"),
		metrics: observability.Settlement(),
		nowFn:   func() int64 { return time.Now().Unix() },
		clock:   time.Now,
	}, nil
}

// SetEmitter configures the sink for settlement events. Events are only
// forwarded once a settlement succeeds.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetNowFunc overrides the clock used for intent expiry checks.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	e.nowFn = now
}

// SetCustody wires an optional custody mirror for net swaps.
func (e *Engine) SetCustody(custody Rebalancer) { e.custody = custody }

// Config returns the effective policy.
func (e *Engine) Config() Config { return e.cfg }

type settleRun struct {
	pool   *registry.Pool
	batch  *intents.Batch
	owners map[[32]byte]*intents.Intent
	buffer events.Buffer
	rcpt   *Receipt
}

// Settle applies proposal to a finalized batch. Either every step succeeds
// and the batch becomes Settled, or state is reverted to the pre-call
// snapshot and no event is emitted.
func (e *Engine) Settle(ctx context.Context, caller [20]byte, batchID [32]byte, proposal Proposal) (*Receipt, error) {
	release, err := e.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "settlement.settle",
		trace.WithAttributes(attribute.String("batch.id", fmt.Sprintf("%x", batchID))))
	defer span.End()

	run, err := e.prepare(caller, batchID, proposal)
	if err != nil {
		e.fail(span, "rejected", start, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("batch.seq", int64(run.batch.Seq)),
		attribute.Int("proposal.transfers", len(proposal.Transfers)),
		attribute.Bool("proposal.net_order", proposal.NetOrder != nil),
	)

	snapshot := e.deps.State.Snapshot()
	if err := e.apply(ctx, run, proposal); err != nil {
		e.deps.State.RevertToSnapshot(snapshot)
		run.buffer.Reset()
		e.logger.Warn("settlement: rolled back",
			"batch", fmt.Sprintf("%x", batchID),
			"seq", run.batch.Seq,
			"error", err)
		e.fail(span, "rolled_back", start, err)
		return nil, err
	}
	run.buffer.Flush(e.emitter)

	e.metrics.RecordTransfers(run.rcpt.Transfers)
	e.metrics.Observe("settled", e.clock().Sub(start))
	span.SetStatus(codes.Ok, "batch settled")
	e.logger.Info("settlement: batch settled",
		"batch", fmt.Sprintf("%x", batchID),
		"seq", run.batch.Seq,
		"intents", run.rcpt.Intents,
		"transfers", run.rcpt.Transfers,
		"amountIn", run.rcpt.AmountIn,
		"amountOut", run.rcpt.AmountOut,
		"dust", run.rcpt.Dust)
	return run.rcpt, nil
}

func (e *Engine) fail(span trace.Span, outcome string, start time.Time, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.metrics.Observe(outcome, e.clock().Sub(start))
}

// prepare performs every check that needs no mutation so rejected proposals
// never touch state.
func (e *Engine) prepare(caller [20]byte, batchID [32]byte, proposal Proposal) (*settleRun, error) {
	batch, err := e.deps.Coordinator.Batch(batchID)
	if err != nil {
		return nil, err
	}
	pool, err := e.deps.Pools.Pool(batch.Pool)
	if err != nil {
		return nil, err
	}
	if caller != pool.Authority {
		return nil, ErrUnauthorized
	}
	switch batch.Status {
	case intents.BatchFinalized:
	case intents.BatchSettled:
		return nil, ErrBatchAlreadySettled
	default:
		return nil, ErrBatchNotFinalized
	}
	if len(batch.Intents) == 0 {
		return nil, ErrEmptyBatch
	}
	run := &settleRun{
		pool:   pool,
		batch:  batch,
		owners: make(map[[32]byte]*intents.Intent),
		rcpt: &Receipt{
			BatchID: batch.ID,
			Pool:    pool.ID,
			Seq:     batch.Seq,
			Intents: len(batch.Intents),
		},
	}
	if err := e.validate(run, proposal); err != nil {
		return nil, err
	}
	return run, nil
}

func (e *Engine) intent(run *settleRun, id [32]byte) (*intents.Intent, error) {
	if cached, ok := run.owners[id]; ok {
		return cached, nil
	}
	if !run.batch.Contains(id) {
		return nil, fmt.Errorf("%w: %x", ErrIntentNotInBatch, id)
	}
	intent, err := e.deps.Coordinator.Intent(id)
	if err != nil {
		return nil, err
	}
	if intent.Processed {
		return nil, fmt.Errorf("%w: %x", ErrIntentAlreadyProcessed, id)
	}
	if intent.Expired(uint64(e.nowFn())) {
		return nil, fmt.Errorf("%w: %x", ErrIntentExpired, id)
	}
	run.owners[id] = intent
	return intent, nil
}

// recipients lists the addresses a transfer may credit: the settlement account
// and the owner of any batch intent.
func (e *Engine) recipients(run *settleRun) (map[[20]byte]struct{}, error) {
	out := map[[20]byte]struct{}{run.pool.Escrow: {}}
	for _, id := range run.batch.Intents {
		intent, err := e.deps.Coordinator.Intent(id)
		if err != nil {
			return nil, err
		}
		out[intent.Owner] = struct{}{}
	}
	return out, nil
}

func (e *Engine) validate(run *settleRun, proposal Proposal) error {
	var allowed map[[20]byte]struct{}
	if len(proposal.Transfers) > 0 {
		var err error
		if allowed, err = e.recipients(run); err != nil {
			return err
		}
	}
	instruments := make(map[[32]byte][32]byte)
	for i, tr := range proposal.Transfers {
		intent, err := e.intent(run, tr.IntentID)
		if err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		if tr.From != intent.Owner {
			return fmt.Errorf("transfer %d: %w", i, ErrOwnerMismatch)
		}
		if !run.pool.Has(tr.Instrument) {
			return fmt.Errorf("transfer %d: %w", i, ErrUnknownInstrument)
		}
		if prev, ok := instruments[tr.IntentID]; ok && prev != tr.Instrument {
			return fmt.Errorf("transfer %d: %w: intent drawn in two instruments", i, ErrTransferExceedsIntent)
		}
		instruments[tr.IntentID] = tr.Instrument
		if _, ok := allowed[tr.To]; !ok || tr.To == tr.From {
			return fmt.Errorf("transfer %d: %w", i, ErrInvalidRecipient)
		}
	}

	order := proposal.NetOrder
	if order == nil {
		if len(proposal.Distribution) > 0 {
			return fmt.Errorf("%w: distribution without net order", ErrInvalidShare)
		}
		return nil
	}
	if !run.pool.Has(order.Source) || !run.pool.Has(order.Destination) {
		return fmt.Errorf("net order: %w", ErrUnknownInstrument)
	}
	if order.Source == order.Destination || order.AmountIn == 0 {
		return ErrInvalidNetOrder
	}
	if order.ZeroForOne != (order.Source == run.pool.Instrument0) {
		return fmt.Errorf("%w: direction does not match source instrument", ErrInvalidNetOrder)
	}
	if len(proposal.Distribution) == 0 {
		return fmt.Errorf("%w: net order without distribution", ErrInvalidShare)
	}
	total := new(big.Rat)
	for i, share := range proposal.Distribution {
		if share.Denominator == 0 || share.Numerator > share.Denominator {
			return fmt.Errorf("share %d: %w", i, ErrInvalidShare)
		}
		if share.Participant == ([20]byte{}) {
			return fmt.Errorf("share %d: %w: zero participant", i, ErrInvalidShare)
		}
		intent, err := e.intent(run, share.IntentID)
		if err != nil {
			return fmt.Errorf("share %d: %w", i, err)
		}
		if share.Participant != intent.Owner {
			return fmt.Errorf("share %d: %w", i, ErrOwnerMismatch)
		}
		total.Add(total, new(big.Rat).SetFrac(
			new(big.Int).SetUint64(share.Numerator),
			new(big.Int).SetUint64(share.Denominator)))
	}
	if total.Cmp(big.NewRat(1, 1)) > 0 {
		return fmt.Errorf("%w: shares exceed the whole output", ErrInvalidShare)
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, run *settleRun, proposal Proposal) error {
	if err := e.applyTransfers(ctx, run, proposal.Transfers); err != nil {
		return err
	}
	var swapped bool
	if proposal.NetOrder != nil {
		out, err := e.executeNetOrder(ctx, run, *proposal.NetOrder)
		if err != nil {
			return err
		}
		if err := e.distribute(ctx, run, *proposal.NetOrder, out, proposal.Distribution); err != nil {
			return err
		}
		swapped = true
	}
	for _, id := range run.batch.Intents {
		if err := e.deps.Coordinator.MarkProcessed(id); err != nil {
			return err
		}
	}
	if err := e.deps.Coordinator.MarkSettled(run.batch.ID); err != nil {
		return err
	}
	run.buffer.Emit(events.BatchSettled{
		Batch:     run.batch.ID,
		Pool:      run.pool.ID,
		Seq:       run.batch.Seq,
		Intents:   len(run.batch.Intents),
		Transfers: len(proposal.Transfers),
		NetSwap:   swapped,
	})
	return nil
}

func (e *Engine) applyTransfers(ctx context.Context, run *settleRun, transfers []InternalTransfer) error {
	if len(transfers) == 0 {
		return nil
	}
	_, span := e.tracer.Start(ctx, "settlement.transfers",
		trace.WithAttributes(attribute.Int("count", len(transfers))))
	defer span.End()

	capability := e.deps.Capability
	operator := run.pool.Escrow
	for i, tr := range transfers {
		allowed, err := capability.Allowed(tr.Amount, run.pool.Authority)
		if err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		if !allowed {
			return fmt.Errorf("transfer %d: %w", i, confidential.ErrAccessDenied)
		}
	}
	if err := e.checkIntentBounds(run, transfers); err != nil {
		span.RecordError(err)
		return err
	}
	for i, tr := range transfers {
		if err := capability.Grant(tr.Amount, operator); err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		if err := e.deps.Ledger.Transfer(operator, run.pool.ID, tr.Instrument, tr.From, tr.To, tr.Amount); err != nil {
			span.RecordError(err)
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		run.buffer.Emit(events.SettlementTransfer{
			Batch:      run.batch.ID,
			Intent:     tr.IntentID,
			Instrument: tr.Instrument,
			From:       tr.From,
			To:         tr.To,
			Amount:     tr.Amount,
		})
	}
	run.rcpt.Transfers = len(transfers)
	return nil
}

// checkIntentBounds sums the transfers drawn against each intent and requires
// the intent amount to cover the sum. Only the comparison outcome is revealed.
func (e *Engine) checkIntentBounds(run *settleRun, transfers []InternalTransfer) error {
	capability := e.deps.Capability
	sums := make(map[[32]byte]confidential.Value)
	var order [][32]byte
	for i, tr := range transfers {
		sum, ok := sums[tr.IntentID]
		if !ok {
			sums[tr.IntentID] = tr.Amount
			order = append(order, tr.IntentID)
			continue
		}
		next, err := capability.Add(sum, tr.Amount)
		if err != nil {
			return fmt.Errorf("transfer %d: %w: %v", i, ErrTransferExceedsIntent, err)
		}
		sums[tr.IntentID] = next
	}
	for _, id := range order {
		covered, err := capability.GreaterOrEqual(run.owners[id].Amount, sums[id])
		if err != nil {
			return err
		}
		if !covered {
			return fmt.Errorf("%w: %x", ErrTransferExceedsIntent, id)
		}
	}
	return nil
}

// expectedOut converts amountIn through the oracle rate, quoted as
// instrument1 per instrument0.
func expectedOut(amountIn uint64, rate *big.Rat, zeroForOne bool) *big.Rat {
	in := new(big.Rat).SetInt(new(big.Int).SetUint64(amountIn))
	if zeroForOne {
		return in.Mul(in, rate)
	}
	return in.Quo(in, rate)
}

func (e *Engine) minOut(amountIn uint64, rate *big.Rat, zeroForOne bool) (uint64, error) {
	bound := expectedOut(amountIn, rate, zeroForOne)
	bound.Mul(bound, big.NewRat(int64(bpsDenominator-e.cfg.MaxDeviationBps), bpsDenominator))
	floor := new(big.Int).Quo(bound.Num(), bound.Denom())
	if !floor.IsUint64() {
		return 0, fmt.Errorf("%w: oracle-implied output exceeds range", ErrPriceDeviation)
	}
	return floor.Uint64(), nil
}

func (e *Engine) executeNetOrder(ctx context.Context, run *settleRun, order NetOrder) (uint64, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.net_swap",
		trace.WithAttributes(
			attribute.Bool("zero_for_one", order.ZeroForOne),
			attribute.Int64("amount_in", int64(order.AmountIn))))
	defer span.End()

	pool := run.pool
	price, err := e.deps.Oracle.GetPrice(pool.FeedID, e.cfg.MaxPriceAge)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, ErrStalePrice) {
			err = fmt.Errorf("%w: %v", ErrStalePrice, err)
		}
		return 0, err
	}
	minOut, err := e.minOut(order.AmountIn, price.Rate, order.ZeroForOne)
	if err != nil {
		return 0, err
	}
	// Reject a deviating market before any collateral moves.
	if quoter, ok := e.deps.Exchange.(exchange.Quoter); ok {
		quoted, err := quoter.Quote(pool.ID, order.ZeroForOne, order.AmountIn)
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("settlement: net swap quote: %w", err)
		}
		if quoted == 0 || quoted < minOut {
			return 0, fmt.Errorf("%w: quoted %d, want at least %d", ErrPriceDeviation, quoted, minOut)
		}
	}

	handle, err := e.deps.Capability.Encrypt(order.AmountIn)
	if err != nil {
		return 0, err
	}
	if err := e.deps.Capability.Grant(handle, pool.Escrow); err != nil {
		return 0, err
	}
	if err := e.deps.Ledger.Burn(pool.Escrow, pool.ID, order.Source, pool.Escrow, handle); err != nil {
		return 0, fmt.Errorf("net order input: %w", err)
	}
	amountIn := new(big.Int).SetUint64(order.AmountIn)
	if err := e.deps.Reserve.Withdraw(pool.ID, order.Source, amountIn); err != nil {
		return 0, fmt.Errorf("net order input: %w", err)
	}

	out, err := e.deps.Exchange.Execute(ctx, pool.ID, order.ZeroForOne, order.AmountIn, exchange.Hint{Price: price.Rate, MinOut: minOut})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("settlement: net swap: %w", err)
	}
	if out == 0 || out < minOut {
		return 0, fmt.Errorf("%w: got %d, want at least %d", ErrPriceDeviation, out, minOut)
	}
	amountOut := new(big.Int).SetUint64(out)
	if err := e.deps.Reserve.Deposit(pool.ID, order.Destination, amountOut); err != nil {
		return 0, err
	}
	if e.custody != nil {
		if err := e.custody.Rebalance(pool.ID, order.Source, order.Destination, amountIn, amountOut); err != nil {
			return 0, err
		}
	}
	e.metrics.RecordNetSwap(pool.Symbol(order.Source), pool.Symbol(order.Destination), amountIn, amountOut)
	run.rcpt.AmountIn = order.AmountIn
	run.rcpt.AmountOut = out
	run.rcpt.Price = new(big.Rat).Set(price.Rate)
	span.SetAttributes(attribute.Int64("amount_out", int64(out)))
	return out, nil
}

// Split computes each share of amountOut truncated toward zero. The sum never
// exceeds amountOut; the remainder is returned as dust.
func Split(amountOut uint64, shares []Share) ([]uint64, uint64, error) {
	total := uint256.NewInt(amountOut)
	amounts := make([]uint64, len(shares))
	sum := new(uint256.Int)
	for i, share := range shares {
		if share.Denominator == 0 || share.Numerator > share.Denominator {
			return nil, 0, ErrInvalidShare
		}
		portion, overflow := new(uint256.Int).MulDivOverflow(total,
			uint256.NewInt(share.Numerator), uint256.NewInt(share.Denominator))
		if overflow || !portion.IsUint64() {
			return nil, 0, ErrInvalidShare
		}
		amounts[i] = portion.Uint64()
		sum.Add(sum, portion)
	}
	if sum.Cmp(total) > 0 {
		return nil, 0, fmt.Errorf("%w: distributed %s exceeds output %d", ErrInvalidShare, sum, amountOut)
	}
	return amounts, amountOut - sum.Uint64(), nil
}

func (e *Engine) distribute(ctx context.Context, run *settleRun, order NetOrder, amountOut uint64, shares []Share) error {
	_, span := e.tracer.Start(ctx, "settlement.distribute",
		trace.WithAttributes(attribute.Int("shares", len(shares))))
	defer span.End()

	amounts, dust, err := Split(amountOut, shares)
	if err != nil {
		return err
	}
	pool := run.pool
	var distributed uint64
	for i, share := range shares {
		if amounts[i] == 0 {
			continue
		}
		handle, err := e.deps.Capability.Encrypt(amounts[i])
		if err != nil {
			return err
		}
		if err := e.deps.Capability.Grant(handle, pool.Escrow); err != nil {
			return err
		}
		if err := e.deps.Ledger.Mint(pool.Escrow, pool.ID, order.Destination, share.Participant, handle); err != nil {
			return fmt.Errorf("share %d: %w", i, err)
		}
		distributed += amounts[i]
	}
	if dust > 0 {
		if err := e.deps.Reserve.RecordUnallocated(pool.ID, order.Destination, new(big.Int).SetUint64(dust)); err != nil {
			return err
		}
		e.metrics.RecordDust(pool.Symbol(order.Destination), new(big.Int).SetUint64(dust))
	}
	run.rcpt.Distributed = distributed
	run.rcpt.Dust = dust
	run.buffer.Emit(events.SettlementNetSwap{
		Batch:       run.batch.ID,
		Pool:        pool.ID,
		ZeroForOne:  order.ZeroForOne,
		AmountIn:    new(big.Int).SetUint64(order.AmountIn),
		AmountOut:   new(big.Int).SetUint64(amountOut),
		Price:       run.rcpt.Price.FloatString(8),
		Distributed: new(big.Int).SetUint64(distributed),
		Dust:        new(big.Int).SetUint64(dust),
	})
	return nil
}
