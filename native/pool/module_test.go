package pool

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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
	"cipherpool/native/settlement"
	"cipherpool/storage"
)

var (
	authority = [20]byte{0xAA}
	alice     = [20]byte{0xA1}
	bob       = [20]byte{0xB0}
	carol     = [20]byte{0xC0}
)

type fixture struct {
	t        *testing.T
	state    *state.Manager
	cap      *confidential.PlainCapability
	vault    *custody.Vault
	amm      *exchange.AMM
	module   *Module
	pool     *registry.Pool
	x, y     [32]byte
	recorder *events.Recorder
	now      int64
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{t: t, now: 1_700_000_000}
	f.state = state.NewManager(storage.NewMemDB())
	f.cap = confidential.NewPlainCapability(f.state)
	f.vault = custody.NewVault(f.state)
	f.amm = exchange.NewAMM(f.state)
	prices := oracle.NewStore(f.state)
	agg := oracle.NewAggregator([]string{"posted"})
	agg.Register("posted", prices)
	agg.SetNowFunc(func() time.Time { return time.Unix(f.now, 0) })

	module, err := New(Deps{
		State:      f.state,
		Capability: f.cap,
		Custody:    f.vault,
		Oracle:     agg,
		Exchange:   f.amm,
		Prices:     prices,
	}, cfg)
	require.NoError(t, err)
	module.SetNowFunc(func() int64 { return f.now })
	f.recorder = events.NewRecorder(0)
	module.SetEmitter(f.recorder)
	f.module = module

	f.pool, err = module.RegisterPool(cfg.Admin, "X", "Y", authority, "")
	require.NoError(t, err)
	f.x, f.y = f.pool.Instrument0, f.pool.Instrument1
	require.NoError(t, module.PostPrice(authority, f.pool.ID, big.NewRat(1, 1), time.Unix(f.now, 0)))

	require.NoError(t, f.amm.Seed(f.pool.ID, big.NewInt(1_000_000_000), big.NewInt(1_000_000_000), 30))
	for _, owner := range [][20]byte{alice, bob, carol} {
		require.NoError(t, f.vault.Fund(owner, f.x, big.NewInt(10_000)))
		require.NoError(t, f.vault.Fund(owner, f.y, big.NewInt(10_000)))
	}
	require.NoError(t, f.state.Commit())
	return f
}

func (f *fixture) balance(owner [20]byte, instrument [32]byte) uint64 {
	f.t.Helper()
	v, ok, err := f.module.Balance(f.pool.ID, instrument, owner)
	require.NoError(f.t, err)
	if !ok {
		return 0
	}
	plain, err := f.module.Reveal(owner, v)
	require.NoError(f.t, err)
	return plain
}

func (f *fixture) encrypt(owner [20]byte, plain uint64) confidential.Value {
	f.t.Helper()
	v, err := f.module.Encrypt(owner, plain)
	require.NoError(f.t, err)
	return v
}

func TestRegisterPool(t *testing.T) {
	admin := [20]byte{0xAD}
	f := newFixture(t, Config{Admin: admin})

	require.True(t, f.module.Ledger().Provisioned(f.pool.ID, f.x))
	require.True(t, f.module.Ledger().Provisioned(f.pool.ID, f.y))
	class, err := f.module.Ledger().Class(f.pool.ID, f.x)
	require.NoError(t, err)
	require.Equal(t, f.pool.Escrow, class.MintAuthority)
	require.Equal(t, f.pool.Escrow, class.Operator)

	_, err = f.module.RegisterPool(admin, "y", "x", authority, "")
	require.ErrorIs(t, err, registry.ErrPoolExists)
	_, err = f.module.RegisterPool(alice, "X", "Z", authority, "")
	require.ErrorIs(t, err, ErrUnauthorized)

	pools, err := f.module.Pools()
	require.NoError(t, err)
	require.Len(t, pools, 1)
	require.Len(t, f.recorder.Events(events.TypePoolRegistered), 1)
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.module.Deposit(ctx, alice, f.pool.ID, f.x, big.NewInt(600)))
	require.EqualValues(t, 600, f.balance(alice, f.x))
	wallet, _ := f.vault.Wallet(alice, f.x)
	require.EqualValues(t, 9_400, wallet.Int64())
	held, _ := f.vault.Held(f.pool.ID, f.x)
	require.EqualValues(t, 600, held.Int64())

	require.NoError(t, f.module.Withdraw(ctx, alice, f.pool.ID, f.x, big.NewInt(200)))
	require.EqualValues(t, 400, f.balance(alice, f.x))
	rec, err := f.module.Reserve(f.pool.ID, f.x)
	require.NoError(t, err)
	require.EqualValues(t, 400, rec.NetHeld().Int64())

	err = f.module.Withdraw(ctx, alice, f.pool.ID, f.x, big.NewInt(401))
	require.ErrorIs(t, err, ledger.ErrInsufficientConfidentialBalance)
	require.EqualValues(t, 400, f.balance(alice, f.x))
	require.Zero(t, f.state.Pending())

	require.Len(t, f.recorder.Events(events.TypePoolDeposit), 1)
	require.Len(t, f.recorder.Events(events.TypePoolWithdrawal), 1)
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.ErrorIs(t, f.module.Deposit(ctx, alice, f.pool.ID, f.x, big.NewInt(0)), ErrInvalidAmount)
	overflow := new(big.Int).Lsh(big.NewInt(1), 64)
	require.ErrorIs(t, f.module.Deposit(ctx, alice, f.pool.ID, f.x, overflow), ErrInvalidAmount)
	require.ErrorIs(t, f.module.Deposit(ctx, alice, [32]byte{0x01}, f.x, big.NewInt(1)), registry.ErrPoolNotFound)
	require.ErrorIs(t, f.module.Deposit(ctx, alice, f.pool.ID, [32]byte{0x02}, big.NewInt(1)), settlement.ErrUnknownInstrument)

	err := f.module.Deposit(ctx, alice, f.pool.ID, f.x, big.NewInt(10_001))
	require.ErrorIs(t, err, custody.ErrInsufficientFunds)
	rec, err := f.module.Reserve(f.pool.ID, f.x)
	require.NoError(t, err)
	require.Zero(t, rec.NetHeld().Sign())
	require.Empty(t, f.recorder.Events(events.TypePoolDeposit))
}

func TestDepositQuota(t *testing.T) {
	f := newFixture(t, Config{DepositQuota: common.Quota{MaxVolumePerEpoch: 500, EpochSeconds: 3600}})
	ctx := context.Background()

	require.NoError(t, f.module.Deposit(ctx, alice, f.pool.ID, f.x, big.NewInt(300)))
	require.ErrorIs(t, f.module.Deposit(ctx, alice, f.pool.ID, f.y, big.NewInt(300)), common.ErrQuotaVolumeExceeded)
	require.NoError(t, f.module.Deposit(ctx, bob, f.pool.ID, f.x, big.NewInt(300)))

	f.now += 3600
	require.NoError(t, f.module.Deposit(ctx, alice, f.pool.ID, f.y, big.NewInt(300)))
}

func TestPauseGuard(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.module.Pause(ModuleName, true)
	require.ErrorIs(t, f.module.Deposit(ctx, alice, f.pool.ID, f.x, big.NewInt(1)), common.ErrModulePaused)
	f.module.Pause(ModuleName, false)
	require.NoError(t, f.module.Deposit(ctx, alice, f.pool.ID, f.x, big.NewInt(10)))

	amount := f.encrypt(alice, 5)
	direction := f.encrypt(alice, 1)
	f.module.Pause(IntentsModule, true)
	_, err := f.module.SubmitIntent(alice, f.pool.ID, amount, direction, 0)
	require.ErrorIs(t, err, common.ErrModulePaused)
	require.True(t, f.module.Paused(IntentsModule))
}

func TestFundRequiresAdmin(t *testing.T) {
	admin := [20]byte{0xAD}
	f := newFixture(t, Config{Admin: admin})
	require.ErrorIs(t, f.module.Fund(alice, alice, f.x, big.NewInt(5)), ErrUnauthorized)
	require.ErrorIs(t, f.module.Fund(admin, alice, f.x, big.NewInt(0)), ErrInvalidAmount)
	require.NoError(t, f.module.Fund(admin, alice, f.x, big.NewInt(5)))
	wallet, err := f.module.Wallet(alice, f.x)
	require.NoError(t, err)
	require.EqualValues(t, 10_005, wallet.Int64())

	open := newFixture(t, Config{})
	require.ErrorIs(t, open.module.Fund(alice, alice, open.x, big.NewInt(5)), ErrUnauthorized)
}

func TestPostPriceRequiresAuthority(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.module.PostPrice(alice, f.pool.ID, big.NewRat(2, 1), time.Unix(f.now, 0))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSettleThroughAMM(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.module.Deposit(ctx, alice, f.pool.ID, f.x, big.NewInt(300)))

	id, err := f.module.SubmitIntent(alice, f.pool.ID, f.encrypt(alice, 300), f.encrypt(alice, 1), 0)
	require.NoError(t, err)
	batch, err := f.module.FinalizeBatch(f.pool.ID)
	require.NoError(t, err)

	proposal := settlement.Proposal{
		Transfers: []settlement.InternalTransfer{{
			IntentID: id, From: alice, To: f.pool.Escrow, Instrument: f.x, Amount: f.encrypt(authority, 300),
		}},
		NetOrder:     &settlement.NetOrder{ZeroForOne: true, AmountIn: 300, Source: f.x, Destination: f.y},
		Distribution: []settlement.Share{{IntentID: id, Participant: alice, Numerator: 1, Denominator: 1}},
	}
	receipt, err := f.module.Settle(ctx, authority, batch.ID, proposal)
	require.NoError(t, err)
	require.EqualValues(t, 300, receipt.AmountIn)
	require.NotZero(t, receipt.AmountOut)
	require.Equal(t, receipt.AmountOut, f.balance(alice, f.y))
	require.Zero(t, f.balance(alice, f.x))

	heldX, _ := f.vault.Held(f.pool.ID, f.x)
	heldY, _ := f.vault.Held(f.pool.ID, f.y)
	require.Zero(t, heldX.Sign())
	require.EqualValues(t, receipt.AmountOut, heldY.Uint64())

	settled, err := f.module.Batch(batch.ID)
	require.NoError(t, err)
	require.Equal(t, intents.BatchSettled, settled.Status)
	require.Len(t, f.recorder.Events(events.TypeSettlementBatchSettle), 1)
	require.Len(t, f.recorder.Events(events.TypeIntentSubmitted), 1)
	require.Len(t, f.recorder.Events(events.TypeBatchFinalized), 1)

	health := f.module.OracleHealth()
	require.Len(t, health, 1)
	require.Equal(t, oracle.NormalizeFeed(f.pool.FeedID), health[0].Feed)
	require.Zero(t, health[0].Median.Cmp(receipt.Price))

	_, err = f.module.Settle(ctx, authority, batch.ID, proposal)
	require.ErrorIs(t, err, settlement.ErrBatchAlreadySettled)
}

func TestSettleStaleOracleLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.module.Deposit(ctx, alice, f.pool.ID, f.x, big.NewInt(300)))
	id, err := f.module.SubmitIntent(alice, f.pool.ID, f.encrypt(alice, 300), f.encrypt(alice, 1), 0)
	require.NoError(t, err)
	batch, err := f.module.FinalizeBatch(f.pool.ID)
	require.NoError(t, err)
	transferAmount := f.encrypt(authority, 300)
	before, _, _ := f.amm.Reserves(f.pool.ID)

	f.now += 601
	_, err = f.module.Settle(ctx, authority, batch.ID, settlement.Proposal{
		Transfers: []settlement.InternalTransfer{{
			IntentID: id, From: alice, To: f.pool.Escrow, Instrument: f.x, Amount: transferAmount,
		}},
		NetOrder:     &settlement.NetOrder{ZeroForOne: true, AmountIn: 300, Source: f.x, Destination: f.y},
		Distribution: []settlement.Share{{IntentID: id, Participant: alice, Numerator: 1, Denominator: 1}},
	})
	require.ErrorIs(t, err, settlement.ErrStalePrice)
	require.Zero(t, f.state.Pending())
	require.EqualValues(t, 300, f.balance(alice, f.x))
	after, _, _ := f.amm.Reserves(f.pool.ID)
	require.Zero(t, before.Reserve0.Cmp(after.Reserve0))
	require.Empty(t, f.recorder.Events(events.TypeSettlementTransfer))
}

type reentrantExchange struct {
	module *Module
	batch  [32]byte
	err    error
}

func (r *reentrantExchange) Execute(ctx context.Context, _ [32]byte, _ bool, amountIn uint64, _ exchange.Hint) (uint64, error) {
	_, r.err = r.module.Settle(ctx, authority, r.batch, settlement.Proposal{})
	return amountIn, nil
}

func TestNestedSettleIsRejected(t *testing.T) {
	st := state.NewManager(storage.NewMemDB())
	capability := confidential.NewPlainCapability(st)
	vault := custody.NewVault(st)
	prices := oracle.NewStore(st)
	agg := oracle.NewAggregator([]string{"posted"})
	agg.Register("posted", prices)
	now := int64(1_700_000_000)
	agg.SetNowFunc(func() time.Time { return time.Unix(now, 0) })
	ex := &reentrantExchange{}
	module, err := New(Deps{State: st, Capability: capability, Custody: vault, Oracle: agg, Exchange: ex, Prices: prices}, Config{})
	require.NoError(t, err)
	module.SetNowFunc(func() int64 { return now })
	ex.module = module

	p, err := module.RegisterPool([20]byte{}, "X", "Y", authority, "")
	require.NoError(t, err)
	require.NoError(t, module.PostPrice(authority, p.ID, big.NewRat(1, 1), time.Unix(now, 0)))
	require.NoError(t, vault.Fund(alice, p.Instrument0, big.NewInt(100)))
	require.NoError(t, module.Deposit(context.Background(), alice, p.ID, p.Instrument0, big.NewInt(100)))
	amount, err := module.Encrypt(alice, 100)
	require.NoError(t, err)
	direction, err := module.Encrypt(alice, 1)
	require.NoError(t, err)
	id, err := module.SubmitIntent(alice, p.ID, amount, direction, 0)
	require.NoError(t, err)
	batch, err := module.FinalizeBatch(p.ID)
	require.NoError(t, err)
	ex.batch = batch.ID
	transfer, err := module.Encrypt(authority, 100)
	require.NoError(t, err)

	_, err = module.Settle(context.Background(), authority, batch.ID, settlement.Proposal{
		Transfers: []settlement.InternalTransfer{{
			IntentID: id, From: alice, To: p.Escrow, Instrument: p.Instrument0, Amount: transfer,
		}},
		NetOrder:     &settlement.NetOrder{ZeroForOne: true, AmountIn: 100, Source: p.Instrument0, Destination: p.Instrument1},
		Distribution: []settlement.Share{{IntentID: id, Participant: alice, Numerator: 1, Denominator: 1}},
	})
	require.NoError(t, err)
	require.ErrorIs(t, ex.err, common.ErrReentrant)
}

// TestConservationAgainstShadowLedger drives random operations and checks
// after each one that every reserve equals the balances it backs plus the
// recorded dust, and that the balances match a plaintext shadow.
func TestConservationAgainstShadowLedger(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	participants := [][20]byte{alice, bob, carol}
	shadow := map[[32]byte]map[[20]byte]uint64{f.x: {}, f.y: {}}

	check := func(step int) {
		for _, instrument := range [][32]byte{f.x, f.y} {
			var sum uint64
			for _, p := range participants {
				got := f.balance(p, instrument)
				require.Equalf(t, shadow[instrument][p], got, "step %d: shadow mismatch", step)
				sum += got
			}
			escrow := f.balance(f.pool.Escrow, instrument)
			require.Zerof(t, escrow, "step %d: settlement account must be drained", step)
			rec, err := f.module.Reserve(f.pool.ID, instrument)
			require.NoError(t, err)
			backed := new(big.Int).Add(new(big.Int).SetUint64(sum), rec.Unallocated)
			require.Zerof(t, rec.NetHeld().Cmp(backed), "step %d: net held %s, backed %s", step, rec.NetHeld(), backed)
			held, err := f.vault.Held(f.pool.ID, instrument)
			require.NoError(t, err)
			require.Zerof(t, held.Cmp(rec.NetHeld()), "step %d: custody %s, reserve %s", step, held, rec.NetHeld())
		}
	}

	for step := 0; step < 60; step++ {
		p := participants[rng.Intn(len(participants))]
		instrument := f.x
		if rng.Intn(2) == 1 {
			instrument = f.y
		}
		amount := uint64(1 + rng.Intn(500))
		switch rng.Intn(3) {
		case 0:
			err := f.module.Deposit(ctx, p, f.pool.ID, instrument, new(big.Int).SetUint64(amount))
			if err == nil {
				shadow[instrument][p] += amount
			} else {
				require.ErrorIs(t, err, custody.ErrInsufficientFunds)
			}
		case 1:
			err := f.module.Withdraw(ctx, p, f.pool.ID, instrument, new(big.Int).SetUint64(amount))
			if shadow[instrument][p] >= amount {
				require.NoError(t, err)
				shadow[instrument][p] -= amount
			} else {
				require.ErrorIs(t, err, ledger.ErrInsufficientConfidentialBalance)
			}
		default:
			have := shadow[f.x][p]
			if have == 0 {
				continue
			}
			sell := 1 + uint64(rng.Int63n(int64(have)))
			id, err := f.module.SubmitIntent(p, f.pool.ID, f.encrypt(p, sell), f.encrypt(p, 1), 0)
			require.NoError(t, err)
			batch, err := f.module.FinalizeBatch(f.pool.ID)
			require.NoError(t, err)
			receipt, err := f.module.Settle(ctx, authority, batch.ID, settlement.Proposal{
				Transfers: []settlement.InternalTransfer{{
					IntentID: id, From: p, To: f.pool.Escrow, Instrument: f.x, Amount: f.encrypt(authority, sell),
				}},
				NetOrder:     &settlement.NetOrder{ZeroForOne: true, AmountIn: sell, Source: f.x, Destination: f.y},
				Distribution: []settlement.Share{{IntentID: id, Participant: p, Numerator: 1, Denominator: 1}},
			})
			if errors.Is(err, settlement.ErrPriceDeviation) {
				// a single-unit order can round to nothing through the fee
				continue
			}
			require.NoError(t, err)
			shadow[f.x][p] -= sell
			shadow[f.y][p] += receipt.Distributed
		}
		check(step)
	}
}
