package rpc

import (
	"context"
	"strings"
	"time"

	"cipherpool/native/oracle"
	"cipherpool/native/pool"
	"cipherpool/storage/eventlog"
)

type poolRegisterParams struct {
	SymbolA   string `json:"symbolA"`
	SymbolB   string `json:"symbolB"`
	Authority string `json:"authority"`
	FeedID    string `json:"feedId,omitempty"`
}

func (s *Server) handlePoolRegister(_ context.Context, c *call) (interface{}, error) {
	var params poolRegisterParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	authority, err := parseAddress("authority", params.Authority)
	if err != nil {
		return nil, err
	}
	p, err := s.backend.RegisterPool(c.caller, params.SymbolA, params.SymbolB, authority, params.FeedID)
	if err != nil {
		return nil, err
	}
	return poolResult(p), nil
}

type poolParams struct {
	Pool string `json:"pool"`
}

func (s *Server) handlePoolGet(_ context.Context, c *call) (interface{}, error) {
	var params poolParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	id, err := parseHash("pool", params.Pool)
	if err != nil {
		return nil, err
	}
	p, err := s.backend.Pool(id)
	if err != nil {
		return nil, err
	}
	return poolResult(p), nil
}

func (s *Server) handlePoolList(_ context.Context, c *call) (interface{}, error) {
	if len(c.params) > 0 {
		return nil, invalidParams("no parameters expected")
	}
	pools, err := s.backend.Pools()
	if err != nil {
		return nil, err
	}
	out := make([]PoolResult, 0, len(pools))
	for _, p := range pools {
		out = append(out, poolResult(p))
	}
	return out, nil
}

type collateralParams struct {
	Pool       string `json:"pool"`
	Instrument string `json:"instrument"`
	Amount     string `json:"amount"`
}

func (p collateralParams) parse() (poolID, instrument [32]byte, err error) {
	if poolID, err = parseHash("pool", p.Pool); err != nil {
		return
	}
	instrument, err = parseInstrument(p.Instrument)
	return
}

type collateralResult struct {
	Balance string `json:"balance"`
}

func (s *Server) moveCollateral(ctx context.Context, c *call, deposit bool) (interface{}, error) {
	var params collateralParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	poolID, instrument, err := params.parse()
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		return nil, err
	}
	if deposit {
		err = s.backend.Deposit(ctx, c.caller, poolID, instrument, amount)
	} else {
		err = s.backend.Withdraw(ctx, c.caller, poolID, instrument, amount)
	}
	if err != nil {
		return nil, err
	}
	balance, _, err := s.backend.Balance(poolID, instrument, c.caller)
	if err != nil {
		return nil, err
	}
	return collateralResult{Balance: handleString(balance)}, nil
}

func (s *Server) handlePoolDeposit(ctx context.Context, c *call) (interface{}, error) {
	return s.moveCollateral(ctx, c, true)
}

func (s *Server) handlePoolWithdraw(ctx context.Context, c *call) (interface{}, error) {
	return s.moveCollateral(ctx, c, false)
}

func (s *Server) handleReserveGet(_ context.Context, c *call) (interface{}, error) {
	var params collateralParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	poolID, instrument, err := params.parse()
	if err != nil {
		return nil, err
	}
	rec, err := s.backend.Reserve(poolID, instrument)
	if err != nil {
		return nil, err
	}
	return ReserveResult{
		Pool:        hex32(rec.Pool),
		Instrument:  hex32(rec.Instrument),
		Deposits:    rec.Deposits.String(),
		Withdrawals: rec.Withdrawals.String(),
		Unallocated: rec.Unallocated.String(),
		NetHeld:     rec.NetHeld().String(),
	}, nil
}

type pauseParams struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handlePoolPause(_ context.Context, c *call) (interface{}, error) {
	var params pauseParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	if s.admin == ([20]byte{}) || c.caller != s.admin {
		return nil, pool.ErrUnauthorized
	}
	module := strings.ToLower(strings.TrimSpace(params.Module))
	switch module {
	case pool.ModuleName, pool.IntentsModule, pool.SettleModule:
	default:
		return nil, invalidParams("unknown module %q", params.Module)
	}
	s.backend.Pause(module, params.Paused)
	return map[string]interface{}{"module": module, "paused": s.backend.Paused(module)}, nil
}

type intentSubmitParams struct {
	Pool      string `json:"pool"`
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
	Expiry    uint64 `json:"expiry,omitempty"`
}

func (s *Server) handleIntentSubmit(_ context.Context, c *call) (interface{}, error) {
	var params intentSubmitParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	poolID, err := parseHash("pool", params.Pool)
	if err != nil {
		return nil, err
	}
	amount, err := parseValue("amount", params.Amount)
	if err != nil {
		return nil, err
	}
	direction, err := parseValue("direction", params.Direction)
	if err != nil {
		return nil, err
	}
	id, err := s.backend.SubmitIntent(c.caller, poolID, amount, direction, params.Expiry)
	if err != nil {
		return nil, err
	}
	intent, err := s.backend.Intent(id)
	if err != nil {
		return nil, err
	}
	return intentResult(intent), nil
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) handleIntentGet(_ context.Context, c *call) (interface{}, error) {
	var params idParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	id, err := parseHash("id", params.ID)
	if err != nil {
		return nil, err
	}
	intent, err := s.backend.Intent(id)
	if err != nil {
		return nil, err
	}
	return intentResult(intent), nil
}

func (s *Server) handleBatchFinalize(_ context.Context, c *call) (interface{}, error) {
	var params poolParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	poolID, err := parseHash("pool", params.Pool)
	if err != nil {
		return nil, err
	}
	batch, err := s.backend.FinalizeBatch(poolID)
	if err != nil {
		return nil, err
	}
	return batchResult(batch), nil
}

func (s *Server) handleBatchGet(_ context.Context, c *call) (interface{}, error) {
	var params idParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	id, err := parseHash("id", params.ID)
	if err != nil {
		return nil, err
	}
	batch, err := s.backend.Batch(id)
	if err != nil {
		return nil, err
	}
	return batchResult(batch), nil
}

func (s *Server) handleBatchCurrent(_ context.Context, c *call) (interface{}, error) {
	var params poolParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	poolID, err := parseHash("pool", params.Pool)
	if err != nil {
		return nil, err
	}
	batch, err := s.backend.CurrentBatch(poolID)
	if err != nil {
		return nil, err
	}
	return batchResult(batch), nil
}

func (s *Server) handleBatchSettle(ctx context.Context, c *call) (interface{}, error) {
	var params settleParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	batchID, err := parseHash("batch", params.Batch)
	if err != nil {
		return nil, err
	}
	proposal, err := params.proposal()
	if err != nil {
		return nil, err
	}
	receipt, err := s.backend.Settle(ctx, c.caller, batchID, proposal)
	if err != nil {
		return nil, err
	}
	return receiptResult(receipt), nil
}

type balanceParams struct {
	Pool       string `json:"pool"`
	Instrument string `json:"instrument"`
	Owner      string `json:"owner"`
}

func (s *Server) handleLedgerBalance(_ context.Context, c *call) (interface{}, error) {
	var params balanceParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	poolID, err := parseHash("pool", params.Pool)
	if err != nil {
		return nil, err
	}
	instrument, err := parseInstrument(params.Instrument)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		return nil, err
	}
	balance, exists, err := s.backend.Balance(poolID, instrument, owner)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"balance": handleString(balance), "exists": exists}, nil
}

type authorizeParams struct {
	Pool       string `json:"pool"`
	Instrument string `json:"instrument"`
	Grantee    string `json:"grantee"`
}

func (s *Server) handleLedgerAuthorize(_ context.Context, c *call) (interface{}, error) {
	var params authorizeParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	poolID, err := parseHash("pool", params.Pool)
	if err != nil {
		return nil, err
	}
	instrument, err := parseInstrument(params.Instrument)
	if err != nil {
		return nil, err
	}
	grantee, err := parseAddress("grantee", params.Grantee)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Authorize(c.caller, poolID, instrument, c.caller, grantee); err != nil {
		return nil, err
	}
	return map[string]bool{"authorized": true}, nil
}

type handleParams struct {
	Handle string `json:"handle"`
}

// handleLedgerReveal decrypts for the authenticated caller only.
func (s *Server) handleLedgerReveal(_ context.Context, c *call) (interface{}, error) {
	var params handleParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	v, err := parseValue("handle", params.Handle)
	if err != nil {
		return nil, err
	}
	plain, err := s.backend.Reveal(c.caller, v)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"value": plain}, nil
}

type encryptParams struct {
	Value uint64 `json:"value"`
}

func (s *Server) handleEncrypt(_ context.Context, c *call) (interface{}, error) {
	var params encryptParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	v, err := s.backend.Encrypt(c.caller, params.Value)
	if err != nil {
		return nil, err
	}
	return map[string]string{"handle": handleString(v)}, nil
}

type oraclePostParams struct {
	Pool      string `json:"pool"`
	Rate      string `json:"rate"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (s *Server) handleOraclePost(_ context.Context, c *call) (interface{}, error) {
	var params oraclePostParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	poolID, err := parseHash("pool", params.Pool)
	if err != nil {
		return nil, err
	}
	rate, err := oracle.ParseRate(params.Rate)
	if err != nil {
		return nil, invalidParams("rate: %v", err)
	}
	ts := s.nowFn()
	if params.Timestamp > 0 {
		ts = time.Unix(params.Timestamp, 0)
	}
	if err := s.backend.PostPrice(c.caller, poolID, rate, ts); err != nil {
		return nil, err
	}
	return map[string]interface{}{"rate": rate.FloatString(18), "timestamp": ts.Unix()}, nil
}

func (s *Server) handleOracleHealth(_ context.Context, _ *call) (interface{}, error) {
	feeds := s.backend.OracleHealth()
	out := make([]FeedHealthResult, 0, len(feeds))
	for _, feed := range feeds {
		out = append(out, feedHealthResult(feed))
	}
	return out, nil
}

type eventsParams struct {
	Type     string `json:"type,omitempty"`
	Pool     string `json:"pool,omitempty"`
	AfterSeq uint64 `json:"afterSeq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (s *Server) handleEventsList(ctx context.Context, c *call) (interface{}, error) {
	if s.events == nil {
		return nil, errEventsUnavailable
	}
	var params eventsParams
	if len(c.params) > 0 {
		if err := c.decode(&params); err != nil {
			return nil, err
		}
	}
	filter := eventlog.Filter{Type: params.Type, AfterSeq: params.AfterSeq, Limit: params.Limit}
	if params.Pool != "" {
		poolID, err := parseHash("pool", params.Pool)
		if err != nil {
			return nil, err
		}
		filter.Pool = strings.TrimPrefix(hex32(poolID), "0x")
	}
	records, err := s.events.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]EventResult, 0, len(records))
	for _, rec := range records {
		evt, err := rec.Event()
		if err != nil {
			return nil, err
		}
		out = append(out, EventResult{
			Seq:        rec.Seq,
			ID:         rec.EventID.String(),
			Type:       evt.Type,
			Attributes: evt.Attributes,
			RecordedAt: rec.RecordedAt.Unix(),
		})
	}
	return out, nil
}

type fundParams struct {
	Owner      string `json:"owner"`
	Instrument string `json:"instrument"`
	Amount     string `json:"amount,omitempty"`
}

func (p fundParams) parse() (owner [20]byte, instrument [32]byte, err error) {
	if owner, err = parseAddress("owner", p.Owner); err != nil {
		return
	}
	instrument, err = parseInstrument(p.Instrument)
	return
}

func (s *Server) handleCustodyFund(ctx context.Context, c *call) (interface{}, error) {
	var params fundParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	owner, instrument, err := params.parse()
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Fund(c.caller, owner, instrument, amount); err != nil {
		return nil, err
	}
	return s.handleCustodyWallet(ctx, &call{params: c.params})
}

func (s *Server) handleCustodyWallet(_ context.Context, c *call) (interface{}, error) {
	var params fundParams
	if err := c.decode(&params); err != nil {
		return nil, err
	}
	owner, instrument, err := params.parse()
	if err != nil {
		return nil, err
	}
	balance, err := s.backend.Wallet(owner, instrument)
	if err != nil {
		return nil, err
	}
	return map[string]string{"balance": balance.String()}, nil
}
