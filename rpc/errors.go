package rpc

import (
	"errors"
	"net/http"

	"cipherpool/crypto/confidential"
	"cipherpool/native/common"
	"cipherpool/native/custody"
	"cipherpool/native/exchange"
	"cipherpool/native/intents"
	"cipherpool/native/ledger"
	"cipherpool/native/oracle"
	"cipherpool/native/pool"
	"cipherpool/native/registry"
	"cipherpool/native/reserve"
	"cipherpool/native/settlement"
)

var errEventsUnavailable = errors.New("event log unavailable")

type errorClass struct {
	status int
	code   int
	errs   []error
}

// errorClasses is matched in order; the first class with a matching sentinel
// wins.
var errorClasses = []errorClass{
	{http.StatusUnauthorized, codeUnauthorized, []error{
		pool.ErrUnauthorized, ledger.ErrUnauthorized, settlement.ErrUnauthorized,
		confidential.ErrAccessDenied, ledger.ErrValueNotAllowed,
	}},
	{http.StatusNotFound, codeNotFound, []error{
		registry.ErrPoolNotFound, intents.ErrBatchNotFound, intents.ErrIntentNotFound,
		intents.ErrNoActiveBatch, ledger.ErrTokenNotProvisioned, confidential.ErrUnknownValue,
		oracle.ErrFeedNotFound,
	}},
	{http.StatusServiceUnavailable, codePaused, []error{common.ErrModulePaused, errEventsUnavailable, pool.ErrNotFundable}},
	{http.StatusTooManyRequests, codeRateLimited, []error{
		common.ErrQuotaIntentsExceeded, common.ErrQuotaVolumeExceeded, common.ErrQuotaCounterOverflow,
	}},
	{http.StatusConflict, codeConflict, []error{
		registry.ErrPoolExists, ledger.ErrAlreadyProvisioned, intents.ErrAlreadyFinalized,
		intents.ErrBatchNotFinalized, intents.ErrBatchAlreadySettled, intents.ErrIntentAlreadyProcessed,
		common.ErrReentrant,
	}},
	{http.StatusUnprocessableEntity, codeSettlement, []error{
		oracle.ErrStalePrice, settlement.ErrPriceDeviation, settlement.ErrEmptyBatch,
		settlement.ErrIntentNotInBatch, settlement.ErrOwnerMismatch, settlement.ErrInvalidShare,
		settlement.ErrInvalidNetOrder, settlement.ErrTransferExceedsIntent, settlement.ErrInvalidRecipient,
		intents.ErrIntentExpired, exchange.ErrPoolNotSeeded,
		exchange.ErrInsufficientLiquidity, exchange.ErrSlippage, ledger.ErrInsufficientConfidentialBalance,
		reserve.ErrInsufficientReserve, custody.ErrInsufficientFunds,
	}},
	{http.StatusBadRequest, codeInvalidParams, []error{
		pool.ErrInvalidAmount, reserve.ErrInvalidAmount, custody.ErrInvalidAmount,
		ledger.ErrZeroRecipient, ledger.ErrZeroAmount, ledger.ErrSelfTransfer,
		intents.ErrInvalidOwner, intents.ErrZeroAmount, intents.ErrInvalidDirection,
		registry.ErrInvalidSymbol, registry.ErrSameSymbol, registry.ErrNoAuthority,
		settlement.ErrUnknownInstrument, oracle.ErrInvalidPrice, oracle.ErrInvalidFeed,
		exchange.ErrZeroInput, confidential.ErrOverflow, confidential.ErrUnderflow,
	}},
}

// classify maps a handler error onto an HTTP status and JSON-RPC error.
// Unknown failures are reported without their message.
func classify(err error) (int, *RPCError) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return http.StatusBadRequest, rpcErr
	}
	for _, class := range errorClasses {
		for _, target := range class.errs {
			if errors.Is(err, target) {
				return class.status, &RPCError{Code: class.code, Message: err.Error()}
			}
		}
	}
	return http.StatusInternalServerError, &RPCError{Code: codeServerError, Message: "internal error"}
}
