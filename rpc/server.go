package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cipherpool/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	requestIDHeader = "X-Request-ID"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeNotFound       = -32004
	codeConflict       = -32009
	codeRateLimited    = -32020
	codePaused         = -32030
	codeSettlement     = -32040
)

// Config tunes the HTTP surface.
type Config struct {
	Auth      AuthConfig
	RateLimit RateLimit
	// Admin may toggle module pauses.
	Admin [20]byte
	// Stream backs the events websocket. Optional.
	Stream *Hub
}

type handlerFunc func(ctx context.Context, call *call) (interface{}, error)

type method struct {
	fn   handlerFunc
	auth bool
}

// Server exposes the pool over JSON-RPC 2.0. Calls are serialised because the
// pool module is single-threaded.
type Server struct {
	backend Backend
	events  EventSource
	stream  *Hub
	auth    *Authenticator
	limiter *RateLimiter
	admin   [20]byte
	logger  *slog.Logger
	metrics interface {
		Observe(method string, code int, duration time.Duration)
		RecordThrottle(reason string)
	}
	nowFn func() time.Time

	mu      sync.Mutex
	methods map[string]method
	http    *http.Server
}

// NewServer constructs a server over the backend. events may be nil, in which
// case events_list reports the log as unavailable.
func NewServer(backend Backend, events EventSource, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend: backend,
		events:  events,
		stream:  cfg.Stream,
		auth:    NewAuthenticator(cfg.Auth),
		limiter: NewRateLimiter(cfg.RateLimit),
		admin:   cfg.Admin,
		logger:  logger,
		metrics: observability.ModuleMetrics(),
		nowFn:   time.Now,
	}
	s.limiter.onReject = func() { s.metrics.RecordThrottle("rate_limit") }
	s.methods = map[string]method{
		"pool_register":        {s.handlePoolRegister, true},
		"pool_get":             {s.handlePoolGet, false},
		"pool_list":            {s.handlePoolList, false},
		"pool_deposit":         {s.handlePoolDeposit, true},
		"pool_withdraw":        {s.handlePoolWithdraw, true},
		"reserve_get":          {s.handleReserveGet, false},
		"pool_pause":           {s.handlePoolPause, true},
		"intent_submit":        {s.handleIntentSubmit, true},
		"intent_get":           {s.handleIntentGet, false},
		"batch_finalize":       {s.handleBatchFinalize, true},
		"batch_get":            {s.handleBatchGet, false},
		"batch_current":        {s.handleBatchCurrent, false},
		"batch_settle":         {s.handleBatchSettle, true},
		"ledger_balance":       {s.handleLedgerBalance, false},
		"ledger_authorize":     {s.handleLedgerAuthorize, true},
		"ledger_reveal":        {s.handleLedgerReveal, true},
		"confidential_encrypt": {s.handleEncrypt, true},
		"oracle_post":          {s.handleOraclePost, true},
		"oracle_health":        {s.handleOracleHealth, false},
		"events_list":          {s.handleEventsList, false},
		"custody_fund":         {s.handleCustodyFund, true},
		"custody_wallet":       {s.handleCustodyWallet, false},
	}
	return s
}

// SetNowFunc overrides the clock used for oracle posts without a timestamp.
func (s *Server) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.With(s.limiter.Middleware).Post("/", s.handle)
	r.With(s.limiter.Middleware).Post("/rpc", s.handle)
	r.With(s.limiter.Middleware).Get("/events/ws", s.handleEventsWS)
	return otelhttp.NewHandler(r, "cipherpool.rpc")
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("rpc: listening", "address", listener.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(listener) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// call carries one decoded request to a handler.
type call struct {
	caller [20]byte
	params []json.RawMessage
}

// decode unmarshals the single parameter object into out.
func (c *call) decode(out interface{}) error {
	if len(c.params) != 1 {
		return invalidParams("parameter object required")
	}
	dec := json.NewDecoder(bytes.NewReader(c.params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidParams("invalid parameter object: %v", err)
	}
	return nil
}

func invalidParams(format string, args ...interface{}) error {
	return &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	started := time.Now()
	code := 0
	defer func() { s.metrics.Observe(req.Method, code, time.Since(started)) }()

	m, ok := s.methods[req.Method]
	if !ok {
		code = codeMethodNotFound
		writeError(w, http.StatusNotFound, req.ID, code, "method not found", req.Method)
		return
	}
	c := &call{params: req.Params}
	if m.auth {
		caller, authErr := s.auth.Caller(r)
		if authErr != nil {
			code = codeUnauthorized
			s.logger.Warn("rpc: authentication failed", "method", req.Method, "request_id", w.Header().Get(requestIDHeader), "error", authErr)
			writeError(w, http.StatusUnauthorized, req.ID, code, "unauthorized", authErr.Error())
			return
		}
		c.caller = caller
	}

	ctx, span := otel.Tracer("cipherpool/rpc").Start(r.Context(), req.Method)
	defer span.End()

	s.mu.Lock()
	result, err := m.fn(ctx, c)
	s.mu.Unlock()
	if err != nil {
		status, rpcErr := classify(err)
		code = rpcErr.Code
		span.RecordError(err)
		span.SetStatus(codes.Error, rpcErr.Message)
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", code))
		if code == codeServerError {
			s.logger.Error("rpc: handler failed", "method", req.Method, "request_id", w.Header().Get(requestIDHeader), "error", err)
		}
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	writeResult(w, req.ID, result)
}

// requestID tags every request with an identifier, reusing a client supplied
// one when present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}
