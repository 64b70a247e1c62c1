// Package rpc serves the custodian's Request Channel: JSON-RPC 2.0 init_swap
// on POST /stride plus read-only swap views and health probes.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
	"pkt.systems/stride/api"
	"pkt.systems/stride/internal/correlation"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/svcfields"
	"pkt.systems/stride/internal/swap"
	"pkt.systems/stride/internal/uuidv7"
	"pkt.systems/stride/internal/version"
)

// DefaultMaxBodyBytes caps a JSON-RPC request body.
const DefaultMaxBodyBytes = 64 << 10

// Custodian is the side of the custodian the handler needs.
type Custodian interface {
	Accept(ctx context.Context, req swap.Request) (swap.Accepted, error)
	Get(ctx context.Context, txnID string) (*record.Record, error)
	List(ctx context.Context, filter record.Filter) ([]*record.Record, error)
}

// Config configures a Handler.
type Config struct {
	Custodian Custodian
	Logger    pslog.Logger
	// Tracing wraps every route with otelhttp.
	Tracing bool
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready        func() bool
	MaxBodyBytes int64
}

// Handler serves the Request Channel routes.
type Handler struct {
	custodian Custodian
	logger    pslog.Logger
	tracing   bool
	ready     func() bool
	maxBody   int64
}

// New builds a handler.
func New(cfg Config) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	ready := cfg.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handler{
		custodian: cfg.Custodian,
		logger:    svcfields.WithSubsystem(cfg.Logger, "rpc"),
		tracing:   cfg.Tracing,
		ready:     ready,
		maxBody:   maxBody,
	}
}

// Register wires the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/stride", h.wrap("init_swap", h.handleRPC))
	mux.Handle("/v1/swaps", h.wrap("swaps.list", h.handleList))
	mux.Handle("/v1/swaps/", h.wrap("swaps.get", h.handleGet))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// httpError is a non JSON-RPC failure.
type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := correlation.FromRequest(r)
		logger := h.logger.With(
			"req_id", uuidv7.NewString(),
			"op", operation,
			"method", r.Method,
			"path", r.URL.Path,
			"cid", correlation.ID(ctx),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.Header, correlation.ID(ctx))
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.writeError(w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "stride.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeRPCError(w, http.StatusMethodNotAllowed, nil, api.CodeInvalidRequest, "POST required")
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		h.writeRPCError(w, http.StatusBadRequest, nil, api.CodeParseError, "read body: "+err.Error())
		return nil
	}
	if int64(len(body)) > h.maxBody {
		h.writeRPCError(w, http.StatusRequestEntityTooLarge, nil, api.CodeInvalidRequest, "request body too large")
		return nil
	}
	var req api.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeRPCError(w, http.StatusBadRequest, nil, api.CodeParseError, "parse error: "+err.Error())
		return nil
	}
	if req.JSONRPC != api.JSONRPCVersion || req.Method == "" {
		h.writeRPCError(w, http.StatusBadRequest, req.ID, api.CodeInvalidRequest, `expected jsonrpc "2.0" and a method`)
		return nil
	}
	if req.Method != api.MethodInitSwap {
		h.writeRPCError(w, http.StatusNotFound, req.ID, api.CodeMethodNotFound, "unknown method "+strconv.Quote(req.Method))
		return nil
	}
	swapReq, err := DecodeInitSwap(req.Params)
	if err != nil {
		h.writeRPCError(w, http.StatusBadRequest, req.ID, api.CodeInvalidParams, err.Error())
		return nil
	}
	accepted, err := h.custodian.Accept(r.Context(), swapReq)
	if err != nil {
		status, code := classify(err)
		pslog.LoggerFromContext(r.Context()).Warn("rpc.init_swap.rejected", "code", code, "error", err)
		h.writeRPCError(w, status, req.ID, code, err.Error())
		return nil
	}
	pslog.LoggerFromContext(r.Context()).Info("rpc.init_swap", svcfields.TxnKey, accepted.TxnID)
	writeJSON(w, http.StatusOK, api.Response{
		JSONRPC:           api.JSONRPCVersion,
		ID:                req.ID,
		Result:            accepted.SecretHash,
		TxnID:             accepted.TxnID,
		DestinationAmount: api.NewAmount(accepted.DestinationAmount),
		TimeoutInterval:   accepted.TimeoutInterval,
	})
	return nil
}

// DecodeInitSwap validates init_swap params.
func DecodeInitSwap(raw json.RawMessage) (swap.Request, error) {
	if len(raw) == 0 {
		return swap.Request{}, fmt.Errorf("params required")
	}
	var params api.InitSwapParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return swap.Request{}, fmt.Errorf("invalid params: %v", err)
	}
	if params.SourceAmount == nil || params.SourceAmount.Sign() <= 0 {
		return swap.Request{}, fmt.Errorf("source_amount must be a positive integer")
	}
	if params.SecretHash != "" || params.Secret != "" {
		return swap.Request{}, fmt.Errorf("the custodian chooses the secret; secret and secret_hash are not accepted")
	}
	if !swap.ValidAddress(params.UserAddress) {
		return swap.Request{}, fmt.Errorf("user_address must be a 0x prefixed 20 byte hex address")
	}
	return swap.Request{SourceAmount: params.SourceAmount.Big(), UserAddress: params.UserAddress}, nil
}

// classify maps an Accept error to an HTTP status and JSON-RPC code.
func classify(err error) (int, int) {
	switch {
	case errors.Is(err, swap.ErrInvalidRequest):
		return http.StatusBadRequest, api.CodeInvalidParams
	case errors.Is(err, record.ErrDuplicate):
		return http.StatusConflict, api.CodeRejected
	case errors.Is(err, swap.ErrNotStarted):
		return http.StatusServiceUnavailable, api.CodeRejected
	}
	var rce *swap.RequestChannelError
	if errors.As(err, &rce) {
		return http.StatusServiceUnavailable, api.CodeRejected
	}
	return http.StatusInternalServerError, api.CodeRejected
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed"}
	}
	q := r.URL.Query()
	filter := record.Filter{Status: record.Status(strings.ToUpper(q.Get("status")))}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_active", Detail: err.Error()}
		}
		filter.ActiveOnly = active
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_limit", Detail: v}
		}
		filter.Limit = limit
	}
	recs, err := h.custodian.List(r.Context(), filter)
	if err != nil {
		return err
	}
	out := api.SwapList{Swaps: make([]api.Swap, 0, len(recs))}
	for _, rec := range recs {
		out.Swaps = append(out.Swaps, SwapView(rec))
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed"}
	}
	txnID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/swaps/"), "/")
	if txnID == "" || strings.Contains(txnID, "/") {
		return httpError{Status: http.StatusNotFound, Code: "not_found"}
	}
	rec, err := h.custodian.Get(r.Context(), txnID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: txnID}
		}
		return err
	}
	writeJSON(w, http.StatusOK, SwapView(rec))
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: version.Current()})
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "starting"})
		return nil
	}
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ready", Version: version.Current()})
	return nil
}

// SwapView renders a record for clients. The secret is never included.
func SwapView(rec *record.Record) api.Swap {
	out := api.Swap{
		TxnID:             rec.TxnID,
		Role:              string(rec.Role),
		Status:            string(rec.Status),
		Outcome:           string(rec.Outcome),
		Terminal:          rec.Terminal(),
		Parked:            rec.Parked,
		LastError:         rec.LastError,
		SourceAmount:      api.NewAmount(rec.SourceAmount),
		DestinationAmount: api.NewAmount(rec.DestinationAmount),
		UserAddress:       rec.UserAddress,
		TimeoutInterval:   rec.TimeoutInterval,
		SecretHash:        rec.SecretHash,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
	for _, entry := range rec.History {
		out.History = append(out.History, api.SwapHistory{Status: string(entry.Status), At: entry.At, Note: entry.Note})
	}
	return out
}

func (h *Handler) writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	writeJSON(w, status, api.Response{
		JSONRPC: api.JSONRPCVersion,
		ID:      id,
		Error:   &api.Error{Code: code, Message: message},
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
		return
	}
	writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{ErrorCode: "internal", Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
