package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"pkt.systems/pslog"
	"pkt.systems/stride/api"
	"pkt.systems/stride/internal/correlation"
	"pkt.systems/stride/internal/svcfields"
)

// Defaults used by New.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultRetryCount   = 3
	DefaultRetryWait    = 200 * time.Millisecond
	DefaultRetryMaxWait = 2 * time.Second
	rpcPath             = "/stride"
	swapsPath           = "/v1/swaps"
)

// InitSwapRequest asks the custodian for a swap.
type InitSwapRequest struct {
	SourceAmount *big.Int
	UserAddress  string
}

// InitSwapResult is the custodian's acceptance.
type InitSwapResult struct {
	TxnID             string
	SecretHash        string
	DestinationAmount *big.Int
	TimeoutInterval   uint64
	CorrelationID     string
}

// ListOptions filters ListSwaps.
type ListOptions struct {
	ActiveOnly bool
	Status     string
	Limit      int
}

// RPCError is a JSON-RPC error returned by init_swap.
type RPCError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("stride: init_swap rejected (http %d, code %d): %s", e.HTTPStatus, e.Code, e.Message)
}

// APIError is a non JSON-RPC error reply.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("stride: %s (http %d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("stride: %s (http %d)", e.Code, e.Status)
}

// IsNotFound reports whether err is a 404 from the swap views.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Option customises a Client.
type Option func(*options)

type options struct {
	httpClient   *http.Client
	timeout      time.Duration
	logger       pslog.Logger
	retryCount   int
	retryWait    time.Duration
	retryMaxWait time.Duration
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRetry configures retries of read requests. init_swap is never
// retried because a lost reply could otherwise start a second swap.
func WithRetry(count int, wait, maxWait time.Duration) Option {
	return func(o *options) {
		o.retryCount = count
		o.retryWait = wait
		o.retryMaxWait = maxWait
	}
}

// Client is safe for concurrent use.
type Client struct {
	http     *resty.Client
	logger   pslog.Logger
	ids      atomic.Uint64
}

// New returns a client for the custodian at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("stride: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("stride: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("stride: url %q has no host", baseURL)
	}
	o := options{
		timeout:      DefaultTimeout,
		retryCount:   DefaultRetryCount,
		retryWait:    DefaultRetryWait,
		retryMaxWait: DefaultRetryMaxWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	var rc *resty.Client
	if o.httpClient != nil {
		rc = resty.NewWithClient(o.httpClient)
	} else {
		rc = resty.New()
	}
	c := &Client{http: rc, logger: svcfields.WithSubsystem(o.logger, "client")}
	rc.SetBaseURL(strings.TrimSuffix(u.String(), "/")).
		SetTimeout(o.timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(o.retryCount).
		SetRetryWaitTime(o.retryWait).
		SetRetryMaxWaitTime(o.retryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			retry := err != nil || r.StatusCode() >= http.StatusInternalServerError
			if retry {
				c.logger.Debug("client.retry", "url", r.Request.URL, "status", r.StatusCode(), "error", err)
			}
			return retry
		})
	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		ctx := correlation.Ensure(req.Context())
		req.SetContext(ctx)
		req.SetHeader(correlation.Header, correlation.ID(ctx))
		c.logger.Trace("client.request", "method", req.Method, "url", req.URL, "cid", correlation.ID(ctx))
		return nil
	})
	return c, nil
}

// InitSwap sends init_swap. A JSON-RPC error comes back as *RPCError.
func (c *Client) InitSwap(ctx context.Context, req InitSwapRequest) (*InitSwapResult, error) {
	if req.SourceAmount == nil {
		return nil, fmt.Errorf("stride: source amount required")
	}
	ctx = correlation.Ensure(ctx)
	id := c.ids.Add(1)
	body := struct {
		JSONRPC string             `json:"jsonrpc"`
		ID      uint64             `json:"id"`
		Method  string             `json:"method"`
		Params  api.InitSwapParams `json:"params"`
	}{
		JSONRPC: api.JSONRPCVersion,
		ID:      id,
		Method:  api.MethodInitSwap,
		Params:  api.InitSwapParams{SourceAmount: api.NewAmount(req.SourceAmount), UserAddress: req.UserAddress},
	}
	var out api.Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(rpcPath)
	if err != nil {
		return nil, fmt.Errorf("stride: init_swap: %w", err)
	}
	if out.Error != nil {
		return nil, &RPCError{HTTPStatus: resp.StatusCode(), Code: out.Error.Code, Message: out.Error.Message}
	}
	if resp.IsError() {
		return nil, &RPCError{HTTPStatus: resp.StatusCode(), Code: api.CodeRejected, Message: strings.TrimSpace(resp.String())}
	}
	if out.TxnID == "" || out.Result == "" {
		return nil, fmt.Errorf("stride: init_swap: response without txn_id or secret hash")
	}
	return &InitSwapResult{
		TxnID:             out.TxnID,
		SecretHash:        out.Result,
		DestinationAmount: out.DestinationAmount.Big(),
		TimeoutInterval:   out.TimeoutInterval,
		CorrelationID:     correlation.ID(ctx),
	}, nil
}

// GetSwap returns the custodian's view of txnID.
func (c *Client) GetSwap(ctx context.Context, txnID string) (*api.Swap, error) {
	if strings.TrimSpace(txnID) == "" {
		return nil, fmt.Errorf("stride: txn_id required")
	}
	var out api.Swap
	if err := c.get(ctx, swapsPath+"/"+url.PathEscape(txnID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSwaps returns the custodian's swaps.
func (c *Client) ListSwaps(ctx context.Context, opts ListOptions) ([]api.Swap, error) {
	query := map[string]string{}
	if opts.ActiveOnly {
		query["active"] = "true"
	}
	if opts.Status != "" {
		query["status"] = opts.Status
	}
	if opts.Limit > 0 {
		query["limit"] = strconv.Itoa(opts.Limit)
	}
	var out api.SwapList
	if err := c.get(ctx, swapsPath, query, &out); err != nil {
		return nil, err
	}
	return out.Swaps, nil
}

// Health checks /readyz.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.get(ctx, "/readyz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	var apiErr api.ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		SetError(&apiErr).
		Get(path)
	if err != nil {
		return fmt.Errorf("stride: get %s: %w", path, err)
	}
	if resp.IsError() {
		code := apiErr.ErrorCode
		if code == "" {
			code = http.StatusText(resp.StatusCode())
		}
		return &APIError{Status: resp.StatusCode(), Code: code, Detail: apiErr.Detail}
	}
	return nil
}
