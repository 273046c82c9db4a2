package gateway

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
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// Observer receives one call per provider request, used for metrics.
type Observer interface {
	ObserveGatewayCall(gateway, op string, duration time.Duration, err error)
}

// Options are shared by every adapter.
type Options struct {
	Production  bool
	Timeout     time.Duration
	RateLimit   float64
	RateBurst   int
	MaxRetries  int
	Backoff     time.Duration
	TokenMargin time.Duration
	HTTPClient  *http.Client
	Store       ProviderStore
	Observer    Observer
	Logger      *slog.Logger
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 10
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 5
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 200 * time.Millisecond
	}
	if o.TokenMargin <= 0 {
		o.TokenMargin = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// httpClient is the retry/timeout wrapper every adapter talks through.
// Only GET requests are retried: repeating a POST could charge or pay twice.
type httpClient struct {
	gateway    Name
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	interval   time.Duration
	observer   Observer
}

func newHTTPClient(gw Name, baseURL string, opts Options) *httpClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	} else if hc.Timeout == 0 {
		clone := *hc
		clone.Timeout = opts.Timeout
		hc = &clone
	}
	return &httpClient{
		gateway:    gw,
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       hc,
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		maxRetries: opts.MaxRetries,
		interval:   opts.Backoff,
		observer:   opts.Observer,
	}
}

type request struct {
	op      string
	method  string
	path    string
	headers map[string]string
	body    interface{}
}

func (c *httpClient) do(ctx context.Context, req request, out interface{}) (raw []byte, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveGatewayCall(string(c.gateway), req.op, time.Since(start), err)
		}
	}()

	var payload []byte
	if req.body != nil {
		payload, err = json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode request: %w", c.gateway, req.op, err)
		}
	}

	if req.method == http.MethodGet && c.maxRetries > 0 {
		raw, err = c.retry(ctx, req, payload)
	} else {
		raw, err = c.once(ctx, req, payload)
	}
	if err != nil {
		return raw, err
	}

	if out != nil {
		if !json.Valid(raw) {
			return raw, &GatewayError{Gateway: c.gateway, Op: req.op, Body: string(raw), Err: ErrMalformedResponse}
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, &GatewayError{Gateway: c.gateway, Op: req.op, Body: string(raw), Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
		}
	}
	return raw, nil
}

// retry repeats an idempotent request on transient failures with exponential
// backoff. Anything IsRetryable rejects stops the loop at once.
func (c *httpClient) retry(ctx context.Context, req request, payload []byte) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.interval
	policy.MaxElapsedTime = 0

	var raw []byte
	err := backoff.Retry(func() error {
		var err error
		raw, err = c.once(ctx, req, payload)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	if err == nil {
		return raw, nil
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		return raw, c.wrapTransport(req, err)
	}
	return raw, err
}

func (c *httpClient) once(ctx context.Context, req request, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &GatewayError{Gateway: c.gateway, Op: req.op, Err: err}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", c.gateway, req.op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.wrapTransport(req, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.wrapTransport(req, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, &GatewayError{Gateway: c.gateway, Op: req.op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// wrapTransport classifies failures once a request may have left the process.
// A timeout or a cancelled caller means the provider may have acted on it, so
// both are reported as ErrUnknownOutcome.
func (c *httpClient) wrapTransport(req request, err error) error {
	if isTimeout(err) || errors.Is(err, context.Canceled) {
		return &GatewayError{Gateway: c.gateway, Op: req.op, Err: fmt.Errorf("%w: %v", ErrUnknownOutcome, err)}
	}
	return &GatewayError{Gateway: c.gateway, Op: req.op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func statusOf(err error) int {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode
	}
	return 0
}
