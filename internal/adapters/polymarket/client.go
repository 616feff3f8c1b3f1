// Package polymarket reads the Polymarket catalog (Gamma API) and order
// books (CLOB API) and normalizes them into domain markets and books.
// It is read-only: order routing goes through ports.OrderRouter.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

const (
	defaultCLOBBase  = "https://clob.polymarket.com"
	defaultGammaBase = "https://gamma-api.polymarket.com"

	// Rate limits al 60% de los límites reales documentados.
	// CLOB /books: 500/10s → 300/10s → 30/s
	booksRatePerSec = 30
	// Gamma /markets: 300/10s → 180/10s → 18/s
	gammaRatePerSec = 18

	defaultRetries = 3
	baseRetryWait  = 500 * time.Millisecond
	maxRetryAfter  = 30 * time.Second

	latencyWindow = 128
)

// Client es el HTTP client de Polymarket con rate limiting y retries.
type Client struct {
	http         *http.Client
	clobBase     string
	gammaBase    string
	gammaLimiter *rate.Limiter
	booksLimiter *rate.Limiter
	retryWait    time.Duration
	retries      int

	mu        sync.Mutex
	latencies []time.Duration // ring of recent request latencies
	next      int
	lastErr   error
}

// Option configura el Client.
type Option func(*Client)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetryWait sets the base backoff between retries.
func WithRetryWait(d time.Duration) Option {
	return func(c *Client) { c.retryWait = d }
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// NewClient crea un Client con los base URLs dados.
// Si clobBase o gammaBase están vacíos, usa los URLs de producción.
func NewClient(clobBase, gammaBase string, opts ...Option) *Client {
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}
	if gammaBase == "" {
		gammaBase = defaultGammaBase
	}
	c := &Client{
		http:         &http.Client{Timeout: 10 * time.Second},
		clobBase:     clobBase,
		gammaBase:    gammaBase,
		gammaLimiter: rate.NewLimiter(gammaRatePerSec, 10),
		booksLimiter: rate.NewLimiter(booksRatePerSec, 5),
		retryWait:    baseRetryWait,
		retries:      defaultRetries,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// get hace un GET JSON contra la API pública.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, url string, out any) error {
	return c.do(ctx, limiter, http.MethodGet, url, nil, out)
}

// post hace un POST JSON; /books acepta el batch de token ids en el body.
func (c *Client) post(ctx context.Context, limiter *rate.Limiter, url string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.do(ctx, limiter, http.MethodPost, url, b, out)
}

// do envía la request respetando el limiter y reintenta los fallos
// transitorios (red, 429, 5xx). Los errores que devuelve envuelven
// domain.ErrNotFound, domain.ErrVenueTimeout o domain.ErrVenueError.
func (c *Client) do(ctx context.Context, limiter *rate.Limiter, method, url string, body []byte, out any) (err error) {
	defer func() { c.setLastErr(err) }()

	var last error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt-1, last); err != nil {
				return err
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		var resp *http.Response
		resp, last = c.send(ctx, method, url, body)
		if last != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s %s: %w", method, url, ctx.Err())
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			slog.Warn("rate limited by polymarket", "attempt", attempt+1, "url", url)
			last = &retryAfterError{wait: retryAfter(resp.Header.Get("Retry-After"))}
			continue
		case resp.StatusCode >= 500:
			resp.Body.Close()
			last = fmt.Errorf("server error %d: %w", resp.StatusCode, domain.ErrVenueError)
			continue
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return fmt.Errorf("%s %s: %w", method, url, domain.ErrNotFound)
		case resp.StatusCode >= 400:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s: %w", resp.StatusCode, string(msg), domain.ErrVenueError)
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %v: %w", err, domain.ErrVenueError)
		}
		return nil
	}
	return fmt.Errorf("%s %s after %d attempts: %w", method, url, c.retries+1, last)
}

func (c *Client) send(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %v: %w", err, domain.ErrVenueError)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	c.observe(time.Since(start))
	if err != nil {
		// Sin respuesta no sabemos si el servidor la procesó.
		return nil, fmt.Errorf("%s %s: %v: %w", method, url, err, domain.ErrVenueTimeout)
	}
	return resp, nil
}

// backoff espera 2^attempt × retryWait, o lo que pidió el Retry-After si es
// mayor. Devuelve el error del contexto si se cancela durante la espera.
func (c *Client) backoff(ctx context.Context, attempt int, last error) error {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	var ra *retryAfterError
	if errors.As(last, &ra) && ra.wait > wait {
		wait = ra.wait
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfterError es un 429; wait es el Retry-After pedido por el servidor.
type retryAfterError struct {
	wait time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.wait)
}

func (e *retryAfterError) Unwrap() error { return domain.ErrVenueError }

func retryAfter(h string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func (c *Client) observe(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) < latencyWindow {
		c.latencies = append(c.latencies, d)
		return
	}
	c.latencies[c.next] = d
	c.next = (c.next + 1) % latencyWindow
}

func (c *Client) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// latency returns p50/p95 of the recent request window and the last error.
func (c *Client) latency() (p50, p95 time.Duration, lastErr error) {
	c.mu.Lock()
	window := append([]time.Duration(nil), c.latencies...)
	lastErr = c.lastErr
	c.mu.Unlock()
	return percentile(window, 50), percentile(window, 95), lastErr
}
