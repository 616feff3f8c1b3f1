package polymarket

// clob.go: Polymarket CLOB books.
//
// FetchOrderBooks lanza un goroutine por batch; el token bucket en
// doWithRetry controla el ritmo sin semáforo explícito.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/ports"
)

const (
	booksPath        = "/books"
	batchSize        = 20 // máx token_ids por request a /books
	defaultStaleness = 3 * time.Second
)

// FetchOrderBooks obtiene los books de los token_ids dados, keyed by token.
func (c *Client) FetchOrderBooks(ctx context.Context, tokenIDs []string) (map[string]orderBookResponse, error) {
	if len(tokenIDs) == 0 {
		return map[string]orderBookResponse{}, nil
	}

	batches := splitBatches(tokenIDs, batchSize)

	type batchResult struct {
		books []orderBookResponse
		err   error
		idx   int
	}

	resultCh := make(chan batchResult, len(batches))
	var wg sync.WaitGroup
	for i, batch := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			books, err := c.fetchBooksBatch(ctx, batch)
			resultCh <- batchResult{books: books, err: err, idx: i}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	result := make(map[string]orderBookResponse, len(tokenIDs))
	var errs []error
	for r := range resultCh {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", r.idx, r.err))
			continue
		}
		for _, b := range r.books {
			result[b.AssetID] = b
		}
	}
	if len(errs) > 0 {
		return result, fmt.Errorf("clob.FetchOrderBooks: %w", errors.Join(errs...))
	}

	slog.Debug("order books fetched", "tokens", len(tokenIDs), "books", len(result))
	return result, nil
}

// splitBatches divide tokenIDs en slices de tamaño máximo size.
func splitBatches(tokenIDs []string, size int) [][]string {
	if size <= 0 {
		size = batchSize
	}
	batches := make([][]string, 0, (len(tokenIDs)+size-1)/size)
	for i := 0; i < len(tokenIDs); i += size {
		batches = append(batches, tokenIDs[i:min(i+size, len(tokenIDs))])
	}
	return batches
}

// fetchBooksBatch hace un POST /books para un batch de token_ids.
func (c *Client) fetchBooksBatch(ctx context.Context, tokenIDs []string) ([]orderBookResponse, error) {
	body := make([]orderBookRequest, len(tokenIDs))
	for i, id := range tokenIDs {
		body[i] = orderBookRequest{TokenID: id}
	}
	var resp []orderBookResponse
	if err := c.post(ctx, c.booksLimiter, c.clobBase+booksPath, body, &resp); err != nil {
		return nil, fmt.Errorf("POST /books: %w", err)
	}
	return resp, nil
}

// Feed is a polled book cache over the CLOB. Refresh pulls every tracked
// token in one batched pass; GetLatestBook serves from the cache.
type Feed struct {
	client     *Client
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	tracked map[string]string // token → market
	books   map[string]domain.Book
}

var (
	_ ports.BookSource    = (*Feed)(nil)
	_ ports.HealthSource  = (*Feed)(nil)
	_ ports.CatalogSource = (*Client)(nil)
)

// FeedOption configura el Feed.
type FeedOption func(*Feed)

// WithStaleAfter sets the age past which a cached book is stale.
func WithStaleAfter(d time.Duration) FeedOption {
	return func(f *Feed) { f.staleAfter = d }
}

// WithFeedClock injects the clock used for staleness.
func WithFeedClock(now func() time.Time) FeedOption {
	return func(f *Feed) { f.now = now }
}

// NewFeed crea un Feed sobre el client dado.
func NewFeed(c *Client, opts ...FeedOption) *Feed {
	f := &Feed{
		client:     c,
		staleAfter: defaultStaleness,
		now:        time.Now,
		tracked:    make(map[string]string),
		books:      make(map[string]domain.Book),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Track registers the outcomes of the given markets for Refresh.
func (f *Feed) Track(markets []domain.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range markets {
		if m.Venue != domain.VenuePolymarket {
			continue
		}
		for _, o := range m.Outcomes {
			f.tracked[o.ID] = m.ID
		}
	}
}

// Refresh fetches every tracked book. A partial failure keeps the books
// that arrived and returns the error.
func (f *Feed) Refresh(ctx context.Context) error {
	f.mu.RLock()
	tokens := make([]string, 0, len(f.tracked))
	for t := range f.tracked {
		tokens = append(tokens, t)
	}
	f.mu.RUnlock()

	raw, fetchErr := f.client.FetchOrderBooks(ctx, tokens)
	fetchedAt := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()
	for token, r := range raw {
		b, err := mapOrderBook(r, f.tracked[token], fetchedAt)
		if err != nil {
			slog.Warn("dropping malformed polymarket book", "token", token, "err", err)
			continue
		}
		if prev, ok := f.books[token]; ok && b.Sequence != 0 && b.Sequence < prev.Sequence {
			continue
		}
		f.books[token] = b
	}
	return fetchErr
}

// GetLatestBook serves a cached book. The book is returned along with
// domain.ErrStale when it is older than the staleness threshold.
func (f *Feed) GetLatestBook(_ context.Context, venue domain.VenueID, marketID, outcomeID string) (domain.Book, error) {
	if venue != domain.VenuePolymarket {
		return domain.Book{}, fmt.Errorf("polymarket book %s: %w", venue, domain.ErrNotFound)
	}
	f.mu.RLock()
	b, ok := f.books[outcomeID]
	f.mu.RUnlock()
	if !ok || (marketID != "" && b.MarketID != marketID) {
		return domain.Book{}, fmt.Errorf("polymarket book %s/%s: %w", marketID, outcomeID, domain.ErrNotFound)
	}
	if f.staleAfter > 0 && b.Age(f.now()) > f.staleAfter {
		return b, fmt.Errorf("polymarket book %s/%s age %s: %w", marketID, outcomeID, b.Age(f.now()), domain.ErrStale)
	}
	return b, nil
}

// Health reports request latency, the last request error, and stale books.
func (f *Feed) Health(_ context.Context, venue domain.VenueID) (domain.VenueHealth, error) {
	if venue != domain.VenuePolymarket {
		return domain.VenueHealth{}, fmt.Errorf("polymarket health %s: %w", venue, domain.ErrNotFound)
	}
	p50, p95, lastErr := f.client.latency()
	now := f.now()

	f.mu.RLock()
	stale := 0
	for _, b := range f.books {
		if f.staleAfter > 0 && b.Age(now) > f.staleAfter {
			stale++
		}
	}
	f.mu.RUnlock()

	h := domain.VenueHealth{
		Venue:        venue,
		Status:       domain.HealthHealthy,
		Connected:    lastErr == nil,
		LatencyP50:   p50,
		LatencyP95:   p95,
		StaleMarkets: stale,
		At:           now,
	}
	switch {
	case lastErr != nil:
		h.Status = domain.HealthDown
		h.Reason = lastErr.Error()
	case stale > 0:
		h.Status = domain.HealthDegraded
		h.Reason = fmt.Sprintf("%d stale books", stale)
	}
	return h, nil
}
