package polymarket

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

var (
	priceScale = decimal.NewFromInt(domain.PriceScale)
	endLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05Z",
		"2006-01-02",
	}
)

// mapGammaMarket convierte un gammaMarket a domain.Market. Outcome IDs are
// the CLOB token IDs so books can be looked up by outcome.
func mapGammaMarket(gm gammaMarket) (domain.Market, error) {
	var labels, tokens []string
	if err := json.Unmarshal([]byte(gm.Outcomes), &labels); err != nil {
		return domain.Market{}, fmt.Errorf("market %s outcomes: %w", gm.ConditionID, err)
	}
	if err := json.Unmarshal([]byte(gm.ClobTokenIDs), &tokens); err != nil {
		return domain.Market{}, fmt.Errorf("market %s token ids: %w", gm.ConditionID, err)
	}
	if len(labels) != len(tokens) || len(labels) == 0 {
		return domain.Market{}, fmt.Errorf("market %s: %d outcomes for %d tokens", gm.ConditionID, len(labels), len(tokens))
	}

	m := domain.Market{
		Venue:            domain.VenuePolymarket,
		ID:               gm.ConditionID,
		Title:            strings.TrimSpace(gm.Question),
		Description:      gm.Description,
		ResolutionSource: gm.ResolutionSource,
		ResolutionTime:   parseEndDate(gm),
		Timezone:         "UTC",
		Status:           marketStatus(gm),
		Category:         strings.ToLower(gm.Category),
		Tags:             map[string]string{},
	}
	if len(gm.Events) > 0 {
		m.EventKey = gm.Events[0].Slug
	}
	if m.Category != "" {
		m.Tags[domain.TagCategory] = m.Category
	}
	for _, t := range gm.Tags {
		if t.Slug != "" && m.Tags[domain.TagSubcategory] == "" && t.Slug != m.Category {
			m.Tags[domain.TagSubcategory] = strings.ToLower(t.Slug)
		}
	}

	binary := len(labels) == 2 && isYesNo(labels[0]) && isYesNo(labels[1])
	for i, label := range labels {
		o := domain.Outcome{ID: tokens[i], Label: label, Type: domain.OutcomeCategorical}
		if binary {
			o.Type = domain.OutcomeBinary
			o.Tags = map[string]string{domain.TagSide: strings.ToLower(label)}
		}
		m.Outcomes = append(m.Outcomes, o)
	}
	return m, nil
}

func isYesNo(label string) bool {
	l := strings.ToLower(label)
	return l == "yes" || l == "no"
}

func marketStatus(gm gammaMarket) domain.MarketStatus {
	if gm.Closed || gm.Archived {
		return domain.MarketResolved
	}
	return domain.MarketActive
}

// parseEndDate: Polymarket usa varios formatos; intentamos los más comunes.
func parseEndDate(gm gammaMarket) time.Time {
	for _, raw := range []string{gm.EndDate, gm.EndDateISO} {
		if raw == "" {
			continue
		}
		for _, layout := range endLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// mapOrderBook convierte un item de /books a domain.Book.
// Prices are converted to ticks and sizes floored to whole contracts.
func mapOrderBook(r orderBookResponse, marketID string, fetchedAt time.Time) (domain.Book, error) {
	b := domain.Book{
		Venue:     domain.VenuePolymarket,
		MarketID:  marketID,
		OutcomeID: r.AssetID,
		UpdatedAt: fetchedAt,
	}
	if r.Timestamp != "" {
		ms, err := strconv.ParseInt(r.Timestamp, 10, 64)
		if err == nil {
			b.Sequence = ms
			b.UpdatedAt = time.UnixMilli(ms).UTC()
		}
	}
	var err error
	if b.Bids, err = mapLevels(r.Bids); err != nil {
		return domain.Book{}, fmt.Errorf("book %s bids: %w", r.AssetID, err)
	}
	if b.Asks, err = mapLevels(r.Asks); err != nil {
		return domain.Book{}, fmt.Errorf("book %s asks: %w", r.AssetID, err)
	}
	// best first: bids descending, asks ascending
	slices.SortFunc(b.Bids, func(x, y domain.Level) int { return cmp.Compare(y.Price, x.Price) })
	slices.SortFunc(b.Asks, func(x, y domain.Level) int { return cmp.Compare(x.Price, y.Price) })
	return b, nil
}

func mapLevels(raw []bookEntryRaw) ([]domain.Level, error) {
	levels := make([]domain.Level, 0, len(raw))
	for _, r := range raw {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", r.Price, domain.ErrInvalidInput)
		}
		size, err := decimal.NewFromString(r.Size)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", r.Size, domain.ErrInvalidInput)
		}
		ticks := price.Mul(priceScale).Round(0).IntPart()
		if !domain.ValidPrice(ticks) {
			return nil, fmt.Errorf("price %q out of range: %w", r.Price, domain.ErrInvalidInput)
		}
		qty := size.Floor().IntPart()
		if ticks == 0 || qty <= 0 {
			continue
		}
		levels = append(levels, domain.Level{Price: ticks, Qty: qty})
	}
	return levels, nil
}

func percentile(window []time.Duration, p int) time.Duration {
	if len(window) == 0 {
		return 0
	}
	slices.Sort(window)
	idx := (len(window) - 1) * p / 100
	return window[idx]
}
