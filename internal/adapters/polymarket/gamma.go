package polymarket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

const (
	gammaMarketsPath = "/markets"
	gammaPageSize    = 100
	gammaMaxPages    = 50
)

// ListMarkets pagina Gamma /markets y devuelve los mercados activos.
// Markets that fail to map are skipped and logged.
func (c *Client) ListMarkets(ctx context.Context, venue domain.VenueID) ([]domain.Market, error) {
	if venue != domain.VenuePolymarket {
		return nil, fmt.Errorf("polymarket.ListMarkets %s: %w", venue, domain.ErrNotFound)
	}

	var all []domain.Market
	skipped := 0
	for page := 0; page < gammaMaxPages; page++ {
		url := fmt.Sprintf("%s%s?active=true&closed=false&limit=%d&offset=%d",
			c.gammaBase, gammaMarketsPath, gammaPageSize, page*gammaPageSize)

		var resp []gammaMarket
		if err := c.get(ctx, c.gammaLimiter, url, &resp); err != nil {
			return nil, fmt.Errorf("polymarket.ListMarkets page %d: %w", page, err)
		}

		for _, gm := range resp {
			m, err := mapGammaMarket(gm)
			if err != nil {
				skipped++
				slog.Debug("skipping gamma market", "condition_id", gm.ConditionID, "err", err)
				continue
			}
			all = append(all, m)
		}

		if len(resp) < gammaPageSize {
			break
		}
	}

	slog.Info("polymarket catalog fetched", "markets", len(all), "skipped", skipped)
	return all, nil
}
