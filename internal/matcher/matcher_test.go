package matcher_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/matcher"
)

var resolve = time.Date(2026, 4, 10, 12, 30, 0, 0, time.UTC)

func binaryOutcomes() []domain.Outcome {
	return []domain.Outcome{
		{ID: "yes", Label: "Yes", Type: domain.OutcomeBinary, Tags: map[string]string{domain.TagSide: "yes"}},
		{ID: "no", Label: "No", Type: domain.OutcomeBinary, Tags: map[string]string{domain.TagSide: "no"}},
	}
}

func cpiMarket(venue domain.VenueID, id, title, desc, source string, at time.Time) domain.Market {
	return domain.Market{
		Venue:            venue,
		ID:               id,
		Title:            title,
		Description:      desc,
		ResolutionSource: source,
		ResolutionTime:   at,
		Status:           domain.MarketActive,
		Category:         "economics",
		Tags: map[string]string{
			domain.TagEntity: "cpi", domain.TagPeriod: "2026-03", domain.TagYear: "2026",
		},
		Outcomes: binaryOutcomes(),
	}
}

func blsPair() (domain.Market, domain.Market) {
	a := cpiMarket(domain.VenueKalshi, "KXCPI-26MAR-T0.3",
		"Will CPI rise more than 0.3% in March 2026?",
		"Resolves Yes if the month-over-month CPI change exceeds 0.3%.",
		"bls.gov", resolve)
	b := cpiMarket(domain.VenuePolymarket, "0xcpi-mar-26",
		"Will CPI rise more than 0.3% in March 2026?",
		"This market resolves to Yes if CPI increases by more than 0.3% month over month.",
		"https://www.bls.gov/cpi/", resolve.Add(10*time.Minute))
	return a, b
}

func newMatcher(opts ...matcher.Option) *matcher.Matcher {
	cfg := matcher.DefaultConfig()
	cfg.Workers = 4
	return matcher.New(cfg, opts...)
}

func checkByName(t *testing.T, p domain.DuplicatePair, name string) domain.CheckResult {
	t.Helper()
	for _, c := range p.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not recorded", name)
	return domain.CheckResult{}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "will the u s cpi rise 0 3% in march", matcher.Normalize("  Will the U.S. CPI rise 0.3% in   March?! "))
	assert.Equal(t, "senal economica", matcher.Normalize("Señal Económica"))
	assert.Equal(t, "", matcher.Normalize("?!  ..."))
}

func TestScore_Tiers(t *testing.T) {
	mk := func(title string) domain.Market { return domain.Market{Title: title} }

	assert.Equal(t, matcher.ScoreExact, matcher.Score(mk("Fed cuts rates in June?"), mk("fed cuts rates in june")))
	assert.Equal(t, matcher.ScoreSynonym, matcher.Score(mk("Federal Reserve rate cut in June"), mk("FOMC rate cut in June")))
	assert.Equal(t, matcher.ScoreStopWords, matcher.Score(mk("Will the Fed announce a rate cut in June"), mk("Fed announce rate cut June")))
	assert.Less(t, matcher.Score(mk("Bitcoin above 100k"), mk("Ethereum above 5k")), 0.75)
}

func TestScore_TagOverlap(t *testing.T) {
	a := domain.Market{Title: "x", Tags: map[string]string{"entity": "cpi", "period": "2026-03", "metric": "mom"}}
	b := domain.Market{Title: "y", Tags: map[string]string{"entity": "CPI", "period": "2026-03", "metric": "yoy"}}
	// shared {entity, period}, union 4
	assert.InDelta(t, 0.5, matcher.Score(a, b), 1e-9)
	assert.Equal(t, 2, matcher.SharedHighConfidenceTags(a, b))
}

func TestEvaluate_IdenticalBLSMarketsTenMinutesApart(t *testing.T) {
	a, b := blsPair()
	m := newMatcher()

	p, candidate := m.Evaluate(a, b)
	require.True(t, candidate)
	assert.True(t, p.SpecOK, "checks: %+v", p.Checks)
	assert.GreaterOrEqual(t, p.Confidence, 0.8)
	assert.InDelta(t, 1.0, p.Confidence, 1e-9)
	assert.True(t, checkByName(t, p, matcher.CheckSource).Exact)
	assert.True(t, p.Tradeable())
	require.Len(t, p.OutcomeLinks, 2)
	assert.Equal(t, domain.OutcomeLink{AOutcome: "yes", BOutcome: "yes"}, p.OutcomeLinks[0])
}

func TestEvaluate_MoMvsYoYFailsMeasurement(t *testing.T) {
	a, b := blsPair()
	b.Description = "Resolves Yes if the year-over-year CPI change exceeds 0.3%."
	m := newMatcher()

	p, candidate := m.Evaluate(a, b)
	require.True(t, candidate)
	assert.False(t, p.SpecOK)
	assert.Zero(t, p.Confidence)
	c := checkByName(t, p, matcher.CheckMeasurement)
	assert.False(t, c.Passed)
	assert.Contains(t, c.Detail, "change_basis")
	assert.False(t, p.Tradeable())
}

func TestEvaluate_EquivalentSourceIsNotExact(t *testing.T) {
	a, b := blsPair()
	b.ResolutionSource = "Bureau of Labor Statistics"
	p, _ := newMatcher().Evaluate(a, b)
	require.True(t, p.SpecOK)
	c := checkByName(t, p, matcher.CheckSource)
	assert.True(t, c.Passed)
	assert.False(t, c.Exact)
	assert.InDelta(t, 0.95, p.Confidence, 1e-9)
}

func TestEvaluate_MissingSourceOrTimestamp(t *testing.T) {
	a, b := blsPair()
	a.ResolutionSource = ""
	b.ResolutionTime = time.Time{}

	p, candidate := newMatcher().Evaluate(a, b)
	require.True(t, candidate)
	assert.False(t, p.SpecOK)
	src := checkByName(t, p, matcher.CheckSource)
	assert.False(t, src.Passed)
	assert.Contains(t, src.Detail, domain.ErrSpecAmbiguous.Error())
	assert.False(t, checkByName(t, p, matcher.CheckTiming).Passed)
}

func TestEvaluate_TimingTolerance(t *testing.T) {
	a, b := blsPair()
	b.ResolutionTime = a.ResolutionTime.Add(61 * time.Minute)
	p, _ := newMatcher().Evaluate(a, b)
	assert.False(t, checkByName(t, p, matcher.CheckTiming).Passed)

	cfg := matcher.DefaultConfig()
	cfg.TimingTolerance = 2 * time.Hour
	p, _ = matcher.New(cfg).Evaluate(a, b)
	assert.True(t, checkByName(t, p, matcher.CheckTiming).Passed)
}

func TestEvaluate_JurisdictionMismatch(t *testing.T) {
	a, b := blsPair()
	a.Title = "Will US CPI rise more than 0.3% in March 2026?"
	b.Title = "Will UK CPI rise more than 0.3% in March 2026?"
	p, candidate := newMatcher().Evaluate(a, b)
	require.True(t, candidate, "shared tags keep it a candidate")
	assert.False(t, checkByName(t, p, matcher.CheckJurisdiction).Passed)
	assert.False(t, p.SpecOK)
}

func TestEvaluate_CoreVsHeadline(t *testing.T) {
	a, b := blsPair()
	a.Description = "Resolves Yes if month-over-month core CPI exceeds 0.3%."
	p, _ := newMatcher().Evaluate(a, b)
	assert.False(t, checkByName(t, p, matcher.CheckMeasurement).Passed)
}

func TestLinkOutcomes_PolarityInverts(t *testing.T) {
	a, b := blsPair()
	a.Tags[domain.TagPolarity] = "positive"
	b.Tags[domain.TagPolarity] = "negative"
	links, err := matcher.LinkOutcomes(a, b)
	require.NoError(t, err)
	for _, l := range links {
		assert.True(t, l.Inverted)
	}
}

func TestLinkOutcomes_SideTagsNotLabels(t *testing.T) {
	a, b := blsPair()
	// Labels swapped on purpose; side tags are authoritative.
	b.Outcomes = []domain.Outcome{
		{ID: "tok-1", Label: "No", Type: domain.OutcomeBinary, Tags: map[string]string{domain.TagSide: "yes"}},
		{ID: "tok-2", Label: "Yes", Type: domain.OutcomeBinary, Tags: map[string]string{domain.TagSide: "no"}},
	}
	links, err := matcher.LinkOutcomes(a, b)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", links[0].BOutcome)
	assert.Equal(t, "tok-2", links[1].BOutcome)
}

func TestOutcomeSemantics_Categorical(t *testing.T) {
	cat := func(ids ...string) []domain.Outcome {
		out := make([]domain.Outcome, len(ids))
		for i, id := range ids {
			out[i] = domain.Outcome{ID: id, Type: domain.OutcomeCategorical, Tags: map[string]string{domain.TagEntity: strings.ToUpper(id)}}
		}
		return out
	}
	a, b := blsPair()
	a.Outcomes = cat("alice", "bob", "carol")
	b.Outcomes = cat("carol", "alice", "bob")
	p, _ := newMatcher().Evaluate(a, b)
	assert.True(t, checkByName(t, p, matcher.CheckOutcomes).Passed)
	require.Len(t, p.OutcomeLinks, 3)

	b.Outcomes = cat("alice", "bob", "dave")
	p, _ = newMatcher().Evaluate(a, b)
	assert.False(t, checkByName(t, p, matcher.CheckOutcomes).Passed)

	b.Outcomes = cat("alice", "bob")
	p, _ = newMatcher().Evaluate(a, b)
	assert.False(t, checkByName(t, p, matcher.CheckOutcomes).Passed)
}

func TestOverrides_BlacklistAndForce(t *testing.T) {
	ctx := context.Background()
	a, b := blsPair()
	key := domain.PairKey{A: a.Key(), B: b.Key()}
	m := newMatcher()

	m.SetOverride(domain.OverrideEntry{Key: key, Kind: domain.OverrideBlacklist, Reason: "different contract terms"})
	pairs, err := m.Update(ctx, []domain.Market{a}, []domain.Market{b})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.True(t, pairs[0].SpecOK, "blacklist never suppresses computed checks")
	assert.Equal(t, domain.OverrideBlacklist, pairs[0].Override)
	assert.False(t, pairs[0].Tradeable())
	assert.Empty(t, m.Tradeable())

	// Force a pair that fails a check and is not even a title candidate.
	c := cpiMarket(domain.VenuePolymarket, "0xother", "Completely unrelated wording", "year over year", "bls.gov", resolve)
	c.Tags = nil
	fkey := domain.PairKey{A: a.Key(), B: c.Key()}
	m.SetOverride(domain.OverrideEntry{Key: fkey, Kind: domain.OverrideForce})
	pairs, err = m.Update(ctx, []domain.Market{a}, []domain.Market{b, c})
	require.NoError(t, err)

	var forced *domain.DuplicatePair
	for i := range pairs {
		if pairs[i].Key == fkey {
			forced = &pairs[i]
		}
	}
	require.NotNil(t, forced)
	assert.False(t, forced.SpecOK)
	assert.Zero(t, forced.Confidence)
	assert.NotEmpty(t, forced.FailedChecks())
	assert.True(t, forced.Tradeable())
}

type countingStore struct {
	mu      sync.Mutex
	upserts [][]domain.DuplicatePair
}

func (s *countingStore) UpsertPairs(_ context.Context, pairs []domain.DuplicatePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, pairs)
	return nil
}

func (s *countingStore) ListPairs(context.Context) ([]domain.DuplicatePair, error) { return nil, nil }

func TestUpdate_Incremental(t *testing.T) {
	ctx := context.Background()
	a, b := blsPair()
	other := cpiMarket(domain.VenueKalshi, "KXFED-26JUN", "Fed rate cut in June 2026?", "", "federalreserve.gov", resolve)
	other.Tags = map[string]string{domain.TagEntity: "fed"}
	store := &countingStore{}
	m := newMatcher(matcher.WithStore(store))

	pairs, err := m.Update(ctx, []domain.Market{a, other}, []domain.Market{b})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Len(t, store.upserts, 1)

	// Same catalogs: nothing re-scored, nothing published.
	pairs, err = m.Update(ctx, []domain.Market{a, other}, []domain.Market{b})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Len(t, store.upserts, 1)

	// A changed market is re-scored and its verdict replaced.
	b.Description = "Resolves on the year-over-year CPI change."
	pairs, err = m.Update(ctx, []domain.Market{a, other}, []domain.Market{b})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.False(t, pairs[0].SpecOK)
	assert.Len(t, store.upserts, 2)

	// Resolved markets drop out with their verdicts.
	a.Status = domain.MarketResolved
	pairs, err = m.Update(ctx, []domain.Market{a, other}, []domain.Market{b})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestUpdate_SpecOKImpliesEveryCheckPassed(t *testing.T) {
	ctx := context.Background()
	a, b := blsPair()
	var catA, catB []domain.Market
	for i, desc := range []string{
		a.Description,
		"Resolves on the year-over-year change.",
		"Resolves on the seasonally adjusted month-over-month change.",
		"Resolves on the core month-over-month change.",
	} {
		ma := a
		ma.ID = a.ID + string(rune('a'+i))
		ma.Description = desc
		catA = append(catA, ma)
		mb := b
		mb.ID = b.ID + string(rune('a'+i))
		catB = append(catB, mb)
	}

	pairs, err := newMatcher().Update(ctx, catA, catB)
	require.NoError(t, err)
	require.NotEmpty(t, pairs)
	for _, p := range pairs {
		if p.SpecOK {
			assert.Len(t, p.Checks, len(matcher.Checks))
			assert.Empty(t, p.FailedChecks(), p.ID())
			assert.GreaterOrEqual(t, p.Confidence, 0.8)
		} else {
			assert.Zero(t, p.Confidence)
		}
	}
}

func TestUpdate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a, b := blsPair()
	_, err := newMatcher().Update(ctx, []domain.Market{a}, []domain.Market{b})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeSource(t *testing.T) {
	assert.Equal(t, "bls.gov", matcher.NormalizeSource("https://www.bls.gov/cpi/"))
	assert.Equal(t, "bls.gov", matcher.NormalizeSource("BLS.gov"))
	assert.Equal(t, "bureau of labor statistics", matcher.NormalizeSource("Bureau of Labor Statistics"))
	assert.Equal(t, "", matcher.NormalizeSource("   "))
}
