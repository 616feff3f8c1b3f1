// Package matcher finds markets on two venues that settle on the same event.
//
// Stage 1 scores every cross-venue market pair cheaply (title tiers, tag
// overlap) and keeps candidates. Stage 2 runs five strict spec checks on each
// candidate; a pair is spec_ok only when all five pass. Verdicts are cached by
// market fingerprint so repeated passes only re-score what changed.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/ports"
)

// Matcher holds the verdict cache and the override list.
type Matcher struct {
	cfg    Config
	rules  *Rules
	scorer *scorer
	store  ports.PairStore // optional
	now    func() time.Time

	// passMu serializa los pases de Update.
	passMu sync.Mutex

	mu        sync.RWMutex
	overrides map[domain.PairKey]domain.OverrideEntry
	dirty     map[domain.PairKey]struct{}
	seen      map[domain.MarketKey]seenMarket
	verdicts  map[domain.PairKey]domain.DuplicatePair
}

type seenMarket struct {
	fp    uint64
	forms titleForms
}

// Option configura el Matcher.
type Option func(*Matcher)

// WithStore publishes changed verdicts to a PairStore after each pass.
func WithStore(s ports.PairStore) Option {
	return func(m *Matcher) { m.store = s }
}

// WithClock overrides time.Now for LastValidated.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// New crea un Matcher.
func New(cfg Config, opts ...Option) *Matcher {
	cfg = withDefaults(cfg)
	m := &Matcher{
		cfg:       cfg,
		rules:     NewRules(cfg),
		scorer:    newScorer(cfg.Synonyms, cfg.StopWords),
		now:       time.Now,
		overrides: make(map[domain.PairKey]domain.OverrideEntry),
		dirty:     make(map[domain.PairKey]struct{}),
		seen:      make(map[domain.MarketKey]seenMarket),
		verdicts:  make(map[domain.PairKey]domain.DuplicatePair),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetOverride records a force/blacklist decision. OverrideNone removes it.
// The pair is re-evaluated on the next pass; an already-known verdict picks
// up the new override immediately.
func (m *Matcher) SetOverride(e domain.OverrideEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setOverrideLocked(e)
}

func (m *Matcher) setOverrideLocked(e domain.OverrideEntry) {
	if e.Kind == domain.OverrideNone || e.Kind == "" {
		delete(m.overrides, e.Key)
	} else {
		m.overrides[e.Key] = e
	}
	m.dirty[e.Key] = struct{}{}
	if v, ok := m.verdicts[e.Key]; ok {
		v.Override = m.overrideLocked(e.Key)
		m.verdicts[e.Key] = v
	}
}

// ReplaceOverrides swaps the whole override list, as on a config reload.
func (m *Matcher) ReplaceOverrides(entries []domain.OverrideEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[domain.PairKey]struct{}, len(entries))
	for _, e := range entries {
		next[e.Key] = struct{}{}
	}
	for key := range m.overrides {
		if _, ok := next[key]; !ok {
			m.setOverrideLocked(domain.OverrideEntry{Key: key, Kind: domain.OverrideNone})
		}
	}
	for _, e := range entries {
		m.setOverrideLocked(e)
	}
}

// LoadOverrides reads persisted overrides into the matcher.
func (m *Matcher) LoadOverrides(ctx context.Context, store ports.OverrideStore) error {
	entries, err := store.ListOverrides(ctx)
	if err != nil {
		return fmt.Errorf("matcher.LoadOverrides: %w", err)
	}
	m.mu.Lock()
	for _, e := range entries {
		m.setOverrideLocked(e)
	}
	m.mu.Unlock()
	return nil
}

// Override returns the override of a pair.
func (m *Matcher) Override(key domain.PairKey) domain.Override {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overrideLocked(key)
}

func (m *Matcher) overrideLocked(key domain.PairKey) domain.Override {
	if e, ok := m.overrides[key]; ok {
		return e.Kind
	}
	return domain.OverrideNone
}

// Update runs one incremental pass over the two catalogs and returns every
// current verdict, sorted by pair key. Only pairs that touch a new or changed
// market, or whose override changed, are re-scored. Markets that are not
// active are dropped with their verdicts.
func (m *Matcher) Update(ctx context.Context, catalogA, catalogB []domain.Market) ([]domain.DuplicatePair, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	start := time.Now()
	activeA, changedA := m.diff(catalogA)
	activeB, changedB := m.diff(catalogB)

	m.mu.Lock()
	m.forgetMissing(activeA, activeB)
	overrides := make(map[domain.PairKey]domain.Override, len(m.overrides))
	for k, e := range m.overrides {
		overrides[k] = e.Kind
	}
	dirty := m.dirty
	m.dirty = make(map[domain.PairKey]struct{})
	m.mu.Unlock()

	jobs := m.plan(activeA, activeB, changedA, changedB, dirty, overrides)
	results, err := m.evaluateConcurrent(ctx, jobs)
	if err != nil {
		// El pase no terminó: los pares sucios se reintentan en el siguiente.
		m.mu.Lock()
		for k := range dirty {
			m.dirty[k] = struct{}{}
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("matcher.Update: %w", err)
	}

	m.mu.Lock()
	var changed []domain.DuplicatePair
	for _, r := range results {
		if !r.candidate {
			delete(m.verdicts, r.key)
			continue
		}
		// Overrides set during the pass win over the snapshot.
		r.pair.Override = m.overrideLocked(r.key)
		m.verdicts[r.key] = r.pair
		changed = append(changed, r.pair)
	}
	for k, mk := range changedA {
		m.seen[k] = mk
	}
	for k, mk := range changedB {
		m.seen[k] = mk
	}
	all := m.pairsLocked()
	m.mu.Unlock()

	slog.Debug("matcher pass complete",
		"markets_a", len(activeA),
		"markets_b", len(activeB),
		"changed", len(changedA)+len(changedB),
		"scored", len(jobs),
		"updated", len(changed),
		"pairs", len(all),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if m.store != nil && len(changed) > 0 {
		sortPairs(changed)
		if err := m.store.UpsertPairs(ctx, changed); err != nil {
			return all, fmt.Errorf("matcher.Update: persist: %w", err)
		}
	}
	return all, nil
}

// Pairs returns every current verdict.
func (m *Matcher) Pairs() []domain.DuplicatePair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pairsLocked()
}

// Tradeable returns the verdicts eligible for a trade plan.
func (m *Matcher) Tradeable() []domain.DuplicatePair {
	var out []domain.DuplicatePair
	for _, p := range m.Pairs() {
		if p.Tradeable() {
			out = append(out, p)
		}
	}
	return out
}

// Evaluate scores and checks a single pair without touching the cache.
// The second return is false when the pair is not a candidate.
func (m *Matcher) Evaluate(a, b domain.Market) (domain.DuplicatePair, bool) {
	key := domain.PairKey{A: a.Key(), B: b.Key()}
	r := m.evaluate(job{
		a: a, b: b,
		fa:       m.scorer.forms(a.Title),
		fb:       m.scorer.forms(b.Title),
		override: m.Override(key),
	})
	return r.pair, r.candidate
}

func (m *Matcher) pairsLocked() []domain.DuplicatePair {
	out := make([]domain.DuplicatePair, 0, len(m.verdicts))
	for _, p := range m.verdicts {
		out = append(out, p)
	}
	sortPairs(out)
	return out
}

type job struct {
	a, b     domain.Market
	fa, fb   titleForms
	override domain.Override
}

type result struct {
	key       domain.PairKey
	pair      domain.DuplicatePair
	candidate bool
}

type catalogEntry struct {
	market domain.Market
	seen   seenMarket
}

// diff returns the active markets of a catalog and the subset whose
// fingerprint is new or changed.
func (m *Matcher) diff(catalog []domain.Market) (map[domain.MarketKey]catalogEntry, map[domain.MarketKey]seenMarket) {
	active := make(map[domain.MarketKey]catalogEntry, len(catalog))
	changed := make(map[domain.MarketKey]seenMarket)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mk := range catalog {
		if !mk.Active() {
			continue
		}
		key := mk.Key()
		fp := mk.Fingerprint()
		prev, ok := m.seen[key]
		if ok && prev.fp == fp {
			active[key] = catalogEntry{market: mk, seen: prev}
			continue
		}
		s := seenMarket{fp: fp, forms: m.scorer.forms(mk.Title)}
		active[key] = catalogEntry{market: mk, seen: s}
		changed[key] = s
	}
	return active, changed
}

// forgetMissing drops cache entries for markets no longer active.
func (m *Matcher) forgetMissing(activeA, activeB map[domain.MarketKey]catalogEntry) {
	present := func(k domain.MarketKey) bool {
		if _, ok := activeA[k]; ok {
			return true
		}
		_, ok := activeB[k]
		return ok
	}
	for k := range m.seen {
		if !present(k) {
			delete(m.seen, k)
		}
	}
	for k := range m.verdicts {
		if !present(k.A) || !present(k.B) {
			delete(m.verdicts, k)
		}
	}
}

func (m *Matcher) plan(
	activeA, activeB map[domain.MarketKey]catalogEntry,
	changedA, changedB map[domain.MarketKey]seenMarket,
	dirty map[domain.PairKey]struct{},
	overrides map[domain.PairKey]domain.Override,
) []job {
	var jobs []job
	add := func(ea, eb catalogEntry) {
		key := domain.PairKey{A: ea.market.Key(), B: eb.market.Key()}
		jobs = append(jobs, job{
			a: ea.market, b: eb.market,
			fa: ea.seen.forms, fb: eb.seen.forms,
			override: overrides[key],
		})
	}

	for ka := range changedA {
		ea := activeA[ka]
		for _, eb := range activeB {
			add(ea, eb)
		}
	}
	for kb := range changedB {
		eb := activeB[kb]
		for ka, ea := range activeA {
			if _, done := changedA[ka]; done {
				continue
			}
			add(ea, eb)
		}
	}
	for key := range dirty {
		_, ca := changedA[key.A]
		_, cb := changedB[key.B]
		if ca || cb {
			continue
		}
		ea, okA := activeA[key.A]
		eb, okB := activeB[key.B]
		if okA && okB {
			add(ea, eb)
		}
	}
	return jobs
}

// evaluate is the per-pair work unit: stage 1 gate, then stage 2 checks.
func (m *Matcher) evaluate(j job) result {
	key := domain.PairKey{A: j.a.Key(), B: j.b.Key()}
	override := j.override
	if override == "" {
		override = domain.OverrideNone
	}

	sim := m.scorer.score(j.a, j.b, j.fa, j.fb)
	shared := SharedHighConfidenceTags(j.a, j.b)
	candidate := sim >= m.cfg.CandidateThreshold ||
		shared >= m.cfg.MinSharedTags ||
		override == domain.OverrideForce
	if !candidate {
		return result{key: key}
	}

	checks, ok := RunChecks(j.a, j.b, m.rules)
	links, err := LinkOutcomes(j.a, j.b)
	if err != nil {
		links = nil
	}

	return result{
		key:       key,
		candidate: true,
		pair: domain.DuplicatePair{
			Key:           key,
			A:             j.a,
			B:             j.b,
			Similarity:    sim,
			SpecOK:        ok,
			Confidence:    m.confidence(ok, sim, checks),
			Checks:        checks,
			Override:      override,
			OutcomeLinks:  links,
			LastValidated: m.now().UTC(),
		},
	}
}

func (m *Matcher) confidence(specOK bool, sim float64, checks []domain.CheckResult) float64 {
	if !specOK {
		return 0
	}
	c := m.cfg.BaseConfidence
	if sim >= m.cfg.SimilarityBoostMin {
		c += m.cfg.SimilarityBoost
	}
	for _, r := range checks {
		if r.Name == CheckSource && r.Exact {
			c += m.cfg.ExactSourceBoost
		}
	}
	return math.Min(c, 1.0)
}

func sortPairs(ps []domain.DuplicatePair) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Key.String() < ps[j].Key.String() })
}
