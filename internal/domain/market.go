package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// VenueID identifies a prediction-market venue.
type VenueID string

const (
	// VenueKalshi charges taker fees on a p×(1−p) curve.
	VenueKalshi VenueID = "kalshi"
	// VenuePolymarket is fee-free.
	VenuePolymarket VenueID = "polymarket"
)

// MarketStatus is the lifecycle state observed from upstream.
type MarketStatus string

const (
	MarketActive    MarketStatus = "active"
	MarketResolved  MarketStatus = "resolved"
	MarketCancelled MarketStatus = "cancelled"
)

// OutcomeType distinguishes yes/no markets from multi-outcome markets.
type OutcomeType string

const (
	OutcomeBinary      OutcomeType = "binary"
	OutcomeCategorical OutcomeType = "categorical"
)

// Well-known mapping tag keys. Tags with these keys count as
// high-confidence evidence during candidate generation.
const (
	TagEntity       = "entity"
	TagMetric       = "metric"
	TagPeriod       = "period"
	TagJurisdiction = "jurisdiction"
	TagYear         = "year"
	TagSubcategory  = "subcategory"
	TagCategory     = "category"
	// TagSide marks a binary outcome as the "yes" or "no" side.
	TagSide = "side"
	// TagPolarity marks how a market is phrased (positive|negative).
	// Two binary markets with different polarity are complementary.
	TagPolarity = "polarity"
)

// HighConfidenceTags are the tag keys that count towards the shared-tag
// candidate rule.
var HighConfidenceTags = []string{TagEntity, TagMetric, TagPeriod, TagJurisdiction, TagYear, TagSubcategory}

// MarketKey identifies a market across venues.
type MarketKey struct {
	Venue VenueID
	ID    string
}

func (k MarketKey) String() string {
	return string(k.Venue) + ":" + k.ID
}

// Outcome is one tradeable side of a Market. Immutable.
type Outcome struct {
	ID    string
	Label string
	Type  OutcomeType
	Tags  map[string]string
}

// Market is a normalized catalog entry. Immutable once resolved.
type Market struct {
	Venue            VenueID
	ID               string
	Title            string
	Description      string
	ResolutionSource string
	ResolutionTime   time.Time
	Timezone         string
	Status           MarketStatus
	Category         string
	// EventKey groups markets that settle on the same real-world event
	// for exposure accounting. Empty means "use the pair key".
	EventKey string
	Tags     map[string]string
	Outcomes []Outcome
}

// Key returns the venue-qualified market key.
func (m Market) Key() MarketKey {
	return MarketKey{Venue: m.Venue, ID: m.ID}
}

// Active reports whether the market is still trading.
func (m Market) Active() bool {
	return m.Status == MarketActive || m.Status == ""
}

// Outcome returns the outcome with the given id.
func (m Market) Outcome(id string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// IsBinary reports whether every outcome is binary.
func (m Market) IsBinary() bool {
	if len(m.Outcomes) == 0 {
		return false
	}
	for _, o := range m.Outcomes {
		if o.Type != OutcomeBinary {
			return false
		}
	}
	return true
}

// TimeToResolution returns the remaining time until resolution.
// Returns 0 if the resolution time is unknown or already passed.
func (m Market) TimeToResolution(now time.Time) time.Duration {
	if m.ResolutionTime.IsZero() {
		return 0
	}
	d := m.ResolutionTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CategoryTag returns the category used for risk overrides, falling back
// to the category mapping tag.
func (m Market) CategoryTag() string {
	if m.Category != "" {
		return strings.ToLower(m.Category)
	}
	return strings.ToLower(m.Tags[TagCategory])
}

// AllTags merges market-level tags with the tags of every outcome.
func (m Market) AllTags() map[string]string {
	out := make(map[string]string, len(m.Tags))
	for k, v := range m.Tags {
		out[k] = v
	}
	for _, o := range m.Outcomes {
		for k, v := range o.Tags {
			if k == TagSide {
				continue
			}
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out
}

// Fingerprint hashes every field the matcher looks at. Two snapshots of a
// market with the same fingerprint produce the same match verdicts.
func (m Market) Fingerprint() uint64 {
	var sb strings.Builder
	sb.WriteString(string(m.Venue))
	sb.WriteByte('|')
	sb.WriteString(m.ID)
	sb.WriteByte('|')
	sb.WriteString(m.Title)
	sb.WriteByte('|')
	sb.WriteString(m.Description)
	sb.WriteByte('|')
	sb.WriteString(m.ResolutionSource)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(m.ResolutionTime.Unix(), 10))
	sb.WriteByte('|')
	sb.WriteString(string(m.Status))
	sb.WriteByte('|')
	sb.WriteString(m.Category)
	writeTags(&sb, m.Tags)
	for _, o := range m.Outcomes {
		sb.WriteByte('#')
		sb.WriteString(o.ID)
		sb.WriteByte('|')
		sb.WriteString(string(o.Type))
		writeTags(&sb, o.Tags)
	}
	return xxhash.Sum64String(sb.String())
}

func writeTags(sb *strings.Builder, tags map[string]string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(';')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(tags[k])
	}
}
