package matcher

import (
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// Check names as recorded in CheckResult.Name.
const (
	CheckSource       = "resolution_source"
	CheckTiming       = "resolution_timing"
	CheckOutcomes     = "outcome_semantics"
	CheckMeasurement  = "measurement_criteria"
	CheckJurisdiction = "jurisdiction"
)

// Check is one stage-2 spec check. Checks are pure and never panic on
// missing data; they fail with a detail string instead.
type Check struct {
	Name string
	Run  func(a, b domain.Market, rules *Rules) domain.CheckResult
}

// Checks is the ordered list of stage-2 checks. spec_ok is the AND of all.
var Checks = []Check{
	{CheckSource, CheckResolutionSource},
	{CheckTiming, CheckResolutionTiming},
	{CheckOutcomes, CheckOutcomeSemantics},
	{CheckMeasurement, CheckMeasurementCriteria},
	{CheckJurisdiction, CheckJurisdictionScope},
}

// RunChecks runs every check and reports whether all passed.
func RunChecks(a, b domain.Market, rules *Rules) ([]domain.CheckResult, bool) {
	out := make([]domain.CheckResult, 0, len(Checks))
	ok := true
	for _, c := range Checks {
		r := c.Run(a, b, rules)
		r.Name = c.Name
		ok = ok && r.Passed
		out = append(out, r)
	}
	return out, ok
}

func pass(detail string, args ...any) domain.CheckResult {
	return domain.CheckResult{Passed: true, Detail: fmt.Sprintf(detail, args...)}
}

func fail(detail string, args ...any) domain.CheckResult {
	return domain.CheckResult{Passed: false, Detail: fmt.Sprintf(detail, args...)}
}

func ambiguous(detail string, args ...any) domain.CheckResult {
	return fail("%s: %s", domain.ErrSpecAmbiguous, fmt.Sprintf(detail, args...))
}

// --- 1. resolution source ---

// CheckResolutionSource passes when both sources normalize to the same
// string (exact) or belong to the same equivalence group.
func CheckResolutionSource(a, b domain.Market, rules *Rules) domain.CheckResult {
	sa, sb := NormalizeSource(a.ResolutionSource), NormalizeSource(b.ResolutionSource)
	if sa == "" || sb == "" {
		return ambiguous("missing resolution source (a=%q b=%q)", a.ResolutionSource, b.ResolutionSource)
	}
	if sa == sb {
		r := pass("identical source %q", sa)
		r.Exact = true
		return r
	}
	ga, okA := rules.sourceGroup[sa]
	gb, okB := rules.sourceGroup[sb]
	if okA && okB && ga == gb {
		return pass("equivalent sources %q ~ %q", sa, sb)
	}
	return fail("sources differ: %q vs %q", sa, sb)
}

// NormalizeSource reduces a URL to its host without "www." and any other
// string to its normalized form.
func NormalizeSource(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}
	raw := s
	if !strings.Contains(raw, "://") && looksLikeHost(raw) {
		raw = "https://" + raw
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return strings.TrimPrefix(u.Hostname(), "www.")
	}
	return Normalize(s)
}

func looksLikeHost(s string) bool {
	if strings.ContainsAny(s, " \t") {
		return false
	}
	host, _, _ := strings.Cut(s, "/")
	i := strings.LastIndexByte(host, '.')
	return i > 0 && i < len(host)-2
}

// --- 2. timing ---

// CheckResolutionTiming passes when the resolution timestamps are within
// the configured tolerance.
func CheckResolutionTiming(a, b domain.Market, rules *Rules) domain.CheckResult {
	if a.ResolutionTime.IsZero() || b.ResolutionTime.IsZero() {
		return ambiguous("missing resolution timestamp (a=%v b=%v)", !a.ResolutionTime.IsZero(), !b.ResolutionTime.IsZero())
	}
	d := a.ResolutionTime.Sub(b.ResolutionTime)
	if d < 0 {
		d = -d
	}
	if d <= rules.TimingTolerance {
		return pass("resolution %s apart (tolerance %s)", d, rules.TimingTolerance)
	}
	return fail("resolution %s apart exceeds %s", d.Round(time.Second), rules.TimingTolerance)
}

// --- 3. outcome semantics ---

// CheckOutcomeSemantics passes when outcome counts match and every outcome
// of A can be linked to exactly one outcome of B from tag data.
func CheckOutcomeSemantics(a, b domain.Market, _ *Rules) domain.CheckResult {
	if len(a.Outcomes) == 0 || len(b.Outcomes) == 0 {
		return ambiguous("no outcomes (a=%d b=%d)", len(a.Outcomes), len(b.Outcomes))
	}
	if len(a.Outcomes) != len(b.Outcomes) {
		return fail("outcome count %d vs %d", len(a.Outcomes), len(b.Outcomes))
	}
	links, err := LinkOutcomes(a, b)
	if err != nil {
		return fail("%v", err)
	}
	if a.IsBinary() && b.IsBinary() {
		return pass("binary, inverted=%v", links[0].Inverted)
	}
	return pass("%d categorical outcomes with equal tag sets", len(links))
}

// LinkOutcomes derives the outcome correspondence of two markets. Binary
// outcomes are linked by their side tag (outcome id as fallback), and the
// link is inverted when the markets' polarity tags differ. Categorical
// outcomes are linked by tag-set equality. Labels are never used.
func LinkOutcomes(a, b domain.Market) ([]domain.OutcomeLink, error) {
	if len(a.Outcomes) != len(b.Outcomes) {
		return nil, fmt.Errorf("outcome count %d vs %d: %w", len(a.Outcomes), len(b.Outcomes), domain.ErrSpecAmbiguous)
	}
	if a.IsBinary() != b.IsBinary() {
		return nil, fmt.Errorf("binary vs categorical: %w", domain.ErrSpecAmbiguous)
	}

	if a.IsBinary() {
		inverted := false
		pa, pb := a.Tags[domain.TagPolarity], b.Tags[domain.TagPolarity]
		if pa != "" && pb != "" && Normalize(pa) != Normalize(pb) {
			inverted = true
		}
		links := make([]domain.OutcomeLink, 0, len(a.Outcomes))
		used := make(map[string]bool)
		for _, oa := range a.Outcomes {
			ob, ok := findBySide(oa, b.Outcomes)
			if !ok || used[ob.ID] {
				return nil, fmt.Errorf("outcome %q has no side-tagged counterpart: %w", oa.ID, domain.ErrSpecAmbiguous)
			}
			used[ob.ID] = true
			links = append(links, domain.OutcomeLink{AOutcome: oa.ID, BOutcome: ob.ID, Inverted: inverted})
		}
		return links, nil
	}

	links := make([]domain.OutcomeLink, 0, len(a.Outcomes))
	used := make(map[string]bool)
	for _, oa := range a.Outcomes {
		var match *domain.Outcome
		for i := range b.Outcomes {
			ob := &b.Outcomes[i]
			if used[ob.ID] || len(oa.Tags) == 0 {
				continue
			}
			if equalTags(oa.Tags, ob.Tags) {
				if match != nil {
					return nil, fmt.Errorf("outcome %q matches several outcomes: %w", oa.ID, domain.ErrSpecAmbiguous)
				}
				match = ob
			}
		}
		if match == nil {
			return nil, fmt.Errorf("outcome %q tag set %v has no counterpart: %w", oa.ID, oa.Tags, domain.ErrSpecAmbiguous)
		}
		used[match.ID] = true
		links = append(links, domain.OutcomeLink{AOutcome: oa.ID, BOutcome: match.ID})
	}
	return links, nil
}

func findBySide(o domain.Outcome, candidates []domain.Outcome) (domain.Outcome, bool) {
	side := Normalize(o.Tags[domain.TagSide])
	for _, c := range candidates {
		if side != "" && Normalize(c.Tags[domain.TagSide]) == side {
			return c, true
		}
	}
	if side != "" {
		return domain.Outcome{}, false
	}
	for _, c := range candidates {
		if c.Tags[domain.TagSide] == "" && strings.EqualFold(c.ID, o.ID) {
			return c, true
		}
	}
	return domain.Outcome{}, false
}

func equalTags(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || Normalize(va) != Normalize(vb) {
			return false
		}
	}
	return true
}

// --- 4. measurement criteria ---

// Pattern is one named measurement pattern.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// PatternGroup is a set of mutually exclusive measurement patterns. Patterns
// are tried in order and each match is blanked out before the next pattern
// runs, so "not seasonally adjusted" can precede "seasonally adjusted".
type PatternGroup struct {
	Name     string
	Patterns []Pattern
}

func (g PatternGroup) match(text string) []string {
	var names []string
	for _, p := range g.Patterns {
		if p.Re.MatchString(text) {
			names = append(names, p.Name)
			text = p.Re.ReplaceAllString(text, " ")
		}
	}
	return names
}

// DefaultMeasurementGroups is the built-in pattern table.
var DefaultMeasurementGroups = []PatternGroup{
	{Name: "change_basis", Patterns: []Pattern{
		{"mom", regexp.MustCompile(`\b(month over month|mom|m m|monthly change|from the previous month|from last month)\b`)},
		{"yoy", regexp.MustCompile(`\b(year over year|yoy|y y|12 month|twelve month|from a year ago|annual rate|annual change)\b`)},
		{"qoq", regexp.MustCompile(`\b(quarter over quarter|qoq|q q|annualized quarterly)\b`)},
	}},
	{Name: "scope", Patterns: []Pattern{
		{"core", regexp.MustCompile(`\bcore\b`)},
		{"headline", regexp.MustCompile(`\b(headline|all items)\b`)},
	}},
	{Name: "seasonal", Patterns: []Pattern{
		{"nsa", regexp.MustCompile(`\b(not seasonally adjusted|unadjusted|nsa)\b`)},
		{"sa", regexp.MustCompile(`\b(seasonally adjusted|sa)\b`)},
	}},
	{Name: "aggregation", Patterns: []Pattern{
		{"average", regexp.MustCompile(`\b(average|mean)\b`)},
		{"touch", regexp.MustCompile(`\b(at any (point|time)|intraday high|intraday low|reach|reaches|hit|hits)\b`)},
		{"close", regexp.MustCompile(`\b(close|closing|settle|settlement price|end of day)\b`)},
	}},
	{Name: "release", Patterns: []Pattern{
		{"advance", regexp.MustCompile(`\b(advance|initial|first) (estimate|release|print)\b`)},
		{"revised", regexp.MustCompile(`\b(revised|final|third) (estimate|release|print)\b`)},
	}},
}

// CheckMeasurementCriteria fails when any pattern group matches a different
// set of patterns in the two markets, or several exclusive patterns in one.
func CheckMeasurementCriteria(a, b domain.Market, rules *Rules) domain.CheckResult {
	ta := Normalize(a.Title + " " + a.Description)
	tb := Normalize(b.Title + " " + b.Description)
	var matched []string
	for _, g := range rules.MeasurementGroups {
		ma, mb := g.match(ta), g.match(tb)
		if len(ma) > 1 || len(mb) > 1 {
			return ambiguous("%s: exclusive patterns matched together (a=%v b=%v)", g.Name, ma, mb)
		}
		if !slices.Equal(ma, mb) {
			return fail("%s: a=%v b=%v", g.Name, ma, mb)
		}
		if len(ma) == 1 {
			matched = append(matched, g.Name+"="+ma[0])
		}
	}
	if len(matched) == 0 {
		return pass("no measurement patterns")
	}
	return pass("agree on %s", strings.Join(matched, ","))
}

// --- 5. jurisdiction ---

// DefaultJurisdictions maps normalized phrases to a jurisdiction keyword.
var DefaultJurisdictions = map[string]string{
	"us": "us", "u s": "us", "united states": "us", "usa": "us", "national": "us", "nationwide": "us",
	"uk": "uk", "u k": "uk", "united kingdom": "uk", "britain": "uk", "england": "uk",
	"eurozone": "eu", "euro area": "eu", "european union": "eu", "eu": "eu",
	"canada": "ca", "mexico": "mx", "china": "cn", "japan": "jp", "germany": "de", "france": "fr",
	"california": "us-ca", "texas": "us-tx", "new york": "us-ny", "florida": "us-fl",
	"pennsylvania": "us-pa", "georgia": "us-ga", "arizona": "us-az", "michigan": "us-mi",
	"nevada": "us-nv", "wisconsin": "us-wi", "north carolina": "us-nc", "ohio": "us-oh",
	"global": "world", "worldwide": "world",
}

// Jurisdictions extracts the jurisdiction keyword set of a market.
func Jurisdictions(m domain.Market, table map[string]string) []string {
	set := make(map[string]struct{})
	text := " " + Normalize(m.Title+" "+m.Description) + " "
	for phrase, kw := range table {
		if strings.Contains(text, " "+phrase+" ") {
			set[kw] = struct{}{}
		}
	}
	if j := m.AllTags()[domain.TagJurisdiction]; j != "" {
		n := Normalize(j)
		if kw, ok := table[n]; ok {
			set[kw] = struct{}{}
		} else {
			set[n] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// CheckJurisdictionScope passes when both markets extract the same
// jurisdiction keyword set.
func CheckJurisdictionScope(a, b domain.Market, rules *Rules) domain.CheckResult {
	ja, jb := Jurisdictions(a, rules.Jurisdictions), Jurisdictions(b, rules.Jurisdictions)
	if !slices.Equal(ja, jb) {
		return fail("jurisdiction %v vs %v", ja, jb)
	}
	if len(ja) == 0 {
		return pass("no jurisdiction keywords")
	}
	return pass("jurisdiction %v", ja)
}
