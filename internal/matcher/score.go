package matcher

import (
	"slices"
	"strings"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// Similarity tiers for title matches.
const (
	ScoreExact     = 1.0
	ScoreSynonym   = 0.9
	ScoreStopWords = 0.8
)

// scorer holds the prepared synonym and stop-word tables.
type scorer struct {
	syn  *synonyms
	stop map[string]struct{}
}

func newScorer(synTable map[string][]string, stopWords []string) *scorer {
	stop := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		stop[Normalize(w)] = struct{}{}
	}
	return &scorer{syn: newSynonyms(synTable), stop: stop}
}

// titleForms are the precomputed normalized forms of one market title.
type titleForms struct {
	norm      string
	canon     string
	stripped  string
	strippedS string // sorted token set of stripped
}

func (s *scorer) forms(title string) titleForms {
	n := Normalize(title)
	c := canonical(tokens(n), s.syn)
	st := dropStopWords(c, s.stop)
	set := slices.Clone(st)
	slices.Sort(set)
	set = slices.Compact(set)
	return titleForms{
		norm:      n,
		canon:     strings.Join(c, " "),
		stripped:  strings.Join(st, " "),
		strippedS: strings.Join(set, " "),
	}
}

// score returns the stage-1 similarity of two markets.
func (s *scorer) score(a, b domain.Market, fa, fb titleForms) float64 {
	switch {
	case fa.norm != "" && fa.norm == fb.norm:
		return ScoreExact
	case fa.canon != "" && fa.canon == fb.canon:
		return ScoreSynonym
	case fa.stripped != "" && (fa.stripped == fb.stripped || fa.strippedS == fb.strippedS):
		return ScoreStopWords
	}
	return TagOverlap(a, b)
}

// Score returns the similarity of two market titles and tags, using the
// default tables.
func Score(a, b domain.Market) float64 {
	s := newScorer(DefaultSynonyms, DefaultStopWords)
	return s.score(a, b, s.forms(a.Title), s.forms(b.Title))
}

// TagOverlap is |shared tags| / |union of tags| over market and outcome
// mapping tags. A tag is shared when both key and normalized value agree.
func TagOverlap(a, b domain.Market) float64 {
	ta, tb := tagSet(a), tagSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	return float64(shared) / float64(union)
}

// SharedHighConfidenceTags counts high-confidence tag keys on which both
// markets agree.
func SharedHighConfidenceTags(a, b domain.Market) int {
	ta, tb := a.AllTags(), b.AllTags()
	n := 0
	for _, k := range domain.HighConfidenceTags {
		va, okA := ta[k]
		vb, okB := tb[k]
		if okA && okB && va != "" && Normalize(va) == Normalize(vb) {
			n++
		}
	}
	return n
}

func tagSet(m domain.Market) map[string]struct{} {
	all := m.AllTags()
	out := make(map[string]struct{}, len(all))
	for k, v := range all {
		if k == domain.TagPolarity {
			continue
		}
		out[k+"="+Normalize(v)] = struct{}{}
	}
	return out
}
