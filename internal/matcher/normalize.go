package matcher

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases s, strips accents and punctuation and collapses
// whitespace. Punctuation becomes a space so "U.S." and "u s" agree with
// each other but not with "us".
func Normalize(s string) string {
	s = strings.ToLower(s)

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}

	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		if r == '%' {
			return r
		}
		return ' '
	}, s)

	return strings.Join(strings.Fields(s), " ")
}

// tokens splits a normalized string.
func tokens(s string) []string {
	return strings.Fields(s)
}

// canonical replaces every token with its synonym-table canonical form.
// Multi-word synonyms are matched greedily, longest first.
func canonical(toks []string, syn *synonyms) []string {
	out := make([]string, 0, len(toks))
	for i := 0; i < len(toks); {
		if c, n := syn.match(toks[i:]); n > 0 {
			out = append(out, c)
			i += n
			continue
		}
		out = append(out, toks[i])
		i++
	}
	return out
}

func dropStopWords(toks []string, stop map[string]struct{}) []string {
	out := toks[:0:0]
	for _, t := range toks {
		if _, ok := stop[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// synonyms maps normalized phrases to a canonical token.
type synonyms struct {
	phrases map[string]string
	maxLen  int
}

func newSynonyms(table map[string][]string) *synonyms {
	s := &synonyms{phrases: make(map[string]string)}
	for canon, alts := range table {
		c := strings.ReplaceAll(Normalize(canon), " ", "_")
		add := func(p string) {
			p = Normalize(p)
			if p == "" {
				return
			}
			s.phrases[p] = c
			if n := len(strings.Fields(p)); n > s.maxLen {
				s.maxLen = n
			}
		}
		add(canon)
		for _, a := range alts {
			add(a)
		}
	}
	return s
}

func (s *synonyms) match(toks []string) (string, int) {
	for n := min(s.maxLen, len(toks)); n > 0; n-- {
		if c, ok := s.phrases[strings.Join(toks[:n], " ")]; ok {
			return c, n
		}
	}
	return "", 0
}

// DefaultSynonyms is the built-in synonym table, canonical → alternatives.
var DefaultSynonyms = map[string][]string{
	"cpi":           {"consumer price index", "inflation rate", "headline inflation"},
	"fed":           {"federal reserve", "fomc", "the fed"},
	"gdp":           {"gross domestic product"},
	"unemployment":  {"unemployment rate", "jobless rate"},
	"nfp":           {"nonfarm payrolls", "non farm payrolls", "jobs report"},
	"us":            {"u s", "united states", "usa"},
	"uk":            {"u k", "united kingdom", "britain", "great britain"},
	"above":         {"over", "higher than", "greater than", "more than", "exceed", "exceeds"},
	"below":         {"under", "lower than", "less than"},
	"rate cut":      {"cut rates", "lower rates", "rate reduction"},
	"rate hike":     {"raise rates", "hike rates", "rate increase"},
	"mom":           {"month over month", "monthly"},
	"yoy":           {"year over year", "annual", "annually"},
	"president":     {"presidency", "presidential"},
	"jan":           {"january"},
	"feb":           {"february"},
	"mar":           {"march"},
	"apr":           {"april"},
	"jun":           {"june"},
	"jul":           {"july"},
	"aug":           {"august"},
	"sep":           {"september", "sept"},
	"oct":           {"october"},
	"nov":           {"november"},
	"dec":           {"december"},
	"btc":           {"bitcoin"},
	"eth":           {"ethereum", "ether"},
	"win":           {"wins", "winner", "won"},
	"percent":       {"pct", "per cent"},
	"interest rate": {"fed funds rate", "federal funds rate", "policy rate"},
}

// DefaultStopWords are dropped for the 0.8 tier.
var DefaultStopWords = []string{
	"the", "a", "an", "of", "in", "on", "at", "by", "to", "for", "be", "will", "is", "does", "do", "s",
}
