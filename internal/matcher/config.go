package matcher

import (
	"time"
)

// Config controla los umbrales del matcher. Todos son configurables; los
// defaults reproducen la tabla de confianza original.
type Config struct {
	CandidateThreshold float64
	MinSharedTags      int
	TimingTolerance    time.Duration
	BaseConfidence     float64
	SimilarityBoost    float64
	SimilarityBoostMin float64
	ExactSourceBoost   float64
	// EquivalentSources lists groups of sources that resolve identically,
	// e.g. {"bls.gov", "Bureau of Labor Statistics"}.
	EquivalentSources [][]string
	Synonyms          map[string][]string
	StopWords         []string
	Jurisdictions     map[string]string
	MeasurementGroups []PatternGroup
	Workers           int
}

// DefaultEquivalentSources is the built-in equivalent-source table.
var DefaultEquivalentSources = [][]string{
	{"bls.gov", "bureau of labor statistics", "us bureau of labor statistics", "u s bureau of labor statistics", "bls"},
	{"bea.gov", "bureau of economic analysis", "bea"},
	{"federalreserve.gov", "federal reserve", "federal reserve board", "fomc"},
	{"census.gov", "us census bureau", "census bureau"},
	{"apnews.com", "associated press", "ap"},
	{"coinbase.com", "coinbase"},
	{"binance.com", "binance"},
	{"noaa.gov", "national weather service", "weather.gov", "nws"},
}

// DefaultConfig returns the built-in matcher configuration.
func DefaultConfig() Config {
	return Config{
		CandidateThreshold: 0.75,
		MinSharedTags:      3,
		TimingTolerance:    time.Hour,
		BaseConfidence:     0.8,
		SimilarityBoost:    0.15,
		SimilarityBoostMin: 0.95,
		ExactSourceBoost:   0.05,
		EquivalentSources:  DefaultEquivalentSources,
		Synonyms:           DefaultSynonyms,
		StopWords:          DefaultStopWords,
		Jurisdictions:      DefaultJurisdictions,
		MeasurementGroups:  DefaultMeasurementGroups,
	}
}

// Rules are the compiled tables the stage-2 checks read.
type Rules struct {
	TimingTolerance   time.Duration
	MeasurementGroups []PatternGroup
	Jurisdictions     map[string]string
	sourceGroup       map[string]int
}

// NewRules compiles cfg into check rules. Zero fields fall back to defaults.
func NewRules(cfg Config) *Rules {
	cfg = withDefaults(cfg)
	r := &Rules{
		TimingTolerance:   cfg.TimingTolerance,
		MeasurementGroups: cfg.MeasurementGroups,
		Jurisdictions:     cfg.Jurisdictions,
		sourceGroup:       make(map[string]int),
	}
	for i, group := range cfg.EquivalentSources {
		for _, s := range group {
			if n := NormalizeSource(s); n != "" {
				r.sourceGroup[n] = i
			}
		}
	}
	return r
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.CandidateThreshold <= 0 {
		cfg.CandidateThreshold = d.CandidateThreshold
	}
	if cfg.MinSharedTags <= 0 {
		cfg.MinSharedTags = d.MinSharedTags
	}
	if cfg.TimingTolerance <= 0 {
		cfg.TimingTolerance = d.TimingTolerance
	}
	if cfg.BaseConfidence <= 0 {
		cfg.BaseConfidence = d.BaseConfidence
	}
	if cfg.SimilarityBoostMin <= 0 {
		cfg.SimilarityBoostMin = d.SimilarityBoostMin
	}
	if cfg.EquivalentSources == nil {
		cfg.EquivalentSources = d.EquivalentSources
	}
	if cfg.Synonyms == nil {
		cfg.Synonyms = d.Synonyms
	}
	if cfg.StopWords == nil {
		cfg.StopWords = d.StopWords
	}
	if cfg.Jurisdictions == nil {
		cfg.Jurisdictions = d.Jurisdictions
	}
	if cfg.MeasurementGroups == nil {
		cfg.MeasurementGroups = d.MeasurementGroups
	}
	return cfg
}
