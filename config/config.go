package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/pairarb/internal/adapters/venue"
	"github.com/alejandrodnm/pairarb/internal/application/arb"
	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/execution"
	"github.com/alejandrodnm/pairarb/internal/fees"
	"github.com/alejandrodnm/pairarb/internal/matcher"
	"github.com/alejandrodnm/pairarb/internal/risk"
)

// Config es la configuración completa del daemon.
type Config struct {
	Engine    EngineConfig           `yaml:"engine"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	API       APIConfig              `yaml:"api"`
	Matcher   MatcherConfig          `yaml:"matcher"`
	Risk      RiskConfig             `yaml:"risk"`
	Execution ExecutionConfig        `yaml:"execution"`
	Paper     PaperConfig            `yaml:"paper"`
	Storage   StorageConfig          `yaml:"storage"`
	Log       LogConfig              `yaml:"log"`
	Metrics   MetricsConfig          `yaml:"metrics"`
}

// EngineConfig controla el ciclo de evaluación.
type EngineConfig struct {
	IntervalSeconds        int    `yaml:"interval_seconds"`
	TargetQty              int64  `yaml:"target_qty"` // contratos por plan
	Workers                int    `yaml:"workers"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	VenueA                 string `yaml:"venue_a"`
	VenueB                 string `yaml:"venue_b"`
	// pares adicionales; cada uno con su propio matcher
	ExtraPairs []VenuePairConfig `yaml:"extra_pairs"`
}

// VenuePairConfig names one more pair of venues to compare.
type VenuePairConfig struct {
	VenueA string `yaml:"venue_a"`
	VenueB string `yaml:"venue_b"`
}

// VenueConfig holds one venue's fee schedule and order rate limit.
// Coefficients follow fee = ceil(coeff × p × (1−p) × qty × 100).
type VenueConfig struct {
	TakerCoeff           float64  `yaml:"taker_coeff"`
	MakerCoeff           float64  `yaml:"maker_coeff"`
	MakerOverrideCoeff   float64  `yaml:"maker_override_coeff"`
	MakerOverrideMarkets []string `yaml:"maker_override_markets"`
	OrdersPerSec         float64  `yaml:"orders_per_sec"`
	OrderBurst           int      `yaml:"order_burst"`
}

// APIConfig contiene los base URLs de las APIs de Polymarket.
type APIConfig struct {
	CLOBBase        string `yaml:"clob_base"`
	GammaBase       string `yaml:"gamma_base"`
	BookStaleMillis int    `yaml:"book_stale_ms"`
}

// MatcherConfig controla umbrales y tablas del matcher.
type MatcherConfig struct {
	CandidateThreshold     float64             `yaml:"candidate_threshold"`
	MinSharedTags          int                 `yaml:"min_shared_tags"`
	TimingToleranceMinutes int                 `yaml:"timing_tolerance_minutes"`
	BaseConfidence         float64             `yaml:"base_confidence"`
	SimilarityBoost        float64             `yaml:"similarity_boost"`
	SimilarityBoostMin     float64             `yaml:"similarity_boost_min"`
	ExactSourceBoost       float64             `yaml:"exact_source_boost"`
	EquivalentSources      [][]string          `yaml:"equivalent_sources"` // se añaden a los built-in
	Synonyms               map[string][]string `yaml:"synonyms"`           // se mezclan con los built-in
	Workers                int                 `yaml:"workers"`
	Overrides              []OverrideConfig    `yaml:"overrides"`
}

// OverrideConfig is an operator decision on a market pair. A and B are
// "venue:market_id".
type OverrideConfig struct {
	A      string `yaml:"a"`
	B      string `yaml:"b"`
	Kind   string `yaml:"kind"` // force | blacklist
	Reason string `yaml:"reason"`
}

// RiskConfig expresa el dinero en unidades (dólares). Un campo ausente
// mantiene el default; 0 explícito desactiva ese límite.
type RiskConfig struct {
	MaxEventExposure     *float64                      `yaml:"max_event_exposure"`
	MaxVenueExposure     *float64                      `yaml:"max_venue_exposure"`
	MaxTotalExposure     *float64                      `yaml:"max_total_exposure"`
	MaxDailyTurnover     *float64                      `yaml:"max_daily_turnover"`
	MaxDailyTrades       *int                          `yaml:"max_daily_trades"`
	MaxDailyLoss         *float64                      `yaml:"max_daily_loss"`
	MaxConsecutiveLosses *int                          `yaml:"max_consecutive_losses"`
	MaxFeedLatencyMillis *int                          `yaml:"max_feed_latency_ms"`
	MaxStaleMarkets      *int                          `yaml:"max_stale_markets"`
	MinEdge              *float64                      `yaml:"min_edge"`
	MinEdgePerContract   *float64                      `yaml:"min_edge_per_contract"`
	Multipliers          *MultipliersConfig            `yaml:"multipliers"`
	Categories           map[string]CategoryRiskConfig `yaml:"categories"`
}

// MultipliersConfig scales the edge threshold near resolution.
type MultipliersConfig struct {
	UnderHour float64 `yaml:"under_hour"`
	UnderDay  float64 `yaml:"under_day"`
	UnderWeek float64 `yaml:"under_week"`
}

// CategoryRiskConfig overrides limits for one category tag.
type CategoryRiskConfig struct {
	MaxEventExposure float64 `yaml:"max_event_exposure"`
	EdgeMultiplier   float64 `yaml:"edge_multiplier"`
}

// ExecutionConfig controla timeouts, reintentos y precios de los legs.
type ExecutionConfig struct {
	Leg1RestTimeout    time.Duration `yaml:"leg1_rest_timeout"`
	Leg2Timeout        time.Duration `yaml:"leg2_timeout"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	SubmitRetries      int           `yaml:"submit_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	CancelDrain        time.Duration `yaml:"cancel_drain"`
	UnwindAttempts     int           `yaml:"unwind_attempts"`
	UnwindStepTicks    int64         `yaml:"unwind_step_ticks"`
	TakerSlippageTicks int64         `yaml:"taker_slippage_ticks"`
	MaxSlippageTicks   int64         `yaml:"max_slippage_ticks"`
	MakerImproveTicks  int64         `yaml:"maker_improve_ticks"` // pasos dentro del spread, nunca cruza
	DefaultStrategy    string        `yaml:"default_strategy"` // make_A_take_B | make_B_take_A
}

// PaperConfig configura el venue simulado de -paper.
type PaperConfig struct {
	Fixture string `yaml:"fixture"` // YAML con mercados, books y scripts
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// MetricsConfig controla el endpoint de Prometheus.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // vacío desactiva el servidor
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
// Se llama de nuevo en cada SIGHUP.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodifica un YAML ya leído, aplica env overrides y defaults y valida.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Interval devuelve el intervalo del ciclo como time.Duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Engine.IntervalSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ARB_DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("ARB_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("POLYMARKET_CLOB_BASE"); v != "" {
		cfg.API.CLOBBase = v
	}
	if v := os.Getenv("POLYMARKET_GAMMA_BASE"); v != "" {
		cfg.API.GammaBase = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Engine.IntervalSeconds <= 0 {
		cfg.Engine.IntervalSeconds = 5
	}
	if cfg.Engine.TargetQty <= 0 {
		cfg.Engine.TargetQty = 10
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.ShutdownTimeoutSeconds <= 0 {
		cfg.Engine.ShutdownTimeoutSeconds = 90 // > leg1 rest + leg2 + unwind
	}
	if cfg.Engine.VenueA == "" {
		cfg.Engine.VenueA = string(domain.VenueKalshi)
	}
	if cfg.Engine.VenueB == "" {
		cfg.Engine.VenueB = string(domain.VenuePolymarket)
	}

	if cfg.Venues == nil {
		cfg.Venues = make(map[string]VenueConfig)
	}
	if _, ok := cfg.Venues[string(domain.VenueKalshi)]; !ok {
		cfg.Venues[string(domain.VenueKalshi)] = VenueConfig{
			TakerCoeff: 0.07, MakerOverrideCoeff: 0.0175, OrdersPerSec: 6, OrderBurst: 6,
		}
	}
	if _, ok := cfg.Venues[string(domain.VenuePolymarket)]; !ok {
		cfg.Venues[string(domain.VenuePolymarket)] = VenueConfig{OrdersPerSec: 30, OrderBurst: 20}
	}

	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.BookStaleMillis <= 0 {
		cfg.API.BookStaleMillis = 3000
	}
	if cfg.Matcher.Workers <= 0 {
		cfg.Matcher.Workers = 8
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "pairarb.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	if c.Engine.VenueA == c.Engine.VenueB {
		return fmt.Errorf("engine.venue_a and venue_b are both %q", c.Engine.VenueA)
	}
	for i, p := range c.Engine.ExtraPairs {
		if p.VenueA == "" || p.VenueB == "" || p.VenueA == p.VenueB {
			return fmt.Errorf("engine.extra_pairs[%d]: %q/%q: %w", i, p.VenueA, p.VenueB, domain.ErrInvalidInput)
		}
	}
	for name, v := range c.Venues {
		if v.TakerCoeff < 0 || v.MakerCoeff < 0 || v.MakerOverrideCoeff < 0 {
			return fmt.Errorf("venues.%s: negative fee coefficient", name)
		}
	}
	if _, err := c.OverrideEntries(); err != nil {
		return err
	}
	switch domain.Strategy(c.Execution.DefaultStrategy) {
	case "", domain.MakeATakeB, domain.MakeBTakeA:
	default:
		return fmt.Errorf("execution.default_strategy %q: %w", c.Execution.DefaultStrategy, domain.ErrInvalidInput)
	}
	return nil
}

// --- conversión a la configuración de cada componente ---

// VenueIDs devuelve los dos venues del engine.
func (c *Config) VenueIDs() (a, b domain.VenueID) {
	return domain.VenueID(c.Engine.VenueA), domain.VenueID(c.Engine.VenueB)
}

// VenuePairs devuelve todos los pares de venues, el principal primero.
func (c *Config) VenuePairs() [][2]domain.VenueID {
	a, b := c.VenueIDs()
	out := [][2]domain.VenueID{{a, b}}
	for _, p := range c.Engine.ExtraPairs {
		out = append(out, [2]domain.VenueID{domain.VenueID(p.VenueA), domain.VenueID(p.VenueB)})
	}
	return out
}

// VenueList devuelve cada venue de VenuePairs una sola vez.
func (c *Config) VenueList() []domain.VenueID {
	var out []domain.VenueID
	seen := make(map[domain.VenueID]bool)
	for _, p := range c.VenuePairs() {
		for _, v := range p {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// FeeSchedules devuelve un schedule por venue configurado.
func (c *Config) FeeSchedules() map[domain.VenueID]fees.Schedule {
	out := make(map[domain.VenueID]fees.Schedule, len(c.Venues))
	for name, v := range c.Venues {
		s := fees.Schedule{
			TakerCoeff:         decimal.NewFromFloat(v.TakerCoeff),
			MakerCoeff:         decimal.NewFromFloat(v.MakerCoeff),
			MakerOverrideCoeff: decimal.NewFromFloat(v.MakerOverrideCoeff),
		}
		if len(v.MakerOverrideMarkets) > 0 {
			s.MakerOverrideMarkets = make(map[string]struct{}, len(v.MakerOverrideMarkets))
			for _, id := range v.MakerOverrideMarkets {
				s.MakerOverrideMarkets[id] = struct{}{}
			}
		}
		out[domain.VenueID(name)] = s
	}
	return out
}

// RateLimits devuelve el límite de órdenes por venue. Un venue sin
// orders_per_sec no se limita.
func (c *Config) RateLimits() map[domain.VenueID]venue.Limit {
	out := make(map[domain.VenueID]venue.Limit, len(c.Venues))
	for name, v := range c.Venues {
		if v.OrdersPerSec <= 0 {
			continue
		}
		burst := v.OrderBurst
		if burst <= 0 {
			burst = 1
		}
		out[domain.VenueID(name)] = venue.Limit{PerSec: v.OrdersPerSec, Burst: burst}
	}
	return out
}

// BookStaleAfter is the polled book age past which quotes are stale.
func (c *Config) BookStaleAfter() time.Duration {
	return time.Duration(c.API.BookStaleMillis) * time.Millisecond
}

// MatcherConfig builds the matcher configuration on top of the built-in tables.
func (c *Config) MatcherConfig() matcher.Config {
	mc := matcher.DefaultConfig()
	m := c.Matcher
	if m.CandidateThreshold > 0 {
		mc.CandidateThreshold = m.CandidateThreshold
	}
	if m.MinSharedTags > 0 {
		mc.MinSharedTags = m.MinSharedTags
	}
	if m.TimingToleranceMinutes > 0 {
		mc.TimingTolerance = time.Duration(m.TimingToleranceMinutes) * time.Minute
	}
	if m.BaseConfidence > 0 {
		mc.BaseConfidence = m.BaseConfidence
	}
	if m.SimilarityBoost > 0 {
		mc.SimilarityBoost = m.SimilarityBoost
	}
	if m.SimilarityBoostMin > 0 {
		mc.SimilarityBoostMin = m.SimilarityBoostMin
	}
	if m.ExactSourceBoost > 0 {
		mc.ExactSourceBoost = m.ExactSourceBoost
	}
	if len(m.EquivalentSources) > 0 {
		mc.EquivalentSources = append(append([][]string(nil), mc.EquivalentSources...), m.EquivalentSources...)
	}
	if len(m.Synonyms) > 0 {
		syn := make(map[string][]string, len(mc.Synonyms)+len(m.Synonyms))
		for k, v := range mc.Synonyms {
			syn[k] = v
		}
		for k, v := range m.Synonyms {
			syn[k] = append(append([]string(nil), syn[k]...), v...)
		}
		mc.Synonyms = syn
	}
	mc.Workers = m.Workers
	return mc
}

// OverrideEntries parses matcher.overrides.
func (c *Config) OverrideEntries() ([]domain.OverrideEntry, error) {
	out := make([]domain.OverrideEntry, 0, len(c.Matcher.Overrides))
	for i, o := range c.Matcher.Overrides {
		kind, ok := domain.ParseOverride(o.Kind)
		if !ok || kind == domain.OverrideNone {
			return nil, fmt.Errorf("matcher.overrides[%d]: kind %q: %w", i, o.Kind, domain.ErrInvalidInput)
		}
		a, err := parseMarketKey(o.A)
		if err != nil {
			return nil, fmt.Errorf("matcher.overrides[%d].a: %w", i, err)
		}
		b, err := parseMarketKey(o.B)
		if err != nil {
			return nil, fmt.Errorf("matcher.overrides[%d].b: %w", i, err)
		}
		out = append(out, domain.OverrideEntry{Key: domain.PairKey{A: a, B: b}, Kind: kind, Reason: o.Reason})
	}
	return out, nil
}

// parseMarketKey lee "venue:market_id". El id puede contener ':'.
func parseMarketKey(s string) (domain.MarketKey, error) {
	v, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || v == "" || id == "" {
		return domain.MarketKey{}, fmt.Errorf("market %q is not venue:id: %w", s, domain.ErrInvalidInput)
	}
	return domain.MarketKey{Venue: domain.VenueID(v), ID: id}, nil
}

// RiskLimits builds the risk limits on top of risk.DefaultLimits.
func (c *Config) RiskLimits() risk.Limits {
	l := risk.DefaultLimits()
	r := c.Risk
	setMoney(&l.MaxEventExposure, r.MaxEventExposure)
	setMoney(&l.MaxVenueExposure, r.MaxVenueExposure)
	setMoney(&l.MaxTotalExposure, r.MaxTotalExposure)
	setMoney(&l.MaxDailyTurnover, r.MaxDailyTurnover)
	setMoney(&l.MaxDailyLoss, r.MaxDailyLoss)
	setMoney(&l.MinEdge, r.MinEdge)
	setMoney(&l.MinEdgePerContract, r.MinEdgePerContract)
	if r.MaxDailyTrades != nil {
		l.MaxDailyTrades = *r.MaxDailyTrades
	}
	if r.MaxConsecutiveLosses != nil {
		l.MaxConsecutiveLosses = *r.MaxConsecutiveLosses
	}
	if r.MaxFeedLatencyMillis != nil {
		l.MaxFeedLatency = time.Duration(*r.MaxFeedLatencyMillis) * time.Millisecond
	}
	if r.MaxStaleMarkets != nil {
		l.MaxStaleMarkets = *r.MaxStaleMarkets
	}
	if m := r.Multipliers; m != nil {
		l.Multipliers = risk.TimeMultipliers{
			UnderHour: decimal.NewFromFloat(m.UnderHour),
			UnderDay:  decimal.NewFromFloat(m.UnderDay),
			UnderWeek: decimal.NewFromFloat(m.UnderWeek),
		}
	}
	if len(r.Categories) > 0 {
		l.Categories = make(map[string]risk.CategoryLimits, len(r.Categories))
		for name, cat := range r.Categories {
			l.Categories[strings.ToLower(name)] = risk.CategoryLimits{
				MaxEventExposure: minor(cat.MaxEventExposure),
				EdgeMultiplier:   decimal.NewFromFloat(cat.EdgeMultiplier),
			}
		}
	}
	return l
}

// minor convierte unidades a minor units.
func minor(units float64) decimal.Decimal {
	return decimal.NewFromFloat(units).Mul(decimal.NewFromInt(domain.MinorPerUnit)).Round(2)
}

func setMoney(dst *decimal.Decimal, units *float64) {
	if units != nil {
		*dst = minor(*units)
	}
}

// CoordinatorConfig builds the execution coordinator configuration. Zero
// values fall back to execution defaults; submit_retries: -1 disables retries.
func (c *Config) CoordinatorConfig() execution.Config {
	e := c.Execution
	d := execution.DefaultConfig()
	retries := e.SubmitRetries
	switch {
	case retries == 0:
		retries = d.SubmitRetries
	case retries < 0: // -1 desactiva los reintentos
		retries = 0
	}
	backoff := e.RetryBackoff
	if backoff <= 0 {
		backoff = d.RetryBackoff
	}
	return execution.Config{
		Leg1RestTimeout: e.Leg1RestTimeout,
		Leg2Timeout:     e.Leg2Timeout,
		AckTimeout:      e.AckTimeout,
		SubmitRetries:   retries,
		RetryBackoff:    backoff,
		CancelDrain:     e.CancelDrain,
		UnwindAttempts:  e.UnwindAttempts,
		UnwindStepTicks: e.UnwindStepTicks,
	}
}

// PlannerConfig builds the planner configuration.
func (c *Config) PlannerConfig() execution.PlannerConfig {
	p := execution.DefaultPlannerConfig()
	e := c.Execution
	if e.TakerSlippageTicks > 0 {
		p.TakerSlippageTicks = e.TakerSlippageTicks
	}
	if e.MaxSlippageTicks > 0 {
		p.MaxSlippageTicks = e.MaxSlippageTicks
	}
	if e.DefaultStrategy != "" {
		p.Default = domain.Strategy(e.DefaultStrategy)
	}
	if e.Leg1RestTimeout > 0 || e.Leg2Timeout > 0 {
		cc := c.CoordinatorConfig()
		d := execution.DefaultConfig()
		if cc.Leg1RestTimeout <= 0 {
			cc.Leg1RestTimeout = d.Leg1RestTimeout
		}
		if cc.Leg2Timeout <= 0 {
			cc.Leg2Timeout = d.Leg2Timeout
		}
		p.Deadline = cc.Leg1RestTimeout + cc.Leg2Timeout
	}
	return p
}

// EngineConfig builds the evaluation loop configuration.
func (c *Config) EngineConfig() arb.Config {
	return arb.Config{
		Interval:        c.Interval(),
		TargetQty:       c.Engine.TargetQty,
		Workers:         c.Engine.Workers,
		ShutdownTimeout: time.Duration(c.Engine.ShutdownTimeoutSeconds) * time.Second,
	}
}
