package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// Fixture is the YAML layout of a paper-trading catalog.
type Fixture struct {
	Markets []FixtureMarket          `yaml:"markets"`
	Books   []FixtureBook            `yaml:"books"`
	Scripts map[string]FixtureScript `yaml:"scripts"`
}

// FixtureMarket is one catalog entry.
type FixtureMarket struct {
	Venue            string            `yaml:"venue"`
	ID               string            `yaml:"id"`
	Title            string            `yaml:"title"`
	Description      string            `yaml:"description"`
	ResolutionSource string            `yaml:"resolution_source"`
	ResolutionTime   time.Time         `yaml:"resolution_time"`
	Timezone         string            `yaml:"timezone"`
	Status           string            `yaml:"status"`
	Category         string            `yaml:"category"`
	EventKey         string            `yaml:"event_key"`
	Tags             map[string]string `yaml:"tags"`
	Outcomes         []FixtureOutcome  `yaml:"outcomes"`
}

// FixtureOutcome is one outcome of a fixture market.
type FixtureOutcome struct {
	ID    string            `yaml:"id"`
	Label string            `yaml:"label"`
	Type  string            `yaml:"type"`
	Tags  map[string]string `yaml:"tags"`
}

// FixtureBook lists levels as [price_ticks, qty] pairs.
type FixtureBook struct {
	Venue   string     `yaml:"venue"`
	Market  string     `yaml:"market"`
	Outcome string     `yaml:"outcome"`
	Bids    [][2]int64 `yaml:"bids"`
	Asks    [][2]int64 `yaml:"asks"`
}

// FixtureScript mirrors Script.
type FixtureScript struct {
	MakerFillRatio float64       `yaml:"maker_fill_ratio"`
	MakerFillDelay time.Duration `yaml:"maker_fill_delay"`
	MakerChunks    int           `yaml:"maker_chunks"`
	TakerFillRatio float64       `yaml:"taker_fill_ratio"`
	AckLatency     time.Duration `yaml:"ack_latency"`
}

// LoadFixture lee un fixture YAML desde path.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("sim.LoadFixture: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("sim.LoadFixture: parse %s: %w", path, err)
	}
	return f, nil
}

// Apply loads the fixture into the exchange. fee, if set, prices fills on
// every scripted venue.
func (e *Exchange) Apply(f Fixture, fee func(venue domain.VenueID, role domain.Role, price, qty int64) int64) error {
	for _, fm := range f.Markets {
		if err := e.AddMarket(fm.market()); err != nil {
			return fmt.Errorf("sim.Apply: market %s: %w", fm.ID, err)
		}
	}
	for _, fb := range f.Books {
		b := domain.Book{
			Venue:     domain.VenueID(fb.Venue),
			MarketID:  fb.Market,
			OutcomeID: fb.Outcome,
			Bids:      levels(fb.Bids),
			Asks:      levels(fb.Asks),
		}
		if err := e.SetBook(b); err != nil {
			return fmt.Errorf("sim.Apply: book %s/%s: %w", fb.Market, fb.Outcome, err)
		}
	}
	for name, fs := range f.Scripts {
		id := domain.VenueID(name)
		s := Script{
			MakerFillRatio: fs.MakerFillRatio,
			MakerFillDelay: fs.MakerFillDelay,
			MakerChunks:    fs.MakerChunks,
			TakerFillRatio: fs.TakerFillRatio,
			AckLatency:     fs.AckLatency,
		}
		if fee != nil {
			s.Fee = func(role domain.Role, price, qty int64) int64 { return fee(id, role, price, qty) }
		}
		e.SetScript(id, s)
	}
	return nil
}

func (fm FixtureMarket) market() domain.Market {
	m := domain.Market{
		Venue:            domain.VenueID(fm.Venue),
		ID:               fm.ID,
		Title:            fm.Title,
		Description:      fm.Description,
		ResolutionSource: fm.ResolutionSource,
		ResolutionTime:   fm.ResolutionTime,
		Timezone:         fm.Timezone,
		Status:           domain.MarketStatus(fm.Status),
		Category:         fm.Category,
		EventKey:         fm.EventKey,
		Tags:             fm.Tags,
	}
	for _, o := range fm.Outcomes {
		typ := domain.OutcomeType(o.Type)
		if typ == "" {
			typ = domain.OutcomeBinary
		}
		m.Outcomes = append(m.Outcomes, domain.Outcome{ID: o.ID, Label: o.Label, Type: typ, Tags: o.Tags})
	}
	return m
}

func levels(raw [][2]int64) []domain.Level {
	out := make([]domain.Level, 0, len(raw))
	for _, l := range raw {
		out = append(out, domain.Level{Price: l[0], Qty: l[1]})
	}
	return out
}
