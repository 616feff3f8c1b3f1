package notify

import (
	"fmt"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// PrintRiskReport imprime exposición, P&L y breakers del risk manager.
func (c *Console) PrintRiskReport(st domain.RiskState) {
	fmt.Fprintf(c.out, "\n╔══════════════════════════════════════════════════════════════╗\n")
	fmt.Fprintf(c.out, "║                        RISK REPORT                           ║\n")
	fmt.Fprintf(c.out, "╚══════════════════════════════════════════════════════════════╝\n\n")

	fmt.Fprintf(c.out, "  Day:          %s\n", st.Day.Format("2006-01-02"))
	fmt.Fprintf(c.out, "  Trades:       %d | Turnover: %s\n", st.TradeCount, money(st.Turnover))
	fmt.Fprintf(c.out, "  Realized:     %s | Unrealized: %s\n", money(st.RealizedPnL), money(st.UnrealizedPnL))
	fmt.Fprintf(c.out, "  Loss streak:  %d\n", st.ConsecutiveLosses)
	fmt.Fprintf(c.out, "  Exposure:     %s total\n", money(st.TotalExposure()))

	events := make([]string, 0, len(st.EventExposure))
	for k := range st.EventExposure {
		events = append(events, k)
	}
	for k := range st.EventReserved {
		if _, ok := st.EventExposure[k]; !ok {
			events = append(events, k)
		}
	}
	sort.Strings(events)

	fmt.Fprintf(c.out, "\n── EXPOSURE BY EVENT (%d) ──\n", len(events))
	if len(events) > 0 {
		tbl := tablewriter.NewWriter(c.out)
		tbl.Header("Event", "Filled", "Reserved")
		for _, k := range events {
			tbl.Append(truncate(k, 40), money(st.EventExposure[k]), money(st.EventReserved[k]))
		}
		tbl.Render()
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── BREAKERS ──\n")
	active := 0
	for _, b := range st.Breakers {
		if !b.Active() {
			continue
		}
		active++
		hold := ""
		if b.ManualHold {
			hold = " [manual clear required]"
		}
		fmt.Fprintf(c.out, "  ✗ %-28s since %s — %s%s\n",
			domain.BreakerID(b.Kind, b.Venue), b.TrippedAt.Format("15:04:05"), b.Reason, hold)
	}
	if active == 0 {
		fmt.Fprintln(c.out, "  ✓ none tripped — trading allowed")
	}
}

// money formatea minor units como unidades con dos decimales.
func money(minor decimal.Decimal) string {
	return "$" + minor.Div(decimal.NewFromInt(domain.MinorPerUnit)).StringFixed(2)
}
