package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/alejandrodnm/pairarb/internal/domain"
	"github.com/alejandrodnm/pairarb/internal/ports"
)

// Console implementa ports.Notifier.
type Console struct {
	out     io.Writer
	table   bool
	verbose bool
	now     func() time.Time
}

var _ ports.Notifier = (*Console)(nil)

// NewConsole crea un notificador que escribe a stdout.
// table selects the full table output; verbose adds failed-check detail.
func NewConsole(table, verbose bool) *Console {
	return NewConsoleWriter(os.Stdout, table, verbose)
}

// NewConsoleWriter crea un notificador sobre un writer (tests, ficheros).
func NewConsoleWriter(w io.Writer, table, verbose bool) *Console {
	return &Console{out: w, table: table, verbose: verbose, now: time.Now}
}

// NotifyPairs imprime los pares detectados con sus checks.
func (c *Console) NotifyPairs(_ context.Context, pairs []domain.DuplicatePair) error {
	stamp := c.now().Format("15:04:05")
	if len(pairs) == 0 {
		fmt.Fprintf(c.out, "[%s] no duplicate pairs found\n", stamp)
		return nil
	}

	tradeable, forced, blacklisted := countPairs(pairs)
	if !c.table {
		fmt.Fprintf(c.out, "[%s] %d pairs → tradeable:%d forced:%d blacklisted:%d\n",
			stamp, len(pairs), tradeable, forced, blacklisted)
		return nil
	}

	fmt.Fprintf(c.out, "\n[%s] %d duplicate pairs — tradeable:%d forced:%d blacklisted:%d\n",
		stamp, len(pairs), tradeable, forced, blacklisted)

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Market A", "Market B", "Sim", "Conf", "Checks", "Override", "Tradeable")
	for i, p := range pairs {
		table.Append(
			fmt.Sprintf("%d", i+1),
			truncate(string(p.A.Venue)+" "+p.A.Title, 38),
			truncate(string(p.B.Venue)+" "+p.B.Title, 38),
			fmt.Sprintf("%.2f", p.Similarity),
			fmt.Sprintf("%.2f", p.Confidence),
			checkSummary(p),
			string(p.Override),
			yesNo(p.Tradeable()),
		)
	}
	table.Render()

	if c.verbose {
		for _, p := range pairs {
			failed := p.FailedChecks()
			if len(failed) == 0 {
				continue
			}
			fmt.Fprintf(c.out, "  %s\n", p.ID())
			for _, chk := range failed {
				fmt.Fprintf(c.out, "    ✗ %-20s %s\n", chk.Name, chk.Detail)
			}
		}
	}
	return nil
}

// NotifyDecisions imprime las decisiones del ciclo con un resumen por tipo.
func (c *Console) NotifyDecisions(_ context.Context, decisions []domain.Decision) error {
	if len(decisions) == 0 {
		return nil
	}
	counts := make(map[domain.DecisionKind]int)
	for _, d := range decisions {
		counts[d.Kind]++
	}

	title := cases.Title(language.English)
	var parts []string
	for _, k := range decisionOrder {
		if n := counts[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", title.String(strings.ReplaceAll(string(k), "_", " ")), n))
		}
	}
	fmt.Fprintf(c.out, "[%s] %d decisions → %s\n", c.now().Format("15:04:05"), len(decisions), strings.Join(parts, " "))

	if !c.table {
		return nil
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Time", "Plan", "Pair", "Kind", "Edge", "L1", "L2", "Unw", "Reason")
	for _, d := range decisions {
		reason := d.Reason
		if d.Limit != "" {
			reason = d.Limit + ": " + reason
		}
		table.Append(
			d.At.Format("15:04:05"),
			shortID(d.PlanID),
			truncate(d.PairID, 36),
			string(d.Kind),
			d.Edge.StringFixed(2),
			fmt.Sprintf("%d", d.Leg1Fill),
			fmt.Sprintf("%d", d.Leg2Fill),
			fmt.Sprintf("%d", d.Unwound),
			truncate(reason, 48),
		)
	}
	table.Render()
	return nil
}

var decisionOrder = []domain.DecisionKind{
	domain.DecisionAuthorized,
	domain.DecisionExecuted,
	domain.DecisionRejected,
	domain.DecisionTimedOut,
	domain.DecisionCancelled,
	domain.DecisionUnwound,
	domain.DecisionFailed,
}

func countPairs(pairs []domain.DuplicatePair) (tradeable, forced, blacklisted int) {
	for _, p := range pairs {
		if p.Tradeable() {
			tradeable++
		}
		switch p.Override {
		case domain.OverrideForce:
			forced++
		case domain.OverrideBlacklist:
			blacklisted++
		}
	}
	return
}

func checkSummary(p domain.DuplicatePair) string {
	passed := 0
	for _, c := range p.Checks {
		if c.Passed {
			passed++
		}
	}
	return fmt.Sprintf("%d/%d", passed, len(p.Checks))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate corta s a n runas con "…".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
