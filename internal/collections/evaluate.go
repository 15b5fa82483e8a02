package collections

import (
	"sort"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// DefaultCriticalAgeDays is the age above which an invoice bypasses rules
const DefaultCriticalAgeDays = 15

// Match is one invoice firing one rule on the evaluated day
type Match struct {
	Invoice *AgedInvoice
	Rule    *db.Rule
}

// Evaluation is the outcome of running the rules over aggregated invoices
type Evaluation struct {
	Critical []*AgedInvoice
	Matches  []Match
}

// EligibleInvoices returns each matched invoice once, in first-match order
func (e *Evaluation) EligibleInvoices() []*AgedInvoice {
	seen := make(map[*AgedInvoice]bool, len(e.Matches))
	var out []*AgedInvoice
	for _, m := range e.Matches {
		if seen[m.Invoice] {
			continue
		}
		seen[m.Invoice] = true
		out = append(out, m.Invoice)
	}
	return out
}

// Evaluator applies exact-day rule matching with a critical override
type Evaluator struct {
	criticalAge int
	logger      *zap.Logger
}

func NewEvaluator(criticalAgeDays int, logger *zap.Logger) *Evaluator {
	if criticalAgeDays <= 0 {
		criticalAgeDays = DefaultCriticalAgeDays
	}
	return &Evaluator{criticalAge: criticalAgeDays, logger: logger}
}

// ActiveRules keeps active, valid rules sorted by priority. Invalid rules are
// logged and dropped.
func (e *Evaluator) ActiveRules(rules []*db.Rule) []*db.Rule {
	var out []*db.Rule
	for _, r := range rules {
		if r == nil || !r.Active {
			continue
		}
		if err := r.Validate(); err != nil {
			e.logger.Warn("skipping invalid dunning rule",
				zap.String("rule_id", r.ID.String()),
				zap.String("direction", r.Direction),
				zap.Int("offset_days", r.OffsetDays),
				zap.Error(err),
			)
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Order < out[j].Order
	})
	return out
}

// IsCritical reports whether an invoice age is past the critical threshold
func (e *Evaluator) IsCritical(ageDays int) bool {
	return ageDays > e.criticalAge
}

// Evaluate classifies every invoice. Critical invoices are never matched
// against rules; every other invoice matches each rule whose offset equals
// its age exactly.
func (e *Evaluator) Evaluate(groups []*CustomerGroup, rules []*db.Rule) *Evaluation {
	ev := &Evaluation{}

	for _, g := range groups {
		for _, inv := range g.Invoices {
			if e.IsCritical(inv.AgeDays) {
				ev.Critical = append(ev.Critical, inv)
				continue
			}
			for _, r := range rules {
				if inv.AgeDays == r.OffsetDays {
					ev.Matches = append(ev.Matches, Match{Invoice: inv, Rule: r})
				}
			}
		}
	}

	e.logger.Debug("rules evaluated",
		zap.Int("rules", len(rules)),
		zap.Int("matches", len(ev.Matches)),
		zap.Int("critical", len(ev.Critical)),
	)

	return ev
}
