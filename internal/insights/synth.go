package insights

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"finsight/internal/core"
)

// ErrUnknownInsightType is returned for types the synthesizer cannot build.
var ErrUnknownInsightType = errors.New("unknown insight type")

const (
	bandWarning  = "warning"
	bandExceeded = "exceeded"
)

var (
	dailyEscalation  = decimal.RequireFromString("1.5")
	lowSavingsRate   = decimal.RequireFromString("0.10")
	budgetWarningPct = decimal.RequireFromString("0.90")
)

// Synthesizer builds candidate insights from a snapshot. All methods are
// pure: the same snapshot and instant always give the same candidates.
type Synthesizer struct{}

func NewSynthesizer() *Synthesizer {
	return &Synthesizer{}
}

// Synthesize returns the candidates of one insight type. now must already
// be expressed in the user's timezone; calendar boundaries follow it.
func (s *Synthesizer) Synthesize(typ core.InsightType, snap core.Snapshot, now time.Time) ([]core.Candidate, error) {
	switch typ {
	case core.InsightDaily:
		return s.daily(snap, now), nil
	case core.InsightWeekly:
		return s.weekly(snap, now), nil
	case core.InsightMonthly:
		return s.monthly(snap, now), nil
	case core.InsightThresholdAlert:
		return s.thresholdAlerts(snap, now), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownInsightType, typ)
}

func (s *Synthesizer) daily(snap core.Snapshot, now time.Time) []core.Candidate {
	today := core.DateOf(now)
	yesterday := today.AddDays(-1)

	var spent, spentYesterday core.Money
	count := 0
	for _, tx := range snap.Transactions {
		if tx.Type != core.Expense {
			continue
		}
		switch tx.Date.String() {
		case today.String():
			spent = spent.Add(tx.Amount)
			count++
		case yesterday.String():
			spentYesterday = spentYesterday.Add(tx.Amount)
		}
	}
	if count == 0 {
		return nil
	}

	priority := core.PriorityLow
	if spent.Decimal().GreaterThan(spentYesterday.Decimal().Mul(dailyEscalation)) {
		priority = core.PriorityHigh
	}

	content := fmt.Sprintf("You spent %s across %d %s today", spent, count, plural(count, "transaction", "transactions"))
	switch {
	case spentYesterday.Cents == 0:
		content += ". Nothing was spent yesterday."
	case spent.Cents == spentYesterday.Cents:
		content += fmt.Sprintf(", the same as yesterday (%s).", spentYesterday)
	default:
		change := spent.Sub(spentYesterday).Ratio(spentYesterday)
		direction := "more"
		if change.IsNegative() {
			direction = "less"
		}
		content += fmt.Sprintf(", %s%% %s than yesterday (%s).", core.Percent(change.Abs()), direction, spentYesterday)
	}

	return []core.Candidate{{
		Type:        core.InsightDaily,
		Title:       "Daily spending summary",
		Content:     content,
		Priority:    priority,
		PeriodStart: &today,
		PeriodEnd:   &today,
	}}
}

func (s *Synthesizer) weekly(snap core.Snapshot, now time.Time) []core.Candidate {
	start := core.DateOf(WeekStart(now))
	end := start.AddDays(6)

	income, expense, count := totals(snap.Transactions, start, end)
	if count == 0 {
		return nil
	}
	net := income.Sub(expense)

	return []core.Candidate{{
		Type:  core.InsightWeekly,
		Title: "Weekly summary",
		Content: fmt.Sprintf("This week: income %s, expenses %s, net change %s across %d %s.",
			income, expense, signed(net), count, plural(count, "transaction", "transactions")),
		Priority:    core.PriorityMedium,
		PeriodStart: &start,
		PeriodEnd:   &end,
	}}
}

func (s *Synthesizer) monthly(snap core.Snapshot, now time.Time) []core.Candidate {
	start := core.NewDate(now.Year(), int(now.Month()), 1)
	end := core.Date{Time: start.AddDate(0, 1, -1)}

	income, expense, count := totals(snap.Transactions, start, end)
	if count == 0 {
		return nil
	}

	rate := income.Sub(expense).Ratio(income)
	priority := core.PriorityMedium
	if rate.LessThan(lowSavingsRate) {
		priority = core.PriorityHigh
	}

	content := fmt.Sprintf("This month: income %s, expenses %s, savings rate %s%%.",
		income, expense, core.Percent(rate))
	if line := goalsProgress(snap.SavingsGoals); line != "" {
		content += " " + line
	}

	return []core.Candidate{{
		Type:        core.InsightMonthly,
		Title:       "Monthly overview",
		Content:     content,
		Priority:    priority,
		PeriodStart: &start,
		PeriodEnd:   &end,
	}}
}

func (s *Synthesizer) thresholdAlerts(snap core.Snapshot, now time.Time) []core.Candidate {
	today := core.DateOf(now)
	names := make(map[string]string, len(snap.Categories))
	for _, c := range snap.Categories {
		names[c.ID] = c.Name
	}

	var out []core.Candidate
	for _, b := range snap.Budgets {
		if b.Amount.Cents <= 0 || !b.ActiveOn(today) {
			continue
		}
		// Open-ended budgets are evaluated through today.
		end := today
		if !b.EndDate.IsZero() {
			end = b.EndDate
		}

		var spent core.Money
		for _, tx := range snap.Transactions {
			if tx.Type == core.Expense && tx.CategoryID == b.CategoryID && tx.Date.Between(b.StartDate, end) {
				spent = spent.Add(tx.Amount)
			}
		}

		utilization := spent.Ratio(b.Amount)
		if utilization.LessThan(budgetWarningPct) {
			continue
		}

		name := names[b.CategoryID]
		if name == "" {
			name = b.CategoryID
		}
		band, priority, title := bandWarning, core.PriorityMedium, "Budget alert: "+name
		if spent.Cents >= b.Amount.Cents {
			band, priority, title = bandExceeded, core.PriorityHigh, "Budget exceeded: "+name
		}

		start := b.StartDate
		var periodEnd *core.Date
		if !b.EndDate.IsZero() {
			e := b.EndDate
			periodEnd = &e
		}
		out = append(out, core.Candidate{
			Type:  core.InsightThresholdAlert,
			Title: title,
			Content: fmt.Sprintf("You have used %s%% of your %s budget (%s of %s).",
				core.Percent(utilization), name, spent, b.Amount),
			Priority:    priority,
			PeriodStart: &start,
			PeriodEnd:   periodEnd,
			CategoryKey: b.ID + ":" + band,
			Trigger:     core.TriggerThreshold,
		})
	}
	return out
}

// totals sums income and expense of transactions dated within [from, to].
func totals(txs []core.Transaction, from, to core.Date) (income, expense core.Money, count int) {
	for _, tx := range txs {
		if !tx.Date.Between(from, to) {
			continue
		}
		count++
		if tx.Type == core.Income {
			income = income.Add(tx.Amount)
		} else {
			expense = expense.Add(tx.Amount)
		}
	}
	return income, expense, count
}

func goalsProgress(goals []core.SavingsGoal) string {
	var target, current core.Money
	active := 0
	for _, g := range goals {
		if g.TargetAmount.Cents <= 0 {
			continue
		}
		active++
		target = target.Add(g.TargetAmount)
		current = current.Add(g.CurrentAmount)
	}
	if active == 0 {
		return ""
	}
	return fmt.Sprintf("Savings goals: %d active, %s%% funded overall.", active, core.Percent(current.Ratio(target)))
}

func signed(m core.Money) string {
	if m.Cents > 0 {
		return "+" + m.String()
	}
	return m.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
