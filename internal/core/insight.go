package core

import "time"

const (
	InsightDaily          InsightType = "daily"
	InsightWeekly         InsightType = "weekly"
	InsightMonthly        InsightType = "monthly"
	InsightThresholdAlert InsightType = "threshold_alert"
)

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerThreshold Trigger = "threshold"
)

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyDisabled Frequency = "disabled"
)

// AllInsightTypes lists every insight type in generation order.
var AllInsightTypes = []InsightType{InsightDaily, InsightWeekly, InsightMonthly, InsightThresholdAlert}

type (
	InsightType string
	Priority    string
	Trigger     string
	Frequency   string

	Insight struct {
		ID          string
		UserID      string
		Type        InsightType
		Title       string
		Content     string
		Priority    Priority
		PeriodStart *Date
		PeriodEnd   *Date
		IsRead      bool
		CreatedAt   time.Time
		Fingerprint string
		WindowKey   string
		Trigger     Trigger
	}

	// Candidate is an insight that has not been through the dedup gate yet.
	Candidate struct {
		Type        InsightType `validate:"required,oneof=daily weekly monthly threshold_alert"`
		Title       string      `validate:"required,max=200"`
		Content     string      `validate:"required,max=2000"`
		Priority    Priority    `validate:"required,oneof=low medium high"`
		PeriodStart *Date
		PeriodEnd   *Date
		CategoryKey string  `validate:"max=200"`
		Trigger     Trigger `validate:"required,oneof=scheduled manual threshold"`
		// RearmedAt opens a fresh dedup window for a threshold alert that
		// was already delivered once.
		RearmedAt *time.Time
	}

	Preferences struct {
		UserID            string
		Frequency         Frequency
		EnabledTypes      []InsightType
		PreferredTime     string // HH:MM in Timezone
		LastGeneration    *time.Time
		NextGenerationDue *time.Time
		Timezone          string
	}

	// Snapshot is the generation context of one run. It is never shared
	// between runs.
	Snapshot struct {
		UserID       string
		Transactions []Transaction
		Categories   []Category
		Budgets      []Budget
		SavingsGoals []SavingsGoal
	}
)

func (t InsightType) Valid() bool {
	switch t {
	case InsightDaily, InsightWeekly, InsightMonthly, InsightThresholdAlert:
		return true
	}
	return false
}

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Rank orders priorities: low < medium < high. Unknown values rank lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyDisabled:
		return true
	}
	return false
}

// DefaultPreferences returns the preferences a user gets on first use.
func DefaultPreferences(userID, timezone string) Preferences {
	if timezone == "" {
		timezone = "UTC"
	}
	types := make([]InsightType, len(AllInsightTypes))
	copy(types, AllInsightTypes)
	return Preferences{
		UserID:        userID,
		Frequency:     FrequencyDaily,
		EnabledTypes:  types,
		PreferredTime: "09:00",
		Timezone:      timezone,
	}
}

// Location resolves the preferences timezone, falling back to UTC.
func (p Preferences) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDue reports whether generation is eligible at now.
func (p Preferences) IsDue(now time.Time) bool {
	if p.Frequency == FrequencyDisabled || p.Frequency == "" {
		return false
	}
	return p.NextGenerationDue == nil || !p.NextGenerationDue.After(now)
}

// Enabled reports whether the insight type is switched on.
func (p Preferences) Enabled(t InsightType) bool {
	for _, e := range p.EnabledTypes {
		if e == t {
			return true
		}
	}
	return false
}
