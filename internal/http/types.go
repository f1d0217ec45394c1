package http

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finsight/internal/core"
	"finsight/internal/scheduler"
)

// Request bodies.
type (
	transactionRequest struct {
		Amount      string `json:"amount" validate:"required,max=32"`
		Type        string `json:"type" validate:"required,oneof=income expense"`
		CategoryID  string `json:"category_id" validate:"max=64"`
		Description string `json:"description" validate:"max=200"`
		Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	}

	categoryRequest struct {
		Name  string `json:"name" validate:"required,max=100"`
		Type  string `json:"type" validate:"required,oneof=income expense"`
		Color string `json:"color" validate:"omitempty,hexcolor"`
		Icon  string `json:"icon" validate:"max=64"`
	}

	budgetRequest struct {
		CategoryID string `json:"category_id" validate:"required,max=64"`
		Amount     string `json:"amount" validate:"required,max=32"`
		Period     string `json:"period" validate:"required,oneof=weekly monthly yearly custom"`
		StartDate  string `json:"start_date" validate:"required,datetime=2006-01-02"`
		EndDate    string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	}

	savingsGoalRequest struct {
		Name          string `json:"name" validate:"required,max=100"`
		TargetAmount  string `json:"target_amount" validate:"required,max=32"`
		CurrentAmount string `json:"current_amount" validate:"max=32"`
		TargetDate    string `json:"target_date" validate:"omitempty,datetime=2006-01-02"`
	}

	preferencesRequest struct {
		Frequency     string   `json:"frequency" validate:"required,oneof=daily weekly monthly disabled"`
		EnabledTypes  []string `json:"enabled_types" validate:"dive,oneof=daily weekly monthly threshold_alert"`
		PreferredTime string   `json:"preferred_time" validate:"required,datetime=15:04"`
		Timezone      string   `json:"timezone" validate:"omitempty,timezone"`
	}
)

// Response bodies.
type (
	insightJSON struct {
		ID          string    `json:"id"`
		Type        string    `json:"type"`
		Title       string    `json:"title"`
		Content     string    `json:"content"`
		Priority    string    `json:"priority"`
		PeriodStart string    `json:"period_start,omitempty"`
		PeriodEnd   string    `json:"period_end,omitempty"`
		IsRead      bool      `json:"is_read"`
		Trigger     string    `json:"trigger,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
	}

	transactionJSON struct {
		ID          string `json:"id"`
		Amount      string `json:"amount"`
		AmountCents int64  `json:"amount_cents"`
		Type        string `json:"type"`
		CategoryID  string `json:"category_id,omitempty"`
		Description string `json:"description,omitempty"`
		Date        string `json:"date"`
	}

	createdJSON struct {
		ID string `json:"id"`
	}

	preferencesJSON struct {
		Frequency         string     `json:"frequency"`
		EnabledTypes      []string   `json:"enabled_types"`
		PreferredTime     string     `json:"preferred_time"`
		Timezone          string     `json:"timezone"`
		LastGeneration    *time.Time `json:"last_generation,omitempty"`
		NextGenerationDue *time.Time `json:"next_generation_due,omitempty"`
	}

	generationJSON struct {
		Success           bool          `json:"success"`
		Trigger           string        `json:"trigger"`
		Generated         int           `json:"generated"`
		Skipped           int           `json:"skipped"`
		Errored           int           `json:"errored"`
		Errors            []string      `json:"errors,omitempty"`
		RateLimited       bool          `json:"rate_limited"`
		Message           string        `json:"message"`
		Insights          []insightJSON `json:"insights"`
		DurationMs        int64         `json:"duration_ms"`
		NextGenerationDue *time.Time    `json:"next_generation_due,omitempty"`
	}
)

func toInsightJSON(in core.Insight) insightJSON {
	out := insightJSON{
		ID:        in.ID,
		Type:      string(in.Type),
		Title:     in.Title,
		Content:   in.Content,
		Priority:  string(in.Priority),
		IsRead:    in.IsRead,
		Trigger:   string(in.Trigger),
		CreatedAt: in.CreatedAt.UTC(),
	}
	if in.PeriodStart != nil {
		out.PeriodStart = in.PeriodStart.String()
	}
	if in.PeriodEnd != nil {
		out.PeriodEnd = in.PeriodEnd.String()
	}
	return out
}

func toInsightsJSON(list []core.Insight) []insightJSON {
	out := make([]insightJSON, 0, len(list))
	for _, in := range list {
		out = append(out, toInsightJSON(in))
	}
	return out
}

func toTransactionJSON(t core.Transaction) transactionJSON {
	return transactionJSON{
		ID:          t.ID,
		Amount:      t.Amount.String(),
		AmountCents: t.Amount.Cents,
		Type:        string(t.Type),
		CategoryID:  t.CategoryID,
		Description: t.Description,
		Date:        t.Date.String(),
	}
}

func toPreferencesJSON(p core.Preferences) preferencesJSON {
	types := make([]string, 0, len(p.EnabledTypes))
	for _, t := range p.EnabledTypes {
		types = append(types, string(t))
	}
	return preferencesJSON{
		Frequency:         string(p.Frequency),
		EnabledTypes:      types,
		PreferredTime:     p.PreferredTime,
		Timezone:          p.Timezone,
		LastGeneration:    p.LastGeneration,
		NextGenerationDue: p.NextGenerationDue,
	}
}

func toGenerationJSON(res scheduler.GenerationResult) generationJSON {
	return generationJSON{
		Success:           res.Success,
		Trigger:           string(res.Trigger),
		Generated:         res.Generated,
		Skipped:           res.Skipped,
		Errored:           res.Errored,
		Errors:            res.Errors,
		RateLimited:       res.RateLimited,
		Message:           res.Message,
		Insights:          toInsightsJSON(res.Insights),
		DurationMs:        res.Duration.Milliseconds(),
		NextGenerationDue: res.NextGenerationDue,
	}
}

// parseAmount converts a required positive decimal amount.
func parseAmount(field, s string) (core.Money, error) {
	cents, err := core.ParseDecimalToCents(s)
	if err != nil {
		return core.Money{}, fmt.Errorf("%s must be a positive amount with up to two decimals, got %q", field, s)
	}
	return core.Money{Cents: cents}, nil
}

// parseOptionalAmount accepts an empty string or zero as no amount.
func parseOptionalAmount(field, s string) (core.Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return core.Money{}, nil
	}
	if d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ".")); err == nil && d.IsZero() {
		return core.Money{}, nil
	}
	return parseAmount(field, s)
}

// parseOptionalDate returns the zero date for an empty string.
func parseOptionalDate(s string) (core.Date, error) {
	if strings.TrimSpace(s) == "" {
		return core.Date{}, nil
	}
	return core.ParseDate(s)
}
