package core

import (
	"errors"
	"strings"
	"time"
)

const (
	Income  TransactionType = "income"
	Expense TransactionType = "expense"
)

const (
	BudgetWeekly  BudgetPeriod = "weekly"
	BudgetMonthly BudgetPeriod = "monthly"
	BudgetYearly  BudgetPeriod = "yearly"
	BudgetCustom  BudgetPeriod = "custom"
)

type (
	TransactionType string
	BudgetPeriod    string

	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	Transaction struct {
		ID          string
		UserID      string
		Amount      Money
		Type        TransactionType
		CategoryID  string
		Description string
		Date        Date
	}

	// Category belongs to a user, or is a shared default when UserID is empty.
	Category struct {
		ID     string
		UserID string
		Name   string
		Type   TransactionType
		Color  string
		Icon   string
	}

	Budget struct {
		ID         string
		UserID     string
		CategoryID string
		Amount     Money
		Period     BudgetPeriod
		StartDate  Date
		EndDate    Date // zero for open-ended budgets
	}

	SavingsGoal struct {
		ID            string
		UserID        string
		Name          string
		TargetAmount  Money
		CurrentAmount Money
		TargetDate    Date
	}
)

var (
	ErrInvalidDay       = errors.New("invalid day")
	ErrInvalidMonth     = errors.New("invalid month")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyUser        = errors.New("empty user id")
	ErrEmptyName        = errors.New("empty name")
	ErrInvalidType      = errors.New("invalid transaction type")
	ErrInvalidPeriod    = errors.New("invalid budget period")
	ErrEmptyCategory    = errors.New("empty category")
	ErrInvalidDateRange = errors.New("end date must not be before start date")
)

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	_, month, day := d.Date()
	if day < 1 || day > 31 {
		return ErrInvalidDay
	}
	if month < 1 || month > 12 {
		return ErrInvalidMonth
	}
	return nil
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar date of t as seen in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, int(m), d)
}

// IsEmpty returns true if the date is zero (for optional dates)
func (d Date) IsEmpty() bool {
	return d.IsZero()
}

// String formats the date as YYYY-MM-DD, or "" for the zero date.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format("2006-01-02")
}

// AddDays returns the date n calendar days later.
func (d Date) AddDays(n int) Date {
	return Date{Time: d.Time.AddDate(0, 0, n)}
}

// Between reports whether d lies in [from, to], inclusive on both ends.
func (d Date) Between(from, to Date) bool {
	return !d.Before(from.Time) && !d.After(to.Time)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return Date{Time: t}, nil
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return ErrEmptyUser
	}
	if !t.Type.Valid() {
		return ErrInvalidType
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if err := t.Date.Validate(); err != nil {
		return err
	}
	if len(t.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	return nil
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	if !c.Type.Valid() {
		return ErrInvalidType
	}
	return nil
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.UserID) == "" {
		return ErrEmptyUser
	}
	if strings.TrimSpace(b.CategoryID) == "" {
		return ErrEmptyCategory
	}
	if err := b.Amount.Validate(); err != nil {
		return err
	}
	switch b.Period {
	case BudgetWeekly, BudgetMonthly, BudgetYearly, BudgetCustom:
	default:
		return ErrInvalidPeriod
	}
	if err := b.StartDate.Validate(); err != nil {
		return errors.New("invalid start date: " + err.Error())
	}
	if !b.EndDate.IsZero() && b.EndDate.Before(b.StartDate.Time) {
		return ErrInvalidDateRange
	}
	return nil
}

// ActiveOn reports whether the budget covers the given day. Open-ended
// budgets stay active from their start date onwards.
func (b Budget) ActiveOn(day Date) bool {
	if day.Before(b.StartDate.Time) {
		return false
	}
	return b.EndDate.IsZero() || !day.After(b.EndDate.Time)
}

func (g SavingsGoal) Validate() error {
	if strings.TrimSpace(g.UserID) == "" {
		return ErrEmptyUser
	}
	if strings.TrimSpace(g.Name) == "" {
		return ErrEmptyName
	}
	if err := g.TargetAmount.Validate(); err != nil {
		return err
	}
	if g.CurrentAmount.Cents < 0 {
		return ErrInvalidAmount
	}
	return nil
}
