package notify

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"finsight/internal/core"
)

var validate = validator.New()

// QuietHours is a daily local-time window, HH:MM to HH:MM, that may wrap
// midnight (22:00-08:00).
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start" validate:"omitempty,datetime=15:04"`
	End     string `json:"end" validate:"omitempty,datetime=15:04"`
}

// Contains reports whether t, converted to loc, falls inside the window.
// Start is inclusive, end exclusive; equal bounds mean an empty window.
func (q QuietHours) Contains(t time.Time, loc *time.Location) bool {
	if !q.Enabled {
		return false
	}
	from, err := minuteOfDay(q.Start)
	if err != nil {
		return false
	}
	to, err := minuteOfDay(q.End)
	if err != nil {
		return false
	}
	local := t.In(loc)
	return inWindow(local.Hour()*60+local.Minute(), from, to)
}

func inWindow(m, from, to int) bool {
	if from == to {
		return false
	}
	if from < to {
		return m >= from && m < to
	}
	// wrap: [from..1440) U [0..to)
	return m >= from || m < to
}

func minuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Settings are the user's notification rules.
type Settings struct {
	Enabled bool `json:"enabled"`
	// Categories switches individual categories off; missing ones are on.
	Categories  map[core.NotificationCategory]bool `json:"categories,omitempty"`
	MinPriority core.Priority                      `json:"min_priority" validate:"omitempty,oneof=low medium high"`
	QuietHours  QuietHours                         `json:"quiet_hours"`
	// Limits above the history size could not be enforced; 0 disables.
	MaxPerHour  int                                `json:"max_per_hour" validate:"gte=0,lte=100"`
	MaxPerDay   int                                `json:"max_per_day" validate:"gte=0,lte=100"`
	Timezone    string                             `json:"timezone,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:     true,
		MinPriority: core.PriorityLow,
		QuietHours:  QuietHours{Start: "22:00", End: "08:00"},
		MaxPerHour:  10,
		MaxPerDay:   50,
		Timezone:    "UTC",
	}
}

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid notification settings: %w", err)
	}
	if s.QuietHours.Enabled && (s.QuietHours.Start == "" || s.QuietHours.End == "") {
		return fmt.Errorf("invalid notification settings: quiet hours need start and end")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid notification settings: timezone: %w", err)
		}
	}
	return nil
}

// CategoryEnabled reports whether notifications of c may be shown.
func (s Settings) CategoryEnabled(c core.NotificationCategory) bool {
	on, ok := s.Categories[c]
	return !ok || on
}

func (s Settings) location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s Settings) clone() Settings {
	if s.Categories != nil {
		cats := make(map[core.NotificationCategory]bool, len(s.Categories))
		for k, v := range s.Categories {
			cats[k] = v
		}
		s.Categories = cats
	}
	return s
}
