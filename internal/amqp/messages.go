package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"finsight/internal/core"
	"finsight/internal/scheduler"
)

// GenerationEvent announces a finished generation run. It carries counts
// and ids only; consumers read insight bodies from the store.
type GenerationEvent struct {
	EventID           string       `json:"event_id"`
	UserID            string       `json:"user_id"`
	Trigger           core.Trigger `json:"trigger"`
	Success           bool         `json:"success"`
	Generated         int          `json:"generated"`
	Skipped           int          `json:"skipped"`
	Errored           int          `json:"errored"`
	Errors            []string     `json:"errors,omitempty"`
	RateLimited       bool         `json:"rate_limited"`
	Message           string       `json:"message"`
	InsightIDs        []string     `json:"insight_ids,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	DurationMillis    int64        `json:"duration_ms"`
	NextGenerationDue *time.Time   `json:"next_generation_due,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
}

// NewGenerationEvent summarises a run result.
func NewGenerationEvent(res scheduler.GenerationResult) *GenerationEvent {
	ids := make([]string, 0, len(res.Insights))
	for _, in := range res.Insights {
		ids = append(ids, in.ID)
	}
	return &GenerationEvent{
		EventID:           uuid.NewString(),
		UserID:            res.UserID,
		Trigger:           res.Trigger,
		Success:           res.Success,
		Generated:         res.Generated,
		Skipped:           res.Skipped,
		Errored:           res.Errored,
		Errors:            res.Errors,
		RateLimited:       res.RateLimited,
		Message:           res.Message,
		InsightIDs:        ids,
		StartedAt:         res.StartedAt,
		DurationMillis:    res.Duration.Milliseconds(),
		NextGenerationDue: res.NextGenerationDue,
		Timestamp:         time.Now(),
	}
}

// Result rebuilds the run result on the consumer side. Insight bodies are
// not carried, so only their ids survive.
func (e *GenerationEvent) Result() scheduler.GenerationResult {
	insights := make([]core.Insight, 0, len(e.InsightIDs))
	for _, id := range e.InsightIDs {
		insights = append(insights, core.Insight{ID: id, UserID: e.UserID})
	}
	return scheduler.GenerationResult{
		UserID:            e.UserID,
		Trigger:           e.Trigger,
		Success:           e.Success,
		Generated:         e.Generated,
		Skipped:           e.Skipped,
		Errored:           e.Errored,
		Errors:            e.Errors,
		RateLimited:       e.RateLimited,
		Message:           e.Message,
		Insights:          insights,
		StartedAt:         e.StartedAt,
		Duration:          time.Duration(e.DurationMillis) * time.Millisecond,
		NextGenerationDue: e.NextGenerationDue,
	}
}

// ToJSON converts the event to JSON bytes
func (e *GenerationEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// GenerationEventFromJSON decodes an event from JSON bytes
func GenerationEventFromJSON(data []byte) (*GenerationEvent, error) {
	var e GenerationEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
