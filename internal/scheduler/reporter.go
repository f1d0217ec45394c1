package scheduler

import (
	"context"
	"fmt"

	"finsight/internal/core"
)

// Reporter receives every run result, including guard rejections.
type Reporter interface {
	Report(ctx context.Context, res GenerationResult) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, res GenerationResult) error

func (f ReporterFunc) Report(ctx context.Context, res GenerationResult) error {
	return f(ctx, res)
}

// Notifier accepts user-facing notifications; the bool reports whether the
// message will be shown.
type Notifier interface {
	Send(n core.Notification) bool
}

// NotifyReporter routes one summary notification per run through a
// notifier, so users see a single message instead of one per insight.
type NotifyReporter struct {
	notifier Notifier
}

func NewNotifyReporter(n Notifier) *NotifyReporter {
	return &NotifyReporter{notifier: n}
}

func (r *NotifyReporter) Report(_ context.Context, res GenerationResult) error {
	n, ok := SummaryNotification(res)
	if !ok {
		return nil
	}
	r.notifier.Send(n)
	return nil
}

// SummaryNotification renders a run result as a notification. Rejected
// runs and runs with nothing new to say produce none.
func SummaryNotification(res GenerationResult) (core.Notification, bool) {
	n := core.Notification{
		UserID:   res.UserID,
		Category: core.CategoryInsights,
	}
	switch {
	case res.Rejected != nil:
		return core.Notification{}, false
	case res.RateLimited:
		n.Kind = core.KindWarning
		n.Priority = core.PriorityMedium
		n.Title = "Insight generation paused"
		n.Description = "Too many requests reached the data store. Insights will resume on the next run."
	case res.Generated > 0:
		n.Kind = core.KindSuccess
		n.Priority = core.PriorityLow
		n.Title = "New insights available"
		n.Description = fmt.Sprintf("%d new %s", res.Generated, pluralInsights(res.Generated))
		if res.Skipped > 0 {
			n.Description += fmt.Sprintf(", %d already up to date", res.Skipped)
		}
		n.Action = &core.NotificationAction{Label: "View insights", Target: "/insights"}
	case len(res.Errors) > 0:
		n.Kind = core.KindError
		n.Priority = core.PriorityMedium
		n.Title = "Insight generation failed"
		n.Description = res.Errors[0]
	default:
		return core.Notification{}, false
	}
	return n, true
}

func pluralInsights(n int) string {
	if n == 1 {
		return "insight"
	}
	return "insights"
}
