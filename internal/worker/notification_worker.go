package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"finsight/internal/amqp"
	"finsight/internal/cache"
	"finsight/internal/core"
	"finsight/internal/repo"
	"finsight/internal/scheduler"
)

const (
	seenEventsSize = 1024
	seenEventsTTL  = 24 * time.Hour
)

// NotificationWorker turns generation events into user notifications: one
// summary per run, plus a dedicated alert for each high-priority insight.
type NotificationWorker struct {
	insights repo.InsightStore
	notifier scheduler.Notifier
	seen     cache.Cache[struct{}]
	lookback int
}

func NewNotificationWorker(insights repo.InsightStore, notifier scheduler.Notifier, lookback int) *NotificationWorker {
	if lookback <= 0 {
		lookback = 50
	}
	return &NotificationWorker{
		insights: insights,
		notifier: notifier,
		seen:     cache.NewLRUCache[struct{}](seenEventsSize, seenEventsTTL),
		lookback: lookback,
	}
}

// SeenEvents exposes the redelivery cache so it can be swept by a cache.Manager.
func (w *NotificationWorker) SeenEvents() cache.Cache[struct{}] {
	return w.seen
}

// HandleGenerationEvent processes a single generation event from AMQP.
// Redelivered events are acknowledged without notifying twice.
func (w *NotificationWorker) HandleGenerationEvent(ctx context.Context, event *amqp.GenerationEvent) error {
	if event.EventID != "" {
		if _, ok := w.seen.Get(event.EventID); ok {
			slog.DebugContext(ctx, "Skipping redelivered generation event", "event_id", event.EventID)
			return nil
		}
	}

	slog.InfoContext(ctx, "Processing generation event",
		"event_id", event.EventID,
		"user_id", event.UserID,
		"generated", event.Generated,
		"errored", event.Errored)

	if len(event.InsightIDs) > 0 {
		if err := w.alertHighPriority(ctx, event); err != nil {
			return fmt.Errorf("alert high priority insights: %w", err)
		}
	}

	if n, ok := scheduler.SummaryNotification(event.Result()); ok {
		shown := w.notifier.Send(n)
		slog.DebugContext(ctx, "Generation summary routed",
			"user_id", event.UserID,
			"title", n.Title,
			"shown", shown)
	}

	if event.EventID != "" {
		w.seen.Set(event.EventID, struct{}{})
	}
	return nil
}

func (w *NotificationWorker) alertHighPriority(ctx context.Context, event *amqp.GenerationEvent) error {
	wanted := make(map[string]bool, len(event.InsightIDs))
	for _, id := range event.InsightIDs {
		wanted[id] = true
	}

	recent, err := w.insights.ListInsights(ctx, event.UserID, repo.InsightFilter{Limit: w.lookback})
	if err != nil {
		return err
	}

	for _, in := range recent {
		if !wanted[in.ID] || in.Priority != core.PriorityHigh {
			continue
		}
		w.notifier.Send(InsightAlert(in))
	}
	return nil
}

// InsightAlert renders a single insight as a notification.
func InsightAlert(in core.Insight) core.Notification {
	n := core.Notification{
		UserID:      in.UserID,
		Kind:        core.KindInfo,
		Category:    core.CategoryInsights,
		Priority:    in.Priority,
		Title:       in.Title,
		Description: in.Content,
		Action:      &core.NotificationAction{Label: "View insight", Target: "/insights/" + in.ID},
	}
	switch in.Type {
	case core.InsightThresholdAlert:
		n.Kind = core.KindWarning
		n.Category = core.CategoryBudget
	case core.InsightMonthly:
		n.Category = core.CategoryFinancial
	}
	return n
}
