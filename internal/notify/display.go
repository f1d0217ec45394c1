package notify

import (
	"log/slog"
	"sync"

	"finsight/internal/core"
)

// LogDisplay writes each delivered notification to the structured log.
type LogDisplay struct {
	logger *slog.Logger
}

func NewLogDisplay(logger *slog.Logger) *LogDisplay {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDisplay{logger: logger}
}

func (d *LogDisplay) Show(batch []core.Notification) {
	for _, n := range batch {
		d.logger.Info("Notification",
			"user_id", n.UserID,
			"kind", n.Kind,
			"category", n.Category,
			"priority", n.Priority,
			"title", n.Title,
			"description", n.Description)
	}
}

// Inbox keeps the most recent delivered notifications per user.
type Inbox struct {
	limit int

	mu    sync.RWMutex
	items map[string][]core.Notification
}

func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 50
	}
	return &Inbox{limit: limit, items: make(map[string][]core.Notification)}
}

func (b *Inbox) Show(batch []core.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range batch {
		list := append(b.items[n.UserID], n)
		if len(list) > b.limit {
			list = list[len(list)-b.limit:]
		}
		b.items[n.UserID] = list
	}
}

// List returns the user's notifications, newest first.
func (b *Inbox) List(userID string) []core.Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.items[userID]
	out := make([]core.Notification, len(list))
	for i, n := range list {
		out[len(list)-1-i] = n
	}
	return out
}

// Displays fans a batch out to several displays.
type Displays []Display

func (ds Displays) Show(batch []core.Notification) {
	for _, d := range ds {
		d.Show(batch)
	}
}
