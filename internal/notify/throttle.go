// Package notify filters, batches and delivers user-facing notifications.
//
// A Throttle applies, in order: duplicate suppression, the high-priority
// bypass, enable/category/min-priority switches, quiet hours and rolling
// rate limits. Accepted notifications are queued and flushed on a short
// debounce timer or when the queue fills up.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"finsight/internal/core"
	"finsight/internal/monitoring"
)

// Decisions recorded for every notification.
const (
	DecisionShown            = "shown"
	DecisionDuplicate        = "duplicate"
	DecisionDisabled         = "disabled"
	DecisionCategoryDisabled = "category_disabled"
	DecisionBelowMinPriority = "below_min_priority"
	DecisionQuietHours       = "quiet_hours"
	DecisionRateLimited      = "rate_limited"
)

const (
	DefaultFlushDelay = 2 * time.Second
	DefaultMaxBatch   = 3

	historyRetention = 24 * time.Hour
	historyLimit     = 100
	duplicateWindow  = time.Hour

	settingsKey = "settings"
	historyKey  = "history"
)

// Display renders a flushed batch.
type Display interface {
	Show(batch []core.Notification)
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(batch []core.Notification)

func (f DisplayFunc) Show(batch []core.Notification) { f(batch) }

// HistoryEntry is one throttling decision, kept for later duplicate and
// rate checks whether or not the notification was shown.
type HistoryEntry struct {
	Title     string                    `json:"title"`
	Category  core.NotificationCategory `json:"category"`
	Priority  core.Priority             `json:"priority"`
	Timestamp time.Time                 `json:"timestamp"`
	Accepted  bool                      `json:"accepted"`
	Decision  string                    `json:"decision"`
}

// Throttle is the notification gate of one recipient.
type Throttle struct {
	display    Display
	clock      clockwork.Clock
	kv         KV
	keyPrefix  string
	userID     string
	flushDelay time.Duration
	maxBatch   int
	metrics    *monitoring.Metrics

	mu       sync.Mutex
	settings Settings
	history  []HistoryEntry
	queue    []core.Notification
	timer    clockwork.Timer

	// customised is set once settings change and only live in memory.
	customised bool
}

// Option customises a Throttle.
type Option func(*Throttle)

func WithClock(c clockwork.Clock) Option {
	return func(t *Throttle) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithKV persists settings and history. Persisted settings take precedence
// over WithSettings.
func WithKV(kv KV) Option {
	return func(t *Throttle) { t.kv = kv }
}

func WithSettings(s Settings) Option {
	return func(t *Throttle) { t.settings = s.clone() }
}

func WithFlushDelay(d time.Duration) Option {
	return func(t *Throttle) {
		if d > 0 {
			t.flushDelay = d
		}
	}
}

func WithMaxBatch(n int) Option {
	return func(t *Throttle) {
		if n > 0 {
			t.maxBatch = n
		}
	}
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(t *Throttle) { t.metrics = m }
}

// WithUser binds the throttle to a recipient; KV keys are namespaced by it.
func WithUser(userID string) Option {
	return func(t *Throttle) {
		t.userID = userID
		t.keyPrefix = "notify:" + userID + ":"
	}
}

func New(display Display, opts ...Option) *Throttle {
	t := &Throttle{
		display:    display,
		clock:      clockwork.NewRealClock(),
		settings:   DefaultSettings(),
		flushDelay: DefaultFlushDelay,
		maxBatch:   DefaultMaxBatch,
		keyPrefix:  "notify:",
	}
	for _, opt := range opts {
		opt(t)
	}
	t.restore()
	return t
}

// Notify builds a notification and passes it to Send.
func (t *Throttle) Notify(kind core.NotificationKind, category core.NotificationCategory, priority core.Priority, title, description string) bool {
	return t.Send(core.Notification{
		Kind:        kind,
		Category:    category,
		Priority:    priority,
		Title:       title,
		Description: description,
	})
}

// Send runs n through the throttling rules. It returns true when n will be
// displayed, possibly collapsed with others of its category.
func (t *Throttle) Send(n core.Notification) bool {
	t.mu.Lock()
	now := t.clock.Now()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}
	if n.UserID == "" {
		n.UserID = t.userID
	}
	if n.Priority == "" {
		n.Priority = core.PriorityMedium
	}

	t.pruneLocked(now)
	decision := t.evaluateLocked(n, now)
	accepted := decision == DecisionShown
	t.history = append(t.history, HistoryEntry{
		Title:     n.Title,
		Category:  n.Category,
		Priority:  n.Priority,
		Timestamp: now,
		Accepted:  accepted,
		Decision:  decision,
	})
	t.trimLocked()

	var batch []core.Notification
	if accepted {
		t.queue = append(t.queue, n)
		if len(t.queue) >= t.maxBatch {
			batch = t.takeQueueLocked()
		} else if t.timer == nil {
			t.timer = t.clock.AfterFunc(t.flushDelay, t.Flush)
		}
	}
	t.persistLocked(historyKey, t.history)
	t.mu.Unlock()

	t.metrics.NotificationDecision(decision)
	if !accepted {
		slog.Debug("Notification suppressed", "user_id", n.UserID, "title", n.Title, "reason", decision)
	}
	t.show(batch)
	return accepted
}

func (t *Throttle) evaluateLocked(n core.Notification, now time.Time) string {
	for _, h := range t.history {
		if h.Accepted && h.Title == n.Title && h.Category == n.Category && now.Sub(h.Timestamp) < duplicateWindow {
			return DecisionDuplicate
		}
	}
	if n.Priority == core.PriorityHigh {
		return DecisionShown
	}

	s := t.settings
	switch {
	case !s.Enabled:
		return DecisionDisabled
	case !s.CategoryEnabled(n.Category):
		return DecisionCategoryDisabled
	case n.Priority.Rank() < s.MinPriority.Rank():
		return DecisionBelowMinPriority
	case s.QuietHours.Contains(now, s.location()):
		return DecisionQuietHours
	}

	var lastHour, lastDay int
	for _, h := range t.history {
		if !h.Accepted {
			continue
		}
		age := now.Sub(h.Timestamp)
		if age < time.Hour {
			lastHour++
		}
		if age < historyRetention {
			lastDay++
		}
	}
	if (s.MaxPerHour > 0 && lastHour >= s.MaxPerHour) || (s.MaxPerDay > 0 && lastDay >= s.MaxPerDay) {
		return DecisionRateLimited
	}
	return DecisionShown
}

// Flush delivers the queue now.
func (t *Throttle) Flush() {
	t.mu.Lock()
	batch := t.takeQueueLocked()
	t.mu.Unlock()
	t.show(batch)
}

// Close delivers anything still queued.
func (t *Throttle) Close() error {
	t.Flush()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked(historyKey, t.history)
}

func (t *Throttle) takeQueueLocked() []core.Notification {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	batch := t.queue
	t.queue = nil
	return batch
}

func (t *Throttle) show(batch []core.Notification) {
	if len(batch) == 0 || t.display == nil {
		return
	}
	t.display.Show(Collapse(batch))
}

// Collapse merges queued notifications of the same category into one
// summary per category. High priority notifications stay individual.
// Output order follows the first appearance of each entry.
func Collapse(batch []core.Notification) []core.Notification {
	groups := make(map[core.NotificationCategory][]core.Notification)
	var order []string
	var singles []core.Notification
	for _, n := range batch {
		if n.Priority == core.PriorityHigh {
			order = append(order, "single")
			singles = append(singles, n)
			continue
		}
		if _, seen := groups[n.Category]; !seen {
			order = append(order, "group:"+string(n.Category))
		}
		groups[n.Category] = append(groups[n.Category], n)
	}

	out := make([]core.Notification, 0, len(order))
	si := 0
	for _, key := range order {
		if key == "single" {
			out = append(out, singles[si])
			si++
			continue
		}
		group := groups[core.NotificationCategory(strings.TrimPrefix(key, "group:"))]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		out = append(out, summarise(group))
	}
	return out
}

func summarise(group []core.Notification) core.Notification {
	titles := make([]string, 0, len(group))
	s := core.Notification{
		ID:       uuid.NewString(),
		UserID:   group[0].UserID,
		Kind:     core.KindInfo,
		Category: group[0].Category,
		Priority: core.PriorityLow,
		Title:    fmt.Sprintf("%d %s notifications", len(group), group[0].Category),
	}
	for _, n := range group {
		titles = append(titles, n.Title)
		if n.Priority.Rank() > s.Priority.Rank() {
			s.Priority = n.Priority
		}
		if kindRank(n.Kind) > kindRank(s.Kind) {
			s.Kind = n.Kind
		}
		if n.Timestamp.After(s.Timestamp) {
			s.Timestamp = n.Timestamp
		}
	}
	s.Description = strings.Join(titles, "; ")
	return s
}

func kindRank(k core.NotificationKind) int {
	switch k {
	case core.KindError:
		return 3
	case core.KindWarning:
		return 2
	case core.KindSuccess:
		return 1
	}
	return 0
}

// UpdateSettings validates and persists new rules.
func (t *Throttle) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settings = s.clone()
	t.customised = t.kv == nil
	return t.saveLocked(settingsKey, t.settings)
}

func (t *Throttle) Settings() Settings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings.clone()
}

// History returns the retained decisions, oldest first.
func (t *Throttle) History() []HistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]HistoryEntry(nil), t.history...)
}

// Prune drops history older than the retention window and returns how
// many entries went.
func (t *Throttle) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := len(t.history)
	t.pruneLocked(t.clock.Now())
	removed := before - len(t.history)
	if removed > 0 {
		t.persistLocked(historyKey, t.history)
	}
	return removed
}

// idle reports whether the throttle holds nothing that a fresh one, built
// from the same options, would not restore.
func (t *Throttle) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history) == 0 && len(t.queue) == 0 && t.timer == nil && !t.customised
}

func (t *Throttle) pruneLocked(now time.Time) {
	kept := t.history[:0]
	for _, h := range t.history {
		if now.Sub(h.Timestamp) < historyRetention {
			kept = append(kept, h)
		}
	}
	t.history = kept
}

// trimLocked caps the history at historyLimit. Suppressed decisions go
// first, oldest first; accepted entries drive the duplicate and rate
// checks and are dropped only when nothing suppressed is left.
func (t *Throttle) trimLocked() {
	excess := len(t.history) - historyLimit
	if excess <= 0 {
		return
	}
	kept := make([]HistoryEntry, 0, historyLimit)
	for _, h := range t.history {
		if excess > 0 && !h.Accepted {
			excess--
			continue
		}
		kept = append(kept, h)
	}
	if excess > 0 {
		kept = kept[excess:]
	}
	t.history = kept
}

func (t *Throttle) restore() {
	if t.kv == nil {
		return
	}
	ctx := context.Background()
	if raw, ok, err := t.kv.Load(ctx, t.keyPrefix+settingsKey); err != nil {
		slog.Warn("Failed to load notification settings", "user_id", t.userID, "error", err)
	} else if ok {
		var s Settings
		if err := json.Unmarshal(raw, &s); err != nil {
			slog.Warn("Ignoring corrupt notification settings", "user_id", t.userID, "error", err)
		} else {
			t.settings = s
		}
	}
	if raw, ok, err := t.kv.Load(ctx, t.keyPrefix+historyKey); err != nil {
		slog.Warn("Failed to load notification history", "user_id", t.userID, "error", err)
	} else if ok {
		var h []HistoryEntry
		if err := json.Unmarshal(raw, &h); err != nil {
			slog.Warn("Ignoring corrupt notification history", "user_id", t.userID, "error", err)
		} else {
			sort.SliceStable(h, func(i, j int) bool { return h[i].Timestamp.Before(h[j].Timestamp) })
			t.history = h
			t.pruneLocked(t.clock.Now())
			t.trimLocked()
		}
	}
}

// persistLocked saves best-effort; failures only cost restart fidelity.
func (t *Throttle) persistLocked(key string, v any) {
	if err := t.saveLocked(key, v); err != nil {
		slog.Warn("Failed to persist notification state", "user_id", t.userID, "key", key, "error", err)
	}
}

func (t *Throttle) saveLocked(key string, v any) error {
	if t.kv == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := t.kv.Save(context.Background(), t.keyPrefix+key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
