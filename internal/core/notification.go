package core

import "time"

const (
	KindSuccess NotificationKind = "success"
	KindError   NotificationKind = "error"
	KindWarning NotificationKind = "warning"
	KindInfo    NotificationKind = "info"
)

const (
	CategoryFinancial NotificationCategory = "financial"
	CategoryBudget    NotificationCategory = "budget"
	CategorySavings   NotificationCategory = "savings"
	CategoryInsights  NotificationCategory = "insights"
	CategorySystem    NotificationCategory = "system"
)

// AllNotificationCategories lists every category, in display order.
var AllNotificationCategories = []NotificationCategory{
	CategoryFinancial, CategoryBudget, CategorySavings, CategoryInsights, CategorySystem,
}

type (
	NotificationKind     string
	NotificationCategory string

	NotificationAction struct {
		Label  string `json:"label"`
		Target string `json:"target"`
	}

	// Notification is a user-facing message. UserID routes it to the
	// recipient's throttle and inbox.
	Notification struct {
		ID          string               `json:"id"`
		UserID      string               `json:"user_id,omitempty"`
		Kind        NotificationKind     `json:"kind"`
		Category    NotificationCategory `json:"category"`
		Priority    Priority             `json:"priority"`
		Title       string               `json:"title"`
		Description string               `json:"description,omitempty"`
		Timestamp   time.Time            `json:"timestamp"`
		Action      *NotificationAction  `json:"action,omitempty"`
	}
)
