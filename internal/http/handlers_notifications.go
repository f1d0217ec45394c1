package http

import (
	"net/http"

	"finsight/internal/core"
	"finsight/internal/log"
	"finsight/internal/notify"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, userID string) {
	var list []core.Notification
	if s.deps.Inbox != nil {
		list = s.deps.Inbox.List(userID)
	}
	if list == nil {
		list = []core.Notification{}
	}
	NewJSONResponse().Body(map[string]any{"notifications": list}).Write(w)
}

func (s *Server) handleGetNotificationSettings(w http.ResponseWriter, r *http.Request, userID string) {
	if s.deps.Notifications == nil {
		NotFoundError("notifications are not enabled").Write(w)
		return
	}
	NewJSONResponse().Body(s.deps.Notifications.For(userID).Settings()).Write(w)
}

func (s *Server) handlePutNotificationSettings(w http.ResponseWriter, r *http.Request, userID string) {
	if s.deps.Notifications == nil {
		NotFoundError("notifications are not enabled").Write(w)
		return
	}
	var settings notify.Settings
	if err := DecodeJSON(w, r, &settings); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	throttle := s.deps.Notifications.For(userID)
	if err := throttle.UpdateSettings(settings); err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Notification settings updated",
		"enabled", settings.Enabled,
		"quiet_hours", settings.QuietHours.Enabled)
	NewJSONResponse().Body(throttle.Settings()).Write(w)
}
