package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"finsight/internal/core"
	"finsight/internal/log"
	"finsight/internal/repo"
	"finsight/internal/scheduler"
)

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request, userID string) {
	query := r.URL.Query()

	limit, err := ParseLimit(query, defaultListLimit, maxListLimit)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	unread, err := ParseBool(query, "unread")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	typ := core.InsightType(strings.TrimSpace(query.Get("type")))
	if typ != "" && !typ.Valid() {
		BadRequestError("unknown insight type " + string(typ)).Write(w)
		return
	}

	list, err := s.deps.Store.ListInsights(r.Context(), userID, repo.InsightFilter{
		UnreadOnly: unread,
		Type:       typ,
		Limit:      limit,
	})
	if err != nil {
		logError(r, "Failed to list insights", err, log.OpList)
		StoreError(err).Write(w)
		return
	}
	NewJSONResponse().Body(map[string]any{"insights": toInsightsJSON(list)}).Write(w)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if err := s.deps.Store.MarkInsightRead(r.Context(), userID, id); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			logError(r, "Failed to mark insight read", err, log.OpUpdate)
		}
		StoreError(err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := s.deps.Store.MarkAllInsightsRead(r.Context(), userID)
	if err != nil {
		logError(r, "Failed to mark insights read", err, log.OpUpdate)
		StoreError(err).Write(w)
		return
	}
	NewJSONResponse().Body(map[string]int64{"updated": n}).Write(w)
}

func (s *Server) handleDeleteInsight(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteInsight(r.Context(), userID, id); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			logError(r, "Failed to delete insight", err, log.OpDelete)
		}
		StoreError(err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

// handleGenerate runs a manual generation and answers with its result.
// Guard rejections map to 409 (run in flight) and 429 (too soon); a run
// stopped by backend rate limiting is reported as 429 with its partial
// result.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, userID string) {
	res := s.deps.Generator.TriggerManual(r.Context(), userID)

	switch {
	case errors.Is(res.Rejected, scheduler.ErrAlreadyGenerating):
		ErrorResponse(http.StatusConflict, res.Message).Write(w)
		return
	case errors.Is(res.Rejected, scheduler.ErrTooSoon):
		TooManyRequestsError(res.Message, s.retryAfterGuard()).Write(w)
		return
	case res.RateLimited:
		NewJSONResponse().
			Status(http.StatusTooManyRequests).
			RetryAfter(s.retryAfterGuard()).
			Body(toGenerationJSON(res)).
			Write(w)
		return
	}

	status := http.StatusOK
	if !res.Success && res.Generated == 0 && res.Skipped == 0 {
		status = http.StatusInternalServerError
	}
	NewJSONResponse().Status(status).Body(toGenerationJSON(res)).Write(w)
}

// retryAfterGuard is the minimum interval between run starts.
func (s *Server) retryAfterGuard() time.Duration {
	if s.deps.MinGenerationInterval > 0 {
		return s.deps.MinGenerationInterval
	}
	return scheduler.DefaultConfig().MinInterval
}
