package http

import (
	"errors"
	"net/http"

	"finsight/internal/core"
	"finsight/internal/log"
	"finsight/internal/repo"
	"finsight/internal/scheduler"
)

// currentPreferences returns the stored preferences or the defaults a new
// user would get, without persisting them.
func (s *Server) currentPreferences(r *http.Request, userID string) (core.Preferences, error) {
	prefs, err := s.deps.Store.GetPreferences(r.Context(), userID)
	if errors.Is(err, repo.ErrNotFound) {
		return core.DefaultPreferences(userID, s.deps.DefaultTimezone), nil
	}
	if err != nil {
		return core.Preferences{}, err
	}
	return *prefs, nil
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request, userID string) {
	prefs, err := s.currentPreferences(r, userID)
	if err != nil {
		logError(r, "Failed to load preferences", err, log.OpRead)
		StoreError(err).Write(w)
		return
	}
	NewJSONResponse().Body(toPreferencesJSON(prefs)).Write(w)
}

// handlePutPreferences replaces the user's preferences. The generation
// history is kept and the next due instant is recomputed from it, so a
// frequency change takes effect from the last run.
func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request, userID string) {
	var req preferencesRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	current, err := s.currentPreferences(r, userID)
	if err != nil {
		logError(r, "Failed to load preferences", err, log.OpRead)
		StoreError(err).Write(w)
		return
	}

	next := core.Preferences{
		UserID:         userID,
		Frequency:      core.Frequency(req.Frequency),
		EnabledTypes:   uniqueTypes(req.EnabledTypes),
		PreferredTime:  req.PreferredTime,
		Timezone:       req.Timezone,
		LastGeneration: current.LastGeneration,
	}
	if next.Timezone == "" {
		next.Timezone = current.Timezone
	}
	if next.LastGeneration != nil {
		next.NextGenerationDue = scheduler.NextDue(next, *next.LastGeneration)
	}

	if err := s.deps.Store.UpsertPreferences(r.Context(), next); err != nil {
		logError(r, "Failed to save preferences", err, log.OpUpdate)
		StoreError(err).Write(w)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Insight preferences updated",
		"frequency", next.Frequency,
		"enabled_types", len(next.EnabledTypes))
	NewJSONResponse().Body(toPreferencesJSON(next)).Write(w)
}

// uniqueTypes keeps generation order and drops repeats.
func uniqueTypes(in []string) []core.InsightType {
	out := make([]core.InsightType, 0, len(in))
	for _, t := range core.AllInsightTypes {
		for _, v := range in {
			if core.InsightType(v) == t {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
