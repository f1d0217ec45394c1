package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"finsight/internal/core"
	"finsight/internal/log"
	"finsight/internal/middleware/ratelimit"
	"finsight/internal/middleware/security"
	"finsight/internal/middleware/trace"
	"finsight/internal/monitoring"
	"finsight/internal/notify"
	"finsight/internal/repo"
	"finsight/internal/scheduler"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type (
	// Generator starts manual runs and tracks the signed-in user.
	Generator interface {
		TriggerManual(ctx context.Context, userID string) scheduler.GenerationResult
		SetActiveUser(userID string)
		IsGenerating() bool
	}

	// NotificationCenter gives access to per-user notification settings.
	NotificationCenter interface {
		For(userID string) *notify.Throttle
	}

	// InboxReader lists notifications that were delivered to a user.
	InboxReader interface {
		List(userID string) []core.Notification
	}
)

// Deps are the collaborators of the API server.
type Deps struct {
	Store         repo.Store
	Generator     Generator
	Notifications NotificationCenter
	Inbox         InboxReader
	Metrics       *monitoring.Metrics
	Logger        *log.Logger
	Clock         clockwork.Clock

	RateLimitPerMinute int
	DefaultTimezone    string

	// MinGenerationInterval is advertised in Retry-After on guard rejections.
	MinGenerationInterval time.Duration

	// BlockSuspicious refuses probing requests instead of only logging them.
	BlockSuspicious bool
}

type Server struct {
	http.Server
	deps         Deps
	limiter      *ratelimit.Limiter
	detector     *security.Detector
	tracer       *trace.Middleware
	shutdownOnce sync.Once
}

// NewServer wires routes and middleware. Deps.Store, Deps.Generator and
// Deps.Logger are required.
func NewServer(addr string, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.DefaultTimezone == "" {
		deps.DefaultTimezone = "UTC"
	}

	s := &Server{
		deps: deps,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: deps.RateLimitPerMinute,
			Clock:             deps.Clock,
		}),
		detector: security.NewDetector(
			security.WithBlocking(deps.BlockSuspicious),
			security.WithMetrics(deps.Metrics),
		),
	}
	s.tracer = trace.NewMiddleware(s.detector.ExtractClientIP,
		trace.WithMetrics(deps.Metrics),
		trace.WithClock(deps.Clock))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	mux.Handle("GET /insights", s.withUser(s.handleListInsights))
	mux.Handle("POST /insights/generate", s.withUser(s.handleGenerate))
	mux.Handle("POST /insights/read-all", s.withUser(s.handleMarkAllRead))
	mux.Handle("POST /insights/{id}/read", s.withUser(s.handleMarkRead))
	mux.Handle("DELETE /insights/{id}", s.withUser(s.handleDeleteInsight))

	mux.Handle("GET /preferences", s.withUser(s.handleGetPreferences))
	mux.Handle("PUT /preferences", s.withUser(s.handlePutPreferences))

	mux.Handle("GET /transactions", s.withUser(s.handleListTransactions))
	mux.Handle("POST /transactions", s.withUser(s.handleCreateTransaction))
	mux.Handle("POST /categories", s.withUser(s.handleCreateCategory))
	mux.Handle("POST /budgets", s.withUser(s.handleCreateBudget))
	mux.Handle("POST /savings-goals", s.withUser(s.handleCreateSavingsGoal))

	mux.Handle("GET /notifications", s.withUser(s.handleListNotifications))
	mux.Handle("GET /notifications/settings", s.withUser(s.handleGetNotificationSettings))
	mux.Handle("PUT /notifications/settings", s.withUser(s.handlePutNotificationSettings))

	// Outermost first: logger, tracing, probe detection, rate limit, headers.
	var handler http.Handler = mux
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	handler = s.limiter.Middleware(s.detector.ExtractClientIP, s.onRateLimited)(handler)
	handler = s.detector.Middleware(handler)
	handler = s.tracer.Middleware(handler)
	handler = log.Middleware(deps.Logger.WithComponent(log.ComponentHTTP))(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Shutdown gracefully shuts down the server and stops the limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	s.deps.Metrics.HTTPRejected("rate_limited")
	ErrorResponse(http.StatusTooManyRequests, "rate limit exceeded, try again later").Write(w)
}

// withUser requires the caller header, marks the caller as the scheduler's
// active user and scopes the request logger to them.
func (s *Server) withUser(next func(http.ResponseWriter, *http.Request, string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r)
		if !ok {
			UnauthorizedError("missing or invalid " + UserHeader + " header").Write(w)
			return
		}
		s.deps.Generator.SetActiveUser(userID)

		ctx := log.WithContext(r.Context(), log.FromContext(r.Context()).WithUser(userID))
		next(w, r.WithContext(ctx), userID)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]any{
		"status":     "ok",
		"generating": s.deps.Generator.IsGenerating(),
	}).Write(w)
}

// logError records an unexpected failure with the request's logger.
func logError(r *http.Request, msg string, err error, op string) {
	ctx := r.Context()
	log.NewStructuredLogger(log.FromContext(ctx)).LogError(ctx, msg, err, op, nil)
}
