// Package httpapi implements the HTTP/SSE surface of spec §4.K/§6: chi
// routing for the action, lease, policy, egress, and read-model routes,
// bearer/admin auth, correlation propagation, and application/problem+json
// error rendering.
//
// Routing uses github.com/go-chi/chi/v5 and github.com/go-chi/cors,
// grounded on jordigilh-kubernaut's go.mod (the pack's one real
// chi-based HTTP stack); the teacher itself exposes its surface through
// goa-generated transport code with no hand-wired router to imitate, so
// this package follows the pack's chi convention instead.
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/arw-hub/agenthub/internal/action"
	"github.com/arw-hub/agenthub/internal/egress"
	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/journal"
	"github.com/arw-hub/agenthub/internal/lease"
	"github.com/arw-hub/agenthub/internal/policy"
)

type corrIDKey struct{}

// CorrIDFromContext returns the correlation id attached by the
// correlation middleware, or "" if none.
func CorrIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(corrIDKey{}).(string)
	return v
}

// Bus is the subset of *bus.Bus the SSE handler depends on.
type Bus interface {
	Subscribe(filter journal.Filter, cursor uint64, queueDepth int) (Subscription, error)
	Tail() uint64
}

// Subscription mirrors *bus.Subscription for test substitution.
type Subscription interface {
	Events() <-chan journal.Event
	Dropped() uint64
	Close()
}

// ReadModels is the subset of *readmodel.Publisher the GET /state/:id
// route depends on.
type ReadModels interface {
	Get(id string) (value json.RawMessage, version uint64, lastEventID uint64, ok bool)
}

// Options configures the server.
type Options struct {
	Actions    *action.Engine
	Leases     *lease.Ledger
	Policy     *policy.Engine
	Egress     *egress.Guard
	ReadModels ReadModels
	Bus        Bus

	AdminTokenSHA256 string // hex-encoded sha256 of the admin bearer token; empty skips bearer auth on regular routes and refuses every admin-only route
	Debug            bool
	SSEMode          string // "envelope" (default) or "ce-structured"
}

// Server is the ARW HTTP/SSE surface.
type Server struct {
	opts   Options
	router chi.Router
}

// New builds the router and registers every spec §6 route.
func New(opts Options) *Server {
	s := &Server{opts: opts}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-ARW-Admin", "X-ARW-Corr", "Last-Event-ID"},
	}))
	r.Use(s.correlationMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/about", s.handleAbout)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/actions", s.handleSubmitAction)
		r.Get("/actions/{id}", s.handleGetAction)
		r.Post("/actions/{id}/state", s.handleActionState)
		r.Get("/events", s.handleEvents)
		r.Get("/state/{id}", s.handleGetState)
		r.Post("/leases", s.handleCreateLease)
		r.Post("/policy/simulate", s.handlePolicySimulate)
		r.Post("/egress/preview", s.handleEgressPreview)
		r.With(s.adminOnly).Post("/egress/settings", s.handleEgressSettings)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get("X-ARW-Corr")
		if corrID == "" {
			corrID = uuid.NewString()
		}
		w.Header().Set("X-ARW-Corr", corrID)
		ctx := context.WithValue(r.Context(), corrIDKey{}, corrID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware enforces bearer/X-ARW-Admin auth unless debug mode is
// on (spec §6 "Auth: bearer token ... or X-ARW-Admin header; admin
// endpoints default-deny without a token").
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Debug || s.opts.AdminTokenSHA256 == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" || !tokenMatches(token, s.opts.AdminTokenSHA256) {
			writeProblem(w, CorrIDFromContext(r.Context()), errs.New(errs.CodePolicyDenied, http.StatusUnauthorized, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminTokenSHA256 == "" {
			writeProblem(w, CorrIDFromContext(r.Context()), errs.New(errs.CodePolicyDenied, http.StatusForbidden, "admin endpoint requires a configured admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if v := r.Header.Get("X-ARW-Admin"); v != "" {
		return v
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func tokenMatches(token, wantSHA256Hex string) bool {
	sum := sha256.Sum256([]byte(token))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantSHA256Hex)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "arw-hub",
		"time":    time.Now().UTC(),
	})
}
