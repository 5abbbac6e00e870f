// Package web is the HTTP and WebSocket surface of the control plane.
// Every request flows authentication, permission check, host resolution,
// pool acquire, and audit before it touches a Docker daemon.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harbormaster-io/harbormaster/internal/audit"
	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/breaker"
	"github.com/harbormaster-io/harbormaster/internal/config"
	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/hosts"
	"github.com/harbormaster-io/harbormaster/internal/metrics"
	"github.com/harbormaster-io/harbormaster/internal/streams"
	"github.com/harbormaster-io/harbormaster/internal/tasks"
	"github.com/harbormaster-io/harbormaster/internal/wizard"
)

// opTimeout bounds every unary Docker call made on behalf of a request.
const opTimeout = 30 * time.Second

// HostDirectory is the host registry surface the handlers need.
type HostDirectory interface {
	Create(in hosts.CreateInput) (*hosts.Host, error)
	Get(id string) (*hosts.Host, error)
	GetDefault() (*hosts.Host, error)
	List() ([]hosts.Host, error)
	Update(id string, in hosts.UpdateInput) (*hosts.Host, error)
	SetDefault(id string) error
	Delete(id string) error
}

// ConnectionPool hands out live Docker clients guarded by breakers.
type ConnectionPool interface {
	Acquire(ctx context.Context, hostID string) (docker.API, *breaker.Breaker, error)
	Breaker(hostID string) (*breaker.Breaker, error)
	Invalidate(hostID string)
	LastProbe(hostID string) (time.Time, error)
}

// AuditLog records and queries audit events.
type AuditLog interface {
	Record(e audit.Event)
	List(f audit.Filter) ([]audit.Event, error)
}

// StreamHub multiplexes upstream Docker streams.
type StreamHub interface {
	Subscribe(ctx context.Context, key streams.Key) (*streams.Subscription, error)
}

// TaskRunner launches and tracks long-running operations.
type TaskRunner interface {
	Start(kind, hostID, userID string, fn tasks.Fn) *tasks.Task
	Get(id string) (*tasks.Task, bool)
	List() []tasks.Task
}

// WizardService drives guided host onboarding.
type WizardService interface {
	Start(kind wizard.Kind, userID string) (*wizard.Instance, error)
	Get(id string) (*wizard.Instance, error)
	UpdateStep(id string, fields map[string]any) (*wizard.Instance, error)
	Next(id string) (*wizard.Instance, error)
	Previous(id string) (*wizard.Instance, error)
	Test(ctx context.Context, id string) (*wizard.Instance, error)
	Complete(ctx context.Context, id string) (*wizard.Instance, error)
	Cancel(id string) error
	List(userID string) ([]wizard.Instance, error)
	GenerateKey(id string) (*wizard.KeyPair, error)
}

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Auth    *auth.Service
	Hosts   HostDirectory
	Pool    ConnectionPool
	Streams StreamHub
	Tasks   TaskRunner
	Wizards WizardService
	Audit   AuditLog
	Bus     *events.Bus
	Config  *config.Config
	Log     *slog.Logger
}

// Server is the HTTP front of the control plane.
type Server struct {
	deps     Dependencies
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New builds the server and registers all routes.
func New(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.routes()
	return s
}

// Handler returns the root handler with request ID tagging applied.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.mux)
}

func (s *Server) routes() {
	mux := s.mux

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.auth(s.handleMetrics))

	// Identity.
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)
	mux.Handle("GET /api/v1/users/me", s.auth(s.handleMe))

	// User management.
	mux.Handle("GET /api/v1/users", s.auth(s.handleListUsers))
	mux.Handle("POST /api/v1/users", s.auth(s.handleCreateUser))
	mux.Handle("GET /api/v1/users/{id}", s.auth(s.handleGetUser))
	mux.Handle("PUT /api/v1/users/{id}", s.auth(s.handleUpdateUser))
	mux.Handle("DELETE /api/v1/users/{id}", s.auth(s.handleDeleteUser))
	mux.Handle("PUT /api/v1/users/{id}/password", s.auth(s.handleChangePassword))
	mux.Handle("GET /api/v1/users/{id}/permissions", s.auth(s.handleGetHostPermissions))
	mux.Handle("PUT /api/v1/users/{id}/permissions", s.auth(s.handleSetHostPermissions))

	// Host registry.
	mux.Handle("GET /api/v1/hosts", s.auth(s.handleListHosts))
	mux.Handle("POST /api/v1/hosts", s.auth(s.handleCreateHost))
	mux.Handle("GET /api/v1/hosts/{id}", s.auth(s.handleGetHost))
	mux.Handle("PUT /api/v1/hosts/{id}", s.auth(s.handleUpdateHost))
	mux.Handle("DELETE /api/v1/hosts/{id}", s.auth(s.handleDeleteHost))
	mux.Handle("POST /api/v1/hosts/{id}/test", s.auth(s.handleTestHost))
	mux.Handle("PUT /api/v1/hosts/{id}/default", s.auth(s.handleSetDefaultHost))
	mux.Handle("POST /api/v1/hosts/{id}/breaker/reset", s.auth(s.handleResetBreaker))
	mux.Handle("GET /api/v1/swarms", s.auth(s.handleListSwarms))
	mux.Handle("GET /api/v1/dashboard", s.auth(s.handleDashboard))

	// Containers.
	mux.Handle("GET /api/v1/containers", s.auth(s.handleListContainers))
	mux.Handle("POST /api/v1/containers", s.auth(s.handleCreateContainer))
	mux.Handle("POST /api/v1/containers/prune", s.auth(s.handlePruneContainers))
	mux.Handle("GET /api/v1/containers/{id}", s.auth(s.handleInspectContainer))
	mux.Handle("DELETE /api/v1/containers/{id}", s.auth(s.handleRemoveContainer))
	mux.Handle("POST /api/v1/containers/{id}/start", s.auth(s.handleStartContainer))
	mux.Handle("POST /api/v1/containers/{id}/stop", s.auth(s.handleStopContainer))
	mux.Handle("POST /api/v1/containers/{id}/restart", s.auth(s.handleRestartContainer))

	// Images.
	mux.Handle("GET /api/v1/images", s.auth(s.handleListImages))
	mux.Handle("POST /api/v1/images/pull", s.auth(s.handlePullImage))
	mux.Handle("POST /api/v1/images/tag", s.auth(s.handleTagImage))
	mux.Handle("POST /api/v1/images/prune", s.auth(s.handlePruneImages))
	mux.Handle("GET /api/v1/images/{ref...}", s.auth(s.handleInspectImage))
	mux.Handle("DELETE /api/v1/images/{ref...}", s.auth(s.handleRemoveImage))

	// Volumes and networks.
	mux.Handle("GET /api/v1/volumes", s.auth(s.handleListVolumes))
	mux.Handle("POST /api/v1/volumes/prune", s.auth(s.handlePruneVolumes))
	mux.Handle("DELETE /api/v1/volumes/{name}", s.auth(s.handleRemoveVolume))
	mux.Handle("GET /api/v1/networks", s.auth(s.handleListNetworks))
	mux.Handle("POST /api/v1/networks/prune", s.auth(s.handlePruneNetworks))
	mux.Handle("DELETE /api/v1/networks/{id}", s.auth(s.handleRemoveNetwork))

	// Swarm.
	mux.Handle("GET /api/v1/services", s.auth(s.handleListServices))
	mux.Handle("GET /api/v1/services/{id}", s.auth(s.handleInspectService))
	mux.Handle("PUT /api/v1/services/{id}", s.auth(s.handleUpdateService))
	mux.Handle("POST /api/v1/services/{id}/rollback", s.auth(s.handleRollbackService))
	mux.Handle("GET /api/v1/services/{id}/tasks", s.auth(s.handleListServiceTasks))
	mux.Handle("GET /api/v1/nodes", s.auth(s.handleListNodes))
	mux.Handle("GET /api/v1/nodes/{id}", s.auth(s.handleInspectNode))
	mux.Handle("GET /api/v1/secrets", s.auth(s.handleListSecrets))
	mux.Handle("GET /api/v1/configs", s.auth(s.handleListConfigs))

	// System.
	mux.Handle("GET /api/v1/system/info", s.auth(s.handleSystemInfo))
	mux.Handle("GET /api/v1/system/version", s.auth(s.handleSystemVersion))
	mux.Handle("GET /api/v1/system/df", s.auth(s.handleSystemDF))
	mux.Handle("POST /api/v1/system/prune", s.auth(s.handleSystemPrune))

	// Audit.
	mux.Handle("GET /api/v1/audit", s.auth(s.handleListAudit))

	// Wizards.
	mux.Handle("POST /api/v1/wizards/start", s.auth(s.handleStartWizard))
	mux.Handle("GET /api/v1/wizards", s.auth(s.handleListWizards))
	mux.Handle("GET /api/v1/wizards/{id}", s.auth(s.handleGetWizard))
	mux.Handle("PUT /api/v1/wizards/{id}/step", s.auth(s.handleWizardStep))
	mux.Handle("POST /api/v1/wizards/{id}/next", s.auth(s.handleWizardNext))
	mux.Handle("POST /api/v1/wizards/{id}/previous", s.auth(s.handleWizardPrevious))
	mux.Handle("POST /api/v1/wizards/{id}/test", s.auth(s.handleWizardTest))
	mux.Handle("POST /api/v1/wizards/{id}/complete", s.auth(s.handleWizardComplete))
	mux.Handle("POST /api/v1/wizards/{id}/cancel", s.auth(s.handleWizardCancel))
	mux.Handle("POST /api/v1/wizards/{id}/generate-key", s.auth(s.handleWizardGenerateKey))

	// Tasks.
	mux.Handle("GET /api/v1/tasks", s.auth(s.handleListTasks))
	mux.Handle("GET /api/v1/tasks/{id}", s.auth(s.handleGetTask))

	// WebSocket endpoints.
	mux.Handle("GET /ws/containers/{id}/logs", s.auth(s.handleWSContainerLogs))
	mux.Handle("GET /ws/containers/{id}/stats", s.auth(s.handleWSContainerStats))
	mux.Handle("GET /ws/containers/{id}/exec", s.auth(s.handleWSExec))
	mux.Handle("GET /ws/events", s.auth(s.handleWSEvents))
	mux.Handle("GET /ws/services/{id}/logs", s.auth(s.handleWSServiceLogs))
	mux.Handle("GET /ws/tasks/{id}", s.auth(s.handleWSTask))
}

// ctxKeyRequestID carries the per-request correlation ID.
type ctxKeyRequestID struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}

// withRequestID tags every request with a correlation ID, echoed in the
// response header and in every log line and audit event it causes.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id)))
	})
}

// auth wraps a handler with access token verification. The verified
// RequestContext lands in the request context.
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := auth.TokenFromRequest(r)
		if tok == "" {
			writeError(w, r, CodeTokenInvalid, "missing access token")
			return
		}
		rc, err := s.deps.Auth.Authenticate(r.Context(), tok)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		rc.RemoteIP = remoteIP(r)
		rc.RequestID = requestIDFrom(r.Context())
		next.ServeHTTP(w, r.WithContext(auth.WithRequestContext(r.Context(), rc)))
	})
}

// requestContext returns the verified identity; the auth middleware
// guarantees it is present on protected routes.
func requestContext(r *http.Request) *auth.RequestContext {
	return auth.GetRequestContext(r.Context())
}

// authorize checks a permission, optionally host-scoped, writing the
// denial (and auditing it) on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, perm auth.Permission, hostID string) bool {
	rc := requestContext(r)
	if err := s.deps.Auth.Authorize(rc, perm, hostID); err != nil {
		s.deps.Audit.Record(audit.Event{
			UserID:    rc.UserID,
			Username:  rc.Username,
			Action:    string(perm),
			Resource:  "permission",
			HostID:    hostID,
			Outcome:   audit.OutcomeDenied,
			RequestID: rc.RequestID,
			RemoteIP:  rc.RemoteIP,
		})
		writeError(w, r, CodeInsufficientRole, "permission denied")
		return false
	}
	return true
}

// resolveHost picks the target host from ?host_id= or falls back to the
// default host. Denials on hosts the user cannot see read as not found.
func (s *Server) resolveHost(w http.ResponseWriter, r *http.Request) (*hosts.Host, bool) {
	rc := requestContext(r)

	var h *hosts.Host
	var err error
	if id := r.URL.Query().Get("host_id"); id != "" {
		h, err = s.deps.Hosts.Get(id)
	} else {
		h, err = s.deps.Hosts.GetDefault()
	}
	if err != nil {
		writeDomainError(w, r, err)
		return nil, false
	}
	if !s.deps.Auth.CanViewHost(rc, h.ID) {
		// No read access: the host's existence is none of their business.
		writeError(w, r, CodeHostNotFound, "host not found")
		return nil, false
	}
	return h, true
}

// acquireDocker runs the full gauntlet for a Docker-backed request:
// host resolution, permission check, pool acquire.
func (s *Server) acquireDocker(w http.ResponseWriter, r *http.Request, perm auth.Permission) (docker.API, *hosts.Host, bool) {
	h, ok := s.resolveHost(w, r)
	if !ok {
		return nil, nil, false
	}
	if !s.authorize(w, r, perm, h.ID) {
		return nil, nil, false
	}
	api, _, err := s.deps.Pool.Acquire(r.Context(), h.ID)
	if err != nil {
		s.auditOp(r, string(perm), "host", h.ID, h.ID, audit.OutcomeError, err)
		writeDomainError(w, r, err)
		return nil, nil, false
	}
	return api, h, true
}

// opContext bounds a unary Docker call.
func opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), opTimeout)
}

// auditOp records an operation outcome, feeding the audit trail and the
// routed-operations metric in one place. err may be nil.
func (s *Server) auditOp(r *http.Request, action, resource, resourceID, hostID string, outcome audit.Outcome, err error) {
	metrics.OperationsTotal.WithLabelValues(action, string(outcome)).Inc()
	rc := requestContext(r)
	e := audit.Event{
		UserID:     rc.UserID,
		Username:   rc.Username,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		HostID:     hostID,
		Outcome:    outcome,
		RequestID:  rc.RequestID,
		RemoteIP:   rc.RemoteIP,
	}
	if err != nil {
		e.Detail = map[string]any{"error": err.Error()}
	}
	s.deps.Audit.Record(e)
}

// writeJSON emits a 200 JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a request body into v, rejecting unknown noise.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

// queryBool reads a boolean query parameter; absent means false.
func queryBool(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "1" || strings.EqualFold(v, "true")
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// remoteIP extracts the client address, honouring X-Forwarded-For from
// a fronting proxy.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// checkOrigin enforces the WebSocket origin policy: same-origin by
// default, widened by the configured allowlist.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	if s.deps.Config == nil {
		return false
	}
	for _, allowed := range s.deps.Config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// handleHealthz is the unauthenticated liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics serves Prometheus metrics to admins.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	if rc.Role != auth.RoleAdmin {
		writeError(w, r, CodeInsufficientRole, "permission denied")
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}
