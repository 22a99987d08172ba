// Package api implements the local HTTP API for presence actions and
// account status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/actions"
	"github.com/nugget/signinbridge/internal/buildinfo"
	"github.com/nugget/signinbridge/internal/connwatch"
	"github.com/nugget/signinbridge/internal/presence"
	"github.com/nugget/signinbridge/internal/signinapp"
)

// maxRequestBody bounds action request bodies.
const maxRequestBody = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Dispatcher runs presence requests. *actions.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req actions.Request) (presence.Outcome, error)
}

// StatusSource reports and refreshes account status. *presence.Poller
// satisfies it.
type StatusSource interface {
	Status(accountID string) (presence.Status, bool)
	Refresh(ctx context.Context, accountID string) (presence.Status, error)
}

// LinkReporter reports the health of external links.
// *connwatch.Manager satisfies it.
type LinkReporter interface {
	Status() []connwatch.LinkStatus
	Ready() bool
}

var (
	_ Dispatcher   = (*actions.Dispatcher)(nil)
	_ StatusSource = (*presence.Poller)(nil)
	_ LinkReporter = (*connwatch.Manager)(nil)
)

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	registry   *account.Registry
	dispatcher Dispatcher
	status     StatusSource
	links      LinkReporter
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, registry *account.Registry, dispatcher Dispatcher, status StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    address,
		port:       port,
		registry:   registry,
		dispatcher: dispatcher,
		status:     status,
		logger:     logger,
	}
}

// SetLinks configures the link health reported by /health.
func (s *Server) SetLinks(l LinkReporter) {
	s.links = l
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sign_in", s.handleAction(actions.ActionSignIn))
	mux.HandleFunc("POST /v1/sign_out", s.handleAction(actions.ActionSignOut))

	mux.HandleFunc("GET /v1/accounts", s.handleAccountList)
	mux.HandleFunc("GET /v1/accounts/{id}/status", s.handleAccountStatus)
	mux.HandleFunc("POST /v1/accounts/{id}/refresh", s.handleAccountRefresh)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns
// [http.ErrServerClosed] after [Server.Shutdown].
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200; a down link reports "degraded" so
// container health checks do not restart the bridge during an HA
// outage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "healthy",
		"accounts": s.registry.Len(),
		"uptime":   buildinfo.Uptime().String(),
	}
	if s.links != nil {
		body["links"] = s.links.Status()
		if !s.links.Ready() {
			body["status"] = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

// handleAction decodes an actions.Request and dispatches it. The
// action is fixed by the route; a body that names a different action
// is rejected.
func (s *Server) handleAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actions.Request
		if r.ContentLength != 0 {
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				s.errorResponse(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		if req.Action != "" && req.Action != action {
			s.errorResponse(w, http.StatusBadRequest,
				fmt.Sprintf("action %q does not match endpoint %s", req.Action, action))
			return
		}
		req.Action = action

		out, err := s.dispatcher.Dispatch(r.Context(), req)
		if err != nil {
			s.logger.Warn("api action failed",
				"action", action, "device", req.Device, "error", err)
			s.errorResponse(w, statusFor(err), err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, out, s.logger)
	}
}

// accountView is the public projection of an account.
type accountView struct {
	account.Account
	DeviceIdentifier string `json:"device_identifier"`
	State            string `json:"state,omitempty"`
	Stale            bool   `json:"stale"`
}

func (s *Server) handleAccountList(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.IDs()
	views := make([]accountView, 0, len(ids))
	for _, id := range ids {
		entry, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		v := accountView{
			Account:          entry.Account,
			DeviceIdentifier: account.DeviceIdentifier(id),
		}
		if st, ok := s.status.Status(id); ok {
			v.State = st.State
			v.Stale = st.Stale
		}
		views = append(views, v)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"accounts": views,
		"count":    len(views),
	}, s.logger)
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.status.Status(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "account not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleAccountRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.registry.Get(id); !ok {
		s.errorResponse(w, http.StatusNotFound, "account not found")
		return
	}

	st, err := s.status.Refresh(r.Context(), id)
	if err != nil {
		s.logger.Warn("api refresh failed", "account", id, "error", err)
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

// statusFor maps an action error to an HTTP status code.
func statusFor(err error) int {
	var (
		resErr    *account.ResolutionError
		remoteErr *signinapp.RemoteError
	)
	switch {
	case errors.Is(err, actions.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, actions.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &resErr):
		switch resErr.Reason {
		case account.ReasonNoAccounts, account.ReasonNoAccountForRef:
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case errors.Is(err, presence.ErrLocationUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &remoteErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
