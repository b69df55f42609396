package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/buildnet-io/buildnet/pkg/daemon"
	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/ledger"
	"github.com/buildnet-io/buildnet/pkg/log"
	"github.com/buildnet-io/buildnet/pkg/metrics"
	"github.com/buildnet-io/buildnet/pkg/registry"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// Server exposes the daemon over HTTP/JSON. It holds no state of its own;
// every handler delegates to a daemon component.
type Server struct {
	daemon *daemon.Daemon
	logger zerolog.Logger
	http   *http.Server
}

// NewServer wraps a daemon with the HTTP adapter
func NewServer(d *daemon.Daemon) *Server {
	return &Server{
		daemon: d,
		logger: log.WithComponent("api"),
	}
}

// Router builds the chi route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/dashboard", s.handleDashboard)

		r.Post("/builds", s.handleRequestBuild)
		r.Get("/builds/{id}", s.handleGetBuild)
		r.Delete("/builds/{id}", s.handleCancelBuild)

		r.Get("/resources", s.handleListResources)
		r.Post("/resources", s.handleAddResource)
		r.Get("/resources/{id}", s.handleGetResource)
		r.Patch("/resources/{id}", s.handleUpdateResource)
		r.Delete("/resources/{id}", s.handleRemoveResource)
		r.Post("/resources/{id}/drain", s.handleDrainResource)
		r.Post("/resources/{id}/resume", s.handleResumeResource)

		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{id}", s.handleEndSession)

		r.Get("/ledger/entries", s.handleLedgerEntries)
		r.Get("/ledger/verify", s.handleLedgerVerify)
		r.Get("/ledger/stats", s.handleLedgerStats)

		r.Get("/events", s.handleEvents)
	})

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", s.handleHealthz)
	return r
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
	}
	s.logger.Info().Str("addr", addr).Msg("api listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// requestLogger logs each request and feeds the API metrics
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

// actorFrom identifies the caller from headers, defaulting to a generic
// API user actor.
func actorFrom(r *http.Request) types.Actor {
	actor := types.Actor{
		ID:   r.Header.Get("X-Actor-Id"),
		Name: r.Header.Get("X-Actor-Name"),
		Kind: types.ActorKind(r.Header.Get("X-Actor-Kind")),
	}
	if actor.ID == "" {
		actor.ID = "api"
	}
	if actor.Name == "" {
		actor.Name = actor.ID
	}
	switch actor.Kind {
	case types.ActorKindUser, types.ActorKindAgent, types.ActorKindService, types.ActorKindSystem:
	default:
		actor.Kind = types.ActorKindUser
	}
	return actor
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.DashboardState(r.Context()))
}

// buildRequestBody is the POST /builds payload
type buildRequestBody struct {
	Targets  []string           `json:"targets"`
	Options  types.BuildOptions `json:"options"`
	Priority int                `json:"priority"`
}

func (s *Server) handleRequestBuild(w http.ResponseWriter, r *http.Request) {
	var body buildRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, "invalid build request: "+err.Error())
		return
	}
	if len(body.Targets) == 0 {
		writeBadRequest(w, "targets required")
		return
	}

	result, err := s.daemon.RequestBuild(r.Context(), &types.BuildRequest{
		Actor:    actorFrom(r),
		Targets:  body.Targets,
		Options:  body.Options,
		Priority: body.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	result, err := s.daemon.Orchestrator().GetBuildStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.daemon.Orchestrator().GetBuildStatus(id); err != nil {
		writeError(w, err)
		return
	}
	cancelled := s.daemon.Orchestrator().CancelBuild(r.Context(), id, actorFrom(r))
	if !cancelled {
		writeErrorStatus(w, http.StatusConflict, errdefs.CodeConflictingState, "build is not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"build_id": id, "cancelled": true})
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Registry().List())
}

func (s *Server) handleAddResource(w http.ResponseWriter, r *http.Request) {
	var spec types.ResourceSpec
	if err := decodeBody(r, &spec); err != nil {
		writeBadRequest(w, "invalid resource spec: "+err.Error())
		return
	}
	res, err := s.daemon.Registry().Add(r.Context(), spec, actorFrom(r))
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			writeBadRequest(w, err.Error())
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.daemon.Registry().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpdateResource(w http.ResponseWriter, r *http.Request) {
	var fields registry.UpdateFields
	if err := decodeBody(r, &fields); err != nil {
		writeBadRequest(w, "invalid update: "+err.Error())
		return
	}
	res, err := s.daemon.Registry().Update(r.Context(), chi.URLParam(r, "id"), fields, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveResource(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	err := s.daemon.Registry().Remove(r.Context(), chi.URLParam(r, "id"), actorFrom(r), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true, "forced": force})
}

func (s *Server) handleDrainResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.daemon.Registry().Drain(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResumeResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.daemon.Registry().Resume(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Sessions().ListActive())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.daemon.Sessions().End(r.Context(), id, "ended via api"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "ended": true})
}

func (s *Server) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	entries, err := s.daemon.Ledger().QueryEntries(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	from := uint64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeBadRequest(w, "invalid from sequence")
			return
		}
		from = parsed
	}
	report, err := s.daemon.Ledger().VerifyIntegrity(r.Context(), from)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.daemon.Ledger().Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// filterFromQuery parses ledger query parameters
func filterFromQuery(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	var filter ledger.Filter
	var err error

	parse := func(name string) (uint64, error) {
		v := q.Get(name)
		if v == "" {
			return 0, nil
		}
		return strconv.ParseUint(v, 10, 64)
	}
	if filter.FromSequence, err = parse("from"); err != nil {
		return filter, err
	}
	if filter.ToSequence, err = parse("to"); err != nil {
		return filter, err
	}
	filter.EntityType = q.Get("entity_type")
	filter.EntityID = q.Get("entity_id")
	filter.ActorID = q.Get("actor_id")
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			return filter, err
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil {
			return filter, err
		}
	}
	if v := q.Get("since"); v != "" {
		if filter.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return filter, err
		}
	}
	if v := q.Get("until"); v != "" {
		if filter.Until, err = time.Parse(time.RFC3339, v); err != nil {
			return filter, err
		}
	}
	return filter, nil
}
