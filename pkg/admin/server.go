// Package admin serves the runtime's operational API on fasthttp and a
// separate observability listener (prometheus metrics plus a websocket feed
// of committed transitions) on net/http.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/machina/pkg/archive"
	"github.com/fluxorio/machina/pkg/fsm"
	"github.com/fluxorio/machina/pkg/logging"
	"github.com/fluxorio/machina/pkg/registry"
	"github.com/fluxorio/machina/pkg/store"
)

// ArchivalStats exposes the archival pipeline's counters. Implemented by
// archive.Manager.
type ArchivalStats interface {
	Stats() archive.Stats
}

// RetentionSweeper triggers a synchronous history sweep. Implemented by
// archive.RetentionManager.
type RetentionSweeper interface {
	PerformCleanupNow(ctx context.Context) (int, error)
}

// Config configures the admin server.
type Config struct {
	// ListenAddr is the fasthttp bind address, e.g. ":8090".
	ListenAddr string

	// JWTSecret enables HS256 bearer auth when non-empty. Health stays open.
	JWTSecret string

	// ReadTimeout and WriteTimeout bound request handling. Default 10s each.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// handler is one admin route. Params carries path captures like {id}.
type handler func(ctx *fasthttp.RequestCtx, params map[string]string) error

type route struct {
	method  string
	pattern string
	open    bool // skips auth
	handle  handler
}

// Server is the admin API.
type Server struct {
	reg       *registry.Registry
	snapshots store.SnapshotStore
	history   store.HistoryStore
	archival  ArchivalStats
	retention RetentionSweeper

	cfg    Config
	routes []route
	srv    *fasthttp.Server
	logger logging.Logger
}

// NewServer builds the admin API over the given components. archival and
// retention may be nil; their endpoints then answer 404.
func NewServer(reg *registry.Registry, snapshots store.SnapshotStore, history store.HistoryStore,
	archival ArchivalStats, retention RetentionSweeper, cfg Config, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewDefault()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &Server{
		reg:       reg,
		snapshots: snapshots,
		history:   history,
		archival:  archival,
		retention: retention,
		cfg:       cfg,
		logger:    logger,
	}
	s.routes = []route{
		{"GET", "/healthz", true, s.handleHealth},
		{"GET", "/machines/{id}", false, s.handleGetMachine},
		{"POST", "/machines/{id}/event", false, s.handleSendEvent},
		{"DELETE", "/machines/{id}", false, s.handleRemoveMachine},
		{"GET", "/archival/stats", false, s.handleArchivalStats},
		{"POST", "/retention/cleanup", false, s.handleRetentionCleanup},
	}
	return s
}

// Start listens on ListenAddr. Blocks until Shutdown or a listen error.
func (s *Server) Start() error {
	s.srv = &fasthttp.Server{
		Handler:      s.dispatch,
		Name:         "machina-admin",
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Infof("admin API listening on %s", s.cfg.ListenAddr)
	return s.srv.ListenAndServe(s.cfg.ListenAddr)
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) dispatch(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())

	for _, rt := range s.routes {
		if rt.method != method {
			continue
		}
		params, ok := matchPath(rt.pattern, path)
		if !ok {
			continue
		}
		if !rt.open && s.cfg.JWTSecret != "" {
			if err := s.authorize(ctx); err != nil {
				s.unauthorized(ctx)
				return
			}
		}
		if err := rt.handle(ctx, params); err != nil {
			s.writeError(ctx, err)
		}
		return
	}
	s.writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": "not found"})
}

// matchPath matches a concrete path against a pattern with {name} segments.
func matchPath(pattern, path string) (map[string]string, bool) {
	pp := strings.Split(strings.Trim(pattern, "/"), "/")
	sp := strings.Split(strings.Trim(path, "/"), "/")
	if len(pp) != len(sp) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range pp {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if sp[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg[1:len(seg)-1]] = sp[i]
			continue
		}
		if seg != sp[i] {
			return nil, false
		}
	}
	return params, true
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx, _ map[string]string) error {
	s.writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"status": "ok",
		"live":   s.reg.LiveCount(),
	})
	return nil
}

// machineView is the admin representation of one machine.
type machineView struct {
	MachineID string    `json:"machineId"`
	State     string    `json:"state"`
	Context   []byte    `json:"context,omitempty"`
	InMemory  bool      `json:"inMemory"`
	Offline   bool      `json:"offline"`
	Archived  bool      `json:"archived"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (s *Server) handleGetMachine(ctx *fasthttp.RequestCtx, params map[string]string) error {
	id := params["id"]

	row, err := s.snapshots.FindLatest(ctx, id)
	if err == nil {
		s.writeJSON(ctx, fasthttp.StatusOK, machineView{
			MachineID: row.MachineID,
			State:     row.State,
			Context:   row.ContextData,
			InMemory:  s.reg.IsInMemory(id),
			Offline:   row.Offline,
			Timestamp: row.Timestamp,
		})
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Not active: the machine may already be archived.
	hrow, herr := s.history.FindLatest(ctx, id)
	if herr == nil {
		s.writeJSON(ctx, fasthttp.StatusOK, machineView{
			MachineID: hrow.MachineID,
			State:     hrow.State,
			Context:   hrow.ContextData,
			Offline:   true,
			Archived:  true,
			Timestamp: hrow.Timestamp,
		})
		return nil
	}
	if errors.Is(herr, store.ErrNotFound) {
		s.writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": "machine not found"})
		return nil
	}
	return herr
}

func (s *Server) handleSendEvent(ctx *fasthttp.RequestCtx, params map[string]string) error {
	var em struct {
		Name string `json:"name"`
		Kind string `json:"kind,omitempty"`
		Data []byte `json:"data,omitempty"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &em); err != nil {
		s.writeJSON(ctx, fasthttp.StatusBadRequest, map[string]string{"error": "malformed event body"})
		return nil
	}
	if em.Name == "" {
		s.writeJSON(ctx, fasthttp.StatusBadRequest, map[string]string{"error": "event name is required"})
		return nil
	}

	res, err := s.reg.SendEvent(ctx, params["id"], fsm.Event{Name: em.Name, Kind: em.Kind, Data: em.Data})
	if err != nil {
		return err
	}
	s.writeJSON(ctx, fasthttp.StatusOK, res)
	return nil
}

func (s *Server) handleRemoveMachine(ctx *fasthttp.RequestCtx, params map[string]string) error {
	if err := s.reg.RemoveMachine(ctx, params["id"]); err != nil {
		return err
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
	return nil
}

func (s *Server) handleArchivalStats(ctx *fasthttp.RequestCtx, _ map[string]string) error {
	if s.archival == nil {
		s.writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": "archival disabled"})
		return nil
	}
	s.writeJSON(ctx, fasthttp.StatusOK, s.archival.Stats())
	return nil
}

func (s *Server) handleRetentionCleanup(ctx *fasthttp.RequestCtx, _ map[string]string) error {
	if s.retention == nil {
		s.writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": "retention disabled"})
		return nil
	}
	deleted, err := s.retention.PerformCleanupNow(ctx)
	if err != nil {
		return err
	}
	s.writeJSON(ctx, fasthttp.StatusOK, map[string]int{"deleted": deleted})
	return nil
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrNoFactory):
		status = fasthttp.StatusNotFound
	case errors.Is(err, fsm.ErrNoTransition), errors.Is(err, fsm.ErrNotInitialized),
		errors.Is(err, registry.ErrAlreadyTerminated), errors.Is(err, registry.ErrAlreadyPresent):
		status = fasthttp.StatusConflict
	case errors.Is(err, store.ErrIDTooLong):
		status = fasthttp.StatusBadRequest
	case errors.Is(err, registry.ErrQuarantined), errors.Is(err, store.ErrCorrupt):
		status = fasthttp.StatusUnprocessableEntity
	case errors.Is(err, store.ErrUnavailable):
		status = fasthttp.StatusServiceUnavailable
	}
	s.writeJSON(ctx, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		fmt.Fprintf(ctx, `{"error":"encode response"}`)
		return
	}
	ctx.SetBody(data)
}
