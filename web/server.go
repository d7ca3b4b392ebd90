// Package web serves the charge limit controls over HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rkjdid/util"

	_ "net/http/pprof"

	"github.com/solar3s/chargelimit/chargelimit"
	"github.com/solar3s/chargelimit/reconcile"
)

type ServerConfig struct {
	ListenAddr        string
	Verbose           bool
	WebsocketInterval util.Duration // keepalive snapshot rate
}

var DefaultServerConfig = ServerConfig{
	ListenAddr:        "localhost:3637",
	WebsocketInterval: util.Duration(5 * time.Second),
}

// Controller is the reconciliation side of the server, implemented by
// *reconcile.Manager.
type Controller interface {
	Snapshot() reconcile.Snapshot
	Subscribe() (<-chan reconcile.Snapshot, func())
	SetIntention(ctx context.Context, i chargelimit.Intention) error
	Reset(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// IntervalSetter receives refresh interval changes made through /config,
// implemented by *reconcile.Watcher.
type IntervalSetter interface {
	SetInterval(d time.Duration)
}

type Server struct {
	Config  *Config
	Control Controller
	// Watcher, when set, follows RefreshInterval changes.
	Watcher IntervalSetter

	version    string
	cfgPath    string
	cfgMu      sync.Mutex
	logger     *slog.Logger
	router     *mux.Router
	wsUpgrader *websocket.Upgrader
	httpServer *http.Server
}

// limitRequest is the POST /limit body. Omitted fields keep their
// current value.
type limitRequest struct {
	Enabled       *bool `json:"enabled"`
	TargetPercent *int  `json:"targetPercent"`
}

// NewServer builds the router. cfgPath is where /config changes are saved,
// empty to keep them in memory.
func NewServer(version string, c Controller, cfg *Config, cfgPath string, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = &DefaultConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Config:  cfg,
		Control: c,
		version: version,
		cfgPath: cfgPath,
		logger:  logger.With("component", "web"),
	}
	s.wsUpgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	s.router = mux.NewRouter()
	s.router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	s.router.Handle("/favicon.ico", http.HandlerFunc(NilHandler))

	s.handle("/status", "status", s.Status, "GET", "HEAD")
	s.handle("/steps", "steps", s.Steps, "GET", "HEAD")
	s.handle("/limit", "limit", s.Limit, "POST")
	s.handle("/reset", "reset", s.Reset, "POST")
	s.handle("/refresh", "refresh", s.Refresh, "POST")
	s.handle("/config", "config", s.ConfigHandler, "GET", "POST", "HEAD")
	s.handle("/logs", "logs", s.Logs, "GET", "HEAD")
	s.handle("/version", "version", s.Version, "GET", "HEAD")
	s.handle("/websocket", "ws-snapshot", s.Websocket, "GET")

	s.httpServer = &http.Server{
		Handler:      s.router,
		Addr:         cfg.Web.ListenAddr,
		WriteTimeout: 4 * time.Second,
		ReadTimeout:  4 * time.Second,
	}
	return s
}

func (s *Server) handle(path, name string, h http.HandlerFunc, methods ...string) {
	s.router.Handle(path, Logger(h, name, s.verbose, s.logger)).Methods(methods...)
}

func (s *Server) verbose() bool {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.Config.Web.Verbose
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server fails or is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", "http://"+s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("encoding response", "err", err)
	}
}

// controlError maps a Controller error to an http status.
func (s *Server) controlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reconcile.ErrUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, reconcile.ErrInvalidTarget):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusRequestTimeout)
	default:
		s.logger.Warn("controller error", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Status encodes the current snapshot.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Control.Snapshot())
}

// Steps lists the percentages the hardware family supports.
func (s *Server) Steps(w http.ResponseWriter, r *http.Request) {
	snap := s.Control.Snapshot()
	s.writeJSON(w, http.StatusOK, struct {
		Family chargelimit.Family `json:"family"`
		Steps  []int              `json:"steps"`
	}{snap.Family, chargelimit.Steps(snap.Family)})
}

// Limit changes the intention. The write happens asynchronously, the
// response carries the snapshot right after the change was accepted.
func (s *Server) Limit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "couldn't decode provided json", http.StatusBadRequest)
		return
	}

	i := s.Control.Snapshot().Intention
	if req.Enabled != nil {
		i.Enabled = *req.Enabled
	}
	if req.TargetPercent != nil {
		i.TargetPercent = *req.TargetPercent
	}
	if err := s.Control.SetIntention(r.Context(), i); err != nil {
		s.controlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.Control.Snapshot())
}

func (s *Server) Reset(w http.ResponseWriter, r *http.Request) {
	if err := s.Control.Reset(r.Context()); err != nil {
		s.controlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.Control.Snapshot())
}

func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := s.Control.Refresh(r.Context()); err != nil {
		s.controlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.Control.Snapshot())
}

// ConfigHandler POST: updates the runtime config (json encoded, partial
// objects allowed) and saves config.toml.
//                GET: current runtime config.
func (s *Server) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if r.Method == http.MethodPost {
		// start from the current values so a subset can be sent
		rc := s.Config.Runtime()
		if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
			http.Error(w, "couldn't decode provided json", http.StatusBadRequest)
			return
		}
		if rc.RefreshInterval < util.Duration(time.Second) {
			http.Error(w, "refresh interval must be at least 1s", http.StatusUnprocessableEntity)
			return
		}
		s.Config.SetRuntime(rc)
		if s.Watcher != nil {
			s.Watcher.SetInterval(time.Duration(rc.RefreshInterval))
		}

		if s.cfgPath != "" {
			if err := util.WriteTomlFile(s.Config, s.cfgPath); err != nil {
				s.logger.Warn("writing config", "path", s.cfgPath, "err", err)
			}
		}
	}
	s.writeJSON(w, http.StatusOK, s.Config.Runtime())
}

// Logs lists the recorded write sessions.
func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	if s.Config.LogDir == "" {
		s.writeJSON(w, http.StatusOK, []SessionLogInfo{})
		return
	}
	infos, err := ListSessionLogs(s.Config.LogDir)
	if err != nil {
		http.Error(w, fmt.Sprintf("listing session logs: %s", err), http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []SessionLogInfo{}
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) Version(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// Websocket streams a snapshot on every transition, and the latest one
// every interval (override with ?poll=<duration>).
func (s *Server) Websocket(w http.ResponseWriter, r *http.Request) {
	interval := time.Duration(s.Config.Web.WebsocketInterval)
	if v, ok := r.URL.Query()["poll"]; ok {
		if d, err := time.ParseDuration(v[0]); err == nil && d > 0 {
			interval = d
		}
	}
	if interval <= 0 {
		interval = time.Duration(DefaultServerConfig.WebsocketInterval)
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "err", err)
		return
	}
	log := s.logger.With("remote", conn.RemoteAddr().String())
	log.Debug("websocket subscription", "poll", interval)

	snaps, cancel := s.Control.Subscribe()

	// reader: notices when the client goes away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer cancel()
		defer conn.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			var snap reconcile.Snapshot
			select {
			case sn, ok := <-snaps:
				if !ok {
					return
				}
				snap = sn
			case <-ticker.C:
				snap = s.Control.Snapshot()
			case <-closed:
				log.Debug("websocket closed by peer")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(4 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				log.Debug("websocket lost connection", "err", err)
				return
			}
		}
	}()
}
