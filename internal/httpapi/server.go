// Package httpapi is the coordinator's boundary for GUI/CLI collaborators:
// trigger a capture, inspect the fleet, fetch session images. Devices never
// talk to this listener.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"camsync/internal/capture"
	"camsync/internal/catalog"
	"camsync/internal/config"
	"camsync/internal/registry"
	"camsync/internal/runtime/supervisor"
	logx "camsync/pkg/logx"
)

// HealthSource reports the supervised task set for /healthz.
type HealthSource interface {
	Snapshot() []supervisor.TaskStats
}

type Server struct {
	log    logx.Logger
	reg    *registry.Registry
	ctrl   *capture.Controller
	cat    catalog.Store // nil when the catalog is disabled
	health HealthSource

	addr         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

func New(
	log logx.Logger,
	reg *registry.Registry,
	ctrl *capture.Controller,
	cat catalog.Store,
	health HealthSource,
	cfg config.HTTPConfig,
) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8088"
	}
	readTimeout, err := config.ParseDurationOrDefault("http.read_timeout", cfg.ReadTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	// Image downloads can be slow on constrained links.
	writeTimeout, err := config.ParseDurationOrDefault("http.write_timeout", cfg.WriteTimeout, 60*time.Second)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("http.idle_timeout", cfg.IdleTimeout, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	return &Server{
		log:          log,
		reg:          reg,
		ctrl:         ctrl,
		cat:          cat,
		health:       health,
		addr:         addr,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
	}, nil
}

// Handler builds the route table, also used by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/capture", s.handleCapture)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("GET /images/{name}", s.handleImage)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Run serves the API until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("api listener started", logx.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		s.log.Info("api listener stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleCapture triggers a synchronized capture and blocks until the session
// resolves. Every call returns a result value; a partial session is a normal
// outcome, not an HTTP error.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var delay, timeout time.Duration
	if raw := r.URL.Query().Get("delay"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid delay: "+err.Error())
			return
		}
		delay = d
	}
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timeout: "+err.Error())
			return
		}
		timeout = d
	}

	res, err := s.ctrl.Trigger(r.Context(), delay, timeout)
	if err != nil && !errors.Is(err, capture.ErrNoDevices) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeviceView is one row of GET /api/devices. Connected devices come from the
// live registry; the catalog contributes history (first/last seen, session
// count) and the devices the fleet has seen but which are offline right now.
type DeviceView struct {
	Name        string              `json:"name"`
	MAC         string              `json:"mac,omitempty"`
	Online      bool                `json:"online"`
	ConnectedAt time.Time           `json:"connected_at,omitzero"`
	Telemetry   *registry.Telemetry `json:"telemetry,omitempty"`
	FirstSeen   time.Time           `json:"first_seen,omitzero"`
	LastSeen    time.Time           `json:"last_seen,omitzero"`
	Sessions    int                 `json:"sessions,omitempty"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	members := s.reg.Snapshot()
	out := make([]DeviceView, 0, len(members))
	live := make(map[string]bool, len(members))
	for _, m := range members {
		live[m.Identity()] = true
		v := DeviceView{Name: m.Name, MAC: m.MAC, Online: true, ConnectedAt: m.ConnectedAt}
		if tel, ok := s.reg.LatestTelemetry(m.Identity()); ok {
			v.Telemetry = &tel
		}
		if s.cat != nil {
			if rec, ok, err := s.cat.Get(r.Context(), m.Identity()); err == nil && ok {
				v.FirstSeen, v.LastSeen, v.Sessions = rec.FirstSeen, rec.LastSeen, rec.Sessions
			}
		}
		out = append(out, v)
	}
	if s.cat != nil {
		recs, err := s.cat.All(r.Context())
		if err != nil {
			s.log.Warn("catalog read failed", logx.Err(err))
		}
		for _, rec := range recs {
			if live[rec.Identity] {
				continue
			}
			out = append(out, DeviceView{
				Name:      rec.Name,
				MAC:       rec.MAC,
				FirstSeen: rec.FirstSeen,
				LastSeen:  rec.LastSeen,
				Sessions:  rec.Sessions,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.CurrentStatus())
}

// handleImage serves one file from the most recent session folder. The name
// is reduced to its base so a crafted path cannot escape the folder.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	folder := s.ctrl.CurrentStatus().Folder
	if folder == "" {
		writeError(w, http.StatusNotFound, "no session folder yet")
		return
	}
	name := filepath.Base(r.PathValue("name"))
	if name == "." || name == ".." || name == "/" {
		writeError(w, http.StatusBadRequest, "invalid image name")
		return
	}
	path := filepath.Join(folder, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.health != nil {
		resp["tasks"] = s.health.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
