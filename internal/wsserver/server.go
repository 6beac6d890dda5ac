// Package wsserver is the device-facing transport: one persistent websocket
// per camera, text frames for control messages, binary frames for images,
// server-initiated keepalive with an idle-disconnect threshold.
package wsserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"camsync/internal/capture"
	"camsync/internal/catalog"
	"camsync/internal/config"
	"camsync/internal/protocol"
	"camsync/internal/registry"
	"camsync/internal/timesync"
	logx "camsync/pkg/logx"
)

const defaultMaxImageBytes = 8 << 20

// Server accepts device connections and pumps their frames into the
// registry, the capture controller, and the artifact sink.
type Server struct {
	log   logx.Logger
	reg   *registry.Registry
	ctrl  *capture.Controller
	bcast *timesync.Broadcaster
	cat   catalog.Store // nil when disabled

	addr          string
	pingInterval  time.Duration
	pongTimeout   time.Duration
	helloTimeout  time.Duration
	writeTimeout  time.Duration
	maxImageBytes int64

	upgrader websocket.Upgrader
}

func New(
	log logx.Logger,
	reg *registry.Registry,
	ctrl *capture.Controller,
	bcast *timesync.Broadcaster,
	cat catalog.Store,
	cfg config.ServerConfig,
) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":8765"
	}
	pingInterval, err := config.ParseDurationOrDefault("server.ping_interval", cfg.PingInterval, 5*time.Second)
	if err != nil {
		return nil, err
	}
	pongTimeout, err := config.ParseDurationOrDefault("server.pong_timeout", cfg.PongTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	helloTimeout, err := config.ParseDurationOrDefault("server.hello_timeout", cfg.HelloTimeout, 2*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("server.write_timeout", cfg.WriteTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	maxImageBytes := cfg.MaxImageBytes
	if maxImageBytes <= 0 {
		maxImageBytes = defaultMaxImageBytes
	}
	return &Server{
		log:           log,
		reg:           reg,
		ctrl:          ctrl,
		bcast:         bcast,
		cat:           cat,
		addr:          addr,
		pingInterval:  pingInterval,
		pongTimeout:   pongTimeout,
		helloTimeout:  helloTimeout,
		writeTimeout:  writeTimeout,
		maxImageBytes: maxImageBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices are embedded firmware, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Handler exposes the upgrade endpoint, also used by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	return mux
}

// Run binds the listener and serves until ctx is canceled. A bind failure is
// fatal to the process; per-connection errors never are.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler: s.Handler(),
		// Device handlers watch their request context for shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("device listener started", logx.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		_ = srv.Close()
		s.log.Info("device listener stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed",
			logx.String("remote_addr", r.RemoteAddr),
			logx.Err(err))
		return
	}
	s.serveDevice(r.Context(), ws, r.RemoteAddr)
}

type frame struct {
	msgType int
	data    []byte
}

func (s *Server) serveDevice(ctx context.Context, ws *websocket.Conn, remoteAddr string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{ws: ws, writeTimeout: s.writeTimeout}
	h := s.reg.Admit(c)
	log := s.log.With(logx.Uint64("handle", uint64(h)), logx.String("remote_addr", remoteAddr))
	defer func() {
		s.reg.Remove(h)
		_ = c.Close()
	}()

	ws.SetReadLimit(s.maxImageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	// Single reader goroutine; ReadMessage errors are permanent.
	frames := make(chan frame)
	readDone := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
			select {
			case frames <- frame{msgType, data}:
			case <-ctx.Done():
				readDone <- ctx.Err()
				return
			}
		}
	}()

	// Identity grace window: if the first message is a well-formed hello, the
	// device gets its declared name; anything else (or silence) leaves the
	// placeholder, and the device stays fully eligible for sync and capture.
	helloTimer := time.NewTimer(s.helloTimeout)
	select {
	case f, ok := <-frames:
		helloTimer.Stop()
		if ok {
			s.dispatch(log, h, f)
		}
	case <-helloTimer.C:
		log.Debug("no identity announcement within grace window")
	case <-ctx.Done():
		helloTimer.Stop()
		return
	}

	// First sync right away so the device does not wait a full broadcast tick
	// for its offset.
	if s.bcast != nil {
		if err := s.bcast.SendSync(ctx, c); err != nil {
			log.Warn("post-connect sync failed", logx.Err(err))
		}
	}

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := c.ping(); err != nil {
				log.Debug("keepalive ping failed", logx.Err(err))
				return
			}
		case f, ok := <-frames:
			if !ok {
				err := <-readDone
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure) {
					log.Warn("device connection lost", logx.Err(err))
				} else {
					log.Debug("device connection closed", logx.Err(err))
				}
				return
			}
			s.dispatch(log, h, f)
		}
	}
}

// dispatch routes one inbound frame. Malformed payloads are logged and the
// connection keeps processing subsequent messages.
func (s *Server) dispatch(log logx.Logger, h registry.Handle, f frame) {
	m, ok := s.reg.Lookup(h)
	if !ok {
		return
	}
	switch f.msgType {
	case websocket.BinaryMessage:
		if _, err := s.ctrl.OnImage(m, f.data); err != nil {
			log.Error("image write failed", logx.String("device", m.Name), logx.Err(err))
		}
	case websocket.TextMessage:
		s.dispatchText(log, m, f.data)
	}
}

func (s *Server) dispatchText(log logx.Logger, m registry.Member, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Warn("unknown control message", logx.String("device", m.Name), logx.Err(err))
		} else {
			log.Warn("malformed control message", logx.String("device", m.Name), logx.Err(err))
		}
		return
	}
	switch msg := msg.(type) {
	case protocol.Hello:
		s.reg.AnnounceIdentity(m.Handle, msg.DeviceID, msg.MAC)
		if cur, ok := s.reg.Lookup(m.Handle); ok {
			s.reg.UpdateTelemetry(cur.Identity(), registry.Telemetry{
				Name:            cur.Name,
				MAC:             msg.MAC,
				FirmwareVersion: msg.FirmwareVersion,
				BoardType:       msg.BoardType,
				Source:          protocol.TypeHello,
			})
			s.recordSeen(log, cur, msg.MAC, msg.FirmwareVersion, msg.BoardType)
		}
	case protocol.CaptureMetadata:
		s.ctrl.OnMetadata(m, msg)
		s.reg.UpdateTelemetry(m.Identity(), registry.Telemetry{
			Name:            m.Name,
			MAC:             msg.MAC,
			FirmwareVersion: msg.FirmwareVersion,
			BoardType:       msg.BoardType,
			RSSI:            msg.RSSI,
			Resolution:      msg.Resolution,
			JPEGQuality:     msg.JPEGQuality,
			ImageSize:       msg.ImageSize,
			Source:          protocol.TypeCaptureMetadata,
		})
		s.recordSeen(log, m, msg.MAC, msg.FirmwareVersion, msg.BoardType)
	case protocol.StatusReport:
		s.reg.UpdateTelemetry(m.Identity(), registry.Telemetry{
			Name:            m.Name,
			MAC:             msg.MAC,
			FirmwareVersion: msg.FirmwareVersion,
			BoardType:       msg.BoardType,
			RSSI:            msg.RSSI,
			Source:          protocol.TypeStatus,
		})
		s.recordSeen(log, m, msg.MAC, msg.FirmwareVersion, msg.BoardType)
	default:
		log.Debug("ignoring control message", logx.String("device", m.Name), logx.Any("message", msg))
	}
}

// recordSeen upserts a device sighting into the durable catalog.
func (s *Server) recordSeen(log logx.Logger, m registry.Member, mac, firmware, board string) {
	if s.cat == nil {
		return
	}
	err := s.cat.RecordSeen(context.Background(), catalog.Record{
		Identity:        m.Identity(),
		Name:            m.Name,
		MAC:             mac,
		FirmwareVersion: firmware,
		BoardType:       board,
		LastSeen:        time.Now(),
	})
	if err != nil {
		log.Debug("catalog update failed", logx.Err(err))
	}
}
