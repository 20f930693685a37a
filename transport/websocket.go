package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/taskescrow/logging"
)

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// ReadTimeout for read operations (0 = no timeout).
	ReadTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	// CheckOrigin overrides the upgrader's origin policy (nil = allow all).
	CheckOrigin func(r *http.Request) bool
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    0,
		MaxMessageSize: 1024 * 1024, // 1MB
		PingInterval:   30 * time.Second,
	}
}

// WebSocketServer serves JSON-RPC over WebSocket connections. Requests on
// one connection are handled in order.
type WebSocketServer struct {
	handler  Handler
	config   WebSocketConfig
	upgrader *websocket.Upgrader
	log      *logging.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// NewWebSocketServer creates an http.Handler that upgrades and serves
// JSON-RPC connections.
func NewWebSocketServer(handler Handler, cfg WebSocketConfig, log *logging.Logger) *WebSocketServer {
	if log == nil {
		log = logging.Discard()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &WebSocketServer{
		handler: handler,
		config:  cfg,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log:   log.WithComponent("ws"),
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade_failed", map[string]interface{}{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	s.log.Debug("connected", map[string]interface{}{"remote": r.RemoteAddr})
	s.serveConn(r.Context(), conn)
}

func (s *WebSocketServer) serveConn(ctx context.Context, conn *websocket.Conn) {
	if s.config.MaxMessageSize > 0 {
		conn.SetReadLimit(s.config.MaxMessageSize)
	}

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if s.config.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		return conn.WriteMessage(messageType, data)
	}

	done := make(chan struct{})
	defer close(done)
	if s.config.PingInterval > 0 {
		go func() {
			ticker := time.NewTicker(s.config.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := write(websocket.PingMessage, nil); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read_failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		resp := Dispatch(ctx, s.handler, data)
		if resp == nil {
			continue
		}
		out, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("encode_failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if err := write(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

// Shutdown closes every open connection and waits for their handlers.
func (s *WebSocketServer) Shutdown() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ListenAndServe serves ws on addr at path until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr, path string, ws *WebSocketServer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, path, ws)
}

// Serve is ListenAndServe on an existing listener.
func Serve(ctx context.Context, ln net.Listener, path string, ws *WebSocketServer) error {
	mux := http.NewServeMux()
	mux.Handle(path, ws)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws.Shutdown()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}
