package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/myrialabs/agentstream/config"
	"github.com/myrialabs/agentstream/internal/logger"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server serves the websocket endpoint and owns the connection table. It
// implements ConnNotifier so the handler can push stream events.
type Server struct {
	cfg     config.ServerConfig
	handler *Handler
	server  *http.Server

	mu      sync.RWMutex
	running bool

	connectionsMu sync.RWMutex
	connections   map[string]*Connection
}

// NewServer creates the gateway server.
func NewServer(cfg config.ServerConfig, handler *Handler) *Server {
	s := &Server{
		cfg:         cfg,
		handler:     handler,
		connections: make(map[string]*Connection),
	}
	handler.SetNotifier(s)
	return s
}

// Start begins serving and returns once the listener goroutine is running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Gateway server started",
			zap.String("addr", s.server.Addr),
			zap.String("path", s.cfg.Path))

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Gateway server error", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop closes all connections and shuts the listener down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.connectionsMu.Lock()
	for id, conn := range s.connections {
		s.handler.DropConnection(id)
		conn.Close()
		delete(s.connections, id)
	}
	s.connectionsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown gateway server", zap.Error(err))
		}
	}

	logger.Info("Gateway server stopped")
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Notify pushes a JSON-RPC notification to one connection.
func (s *Server) Notify(connID string, method string, params interface{}) error {
	s.connectionsMu.RLock()
	conn, ok := s.connections[connID]
	s.connectionsMu.RUnlock()
	if !ok {
		return fmt.Errorf("connection not found: %s", connID)
	}
	return conn.SendJSON(NewNotification(method, params))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(ws)
	s.connectionsMu.Lock()
	s.connections[conn.ID] = conn
	s.connectionsMu.Unlock()

	logger.Info("WebSocket connection established",
		zap.String("conn_id", conn.ID),
		zap.String("remote", r.RemoteAddr))

	go conn.heartbeat()
	s.readLoop(conn)
}

func (s *Server) readLoop(conn *Connection) {
	defer func() {
		s.handler.DropConnection(conn.ID)
		conn.Close()
		s.connectionsMu.Lock()
		delete(s.connections, conn.ID)
		s.connectionsMu.Unlock()
		logger.Info("WebSocket connection closed",
			zap.String("conn_id", conn.ID))
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error("WebSocket error",
					zap.String("conn_id", conn.ID),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		req, err := ParseRequest(data)
		if err != nil {
			logger.Error("Failed to parse WebSocket message",
				zap.String("conn_id", conn.ID),
				zap.Error(err))
			conn.SendJSON(NewErrorResponse("", ErrorParseError, "Parse error"))
			continue
		}

		logger.Debug("WebSocket request",
			zap.String("conn_id", conn.ID),
			zap.String("method", req.Method))

		resp := s.handler.HandleRequest(conn.ID, req)
		if err := conn.SendJSON(resp); err != nil {
			logger.Error("Failed to send WebSocket response",
				zap.String("conn_id", conn.ID),
				zap.Error(err))
		}
	}
}

// Connection is one websocket client. Writes are serialized through mu
// because the event relay and the request loop both send.
type Connection struct {
	*websocket.Conn
	ID string
	mu sync.Mutex

	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewConnection wraps an upgraded websocket. The read deadline starts
// running immediately, so a peer that never answers a ping is cut off by
// the read loop rather than by an eventual ping-write failure.
func NewConnection(ws *websocket.Conn) *Connection {
	c := &Connection{
		Conn:         ws,
		ID:           uuid.New().String(),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
	}
	c.SetReadDeadline(time.Now().Add(c.pongTimeout)) // nolint:errcheck
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})
	return c
}

// SendJSON writes one JSON frame.
func (c *Connection) SendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteJSON(v)
}

func (c *Connection) heartbeat() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if err := c.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			c.mu.Unlock()
			return
		}
		if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// Close sends a close frame and tears the socket down.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.WriteMessage(websocket.CloseMessage, message)
	return c.Conn.Close()
}
