package toolserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jarvis-ops/jarvis/internal/tools"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 20 * time.Second
	wsWriteWait       = 10 * time.Second
)

// WSServer serves a Registry over WebSocket: one JSON message per frame,
// bounded per-connection write queue, and a slow consumer is dropped
// rather than allowed to back up memory — grounded on the same
// queue/ping/pong shape the teacher's ws_control_plane.go uses for its
// control-plane connections.
type WSServer struct {
	registry *tools.Registry
	logger   *slog.Logger
	audit    AuditRecorder
	metrics  MetricsRecorder
	upgrader websocket.Upgrader
}

// NewWSServer builds a WebSocket http.Handler over registry. audit and
// metrics may be nil, disabling audit logging and metrics recording for
// calls served over this connection.
func NewWSServer(registry *tools.Registry, logger *slog.Logger, audit AuditRecorder, metrics MetricsRecorder) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSServer{
		registry: registry,
		logger:   logger.With("component", component, "transport", "ws"),
		audit:    audit,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn2 := &wsConnection{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	conn2.run()
}

type wsConnection struct {
	server *WSServer
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

func (c *wsConnection) run() {
	defer c.close()
	session := NewSession(c.server.registry, c.server.logger, c.writeNotify, c.server.audit, c.server.metrics)

	c.wg.Add(1)
	go c.writeLoop()
	c.readLoop(session)
	c.wg.Wait()
}

func (c *wsConnection) close() {
	c.cancel()
	close(c.send)
	_ = c.conn.Close()
}

func (c *wsConnection) readLoop(session *Session) {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueue(errorResponse(nil, CodeBadArgs, "malformed request: "+err.Error()))
			continue
		}

		inflight.Add(1)
		go func(req Request) {
			defer inflight.Done()
			resp := session.Handle(c.ctx, req)
			c.enqueue(resp)
		}(req)
	}
}

func (c *wsConnection) writeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConnection) writeNotify(n Notify) error {
	c.enqueue(n)
	return nil
}

// enqueue marshals v and drops the connection if the bounded send queue is
// full rather than blocking — a slow consumer never backs up memory.
func (c *wsConnection) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.server.logger.Error("marshal frame", "error", err)
		return
	}
	if len(data) > wsMaxPayloadBytes {
		c.server.logger.Error("frame exceeds max payload", "bytes", len(data))
		return
	}

	select {
	case c.send <- data:
	default:
		c.server.logger.Warn("slow consumer, closing connection")
		c.cancel()
	}
}
