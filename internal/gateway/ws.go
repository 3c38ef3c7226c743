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

	"github.com/haasonsaas/agora/internal/observability"
	"github.com/haasonsaas/agora/internal/realtime"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

type wsHandler struct {
	server   *Server
	logger   *observability.CategoryLogger
	upgrader websocket.Upgrader
}

func (s *Server) newWSHandler() http.Handler {
	return &wsHandler{
		server: s,
		logger: s.cfg.Logger.Category("gateway.ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// requestFrame is one client request on the control plane.
type requestFrame struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// responseFrame answers one request. Every response carries the requestId
// it correlates with.
type responseFrame struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Payload   any    `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
}

type wsSession struct {
	handler *wsHandler
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	id      string
	subject string

	// realtime holds this connection's subscriptions; envelopes are
	// delivered into the send channel.
	realtime *realtime.Runtime

	closeOnce sync.Once
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var subject string
	if auth := h.server.cfg.Auth; auth.Enabled() {
		subject = auth.authenticateRequest(r)
		if subject == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	session := &wsSession{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, 64),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
		subject: subject,
	}
	session.realtime = realtime.NewRuntime(
		h.server.cfg.Manager,
		realtime.SinkFunc(session.deliver),
		h.server.cfg.Logger,
		h.server.cfg.Metrics,
	)

	h.logger.Info(ctx, "connection opened", "session", session.id, "subject", subject)
	session.run()
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	go s.pingLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		// Uninstalls all bus handlers; late deliveries race the cancel and
		// are dropped in deliver. The send channel is never closed so those
		// stragglers cannot panic.
		s.realtime.Reset()
		_ = s.conn.Close()
		s.handler.logger.Info(context.Background(), "connection closed", "session", s.id)
	})
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame requestFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.respondError("", fmt.Errorf("invalid frame: %w", err))
			continue
		}
		if frame.Method == "" {
			s.respondError(frame.RequestID, fmt.Errorf("method is required"))
			continue
		}

		// Handled off the read loop so a long-running command cannot block
		// later frames; a stop request must be readable while the command it
		// interrupts is still in flight, and pong frames must keep the read
		// deadline moving.
		go func() {
			if err := s.handleRequest(&frame); err != nil {
				s.respondError(frame.RequestID, err)
			}
		}()
	}
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver pushes a subscription envelope onto the connection. A full send
// buffer drops the envelope rather than blocking the bus.
func (s *wsSession) deliver(ctx context.Context, envelope realtime.Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		s.handler.logger.Warn(ctx, "envelope marshal failed", "session", s.id, "error", err)
		return
	}
	select {
	case <-s.ctx.Done():
	case s.send <- data:
	default:
		s.handler.logger.Warn(ctx, "send buffer full, dropping event",
			"session", s.id, "subscription", envelope.SubscriptionID)
	}
}

func (s *wsSession) respond(requestID string, payload any) error {
	return s.write(responseFrame{RequestID: requestID, Success: true, Payload: payload})
}

func (s *wsSession) respondError(requestID string, err error) {
	_ = s.write(responseFrame{RequestID: requestID, Success: false, Error: err.Error()})
}

func (s *wsSession) write(frame responseFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.send <- data:
		return nil
	}
}
