package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxReadBytes = 4096
)

// wsSubscriber is one overlay websocket registered with the relay.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn

	// gorilla allows one concurrent writer
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{id: uuid.NewString(), conn: conn}
}

// Send writes payload as one text frame, bounded by ctx's deadline.
func (s *wsSubscriber) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSubscriber) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a best-effort close frame and closes the connection. It is
// safe to call more than once.
func (s *wsSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// HandleOverlayWS upgrades the request and registers the connection as an
// overlay subscriber until the client goes away.
func (h *Handlers) HandleOverlayWS(w http.ResponseWriter, r *http.Request) {
	if h.deps.Relay == nil {
		http.Error(w, "relay not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("err", err), slog.String("remote_addr", r.RemoteAddr), slog.String("component", "ws"))
		return
	}

	sub := newWSSubscriber(conn)
	reg := h.deps.Relay.Registry()
	member := reg.Add(sub)
	slog.Info("overlay subscriber connected",
		slog.String("subscriber", sub.id),
		slog.String("remote_addr", clientIP(r)),
		slog.Int("subscribers", reg.Len()),
		slog.String("component", "ws"))

	defer func() {
		reg.Remove(member)
		_ = sub.Close()
		slog.Info("overlay subscriber disconnected", slog.String("subscriber", sub.id), slog.Int("subscribers", reg.Len()), slog.String("component", "ws"))
	}()
	h.readLoop(sub)
}

// readLoop drains client frames so control frames are processed, and keeps
// the connection alive with pings until a read fails or the server stops.
func (h *Handlers) readLoop(sub *wsSubscriber) {
	conn := sub.conn
	conn.SetReadLimit(maxReadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-h.ctx.Done():
				_ = sub.Close()
				return
			case <-ticker.C:
				if err := sub.ping(); err != nil {
					_ = sub.Close()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("overlay subscriber read error", slog.String("subscriber", sub.id), slog.Any("err", err), slog.String("component", "ws"))
			}
			return
		}
	}
}
