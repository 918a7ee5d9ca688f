package privaxy

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Timeouts for the telemetry WebSocket connections.
const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamPongTimeout  = 60 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The admin API is open to any origin; the CORS policy is the same.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents upgrades the request and streams the events topic until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	streamTopic(s, w, r, s.Events, "events")
}

// handleStatistics upgrades the request and streams the statistics topic
// until the client disconnects.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	streamTopic(s, w, r, s.Statistics, "statistics")
}

// streamTopic subscribes the connection to a topic and pumps messages until
// the transport breaks or the client sends a close frame. Transport errors
// close only this subscriber; the subscription slot is released
// synchronously on the way out.
func streamTopic[T any](s *Server, w http.ResponseWriter, r *http.Request, topic *Broadcaster[T], name string) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.Logger.Debug("websocket upgrade failed", "topic", name, "error", err)
		return
	}

	sub := topic.Subscribe()
	defer sub.Close()
	defer func() { _ = conn.Close() }()

	s.Logger.Debug("telemetry subscriber connected", "topic", name, "client", r.RemoteAddr)

	// Reader goroutine: consumes control frames, detects the close
	// handshake and transport loss, then unblocks the writer by closing
	// done.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			s.Logger.Debug("telemetry subscriber disconnected", "topic", name, "client", r.RemoteAddr)
			return

		case msg := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				if !isExpectedStreamError(err) {
					s.Logger.Debug("telemetry write failed", "topic", name, "error", err)
				}
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isExpectedStreamError reports whether err is ordinary connection
// teardown rather than something worth logging.
func isExpectedStreamError(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
