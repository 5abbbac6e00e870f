package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/hosts"
	"github.com/harbormaster-io/harbormaster/internal/metrics"
	"github.com/harbormaster-io/harbormaster/internal/streams"
	"github.com/harbormaster-io/harbormaster/internal/tasks"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 10 * time.Second
)

// wsFrame is the JSON control frame sent to WebSocket clients. Exec PTY
// output bypasses this and travels as raw binary frames.
type wsFrame struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// wsConn serialises writes: the frame pump, the heartbeat, and close
// handshakes all share one connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeFrame(typ string, payload []byte) error {
	f := wsFrame{Type: typ, Timestamp: time.Now().UTC()}
	if payload != nil {
		if json.Valid(payload) {
			f.Payload = payload
		} else {
			// Log lines are arbitrary bytes; quote them.
			quoted, err := json.Marshal(string(payload))
			if err != nil {
				return err
			}
			f.Payload = quoted
		}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) writeBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// closeWith sends a close frame with the given code, then tears down.
func (c *wsConn) closeWith(code int, reason string) {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	c.mu.Unlock()
	_ = c.conn.Close()
}

// fingerprint folds stream-shaping query parameters into the origin key
// so subscribers with different options get distinct origins. The
// encoding is canonical (sorted keys) and parseable, so the opener can
// recover the options when it dials the daemon.
func fingerprint(r *http.Request, params ...string) string {
	v := url.Values{}
	for _, p := range params {
		if q := r.URL.Query().Get(p); q != "" {
			v.Set(p, q)
		}
	}
	return v.Encode()
}

func (s *Server) handleWSContainerLogs(w http.ResponseWriter, r *http.Request) {
	s.streamWS(w, r, "log", func(h *hosts.Host) streams.Key {
		return streams.Key{
			Kind:        streams.KindLogs,
			HostID:      h.ID,
			Resource:    r.PathValue("id"),
			Fingerprint: fingerprint(r, "tail", "since", "timestamps"),
		}
	})
}

func (s *Server) handleWSContainerStats(w http.ResponseWriter, r *http.Request) {
	s.streamWS(w, r, "stats", func(h *hosts.Host) streams.Key {
		return streams.Key{
			Kind:     streams.KindStats,
			HostID:   h.ID,
			Resource: r.PathValue("id"),
		}
	})
}

func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	s.streamWS(w, r, "event", func(h *hosts.Host) streams.Key {
		return streams.Key{
			Kind:   streams.KindEvents,
			HostID: h.ID,
		}
	})
}

func (s *Server) handleWSServiceLogs(w http.ResponseWriter, r *http.Request) {
	s.streamWS(w, r, "log", func(h *hosts.Host) streams.Key {
		return streams.Key{
			Kind:        streams.KindServiceLogs,
			HostID:      h.ID,
			Resource:    r.PathValue("id"),
			Fingerprint: fingerprint(r, "tail", "since", "timestamps"),
		}
	})
}

// streamWS bridges one shared stream origin onto a WebSocket. The
// subscription outlives access token expiry but not session revocation.
func (s *Server) streamWS(w http.ResponseWriter, r *http.Request, frameType string, buildKey func(*hosts.Host) streams.Key) {
	rc := requestContext(r)
	h, ok := s.resolveHost(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, r, auth.PermStreamsView, h.ID) {
		return
	}

	sub, err := s.deps.Streams.Subscribe(r.Context(), buildKey(h))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		return
	}
	s.pumpSubscription(r.Context(), &wsConn{conn: conn}, rc, sub, frameType)
}

// pumpSubscription is the shared writer loop: stream frames out,
// heartbeats on schedule, liveness checks against the refresh family.
func (s *Server) pumpSubscription(ctx context.Context, ws *wsConn, rc *auth.RequestContext, sub *streams.Subscription, frameType string) {
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()
	defer sub.Cancel()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_ = ws.writeFrame("connected", nil)
	s.readUntilClose(ctx, cancel, ws)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-ticker.C:
			if !s.deps.Auth.SessionLive(rc) {
				ws.closeWith(ClosePolicyViolated, "session revoked")
				return
			}
			if err := ws.ping(); err != nil {
				_ = ws.conn.Close()
				return
			}
		case frame, ok := <-sub.C:
			if !ok {
				code, reason := closeCodeFor(sub.Err())
				ws.closeWith(code, reason)
				return
			}
			if err := ws.writeFrame(frameType, frame.Data); err != nil {
				_ = ws.conn.Close()
				return
			}
		}
	}
}

// readUntilClose drains the client side so pings are answered and a
// client close ends the stream. Payloads from the client are ignored.
func (s *Server) readUntilClose(ctx context.Context, cancel context.CancelFunc, ws *wsConn) {
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// closeCodeFor maps a subscription's terminal error to a close code.
func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, streams.ErrSlowConsumer):
		return CloseSlowConsumer, "subscriber too slow"
	case errors.Is(err, streams.ErrOriginClosed):
		return CloseOriginClosed, "stream closed by origin"
	case err == nil:
		return websocket.CloseNormalClosure, ""
	default:
		return websocket.CloseInternalServerErr, err.Error()
	}
}

// handleWSTask streams progress frames for one long-running task until
// it reaches a terminal state.
func (s *Server) handleWSTask(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := r.PathValue("id")
	task, ok := s.deps.Tasks.Get(id)
	if !ok || (rc.Role != auth.RoleAdmin && task.UserID != rc.UserID) {
		writeError(w, r, CodeNotFound, "task not found")
		return
	}

	ch, cancelSub := s.deps.Bus.Subscribe()
	defer cancelSub()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws := &wsConn{conn: conn}
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.readUntilClose(ctx, cancel, ws)

	sendState := func(t *tasks.Task) bool {
		payload, err := json.Marshal(t)
		if err != nil {
			return false
		}
		return ws.writeFrame("event", payload) == nil
	}
	if !sendState(task) {
		_ = conn.Close()
		return
	}
	if task.Status != tasks.StatusRunning {
		ws.closeWith(websocket.CloseNormalClosure, "task finished")
		return
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-ticker.C:
			if !s.deps.Auth.SessionLive(rc) {
				ws.closeWith(ClosePolicyViolated, "session revoked")
				return
			}
			if err := ws.ping(); err != nil {
				_ = conn.Close()
				return
			}
		case evt, open := <-ch:
			if !open {
				ws.closeWith(websocket.CloseNormalClosure, "")
				return
			}
			if evt.Type != events.EventTaskProgress || evt.TaskID != id {
				continue
			}
			t, ok := s.deps.Tasks.Get(id)
			if !ok {
				ws.closeWith(websocket.CloseNormalClosure, "task gone")
				return
			}
			if !sendState(t) {
				_ = conn.Close()
				return
			}
			if t.Status != tasks.StatusRunning {
				ws.closeWith(websocket.CloseNormalClosure, "task finished")
				return
			}
		}
	}
}
