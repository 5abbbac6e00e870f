package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harbormaster-io/harbormaster/internal/audit"
	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/metrics"
)

// execControl is the one structured message exec clients may send;
// anything else on the socket is stdin.
type execControl struct {
	Type string `json:"type"`
	Rows uint   `json:"rows"`
	Cols uint   `json:"cols"`
}

// handleWSExec attaches an interactive shell to a container. PTY output
// flows as binary frames; text frames are stdin unless they parse as a
// resize control message.
func (s *Server) handleWSExec(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	h, ok := s.resolveHost(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, r, auth.PermContainersExec, h.ID) {
		return
	}
	api, _, err := s.deps.Pool.Acquire(r.Context(), h.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	containerID := r.PathValue("id")
	cmd := []string{"/bin/sh"}
	if c := r.URL.Query().Get("cmd"); c != "" {
		cmd = []string{c}
	}

	session, err := api.StartExec(r.Context(), containerID, docker.ExecOptions{
		Cmd:     cmd,
		TTY:     true,
		WorkDir: r.URL.Query().Get("workdir"),
	})
	if err != nil {
		s.auditOp(r, "container.exec", "container", containerID, h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "container.exec", "container", containerID, h.ID, audit.OutcomeSuccess, nil)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		session.Close()
		return
	}
	ws := &wsConn{conn: conn}
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()
	defer session.Close()
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// PTY output pump: daemon to client, raw binary.
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := session.Output.Read(buf)
			if n > 0 {
				if werr := ws.writeBinary(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Heartbeat and revocation checks, same contract as stream sockets.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.deps.Auth.SessionLive(rc) {
					ws.closeWith(ClosePolicyViolated, "session revoked")
					cancel()
					return
				}
				if err := ws.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	})

	// Stdin runs on its own goroutine so process exit is noticed and
	// reported even while the client is silent.
	type inbound struct {
		msgType int
		data    []byte
		err     error
	}
	in := make(chan inbound)
	go func() {
		defer close(in)
		for {
			msgType, data, err := ws.conn.ReadMessage()
			select {
			case in <- inbound{msgType: msgType, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-outDone:
			s.finishExec(ctx, ws, api, session.ID)
			return
		case <-ctx.Done():
			ws.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case msg, ok := <-in:
			if !ok || msg.err != nil {
				return
			}
			if msg.msgType == websocket.TextMessage {
				var ctl execControl
				if json.Unmarshal(msg.data, &ctl) == nil && ctl.Type == "resize" {
					if err := api.ResizeExec(ctx, session.ID, ctl.Rows, ctl.Cols); err != nil {
						s.deps.Log.Debug("exec resize failed", "exec_id", session.ID, "error", err)
					}
					continue
				}
			}
			if _, err := session.Input.Write(msg.data); err != nil {
				s.finishExec(ctx, ws, api, session.ID)
				return
			}
		}
	}
}

// finishExec reports the exit code and closes the socket cleanly.
func (s *Server) finishExec(ctx context.Context, ws *wsConn, api docker.API, execID string) {
	reason := "exec finished"
	if running, exitCode, err := api.InspectExec(ctx, execID); err == nil && !running {
		payload, _ := json.Marshal(map[string]any{"exit_code": exitCode})
		_ = ws.writeFrame("disconnected", payload)
		reason = fmt.Sprintf("exit code %d", exitCode)
	}
	ws.closeWith(websocket.CloseNormalClosure, reason)
}
