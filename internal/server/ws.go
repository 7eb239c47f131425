package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"go-agent-presence/internal/notify"
	"go-agent-presence/internal/pipeline"
	"go-agent-presence/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	// wsMessagesPerMinute limits inbound frames on one connection.
	wsMessagesPerMinute = 120
)

// wsRequest is an inbound websocket frame.
type wsRequest struct {
	Type        string `json:"type"` // "subscribe", "unsubscribe", "ping", "complete"
	WorkspaceID string `json:"workspace_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and registers it with the hub.
// All writes go through the client's queue so a single goroutine owns the
// write side of the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := s.hub.Register()
	s.logger.Info("websocket client connected", "client_id", client.ID(), "remote", getIP(r))

	go s.writePump(conn, client)
	s.readPump(r, conn, client)

	s.hub.Unregister(client)
	s.logger.Info("websocket client disconnected", "client_id", client.ID())
}

func (s *Server) writePump(conn *websocket.Conn, client *notify.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("websocket write failed", "client_id", client.ID(), "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(r *http.Request, conn *websocket.Conn, client *notify.Client) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := newRateLimiter(wsMessagesPerMinute, time.Minute)
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if isDecodeError(err) {
				s.reply(client, "error", map[string]string{"error": "invalid message format"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "client_id", client.ID(), "error", err)
			}
			return
		}
		if !limiter.allow(client.ID()) {
			s.reply(client, "error", map[string]string{"error": "rate limit exceeded"})
			continue
		}

		switch req.Type {
		case "subscribe":
			if req.WorkspaceID != "" {
				client.Subscribe(req.WorkspaceID)
			}
			s.reply(client, "subscribed", map[string]any{"workspace_id": req.WorkspaceID, "scopes": client.Scopes()})
		case "unsubscribe":
			client.Unsubscribe(req.WorkspaceID)
			s.reply(client, "unsubscribed", map[string]any{"workspace_id": req.WorkspaceID, "scopes": client.Scopes()})
		case "ping":
			s.reply(client, "pong", map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)})
		case "complete":
			out, err := s.pipeline.Complete(r.Context(), req.AgentID, req.Kind)
			if err != nil {
				s.reply(client, "error", map[string]string{"error": completeError(err)})
				continue
			}
			s.reply(client, "completed", newIngestResponse(out))
		default:
			s.reply(client, "error", map[string]string{"error": "unknown message type: " + req.Type})
		}
	}
}

func (s *Server) reply(client *notify.Client, typ string, payload any) {
	if !s.hub.Send(client, notify.Message{Type: typ, Payload: payload}) {
		s.logger.Warn("websocket reply dropped", "client_id", client.ID(), "type", typ)
	}
}

// isDecodeError reports whether a ReadJSON failure came from a malformed
// frame rather than the connection.
func isDecodeError(err error) bool {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func completeError(err error) string {
	var storageErr *pipeline.StorageError
	switch {
	case errors.Is(err, pipeline.ErrUnknownCompletion):
		return err.Error()
	case errors.As(err, &storageErr):
		return "storage failure"
	case errors.Is(err, storage.ErrNotFound):
		return "agent not found"
	}
	return "internal error"
}
