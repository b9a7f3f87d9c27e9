// Package websocket pushes an agent's messages over a WebSocket.
//
// Clients connect to:
//
//	GET /agents/{agent}/ws
//
// The server drains the agent's queue whenever it wakes, and at least every
// poll interval, pushing each message as a frame. Clients settle every
// message with an ack or nack frame; messages still unsettled when the
// connection drops are put back on the queue.
//
// Server → client:
//
//	{"type":"message","message":{...}}
//	{"type":"error","error":"..."}
//
// Client → server:
//
//	{"type":"ack","message_id":"<ULID>"}
//	{"type":"nack","message_id":"<ULID>"}
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/sneh-joshi/agenthub/internal/types"
)

// Frame types.
const (
	FrameMessage = "message"
	FrameError   = "error"
	FrameAck     = "ack"
	FrameNack    = "nack"
)

// maxBatch caps how many messages one wake-up pushes before the loop
// services control frames again.
const maxBatch = 32

var upgrader = gorillaws.Upgrader{
	// Requests without an Origin (native clients) are allowed; browser
	// requests must come from the same host.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Source is the part of the hub the push loop needs.
type Source interface {
	Receive(agentID string) (*types.Message, bool)
	Wake(agentID string) <-chan struct{}
	Ack(ctx context.Context, agentID, msgID string) error
	Nack(ctx context.Context, agentID, msgID string) error
	Release(agentID string) bool
}

// ServerFrame is sent to the client.
type ServerFrame struct {
	Type    string         `json:"type"`
	Message *types.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ClientFrame is sent by the client.
type ClientFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// Handler serves the push endpoint. It reads the agent from
// r.PathValue("agent").
type Handler struct {
	Hub          Source
	PollInterval time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ServeHTTP upgrades the connection and runs the push loop until the client
// goes away or the request context ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	if agent == "" {
		http.Error(w, "agent is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Warn("websocket upgrade failed", "agent", agent, "error", err)
		return
	}
	defer conn.Close()
	// Clear the read deadline inherited from the HTTP server.
	_ = conn.SetReadDeadline(time.Time{})

	poll := h.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	ctx := r.Context()
	inflight := make(map[string]struct{})
	defer func() {
		// Unsettled messages go back on the queue.
		for id := range inflight {
			if err := h.Hub.Nack(context.Background(), agent, id); err != nil {
				h.logger().Warn("ws requeue failed", "agent", agent, "message_id", id, "error", err)
			}
		}
		if h.Hub.Release(agent) {
			h.logger().Debug("ws agent released", "agent", agent)
		}
	}()

	controlCh := make(chan ClientFrame, 64)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf ClientFrame
			if json.Unmarshal(raw, &cf) == nil {
				controlCh <- cf
			}
		}
	}()

	write := func(f ServerFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(f)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	h.logger().Debug("ws connected", "agent", agent)

	for {
		wake := h.Hub.Wake(agent)
		for i := 0; i < maxBatch; i++ {
			msg, ok := h.Hub.Receive(agent)
			if !ok {
				break
			}
			inflight[msg.ID] = struct{}{}
			if err := write(ServerFrame{Type: FrameMessage, Message: msg}); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case cf, ok := <-controlCh:
			if !ok {
				h.logger().Debug("ws disconnected", "agent", agent)
				return
			}
			if err := h.settle(ctx, agent, cf, inflight); err != nil {
				if write(ServerFrame{Type: FrameError, Error: err.Error()}) != nil {
					return
				}
			}
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (h *Handler) settle(ctx context.Context, agent string, cf ClientFrame, inflight map[string]struct{}) error {
	if _, ok := inflight[cf.MessageID]; !ok {
		return fmt.Errorf("unknown message %q", cf.MessageID)
	}
	var err error
	switch cf.Type {
	case FrameAck:
		err = h.Hub.Ack(ctx, agent, cf.MessageID)
	case FrameNack:
		err = h.Hub.Nack(ctx, agent, cf.MessageID)
	default:
		return fmt.Errorf("unknown frame type %q", cf.Type)
	}
	delete(inflight, cf.MessageID)
	return err
}
