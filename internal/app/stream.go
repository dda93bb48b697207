package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"chronicle/coedit/internal/document"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what a stream client may send: an update blob from its
// replica or a presence refresh.
type clientMessage struct {
	Type     string                  `json:"type"`
	Origin   string                  `json:"origin,omitempty"`
	Update   []byte                  `json:"update,omitempty"`
	UserID   string                  `json:"userId,omitempty"`
	Presence document.PresenceUpdate `json:"presence"`
}

type streamMessage struct {
	Type     string             `json:"type"`
	State    []byte             `json:"state,omitempty"`
	Metadata *document.Metadata `json:"metadata,omitempty"`
	Code     string             `json:"code,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// streamConn serializes writes; gorilla connections allow one writer.
type streamConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *streamConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return c.ws.WriteJSON(v)
}

func (c *streamConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait))
}

// handleStream sends the full replica state, then every session event, and
// applies update and presence messages from the client.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	sess, err := s.service.Open(r.Context(), documentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	// Subscribe before encoding so nothing committed in between is lost.
	// A client may see an update twice; merging it again is a no-op.
	events, cancel := sess.Subscribe()
	defer cancel()
	if s.beforeState != nil {
		s.beforeState(documentID)
	}
	state, err := s.service.State(r.Context(), documentID)
	if err != nil {
		s.fail(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade", "document_id", documentID, "error", err)
		return
	}
	conn := &streamConn{ws: ws}
	defer ws.Close()

	md := sess.Doc.Metadata()
	if err := conn.write(streamMessage{Type: "state", State: state, Metadata: &md}); err != nil {
		return
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go s.pumpEvents(ctx, conn, events)

	ws.SetReadLimit(maxUpdateBytes)
	_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("stream closed", "document_id", documentID, "error", err)
			}
			return
		}
		s.handleClientMessage(ctx, conn, documentID, msg)
	}
}

func (s *HTTPServer) pumpEvents(ctx context.Context, conn *streamConn, events <-chan Event) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.ws.Close()
				return
			}
			if err := conn.write(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleClientMessage(ctx context.Context, conn *streamConn, documentID string, msg clientMessage) {
	var err error
	switch msg.Type {
	case "update":
		_, err = s.service.ApplyRemote(ctx, documentID, msg.Origin, msg.Update)
	case "presence":
		_, err = s.service.UpdatePresence(ctx, documentID, msg.UserID, msg.Presence)
	default:
		_ = conn.write(streamMessage{Type: "error", Code: "UNKNOWN_MESSAGE", Error: "unknown message type " + msg.Type})
		return
	}
	if err != nil {
		_, code, message, _ := mapError(err)
		_ = conn.write(streamMessage{Type: "error", Code: code, Error: message})
	}
}
