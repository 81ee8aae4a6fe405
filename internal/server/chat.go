package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hibikichat/hibiki/internal/observe"
)

// wsWriteTimeout bounds a single outbound websocket write.
const wsWriteTimeout = 30 * time.Second

// ChatEvent is a server-to-client websocket message.
type ChatEvent struct {
	// Type is "greeting", "reply", or "error".
	Type string `json:"type"`

	// Text carries the greeting or error message.
	Text string `json:"text,omitempty"`

	// Turn carries the full turn result for "reply" events.
	Turn *TurnResponse `json:"turn,omitempty"`
}

// chatMessage is a client-to-server websocket message.
type chatMessage struct {
	Message string `json:"message"`
}

// handleChat upgrades to a websocket and runs one turn per inbound message.
// Turns are serialized by the read loop, matching the one-turn-at-a-time
// model the pipeline expects. The connection greets the client immediately
// after the upgrade, mirroring a fresh chat window.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	ctx := r.Context()
	log := observe.Logger(ctx)

	sess, _, err := s.cfg.Sessions.Session(identityFromRequest(r))
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, "session unavailable")
		return
	}

	if err := writeEvent(ctx, conn, ChatEvent{Type: "greeting", Text: sess.Greeting()}); err != nil {
		log.Warn("websocket greeting failed", "identity", sess.Identity, "error", err)
		return
	}

	for {
		var msg chatMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			log.Debug("websocket read ended", "identity", sess.Identity, "error", err)
			return
		}

		if msg.Message == "" {
			if err := writeEvent(ctx, conn, ChatEvent{Type: "error", Text: "message must not be empty"}); err != nil {
				return
			}
			continue
		}

		res, err := sess.RunTurn(ctx, msg.Message)
		if err != nil && res == nil {
			if err := writeEvent(ctx, conn, ChatEvent{Type: "error", Text: "message rejected"}); err != nil {
				return
			}
			continue
		}
		if err != nil {
			log.Error("turn failed", "identity", sess.Identity, "error", err)
		}

		turn := turnResponseFrom(sess.ID.String(), res)
		if err := writeEvent(ctx, conn, ChatEvent{Type: "reply", Turn: &turn}); err != nil {
			return
		}
	}
}

// writeEvent sends one event with a bounded write deadline.
func writeEvent(ctx context.Context, conn *websocket.Conn, ev ChatEvent) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}
