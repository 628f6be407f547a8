package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"scorebook/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 4096
	controlBacklog = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Live scores are public; the channel only reads.
	CheckOrigin: func(*http.Request) bool { return true },
}

// liveFrame is a control message in either direction.
type liveFrame struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	frameJoin   = "join"
	frameLeave  = "leave"
	frameJoined = "joined"
	frameLeft   = "left"
	frameError  = "error"
)

func liveHandler(hub *events.Hub, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("live: upgrade failed: %v", err)
			return
		}
		sub := hub.Subscribe(uuid.NewString())
		replies := make(chan liveFrame, controlBacklog)
		done := make(chan struct{})
		go writeLoop(conn, sub, replies, done, logger)
		readLoop(conn, hub, sub, replies)
		hub.Unsubscribe(sub)
		close(done)
	}
}

func readLoop(conn *websocket.Conn, hub *events.Hub, sub *events.Subscriber, replies chan<- liveFrame) {
	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in liveFrame
		if err := json.Unmarshal(data, &in); err != nil {
			reply(replies, liveFrame{Type: frameError, Code: "bad_frame", Message: "frames must be JSON objects"})
			continue
		}
		if in.MatchID == "" && (in.Type == frameJoin || in.Type == frameLeave) {
			reply(replies, liveFrame{Type: frameError, Code: "bad_frame", Message: "match_id is required"})
			continue
		}
		switch in.Type {
		case frameJoin:
			err = hub.Join(sub, in.MatchID)
			if err == nil {
				reply(replies, liveFrame{Type: frameJoined, MatchID: in.MatchID})
			}
		case frameLeave:
			err = hub.Leave(sub, in.MatchID)
			if err == nil {
				reply(replies, liveFrame{Type: frameLeft, MatchID: in.MatchID})
			}
		default:
			reply(replies, liveFrame{Type: frameError, Code: "unknown_frame", Message: "unknown frame type " + in.Type})
			continue
		}
		switch {
		case errors.Is(err, events.ErrJoinRateLimited):
			reply(replies, liveFrame{Type: frameError, MatchID: in.MatchID, Code: "join_rate_limited", Message: err.Error()})
		case errors.Is(err, events.ErrClosed):
			return
		}
	}
}

func reply(replies chan<- liveFrame, f liveFrame) {
	select {
	case replies <- f:
	default:
	}
}

// writeLoop is the only writer on conn.
func writeLoop(conn *websocket.Conn, sub *events.Subscriber, replies <-chan liveFrame, done <-chan struct{}, logger *log.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	updates := sub.Updates()
	for {
		var msg any
		select {
		case u, ok := <-updates:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg = u
		case f := <-replies:
			msg = f
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case <-done:
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Printf("live: write to %s failed: %v", sub.ID, err)
			return
		}
	}
}
