package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// liveEvent carries counts only, never ids, so the feed cannot be used to
// correlate a reveal with a submit.
type liveEvent struct {
	Event   string `json:"event"`
	Count   int    `json:"count,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

// Live streams reveal events to a reviewer until either side closes.
func (s *Server) Live(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, release := s.svc.Scheduler().Subscribe()
	defer release()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(liveEvent{Event: "subscribed"}); err != nil {
		return
	}

	// the reader only exists to notice the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(liveEvent{Event: "revealed", Count: ev.Count, Trigger: string(ev.Trigger)}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
