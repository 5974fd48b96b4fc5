package kungorelser

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/isakskogstad/LoopDesk-sub005/shield"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamMessage is what the progress stream sends: the current state
// once on connect, then every run event.
type streamMessage struct {
	Type  string         `json:"type"`
	State *ScheduleState `json:"state,omitempty"`
	Event *Event         `json:"event,omitempty"`
}

// handleStream upgrades to a websocket and pushes run events until the
// client leaves or the service closes. Clients only receive; anything
// they send is discarded.
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	log := shield.GetLogger(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("kungorelser: stream upgrade", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.Subscribe(64)
	defer cancel()

	st, err := s.ScheduleState(r.Context())
	if err != nil {
		log.Warn("kungorelser: stream state", "error", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(streamMessage{Type: "state", State: st}); err != nil {
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(streamMessage{Type: e.Type, Event: &e}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
