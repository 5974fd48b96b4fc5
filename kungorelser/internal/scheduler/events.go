package scheduler

import (
	"sync"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/store"
)

// Event types published to subscribers.
const (
	EventStarted  = "started"
	EventProgress = "progress"
	EventFinished = "finished"
)

// Event is one run update.
type Event struct {
	Type     string          `json:"type"`
	RunID    string          `json:"run_id"`
	Status   store.RunStatus `json:"status"`
	Query    string          `json:"query,omitempty"`
	Progress store.Progress  `json:"progress"`
	Error    string          `json:"error,omitempty"`
	At       int64           `json:"at"`
}

// hub fans events out to subscribers. Slow subscribers lose events
// rather than stall the run.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func (h *hub) subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]chan Event)
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
