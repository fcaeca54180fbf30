package pipeline

import (
	"sync"

	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/session"
)

// Event types sent to progress subscribers.
const (
	EventProgress  = "progress"
	EventSite      = "site"
	EventCompleted = "completed"
	EventFailed    = "error"
	EventDeleted   = "deleted"
)

// Event is one progress notification. It never carries match data; a
// subscriber fetches results through Results.
type Event struct {
	Type     string         `json:"type"`
	Status   session.Status `json:"status,omitempty"`
	Progress int            `json:"progress"`
	Site     string         `json:"site,omitempty"`
	Matches  int            `json:"matches,omitempty"`
}

// hub fans session events out to listeners.
type hub struct {
	mu        sync.RWMutex
	listeners map[string][]chan Event
}

func newHub() *hub {
	return &hub{listeners: make(map[string][]chan Event)}
}

func (h *hub) add(id string) chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, constants.EventChannelBuffer)
	h.listeners[id] = append(h.listeners[id], ch)
	return ch
}

func (h *hub) remove(id string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.listeners[id]
	for i, listener := range list {
		if listener == ch {
			h.listeners[id] = append(list[:i], list[i+1:]...)
			close(ch)
			break
		}
	}
	if len(h.listeners[id]) == 0 {
		delete(h.listeners, id)
	}
}

func (h *hub) send(id string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, listener := range h.listeners[id] {
		select {
		case listener <- ev:
		default:
			// Listener buffer full, skip.
		}
	}
}

// finish sends a final event and closes every listener of the session.
func (h *hub) finish(id string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, listener := range h.listeners[id] {
		select {
		case listener <- ev:
		default:
		}
		close(listener)
	}
	delete(h.listeners, id)
}
