// Package stream fans validation and tamper events out to websocket
// subscribers watching the operator dashboard.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventValidation = "validation"
	EventTamper     = "tamper"
	EventBan        = "ban"
	EventDeployment = "deployment"
)

type Event struct {
	Type         string          `json:"type"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	At           string          `json:"at"`
	Data         json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, deploymentID string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{
		Type:         eventType,
		DeploymentID: deploymentID,
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		Data:         raw,
	}
}

type subscriber struct {
	ch           chan Event
	deploymentID string
}

// Hub is a non-blocking fan-out: slow subscribers drop events instead of
// stalling the validation path.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]subscriber
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]subscriber{}}
}

// Subscribe registers a listener. A non-empty deploymentID narrows the feed
// to that deployment's events.
func (h *Hub) Subscribe(deploymentID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = subscriber{ch: ch, deploymentID: deploymentID}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, sub := range h.subs {
		if sub.deploymentID != "" && sub.deploymentID != evt.DeploymentID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
