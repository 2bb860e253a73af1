package services

import (
	"sync"
	"time"
)

// QC event types
const (
	EventAssignmentClaimed  = "assignment_claimed"
	EventAssignmentReleased = "assignment_released"
	EventResponseVerified   = "response_verified"
	EventBatchClosed        = "batch_closed"
	EventRemainderDecided   = "remainder_decided"
	EventBatchCompleted     = "batch_completed"
)

// QCEvent is a real-time pipeline update pushed to dashboards.
type QCEvent struct {
	Type       string    `json:"type"`
	SurveyID   uint      `json:"survey_id"`
	BatchID    uint      `json:"batch_id"`
	ResponseID uint      `json:"response_id,omitempty"`
	ReviewerID uint      `json:"reviewer_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Decision   string    `json:"decision,omitempty"`
	At         time.Time `json:"at"`
}

// SSEHub manages SSE client connections and event broadcasting
type SSEHub struct {
	clients map[string]chan QCEvent
	mu      sync.RWMutex
}

func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients: make(map[string]chan QCEvent),
	}
}

// Subscribe registers a client and returns its event channel.
func (h *SSEHub) Subscribe(clientID string) <-chan QCEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan QCEvent, 100)
	h.clients[clientID] = ch
	return ch
}

func (h *SSEHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[clientID]; ok {
		close(ch)
		delete(h.clients, clientID)
	}
}

// Publish broadcasts an event; slow clients miss events rather than block.
func (h *SSEHub) Publish(event QCEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *SSEHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var globalSSEHub *SSEHub
var sseHubOnce sync.Once

// GetSSEHub returns the global SSE hub singleton
func GetSSEHub() *SSEHub {
	sseHubOnce.Do(func() {
		globalSSEHub = NewSSEHub()
	})
	return globalSSEHub
}

// PublishQCEvent stamps and broadcasts an event on the global hub.
func PublishQCEvent(event QCEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	GetSSEHub().Publish(event)
}
