// Package websocket pushes visit stage changes to connected staff screens.
// Clients subscribe to "visits" for every change or to "visits/<stage>" for
// the changes entering or leaving one queue.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/events"
)

const TopicVisits = "visits"

// StageTopic is the topic for changes entering or leaving stage.
func StageTopic(stage string) string {
	return TopicVisits + "/" + stage
}

func validTopic(t string) bool {
	return t == TopicVisits || (strings.HasPrefix(t, TopicVisits+"/") && len(t) > len(TopicVisits)+1)
}

// Message is the frame written to clients.
type Message struct {
	Topic string       `json:"topic"`
	Event events.Event `json:"event"`
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connection. Send is closed by the hub on Unregister.
// Facility is fixed at connect time; an empty value means the hub default.
type Client struct {
	ID       string
	Facility string
	Topics   []string
	Send     chan []byte
}

type Hub struct {
	mu              sync.RWMutex
	clients         map[string]map[*Client]struct{} // topic -> subscribers
	all             map[*Client]struct{}
	dropped         uint64
	defaultFacility string
	logger          zerolog.Logger
}

// NewHub returns a hub that only delivers an event to clients of the
// event's facility. Events and clients without a facility belong to
// defaultFacility.
func NewHub(defaultFacility string, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:         make(map[string]map[*Client]struct{}),
		all:             make(map[*Client]struct{}),
		defaultFacility: defaultFacility,
		logger:          logger.With().Str("component", "ws_hub").Logger(),
	}
}

func (h *Hub) facilityOf(id string) string {
	if id == "" {
		return h.defaultFacility
	}
	return id
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	client.Topics = h.addTopics(client, nil, client.Topics)
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.removeTopics(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

// addTopics subscribes client to every valid topic in add and returns the
// merged topic list. Caller holds h.mu.
func (h *Hub) addTopics(client *Client, have, add []string) []string {
	for _, topic := range add {
		if !validTopic(topic) {
			continue
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		if _, dup := h.clients[topic][client]; dup {
			continue
		}
		h.clients[topic][client] = struct{}{}
		have = append(have, topic)
	}
	return have
}

func (h *Hub) removeTopics(client *Client, topics []string) {
	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Topics = h.addTopics(client, client.Topics, topics)
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeTopics(client, topics)
	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := drop[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish implements events.Publisher. Each subscriber of "visits" or of the
// source and destination stage topics in the event's facility receives the
// event once. Slow clients whose buffer is full miss it.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	topics := []string{TopicVisits, StageTopic(ev.ToStage)}
	if ev.FromStage != "" && ev.FromStage != ev.ToStage {
		topics = append(topics, StageTopic(ev.FromStage))
	}

	data, err := json.Marshal(Message{Topic: TopicVisits, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal websocket message: %w", err)
	}

	facility := h.facilityOf(ev.Facility)

	h.mu.Lock()
	defer h.mu.Unlock()

	sent := make(map[*Client]struct{})
	for _, topic := range topics {
		for client := range h.clients[topic] {
			if _, done := sent[client]; done {
				continue
			}
			sent[client] = struct{}{}
			if h.facilityOf(client.Facility) != facility {
				continue
			}
			select {
			case client.Send <- data:
			default:
				h.dropped++
				h.logger.Warn().Str("client_id", client.ID).Int64("visit_id", ev.VisitID).Msg("client buffer full, event dropped")
			}
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
