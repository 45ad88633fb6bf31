package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ecotip/observability"
	"ecotip/services/tipgateway/ledger"
)

const defaultBuffer = 16

// Message is pushed to a creator's live feed for every completed tip.
type Message struct {
	Type        string    `json:"type"`
	TipID       string    `json:"tipId"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Units       int64     `json:"units"`
	SenderName  string    `json:"senderName,omitempty"`
	Message     string    `json:"message,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

type subscriber struct {
	ch chan Message
}

// Hub fans completed tips out to per-creator subscribers. Publishing never
// blocks; a subscriber whose buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]map[*subscriber]struct{}
	buffer  int
	closed  bool
	metrics *observability.TipMetrics
	logger  *slog.Logger
}

// NewHub constructs a hub whose subscriber channels hold buffer messages.
func NewHub(buffer int, metrics *observability.TipMetrics, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:    make(map[uuid.UUID]map[*subscriber]struct{}),
		buffer:  buffer,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "feed")),
	}
}

// Subscribe registers a listener for creatorID. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(creatorID uuid.UUID) (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, h.buffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	set, ok := h.subs[creatorID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[creatorID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.FeedSubscribed(1)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[creatorID]; ok {
				if _, ok := set[sub]; ok {
					delete(set, sub)
					close(sub.ch)
					h.metrics.FeedSubscribed(-1)
				}
				if len(set) == 0 {
					delete(h.subs, creatorID)
				}
			}
		})
	}
}

// Publish delivers msg to every subscriber of creatorID.
func (h *Hub) Publish(creatorID uuid.UUID, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[creatorID] {
		select {
		case sub.ch <- msg:
		default:
			h.logger.Debug("feed subscriber lagging, message dropped",
				slog.String("creator_id", creatorID.String()),
				slog.String("tip_id", msg.TipID))
		}
	}
}

// Subscribers reports how many listeners creatorID has.
func (h *Hub) Subscribers(creatorID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[creatorID])
}

// OnTipCompleted adapts Publish to a ledger completion hook.
func (h *Hub) OnTipCompleted(_ context.Context, tip ledger.CompletedTip) {
	h.Publish(tip.CreatorID, Message{
		Type:        "tip",
		TipID:       tip.TipID.String(),
		Amount:      tip.Amount.StringFixed(2),
		Currency:    tip.Currency,
		Units:       tip.Units,
		SenderName:  tip.SenderName,
		Message:     tip.Message,
		CompletedAt: tip.CompletedAt,
	})
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for creatorID, set := range h.subs {
		for sub := range set {
			close(sub.ch)
			h.metrics.FeedSubscribed(-1)
		}
		delete(h.subs, creatorID)
	}
}
