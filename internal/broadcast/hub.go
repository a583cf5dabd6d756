package broadcast

import (
	"sync"

	"go.uber.org/zap"
)

// Subscription is a live per-auction event stream. Events arrive in
// ascending sequence order; a subscriber that cannot keep up has events
// dropped rather than blocking publishers, and resynchronizes via Replay.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	hub  *hub
	key  string
	once sync.Once
}

// Close detaches the subscription from the hub.
func (subscription *Subscription) Close() {
	subscription.once.Do(func() {
		subscription.hub.remove(subscription.key, subscription)
		close(subscription.ch)
	})
}

type hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}
	buffer      int
	log         *zap.Logger
}

func newHub(buffer int, log *zap.Logger) *hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &hub{
		subscribers: make(map[string]map[*Subscription]struct{}),
		buffer:      buffer,
		log:         log,
	}
}

func (h *hub) subscribe(auctionID string) *Subscription {
	ch := make(chan Event, h.buffer)
	subscription := &Subscription{C: ch, ch: ch, hub: h, key: auctionID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[auctionID] == nil {
		h.subscribers[auctionID] = make(map[*Subscription]struct{})
	}
	h.subscribers[auctionID][subscription] = struct{}{}
	return subscription
}

func (h *hub) remove(auctionID string, subscription *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subscribers[auctionID]; ok {
		delete(set, subscription)
		if len(set) == 0 {
			delete(h.subscribers, auctionID)
		}
	}
}

func (h *hub) broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for subscription := range h.subscribers[event.AuctionID] {
		select {
		case subscription.ch <- event:
		default:
			h.log.Warn("dropping event for slow subscriber",
				zap.String("auction_id", event.AuctionID),
				zap.Int64("sequence", event.Sequence))
		}
	}
}
