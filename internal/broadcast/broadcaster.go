// Package broadcast assigns per-auction sequence numbers to bid events,
// retains a bounded replay window, and fans events out to local subscribers
// and an optional external transport.
package broadcast

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/auctionworks/settle/internal/breaker"
	"github.com/auctionworks/settle/internal/lockstore"
)

func sequenceKey(auctionID string) string { return "auction:" + auctionID + ":seq" }
func historyKey(auctionID string) string  { return "auction:" + auctionID + ":history" }

// Event is one sequenced bid update. Sequence is assigned by Publish and is
// strictly increasing per auction.
type Event struct {
	Type        string `json:"type"`
	Sequence    int64  `json:"sequence"`
	AuctionID   string `json:"auction_id"`
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	Timestamp   int64  `json:"timestamp"`
}

// Transport delivers published events beyond this process. Delivery is best
// effort; failures are logged, never surfaced to the bidder.
type Transport interface {
	Publish(ctx context.Context, auctionID string, payload []byte) error
}

// Replayed is the answer to a reconnect sync: the events after the client's
// last seen sequence, oldest first, capped at the replay limit.
type Replayed struct {
	Events    []Event
	Truncated bool
}

// Config bounds the sequence and history retention.
type Config struct {
	SequenceTTL time.Duration
	HistoryTTL  time.Duration
	HistoryKeep int64
	ReplayLimit int
	Buffer      int
}

func (config Config) withDefaults() Config {
	if config.SequenceTTL <= 0 {
		config.SequenceTTL = 24 * time.Hour
	}
	if config.HistoryTTL <= 0 {
		config.HistoryTTL = time.Hour
	}
	if config.HistoryKeep <= 0 {
		config.HistoryKeep = 1000
	}
	if config.ReplayLimit <= 0 {
		config.ReplayLimit = 100
	}
	return config
}

// Broadcaster sequences and distributes auction events. The shared lock
// store is the source of truth for sequences and history; when it is down
// the breaker trips and a per-process counter and ring keep events flowing,
// seeded from the last sequence seen so numbering stays monotonic here.
type Broadcaster struct {
	locks     lockstore.Store
	circuit   *breaker.Breaker
	transport Transport
	hub       *hub
	config    Config
	nowFn     func() time.Time
	log       *zap.Logger

	mu    sync.Mutex
	local map[string]*localStream
}

type localStream struct {
	lastSequence int64
	ring         []ringEntry
}

type ringEntry struct {
	event    Event
	storedAt time.Time
}

// New wires a Broadcaster. transport may be nil for single-process use.
func New(locks lockstore.Store, circuit *breaker.Breaker, transport Transport, config Config, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	config = config.withDefaults()
	return &Broadcaster{
		locks:     locks,
		circuit:   circuit,
		transport: transport,
		hub:       newHub(config.Buffer, log),
		config:    config,
		nowFn:     time.Now,
		log:       log,
		local:     make(map[string]*localStream),
	}
}

// Subscribe opens a live event stream for one auction.
func (broadcaster *Broadcaster) Subscribe(auctionID string) *Subscription {
	return broadcaster.hub.subscribe(auctionID)
}

// Publish assigns the next sequence to the event, records it in the replay
// history, and fans it out. The returned event carries the assigned
// sequence. Publish only fails when no sequence can be produced at all,
// which cannot happen with the local fallback in place.
func (broadcaster *Broadcaster) Publish(ctx context.Context, event Event) (Event, error) {
	if event.Type == "" {
		event.Type = "bid_update"
	}
	event.Sequence = broadcaster.nextSequence(ctx, event.AuctionID)

	payload, err := json.Marshal(event)
	if err != nil {
		return Event{}, err
	}

	broadcaster.appendHistory(ctx, event, payload)
	broadcaster.hub.broadcast(event)

	if broadcaster.transport != nil {
		if publishErr := broadcaster.transport.Publish(ctx, event.AuctionID, payload); publishErr != nil {
			broadcaster.log.Warn("transport publish failed",
				zap.String("auction_id", event.AuctionID),
				zap.Int64("sequence", event.Sequence),
				zap.Error(publishErr))
		}
	}
	return event, nil
}

// Replay returns the events for the auction with sequence greater than
// after, oldest first. When more than the replay limit were missed, only
// the most recent limit are returned and Truncated is set; an empty result
// for a nonzero gap also means the history aged out, and the caller should
// fall back to full auction state.
func (broadcaster *Broadcaster) Replay(ctx context.Context, auctionID string, after int64) (Replayed, error) {
	events, err := broadcaster.remoteRange(ctx, auctionID, after)
	if err != nil {
		events = broadcaster.localRange(auctionID, after)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	replayed := Replayed{Events: events}
	if len(events) > broadcaster.config.ReplayLimit {
		replayed.Events = events[len(events)-broadcaster.config.ReplayLimit:]
		replayed.Truncated = true
	}
	return replayed, nil
}

func (broadcaster *Broadcaster) nextSequence(ctx context.Context, auctionID string) int64 {
	var remote int64
	err := broadcaster.circuit.Do(func() error {
		sequence, incrErr := broadcaster.locks.Increment(ctx, sequenceKey(auctionID), broadcaster.config.SequenceTTL)
		if incrErr != nil {
			return incrErr
		}
		remote = sequence
		return nil
	})

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	stream := broadcaster.stream(auctionID)
	if err == nil {
		if remote > stream.lastSequence {
			stream.lastSequence = remote
		}
		return remote
	}

	stream.lastSequence++
	broadcaster.log.Warn("sequencing locally, shared counter unreachable",
		zap.String("auction_id", auctionID),
		zap.Int64("sequence", stream.lastSequence),
		zap.Error(err))
	return stream.lastSequence
}

func (broadcaster *Broadcaster) appendHistory(ctx context.Context, event Event, payload []byte) {
	err := broadcaster.circuit.Do(func() error {
		return broadcaster.locks.Append(ctx, historyKey(event.AuctionID), event.Sequence, payload,
			broadcaster.config.HistoryTTL, broadcaster.config.HistoryKeep)
	})
	if err != nil {
		broadcaster.log.Warn("history append failed",
			zap.String("auction_id", event.AuctionID),
			zap.Int64("sequence", event.Sequence),
			zap.Error(err))
	}

	// The local ring always mirrors the event so replay works through an
	// outage of the shared store. It is bounded the same way as the shared
	// history: at most HistoryKeep entries, none older than HistoryTTL.
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	stream := broadcaster.stream(event.AuctionID)
	stream.ring = append(stream.ring, ringEntry{event: event, storedAt: broadcaster.nowFn()})
	stream.evictExpired(broadcaster.nowFn(), broadcaster.config.HistoryTTL)
	if excess := int64(len(stream.ring)) - broadcaster.config.HistoryKeep; excess > 0 {
		stream.ring = append([]ringEntry(nil), stream.ring[excess:]...)
	}
}

// evictExpired drops ring entries past their lifetime. Entries are appended
// in arrival order, so the expired prefix is contiguous.
func (stream *localStream) evictExpired(now time.Time, ttl time.Duration) {
	cutoff := now.Add(-ttl)
	firstLive := len(stream.ring)
	for index, entry := range stream.ring {
		if entry.storedAt.After(cutoff) {
			firstLive = index
			break
		}
	}
	if firstLive == 0 {
		return
	}
	stream.ring = append([]ringEntry(nil), stream.ring[firstLive:]...)
}

func (broadcaster *Broadcaster) remoteRange(ctx context.Context, auctionID string, after int64) ([]Event, error) {
	var entries []lockstore.Entry
	err := broadcaster.circuit.Do(func() error {
		found, rangeErr := broadcaster.locks.RangeAfter(ctx, historyKey(auctionID), after)
		if rangeErr != nil {
			return rangeErr
		}
		entries = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		var event Event
		if unmarshalErr := json.Unmarshal(entry.Payload, &event); unmarshalErr != nil {
			broadcaster.log.Warn("skipping undecodable history entry",
				zap.String("auction_id", auctionID),
				zap.Int64("sequence", entry.Sequence),
				zap.Error(unmarshalErr))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (broadcaster *Broadcaster) localRange(auctionID string, after int64) []Event {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	stream := broadcaster.stream(auctionID)
	stream.evictExpired(broadcaster.nowFn(), broadcaster.config.HistoryTTL)
	events := make([]Event, 0, len(stream.ring))
	for _, entry := range stream.ring {
		if entry.event.Sequence > after {
			events = append(events, entry.event)
		}
	}
	return events
}

// stream must be called with mu held.
func (broadcaster *Broadcaster) stream(auctionID string) *localStream {
	if existing, ok := broadcaster.local[auctionID]; ok {
		return existing
	}
	created := &localStream{}
	broadcaster.local[auctionID] = created
	return created
}
