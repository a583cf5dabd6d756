package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auctionworks/settle/internal/auction"
	"github.com/auctionworks/settle/internal/bidding"
	"github.com/auctionworks/settle/internal/broadcast"
	"github.com/auctionworks/settle/internal/reservation"
	"github.com/auctionworks/settle/pkg/ledger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	outboundBuffer = 64

	defaultBidRateLimit  = 100
	defaultBidRateWindow = time.Minute
)

// connection is the actor for one websocket client. The write loop is the
// only goroutine that touches the socket writer and the only owner of the
// last-seen sequence, so duplicate suppression needs no locks.
type connection struct {
	server    *Server
	socket    *websocket.Conn
	userID    string
	auctionID string
	outbound  chan any
	closed    chan struct{}
	once      sync.Once
	log       *zap.Logger

	// Fixed-window bid counter, touched only by the read loop.
	bidWindowStart time.Time
	bidWindowCount int
}

func newConnection(server *Server, socket *websocket.Conn, userID string, auctionID string) *connection {
	return &connection{
		server:    server,
		socket:    socket,
		userID:    userID,
		auctionID: auctionID,
		outbound:  make(chan any, outboundBuffer),
		closed:    make(chan struct{}),
		log: server.log.With(
			zap.String("user_id", userID),
			zap.String("auction_id", auctionID)),
	}
}

// serve runs the connection until the client goes away. It subscribes to the
// auction's live stream, sends the initial state, and then processes inbound
// messages on the read loop while the write loop drains outbound.
func (conn *connection) serve(ctx context.Context) {
	subscription := conn.server.events.Subscribe(conn.auctionID)
	defer subscription.Close()

	go conn.writeLoop()
	go conn.forwardEvents(subscription)

	if snapshot, err := conn.server.auctions.Snapshot(ctx, conn.auctionID); err == nil {
		conn.enqueue(initialStateMessage{
			Type:              messageTypeInitialState,
			AuctionID:         snapshot.AuctionID,
			CurrentPriceCents: int64(snapshot.CurrentPriceCents),
			CurrentWinnerID:   snapshot.CurrentWinnerID,
			Status:            string(snapshot.Status),
		})
	} else {
		conn.enqueue(errorMessage{Type: messageTypeError, Code: "auction_not_found", Message: "unknown auction"})
	}

	conn.readLoop(ctx)
	conn.close()
}

func (conn *connection) readLoop(ctx context.Context) {
	conn.socket.SetReadLimit(maxMessageSize)
	_ = conn.socket.SetReadDeadline(time.Now().Add(pongWait))
	conn.socket.SetPongHandler(func(string) error {
		return conn.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		var inbound inboundMessage
		if unmarshalErr := json.Unmarshal(raw, &inbound); unmarshalErr != nil {
			conn.enqueue(errorMessage{Type: messageTypeError, Code: "invalid_message", Message: "expected JSON"})
			continue
		}
		switch inbound.Type {
		case messageTypeBid:
			conn.handleBid(ctx, inbound)
		case messageTypeSync:
			conn.handleSync(ctx, inbound)
		default:
			conn.enqueue(errorMessage{Type: messageTypeError, Code: "unknown_type", Message: inbound.Type})
		}
	}
}

func (conn *connection) handleBid(ctx context.Context, inbound inboundMessage) {
	if !conn.allowBid(time.Now()) {
		conn.enqueue(bidResultMessage{
			Type:      messageTypeBidResult,
			AuctionID: conn.auctionID,
			Accepted:  false,
			Code:      "rate_limited",
			Message:   "too many bids, slow down",
		})
		return
	}
	placed, err := conn.server.bids.PlaceBid(ctx, conn.userID, conn.auctionID, ledger.AmountCents(inbound.AmountCents))
	if err != nil {
		code, message := bidErrorCode(err)
		conn.enqueue(bidResultMessage{
			Type:      messageTypeBidResult,
			AuctionID: conn.auctionID,
			Accepted:  false,
			Code:      code,
			Message:   message,
		})
		return
	}
	conn.enqueue(bidResultMessage{
		Type:        messageTypeBidResult,
		AuctionID:   conn.auctionID,
		Accepted:    true,
		Sequence:    placed.Event.Sequence,
		AmountCents: int64(placed.Bid.AmountCents),
		Degraded:    placed.Degraded,
	})
}

// allowBid caps how many bids one connection may place per window. Rejected
// bids still get a bid_result so the client can back off instead of guessing.
func (conn *connection) allowBid(now time.Time) bool {
	if now.Sub(conn.bidWindowStart) >= conn.server.bidRateWindow {
		conn.bidWindowStart = now
		conn.bidWindowCount = 0
	}
	if conn.bidWindowCount >= conn.server.bidRateLimit {
		return false
	}
	conn.bidWindowCount++
	return true
}

func (conn *connection) handleSync(ctx context.Context, inbound inboundMessage) {
	replayed, err := conn.server.events.Replay(ctx, conn.auctionID, inbound.LastSequence)
	if err != nil {
		conn.enqueue(errorMessage{Type: messageTypeError, Code: "sync_failed", Message: "replay unavailable"})
		return
	}
	if len(replayed.Events) == 0 && inbound.LastSequence > 0 {
		// The history aged out; fall back to full state.
		if snapshot, snapshotErr := conn.server.auctions.Snapshot(ctx, conn.auctionID); snapshotErr == nil {
			conn.enqueue(initialStateMessage{
				Type:              messageTypeInitialState,
				AuctionID:         snapshot.AuctionID,
				CurrentPriceCents: int64(snapshot.CurrentPriceCents),
				CurrentWinnerID:   snapshot.CurrentWinnerID,
				Status:            string(snapshot.Status),
			})
			return
		}
	}
	conn.enqueue(reconnectSyncMessage{
		Type:        messageTypeReconnectSync,
		AuctionID:   conn.auctionID,
		MissedCount: len(replayed.Events),
		Messages:    replayed.Events,
		Truncated:   replayed.Truncated,
	})
}

func (conn *connection) forwardEvents(subscription *broadcast.Subscription) {
	for event := range subscription.C {
		conn.enqueue(event)
	}
}

// enqueue never blocks; a client that cannot drain its queue is closed and
// left to reconnect with a sync_request.
func (conn *connection) enqueue(message any) {
	select {
	case <-conn.closed:
	case conn.outbound <- message:
	default:
		conn.log.Warn("outbound queue full, dropping connection")
		conn.close()
	}
}

func (conn *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.socket.Close()

	var lastSequence int64
	for {
		select {
		case <-conn.closed:
			_ = conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.socket.WriteMessage(websocket.CloseMessage, nil)
			return
		case message := <-conn.outbound:
			switch typed := message.(type) {
			case broadcast.Event:
				// Stale or duplicate events are discarded here, never
				// delivered out of order.
				if typed.Sequence <= lastSequence {
					continue
				}
				lastSequence = typed.Sequence
			case reconnectSyncMessage:
				for _, event := range typed.Messages {
					if event.Sequence > lastSequence {
						lastSequence = event.Sequence
					}
				}
			}
			_ = conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.socket.WriteJSON(message); err != nil {
				conn.close()
				return
			}
		case <-ticker.C:
			_ = conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		}
	}
}

func (conn *connection) close() {
	conn.once.Do(func() { close(conn.closed) })
}

func bidErrorCode(err error) (string, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds", "available balance is below the bid amount"
	case errors.Is(err, ledger.ErrReservationHeld):
		return "reservation_held", "a reservation for this auction is already held"
	case errors.Is(err, auction.ErrBidTooLow):
		return "bid_too_low", "bid must exceed the current price"
	case errors.Is(err, auction.ErrAuctionNotActive):
		return "auction_not_active", "auction is not accepting bids"
	case errors.Is(err, auction.ErrAuctionNotFound):
		return "auction_not_found", "unknown auction"
	case errors.Is(err, reservation.ErrLockTimeout):
		return "lock_timeout", "another bid by this user is in flight, retry shortly"
	case errors.Is(err, bidding.ErrDeadlockRetryExhausted):
		return "conflict", "bid lost repeated conflicts, retry"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount", "bid amount must be positive"
	default:
		return "internal_error", "bid failed"
	}
}
