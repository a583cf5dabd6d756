package ws

import "github.com/auctionworks/settle/internal/broadcast"

// Client-to-server message types.
const (
	messageTypeBid  = "bid"
	messageTypeSync = "sync_request"
)

// Server-to-client message types. bid_update payloads are broadcast.Event.
const (
	messageTypeInitialState  = "initial_state"
	messageTypeBidResult     = "bid_result"
	messageTypeReconnectSync = "reconnect_sync"
	messageTypeError         = "error"
)

type inboundMessage struct {
	Type         string `json:"type"`
	AmountCents  int64  `json:"amount_cents,omitempty"`
	LastSequence int64  `json:"last_sequence,omitempty"`
}

type initialStateMessage struct {
	Type              string `json:"type"`
	AuctionID         string `json:"auction_id"`
	CurrentPriceCents int64  `json:"current_price_cents"`
	CurrentWinnerID   string `json:"current_winner_id,omitempty"`
	Status            string `json:"status"`
}

type bidResultMessage struct {
	Type        string `json:"type"`
	AuctionID   string `json:"auction_id"`
	Accepted    bool   `json:"accepted"`
	Sequence    int64  `json:"sequence,omitempty"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Degraded    bool   `json:"degraded,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

type reconnectSyncMessage struct {
	Type        string            `json:"type"`
	AuctionID   string            `json:"auction_id"`
	MissedCount int               `json:"missed_count"`
	Messages    []broadcast.Event `json:"messages"`
	Truncated   bool              `json:"truncated"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
