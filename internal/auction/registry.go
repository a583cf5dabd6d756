// Package auction owns the per-auction price/winner/status record. All
// mutations happen under the auction row lock inside a single store
// transaction, so per-auction commits are fully serialized and the previous
// winning bid is demoted atomically with the auction update.
package auction

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/auctionworks/settle/pkg/ledger"
)

// Status is the auction lifecycle flag.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Auction is the current state of one auction.
type Auction struct {
	AuctionID         string
	CurrentPriceCents ledger.AmountCents
	CurrentWinnerID   string
	Status            Status
}

// Bid is an append-only audit record. At most one bid per auction carries
// IsWinning=true.
type Bid struct {
	BidID         string
	AuctionID     string
	UserID        string
	AmountCents   ledger.AmountCents
	ReservationID string
	IsWinning     bool
	PlacedUnixUTC int64
	Metadata      string
}

// PreviousWinner captures the displaced bidder whose funds must be released.
type PreviousWinner struct {
	UserID        string
	AmountCents   ledger.AmountCents
	ReservationID string
	BidID         string
}

// CommitResult reports a committed bid and, when present, the displaced
// previous winner.
type CommitResult struct {
	Bid      Bid
	Previous *PreviousWinner
}

// Store is the persistence contract used by Registry.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAuction(ctx context.Context, auctionID string) (Auction, error)
	GetAuctionForUpdate(ctx context.Context, auctionID string) (Auction, error)
	CreateAuction(ctx context.Context, auction Auction) error
	SaveAuction(ctx context.Context, auction Auction) error
	CreateBid(ctx context.Context, bid Bid) error
	GetWinningBid(ctx context.Context, auctionID string) (Bid, bool, error)
	DemoteBid(ctx context.Context, bidID string) error
}

// Registry validates and commits bids against auction records.
type Registry struct {
	store Store
	nowFn func() int64
	log   *zap.Logger
}

// NewRegistry wires a Registry.
func NewRegistry(store Store, now func() int64, log *zap.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{store: store, nowFn: now, log: log}, nil
}

// Create registers a new active auction starting at startPrice. Insert-only:
// reusing an existing ID is refused with ErrAuctionExists rather than
// resetting a live or ended auction.
func (registry *Registry) Create(ctx context.Context, auctionID string, startPrice ledger.AmountCents) error {
	if strings.TrimSpace(auctionID) == "" {
		return ledger.WrapError("registry", "auction", "invalid_id", ledger.ErrInvalidAuctionID)
	}
	if startPrice < 0 {
		return ledger.WrapError("registry", "auction", "invalid_price", ledger.ErrInvalidAmount)
	}
	return registry.store.CreateAuction(ctx, Auction{
		AuctionID:         auctionID,
		CurrentPriceCents: startPrice,
		Status:            StatusActive,
	})
}

// Snapshot reads the current auction state without locking. Used for
// initial-state messages; bid validation never relies on it.
func (registry *Registry) Snapshot(ctx context.Context, auctionID string) (Auction, error) {
	return registry.store.GetAuction(ctx, auctionID)
}

// WinningBid reads the current winning bid, if any, without locking.
func (registry *Registry) WinningBid(ctx context.Context, auctionID string) (Bid, bool, error) {
	return registry.store.GetWinningBid(ctx, auctionID)
}

// End marks an auction ended. Finalizing the winner's reservation is the
// coordinator's job.
func (registry *Registry) End(ctx context.Context, auctionID string) (Auction, error) {
	var ended Auction
	err := registry.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetAuctionForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		current.Status = StatusEnded
		ended = current
		return transactionStore.SaveAuction(ctx, current)
	})
	return ended, err
}

// CommitBid validates amount against the current price under the auction row
// lock and, on success, records the winning bid, demotes the previous winning
// bid, and updates price/winner in the same transaction. Equal-to-price bids
// lose: only strictly greater amounts win.
func (registry *Registry) CommitBid(ctx context.Context, auctionID string, userID string, amount ledger.AmountCents, reservationID string) (CommitResult, error) {
	var result CommitResult
	err := registry.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetAuctionForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if current.Status != StatusActive {
			return ErrAuctionNotActive
		}
		if amount <= current.CurrentPriceCents {
			return fmt.Errorf("%w: bid must exceed %d", ErrBidTooLow, current.CurrentPriceCents)
		}
		winning, hasWinner, err := transactionStore.GetWinningBid(ctx, auctionID)
		if err != nil {
			return err
		}
		if hasWinner {
			if err := transactionStore.DemoteBid(ctx, winning.BidID); err != nil {
				return err
			}
			result.Previous = &PreviousWinner{
				UserID:        winning.UserID,
				AmountCents:   winning.AmountCents,
				ReservationID: winning.ReservationID,
				BidID:         winning.BidID,
			}
		}
		bid := Bid{
			BidID:         uuid.NewString(),
			AuctionID:     auctionID,
			UserID:        userID,
			AmountCents:   amount,
			ReservationID: reservationID,
			IsWinning:     true,
			PlacedUnixUTC: registry.nowFn(),
		}
		if err := transactionStore.CreateBid(ctx, bid); err != nil {
			return err
		}
		current.CurrentPriceCents = amount
		current.CurrentWinnerID = userID
		if err := transactionStore.SaveAuction(ctx, current); err != nil {
			return err
		}
		result.Bid = bid
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	registry.log.Info("bid committed",
		zap.String("auction_id", auctionID),
		zap.String("user_id", userID),
		zap.Int64("amount_cents", int64(result.Bid.AmountCents)))
	return result, nil
}
