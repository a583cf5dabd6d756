// Package bidding orchestrates one bid end to end: reserve the bidder's
// funds, commit the bid against the auction row, hand the displaced winner's
// release to the task queue, and publish the sequenced update. Funds move
// before the auction row is touched, and any commit failure releases them
// again, so a failed bid never leaves money locked.
package bidding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/auctionworks/settle/internal/auction"
	"github.com/auctionworks/settle/internal/broadcast"
	"github.com/auctionworks/settle/internal/reservation"
	"github.com/auctionworks/settle/internal/taskqueue"
	"github.com/auctionworks/settle/pkg/ledger"
)

// TaskReleaseReservation is the queue kind for releasing a displaced
// winner's reservation.
const TaskReleaseReservation = "release_reservation"

// Reserver is the slice of the reservation service the coordinator uses.
type Reserver interface {
	Reserve(ctx context.Context, userID string, auctionID string, amount ledger.AmountCents) (reservation.Result, error)
	Release(ctx context.Context, userID string, reservationID string) error
	Consume(ctx context.Context, userID string, reservationID string) error
}

// Committer is the slice of the auction registry the coordinator uses.
type Committer interface {
	CommitBid(ctx context.Context, auctionID string, userID string, amount ledger.AmountCents, reservationID string) (auction.CommitResult, error)
	End(ctx context.Context, auctionID string) (auction.Auction, error)
	WinningBid(ctx context.Context, auctionID string) (auction.Bid, bool, error)
}

// Publisher emits sequenced bid events.
type Publisher interface {
	Publish(ctx context.Context, event broadcast.Event) (broadcast.Event, error)
}

// Config bounds the commit retry loop.
type Config struct {
	CommitAttempts   int
	CommitRetryDelay time.Duration
}

func (config Config) withDefaults() Config {
	if config.CommitAttempts <= 0 {
		config.CommitAttempts = 3
	}
	if config.CommitRetryDelay <= 0 {
		config.CommitRetryDelay = 100 * time.Millisecond
	}
	return config
}

// Placed reports a successful bid.
type Placed struct {
	Bid      auction.Bid
	Event    broadcast.Event
	Degraded bool
}

// Coordinator runs the bid pipeline.
type Coordinator struct {
	reserver  Reserver
	committer Committer
	queue     taskqueue.Queue
	publisher Publisher
	config    Config
	log       *zap.Logger
	nowFn     func() int64
	sleepFn   func(ctx context.Context, d time.Duration) error
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(reserver Reserver, committer Committer, queue taskqueue.Queue, publisher Publisher, config Config, now func() int64, log *zap.Logger) (*Coordinator, error) {
	if reserver == nil {
		return nil, fmt.Errorf("%w: reserver dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if committer == nil {
		return nil, fmt.Errorf("%w: committer dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if queue == nil {
		return nil, fmt.Errorf("%w: queue dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if publisher == nil {
		return nil, fmt.Errorf("%w: publisher dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		reserver:  reserver,
		committer: committer,
		queue:     queue,
		publisher: publisher,
		config:    config.withDefaults(),
		log:       log,
		nowFn:     now,
		sleepFn:   sleepContext,
	}, nil
}

// PlaceBid reserves amount for the bidder, commits the bid, queues the
// previous winner's release, and publishes the update. On any failure after
// the reservation the funds are released again before the error is
// returned.
func (coordinator *Coordinator) PlaceBid(ctx context.Context, userID string, auctionID string, amount ledger.AmountCents) (Placed, error) {
	if amount <= 0 {
		return Placed{}, ledger.WrapError("place_bid", userID, "invalid_amount", ledger.ErrInvalidAmount)
	}

	reserved, err := coordinator.reserver.Reserve(ctx, userID, auctionID, amount)
	if err != nil {
		return Placed{}, err
	}

	result, err := coordinator.commitWithRetry(ctx, auctionID, userID, amount, reserved.Reservation.ReservationID)
	if err != nil {
		coordinator.compensate(userID, reserved.Reservation.ReservationID, err)
		return Placed{}, err
	}

	if result.Previous != nil {
		coordinator.queueRelease(ctx, auctionID, *result.Previous)
	}

	event, publishErr := coordinator.publisher.Publish(ctx, broadcast.Event{
		Type:        "bid_update",
		AuctionID:   auctionID,
		UserID:      userID,
		AmountCents: int64(amount),
		Timestamp:   coordinator.nowFn(),
	})
	if publishErr != nil {
		// The bid stands; clients recover the gap through replay.
		coordinator.log.Warn("bid committed but publish failed",
			zap.String("auction_id", auctionID),
			zap.String("bid_id", result.Bid.BidID),
			zap.Error(publishErr))
	}

	return Placed{Bid: result.Bid, Event: event, Degraded: reserved.Degraded}, nil
}

// Settle ends the auction and converts the winner's reservation into a
// payment. Auctions without a winner just end.
func (coordinator *Coordinator) Settle(ctx context.Context, auctionID string) (auction.Auction, error) {
	ended, err := coordinator.committer.End(ctx, auctionID)
	if err != nil {
		return auction.Auction{}, err
	}
	if ended.CurrentWinnerID == "" {
		return ended, nil
	}
	winning, err := coordinator.winningReservation(ctx, auctionID)
	if err != nil {
		return auction.Auction{}, err
	}
	if err := coordinator.reserver.Consume(ctx, ended.CurrentWinnerID, winning); err != nil {
		return auction.Auction{}, err
	}
	return ended, nil
}

func (coordinator *Coordinator) commitWithRetry(ctx context.Context, auctionID string, userID string, amount ledger.AmountCents, reservationID string) (auction.CommitResult, error) {
	var lastErr error
	for attempt := 1; attempt <= coordinator.config.CommitAttempts; attempt++ {
		result, err := coordinator.committer.CommitBid(ctx, auctionID, userID, amount, reservationID)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ledger.ErrTxConflict) {
			return auction.CommitResult{}, err
		}
		lastErr = err
		coordinator.log.Warn("bid commit lost a transaction conflict",
			zap.String("auction_id", auctionID),
			zap.String("user_id", userID),
			zap.Int("attempt", attempt))
		if attempt < coordinator.config.CommitAttempts {
			if sleepErr := coordinator.sleepFn(ctx, time.Duration(attempt)*coordinator.config.CommitRetryDelay); sleepErr != nil {
				return auction.CommitResult{}, sleepErr
			}
		}
	}
	return auction.CommitResult{}, fmt.Errorf("%w after %d attempts: %w",
		ErrDeadlockRetryExhausted, coordinator.config.CommitAttempts, lastErr)
}

// compensate releases the bidder's own reservation after a failed commit.
// The release must not inherit a cancelled request context.
func (coordinator *Coordinator) compensate(userID string, reservationID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if releaseErr := coordinator.reserver.Release(ctx, userID, reservationID); releaseErr != nil {
		// The expiry sweep returns these funds eventually.
		coordinator.log.Error("compensating release failed",
			zap.String("user_id", userID),
			zap.String("reservation_id", reservationID),
			zap.NamedError("cause", cause),
			zap.Error(releaseErr))
	}
}

// queueRelease hands the displaced winner's refund to the task queue. An
// enqueue failure is logged only: the committed bid must stand, and the
// expiry sweep releases the reservation if the queue never does.
func (coordinator *Coordinator) queueRelease(ctx context.Context, auctionID string, previous auction.PreviousWinner) {
	payload, err := json.Marshal(ReleasePayload{
		UserID:        previous.UserID,
		ReservationID: previous.ReservationID,
		AuctionID:     auctionID,
	})
	if err != nil {
		coordinator.log.Error("encode release payload", zap.Error(err))
		return
	}
	if enqueueErr := coordinator.queue.Enqueue(ctx, taskqueue.Task{
		Kind:    TaskReleaseReservation,
		Payload: payload,
	}, 0); enqueueErr != nil {
		coordinator.log.Error("queueing previous winner release failed",
			zap.String("user_id", previous.UserID),
			zap.String("reservation_id", previous.ReservationID),
			zap.Error(enqueueErr))
	}
}

func (coordinator *Coordinator) winningReservation(ctx context.Context, auctionID string) (string, error) {
	bid, found, err := coordinator.committer.WinningBid(ctx, auctionID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", auction.ErrAuctionNotFound
	}
	return bid.ReservationID, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
