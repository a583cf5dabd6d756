package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service contains the account-ledger domain logic over a Store. Every
// mutation runs inside a store transaction holding the account row lock, so
// the locked <= total invariant can never be observed broken.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
	log    *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, log: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithLogger wires a zap logger for consistency warnings.
func WithLogger(log *zap.Logger) ServiceOption {
	return func(service *Service) {
		if log != nil {
			service.log = log
		}
	}
}

// Balance returns total, locked, and available for a user.
func (service *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	if err := validateUserID(userID); err != nil {
		return Balance{}, err
	}
	var balance Balance
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		balance = Balance{
			TotalCents:     account.TotalCents,
			LockedCents:    account.LockedCents,
			AvailableCents: account.AvailableCents(),
		}
		return nil
	})
	return balance, err
}

// Grant credits a user's total balance.
func (service *Service) Grant(ctx context.Context, userID string, amount AmountCents) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		account.TotalCents += amount
		return transactionStore.SaveAccount(ctx, account)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		Amount:    amount,
		Error:     operationError,
	})
	return operationError
}

// Reserve locks amount against an auction if sufficient funds are available.
// At most one Locked reservation may exist per (user, auction) pair; a second
// attempt while one is held returns ErrReservationHeld.
func (service *Service) Reserve(ctx context.Context, userID string, auctionID string, amount AmountCents) (Reservation, error) {
	if err := validateUserID(userID); err != nil {
		return Reservation{}, err
	}
	if strings.TrimSpace(auctionID) == "" {
		return Reservation{}, WrapError("ledger", "reservation", "invalid_auction", ErrInvalidAuctionID)
	}
	if err := validateAmount(amount); err != nil {
		return Reservation{}, err
	}
	reservation := Reservation{
		ReservationID:  uuid.NewString(),
		UserID:         userID,
		AuctionID:      auctionID,
		AmountCents:    amount,
		State:          ReservationLocked,
		CreatedUnixUTC: service.nowFn(),
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if _, held, err := transactionStore.FindLockedReservation(ctx, userID, auctionID); err != nil {
			return err
		} else if held {
			return ErrReservationHeld
		}
		if account.AvailableCents() < amount {
			return ErrInsufficientFunds
		}
		account.LockedCents += amount
		if err := transactionStore.SaveAccount(ctx, account); err != nil {
			return err
		}
		return transactionStore.CreateReservation(ctx, reservation)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		UserID:        userID,
		AuctionID:     auctionID,
		ReservationID: reservation.ReservationID,
		Amount:        amount,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// Release returns the reserved funds. Idempotent: releasing a reservation
// already in a terminal state is a success no-op, so at-least-once queue
// delivery is safe.
func (service *Service) Release(ctx context.Context, userID string, reservationID string) error {
	return service.releaseTo(ctx, userID, reservationID, ReservationReleased, operationRelease)
}

// Consume finalizes a reservation, spending the funds: both total and locked
// drop by the reserved amount. A repeated consume is a success no-op; a
// consume after release or expiry is refused because the funds were already
// returned.
func (service *Service) Consume(ctx context.Context, userID string, reservationID string) error {
	if err := validateReservationRef(userID, reservationID); err != nil {
		return err
	}
	status := operationStatusOK
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.UserID != userID {
			return WrapError("ledger", "reservation", "owner_mismatch", ErrReservationMismatch)
		}
		switch reservation.State {
		case ReservationConsumed:
			status = operationStatusNoop
			return nil
		case ReservationReleased, ReservationExpired:
			return ErrReservationClosed
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, reservation.UserID)
		if err != nil {
			return err
		}
		if account.TotalCents < reservation.AmountCents {
			return WrapError("ledger", "account", "negative_total", ErrInvalidBalance)
		}
		account.TotalCents -= reservation.AmountCents
		account.LockedCents = clampNonNegative(account.LockedCents-reservation.AmountCents, service.log, reservation)
		if err := transactionStore.SaveAccount(ctx, account); err != nil {
			return err
		}
		return transactionStore.UpdateReservationState(ctx, reservationID, ReservationLocked, ReservationConsumed)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationConsume,
		UserID:        userID,
		ReservationID: reservationID,
		Status:        status,
		Error:         operationError,
	})
	return operationError
}

// ExpireStale sweeps Locked reservations older than maxAge to Expired and
// returns the funds. It is the backstop for crashed workers and unreachable
// queues; reservation releases are idempotent so racing the queue is safe.
func (service *Service) ExpireStale(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	cutoff := time.Unix(service.nowFn(), 0).UTC().Add(-maxAge)
	stale, err := service.store.ListStaleLocked(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, reservation := range stale {
		err := service.releaseTo(ctx, reservation.UserID, reservation.ReservationID, ReservationExpired, operationExpire)
		if err != nil {
			service.log.Warn("expiry sweep release failed",
				zap.String("reservation_id", reservation.ReservationID),
				zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

func (service *Service) releaseTo(ctx context.Context, userID string, reservationID string, terminal ReservationState, operation string) error {
	if err := validateReservationRef(userID, reservationID); err != nil {
		return err
	}
	status := operationStatusOK
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.UserID != userID {
			return WrapError("ledger", "reservation", "owner_mismatch", ErrReservationMismatch)
		}
		if reservation.State.Terminal() {
			status = operationStatusNoop
			return nil
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, reservation.UserID)
		if err != nil {
			return err
		}
		account.LockedCents = clampNonNegative(account.LockedCents-reservation.AmountCents, service.log, reservation)
		if err := transactionStore.SaveAccount(ctx, account); err != nil {
			return err
		}
		return transactionStore.UpdateReservationState(ctx, reservationID, ReservationLocked, terminal)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operation,
		UserID:        userID,
		ReservationID: reservationID,
		Status:        status,
		Error:         operationError,
	})
	return operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateReservationRef(userID string, reservationID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if strings.TrimSpace(reservationID) == "" {
		return WrapError("ledger", "reservation", "invalid_id", ErrInvalidReservationID)
	}
	return nil
}

// clampNonNegative floors locked at zero. Going negative means a reservation
// was double-counted somewhere; the clamp keeps the account usable while the
// warning surfaces the inconsistency.
func clampNonNegative(locked AmountCents, log *zap.Logger, reservation Reservation) AmountCents {
	if locked >= 0 {
		return locked
	}
	log.Warn("locked balance would go negative, clamping to zero",
		zap.String("user_id", reservation.UserID),
		zap.String("reservation_id", reservation.ReservationID),
		zap.Int64("deficit_cents", int64(-locked)))
	return 0
}
