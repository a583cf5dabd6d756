package ledger

import (
	"context"
	"strings"
	"time"
)

// AmountCents is an integer currency in cents.
type AmountCents int64

// ReservationState defines the reservation lifecycle.
type ReservationState string

const (
	// ReservationLocked earmarks funds against an auction.
	ReservationLocked ReservationState = "locked"
	// ReservationReleased means the funds were returned (bid lost or displaced).
	ReservationReleased ReservationState = "released"
	// ReservationConsumed means the funds were actually spent (auction finalized).
	ReservationConsumed ReservationState = "consumed"
	// ReservationExpired means the background sweep reclaimed a stuck hold.
	ReservationExpired ReservationState = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (state ReservationState) Terminal() bool {
	return state == ReservationReleased || state == ReservationConsumed || state == ReservationExpired
}

// String returns the stored representation.
func (state ReservationState) String() string {
	return string(state)
}

// ParseReservationState validates a stored state value.
func ParseReservationState(raw string) (ReservationState, error) {
	switch ReservationState(raw) {
	case ReservationLocked, ReservationReleased, ReservationConsumed, ReservationExpired:
		return ReservationState(raw), nil
	}
	return "", WrapError("ledger", "reservation", "invalid_state", ErrInvalidReservationState)
}

// Account is the per-user balance record.
// Invariant: 0 <= LockedCents <= TotalCents.
type Account struct {
	UserID      string
	TotalCents  AmountCents
	LockedCents AmountCents
}

// AvailableCents is the spendable remainder.
func (account Account) AvailableCents() AmountCents {
	return account.TotalCents - account.LockedCents
}

// Reservation earmarks a portion of a user's balance against an auction.
type Reservation struct {
	ReservationID  string
	UserID         string
	AuctionID      string
	AmountCents    AmountCents
	State          ReservationState
	CreatedUnixUTC int64
}

// Balance is the caller-facing view of an account.
type Balance struct {
	TotalCents     AmountCents
	LockedCents    AmountCents
	AvailableCents AmountCents
}

// Store is the persistence contract used by Service. Implementations must
// hold an exclusive row lock on the account for the duration of the
// enclosing transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccountForUpdate(ctx context.Context, userID string) (Account, error)
	SaveAccount(ctx context.Context, account Account) error
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservationForUpdate(ctx context.Context, reservationID string) (Reservation, error)
	FindLockedReservation(ctx context.Context, userID string, auctionID string) (Reservation, bool, error)
	UpdateReservationState(ctx context.Context, reservationID string, from, to ReservationState) error
	ListStaleLocked(ctx context.Context, olderThan time.Time, limit int) ([]Reservation, error)
}

func validateUserID(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return WrapError("ledger", "account", "invalid_user", ErrInvalidUserID)
	}
	return nil
}

func validateAmount(amount AmountCents) error {
	if amount <= 0 {
		return WrapError("ledger", "amount", "non_positive", ErrInvalidAmount)
	}
	return nil
}
