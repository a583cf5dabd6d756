// Package gormstore persists the engine's state with GORM. Postgres serves
// production; the glebarez sqlite driver backs tests and local development.
// Serialization and deadlock failures are normalized to ledger.ErrTxConflict
// so the coordinator's retry policy does not depend on the driver.
package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/auctionworks/settle/pkg/ledger"
)

const (
	pgDeadlockCode             = "40P01"
	pgSerializationFailureCode = "40001"
	pgLockNotAvailableCode     = "55P03"
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectReservation = "reservation"
	errorCodeGet            = "get"
	errorCodeSave           = "save"
	errorCodeCreate         = "create"
	errorCodeFind           = "find"
	errorCodeList           = "list"
	errorCodeUpdateState    = "update_state"
)

// Ledger implements ledger.Store using GORM.
type Ledger struct {
	db *gorm.DB
}

// NewLedger returns a ledger store backed by gorm.DB.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx executes fn within a transaction.
func (store *Ledger) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Ledger{db: transaction})
	})
	return classifyConflict(err)
}

// GetAccountForUpdate locks the account row, creating a zero-balance account
// on first touch.
func (store *Ledger) GetAccountForUpdate(ctx context.Context, userID string) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// ON CONFLICT DO NOTHING: a racing first-touch insert must not
		// raise a unique violation, which would abort the enclosing
		// postgres transaction and poison every statement after it.
		model = Account{UserID: userID}
		createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoNothing: true,
			}).
			Create(&model).Error
		if createErr != nil {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, classifyConflict(createErr))
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&model).Error
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, classifyConflict(err))
	}
	return ledger.Account{
		UserID:      model.UserID,
		TotalCents:  ledger.AmountCents(model.TotalCents),
		LockedCents: ledger.AmountCents(model.LockedCents),
	}, nil
}

func (store *Ledger) SaveAccount(ctx context.Context, account ledger.Account) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", account.UserID).
		Updates(map[string]interface{}{
			"total_cents":  int64(account.TotalCents),
			"locked_cents": int64(account.LockedCents),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, classifyConflict(result.Error))
	}
	return nil
}

func (store *Ledger) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	model := Reservation{
		ReservationID: reservation.ReservationID,
		UserID:        reservation.UserID,
		AuctionID:     reservation.AuctionID,
		AmountCents:   int64(reservation.AmountCents),
		State:         reservation.State.String(),
		CreatedAt:     time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func (store *Ledger) GetReservationForUpdate(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, classifyConflict(err))
	}
	return mapReservation(model)
}

func (store *Ledger) FindLockedReservation(ctx context.Context, userID string, auctionID string) (ledger.Reservation, bool, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND auction_id = ? AND state = ?", userID, auctionID, ledger.ReservationLocked.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Reservation{}, false, nil
	}
	if err != nil {
		return ledger.Reservation{}, false, wrapStoreError(errorSubjectReservation, errorCodeFind, classifyConflict(err))
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return ledger.Reservation{}, false, err
	}
	return reservation, true, nil
}

// UpdateReservationState transitions from -> to, guarding terminal states:
// zero rows affected means the reservation already left the from state.
func (store *Ledger) UpdateReservationState(ctx context.Context, reservationID string, from, to ledger.ReservationState) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND state = ?", reservationID, from.String()).
		Update("state", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateState, classifyConflict(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateState, ledger.ErrReservationClosed)
	}
	return nil
}

func (store *Ledger) ListStaleLocked(ctx context.Context, olderThan time.Time, limit int) ([]ledger.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", ledger.ReservationLocked.String(), olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, classifyConflict(err))
	}
	reservations := make([]ledger.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func mapReservation(model Reservation) (ledger.Reservation, error) {
	state, err := ledger.ParseReservationState(model.State)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.Reservation{
		ReservationID:  model.ReservationID,
		UserID:         model.UserID,
		AuctionID:      model.AuctionID,
		AmountCents:    ledger.AmountCents(model.AmountCents),
		State:          state,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// classifyConflict maps driver-level deadlock, serialization, and lock-wait
// failures to ledger.ErrTxConflict. Anything else passes through unchanged.
func classifyConflict(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrTxConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgDeadlockCode, pgSerializationFailureCode, pgLockNotAvailableCode:
			return errors.Join(ledger.ErrTxConflict, err)
		}
		return err
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		if code == sqliteBusyCode || code == sqliteLockedCode {
			return errors.Join(ledger.ErrTxConflict, err)
		}
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "deadlock") {
		return errors.Join(ledger.ErrTxConflict, err)
	}
	return err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == 19
	}
	return false
}
