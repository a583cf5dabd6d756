// Package reservation serializes per-user reservation attempts. A short-TTL
// distributed lock keeps two concurrent bids by the same user from racing
// past the availability check across instances; when the lock backend is
// down the breaker flips the service into ledger-lock-only degraded mode,
// which is slower but still correct for the per-account invariant.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/auctionworks/settle/internal/breaker"
	"github.com/auctionworks/settle/internal/lockstore"
	"github.com/auctionworks/settle/pkg/ledger"
)

// ErrLockTimeout means the per-user lock stayed contended through every
// retry. Nothing has been mutated when it is returned.
var ErrLockTimeout = errors.New("lock timeout")

const userLockKeyPrefix = "bid:lock:user:"

// Config bounds the distributed-lock attempt.
type Config struct {
	LockTTL        time.Duration
	LockAttempts   int
	LockRetryDelay time.Duration
}

func (config Config) withDefaults() Config {
	if config.LockTTL <= 0 {
		config.LockTTL = 5 * time.Second
	}
	if config.LockAttempts <= 0 {
		config.LockAttempts = 3
	}
	if config.LockRetryDelay <= 0 {
		config.LockRetryDelay = 50 * time.Millisecond
	}
	return config
}

// Result reports a successful reservation and whether it was made in
// degraded (ledger-lock-only) mode.
type Result struct {
	Reservation ledger.Reservation
	Degraded    bool
}

// Service wraps the account ledger with per-user distributed mutual
// exclusion.
type Service struct {
	ledger  *ledger.Service
	locks   lockstore.Store
	circuit *breaker.Breaker
	config  Config
	log     *zap.Logger
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewService wires a Service.
func NewService(ledgerService *ledger.Service, locks lockstore.Store, circuit *breaker.Breaker, config Config, log *zap.Logger) (*Service, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if locks == nil {
		return nil, fmt.Errorf("%w: lock store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if circuit == nil {
		return nil, fmt.Errorf("%w: breaker dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ledger:  ledgerService,
		locks:   locks,
		circuit: circuit,
		config:  config.withDefaults(),
		log:     log,
		sleepFn: sleepContext,
	}, nil
}

// Reserve locks amount for (userID, auctionID) under the per-user
// distributed lock. The lock is always released by compare-and-delete on the
// owned token, whether or not the ledger reservation succeeded.
func (service *Service) Reserve(ctx context.Context, userID string, auctionID string, amount ledger.AmountCents) (Result, error) {
	token, acquired, err := service.acquireUserLock(ctx, userID)
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			// Graceful degradation: the ledger's own row lock still
			// enforces the account invariant.
			service.log.Warn("lock store unavailable, reserving in degraded mode",
				zap.String("user_id", userID))
			reservation, reserveErr := service.ledger.Reserve(ctx, userID, auctionID, amount)
			if reserveErr != nil {
				return Result{}, reserveErr
			}
			return Result{Reservation: reservation, Degraded: true}, nil
		}
		return Result{}, err
	}
	if !acquired {
		return Result{}, ErrLockTimeout
	}
	defer service.releaseUserLock(userID, token)

	reservation, err := service.ledger.Reserve(ctx, userID, auctionID, amount)
	if err != nil {
		return Result{}, err
	}
	return Result{Reservation: reservation}, nil
}

// Release delegates to the ledger. No distributed lock: the operation targets
// an already-identified reservation and is idempotent.
func (service *Service) Release(ctx context.Context, userID string, reservationID string) error {
	return service.ledger.Release(ctx, userID, reservationID)
}

// Consume delegates to the ledger, same contract as Release.
func (service *Service) Consume(ctx context.Context, userID string, reservationID string) error {
	return service.ledger.Consume(ctx, userID, reservationID)
}

// acquireUserLock tries the set-if-absent lock through the breaker with a
// few increasing delays. A held lock is contention, not failure: it does not
// count against the breaker.
func (service *Service) acquireUserLock(ctx context.Context, userID string) (string, bool, error) {
	key := userLockKeyPrefix + userID
	token := uuid.NewString()
	for attempt := 1; attempt <= service.config.LockAttempts; attempt++ {
		var acquired bool
		err := service.circuit.Do(func() error {
			var setErr error
			acquired, setErr = service.locks.SetIfAbsent(ctx, key, token, service.config.LockTTL)
			return setErr
		})
		if err != nil {
			if errors.Is(err, breaker.ErrCircuitOpen) {
				return "", false, err
			}
			service.log.Warn("user lock attempt failed",
				zap.String("user_id", userID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else if acquired {
			return token, true, nil
		}
		if attempt < service.config.LockAttempts {
			if sleepErr := service.sleepFn(ctx, time.Duration(attempt)*service.config.LockRetryDelay); sleepErr != nil {
				return "", false, sleepErr
			}
		}
	}
	if service.circuit.State() != breaker.StateClosed {
		return "", false, breaker.ErrCircuitOpen
	}
	return "", false, nil
}

// releaseUserLock deletes only the exact token this attempt owns. Failures
// are logged, not propagated: the TTL reclaims the key regardless.
func (service *Service) releaseUserLock(userID string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := userLockKeyPrefix + userID
	err := service.circuit.Do(func() error {
		_, deleteErr := service.locks.CompareAndDelete(ctx, key, token)
		return deleteErr
	})
	if err != nil && !errors.Is(err, breaker.ErrCircuitOpen) {
		service.log.Warn("user lock release failed, ttl will reclaim it",
			zap.String("user_id", userID),
			zap.Error(err))
	}
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
