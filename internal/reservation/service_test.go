package reservation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/auctionworks/settle/internal/breaker"
	"github.com/auctionworks/settle/internal/lockstore"
	"github.com/auctionworks/settle/internal/store/gormstore"
	"github.com/auctionworks/settle/pkg/ledger"
)

// failingLockStore always errors, driving the breaker open.
type failingLockStore struct{}

func (failingLockStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return false, lockstore.ErrUnavailable
}

func (failingLockStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	return false, lockstore.ErrUnavailable
}

func (failingLockStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, lockstore.ErrUnavailable
}

func (failingLockStore) Append(ctx context.Context, key string, sequence int64, payload []byte, ttl time.Duration, keep int64) error {
	return lockstore.ErrUnavailable
}

func (failingLockStore) RangeAfter(ctx context.Context, key string, after int64) ([]lockstore.Entry, error) {
	return nil, lockstore.ErrUnavailable
}

func mustLedger(test *testing.T) *ledger.Service {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	service, err := ledger.NewService(gormstore.NewLedger(db), func() int64 { return time.Now().Unix() })
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	return service
}

func mustService(test *testing.T, ledgerService *ledger.Service, locks lockstore.Store, circuit *breaker.Breaker) *Service {
	test.Helper()
	service, err := NewService(ledgerService, locks, circuit, Config{
		LockTTL:        time.Second,
		LockAttempts:   2,
		LockRetryDelay: time.Millisecond,
	}, nil)
	if err != nil {
		test.Fatalf("reservation service: %v", err)
	}
	return service
}

func TestReserveAcquiresAndReleasesUserLock(test *testing.T) {
	test.Parallel()
	ledgerService := mustLedger(test)
	locks := lockstore.NewMemory()
	service := mustService(test, ledgerService, locks, breaker.New(5, time.Minute, nil))
	ctx := context.Background()

	if err := ledgerService.Grant(ctx, "user-a", 10_000); err != nil {
		test.Fatalf("grant: %v", err)
	}
	result, err := service.Reserve(ctx, "user-a", "auction-1", 5_000)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if result.Degraded {
		test.Fatalf("healthy path must not be degraded")
	}
	if result.Reservation.State != ledger.ReservationLocked {
		test.Fatalf("expected locked reservation, got %s", result.Reservation.State)
	}

	// The user lock must be gone so the next attempt can proceed.
	acquired, err := locks.SetIfAbsent(ctx, "bid:lock:user:user-a", "probe", time.Second)
	if err != nil || !acquired {
		test.Fatalf("user lock must be released after reserve: acquired=%v err=%v", acquired, err)
	}
}

func TestReserveTimesOutWhenLockHeld(test *testing.T) {
	test.Parallel()
	ledgerService := mustLedger(test)
	locks := lockstore.NewMemory()
	service := mustService(test, ledgerService, locks, breaker.New(5, time.Minute, nil))
	ctx := context.Background()

	if acquired, _ := locks.SetIfAbsent(ctx, "bid:lock:user:user-a", "other-holder", time.Minute); !acquired {
		test.Fatalf("seed lock failed")
	}
	_, err := service.Reserve(ctx, "user-a", "auction-1", 5_000)
	if !errors.Is(err, ErrLockTimeout) {
		test.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	balance, balanceErr := ledgerService.Balance(ctx, "user-a")
	if balanceErr != nil {
		test.Fatalf("balance: %v", balanceErr)
	}
	if balance.LockedCents != 0 {
		test.Fatalf("timed-out reserve must not lock funds: %+v", balance)
	}
}

func TestReserveDegradesWhenBreakerOpens(test *testing.T) {
	test.Parallel()
	ledgerService := mustLedger(test)
	circuit := breaker.New(2, time.Minute, nil)
	service := mustService(test, ledgerService, failingLockStore{}, circuit)
	ctx := context.Background()

	if err := ledgerService.Grant(ctx, "user-a", 10_000); err != nil {
		test.Fatalf("grant: %v", err)
	}

	// The first call burns through the failure threshold and falls back to
	// the ledger lock within the same attempt.
	first, err := service.Reserve(ctx, "user-a", "auction-1", 5_000)
	if err != nil {
		test.Fatalf("first reserve: %v", err)
	}
	if !first.Degraded {
		test.Fatalf("reserve with failing lock store must be flagged degraded")
	}
	if circuit.State() != breaker.StateOpen {
		test.Fatalf("expected open breaker, got %s", circuit.State())
	}

	// With the breaker already open the next call skips the lock store
	// entirely and still reserves correctly.
	second, err := service.Reserve(ctx, "user-a", "auction-2", 4_000)
	if err != nil {
		test.Fatalf("degraded reserve: %v", err)
	}
	if !second.Degraded {
		test.Fatalf("reserve during open breaker must be flagged degraded")
	}
	balance, _ := ledgerService.Balance(ctx, "user-a")
	if balance.LockedCents != 9_000 || balance.AvailableCents != 1_000 {
		test.Fatalf("degraded reserves must still lock funds: %+v", balance)
	}
}

func TestReserveSurfacesLedgerErrors(test *testing.T) {
	test.Parallel()
	ledgerService := mustLedger(test)
	service := mustService(test, ledgerService, lockstore.NewMemory(), breaker.New(5, time.Minute, nil))
	ctx := context.Background()

	_, err := service.Reserve(ctx, "user-a", "auction-1", 5_000)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}
