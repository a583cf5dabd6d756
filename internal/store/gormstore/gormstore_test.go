package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/auctionworks/settle/internal/auction"
	"github.com/auctionworks/settle/pkg/ledger"
)

func mustOpenDB(test *testing.T) *gorm.DB {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return db
}

func mustLedgerService(test *testing.T, db *gorm.DB) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(NewLedger(db), func() int64 { return time.Now().Unix() })
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	return service
}

func TestLedgerRoundTrip(test *testing.T) {
	test.Parallel()
	db := mustOpenDB(test)
	service := mustLedgerService(test, db)
	ctx := context.Background()

	if err := service.Grant(ctx, "user-a", 10_000); err != nil {
		test.Fatalf("grant: %v", err)
	}
	reservation, err := service.Reserve(ctx, "user-a", "auction-1", 5_000)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	balance, err := service.Balance(ctx, "user-a")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.TotalCents != 10_000 || balance.LockedCents != 5_000 || balance.AvailableCents != 5_000 {
		test.Fatalf("unexpected balance: %+v", balance)
	}

	if err := service.Release(ctx, "user-a", reservation.ReservationID); err != nil {
		test.Fatalf("release: %v", err)
	}
	balance, err = service.Balance(ctx, "user-a")
	if err != nil {
		test.Fatalf("balance after release: %v", err)
	}
	if balance.LockedCents != 0 || balance.TotalCents != 10_000 {
		test.Fatalf("release must return funds: %+v", balance)
	}
}

func TestReservationStateGuardAgainstDoubleTransition(test *testing.T) {
	test.Parallel()
	db := mustOpenDB(test)
	store := NewLedger(db)
	ctx := context.Background()

	reservation := ledger.Reservation{
		UserID:         "user-a",
		AuctionID:      "auction-1",
		AmountCents:    1_000,
		State:          ledger.ReservationLocked,
		CreatedUnixUTC: time.Now().Unix(),
	}
	reservation.ReservationID = "res-guard"
	if err := store.CreateReservation(ctx, reservation); err != nil {
		test.Fatalf("create reservation: %v", err)
	}
	if err := store.UpdateReservationState(ctx, "res-guard", ledger.ReservationLocked, ledger.ReservationReleased); err != nil {
		test.Fatalf("first transition: %v", err)
	}
	err := store.UpdateReservationState(ctx, "res-guard", ledger.ReservationLocked, ledger.ReservationConsumed)
	if !errors.Is(err, ledger.ErrReservationClosed) {
		test.Fatalf("expected ErrReservationClosed on second transition, got %v", err)
	}
}

func TestListStaleLockedFiltersByAgeAndState(test *testing.T) {
	test.Parallel()
	db := mustOpenDB(test)
	store := NewLedger(db)
	ctx := context.Background()

	old := time.Now().Add(-10 * time.Minute)
	stale := Reservation{ReservationID: "res-old", UserID: "u", AuctionID: "a", AmountCents: 100, State: ledger.ReservationLocked.String(), CreatedAt: old}
	fresh := Reservation{ReservationID: "res-new", UserID: "u", AuctionID: "b", AmountCents: 100, State: ledger.ReservationLocked.String(), CreatedAt: time.Now()}
	released := Reservation{ReservationID: "res-done", UserID: "u", AuctionID: "c", AmountCents: 100, State: ledger.ReservationReleased.String(), CreatedAt: old}
	for _, row := range []Reservation{stale, fresh, released} {
		if err := db.Create(&row).Error; err != nil {
			test.Fatalf("seed reservation: %v", err)
		}
	}

	listed, err := store.ListStaleLocked(ctx, time.Now().Add(-5*time.Minute), 10)
	if err != nil {
		test.Fatalf("list stale: %v", err)
	}
	if len(listed) != 1 || listed[0].ReservationID != "res-old" {
		test.Fatalf("unexpected stale set: %+v", listed)
	}
}

func TestAuctionCommitFlow(test *testing.T) {
	test.Parallel()
	db := mustOpenDB(test)
	registry, err := auction.NewRegistry(NewAuctions(db), func() int64 { return time.Now().Unix() }, nil)
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	ctx := context.Background()

	if err := registry.Create(ctx, "auction-1", 0); err != nil {
		test.Fatalf("create auction: %v", err)
	}
	first, err := registry.CommitBid(ctx, "auction-1", "user-a", 5_000, "res-a")
	if err != nil {
		test.Fatalf("first commit: %v", err)
	}
	second, err := registry.CommitBid(ctx, "auction-1", "user-b", 6_000, "res-b")
	if err != nil {
		test.Fatalf("second commit: %v", err)
	}
	if second.Previous == nil || second.Previous.ReservationID != "res-a" {
		test.Fatalf("expected displaced previous winner, got %+v", second.Previous)
	}

	var winning []Bid
	if err := db.Where("auction_id = ? AND is_winning = ?", "auction-1", true).Find(&winning).Error; err != nil {
		test.Fatalf("query winning bids: %v", err)
	}
	if len(winning) != 1 || winning[0].BidID != second.Bid.BidID {
		test.Fatalf("expected exactly the new bid winning, got %+v", winning)
	}
	if winning[0].BidID == first.Bid.BidID {
		test.Fatalf("previous bid must be demoted")
	}

	snapshot, err := registry.Snapshot(ctx, "auction-1")
	if err != nil {
		test.Fatalf("snapshot: %v", err)
	}
	if snapshot.CurrentPriceCents != 6_000 || snapshot.CurrentWinnerID != "user-b" {
		test.Fatalf("unexpected auction snapshot: %+v", snapshot)
	}
}

func TestFirstTouchAccountCreateSurvivesExistingRow(test *testing.T) {
	test.Parallel()
	db := mustOpenDB(test)
	store := NewLedger(db)
	ctx := context.Background()

	// Seed the row a racing transaction would have inserted; the first-touch
	// path must come back with it untouched instead of failing on the
	// duplicate key.
	seeded := Account{UserID: "user-a", TotalCents: 7_500, LockedCents: 500}
	if err := db.Create(&seeded).Error; err != nil {
		test.Fatalf("seed account: %v", err)
	}
	account, err := store.GetAccountForUpdate(ctx, "user-a")
	if err != nil {
		test.Fatalf("get for update: %v", err)
	}
	if account.TotalCents != 7_500 || account.LockedCents != 500 {
		test.Fatalf("existing balances must survive first-touch create: %+v", account)
	}

	fresh, err := store.GetAccountForUpdate(ctx, "user-new")
	if err != nil {
		test.Fatalf("first touch: %v", err)
	}
	if fresh.TotalCents != 0 || fresh.LockedCents != 0 {
		test.Fatalf("new account must start at zero: %+v", fresh)
	}
}

func TestConcurrentFirstGrantsForNewUser(test *testing.T) {
	test.Parallel()
	db := mustOpenDB(test)
	service := mustLedgerService(test, db)
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- service.Grant(ctx, "user-fresh", 1_000) }()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			test.Fatalf("concurrent first grant: %v", err)
		}
	}
	balance, err := service.Balance(ctx, "user-fresh")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.TotalCents != 2_000 {
		test.Fatalf("both grants must land: %+v", balance)
	}
}

func TestCreateAuctionRefusesDuplicateID(test *testing.T) {
	test.Parallel()
	db := mustOpenDB(test)
	registry, err := auction.NewRegistry(NewAuctions(db), func() int64 { return time.Now().Unix() }, nil)
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	ctx := context.Background()

	if err := registry.Create(ctx, "auction-1", 1_000); err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := registry.CommitBid(ctx, "auction-1", "user-a", 5_000, "res-a"); err != nil {
		test.Fatalf("bid: %v", err)
	}
	if _, err := registry.End(ctx, "auction-1"); err != nil {
		test.Fatalf("end: %v", err)
	}

	if err := registry.Create(ctx, "auction-1", 0); !errors.Is(err, auction.ErrAuctionExists) {
		test.Fatalf("expected ErrAuctionExists, got %v", err)
	}
	snapshot, err := registry.Snapshot(ctx, "auction-1")
	if err != nil {
		test.Fatalf("snapshot: %v", err)
	}
	if snapshot.Status != auction.StatusEnded || snapshot.CurrentPriceCents != 5_000 {
		test.Fatalf("duplicate create must not reset the auction: %+v", snapshot)
	}
}

func TestClassifyConflictMapsDeadlockText(test *testing.T) {
	test.Parallel()
	err := classifyConflict(errors.New("driver: deadlock detected"))
	if !errors.Is(err, ledger.ErrTxConflict) {
		test.Fatalf("expected ErrTxConflict, got %v", err)
	}
	plain := errors.New("some other failure")
	if got := classifyConflict(plain); !errors.Is(got, plain) || errors.Is(got, ledger.ErrTxConflict) {
		test.Fatalf("non-conflict errors must pass through, got %v", got)
	}
}
