package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/auctionworks/settle/internal/auction"
	"github.com/auctionworks/settle/internal/bidding"
	"github.com/auctionworks/settle/internal/breaker"
	"github.com/auctionworks/settle/internal/broadcast"
	"github.com/auctionworks/settle/internal/lockstore"
	"github.com/auctionworks/settle/internal/reservation"
	"github.com/auctionworks/settle/internal/store/gormstore"
	"github.com/auctionworks/settle/internal/taskqueue"
	"github.com/auctionworks/settle/pkg/ledger"
)

func taskWorker() *taskqueue.Worker {
	return taskqueue.NewWorker(64, 3, nil)
}

type harness struct {
	server      *httptest.Server
	web         *Server
	ledger      *ledger.Service
	coordinator *bidding.Coordinator
	registry    *auction.Registry
}

func mustHarness(test *testing.T) *harness {
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
	now := func() int64 { return time.Now().Unix() }

	ledgerService, err := ledger.NewService(gormstore.NewLedger(db), now)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	registry, err := auction.NewRegistry(gormstore.NewAuctions(db), now, nil)
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	locks := lockstore.NewMemory()
	circuit := breaker.New(5, time.Minute, nil)
	reservations, err := reservation.NewService(ledgerService, locks, circuit, reservation.Config{}, nil)
	if err != nil {
		test.Fatalf("reservations: %v", err)
	}
	broadcaster := broadcast.New(locks, circuit, nil, broadcast.Config{}, nil)
	worker := taskWorker()
	coordinator, err := bidding.NewCoordinator(reservations, registry, worker, broadcaster, bidding.Config{}, now, nil)
	if err != nil {
		test.Fatalf("coordinator: %v", err)
	}
	bidding.RegisterJobs(worker, reservations, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	webServer := NewServer(coordinator, registry, broadcaster, ledgerService, []string{"*"}, nil)
	httpServer := httptest.NewServer(webServer.Router(nil))
	test.Cleanup(func() {
		cancel()
		httpServer.Close()
	})
	return &harness{
		server:      httpServer,
		web:         webServer,
		ledger:      ledgerService,
		coordinator: coordinator,
		registry:    registry,
	}
}

func (h *harness) dial(test *testing.T, auctionID string, userID string) *websocket.Conn {
	test.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/auctions/" + auctionID + "?user_id=" + userID
	socket, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		test.Fatalf("dial %s: %v", url, err)
	}
	test.Cleanup(func() { socket.Close() })
	return socket
}

// readUntil reads messages until one of the wanted type arrives.
func readUntil(test *testing.T, socket *websocket.Conn, wantType string) map[string]any {
	test.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = socket.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var message map[string]any
		if err := socket.ReadJSON(&message); err != nil {
			test.Fatalf("read waiting for %q: %v", wantType, err)
		}
		if message["type"] == wantType {
			return message
		}
	}
	test.Fatalf("never received %q", wantType)
	return nil
}

func TestWebsocketSendsInitialState(test *testing.T) {
	h := mustHarness(test)
	ctx := context.Background()
	if err := h.registry.Create(ctx, "auction-1", 1_000); err != nil {
		test.Fatalf("create auction: %v", err)
	}

	socket := h.dial(test, "auction-1", "user-a")
	state := readUntil(test, socket, "initial_state")
	if state["auction_id"] != "auction-1" || state["current_price_cents"] != float64(1_000) {
		test.Fatalf("unexpected initial state: %v", state)
	}
	if state["status"] != "active" {
		test.Fatalf("expected active auction, got %v", state["status"])
	}
}

func TestWebsocketBidFlow(test *testing.T) {
	h := mustHarness(test)
	ctx := context.Background()
	if err := h.registry.Create(ctx, "auction-1", 1_000); err != nil {
		test.Fatalf("create auction: %v", err)
	}
	if err := h.ledger.Grant(ctx, "user-a", 10_000); err != nil {
		test.Fatalf("grant: %v", err)
	}

	socket := h.dial(test, "auction-1", "user-a")
	readUntil(test, socket, "initial_state")

	bid, _ := json.Marshal(map[string]any{"type": "bid", "amount_cents": 5_000})
	if err := socket.WriteMessage(websocket.TextMessage, bid); err != nil {
		test.Fatalf("send bid: %v", err)
	}

	result := readUntil(test, socket, "bid_result")
	if result["accepted"] != true {
		test.Fatalf("bid must be accepted: %v", result)
	}
	update := readUntil(test, socket, "bid_update")
	if update["amount_cents"] != float64(5_000) || update["user_id"] != "user-a" {
		test.Fatalf("unexpected bid update: %v", update)
	}
	if update["sequence"] != float64(1) {
		test.Fatalf("first event must carry sequence 1: %v", update)
	}
}

func TestWebsocketRejectsInsufficientFunds(test *testing.T) {
	h := mustHarness(test)
	ctx := context.Background()
	if err := h.registry.Create(ctx, "auction-1", 1_000); err != nil {
		test.Fatalf("create auction: %v", err)
	}

	socket := h.dial(test, "auction-1", "user-poor")
	readUntil(test, socket, "initial_state")

	bid, _ := json.Marshal(map[string]any{"type": "bid", "amount_cents": 5_000})
	if err := socket.WriteMessage(websocket.TextMessage, bid); err != nil {
		test.Fatalf("send bid: %v", err)
	}
	result := readUntil(test, socket, "bid_result")
	if result["accepted"] != false || result["code"] != "insufficient_funds" {
		test.Fatalf("expected insufficient_funds rejection: %v", result)
	}
}

func TestWebsocketRateLimitsBids(test *testing.T) {
	h := mustHarness(test)
	h.web.bidRateLimit = 2
	ctx := context.Background()
	if err := h.registry.Create(ctx, "auction-1", 1_000); err != nil {
		test.Fatalf("create auction: %v", err)
	}

	socket := h.dial(test, "auction-1", "user-poor")
	readUntil(test, socket, "initial_state")

	bid, _ := json.Marshal(map[string]any{"type": "bid", "amount_cents": 5_000})
	for i := 0; i < 2; i++ {
		if err := socket.WriteMessage(websocket.TextMessage, bid); err != nil {
			test.Fatalf("send bid %d: %v", i, err)
		}
		result := readUntil(test, socket, "bid_result")
		if result["code"] != "insufficient_funds" {
			test.Fatalf("bids under the cap must reach the engine: %v", result)
		}
	}

	if err := socket.WriteMessage(websocket.TextMessage, bid); err != nil {
		test.Fatalf("send bid over cap: %v", err)
	}
	result := readUntil(test, socket, "bid_result")
	if result["accepted"] != false || result["code"] != "rate_limited" {
		test.Fatalf("expected rate_limited rejection: %v", result)
	}
}

func TestWebsocketReconnectSync(test *testing.T) {
	h := mustHarness(test)
	ctx := context.Background()
	if err := h.registry.Create(ctx, "auction-1", 1_000); err != nil {
		test.Fatalf("create auction: %v", err)
	}
	for i, user := range []string{"user-a", "user-b", "user-c"} {
		if err := h.ledger.Grant(ctx, user, 100_000); err != nil {
			test.Fatalf("grant: %v", err)
		}
		if _, err := h.coordinator.PlaceBid(ctx, user, "auction-1", ledger.AmountCents(2_000+int64(i)*1_000)); err != nil {
			test.Fatalf("place bid %d: %v", i, err)
		}
	}

	socket := h.dial(test, "auction-1", "user-late")
	readUntil(test, socket, "initial_state")

	sync, _ := json.Marshal(map[string]any{"type": "sync_request", "last_sequence": 1})
	if err := socket.WriteMessage(websocket.TextMessage, sync); err != nil {
		test.Fatalf("send sync: %v", err)
	}
	resync := readUntil(test, socket, "reconnect_sync")
	if resync["missed_count"] != float64(2) || resync["truncated"] != false {
		test.Fatalf("expected 2 missed events: %v", resync)
	}
}

func TestConcurrentBiddingKeepsLedgerConsistent(test *testing.T) {
	h := mustHarness(test)
	ctx := context.Background()
	if err := h.registry.Create(ctx, "auction-1", 1_000); err != nil {
		test.Fatalf("create auction: %v", err)
	}
	users := []string{"user-a", "user-b", "user-c"}
	for _, user := range users {
		if err := h.ledger.Grant(ctx, user, 100_000); err != nil {
			test.Fatalf("grant: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i, user := range users {
		wg.Add(1)
		go func(user string, amount int64) {
			defer wg.Done()
			// Losing a race to a higher bid or a row lock is expected here;
			// only ledger consistency is asserted below.
			_, _ = h.coordinator.PlaceBid(ctx, user, "auction-1", ledger.AmountCents(amount))
		}(user, 2_000+int64(i)*1_000)
	}
	wg.Wait()

	snapshot, err := h.registry.Snapshot(ctx, "auction-1")
	if err != nil {
		test.Fatalf("snapshot: %v", err)
	}
	if snapshot.CurrentWinnerID == "" || snapshot.CurrentPriceCents <= 1_000 {
		test.Fatalf("at least one bid must have committed: %+v", snapshot)
	}
	winning, found, err := h.registry.WinningBid(ctx, "auction-1")
	if err != nil || !found {
		test.Fatalf("winning bid: found=%v err=%v", found, err)
	}
	if winning.UserID != snapshot.CurrentWinnerID || winning.AmountCents != snapshot.CurrentPriceCents {
		test.Fatalf("winning bid disagrees with auction: %+v vs %+v", winning, snapshot)
	}

	// Displaced reservations are released asynchronously; wait for the total
	// locked across all users to converge on the winning amount.
	deadline := time.Now().Add(3 * time.Second)
	for {
		var lockedTotal ledger.AmountCents
		for _, user := range users {
			balance, balanceErr := h.ledger.Balance(ctx, user)
			if balanceErr != nil {
				test.Fatalf("balance %s: %v", user, balanceErr)
			}
			if balance.TotalCents != 100_000 {
				test.Fatalf("no funds are spent before settlement: %s %+v", user, balance)
			}
			if balance.LockedCents < 0 || balance.LockedCents > balance.TotalCents {
				test.Fatalf("ledger invariant broken for %s: %+v", user, balance)
			}
			lockedTotal += balance.LockedCents
		}
		if lockedTotal == snapshot.CurrentPriceCents {
			break
		}
		if time.Now().After(deadline) {
			test.Fatalf("locked total never converged: locked=%d price=%d",
				lockedTotal, snapshot.CurrentPriceCents)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHTTPAuctionAndWalletEndpoints(test *testing.T) {
	h := mustHarness(test)

	createBody := strings.NewReader(`{"auction_id":"auction-9","start_price_cents":500}`)
	createResp, err := http.Post(h.server.URL+"/api/auctions", "application/json", createBody)
	if err != nil {
		test.Fatalf("create auction: %v", err)
	}
	createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		test.Fatalf("create auction status %d", createResp.StatusCode)
	}

	grantBody := strings.NewReader(`{"amount_cents":10000}`)
	grantResp, err := http.Post(h.server.URL+"/api/users/user-a/grants", "application/json", grantBody)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	defer grantResp.Body.Close()
	if grantResp.StatusCode != http.StatusOK {
		test.Fatalf("grant status %d", grantResp.StatusCode)
	}
	var wallet map[string]any
	if err := json.NewDecoder(grantResp.Body).Decode(&wallet); err != nil {
		test.Fatalf("decode wallet: %v", err)
	}
	if wallet["available_cents"] != float64(10_000) {
		test.Fatalf("unexpected wallet: %v", wallet)
	}

	snapshotResp, err := http.Get(h.server.URL + "/api/auctions/auction-9")
	if err != nil {
		test.Fatalf("snapshot: %v", err)
	}
	defer snapshotResp.Body.Close()
	var snapshot map[string]any
	if err := json.NewDecoder(snapshotResp.Body).Decode(&snapshot); err != nil {
		test.Fatalf("decode snapshot: %v", err)
	}
	if snapshot["current_price_cents"] != float64(500) || snapshot["status"] != "active" {
		test.Fatalf("unexpected snapshot: %v", snapshot)
	}

	missingResp, err := http.Get(h.server.URL + "/api/auctions/nope")
	if err != nil {
		test.Fatalf("missing snapshot: %v", err)
	}
	missingResp.Body.Close()
	if missingResp.StatusCode != http.StatusNotFound {
		test.Fatalf("missing auction status %d", missingResp.StatusCode)
	}
}
