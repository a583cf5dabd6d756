// Package ws is the client-facing surface: a JSON HTTP API for auction and
// wallet administration plus one websocket per (user, auction) for bidding
// and live updates.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auctionworks/settle/internal/auction"
	"github.com/auctionworks/settle/internal/bidding"
	"github.com/auctionworks/settle/internal/broadcast"
	"github.com/auctionworks/settle/pkg/ledger"
)

// BidPlacer is the coordinator surface the server needs.
type BidPlacer interface {
	PlaceBid(ctx context.Context, userID string, auctionID string, amount ledger.AmountCents) (bidding.Placed, error)
	Settle(ctx context.Context, auctionID string) (auction.Auction, error)
}

// AuctionDirectory reads and creates auction records.
type AuctionDirectory interface {
	Create(ctx context.Context, auctionID string, startPrice ledger.AmountCents) error
	Snapshot(ctx context.Context, auctionID string) (auction.Auction, error)
}

// EventStream is the broadcaster surface the server needs.
type EventStream interface {
	Subscribe(auctionID string) *broadcast.Subscription
	Replay(ctx context.Context, auctionID string, after int64) (broadcast.Replayed, error)
}

// Wallet grants and reads account balances.
type Wallet interface {
	Grant(ctx context.Context, userID string, amount ledger.AmountCents) error
	Balance(ctx context.Context, userID string) (ledger.Balance, error)
}

// Server wires the HTTP/websocket surface over the engine.
type Server struct {
	bids          BidPlacer
	auctions      AuctionDirectory
	events        EventStream
	wallet        Wallet
	upgrader      websocket.Upgrader
	bidRateLimit  int
	bidRateWindow time.Duration
	log           *zap.Logger
}

// NewServer builds a Server. allowedOrigins guards the websocket upgrade; an
// empty list allows same-host clients only.
func NewServer(bids BidPlacer, auctions AuctionDirectory, events EventStream, wallet Wallet, allowedOrigins []string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		bids:     bids,
		auctions: auctions,
		events:   events,
		wallet:   wallet,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		bidRateLimit:  defaultBidRateLimit,
		bidRateWindow: defaultBidRateWindow,
		log:           log,
	}
}

// Router assembles the gin engine.
func (server *Server) Router(allowedOrigins []string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(allowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     allowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/auctions", server.handleCreateAuction)
	api.GET("/auctions/:auction_id", server.handleAuctionSnapshot)
	api.POST("/auctions/:auction_id/settle", server.handleSettle)
	api.POST("/users/:user_id/grants", server.handleGrant)
	api.GET("/users/:user_id/balance", server.handleBalance)

	router.GET("/ws/auctions/:auction_id", server.handleWebsocket)
	return router
}

// Run serves the router until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context, listenAddr string, allowedOrigins []string) error {
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: server.Router(allowedOrigins),
	}

	errCh := make(chan error, 1)
	go func() {
		server.log.Info("listening", zap.String("addr", listenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.log.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type createAuctionRequest struct {
	AuctionID       string `json:"auction_id" binding:"required"`
	StartPriceCents int64  `json:"start_price_cents"`
}

func (server *Server) handleCreateAuction(ctx *gin.Context) {
	var request createAuctionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with auction_id"))
		return
	}
	if err := server.auctions.Create(ctx.Request.Context(), request.AuctionID, ledger.AmountCents(request.StartPriceCents)); err != nil {
		if errors.Is(err, auction.ErrAuctionExists) {
			ctx.JSON(http.StatusConflict, errorResponse("auction_exists", "auction id already in use"))
			return
		}
		server.log.Error("create auction failed", zap.Error(err))
		ctx.JSON(httpStatusFor(err), errorResponse("create_failed", err.Error()))
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"auction_id": request.AuctionID})
}

func (server *Server) handleAuctionSnapshot(ctx *gin.Context) {
	snapshot, err := server.auctions.Snapshot(ctx.Request.Context(), ctx.Param("auction_id"))
	if err != nil {
		ctx.JSON(httpStatusFor(err), errorResponse("auction_not_found", "unknown auction"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"auction_id":          snapshot.AuctionID,
		"current_price_cents": int64(snapshot.CurrentPriceCents),
		"current_winner_id":   snapshot.CurrentWinnerID,
		"status":              string(snapshot.Status),
	})
}

func (server *Server) handleSettle(ctx *gin.Context) {
	ended, err := server.bids.Settle(ctx.Request.Context(), ctx.Param("auction_id"))
	if err != nil {
		server.log.Error("settle failed", zap.Error(err))
		ctx.JSON(httpStatusFor(err), errorResponse("settle_failed", err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"auction_id":        ended.AuctionID,
		"status":            string(ended.Status),
		"final_price_cents": int64(ended.CurrentPriceCents),
		"winner_id":         ended.CurrentWinnerID,
	})
}

type grantRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required"`
}

func (server *Server) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with amount_cents"))
		return
	}
	userID := ctx.Param("user_id")
	if err := server.wallet.Grant(ctx.Request.Context(), userID, ledger.AmountCents(request.AmountCents)); err != nil {
		ctx.JSON(httpStatusFor(err), errorResponse("grant_failed", err.Error()))
		return
	}
	server.respondWithBalance(ctx, userID)
}

func (server *Server) handleBalance(ctx *gin.Context) {
	server.respondWithBalance(ctx, ctx.Param("user_id"))
}

func (server *Server) respondWithBalance(ctx *gin.Context, userID string) {
	balance, err := server.wallet.Balance(ctx.Request.Context(), userID)
	if err != nil {
		ctx.JSON(httpStatusFor(err), errorResponse("balance_failed", err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":         userID,
		"total_cents":     int64(balance.TotalCents),
		"locked_cents":    int64(balance.LockedCents),
		"available_cents": int64(balance.AvailableCents),
	})
}

func (server *Server) handleWebsocket(ctx *gin.Context) {
	auctionID := ctx.Param("auction_id")
	userID := strings.TrimSpace(ctx.Query("user_id"))
	if userID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_user_id", "user_id query parameter is required"))
		return
	}

	socket, err := server.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		server.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	newConnection(server, socket, userID, auctionID).serve(ctx.Request.Context())
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound), errors.Is(err, ledger.ErrUnknownReservation):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrAuctionNotActive), errors.Is(err, auction.ErrAuctionExists):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidAuctionID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return nil // gorilla's default: same-host only
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = struct{}{}
	}
	return func(request *http.Request) bool {
		if wildcard {
			return true
		}
		origin := request.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
