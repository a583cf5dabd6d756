package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/auctionworks/settle/internal/auction"
	"github.com/auctionworks/settle/pkg/ledger"
)

const (
	errorSubjectAuction = "auction"
	errorSubjectBid     = "bid"
	errorCodeDemote     = "demote"
)

// Auctions implements auction.Store using GORM.
type Auctions struct {
	db *gorm.DB
}

// NewAuctions returns an auction store backed by gorm.DB.
func NewAuctions(db *gorm.DB) *Auctions {
	return &Auctions{db: db}
}

// WithTx executes fn within a transaction.
func (store *Auctions) WithTx(ctx context.Context, fn func(ctx context.Context, txStore auction.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Auctions{db: transaction})
	})
	return classifyConflict(err)
}

func (store *Auctions) GetAuction(ctx context.Context, auctionID string) (auction.Auction, error) {
	return store.getAuction(ctx, auctionID, false)
}

// GetAuctionForUpdate locks the auction row, serializing commits per auction.
func (store *Auctions) GetAuctionForUpdate(ctx context.Context, auctionID string) (auction.Auction, error) {
	return store.getAuction(ctx, auctionID, true)
}

func (store *Auctions) getAuction(ctx context.Context, auctionID string, forUpdate bool) (auction.Auction, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Auction
	err := query.Where("auction_id = ?", auctionID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return auction.Auction{}, wrapStoreError(errorSubjectAuction, errorCodeGet, auction.ErrAuctionNotFound)
	}
	if err != nil {
		return auction.Auction{}, wrapStoreError(errorSubjectAuction, errorCodeGet, classifyConflict(err))
	}
	winnerID := ""
	if model.CurrentWinnerID != nil {
		winnerID = *model.CurrentWinnerID
	}
	return auction.Auction{
		AuctionID:         model.AuctionID,
		CurrentPriceCents: ledger.AmountCents(model.CurrentPriceCents),
		CurrentWinnerID:   winnerID,
		Status:            auction.Status(model.Status),
	}, nil
}

// CreateAuction is insert-only; a duplicate ID maps to ErrAuctionExists so
// an existing auction can never be reset through Create.
func (store *Auctions) CreateAuction(ctx context.Context, record auction.Auction) error {
	model := Auction{
		AuctionID:         record.AuctionID,
		CurrentPriceCents: int64(record.CurrentPriceCents),
		Status:            string(record.Status),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isDuplicateKey(err) {
		return wrapStoreError(errorSubjectAuction, errorCodeCreate, auction.ErrAuctionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAuction, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func (store *Auctions) SaveAuction(ctx context.Context, record auction.Auction) error {
	var winnerID *string
	if record.CurrentWinnerID != "" {
		value := record.CurrentWinnerID
		winnerID = &value
	}
	model := Auction{
		AuctionID:         record.AuctionID,
		CurrentPriceCents: int64(record.CurrentPriceCents),
		CurrentWinnerID:   winnerID,
		Status:            string(record.Status),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "auction_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"current_price_cents", "current_winner_id", "status", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectAuction, errorCodeSave, classifyConflict(err))
	}
	return nil
}

func (store *Auctions) CreateBid(ctx context.Context, bid auction.Bid) error {
	model := Bid{
		BidID:         bid.BidID,
		AuctionID:     bid.AuctionID,
		UserID:        bid.UserID,
		AmountCents:   int64(bid.AmountCents),
		ReservationID: bid.ReservationID,
		IsWinning:     bid.IsWinning,
		PlacedAt:      time.Unix(bid.PlacedUnixUTC, 0).UTC(),
	}
	if bid.Metadata != "" {
		model.Metadata = []byte(bid.Metadata)
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectBid, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func (store *Auctions) GetWinningBid(ctx context.Context, auctionID string) (auction.Bid, bool, error) {
	var model Bid
	err := store.db.WithContext(ctx).
		Where("auction_id = ? AND is_winning = ?", auctionID, true).
		Order("placed_at DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return auction.Bid{}, false, nil
	}
	if err != nil {
		return auction.Bid{}, false, wrapStoreError(errorSubjectBid, errorCodeGet, classifyConflict(err))
	}
	return auction.Bid{
		BidID:         model.BidID,
		AuctionID:     model.AuctionID,
		UserID:        model.UserID,
		AmountCents:   ledger.AmountCents(model.AmountCents),
		ReservationID: model.ReservationID,
		IsWinning:     model.IsWinning,
		PlacedUnixUTC: model.PlacedAt.Unix(),
		Metadata:      string(model.Metadata),
	}, true, nil
}

func (store *Auctions) DemoteBid(ctx context.Context, bidID string) error {
	result := store.db.WithContext(ctx).
		Model(&Bid{}).
		Where("bid_id = ?", bidID).
		Update("is_winning", false)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBid, errorCodeDemote, classifyConflict(result.Error))
	}
	return nil
}
