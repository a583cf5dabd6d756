package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account mirrors the accounts table.
type Account struct {
	UserID      string    `gorm:"primaryKey"`
	TotalCents  int64     `gorm:"not null;default:0"`
	LockedCents int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID string    `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"not null;index:idx_reservations_user_auction_state,priority:1"`
	AuctionID     string    `gorm:"not null;index:idx_reservations_user_auction_state,priority:2"`
	AmountCents   int64     `gorm:"not null"`
	State         string    `gorm:"not null;index:idx_reservations_user_auction_state,priority:3;index:idx_reservations_state_created,priority:1"`
	CreatedAt     time.Time `gorm:"not null;index:idx_reservations_state_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}

// Auction mirrors the auctions table.
type Auction struct {
	AuctionID         string    `gorm:"primaryKey"`
	CurrentPriceCents int64     `gorm:"not null;default:0"`
	CurrentWinnerID   *string   `gorm:""`
	Status            string    `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Auction) TableName() string { return "auctions" }

// Bid mirrors the bids table. Rows are append-only; only the winning flag is
// ever updated.
type Bid struct {
	BidID         string         `gorm:"type:uuid;primaryKey"`
	AuctionID     string         `gorm:"not null;index:idx_bids_auction_placed,priority:1;index:idx_bids_auction_winning,priority:1"`
	UserID        string         `gorm:"not null"`
	AmountCents   int64          `gorm:"not null"`
	ReservationID string         `gorm:"not null"`
	IsWinning     bool           `gorm:"not null;index:idx_bids_auction_winning,priority:2"`
	PlacedAt      time.Time      `gorm:"not null;index:idx_bids_auction_placed,priority:2,sort:desc"`
	Metadata      datatypes.JSON `gorm:"not null"`
}

func (Bid) TableName() string { return "bids" }

func (bid *Bid) BeforeCreate(tx *gorm.DB) error {
	if bid.BidID == "" {
		bid.BidID = uuid.NewString()
	}
	if len(bid.Metadata) == 0 {
		bid.Metadata = datatypes.JSON([]byte(`{}`))
	}
	return nil
}

// AutoMigrate creates the engine's tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Reservation{}, &Auction{}, &Bid{})
}
