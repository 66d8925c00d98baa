package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SortOrder selects transaction history ordering by creation time.
type SortOrder string

const (
	SortRecent SortOrder = "recent"
	SortOldest SortOrder = "oldest"
)

// TransactionRecord is an append-only ledger mirror row. One row exists per
// completed deposit, withdrawal, or settled session; rows are never mutated.
type TransactionRecord struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	Account     string           `json:"account" db:"account"`
	ServiceType ServiceType      `json:"service_type" db:"service_type"`
	ReferenceID *string          `json:"reference_id,omitempty" db:"reference_id"`
	AmountUSDC  *decimal.Decimal `json:"amount_usdc,omitempty" db:"amount_usdc"`
	TxHash      *string          `json:"tx_hash,omitempty" db:"tx_hash"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// TransactionListRequest scopes and pages a transaction history query.
type TransactionListRequest struct {
	Address  string    `json:"address"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	Sort     SortOrder `json:"sort"`
}

// TransactionListResponse is a page of transaction history.
type TransactionListResponse struct {
	Transactions []TransactionRecord `json:"transactions"`
	Total        int                 `json:"total"`
	Page         int                 `json:"page"`
	PageSize     int                 `json:"page_size"`
}

// User is an account row keyed by wallet address.
type User struct {
	Address     string    `json:"address" db:"address"`
	DisplayName string    `json:"display_name,omitempty" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// UserUpsertRequest creates or refreshes a user row.
type UserUpsertRequest struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`
}

// Video is a catalog entry for a purchasable or streamable video.
type Video struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Title       string          `json:"title" db:"title"`
	PriceUSDC   decimal.Decimal `json:"price_usdc" db:"price_usdc"`
	PlaybackURL string          `json:"playback_url" db:"playback_url"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// VideoCreateRequest adds a video to the catalog.
type VideoCreateRequest struct {
	Title       string          `json:"title"`
	PriceUSDC   decimal.Decimal `json:"priceUSDC"`
	PlaybackURL string          `json:"playbackUrl"`
}

// StreamSession is one metered viewing period. Counter is the monotonically
// assigned numeric id the 32-byte session identifier is derived from.
type StreamSession struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Account   string    `json:"account" db:"account"`
	VideoID   uuid.UUID `json:"video_id" db:"video_id"`
	Counter   uint64    `json:"counter" db:"counter"`
	SessionID string    `json:"session_id" db:"session_id"`
	StartedAt time.Time `json:"started_at" db:"started_at"`
}

// StreamSessionRequest opens a metered viewing period for an account.
type StreamSessionRequest struct {
	Address string    `json:"address"`
	VideoID uuid.UUID `json:"videoId"`
}

// VideoPurchase grants permanent access to a video, keyed by the session
// that settled the purchase payment.
type VideoPurchase struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Account   string    `json:"account" db:"account"`
	VideoID   uuid.UUID `json:"video_id" db:"video_id"`
	SessionID string    `json:"session_id" db:"session_id"`
	TxHash    string    `json:"tx_hash" db:"tx_hash"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// VideoPurchaseRequest records a settled purchase against the catalog.
type VideoPurchaseRequest struct {
	Address   string    `json:"address"`
	VideoID   uuid.UUID `json:"videoId"`
	SessionID string    `json:"sessionId"`
	TxHash    string    `json:"txHash"`
}
