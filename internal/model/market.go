// internal/model/market.go
// Package model defines the data structures used throughout the marketplace service.
// These structures represent videos, their sale state, transaction history and the token ledger.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a marketplace account.
// Every user owns exactly one wallet, created at signup and never shared.
type User struct {
	ID        string    `json:"id" db:"id"`                // Unique user identifier
	Username  string    `json:"username" db:"username"`    // Public handle
	Wallet    Wallet    `json:"wallet"`                    // Exclusive blockchain wallet
	CreatedAt time.Time `json:"createdAt" db:"created_at"` // When the account was created
}

// Wallet is the blockchain wallet attached to a user.
type Wallet struct {
	Address string `json:"address" db:"wallet_address"`
}

// Video represents an uploaded video and its current ownership.
// SalesInfo and SalesLockInfo are optional child rows: nil means absent.
type Video struct {
	ID           string         `json:"id" db:"id"`
	Title        string         `json:"title" db:"title"`
	Description  string         `json:"description" db:"description"`
	ThumbnailURL string         `json:"thumbnailUrl" db:"thumbnail_url"`
	OwnerID      string         `json:"ownerId" db:"owner_id"` // Current holder, exactly one at a time
	SalesInfo    *SalesInfo     `json:"salesInfo,omitempty"`
	SalesLock    *SalesLockInfo `json:"salesLockInfo,omitempty"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time      `json:"updatedAt" db:"updated_at"`
}

// ForSale reports whether the video currently has a listing.
func (v *Video) ForSale() bool {
	return v != nil && v.SalesInfo != nil
}

// SalesInfo is the listing of a video. Its presence means "for sale".
type SalesInfo struct {
	VideoID   string          `json:"videoId" db:"video_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Unit      string          `json:"unit" db:"unit"` // Currency the price is quoted in
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// SalesLockInfo reserves a video for one buyer until LockUntil.
type SalesLockInfo struct {
	VideoID   string    `json:"videoId" db:"video_id"`
	LockedBy  string    `json:"lockedBy" db:"locked_by"`
	LockUntil time.Time `json:"lockUntil" db:"lock_until"`
}

// ActiveAt reports whether the lock still holds at the given instant.
// A lock whose LockUntil has passed is treated as absent.
func (l *SalesLockInfo) ActiveAt(now time.Time) bool {
	return l != nil && now.Before(l.LockUntil)
}

// TransactionHistory is the immutable record of one successful sale.
type TransactionHistory struct {
	ID        string    `json:"id" db:"id"`
	TxHash    string    `json:"txHash" db:"tx_hash"` // Gateway or ledger reference
	Value     string    `json:"value" db:"value"`    // "<amount> <unit>"
	VideoID   string    `json:"videoId" db:"video_id"`
	FromID    string    `json:"fromId" db:"from_id"` // Seller
	ToID      string    `json:"toId" db:"to_id"`     // Buyer
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// TokenHistoryType distinguishes ledger credits from debits.
type TokenHistoryType string

const (
	TokenReward TokenHistoryType = "REWARD"
	TokenUsed   TokenHistoryType = "USED"
)

// TokenHistory is an append-only ledger entry. Value is signed:
// positive for rewards, negative for spends.
type TokenHistory struct {
	ID        string           `json:"id" db:"id"`
	UserID    string           `json:"user" db:"user_id"`
	VideoID   string           `json:"videoId,omitempty" db:"video_id"`
	Value     decimal.Decimal  `json:"value" db:"value"`
	Type      TokenHistoryType `json:"type" db:"type"`
	Timestamp time.Time        `json:"timestamp" db:"timestamp"`
}

// VideoSummary is the lightweight video metadata joined onto ledger entries for display.
type VideoSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// TokenHistoryItem is a ledger entry joined with its video.
type TokenHistoryItem struct {
	TokenHistory
	Video *VideoSummary `json:"video,omitempty"`
}

// TokenHistoryGroup holds the entries of a single day.
type TokenHistoryGroup struct {
	Date         string             `json:"date"`
	Transactions []TokenHistoryItem `json:"transactions"`
}

// TokenHistoryPage is one page of a user's ledger, grouped by day.
type TokenHistoryPage struct {
	Page    int                 `json:"page"`
	PerPage int                 `json:"perPage"`
	Total   int                 `json:"total"`
	Groups  []TokenHistoryGroup `json:"groups"`
}

// PendingRewardStatus tracks the outbox state of a post-sale reward.
type PendingRewardStatus string

const (
	RewardPending PendingRewardStatus = "pending"
	RewardApplied PendingRewardStatus = "applied"
	RewardDead    PendingRewardStatus = "dead"
)

// PendingReward is the outbox row written with a sale and applied after commit.
type PendingReward struct {
	ID            string              `json:"id" db:"id"`
	TransactionID string              `json:"transactionId" db:"transaction_id"`
	UserID        string              `json:"userId" db:"user_id"`
	VideoID       string              `json:"videoId" db:"video_id"`
	Amount        decimal.Decimal     `json:"amount" db:"amount"`
	Status        PendingRewardStatus `json:"status" db:"status"`
	Attempts      int                 `json:"attempts" db:"attempts"`
	LastError     string              `json:"lastError,omitempty" db:"last_error"`
	CreatedAt     time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time           `json:"updatedAt" db:"updated_at"`
}

// PaymentMethod selects the payment leg of a sale.
type PaymentMethod string

const (
	PaymentFiat  PaymentMethod = "fiat"
	PaymentToken PaymentMethod = "token"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentFiat || m == PaymentToken
}

// PriceAmount is a priced value with both its display string and raw value.
type PriceAmount struct {
	Display string          `json:"display"` // e.g. "1.00 HKD"
	Value   decimal.Decimal `json:"value"`
	Unit    string          `json:"unit"`
}

// PriceLineItem is one row of a price breakdown.
type PriceLineItem struct {
	Name   string      `json:"name"`
	Amount PriceAmount `json:"amount"`
}

// PriceBreakdown is the buyer-facing price of a video for one payment method.
// The shape is a public response contract.
type PriceBreakdown struct {
	VideoID   string          `json:"videoId"`
	Method    PaymentMethod   `json:"method"`
	BasePrice PriceAmount     `json:"basePrice"`
	Items     []PriceLineItem `json:"items"`
	Total     PriceAmount     `json:"total"`
}

// TransactionReceipt is the created history record augmented with the numeric price.
type TransactionReceipt struct {
	TransactionHistory
	Price decimal.Decimal `json:"price"`
	Unit  string          `json:"unit"`
}

// Eligibility is the result of a sale precheck.
type Eligibility struct {
	Allowed bool   `json:"can"`
	Reason  string `json:"reason,omitempty"`
}

// CreateTransactionRequest is the request body for a fiat purchase.
type CreateTransactionRequest struct {
	VideoID      string `json:"videoId"`
	PaymentNonce string `json:"paymentNonce"`
}

// CreateTokenTransactionRequest is the request body for a token purchase.
type CreateTokenTransactionRequest struct {
	VideoID string `json:"videoId"`
}

// ListVideoRequest is the request body for listing a video for sale.
type ListVideoRequest struct {
	VideoID string `json:"videoId"`
	Price   string `json:"price"`
}

// VideoRequest is the request body for operations keyed only by video.
type VideoRequest struct {
	VideoID string `json:"videoId"`
}

// UploadInitRequest asks for a presigned upload URL for a new video asset.
type UploadInitRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size"`
}

// UploadInitData contains the details needed to upload a video.
type UploadInitData struct {
	VideoID   string    `json:"videoId"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AssetURLData is a presigned download URL for one quality of a video.
type AssetURLData struct {
	VideoID   string    `json:"videoId"`
	Quality   string    `json:"quality"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
