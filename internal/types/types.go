// Package types defines the core data structures for the position loader.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpenEnd is the sentinel upper bound for an open system-time interval.
// A position row with SystemTo equal to OpenEnd is the currently-visible
// version.
var OpenEnd = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// ValidFromDefault and ValidToDefault bound business-valid time when the
// upstream snapshot does not carry explicit validity.
var (
	ValidFromDefault = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	ValidToDefault   = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
)

// QuantityScale and PriceScale are the fixed decimal scales used when
// persisting and canonicalizing monetary and quantity fields.
const (
	QuantityScale = 6
	PriceScale    = 8
)

// BatchStatus is the lifecycle state of an AccountBatch.
type BatchStatus string

const (
	BatchStaging    BatchStatus = "STAGING"
	BatchActive     BatchStatus = "ACTIVE"
	BatchArchived   BatchStatus = "ARCHIVED"
	BatchFailed     BatchStatus = "FAILED"
	BatchRolledBack BatchStatus = "ROLLED_BACK"
)

// RunStatus is the terminal (or in-flight) state of an EOD run.
type RunStatus string

const (
	RunRunning       RunStatus = "RUNNING"
	RunCompleted     RunStatus = "COMPLETED"
	RunCompletedNoop RunStatus = "COMPLETED_NOOP"
	RunFailed        RunStatus = "FAILED"
)

// Side is the direction of a trade event.
type Side string

const (
	SideBuy       Side = "BUY"
	SideSell      Side = "SELL"
	SideShortSell Side = "SHORT_SELL"
)

// SignedDelta returns the quantity delta this side applies: BUY is positive,
// SELL and SHORT_SELL are negative.
func (s Side) SignedDelta(quantity decimal.Decimal) decimal.Decimal {
	switch s {
	case SideBuy:
		return quantity
	case SideSell, SideShortSell:
		return quantity.Neg()
	}
	return decimal.Zero
}

// Valid reports whether s is a recognized trade side.
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideShortSell:
		return true
	}
	return false
}

// PositionSource identifies which pipeline created a position version.
type PositionSource string

const (
	SourceEOD      PositionSource = "EOD"
	SourceIntraday PositionSource = "INTRADAY"
)

// Client is the top of the ownership hierarchy. The id is immutable.
type Client struct {
	ClientID int64  `json:"client_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

// Fund belongs to exactly one Client.
type Fund struct {
	FundID       int64  `json:"fund_id"`
	ClientID     int64  `json:"client_id"`
	Name         string `json:"name"`
	BaseCurrency string `json:"base_currency"`
}

// Account is a custody/margin book belonging to a Fund.
type Account struct {
	AccountID     int64  `json:"account_id"`
	FundID        int64  `json:"fund_id"`
	AccountNumber string `json:"account_number"`
	BaseCurrency  string `json:"base_currency"`
	Status        string `json:"status"`
}

// Product is a tradeable instrument. Ticker is indexed for resolution of
// intraday events that arrive without a productId.
type Product struct {
	ProductID  int64  `json:"product_id"`
	Ticker     string `json:"ticker"`
	AssetClass string `json:"asset_class"`
	IssueCcy   string `json:"issue_ccy"`
	SettleCcy  string `json:"settle_ccy"`
}

// Position is one bitemporal version of a holding. Mutations never update a
// row in place: the current version's SystemTo is closed and a new row is
// inserted (see storage.ApplyBitemporalDelta).
type Position struct {
	PositionID   int64           `json:"position_id"`
	AccountID    int64           `json:"account_id"`
	ProductID    int64           `json:"product_id"`
	BatchID      int64           `json:"batch_id"`
	BusinessDate Date            `json:"business_date"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgCostPrice decimal.Decimal `json:"avg_cost_price"`
	CostLocal    decimal.Decimal `json:"cost_local"`
	MVBase       decimal.Decimal `json:"mv_base"`
	Source       PositionSource  `json:"source"`
	ValidFrom    time.Time       `json:"valid_from"`
	ValidTo      time.Time       `json:"valid_to"`
	SystemFrom   time.Time       `json:"system_from"`
	SystemTo     time.Time       `json:"system_to"`
}

// Current reports whether this row is the open (currently-visible) version.
func (p *Position) Current() bool {
	return !p.SystemTo.Before(OpenEnd)
}

// AccountBatch is one blue/green generation of an account's positions.
// At most one batch per (accountId, businessDate) is ACTIVE; batchId is
// strictly increasing per account.
type AccountBatch struct {
	AccountID     int64       `json:"account_id"`
	BatchID       int64       `json:"batch_id"`
	BusinessDate  Date        `json:"business_date"`
	Status        BatchStatus `json:"status"`
	Source        string      `json:"source"`
	PositionCount int         `json:"position_count"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	ActivatedAt   *time.Time  `json:"activated_at,omitempty"`
	ArchivedAt    *time.Time  `json:"archived_at,omitempty"`
}

// Transaction records one applied intraday event. ExternalRefID is the
// idempotency key: at most one row per externalRefId ever exists.
type Transaction struct {
	TxnID         int64           `json:"txn_id"`
	AccountID     int64           `json:"account_id"`
	ProductID     int64           `json:"product_id"`
	TxnType       Side            `json:"txn_type"`
	TradeDate     Date            `json:"trade_date"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	ExternalRefID string          `json:"external_ref_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SnapshotHash records the content fingerprint of the last loaded snapshot
// per (accountId, businessDate), used for duplicate detection.
type SnapshotHash struct {
	AccountID        int64           `json:"account_id"`
	BusinessDate     Date            `json:"business_date"`
	ContentHash      string          `json:"content_hash"`
	PositionCount    int             `json:"position_count"`
	TotalQuantity    decimal.Decimal `json:"total_quantity"`
	TotalMarketValue decimal.Decimal `json:"total_market_value"`
	CreatedAt        time.Time       `json:"created_at"`
}

// EODRun is the persisted state machine for one EOD invocation. It is
// written to RUNNING before any long operation begins so state survives a
// crash.
type EODRun struct {
	RunID         int64      `json:"run_id"`
	AccountID     int64      `json:"account_id"`
	BusinessDate  Date       `json:"business_date"`
	Status        RunStatus  `json:"status"`
	BatchID       *int64     `json:"batch_id,omitempty"`
	PositionCount int        `json:"position_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// AccountSnapshot is the upstream EOD payload for one account.
type AccountSnapshot struct {
	AccountID     int64              `json:"account_id"`
	AccountNumber string             `json:"account_number"`
	BusinessDate  Date               `json:"business_date"`
	BaseCurrency  string             `json:"base_currency"`
	Client        *Client            `json:"client,omitempty"`
	Fund          *Fund              `json:"fund,omitempty"`
	Products      []Product          `json:"products,omitempty"`
	Positions     []SnapshotPosition `json:"positions"`
}

// SnapshotPosition is one holding inside an upstream snapshot.
type SnapshotPosition struct {
	ProductID    int64           `json:"product_id"`
	Ticker       string          `json:"ticker,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	AvgCostPrice decimal.Decimal `json:"avg_cost_price"`
	CostLocal    decimal.Decimal `json:"cost_local"`
	MVBase       decimal.Decimal `json:"mv_base"`
}

// EODTrigger is the payload of the EOD_TRIGGER stream, keyed by accountId.
type EODTrigger struct {
	AccountID    int64 `json:"account_id"`
	BusinessDate Date  `json:"business_date"`
}

// TradeEvent is the payload of the INTRADAY stream, keyed by accountId.
// Exactly one of ProductID or Ticker must be set; Ticker is resolved at
// apply time.
type TradeEvent struct {
	CorrelationID string          `json:"correlation_id"`
	AccountID     int64           `json:"account_id"`
	ProductID     int64           `json:"product_id,omitempty"`
	Ticker        string          `json:"ticker,omitempty"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	ExternalRefID string          `json:"external_ref_id"`
	EventTime     time.Time       `json:"event_time"`
}

// PositionChange is the payload of POSITION_CHANGE_EVENTS, keyed by accountId.
type PositionChange struct {
	AccountID   int64           `json:"account_id"`
	ProductID   int64           `json:"product_id"`
	NewQuantity decimal.Decimal `json:"new_quantity"`
	EventTime   time.Time       `json:"event_time"`
}

// ClientSignoff is the payload of CLIENT_REPORTING_SIGNOFF, keyed by clientId.
// Emitted when the last outstanding account for a client completes EOD.
type ClientSignoff struct {
	ClientID     int64 `json:"client_id"`
	BusinessDate Date  `json:"business_date"`
}

// DlqStatus is the lifecycle state of a dead-letter entry.
type DlqStatus string

const (
	DlqPending   DlqStatus = "PENDING"
	DlqProcessed DlqStatus = "PROCESSED"
	DlqFailed    DlqStatus = "FAILED"
)

// DlqEntry is one parked message. Append-only; the replayer republishes
// PENDING entries with bounded retry and transitions them to PROCESSED or
// FAILED.
type DlqEntry struct {
	ID         int64      `json:"id"`
	Topic      string     `json:"topic"`
	Key        string     `json:"key"`
	Payload    []byte     `json:"payload"`
	ErrorMsg   string     `json:"error_msg"`
	ErrorCode  string     `json:"error_code,omitempty"`
	RetryCount int        `json:"retry_count"`
	NextRetry  *time.Time `json:"next_retry_at,omitempty"`
	Status     DlqStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LockRow is the persisted form of a named distributed lock.
type LockRow struct {
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	LockedAt  time.Time `json:"locked_at"`
	LockUntil time.Time `json:"lock_until"`
}
