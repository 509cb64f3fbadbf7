package db

import (
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidSide is returned when a trade side is neither buy nor sell.
	ErrInvalidSide = errors.New("side must be buy or sell")
)

// TradeMode distinguishes simulated fills from real exchange orders.
type TradeMode string

const (
	ModeReal TradeMode = "REAL"
	ModeDry  TradeMode = "DRY"
)

// TradeSide is the direction of a fill.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// ParseSide normalizes a user-supplied side string.
func ParseSide(s string) (TradeSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", ErrInvalidSide
	}
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen     PositionStatus = "OPEN"
	PositionClosed   PositionStatus = "CLOSED"
	PositionCanceled PositionStatus = "CANCELED"
)

// SignalStatus is the lifecycle state of a signal. WAITING transitions to
// CONSUMED or SKIPPED exactly once.
type SignalStatus string

const (
	SignalWaiting  SignalStatus = "WAITING"
	SignalConsumed SignalStatus = "CONSUMED"
	SignalSkipped  SignalStatus = "SKIPPED"
)

// WatchEntry is a watched symbol row.
type WatchEntry struct {
	ID        int64
	Symbol    string
	Base      string
	Quote     string
	Priority  int
	TickSize  sql.NullFloat64
	StepSize  sql.NullFloat64
	Enabled   bool
	Meta      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarketSnapshot is one (symbol, minute) market row. Indicator fields stay
// zero until enough history exists to compute them.
type MarketSnapshot struct {
	ID         int64
	Symbol     string
	CapturedAt time.Time
	PriceLast  float64
	Volume     float64
	EMA20      float64
	EMA60      float64
	VolSMA20   float64
}

// Signal is a candidate entry trigger.
type Signal struct {
	ID          int64
	Symbol      string
	TriggeredAt time.Time
	RuleKey     string
	Confidence  float64
	Status      SignalStatus
	Reason      string
	RefPrice    float64
}

// Position is an open or closed holding.
type Position struct {
	ID         int64
	Symbol     string
	Mode       TradeMode
	Qty        float64
	EntryPrice float64
	TPPrice    float64
	SLPrice    float64
	Status     PositionStatus
	OpenedAt   time.Time
	ClosedAt   sql.NullTime
	Notes      string
}

// Trade is an immutable fill record belonging to a position.
type Trade struct {
	ID         int64
	PositionID int64
	Symbol     string
	Mode       TradeMode
	Side       TradeSide
	Price      float64
	Qty        float64
	Fee        float64
	ExecutedAt time.Time
	Provider   string
	OrderID    string
}

// DailyLedger is the per-day aggregate row.
type DailyLedger struct {
	ID          int64
	Date        string
	EquityStart float64
	EquityEnd   float64
	PnL         float64
	PnLPct      float64
	Wins        int
	Losses      int
	TradesCount int
	Halted      bool
	HaltReason  string
	Notes       string
}

// Round8 canonicalizes money values to 8 decimals before they are written.
func Round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// DateKey formats a time as the ledger/counter date key in its location.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
