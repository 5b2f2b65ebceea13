package database

import (
	"time"
)

// Position status values. A position is created as building (batched entry)
// or open (immediate entry) and only ever transitions to closed.
const (
	PositionStatusBuilding = "building"
	PositionStatusOpen     = "open"
	PositionStatusClosed   = "closed"
)

// Position sides and close-order sides.
const (
	SideLong       = "LONG"
	SideShort      = "SHORT"
	SideCloseLong  = "CLOSE_LONG"
	SideCloseShort = "CLOSE_SHORT"
)

// FuturesPosition is one directional exposure on one symbol.
type FuturesPosition struct {
	ID               int64      `json:"id"`
	AccountID        int64      `json:"account_id"`
	Symbol           string     `json:"symbol"`
	PositionSide     string     `json:"position_side"` // LONG, SHORT
	Quantity         float64    `json:"quantity"`
	EntryPrice       float64    `json:"entry_price"`
	AvgEntryPrice    float64    `json:"avg_entry_price"`
	Leverage         int        `json:"leverage"`
	NotionalValue    float64    `json:"notional_value"`
	Margin           float64    `json:"margin"`
	OpenTime         time.Time  `json:"open_time"`
	CloseTime        *time.Time `json:"close_time,omitempty"`
	StopLossPrice    *float64   `json:"stop_loss_price,omitempty"`
	TakeProfitPrice  *float64   `json:"take_profit_price,omitempty"`
	EntrySignalType  string     `json:"entry_signal_type"` // signal fingerprint
	EntryReason      string     `json:"entry_reason"`
	EntryScore       float64    `json:"entry_score"`
	SignalComponents []string   `json:"signal_components"`
	MaxHoldMinutes   int        `json:"max_hold_minutes"`
	TimeoutAt        *time.Time `json:"timeout_at,omitempty"`
	Status           string     `json:"status"`
	RealizedPnL      float64    `json:"realized_pnl"`
	Notes            string     `json:"notes"` // append-only audit trail
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsActive reports whether the position still holds (or is accumulating) exposure.
func (p *FuturesPosition) IsActive() bool {
	return p.Status == PositionStatusBuilding || p.Status == PositionStatusOpen
}

// FuturesOrder is the immutable record of one fill event.
type FuturesOrder struct {
	OrderID          string     `json:"order_id"`
	AccountID        int64      `json:"account_id"`
	PositionID       int64      `json:"position_id"`
	Symbol           string     `json:"symbol"`
	Side             string     `json:"side"` // LONG, SHORT, CLOSE_LONG, CLOSE_SHORT
	OrderType        string     `json:"order_type"`
	Leverage         int        `json:"leverage"`
	Price            float64    `json:"price"`
	Quantity         float64    `json:"quantity"`
	ExecutedQuantity float64    `json:"executed_quantity"`
	TotalValue       float64    `json:"total_value"`
	ExecutedValue    float64    `json:"executed_value"`
	Fee              float64    `json:"fee"`
	FeeRate          float64    `json:"fee_rate"`
	Status           string     `json:"status"`
	AvgFillPrice     float64    `json:"avg_fill_price"`
	FillTime         time.Time  `json:"fill_time"`
	RealizedPnL      *float64   `json:"realized_pnl,omitempty"`
	PnLPct           *float64   `json:"pnl_pct,omitempty"`
	OrderSource      string     `json:"order_source"`
	Notes            string     `json:"notes"`
}

// FuturesTrade mirrors a fill for the analytics surface; one row per order.
type FuturesTrade struct {
	TradeID       string    `json:"trade_id"`
	PositionID    int64     `json:"position_id"`
	AccountID     int64     `json:"account_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	NotionalValue float64   `json:"notional_value"`
	Leverage      int       `json:"leverage"`
	Margin        float64   `json:"margin"`
	Fee           float64   `json:"fee"`
	RealizedPnL   *float64  `json:"realized_pnl,omitempty"`
	PnLPct        *float64  `json:"pnl_pct,omitempty"`
	ROI           *float64  `json:"roi,omitempty"`
	EntryPrice    *float64  `json:"entry_price,omitempty"`
	ClosePrice    *float64  `json:"close_price,omitempty"`
	OrderID       string    `json:"order_id"`
	TradeTime     time.Time `json:"trade_time"`
	CreatedAt     time.Time `json:"created_at"`
}

// FuturesAccount is the single USDT-futures account the engine trades.
type FuturesAccount struct {
	ID             int64     `json:"id"`
	CurrentBalance float64   `json:"current_balance"` // available
	FrozenBalance  float64   `json:"frozen_balance"`  // margin held by active positions
	RealizedPnL    float64   `json:"realized_pnl"`
	TotalTrades    int       `json:"total_trades"`
	WinningTrades  int       `json:"winning_trades"`
	LosingTrades   int       `json:"losing_trades"`
	WinRate        float64   `json:"win_rate"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Symbol rating levels. Level 0 is the whitelist tier, level 3 forbids entry.
const (
	RatingWhitelist = 0
	RatingForbidden = 3
)

// SymbolRating scales position size per symbol.
type SymbolRating struct {
	Symbol           string    `json:"symbol"`
	RatingLevel      int       `json:"rating_level"` // 0..3
	MarginMultiplier float64   `json:"margin_multiplier"`
	Reason           string    `json:"reason"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SignalBlacklistEntry disables one (fingerprint, side) pair.
type SignalBlacklistEntry struct {
	SignalType   string    `json:"signal_type"`
	PositionSide string    `json:"position_side"`
	IsActive     bool      `json:"is_active"`
	Reason       string    `json:"reason"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SignalQualityStat holds realized performance per (fingerprint, side). The
// threshold adjustment may raise but never lower the brain's base threshold.
type SignalQualityStat struct {
	SignalType          string    `json:"signal_type"`
	PositionSide        string    `json:"position_side"`
	SampleCount         int       `json:"sample_count"`
	WinRate             float64   `json:"win_rate"`
	AvgPnL              float64   `json:"avg_pnl"`
	ThresholdAdjustment float64   `json:"threshold_adjustment"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ScoringWeight is the hot-reloadable weight for one scoring component.
type ScoringWeight struct {
	SignalComponent string  `json:"signal_component"`
	WeightLong      float64 `json:"weight_long"`
	WeightShort     float64 `json:"weight_short"`
	IsActive        bool    `json:"is_active"`
}

// AdaptiveParam is one hot-reloadable tunable.
type AdaptiveParam struct {
	ParamType  string    `json:"param_type"`
	ParamKey   string    `json:"param_key"`
	ParamValue float64   `json:"param_value"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Adaptive parameter keys shared between the trader and the optimizer.
const (
	ParamTypeRisk           = "risk"
	ParamKeyLongStopLoss    = "long_stop_loss_pct"
	ParamKeyShortStopLoss   = "short_stop_loss_pct"
	ParamKeyLongTakeProfit  = "long_take_profit_pct"
	ParamKeyShortTakeProfit = "short_take_profit_pct"
	ParamKeyMinHoldMinutes  = "min_hold_minutes"
	ParamKeySizeMultiplier  = "position_size_multiplier"
	ParamKeyHoldScale       = "hold_time_scale"
)

// VolatilityProfile carries per-symbol fixed take-profit percentages derived
// from recent 15m candle statistics.
type VolatilityProfile struct {
	Symbol          string    `json:"symbol"`
	LongFixedTPPct  float64   `json:"long_fixed_tp_pct"`
	ShortFixedTPPct float64   `json:"short_fixed_tp_pct"`
	SampleCount     int       `json:"sample_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TradingControl is the kill switch per (account, market type).
type TradingControl struct {
	AccountID      int64     `json:"account_id"`
	TradingType    string    `json:"trading_type"`
	TradingEnabled bool      `json:"trading_enabled"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TradingTypeFutures is the only market type the core trades.
const TradingTypeFutures = "futures"

// Market modes.
const (
	ModeTrend = "trend"
	ModeRange = "range"
)

// ModeState is the persisted trend/range mode per account.
type ModeState struct {
	AccountID       int64     `json:"account_id"`
	TradingType     string    `json:"trading_type"`
	ModeType        string    `json:"mode_type"`
	SwitchedAt      time.Time `json:"switched_at"`
	SwitchReason    string    `json:"switch_reason"`
	TriggerSignal   string    `json:"trigger_signal"`
	TriggerStrength float64   `json:"trigger_strength"`
}
