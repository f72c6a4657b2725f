package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

type CloseReason string

const (
	CloseStopLoss   CloseReason = "stopLoss"
	CloseTakeProfit CloseReason = "takeProfit"
	CloseManual     CloseReason = "manual"
)

// StopUpdate is one audit record of a stop-loss move.
type StopUpdate struct {
	Timestamp time.Time `json:"timestamp"`
	OldValue  float64   `json:"old_value"`
	NewValue  float64   `json:"new_value"`
}

// Position is the single open position. At most one exists system-wide;
// it is created on entry, its stop is moved via audited updates, and it is
// cleared on close.
type Position struct {
	Side           Side         `json:"side"`
	EntryPrice     float64      `json:"entry_price"`
	Size           float64      `json:"size"`            // quote-currency notional
	ContractAmount float64      `json:"contract_amount"` // exact base quantity filled
	Leverage       int          `json:"leverage"`
	StopLoss       float64      `json:"stop_loss"`
	TakeProfit     float64      `json:"take_profit"`
	EntryTime      time.Time    `json:"entry_time"`
	OrderID        string       `json:"order_id"`
	StopUpdates    []StopUpdate `json:"stop_updates,omitempty"`
}

// TradeResult describes a completed round trip.
type TradeResult struct {
	Position  Position    `json:"position"`
	ExitPrice float64     `json:"exit_price"`
	PnL       float64     `json:"pnl"`
	Reason    CloseReason `json:"reason"`
	ExitTime  time.Time   `json:"exit_time"`
	IsLoss    bool        `json:"is_loss"`
}

// EntrySignal is a proposed entry produced by the level scan.
type EntrySignal struct {
	Side        Side
	EntryPrice  float64
	Size        float64 // quote currency
	TargetLevel float64
}

// TradeRecord is one journal row: an open or a close.
type TradeRecord struct {
	ID             int64
	Symbol         string
	Side           Side
	Action         string // "open" or "close"
	Size           float64
	ContractAmount float64
	Price          float64
	PnL            float64
	Reason         string
	OrderID        string
	CreatedAt      time.Time
}

// StopAudit is a persisted stop-loss audit row.
type StopAudit struct {
	ID        int64
	Symbol    string
	OldValue  float64
	NewValue  float64
	CreatedAt time.Time
}
