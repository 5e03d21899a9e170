package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

type MarginMode string

const (
	ModeIsolated MarginMode = "isolated"
	ModeCross    MarginMode = "cross"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusLiquidated Status = "liquidated"
)

// Position is a leveraged futures position. Mutations (fills, funding,
// mark-to-market, close, liquidation) serialize through the position mutex,
// so a manual close can never race a liquidation into double settlement.
type Position struct {
	mu sync.Mutex

	ID               string
	UserID           string
	Symbol           string
	Currency         string
	Side             Side
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	Leverage         int
	MarginMode       MarginMode
	Margin           decimal.Decimal
	LiquidationPrice decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RealizedPnL      decimal.Decimal
	FundingFee       decimal.Decimal
	Status           Status
	OpenedAt         time.Time
	ClosedAt         time.Time

	reservationID string
}

func (p *Position) directionSign() decimal.Decimal {
	if p.Side == SideLong {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// pnlAt computes (price - entry) x direction x size. Caller holds p.mu.
func (p *Position) pnlAt(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(p.directionSign()).Mul(p.Size)
}

// snapshot copies the exported state. Caller holds p.mu.
func (p *Position) snapshot() Snapshot {
	return Snapshot{
		ID:               p.ID,
		UserID:           p.UserID,
		Symbol:           p.Symbol,
		Currency:         p.Currency,
		Side:             p.Side,
		Size:             p.Size,
		EntryPrice:       p.EntryPrice,
		Leverage:         p.Leverage,
		MarginMode:       p.MarginMode,
		Margin:           p.Margin,
		LiquidationPrice: p.LiquidationPrice,
		UnrealizedPnL:    p.UnrealizedPnL,
		RealizedPnL:      p.RealizedPnL,
		FundingFee:       p.FundingFee,
		Status:           p.Status,
		OpenedAt:         p.OpenedAt,
		ClosedAt:         p.ClosedAt,
	}
}

// Snapshot is an immutable copy of a position's state for callers outside
// the manager.
type Snapshot struct {
	ID               string
	UserID           string
	Symbol           string
	Currency         string
	Side             Side
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	Leverage         int
	MarginMode       MarginMode
	Margin           decimal.Decimal
	LiquidationPrice decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RealizedPnL      decimal.Decimal
	FundingFee       decimal.Decimal
	Status           Status
	OpenedAt         time.Time
	ClosedAt         time.Time
}

// AccountView is the derived margin-account state for one (user, currency).
type AccountView struct {
	UserID        string
	Currency      string
	Balance       decimal.Decimal
	Locked        decimal.Decimal
	Leverage      int
	Equity        decimal.Decimal
	UsedMargin    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	MarginLevel   decimal.Decimal
}

// liquidationPrice computes entry x (1 -/+ 1/leverage +/- maintenanceRate)
// per side: a long liquidates below entry, a short above.
func liquidationPrice(entry decimal.Decimal, side Side, leverage int, maintenanceRate decimal.Decimal) decimal.Decimal {
	inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	one := decimal.NewFromInt(1)
	if side == SideLong {
		return entry.Mul(one.Sub(inv).Add(maintenanceRate))
	}
	return entry.Mul(one.Add(inv).Sub(maintenanceRate))
}
