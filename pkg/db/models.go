package db

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Order lifecycle statuses. PENDING rows may be replaced wholesale before
// dispatch; every later status is reached by forward transitions only.
const (
	StatusPending   = "PENDING"
	StatusSent      = "SENT"
	StatusDone      = "DONE"
	StatusPartial   = "PARTIAL"
	StatusNotFound  = "NOT_FOUND"
	StatusCancelled = "CANCELLED"
	StatusError     = "ERROR"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Job run statuses recorded in the audit trail.
const (
	JobRunning = "RUNNING"
	JobOK      = "OK"
	JobFailed  = "FAILED"
)

// Refill progress statuses. The empty string means "never attempted".
const (
	RefillInProgress = "IN_PROGRESS"
	RefillDone       = "DONE"
)

// Order is a planned or dispatched brokerage order for one exec_date.
type Order struct {
	ID            string
	ExecDate      string // YYYY-MM-DD, the session the order should execute in
	Code          string
	Side          string
	Qty           int64
	PlannedPrice  decimal.Decimal
	OrdDvsn       string // KIS order division: "00" limit, "01" market
	Status        string
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
	BrokerOrderID string
	BrokerOrgID   string
	LastAPIResp   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() int64 {
	if o.FilledQty >= o.Qty {
		return 0
	}
	return o.Qty - o.FilledQty
}

// Position is a locally tracked holding. The reconciliation step overwrites
// this table from the broker balance, so rows here always mirror broker truth
// as of the last sync.
type Position struct {
	Code      string
	Name      string
	Qty       int64
	AvgPrice  decimal.Decimal
	EntryDate string
	UpdatedAt time.Time
}

// RefillProgress tracks how far historical backfill has advanced for a code.
type RefillProgress struct {
	Code           string
	Status         string
	CoveredThrough string // YYYY-MM-DD; empty when no chunk has landed yet
	Attempts       int
	LastError      string
	UpdatedAt      time.Time
}

// JobRun is one append-only audit row per step invocation.
type JobRun struct {
	ID         string
	JobName    string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
	Message    string
}

// DailyBar is one daily OHLCV row plus derived signal features.
type DailyBar struct {
	Code      string
	Date      string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Amount    float64
	MA25      sql.NullFloat64
	Disparity sql.NullFloat64
}

// StockInfo describes a universe member.
type StockInfo struct {
	Code   string
	Name   string
	Market string
	Marcap float64
}
