package domain

import "time"

// RiskLimits holds the configured loss caps for a user. A zero limit means
// that particular cap is disabled.
type RiskLimits struct {
	MaxDailyLoss   float64 // quote currency
	MaxWeeklyLoss  float64 // quote currency
	MaxTotalLoss   float64 // quote currency
	MaxLossPercent float64 // of BaselineEquity, evaluated against total loss
}

// RiskState is the per-user rolling loss account. Loss counters only grow:
// profits never reduce them; period rollover resets daily and weekly counters
// lazily on first access of a new period.
type RiskState struct {
	UserID         string
	DailyLoss      float64
	WeeklyLoss     float64
	TotalLoss      float64
	Limits         RiskLimits
	BaselineEquity float64 // reference equity for the percent limit (0 disables it)
	TradingEnabled bool
	HaltReason     string    // which limit was breached, empty while enabled
	DailyResetAt   time.Time // date of the last daily rollover
	WeeklyResetAt  time.Time // start of the ISO week of the last weekly rollover
	UpdatedAt      time.Time
}
