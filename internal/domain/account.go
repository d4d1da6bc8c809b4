package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountContext is the per-user configuration that determines how a signal
// is interpreted: which account it trades on, which market, how much, and
// whether correlation-id matching is in effect. The signal-processing core
// only reads it; mutation happens through the account service, which
// invalidates its cache on save.
type AccountContext struct {
	UserID             string
	AccountMode        AccountMode     // demo or real
	Market             Market          // spot or derivatives
	TradeAmount        decimal.Decimal // notional per open signal, in quote currency
	Leverage           int             // applied on derivatives only
	CorrelationEnabled bool            // when false, resolution scopes by (user, symbol)
	ExchangeID         string          // identifier of the exchange account (opaque to the core)
	UpdatedAt          time.Time
}

// EffectiveLeverage returns the leverage to apply for the configured market.
func (a *AccountContext) EffectiveLeverage() int {
	if a.Market == MarketSpot || a.Leverage < 1 {
		return 1
	}
	return a.Leverage
}

// Notional returns the order notional: trade amount times leverage on
// derivatives, the trade amount alone on spot.
func (a *AccountContext) Notional() decimal.Decimal {
	return a.TradeAmount.Mul(decimal.NewFromInt(int64(a.EffectiveLeverage())))
}
