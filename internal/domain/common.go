package domain

// Side represents the direction of a position (long or short).
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Market distinguishes spot trading from leveraged derivatives.
type Market string

const (
	MarketSpot        Market = "spot"
	MarketDerivatives Market = "derivatives"
)

// AccountMode distinguishes a locally simulated account from a real exchange account.
type AccountMode string

const (
	ModeDemo AccountMode = "demo"
	ModeReal AccountMode = "real"
)

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen            PositionStatus = "open"
	StatusPartiallyClosed PositionStatus = "partially_closed"
	StatusClosed          PositionStatus = "closed"
)

// ActionType is the resolved position-management action for a signal.
// Every accepted signal maps to exactly one of these.
type ActionType string

const (
	ActionOpenNew      ActionType = "open_new"
	ActionEnhance      ActionType = "enhance_existing"
	ActionFlip         ActionType = "flip_and_reopen"
	ActionCloseAll     ActionType = "close_all"
	ActionClosePartial ActionType = "close_partial"
)
