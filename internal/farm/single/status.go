package single

type Status uint8

const (
	StatusNotOpened Status = iota
	StatusOpened
	StatusClosed
	StatusLiquidated
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusNotOpened:
		return "NOT_OPENED"
	case StatusOpened:
		return "OPENED"
	case StatusClosed:
		return "CLOSED"
	case StatusLiquidated:
		return "LIQUIDATED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated || s == StatusCancelled
}

// Finalised reports whether depositors may claim.
func (s Status) Finalised() bool {
	return s == StatusClosed || s == StatusCancelled
}

type transition uint8

const (
	transitionOpen transition = iota
	transitionClose
	transitionLiquidate
	transitionCancel
)

func (t transition) String() string {
	switch t {
	case transitionOpen:
		return "open"
	case transitionClose:
		return "close"
	case transitionLiquidate:
		return "liquidate"
	case transitionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// nextStatus returns the status reached by applying t, or false when t is
// not allowed from current.
func nextStatus(current Status, t transition) (Status, bool) {
	switch current {
	case StatusNotOpened:
		switch t {
		case transitionOpen:
			return StatusOpened, true
		case transitionCancel:
			return StatusCancelled, true
		}
	case StatusOpened:
		switch t {
		case transitionClose:
			return StatusClosed, true
		case transitionLiquidate:
			return StatusLiquidated, true
		}
	}
	return current, false
}
