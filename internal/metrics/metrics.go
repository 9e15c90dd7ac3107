package metrics

import (
	"context"

	"defarm/internal/ledger"
)

type Counter interface {
	Inc()
}

type Metrics struct {
	FarmsCreated    Counter
	Deposits        Counter
	Withdrawals     Counter
	Claims          Counter
	PositionsOpened Counter
	PositionsClosed Counter
	Liquidations    Counter
	Cancellations   Counter
	Investments     Counter
	Divestments     Counter
	SeedTrades      Counter
	FeeMints        Counter
	KeeperFailures  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		FarmsCreated:    n,
		Deposits:        n,
		Withdrawals:     n,
		Claims:          n,
		PositionsOpened: n,
		PositionsClosed: n,
		Liquidations:    n,
		Cancellations:   n,
		Investments:     n,
		Divestments:     n,
		SeedTrades:      n,
		FeeMints:        n,
		KeeperFailures:  n,
	}
}

// Sink counts committed ledger events.
func (m *Metrics) Sink() ledger.Sink {
	return ledger.SinkFunc(func(_ context.Context, ev ledger.Event) {
		if c := m.counterFor(ev.Name); c != nil {
			c.Inc()
		}
	})
}

func (m *Metrics) counterFor(name string) Counter {
	switch name {
	case ledger.EventFarmCreated:
		return m.FarmsCreated
	case ledger.EventDeposited:
		return m.Deposits
	case ledger.EventWithdrawal:
		return m.Withdrawals
	case ledger.EventClaimed:
		return m.Claims
	case ledger.EventPositionOpened:
		return m.PositionsOpened
	case ledger.EventPositionClosed:
		return m.PositionsClosed
	case ledger.EventLiquidated:
		return m.Liquidations
	case ledger.EventCancelled:
		return m.Cancellations
	case ledger.EventInvested:
		return m.Investments
	case ledger.EventDivested:
		return m.Divestments
	case ledger.EventSeedsTraded:
		return m.SeedTrades
	case ledger.EventFeesMinted:
		return m.FeeMints
	}
	return nil
}
