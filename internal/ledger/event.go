package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	EventFarmCreated       = "FarmCreated"
	EventDeposited         = "Deposited"
	EventFundraisingClosed = "FundraisingClosed"
	EventPositionOpened    = "PositionOpened"
	EventPositionClosed    = "PositionClosed"
	EventLiquidated        = "Liquidated"
	EventCancelled         = "Cancelled"
	EventClaimed           = "Claimed"
	EventInvested          = "Invested"
	EventDivested          = "Divested"
	EventWithdrawal        = "Withdrawal"
	EventSeedsTraded       = "SeedsTraded"
	EventFeesMinted        = "FeesMinted"
)

type Event struct {
	ID        string            `json:"id" msgpack:"id"`
	Name      string            `json:"name" msgpack:"name"`
	Contract  common.Address    `json:"contract" msgpack:"contract"`
	Timestamp uint64            `json:"timestamp" msgpack:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty" msgpack:"fields,omitempty"`
}

func (e Event) withID() Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return e
}

// Sink receives committed events in commit order. Implementations must not
// block for long and must not call back into the ledger.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Recorder keeps committed events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
