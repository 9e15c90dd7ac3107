package alerts

import (
	"context"
	"errors"
	"strings"
	"testing"

	"defarm/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type recordingSender struct {
	messages []string
	err      error
}

func (r *recordingSender) Send(_ context.Context, message string) error {
	r.messages = append(r.messages, message)
	return r.err
}

func TestFormatEventSortsFields(t *testing.T) {
	ev := ledger.Event{
		Name:     ledger.EventLiquidated,
		Contract: common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		Fields:   map[string]string{"operator": "0xop", "admin": "0xad"},
	}
	msg, ok := FormatEvent(ev)
	if !ok {
		t.Fatalf("expected liquidation alert")
	}
	if !strings.HasPrefix(msg, "defarm: fund liquidated") {
		t.Fatalf("unexpected title in %q", msg)
	}
	if strings.Index(msg, "admin") > strings.Index(msg, "operator") {
		t.Fatalf("fields not sorted: %q", msg)
	}
}

func TestNotifySkipsRoutineEvents(t *testing.T) {
	sender := &recordingSender{}
	Notify(context.Background(), sender, zap.NewNop(), ledger.Event{Name: ledger.EventDeposited})
	if len(sender.messages) != 0 {
		t.Fatalf("deposit should not alert")
	}
	sender.err = errors.New("boom")
	Notify(context.Background(), sender, zap.NewNop(), ledger.Event{Name: ledger.EventCancelled})
	if len(sender.messages) != 1 {
		t.Fatalf("expected cancel alert, got %d", len(sender.messages))
	}
}
