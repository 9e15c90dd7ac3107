package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"defarm/internal/ledger"

	"go.uber.org/zap"
)

// Sender delivers one alert message.
type Sender interface {
	Send(ctx context.Context, message string) error
}

var alertEvents = map[string]string{
	ledger.EventFarmCreated:    "fund created",
	ledger.EventLiquidated:     "fund liquidated",
	ledger.EventCancelled:      "fund cancelled",
	ledger.EventPositionClosed: "position closed",
}

// FormatEvent renders ev as an alert. ok is false for events that do not
// warrant one.
func FormatEvent(ev ledger.Event) (string, bool) {
	title, ok := alertEvents[ev.Name]
	if !ok {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "defarm: %s\nfund: %s", title, ev.Contract.Hex())
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, ev.Fields[k])
	}
	return b.String(), true
}

// Notify sends an alert for ev when it warrants one. Send failures are
// logged, never returned.
func Notify(ctx context.Context, sender Sender, log *zap.Logger, ev ledger.Event) {
	if sender == nil {
		return
	}
	msg, ok := FormatEvent(ev)
	if !ok {
		return
	}
	if err := sender.Send(ctx, msg); err != nil && log != nil {
		log.Warn("alert send failed", zap.String("event", ev.Name), zap.Error(err))
	}
}
