package timescale

import (
	"context"
	"testing"
	"time"

	"defarm/internal/config"
	"defarm/internal/ledger"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer, got %v %v", w, err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true, DSN: "  "}, zap.NewNop()); err == nil {
		t.Fatalf("expected dsn error")
	}
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.Publish(context.Background(), ledger.Event{Name: ledger.EventDeposited})
	w.EnqueueNAV(NAVSnapshot{Time: time.Now()})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	w := &Writer{events: make(chan ledger.Event, 1), navs: make(chan NAVSnapshot, 1), log: zap.NewNop()}
	w.Publish(context.Background(), ledger.Event{Name: ledger.EventDeposited})
	w.Publish(context.Background(), ledger.Event{Name: ledger.EventClaimed})
	w.EnqueueNAV(NAVSnapshot{Fund: "a"})
	w.EnqueueNAV(NAVSnapshot{Fund: "b"})
	if got := w.dropEvent.Load(); got != 1 {
		t.Fatalf("expected one dropped event, got %d", got)
	}
	if got := w.dropNAV.Load(); got != 1 {
		t.Fatalf("expected one dropped nav, got %d", got)
	}
}
