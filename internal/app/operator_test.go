package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"defarm/internal/alerts"
	"defarm/internal/farm"
	"defarm/internal/farm/single"
	"defarm/internal/fee"
	"defarm/internal/ledger"
	"defarm/internal/signature"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

var admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")

const opsChat = int64(-1001)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) count(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

// fakeChannel serves queued update batches, then cancels the run.
type fakeChannel struct {
	batches [][]alerts.Update
	offsets []int64
	sent    []string
	cancel  context.CancelFunc
}

func (f *fakeChannel) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]alerts.Update, error) {
	f.offsets = append(f.offsets, offset)
	if len(f.batches) == 0 {
		f.cancel()
		return nil, ctx.Err()
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeChannel) Send(_ context.Context, message string) error {
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeChannel) last() string {
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func command(id, user int64, text string) alerts.Update {
	return alerts.Update{
		UpdateID: id,
		Message: &alerts.Message{
			Text: text,
			Chat: &alerts.Chat{ID: opsChat},
			From: &alerts.User{ID: user, Username: "ops"},
		},
	}
}

// openedSingleFarm boots an app with an admin and opens a single farm with
// 1000 USDC raised.
func openedSingleFarm(t *testing.T) (*App, *single.Fund, uint64) {
	t.Helper()
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	maker := signature.FromKey(key)
	cfg := testConfig(t, maker.Address())
	cfg.Registry.Admin = admin.Hex()
	a, err := New(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.close() })

	start := uint64(time.Now().Unix())
	l := a.Ledger()
	if err := l.Mint(ctx, ledger.Native, manager, fee.Units(1, 18)); err != nil {
		t.Fatalf("mint native: %v", err)
	}
	if err := l.Mint(ctx, usdc, investor, fee.Units(1000, 6)); err != nil {
		t.Fatalf("mint usdc: %v", err)
	}
	if _, err := a.Seeds().BuySeeds(ctx, ledger.Call{Sender: manager, Timestamp: start}, manager, 1); err != nil {
		t.Fatalf("buy seed: %v", err)
	}
	sig, err := maker.SignDigest(a.Registry().CreateFarmDigest(operator, manager))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	fund, err := a.Registry().CreateFarm(ctx, ledger.Call{Sender: manager, Value: fee.Units(1, 15), Timestamp: start}, single.TradeParams{
		BaseToken:         wbtc,
		Long:              true,
		FundraisingPeriod: farm.Day,
		EntryPrice:        fee.Units(60000, 18),
		TargetPrice:       fee.Units(66000, 18),
		LiquidationPrice:  fee.Units(55000, 18),
		Leverage:          5 * single.LeverageScale,
	}, fee.Percent(10), operator, sig, false)
	if err != nil {
		t.Fatalf("create farm: %v", err)
	}
	if _, err := fund.Deposit(ctx, ledger.Call{Sender: investor, Timestamp: start + 1}, fee.Units(1000, 6)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := fund.CloseFundraisingAndOpenPosition(ctx, ledger.Call{Sender: manager, Timestamp: start + 2}, common.HexToHash("0x01")); err != nil {
		t.Fatalf("open: %v", err)
	}
	return a, fund, start
}

func newTestOperator(a *App, ch *fakeChannel, store *memoryStore, now uint64, allowed ...int64) *Operator {
	o := NewOperator(a.Registry(), a.Venue(), a.Keeper(), store, ch, opsChat, allowed, time.Second, zap.NewNop())
	o.now = func() time.Time { return time.Unix(int64(now), 0) }
	return o
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/Mark@defarm_bot 0xabc 12.5")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "mark" {
		t.Fatalf("expected mark, got %s", cmd)
	}
	if len(args) != 2 || args[1] != "12.5" {
		t.Fatalf("unexpected args: %v", args)
	}
	if _, _, ok := parseOperatorCommand("status"); ok {
		t.Fatalf("plain text is not a command")
	}
}

func TestOperatorLiquidatesOnlyAfterVenueMarkedEmpty(t *testing.T) {
	ctx := context.Background()
	a, fund, start := openedSingleFarm(t)
	store := &memoryStore{}
	ch := &fakeChannel{}
	o := newTestOperator(a, ch, store, start+3, 7)
	farmHex := fund.Address().Hex()

	o.handleUpdate(ctx, command(1, 7, "/liquidate "+farmHex))
	if !strings.Contains(ch.last(), "command failed") || !strings.Contains(ch.last(), "venue still holds") {
		t.Fatalf("expected venue refusal, got %q", ch.last())
	}
	if fund.Status() != single.StatusOpened {
		t.Fatalf("expected fund still opened, got %s", fund.Status())
	}

	o.handleUpdate(ctx, command(2, 7, "/status "+farmHex))
	if !strings.Contains(ch.last(), "status: OPENED") || !strings.Contains(ch.last(), "venue_usd: "+fee.Units(990, 18).Dec()) {
		t.Fatalf("unexpected status reply %q", ch.last())
	}

	o.handleUpdate(ctx, command(3, 7, "/mark "+farmHex+" 0"))
	o.handleUpdate(ctx, command(4, 7, "/liquidate "+farmHex))
	if !strings.HasSuffix(ch.last(), "LIQUIDATED") {
		t.Fatalf("unexpected liquidate reply %q", ch.last())
	}
	if fund.Status() != single.StatusLiquidated {
		t.Fatalf("expected liquidated, got %s", fund.Status())
	}
	if n := store.count("ops:audit:"); n != 3 {
		t.Fatalf("expected 3 audit entries, got %d", n)
	}
}

func TestOperatorIgnoresStrangers(t *testing.T) {
	ctx := context.Background()
	a, fund, start := openedSingleFarm(t)
	store := &memoryStore{}
	ch := &fakeChannel{}
	o := newTestOperator(a, ch, store, start+3, 7)

	o.handleUpdate(ctx, command(1, 8, "/mark "+fund.Address().Hex()+" 0"))
	other := command(2, 7, "/mark "+fund.Address().Hex()+" 0")
	other.Message.Chat.ID = 42
	o.handleUpdate(ctx, other)

	if len(ch.sent) != 0 {
		t.Fatalf("expected no replies, got %v", ch.sent)
	}
	held, err := a.Venue().BalanceOf(ctx, fund.Address())
	if err != nil || held.IsZero() {
		t.Fatalf("venue mark changed by a stranger: %v %v", held, err)
	}
	if n := store.count("ops:audit:"); n != 0 {
		t.Fatalf("expected no audit entries, got %d", n)
	}
}

func TestOperatorCancelAndAccrue(t *testing.T) {
	ctx := context.Background()
	a, fund, start := openedSingleFarm(t)
	ch := &fakeChannel{}
	o := newTestOperator(a, ch, &memoryStore{}, start+3)

	o.handleUpdate(ctx, command(1, 7, "/cancel "+fund.Address().Hex()))
	if !strings.Contains(ch.last(), "command failed") {
		t.Fatalf("expected cancel refusal, got %q", ch.last())
	}
	o.handleUpdate(ctx, command(2, 7, "/cancel 0x00000000000000000000000000000000000000ff"))
	if !strings.Contains(ch.last(), "not a single farm") {
		t.Fatalf("unexpected reply %q", ch.last())
	}
	o.handleUpdate(ctx, command(3, 7, "/accrue"))
	if ch.last() != "keeper tick ran over 0 pooled farms" {
		t.Fatalf("unexpected accrue reply %q", ch.last())
	}
}

func TestOperatorRunResumesFromSavedOffset(t *testing.T) {
	a, _, start := openedSingleFarm(t)
	store := &memoryStore{data: map[string]string{operatorOffsetKey: "10"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := &fakeChannel{
		batches: [][]alerts.Update{{command(10, 7, "/status"), command(11, 7, "hello")}},
		cancel:  cancel,
	}
	o := newTestOperator(a, ch, store, start+3)

	if err := o.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ch.offsets) != 2 || ch.offsets[0] != 10 || ch.offsets[1] != 12 {
		t.Fatalf("unexpected offsets %v", ch.offsets)
	}
	if got, _, _ := store.Get(ctx, operatorOffsetKey); got != "12" {
		t.Fatalf("expected saved offset 12, got %q", got)
	}
	if len(ch.sent) != 1 || !strings.Contains(ch.sent[0], "single_farms: 1") {
		t.Fatalf("unexpected replies %v", ch.sent)
	}
}
