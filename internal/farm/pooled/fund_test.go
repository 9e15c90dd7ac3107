package pooled

import (
	"context"
	"errors"
	"sync"
	"testing"

	"defarm/internal/farm"
	"defarm/internal/fee"
	"defarm/internal/ledger"
	"defarm/internal/signature"
	"defarm/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	fundAddr = common.HexToAddress("0x0000000000000000000000000000000000000f02")
	treasury = common.HexToAddress("0x0000000000000000000000000000000000000003")
	manager  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

const (
	start  = uint64(1_700_000_000)
	lockup = 30 * farm.Day
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[common.Address]*uint256.Int
}

func (p *fakePrices) USDPrice(_ context.Context, asset common.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[asset]
	if !ok {
		return nil, errors.New("no price")
	}
	return new(uint256.Int).Set(price), nil
}

type harness struct {
	t        *testing.T
	ledger   *ledger.Ledger
	venue    *venue.Simulator
	prices   *fakePrices
	operator *signature.Signer
	fund     *Fund
}

func newHarness(t *testing.T, fees Fees, protocolFee fee.Fee) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	op := signature.FromKey(key)
	l := ledger.New()
	l.RegisterAsset(usdc, 6)
	l.RegisterAsset(weth, 18)
	h := &harness{
		t:      t,
		ledger: l,
		venue:  venue.NewSimulator(),
		prices: &fakePrices{prices: map[common.Address]*uint256.Int{
			usdc: new(uint256.Int).Set(fee.One),
			weth: fee.Units(2000, 18),
		}},
		operator: op,
	}
	h.fund = h.newFund(fundAddr, fees, protocolFee)
	ctx := context.Background()
	for _, who := range []common.Address{alice, bob} {
		if err := l.Mint(ctx, usdc, who, fee.Units(50000, 6)); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	if err := l.Mint(ctx, ledger.Native, manager, fee.Units(1, 18)); err != nil {
		t.Fatalf("mint native: %v", err)
	}
	return h
}

// newFund builds a fund at addr sharing the harness ledger, prices, venue
// and operator.
func (h *harness) newFund(addr common.Address, fees Fees, protocolFee fee.Fee) *Fund {
	h.t.Helper()
	fund, err := New(h.ledger, Params{
		Address:  addr,
		Manager:  manager,
		Operator: h.operator.Address(),
		Config: Config{
			Name:                "Season One",
			Symbol:              "S1",
			FarmingPeriod:       90 * farm.Day,
			InitialLockupPeriod: lockup,
			MinDeposit:          fee.Units(10, 18),
			MaxDeposit:          fee.Units(100000, 18),
		},
		Assets:    []Asset{{Address: usdc, IsDeposit: true}, {Address: weth}},
		Fees:      fees,
		StartTime: start,
		Snapshot: farm.Snapshot{
			ChainID:     uint256.NewInt(1),
			Treasury:    treasury,
			ProtocolFee: protocolFee,
			EthFee:      uint256.NewInt(1_000_000_000_000_000),
			PenaltyFees: [3]fee.Fee{fee.Percent(50), fee.Percent(30), fee.Percent(10)},
			Prices:      h.prices,
			Venue:       h.venue,
		},
	})
	if err != nil {
		h.t.Fatalf("new fund: %v", err)
	}
	return fund
}

func noFees() Fees {
	return Fees{Management: fee.Zero(), Performance: fee.Zero(), Entrance: fee.Zero(), Exit: fee.Zero()}
}

func at(sender common.Address, ts uint64) ledger.Call {
	return ledger.Call{Sender: sender, Timestamp: ts}
}

func (h *harness) deposit(who common.Address, whole uint64, ts uint64) DepositResult {
	h.t.Helper()
	res, err := h.fund.Deposit(context.Background(), at(who, ts), usdc, fee.Units(whole, 6), nil)
	if err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
	return res
}

func (h *harness) sharePrice() *uint256.Int {
	h.t.Helper()
	price, err := h.fund.SharePrice(context.Background())
	if err != nil {
		h.t.Fatalf("share price: %v", err)
	}
	return price
}

func TestDepositKeepsSharePrice(t *testing.T) {
	fees := noFees()
	fees.Entrance = fee.Percent(1)
	h := newHarness(t, fees, fee.Percent(1))

	res := h.deposit(alice, 1000, start+1)
	if !res.SharePrice.Eq(fee.One) {
		t.Fatalf("expected initial price of one dollar, got %s", res.SharePrice.Dec())
	}
	if !res.Shares.Eq(fee.Units(990, 18)) || !res.EntranceShares.Eq(fee.Units(10, 18)) {
		t.Fatalf("unexpected shares %s entrance %s", res.Shares.Dec(), res.EntranceShares.Dec())
	}
	if got := h.fund.BalanceOf(treasury); !got.Eq(uint256.MustFromDecimal("100000000000000000")) {
		t.Fatalf("expected treasury cut 0.1 shares, got %s", got.Dec())
	}
	before := h.sharePrice()
	h.deposit(bob, 500, start+2)
	if after := h.sharePrice(); !after.Eq(before) {
		t.Fatalf("share price moved from %s to %s", before.Dec(), after.Dec())
	}
	if !h.fund.TotalSupply().Eq(fee.Units(1500, 18)) {
		t.Fatalf("unexpected supply %s", h.fund.TotalSupply().Dec())
	}
}

func TestDepositChecks(t *testing.T) {
	h := newHarness(t, noFees(), fee.Zero())
	ctx := context.Background()
	amount := fee.Units(100, 6)
	if _, err := h.fund.Deposit(ctx, at(alice, start-1), usdc, amount, nil); !errors.Is(err, farm.ErrInvalidState) {
		t.Fatalf("expected not active before start, got %v", err)
	}
	if _, err := h.fund.Deposit(ctx, at(alice, h.fund.EndTime()), usdc, amount, nil); !errors.Is(err, farm.ErrInvalidState) {
		t.Fatalf("expected not active at end, got %v", err)
	}
	if _, err := h.fund.Deposit(ctx, at(alice, start+1), weth, amount, nil); !errors.Is(err, farm.ErrUnauthorized) {
		t.Fatalf("expected non-deposit asset rejected, got %v", err)
	}
	if _, err := h.fund.Deposit(ctx, at(alice, start+1), usdc, fee.Units(5, 6), nil); !errors.Is(err, farm.ErrBelowMinimum) {
		t.Fatalf("expected below minimum, got %v", err)
	}
	if _, err := h.fund.Deposit(ctx, at(alice, start+1), usdc, amount, fee.Units(101, 18)); !errors.Is(err, farm.ErrInsufficientOutput) {
		t.Fatalf("expected insufficient output, got %v", err)
	}
	if !h.fund.TotalSupply().IsZero() {
		t.Fatalf("expected no shares minted")
	}
}

func TestWithdrawKeepsSharePrice(t *testing.T) {
	fees := noFees()
	fees.Exit = fee.Percent(1)
	h := newHarness(t, fees, fee.Zero())
	h.deposit(alice, 1000, start+1)

	res, err := h.fund.Withdraw(context.Background(), at(alice, start+lockup+1), usdc, fee.Units(100, 18), nil)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !res.Amount.Eq(fee.Units(99, 6)) {
		t.Fatalf("expected 99 USDC out, got %s", res.Amount.Dec())
	}
	if !res.PenaltyShares.IsZero() {
		t.Fatalf("expected no penalty after lockup, got %s", res.PenaltyShares.Dec())
	}
	if !h.fund.TotalSupply().Eq(fee.Units(901, 18)) {
		t.Fatalf("unexpected supply %s", h.fund.TotalSupply().Dec())
	}
	if !h.fund.BalanceOf(manager).Eq(fee.Units(1, 18)) {
		t.Fatalf("expected manager to hold the exit fee shares")
	}
	if price := h.sharePrice(); !price.Eq(fee.One) {
		t.Fatalf("share price moved to %s", price.Dec())
	}
}

func TestPenaltyDecreasesThroughLockup(t *testing.T) {
	fees := noFees()
	fees.Exit = fee.Percent(1)
	h := newHarness(t, fees, fee.Zero())
	h.deposit(alice, 1000, start)

	times := []uint64{start + 1, start + 11*farm.Day, start + 21*farm.Day, start + lockup}
	var prevPenalty, prevAmount *uint256.Int
	for i, ts := range times {
		res, err := h.fund.Withdraw(context.Background(), at(alice, ts), usdc, fee.Units(10, 18), nil)
		if err != nil {
			t.Fatalf("withdraw %d: %v", i, err)
		}
		if prevPenalty != nil {
			if !res.PenaltyShares.Lt(prevPenalty) {
				t.Fatalf("penalty did not decrease at step %d: %s >= %s", i, res.PenaltyShares.Dec(), prevPenalty.Dec())
			}
			if !res.Amount.Gt(prevAmount) {
				t.Fatalf("amount did not increase at step %d: %s <= %s", i, res.Amount.Dec(), prevAmount.Dec())
			}
		}
		prevPenalty, prevAmount = res.PenaltyShares, res.Amount
	}
	if !prevPenalty.IsZero() {
		t.Fatalf("expected no penalty once lockup passed, got %s", prevPenalty.Dec())
	}
}

func TestWithdrawRejectsShortOutput(t *testing.T) {
	h := newHarness(t, noFees(), fee.Zero())
	h.deposit(alice, 1000, start+1)
	ctx := context.Background()
	_, err := h.fund.Withdraw(ctx, at(alice, start+lockup), usdc, fee.Units(100, 18), fee.Units(101, 6))
	if !errors.Is(err, farm.ErrInsufficientOutput) {
		t.Fatalf("expected insufficient output, got %v", err)
	}
	if _, err := h.fund.Withdraw(ctx, at(bob, start+lockup), usdc, fee.Units(1, 18), nil); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient share balance, got %v", err)
	}
	if _, err := h.fund.Withdraw(ctx, at(alice, start+lockup), weth, fee.Units(1, 18), nil); !errors.Is(err, farm.ErrUnauthorized) {
		t.Fatalf("expected value-only asset rejected, got %v", err)
	}
	if !h.fund.BalanceOf(alice).Eq(fee.Units(1000, 18)) {
		t.Fatalf("expected shares untouched after failed withdraw")
	}
}

func (h *harness) invest(fund *Fund, whole uint64, info common.Hash, ts uint64) {
	h.t.Helper()
	call := at(manager, ts)
	call.Value = uint256.NewInt(1_000_000_000_000_000)
	if err := fund.Invest(context.Background(), call, usdc, fee.Units(whole, 6), info); err != nil {
		h.t.Fatalf("invest: %v", err)
	}
}

func (h *harness) venueBalance(account common.Address) *uint256.Int {
	h.t.Helper()
	bal, err := h.venue.BalanceOf(context.Background(), account)
	if err != nil {
		h.t.Fatalf("venue balance: %v", err)
	}
	return bal
}

func TestInvestAndDivest(t *testing.T) {
	h := newHarness(t, noFees(), fee.Zero())
	ctx := context.Background()
	h.deposit(alice, 1000, start+1)
	op := h.operator.Address()
	info := common.HexToHash("0x1234")

	if err := h.fund.Invest(ctx, at(alice, start+2), usdc, fee.Units(400, 6), info); !errors.Is(err, farm.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := h.fund.Invest(ctx, at(manager, start+2), usdc, fee.Units(400, 6), info); !errors.Is(err, farm.ErrBelowMinimum) {
		t.Fatalf("expected missing native fee rejected, got %v", err)
	}
	if !h.venueBalance(fundAddr).IsZero() {
		t.Fatalf("expected failed invests to leave the venue untouched")
	}
	h.invest(h.fund, 400, info, start+2)
	if !h.ledger.BalanceOf(usdc, op).Eq(fee.Units(400, 6)) {
		t.Fatalf("expected operator to receive 400 USDC")
	}
	if !h.ledger.BalanceOf(ledger.Native, op).Eq(uint256.NewInt(1_000_000_000_000_000)) {
		t.Fatalf("expected operator to receive the native fee")
	}
	if got := h.venueBalance(fundAddr); !got.Eq(fee.Units(400, 18)) {
		t.Fatalf("expected 400 USD deployed for the fund, venue has %s", got.Dec())
	}
	if price := h.sharePrice(); !price.Eq(fee.One) {
		t.Fatalf("share price moved to %s after invest", price.Dec())
	}
	res := h.deposit(bob, 600, start+3)
	if !res.Shares.Eq(fee.Units(600, 18)) {
		t.Fatalf("expected 600 shares for 600 USDC after invest, got %s", res.Shares.Dec())
	}

	digest := h.fund.DivestDigest(usdc, info)
	sig, err := h.operator.SignDigest(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	otherKey, _ := crypto.GenerateKey()
	badSig, err := signature.FromKey(otherKey).SignDigest(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := h.fund.Divest(ctx, at(manager, start+4), usdc, fee.Units(400, 6), info, badSig); !errors.Is(err, farm.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if err := h.fund.Divest(ctx, at(manager, start+4), usdc, fee.Units(400, 6), info, sig); err != nil {
		t.Fatalf("divest: %v", err)
	}
	if !h.ledger.BalanceOf(usdc, fundAddr).Eq(fee.Units(1600, 6)) {
		t.Fatalf("expected fund to hold 1600 USDC again")
	}
	if got := h.venueBalance(fundAddr); !got.IsZero() {
		t.Fatalf("expected venue account emptied by divest, has %s", got.Dec())
	}
	if price := h.sharePrice(); !price.Eq(fee.One) {
		t.Fatalf("share price moved to %s after divest", price.Dec())
	}
	if err := h.fund.Divest(ctx, at(manager, start+5), usdc, fee.Units(1, 6), info, sig); !errors.Is(err, farm.ErrInvalidState) {
		t.Fatalf("expected replay rejected, got %v", err)
	}
}

func TestDivestRealisesGainAboveMark(t *testing.T) {
	h := newHarness(t, noFees(), fee.Zero())
	ctx := context.Background()
	h.deposit(alice, 1000, start+1)
	info := common.HexToHash("0x77")
	h.invest(h.fund, 400, info, start+2)
	if err := h.ledger.Mint(ctx, usdc, h.operator.Address(), fee.Units(100, 6)); err != nil {
		t.Fatalf("mint profit: %v", err)
	}
	sig, err := h.operator.SignDigest(h.fund.DivestDigest(usdc, info))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := h.fund.Divest(ctx, at(manager, start+3), usdc, fee.Units(500, 6), info, sig); err != nil {
		t.Fatalf("divest: %v", err)
	}
	if got := h.venueBalance(fundAddr); !got.IsZero() {
		t.Fatalf("expected venue account emptied, has %s", got.Dec())
	}
	if price := h.sharePrice(); !price.Eq(uint256.MustFromDecimal("1100000000000000000")) {
		t.Fatalf("expected share price 1.1 after realised gain, got %s", price.Dec())
	}
}

func TestFundsSharingOperatorValueSeparately(t *testing.T) {
	h := newHarness(t, noFees(), fee.Zero())
	other := h.newFund(common.HexToAddress("0x0000000000000000000000000000000000000f03"), noFees(), fee.Zero())
	ctx := context.Background()
	h.deposit(alice, 1000, start+1)
	if _, err := other.Deposit(ctx, at(bob, start+1), usdc, fee.Units(500, 6), nil); err != nil {
		t.Fatalf("deposit other: %v", err)
	}
	h.invest(h.fund, 400, common.HexToHash("0x01"), start+2)

	tfv, err := other.TotalFundValue(ctx)
	if err != nil {
		t.Fatalf("other value: %v", err)
	}
	if !tfv.Eq(fee.Units(500, 18)) {
		t.Fatalf("expected other fund worth 500 USD, got %s", tfv.Dec())
	}
	tfv, err = h.fund.TotalFundValue(ctx)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if !tfv.Eq(fee.Units(1000, 18)) {
		t.Fatalf("expected investing fund still worth 1000 USD, got %s", tfv.Dec())
	}
}

func TestManagementFeeAccruesOverTime(t *testing.T) {
	fees := noFees()
	fees.Management = fee.Percent(2)
	h := newHarness(t, fees, fee.Zero())
	h.deposit(alice, 1000, start)

	minted, err := h.fund.AccrueFees(context.Background(), at(bob, start+farm.Year))
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if minted.Management.IsZero() || !minted.Performance.IsZero() {
		t.Fatalf("unexpected mint %s/%s", minted.Management.Dec(), minted.Performance.Dec())
	}
	if h.fund.LatestManagementFeeMintAt() != start+farm.Year {
		t.Fatalf("expected mint time to advance")
	}
	price := h.sharePrice()
	value := new(uint256.Int).Mul(h.fund.BalanceOf(manager), price)
	value.Div(value, fee.One)
	want := fee.Units(20, 18)
	diff := new(uint256.Int)
	if value.Gt(want) {
		diff.Sub(value, want)
	} else {
		diff.Sub(want, value)
	}
	if diff.Gt(uint256.NewInt(1_000_000_000)) {
		t.Fatalf("expected manager to own about 20 USD, owns %s", value.Dec())
	}
}

func TestPerformanceFeeAboveHighWaterMark(t *testing.T) {
	fees := noFees()
	fees.Performance = fee.Percent(20)
	h := newHarness(t, fees, fee.Zero())
	h.deposit(alice, 1000, start+1)
	if !h.fund.HighWaterMark().Eq(fee.One) {
		t.Fatalf("expected initial high-water mark of one dollar")
	}
	h.venue.Set(fundAddr, fee.Units(500, 18))

	minted, err := h.fund.AccrueFees(context.Background(), at(bob, start+10))
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if minted.Performance.IsZero() {
		t.Fatalf("expected performance fee shares")
	}
	hwm := h.fund.HighWaterMark()
	if !hwm.Gt(fee.One) || !hwm.Lt(uint256.MustFromDecimal("1500000000000000000")) {
		t.Fatalf("unexpected high-water mark %s", hwm.Dec())
	}
	again, err := h.fund.AccrueFees(context.Background(), at(bob, start+20))
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if !again.Performance.IsZero() {
		t.Fatalf("expected no fee without new gains, got %s", again.Performance.Dec())
	}
}

func TestInfoValuesFund(t *testing.T) {
	h := newHarness(t, noFees(), fee.Zero())
	h.deposit(alice, 1000, start+1)
	info, err := h.fund.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.TotalFundValue != fee.Units(1000, 18).Dec() {
		t.Fatalf("unexpected fund value %s", info.TotalFundValue)
	}
	if info.SharePrice != fee.One.Dec() {
		t.Fatalf("unexpected share price %s", info.SharePrice)
	}
	if info.Holders[alice.Hex()] != fee.Units(1000, 18).Dec() {
		t.Fatalf("unexpected holders %v", info.Holders)
	}
	if info.Symbol != "S1" || info.EndTime != start+90*farm.Day {
		t.Fatalf("unexpected info %+v", info)
	}
}
