// Package pooled implements the seasonal pooled fund: investors deposit any
// deposit-eligible asset for shares priced at the fund's net asset value,
// the manager moves capital to and from an operator, and investors redeem
// shares for assets at the same price less exit fees.
package pooled

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"defarm/internal/farm"
	"defarm/internal/fee"
	"defarm/internal/ledger"
	"defarm/internal/signature"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type Config struct {
	Name                string
	Symbol              string
	IsPrivate           bool
	FarmingPeriod       uint64
	InitialLockupPeriod uint64
	MinDeposit          *uint256.Int
	MaxDeposit          *uint256.Int
}

type Params struct {
	Address   common.Address
	Manager   common.Address
	Operator  common.Address
	Config    Config
	Assets    []Asset
	Fees      Fees
	StartTime uint64
	Snapshot  farm.Snapshot
}

type DepositResult struct {
	Value          *uint256.Int
	SharePrice     *uint256.Int
	Shares         *uint256.Int
	EntranceShares *uint256.Int
}

type WithdrawResult struct {
	Amount        *uint256.Int
	Value         *uint256.Int
	ExitShares    *uint256.Int
	PenaltyShares *uint256.Int
}

type FeeMint struct {
	Management  *uint256.Int
	Performance *uint256.Int
}

type state struct {
	balances             map[common.Address]*uint256.Int
	totalSupply          *uint256.Int
	priceAtLastPerfMint  *uint256.Int
	latestManagementMint uint64
	settled              map[common.Hash]bool
}

func (s state) clone() state {
	out := state{
		balances:             make(map[common.Address]*uint256.Int, len(s.balances)),
		totalSupply:          new(uint256.Int).Set(s.totalSupply),
		priceAtLastPerfMint:  new(uint256.Int).Set(s.priceAtLastPerfMint),
		latestManagementMint: s.latestManagementMint,
		settled:              make(map[common.Hash]bool, len(s.settled)),
	}
	for k, v := range s.balances {
		out.balances[k] = new(uint256.Int).Set(v)
	}
	for k, v := range s.settled {
		out.settled[k] = v
	}
	return out
}

type Fund struct {
	*Management

	ledger    *ledger.Ledger
	address   common.Address
	manager   common.Address
	operator  common.Address
	cfg       Config
	startTime uint64
	endTime   uint64
	snap      farm.Snapshot

	mu sync.RWMutex
	st state
}

func New(l *ledger.Ledger, p Params) (*Fund, error) {
	if l == nil {
		return nil, errors.New("pooled fund: ledger is required")
	}
	if p.Config.MinDeposit == nil || p.Config.MaxDeposit == nil || p.Config.MinDeposit.Gt(p.Config.MaxDeposit) {
		return nil, errors.New("pooled fund: deposit bounds are invalid")
	}
	if p.Config.FarmingPeriod == 0 {
		return nil, errors.New("pooled fund: farming period is required")
	}
	mgmt, err := newManagement(l, p.Address, p.Assets, p.Fees, p.Snapshot)
	if err != nil {
		return nil, err
	}
	return &Fund{
		Management: mgmt,
		ledger:     l,
		address:    p.Address,
		manager:    p.Manager,
		operator:   p.Operator,
		cfg:        p.Config,
		startTime:  p.StartTime,
		endTime:    p.StartTime + p.Config.FarmingPeriod,
		snap:       p.Snapshot,
		st: state{
			balances:             make(map[common.Address]*uint256.Int),
			totalSupply:          new(uint256.Int),
			priceAtLastPerfMint:  new(uint256.Int).Set(fee.One),
			latestManagementMint: p.StartTime,
			settled:              make(map[common.Hash]bool),
		},
	}, nil
}

func (f *Fund) mutate(ctx context.Context, fn func(tx *ledger.Tx) error) error {
	return f.ledger.Atomic(ctx, func(tx *ledger.Tx) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		prev := f.st.clone()
		tx.OnRevert(func() {
			f.mu.Lock()
			f.st = prev
			f.mu.Unlock()
		})
		return fn(tx)
	})
}

func (f *Fund) active(now uint64) bool {
	return now >= f.startTime && now < f.endTime
}

// sharePriceLocked returns the USD value of one share given the fund value.
// An empty fund prices shares at one dollar.
func (f *Fund) sharePriceLocked(tfv *uint256.Int) (*uint256.Int, error) {
	if f.st.totalSupply.IsZero() {
		return new(uint256.Int).Set(fee.One), nil
	}
	return fee.MulDiv(tfv, fee.One, f.st.totalSupply)
}

// Deposit exchanges amount of a deposit asset for shares at the current
// share price. The entrance fee is taken in shares.
func (f *Fund) Deposit(ctx context.Context, call ledger.Call, asset common.Address, amount, minSharesOut *uint256.Int) (DepositResult, error) {
	var res DepositResult
	err := f.mutate(ctx, func(tx *ledger.Tx) error {
		if !f.active(call.Timestamp) {
			return fmt.Errorf("deposit: fund not active: %w", farm.ErrInvalidState)
		}
		if !f.IsDepositAsset(asset) {
			return fmt.Errorf("deposit: asset %s not accepted: %w", asset.Hex(), farm.ErrUnauthorized)
		}
		if f.cfg.IsPrivate && call.Sender != f.manager && !farm.HoldsSeed(f.snap.Seeds, f.manager, call.Sender) {
			return fmt.Errorf("deposit: private fund requires a manager seed: %w", farm.ErrUnauthorized)
		}
		if _, err := f.accrueLocked(ctx, tx, call.Timestamp); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		value, err := f.AssetValue(ctx, asset, amount)
		if err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		if value.Lt(f.cfg.MinDeposit) || value.IsZero() {
			return fmt.Errorf("deposit: value %s: %w", value.Dec(), farm.ErrBelowMinimum)
		}
		if value.Gt(f.cfg.MaxDeposit) {
			return fmt.Errorf("deposit: value %s: %w", value.Dec(), farm.ErrAboveMaximum)
		}
		tfv, err := f.TotalFundValue(ctx)
		if err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		if !f.st.totalSupply.IsZero() && tfv.IsZero() {
			return fmt.Errorf("deposit: fund has no value: %w", farm.ErrInvalidState)
		}
		price, err := f.sharePriceLocked(tfv)
		if err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		gross, err := fee.MulDiv(value, fee.One, price)
		if err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		entrance, err := f.fees.Entrance.Apply(gross)
		if err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		shares := new(uint256.Int).Sub(gross, entrance)
		if minSharesOut != nil && shares.Lt(minSharesOut) {
			return fmt.Errorf("deposit: %s shares below %s: %w", shares.Dec(), minSharesOut.Dec(), farm.ErrInsufficientOutput)
		}

		if err := tx.Transfer(asset, call.Sender, f.address, amount); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		f.mintLocked(call.Sender, shares)
		if err := f.mintFeeSharesLocked(entrance); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}

		res = DepositResult{Value: value, SharePrice: price, Shares: shares, EntranceShares: entrance}
		tx.Emit(f.event(ledger.EventDeposited, call, map[string]string{
			"investor":        call.Sender.Hex(),
			"asset":           asset.Hex(),
			"amount":          amount.Dec(),
			"value":           value.Dec(),
			"shares":          shares.Dec(),
			"entrance_shares": entrance.Dec(),
		}))
		return nil
	})
	return res, err
}

// Withdraw redeems shares for asset at the current share price. Exit fee
// and any lockup penalty stay in the fund as shares for the manager and the
// treasury.
func (f *Fund) Withdraw(ctx context.Context, call ledger.Call, asset common.Address, shares, minAmountOut *uint256.Int) (WithdrawResult, error) {
	var res WithdrawResult
	err := f.mutate(ctx, func(tx *ledger.Tx) error {
		if shares == nil || shares.IsZero() {
			return fmt.Errorf("withdraw: %w", farm.ErrBelowMinimum)
		}
		if !f.IsDepositAsset(asset) {
			return fmt.Errorf("withdraw: asset %s not redeemable: %w", asset.Hex(), farm.ErrUnauthorized)
		}
		if f.balanceLocked(call.Sender).Lt(shares) {
			return fmt.Errorf("withdraw: %w", ledger.ErrInsufficientBalance)
		}
		if _, err := f.accrueLocked(ctx, tx, call.Timestamp); err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		exitShares, err := f.fees.Exit.Apply(shares)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		penaltyShares := new(uint256.Int)
		if tier, ok := f.penaltyTier(call.Timestamp); ok {
			penaltyShares, err = f.snap.PenaltyFees[tier].Apply(exitShares)
			if err != nil {
				return fmt.Errorf("withdraw: %w", err)
			}
		}
		feeShares := fee.Min(new(uint256.Int).Add(exitShares, penaltyShares), shares)
		net := new(uint256.Int).Sub(shares, feeShares)

		tfv, err := f.TotalFundValue(ctx)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		portion, err := fee.MulDiv(net, fee.One, f.st.totalSupply)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		value, err := fee.MulDiv(portion, tfv, fee.One)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		amount, err := f.ValueToAsset(ctx, asset, value)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		if minAmountOut != nil && amount.Lt(minAmountOut) {
			return fmt.Errorf("withdraw: %s below %s: %w", amount.Dec(), minAmountOut.Dec(), farm.ErrInsufficientOutput)
		}

		f.burnLocked(call.Sender, shares)
		if err := f.mintFeeSharesLocked(feeShares); err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		if err := tx.Transfer(asset, f.address, call.Sender, amount); err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}

		res = WithdrawResult{Amount: amount, Value: value, ExitShares: exitShares, PenaltyShares: penaltyShares}
		tx.Emit(f.event(ledger.EventWithdrawal, call, map[string]string{
			"investor":       call.Sender.Hex(),
			"asset":          asset.Hex(),
			"shares":         shares.Dec(),
			"amount":         amount.Dec(),
			"exit_shares":    exitShares.Dec(),
			"penalty_shares": penaltyShares.Dec(),
		}))
		return nil
	})
	return res, err
}

// penaltyTier returns which third of the initial lockup now falls in, or
// false once the lockup has passed.
func (f *Fund) penaltyTier(now uint64) (int, bool) {
	lockup := f.cfg.InitialLockupPeriod
	if lockup == 0 || now >= f.startTime+lockup {
		return 0, false
	}
	var elapsed uint64
	if now > f.startTime {
		elapsed = now - f.startTime
	}
	tier := int(elapsed * 3 / lockup)
	if tier > 2 {
		tier = 2
	}
	return tier, true
}

// Invest moves amount of asset from the fund to the operator. The caller
// pays the registry's native fee to the operator.
func (f *Fund) Invest(ctx context.Context, call ledger.Call, asset common.Address, amount *uint256.Int, infoHash common.Hash) error {
	return f.mutate(ctx, func(tx *ledger.Tx) error {
		if call.Sender != f.manager {
			return fmt.Errorf("invest: %w", farm.ErrUnauthorized)
		}
		if !f.IsSupportedAsset(asset) {
			return fmt.Errorf("invest: asset %s not supported: %w", asset.Hex(), farm.ErrUnauthorized)
		}
		if amount == nil || amount.IsZero() {
			return fmt.Errorf("invest: %w", farm.ErrBelowMinimum)
		}
		ethFee := f.snap.EthFee
		if ethFee == nil {
			ethFee = new(uint256.Int)
		}
		if call.AttachedValue().Lt(ethFee) {
			return fmt.Errorf("invest: native fee %s not paid: %w", ethFee.Dec(), farm.ErrBelowMinimum)
		}
		value, err := f.AssetValue(ctx, asset, amount)
		if err != nil {
			return fmt.Errorf("invest: %w", err)
		}
		if err := tx.Transfer(ledger.Native, call.Sender, f.operator, ethFee); err != nil {
			return fmt.Errorf("invest: native fee: %w", err)
		}
		if err := tx.Transfer(asset, f.address, f.operator, amount); err != nil {
			return fmt.Errorf("invest: %w", err)
		}
		if err := f.deploy(ctx, tx, value); err != nil {
			return fmt.Errorf("invest: %w", err)
		}
		tx.Emit(f.event(ledger.EventInvested, call, map[string]string{
			"asset":     asset.Hex(),
			"amount":    amount.Dec(),
			"value":     value.Dec(),
			"info_hash": infoHash.Hex(),
		}))
		return nil
	})
}

// DivestDigest is what the operator signs to release amount back to the
// fund for infoHash.
func (f *Fund) DivestDigest(asset common.Address, infoHash common.Hash) common.Hash {
	return signature.DivestDigest(f.snap.ChainID, f.address, asset, infoHash)
}

// Divest pulls amount of asset back from the operator. The operator must
// have signed the settlement, and each infoHash settles once. The returned
// value leaves the fund's venue account, never more than it holds there.
func (f *Fund) Divest(ctx context.Context, call ledger.Call, asset common.Address, amount *uint256.Int, infoHash common.Hash, operatorSig []byte) error {
	return f.mutate(ctx, func(tx *ledger.Tx) error {
		if call.Sender != f.manager {
			return fmt.Errorf("divest: %w", farm.ErrUnauthorized)
		}
		if !f.IsSupportedAsset(asset) {
			return fmt.Errorf("divest: asset %s not supported: %w", asset.Hex(), farm.ErrUnauthorized)
		}
		if f.st.settled[infoHash] {
			return fmt.Errorf("divest: %s already settled: %w", infoHash.Hex(), farm.ErrInvalidState)
		}
		if err := signature.Verify(f.DivestDigest(asset, infoHash), operatorSig, f.operator); err != nil {
			return fmt.Errorf("divest: %v: %w", err, farm.ErrInvalidSignature)
		}
		value, err := f.AssetValue(ctx, asset, amount)
		if err != nil {
			return fmt.Errorf("divest: %w", err)
		}
		f.st.settled[infoHash] = true
		if err := tx.Transfer(asset, f.operator, f.address, amount); err != nil {
			return fmt.Errorf("divest: %w", err)
		}
		recalled, err := f.recall(ctx, tx, value)
		if err != nil {
			return fmt.Errorf("divest: %w", err)
		}
		tx.Emit(f.event(ledger.EventDivested, call, map[string]string{
			"asset":     asset.Hex(),
			"amount":    valueOrZero(amount).Dec(),
			"value":     recalled.Dec(),
			"info_hash": infoHash.Hex(),
		}))
		return nil
	})
}

// AccrueFees mints management and performance fee shares up to the call's
// timestamp. Anyone may trigger it.
func (f *Fund) AccrueFees(ctx context.Context, call ledger.Call) (FeeMint, error) {
	var minted FeeMint
	err := f.mutate(ctx, func(tx *ledger.Tx) error {
		var err error
		minted, err = f.accrueLocked(ctx, tx, call.Timestamp)
		return err
	})
	return minted, err
}

func (f *Fund) accrueLocked(ctx context.Context, tx *ledger.Tx, now uint64) (FeeMint, error) {
	minted := FeeMint{Management: new(uint256.Int), Performance: new(uint256.Int)}
	if now <= f.st.latestManagementMint {
		return minted, nil
	}
	elapsed := now - f.st.latestManagementMint
	f.st.latestManagementMint = now
	if f.st.totalSupply.IsZero() {
		return minted, nil
	}
	tfv, err := f.TotalFundValue(ctx)
	if err != nil {
		return minted, err
	}
	if tfv.IsZero() {
		return minted, nil
	}

	if !f.fees.Management.IsZero() {
		accrued, err := fee.MulDiv(tfv, uint256.NewInt(elapsed), uint256.NewInt(farm.Year))
		if err != nil {
			return minted, err
		}
		feeValue, err := f.fees.Management.Apply(accrued)
		if err != nil {
			return minted, err
		}
		shares, err := f.dilutionShares(tfv, feeValue)
		if err != nil {
			return minted, err
		}
		if err := f.mintFeeSharesLocked(shares); err != nil {
			return minted, err
		}
		minted.Management = shares
	}

	price, err := f.sharePriceLocked(tfv)
	if err != nil {
		return minted, err
	}
	if !f.fees.Performance.IsZero() && price.Gt(f.st.priceAtLastPerfMint) {
		gain, err := fee.MulDiv(new(uint256.Int).Sub(price, f.st.priceAtLastPerfMint), f.st.totalSupply, fee.One)
		if err != nil {
			return minted, err
		}
		feeValue, err := f.fees.Performance.Apply(gain)
		if err != nil {
			return minted, err
		}
		shares, err := f.dilutionShares(tfv, feeValue)
		if err != nil {
			return minted, err
		}
		if err := f.mintFeeSharesLocked(shares); err != nil {
			return minted, err
		}
		minted.Performance = shares
		if price, err = f.sharePriceLocked(tfv); err != nil {
			return minted, err
		}
		f.st.priceAtLastPerfMint = price
	}

	if !minted.Management.IsZero() || !minted.Performance.IsZero() {
		tx.Emit(ledger.Event{
			Name:      ledger.EventFeesMinted,
			Contract:  f.address,
			Timestamp: now,
			Fields: map[string]string{
				"management":  minted.Management.Dec(),
				"performance": minted.Performance.Dec(),
				"share_price": price.Dec(),
			},
		})
	}
	return minted, nil
}

// dilutionShares returns how many new shares are worth feeValue once
// minted: value * supply / (tfv - value).
func (f *Fund) dilutionShares(tfv, feeValue *uint256.Int) (*uint256.Int, error) {
	if feeValue.IsZero() || !tfv.Gt(feeValue) {
		return new(uint256.Int), nil
	}
	return fee.MulDiv(feeValue, f.st.totalSupply, new(uint256.Int).Sub(tfv, feeValue))
}

// mintFeeSharesLocked splits fee shares between the treasury (protocol cut)
// and the manager.
func (f *Fund) mintFeeSharesLocked(shares *uint256.Int) error {
	if shares.IsZero() {
		return nil
	}
	protocolCut, err := f.snap.ProtocolFee.Apply(shares)
	if err != nil {
		return err
	}
	f.mintLocked(f.snap.Treasury, protocolCut)
	f.mintLocked(f.manager, new(uint256.Int).Sub(shares, protocolCut))
	return nil
}

func (f *Fund) mintLocked(to common.Address, shares *uint256.Int) {
	if shares.IsZero() {
		return
	}
	f.st.balances[to] = new(uint256.Int).Add(f.balanceLocked(to), shares)
	f.st.totalSupply = new(uint256.Int).Add(f.st.totalSupply, shares)
}

func (f *Fund) burnLocked(from common.Address, shares *uint256.Int) {
	f.st.balances[from] = new(uint256.Int).Sub(f.balanceLocked(from), shares)
	if f.st.balances[from].IsZero() {
		delete(f.st.balances, from)
	}
	f.st.totalSupply = new(uint256.Int).Sub(f.st.totalSupply, shares)
}

func (f *Fund) balanceLocked(who common.Address) *uint256.Int {
	if v, ok := f.st.balances[who]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (f *Fund) event(name string, call ledger.Call, fields map[string]string) ledger.Event {
	return ledger.Event{Name: name, Contract: f.address, Timestamp: call.Timestamp, Fields: fields}
}

func (f *Fund) Address() common.Address  { return f.address }
func (f *Fund) Manager() common.Address  { return f.manager }
func (f *Fund) Operator() common.Address { return f.operator }
func (f *Fund) Name() string             { return f.cfg.Name }
func (f *Fund) Symbol() string           { return f.cfg.Symbol }
func (f *Fund) StartTime() uint64        { return f.startTime }
func (f *Fund) EndTime() uint64          { return f.endTime }

func (f *Fund) TotalSupply() *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(uint256.Int).Set(f.st.totalSupply)
}

func (f *Fund) BalanceOf(who common.Address) *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.balanceLocked(who)
}

func (f *Fund) HighWaterMark() *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(uint256.Int).Set(f.st.priceAtLastPerfMint)
}

func (f *Fund) LatestManagementFeeMintAt() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.st.latestManagementMint
}

func (f *Fund) SharePrice(ctx context.Context) (*uint256.Int, error) {
	tfv, err := f.TotalFundValue(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sharePriceLocked(tfv)
}

// AssetValueToShares quotes the shares amount of asset would buy before the
// entrance fee.
func (f *Fund) AssetValueToShares(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	value, err := f.AssetValue(ctx, asset, amount)
	if err != nil {
		return nil, err
	}
	price, err := f.SharePrice(ctx)
	if err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, fmt.Errorf("share price is zero: %w", farm.ErrInvalidState)
	}
	return fee.MulDiv(value, fee.One, price)
}

func valueOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
