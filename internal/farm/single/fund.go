// Package single implements the single-asset fund: capital is raised in the
// settlement asset, handed to an operator for one leveraged position and
// paid back pro rata after the position is closed or the fund cancelled.
package single

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"defarm/internal/farm"
	"defarm/internal/fee"
	"defarm/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LeverageScale is the fixed-point scale of TradeParams.Leverage (1e6 = 1x).
const LeverageScale = 1_000_000

type TradeParams struct {
	BaseToken         common.Address
	Long              bool
	FundraisingPeriod uint64
	EntryPrice        *uint256.Int
	TargetPrice       *uint256.Int
	LiquidationPrice  *uint256.Int
	Leverage          uint64
}

type Params struct {
	Address    common.Address
	Manager    common.Address
	Operator   common.Address
	Trade      TradeParams
	ManagerFee fee.Fee
	IsPrivate  bool
	StartTime  uint64
	Snapshot   farm.Snapshot
}

type DepositResult struct {
	Retained *uint256.Int
	Refunded *uint256.Int
}

type CloseResult struct {
	Proceeds   *uint256.Int
	Profit     *uint256.Int
	ManagerFee *uint256.Int
	Final      *uint256.Int
}

type state struct {
	status            Status
	endTime           uint64
	fundraisingClosed bool
	totalRaised       *uint256.Int
	actualTotalRaised *uint256.Int
	userAmount        map[common.Address]*uint256.Int
	finalBalance      *uint256.Int
	paidOut           *uint256.Int
	claimedBase       *uint256.Int
	managerFeePaid    *uint256.Int
	infoHash          common.Hash
}

func (s state) clone() state {
	out := s
	out.totalRaised = new(uint256.Int).Set(s.totalRaised)
	out.actualTotalRaised = new(uint256.Int).Set(s.actualTotalRaised)
	out.finalBalance = new(uint256.Int).Set(s.finalBalance)
	out.paidOut = new(uint256.Int).Set(s.paidOut)
	out.claimedBase = new(uint256.Int).Set(s.claimedBase)
	out.managerFeePaid = new(uint256.Int).Set(s.managerFeePaid)
	out.userAmount = make(map[common.Address]*uint256.Int, len(s.userAmount))
	for k, v := range s.userAmount {
		out.userAmount[k] = new(uint256.Int).Set(v)
	}
	return out
}

type Fund struct {
	ledger *ledger.Ledger

	address    common.Address
	manager    common.Address
	operator   common.Address
	trade      TradeParams
	managerFee fee.Fee
	isPrivate  bool
	startTime  uint64
	cfg        farm.Snapshot

	mu sync.RWMutex
	st state
}

func New(l *ledger.Ledger, p Params) (*Fund, error) {
	if l == nil {
		return nil, errors.New("single fund: ledger is required")
	}
	if p.Snapshot.Capacity == nil || p.Snapshot.MinInvestment == nil || p.Snapshot.MaxInvestment == nil {
		return nil, errors.New("single fund: investment bounds are required")
	}
	if !p.ManagerFee.Valid() {
		return nil, errors.New("single fund: manager fee is invalid")
	}
	return &Fund{
		ledger:     l,
		address:    p.Address,
		manager:    p.Manager,
		operator:   p.Operator,
		trade:      p.Trade,
		managerFee: p.ManagerFee.Clone(),
		isPrivate:  p.IsPrivate,
		startTime:  p.StartTime,
		cfg:        p.Snapshot,
		st: state{
			status:            StatusNotOpened,
			endTime:           p.StartTime + p.Trade.FundraisingPeriod,
			totalRaised:       new(uint256.Int),
			actualTotalRaised: new(uint256.Int),
			userAmount:        make(map[common.Address]*uint256.Int),
			finalBalance:      new(uint256.Int),
			paidOut:           new(uint256.Int),
			claimedBase:       new(uint256.Int),
			managerFeePaid:    new(uint256.Int),
		},
	}, nil
}

// mutate runs fn inside a ledger transaction with the fund locked. The fund
// state is restored if the transaction fails.
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

func (f *Fund) applyLocked(t transition) error {
	next, ok := nextStatus(f.st.status, t)
	if !ok {
		return fmt.Errorf("%s from %s: %w", t, f.st.status, farm.ErrInvalidState)
	}
	f.st.status = next
	return nil
}

func (f *Fund) fundraisingOpenLocked(now uint64) bool {
	return !f.st.fundraisingClosed && now < f.st.endTime
}

// Deposit adds up to amount of the settlement asset from the caller. Only
// the part that fits under the fund capacity is taken; the rest is reported
// as refunded.
func (f *Fund) Deposit(ctx context.Context, call ledger.Call, amount *uint256.Int) (DepositResult, error) {
	var res DepositResult
	err := f.mutate(ctx, func(tx *ledger.Tx) error {
		if f.st.status != StatusNotOpened || !f.fundraisingOpenLocked(call.Timestamp) {
			return fmt.Errorf("deposit: fundraising is over: %w", farm.ErrInvalidState)
		}
		if amount == nil || amount.Lt(f.cfg.MinInvestment) {
			return fmt.Errorf("deposit: %w", farm.ErrBelowMinimum)
		}
		if f.isPrivate && call.Sender != f.manager && !farm.HoldsSeed(f.cfg.Seeds, f.manager, call.Sender) {
			return fmt.Errorf("deposit: private fund requires a manager seed: %w", farm.ErrUnauthorized)
		}
		remaining := fee.SatSub(f.cfg.Capacity, f.st.actualTotalRaised)
		retained := fee.Min(amount, remaining)
		if retained.IsZero() {
			return fmt.Errorf("deposit: %w", farm.ErrCapacityExceeded)
		}
		held := f.userAmountLocked(call.Sender)
		total, overflow := new(uint256.Int).AddOverflow(held, retained)
		if overflow || total.Gt(f.cfg.MaxInvestment) {
			return fmt.Errorf("deposit: %w", farm.ErrAboveMaximum)
		}
		if err := tx.Transfer(f.cfg.SettlementAsset, call.Sender, f.address, retained); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		f.st.totalRaised.Add(f.st.totalRaised, amount)
		f.st.actualTotalRaised.Add(f.st.actualTotalRaised, retained)
		f.st.userAmount[call.Sender] = new(uint256.Int).Add(held, retained)

		res = DepositResult{Retained: retained, Refunded: new(uint256.Int).Sub(amount, retained)}
		tx.Emit(f.event(ledger.EventDeposited, call, map[string]string{
			"investor": call.Sender.Hex(),
			"amount":   amount.Dec(),
			"retained": retained.Dec(),
		}))
		return nil
	})
	return res, err
}

// CloseFundraising ends fundraising now, ahead of the scheduled end time if
// needed.
func (f *Fund) CloseFundraising(ctx context.Context, call ledger.Call) error {
	return f.mutate(ctx, func(tx *ledger.Tx) error {
		return f.closeFundraisingLocked(tx, call)
	})
}

func (f *Fund) closeFundraisingLocked(tx *ledger.Tx, call ledger.Call) error {
	if call.Sender != f.manager {
		return fmt.Errorf("close fundraising: %w", farm.ErrUnauthorized)
	}
	if f.st.status != StatusNotOpened || f.st.fundraisingClosed {
		return fmt.Errorf("close fundraising: %w", farm.ErrInvalidState)
	}
	f.st.fundraisingClosed = true
	f.st.endTime = call.Timestamp
	tx.Emit(f.event(ledger.EventFundraisingClosed, call, map[string]string{
		"raised": f.st.actualTotalRaised.Dec(),
	}))
	return nil
}

// OpenPosition hands the raised capital to the operator, less the protocol
// cut which goes to the treasury, and records its USD value at the venue
// under the fund's account.
func (f *Fund) OpenPosition(ctx context.Context, call ledger.Call, infoHash common.Hash) error {
	return f.mutate(ctx, func(tx *ledger.Tx) error {
		return f.openPositionLocked(ctx, tx, call, infoHash)
	})
}

// CloseFundraisingAndOpenPosition does both steps in one transaction.
func (f *Fund) CloseFundraisingAndOpenPosition(ctx context.Context, call ledger.Call, infoHash common.Hash) error {
	return f.mutate(ctx, func(tx *ledger.Tx) error {
		if err := f.closeFundraisingLocked(tx, call); err != nil {
			return err
		}
		return f.openPositionLocked(ctx, tx, call, infoHash)
	})
}

func (f *Fund) openPositionLocked(ctx context.Context, tx *ledger.Tx, call ledger.Call, infoHash common.Hash) error {
	if call.Sender != f.manager {
		return fmt.Errorf("open position: %w", farm.ErrUnauthorized)
	}
	if f.st.status != StatusNotOpened {
		return fmt.Errorf("open position from %s: %w", f.st.status, farm.ErrInvalidState)
	}
	if f.fundraisingOpenLocked(call.Timestamp) {
		return fmt.Errorf("open position: fundraising still open: %w", farm.ErrInvalidState)
	}
	if f.st.actualTotalRaised.IsZero() {
		return fmt.Errorf("open position: nothing raised: %w", farm.ErrBelowMinimum)
	}
	protocolCut, err := f.cfg.ProtocolFee.Apply(f.st.actualTotalRaised)
	if err != nil {
		return fmt.Errorf("open position: %w", err)
	}
	toOperator := new(uint256.Int).Sub(f.st.actualTotalRaised, protocolCut)
	if f.cfg.Venue == nil {
		return fmt.Errorf("open position: no execution venue: %w", farm.ErrInvalidState)
	}
	deployed, err := f.settlementValue(ctx, toOperator)
	if err != nil {
		return fmt.Errorf("open position: %w", err)
	}
	if err := f.applyLocked(transitionOpen); err != nil {
		return err
	}
	f.st.infoHash = infoHash

	if err := tx.Transfer(f.cfg.SettlementAsset, f.address, f.cfg.Treasury, protocolCut); err != nil {
		return fmt.Errorf("open position: protocol fee: %w", err)
	}
	if err := tx.Transfer(f.cfg.SettlementAsset, f.address, f.operator, toOperator); err != nil {
		return fmt.Errorf("open position: %w", err)
	}
	if err := f.cfg.Venue.TransferIn(ctx, f.address, deployed); err != nil {
		return fmt.Errorf("open position: venue: %w", err)
	}
	tx.OnRevert(func() {
		_ = f.cfg.Venue.TransferOut(context.WithoutCancel(ctx), f.address, deployed)
	})
	tx.Emit(f.event(ledger.EventPositionOpened, call, map[string]string{
		"info_hash":    infoHash.Hex(),
		"deployed":     toOperator.Dec(),
		"usd_value":    deployed.Dec(),
		"protocol_fee": protocolCut.Dec(),
	}))
	return nil
}

// ClosePosition collects proceeds from the operator, pays the manager fee on
// profit and keeps the rest for depositors. Whatever the venue still marks
// for the fund is released.
func (f *Fund) ClosePosition(ctx context.Context, call ledger.Call, proceeds *uint256.Int) (CloseResult, error) {
	var res CloseResult
	err := f.mutate(ctx, func(tx *ledger.Tx) error {
		if call.Sender != f.manager {
			return fmt.Errorf("close position: %w", farm.ErrUnauthorized)
		}
		if proceeds == nil {
			proceeds = new(uint256.Int)
		}
		if err := f.applyLocked(transitionClose); err != nil {
			return err
		}
		if err := tx.Transfer(f.cfg.SettlementAsset, f.operator, f.address, proceeds); err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		if err := f.releaseVenueLocked(ctx, tx); err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		profit := fee.SatSub(proceeds, f.st.actualTotalRaised)
		managerFee, err := f.managerFee.Apply(profit)
		if err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		final := new(uint256.Int).Sub(proceeds, managerFee)
		f.st.finalBalance = final
		f.st.managerFeePaid = managerFee

		if err := tx.Transfer(f.cfg.SettlementAsset, f.address, f.manager, managerFee); err != nil {
			return fmt.Errorf("close position: manager fee: %w", err)
		}
		res = CloseResult{
			Proceeds:   new(uint256.Int).Set(proceeds),
			Profit:     profit,
			ManagerFee: new(uint256.Int).Set(managerFee),
			Final:      new(uint256.Int).Set(final),
		}
		tx.Emit(f.event(ledger.EventPositionClosed, call, map[string]string{
			"proceeds":    proceeds.Dec(),
			"profit":      profit.Dec(),
			"manager_fee": managerFee.Dec(),
		}))
		return nil
	})
	return res, err
}

// Liquidate marks an open position as wiped out. The venue must report no
// remaining balance for the fund.
func (f *Fund) Liquidate(ctx context.Context, call ledger.Call) error {
	return f.mutate(ctx, func(tx *ledger.Tx) error {
		if call.Sender != f.cfg.Admin {
			return fmt.Errorf("liquidate: %w", farm.ErrUnauthorized)
		}
		if f.st.status != StatusOpened {
			return fmt.Errorf("liquidate from %s: %w", f.st.status, farm.ErrInvalidState)
		}
		if f.cfg.Venue == nil {
			return fmt.Errorf("liquidate: no execution venue: %w", farm.ErrInvalidState)
		}
		bal, err := f.cfg.Venue.BalanceOf(ctx, f.address)
		if err != nil {
			return fmt.Errorf("liquidate: venue balance: %w", err)
		}
		if bal != nil && !bal.IsZero() {
			return fmt.Errorf("liquidate: venue still holds %s: %w", bal.Dec(), farm.ErrInvalidState)
		}
		if err := f.applyLocked(transitionLiquidate); err != nil {
			return err
		}
		tx.Emit(f.event(ledger.EventLiquidated, call, nil))
		return nil
	})
}

// settlementValue prices amount of the settlement asset in USD.
func (f *Fund) settlementValue(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	if f.cfg.Prices == nil {
		return nil, fmt.Errorf("no price source: %w", farm.ErrInvalidState)
	}
	decimals, ok := f.ledger.Decimals(f.cfg.SettlementAsset)
	if !ok {
		return nil, fmt.Errorf("settlement asset %s not registered: %w", f.cfg.SettlementAsset.Hex(), farm.ErrInvalidState)
	}
	price, err := f.cfg.Prices.USDPrice(ctx, f.cfg.SettlementAsset)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", f.cfg.SettlementAsset.Hex(), err)
	}
	return fee.MulDiv(amount, price, fee.Pow10(decimals))
}

func (f *Fund) releaseVenueLocked(ctx context.Context, tx *ledger.Tx) error {
	if f.cfg.Venue == nil {
		return nil
	}
	held, err := f.cfg.Venue.BalanceOf(ctx, f.address)
	if err != nil {
		return fmt.Errorf("venue balance: %w", err)
	}
	if held == nil || held.IsZero() {
		return nil
	}
	if err := f.cfg.Venue.TransferOut(ctx, f.address, held); err != nil {
		return fmt.Errorf("venue: %w", err)
	}
	tx.OnRevert(func() {
		_ = f.cfg.Venue.TransferIn(context.WithoutCancel(ctx), f.address, held)
	})
	return nil
}

// CancelByManager cancels the fund before a position is opened.
func (f *Fund) CancelByManager(ctx context.Context, call ledger.Call) error {
	return f.mutate(ctx, func(tx *ledger.Tx) error {
		if call.Sender != f.manager {
			return fmt.Errorf("cancel: %w", farm.ErrUnauthorized)
		}
		return f.cancelLocked(tx, call)
	})
}

// CancelByAdmin cancels a fund whose manager never opened a position once
// the fund deadline has passed.
func (f *Fund) CancelByAdmin(ctx context.Context, call ledger.Call) error {
	return f.mutate(ctx, func(tx *ledger.Tx) error {
		if call.Sender != f.cfg.Admin {
			return fmt.Errorf("cancel: %w", farm.ErrUnauthorized)
		}
		if call.Timestamp < f.st.endTime+f.cfg.FundDeadline {
			return fmt.Errorf("cancel: deadline not reached: %w", farm.ErrInvalidState)
		}
		return f.cancelLocked(tx, call)
	})
}

func (f *Fund) cancelLocked(tx *ledger.Tx, call ledger.Call) error {
	if err := f.applyLocked(transitionCancel); err != nil {
		return err
	}
	f.st.endTime = 0
	f.st.finalBalance = new(uint256.Int).Set(f.st.actualTotalRaised)
	tx.Emit(f.event(ledger.EventCancelled, call, map[string]string{
		"by":     call.Sender.Hex(),
		"refund": f.st.finalBalance.Dec(),
	}))
	return nil
}

// Claim pays the caller's share of the final balance. The share is taken
// from what is still unclaimed so the last claimant receives any rounding
// remainder.
func (f *Fund) Claim(ctx context.Context, call ledger.Call) (*uint256.Int, error) {
	var paid *uint256.Int
	err := f.mutate(ctx, func(tx *ledger.Tx) error {
		if !f.st.status.Finalised() {
			return fmt.Errorf("claim in %s: %w", f.st.status, farm.ErrNotFinalised)
		}
		amount, err := f.claimableLocked(call.Sender)
		if err != nil {
			return err
		}
		held := f.userAmountLocked(call.Sender)
		if held.IsZero() {
			return fmt.Errorf("claim: nothing to claim: %w", farm.ErrInvalidState)
		}
		delete(f.st.userAmount, call.Sender)
		f.st.claimedBase.Add(f.st.claimedBase, held)
		f.st.paidOut.Add(f.st.paidOut, amount)

		if err := tx.Transfer(f.cfg.SettlementAsset, f.address, call.Sender, amount); err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		paid = amount
		tx.Emit(f.event(ledger.EventClaimed, call, map[string]string{
			"investor": call.Sender.Hex(),
			"amount":   amount.Dec(),
		}))
		return nil
	})
	return paid, err
}

func (f *Fund) claimableLocked(user common.Address) (*uint256.Int, error) {
	held := f.userAmountLocked(user)
	if held.IsZero() || !f.st.status.Finalised() {
		return new(uint256.Int), nil
	}
	base := new(uint256.Int).Sub(f.st.actualTotalRaised, f.st.claimedBase)
	left := fee.SatSub(f.st.finalBalance, f.st.paidOut)
	if base.IsZero() {
		return new(uint256.Int), nil
	}
	return fee.MulDiv(held, left, base)
}

func (f *Fund) userAmountLocked(user common.Address) *uint256.Int {
	if v, ok := f.st.userAmount[user]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (f *Fund) event(name string, call ledger.Call, fields map[string]string) ledger.Event {
	return ledger.Event{Name: name, Contract: f.address, Timestamp: call.Timestamp, Fields: fields}
}

func (f *Fund) Address() common.Address { return f.address }
func (f *Fund) Manager() common.Address { return f.manager }
func (f *Fund) Operator() common.Address { return f.operator }
func (f *Fund) Trade() TradeParams { return f.trade }

func (f *Fund) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.st.status
}

func (f *Fund) EndTime() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.st.endTime
}

func (f *Fund) TotalRaised() *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(uint256.Int).Set(f.st.totalRaised)
}

func (f *Fund) ActualTotalRaised() *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(uint256.Int).Set(f.st.actualTotalRaised)
}

func (f *Fund) UserAmount(user common.Address) *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.userAmountLocked(user)
}

func (f *Fund) ClaimableAmount(user common.Address) *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	amount, err := f.claimableLocked(user)
	if err != nil {
		return new(uint256.Int)
	}
	return amount
}

func (f *Fund) FinalBalance() *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(uint256.Int).Set(f.st.finalBalance)
}

func (f *Fund) ManagerFeePaid() *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(uint256.Int).Set(f.st.managerFeePaid)
}
