// Package seeds implements the quadratic bonding-curve market in which
// managers' access units ("seeds") are bought and sold for native currency.
package seeds

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"defarm/internal/farm"
	"defarm/internal/fee"
	"defarm/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// curveDivisor scales Σ i² into wei: one unit at supply n costs n²/16000 of
// the native currency.
const curveDivisor = 16000

type Config struct {
	Address            common.Address
	Owner              common.Address
	ProtocolFeePercent *uint256.Int
	SubjectFeePercent  *uint256.Int
}

type Market struct {
	ledger  *ledger.Ledger
	address common.Address

	mu                     sync.RWMutex
	owner                  common.Address
	protocolFeeDestination common.Address
	protocolFeePercent     *uint256.Int
	subjectFeePercent      *uint256.Int
	supply                 map[common.Address]uint64
	balances               map[common.Address]map[common.Address]uint64
}

// Trade describes a settled buy or sell.
type Trade struct {
	Subject     common.Address
	Trader      common.Address
	IsBuy       bool
	Amount      uint64
	Price       *uint256.Int
	ProtocolFee *uint256.Int
	SubjectFee  *uint256.Int
	Refund      *uint256.Int
	Supply      uint64
}

func New(l *ledger.Ledger, cfg Config) (*Market, error) {
	if l == nil {
		return nil, fmt.Errorf("seeds: ledger is required")
	}
	protocolPct := valueOrZero(cfg.ProtocolFeePercent)
	subjectPct := valueOrZero(cfg.SubjectFeePercent)
	if err := checkPercents(protocolPct, subjectPct); err != nil {
		return nil, err
	}
	return &Market{
		ledger:                 l,
		address:                cfg.Address,
		owner:                  cfg.Owner,
		protocolFeeDestination: cfg.Owner,
		protocolFeePercent:     protocolPct,
		subjectFeePercent:      subjectPct,
		supply:                 make(map[common.Address]uint64),
		balances:               make(map[common.Address]map[common.Address]uint64),
	}, nil
}

func (m *Market) Address() common.Address {
	return m.address
}

// PriceOf returns the cost of amount units starting at supply:
// Σ_{i=supply}^{supply+amount-1} i², scaled to wei.
func PriceOf(supply, amount uint64) *uint256.Int {
	if amount == 0 {
		return new(uint256.Int)
	}
	upper := sumSquares(supply + amount - 1)
	if supply > 0 {
		upper.Sub(upper, sumSquares(supply-1))
	}
	upper.Mul(upper, fee.One)
	return upper.Div(upper, uint256.NewInt(curveDivisor))
}

// sumSquares returns n(n+1)(2n+1)/6.
func sumSquares(n uint64) *uint256.Int {
	a := uint256.NewInt(n)
	b := new(uint256.Int).AddUint64(a, 1)
	c := new(uint256.Int).Mul(a, uint256.NewInt(2))
	c.AddUint64(c, 1)
	out := new(uint256.Int).Mul(a, b)
	out.Mul(out, c)
	return out.Div(out, uint256.NewInt(6))
}

func (m *Market) Supply(subject common.Address) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.supply[subject]
}

func (m *Market) BalanceOf(subject, holder common.Address) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[subject][holder]
}

func (m *Market) BuyPrice(subject common.Address, amount uint64) *uint256.Int {
	return PriceOf(m.Supply(subject), amount)
}

func (m *Market) SellPrice(subject common.Address, amount uint64) *uint256.Int {
	supply := m.Supply(subject)
	if amount > supply {
		return new(uint256.Int)
	}
	return PriceOf(supply-amount, amount)
}

func (m *Market) BuyPriceAfterFee(subject common.Address, amount uint64) *uint256.Int {
	price := m.BuyPrice(subject, amount)
	protocolFee, subjectFee := m.fees(price)
	price.Add(price, protocolFee)
	return price.Add(price, subjectFee)
}

func (m *Market) SellPriceAfterFee(subject common.Address, amount uint64) *uint256.Int {
	price := m.SellPrice(subject, amount)
	protocolFee, subjectFee := m.fees(price)
	price.Sub(price, protocolFee)
	return price.Sub(price, subjectFee)
}

func (m *Market) fees(price *uint256.Int) (*uint256.Int, *uint256.Int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.feesLocked(price)
}

func (m *Market) feesLocked(price *uint256.Int) (*uint256.Int, *uint256.Int) {
	// percents are at most 1e18, so the quotient always fits
	protocolFee, _ := new(uint256.Int).MulDivOverflow(price, m.protocolFeePercent, fee.One)
	subjectFee, _ := new(uint256.Int).MulDivOverflow(price, m.subjectFeePercent, fee.One)
	return protocolFee, subjectFee
}

// BuySeeds buys amount of subject's seeds with the native value attached to
// call. Anything above price plus fees stays with the caller and is
// reported as Refund.
func (m *Market) BuySeeds(ctx context.Context, call ledger.Call, subject common.Address, amount uint64) (Trade, error) {
	var trade Trade
	err := m.ledger.Atomic(ctx, func(tx *ledger.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if amount == 0 {
			return fmt.Errorf("buy seeds: amount: %w", farm.ErrBelowMinimum)
		}
		supply := m.supply[subject]
		if amount > math.MaxUint64-supply {
			return fmt.Errorf("buy seeds: amount %d overflows supply %d: %w", amount, supply, farm.ErrAboveMaximum)
		}
		if supply == 0 && call.Sender != subject {
			return fmt.Errorf("buy seeds: only the subject may buy the first seed: %w", farm.ErrUnauthorized)
		}
		price := PriceOf(supply, amount)
		protocolFee, subjectFee := m.feesLocked(price)
		total, err := fee.Add(price, protocolFee)
		if err == nil {
			total, err = fee.Add(total, subjectFee)
		}
		if err != nil {
			return fmt.Errorf("buy seeds: cost: %w", farm.ErrAboveMaximum)
		}
		paid := call.AttachedValue()
		if paid.Lt(total) {
			return fmt.Errorf("buy seeds: paid %s, cost %s: %w", paid.Dec(), total.Dec(), farm.ErrBelowMinimum)
		}

		m.credit(tx, subject, call.Sender, amount)

		if err := tx.Transfer(ledger.Native, call.Sender, m.address, price); err != nil {
			return fmt.Errorf("buy seeds: %w", err)
		}
		if err := tx.Transfer(ledger.Native, call.Sender, m.protocolFeeDestination, protocolFee); err != nil {
			return fmt.Errorf("buy seeds: protocol fee: %w", err)
		}
		if err := tx.Transfer(ledger.Native, call.Sender, subject, subjectFee); err != nil {
			return fmt.Errorf("buy seeds: subject fee: %w", err)
		}
		trade = Trade{
			Subject:     subject,
			Trader:      call.Sender,
			IsBuy:       true,
			Amount:      amount,
			Price:       price,
			ProtocolFee: protocolFee,
			SubjectFee:  subjectFee,
			Refund:      new(uint256.Int).Sub(paid, total),
			Supply:      m.supply[subject],
		}
		tx.Emit(tradeEvent(m.address, call.Timestamp, trade))
		return nil
	})
	return trade, err
}

// SellSeeds sells amount of subject's seeds back to the curve. The subject
// can never sell its last seed.
func (m *Market) SellSeeds(ctx context.Context, call ledger.Call, subject common.Address, amount uint64) (Trade, error) {
	var trade Trade
	err := m.ledger.Atomic(ctx, func(tx *ledger.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if amount == 0 {
			return fmt.Errorf("sell seeds: amount: %w", farm.ErrBelowMinimum)
		}
		held := m.balances[subject][call.Sender]
		if held < amount {
			return fmt.Errorf("sell seeds: holding %d, selling %d: %w", held, amount, ledger.ErrInsufficientBalance)
		}
		supply := m.supply[subject]
		if call.Sender == subject && held-amount < 1 {
			return fmt.Errorf("sell seeds: subject must keep one seed: %w", farm.ErrSupplyUnderflow)
		}
		if supply-amount < 1 {
			return fmt.Errorf("sell seeds: cannot sell the last seed: %w", farm.ErrSupplyUnderflow)
		}
		price := PriceOf(supply-amount, amount)
		protocolFee, subjectFee := m.feesLocked(price)
		payout := new(uint256.Int).Sub(price, protocolFee)
		payout.Sub(payout, subjectFee)

		m.debit(tx, subject, call.Sender, amount)

		if err := tx.Transfer(ledger.Native, m.address, call.Sender, payout); err != nil {
			return fmt.Errorf("sell seeds: %w", err)
		}
		if err := tx.Transfer(ledger.Native, m.address, m.protocolFeeDestination, protocolFee); err != nil {
			return fmt.Errorf("sell seeds: protocol fee: %w", err)
		}
		if err := tx.Transfer(ledger.Native, m.address, subject, subjectFee); err != nil {
			return fmt.Errorf("sell seeds: subject fee: %w", err)
		}
		trade = Trade{
			Subject:     subject,
			Trader:      call.Sender,
			Amount:      amount,
			Price:       price,
			ProtocolFee: protocolFee,
			SubjectFee:  subjectFee,
			Refund:      call.AttachedValue(),
			Supply:      m.supply[subject],
		}
		tx.Emit(tradeEvent(m.address, call.Timestamp, trade))
		return nil
	})
	return trade, err
}

// credit and debit expect the caller to have checked the amounts: buys
// against supply overflow, sells against the holder's balance.
func (m *Market) credit(tx *ledger.Tx, subject, holder common.Address, amount uint64) {
	m.adjust(tx, subject, holder, func(prevSupply, prevBalance uint64) (uint64, uint64) {
		return prevSupply + amount, prevBalance + amount
	})
}

func (m *Market) debit(tx *ledger.Tx, subject, holder common.Address, amount uint64) {
	m.adjust(tx, subject, holder, func(prevSupply, prevBalance uint64) (uint64, uint64) {
		return prevSupply - amount, prevBalance - amount
	})
}

// adjust moves supply and the holder's balance together and registers the
// inverse move with the transaction.
func (m *Market) adjust(tx *ledger.Tx, subject, holder common.Address, apply func(supply, balance uint64) (uint64, uint64)) {
	prevSupply := m.supply[subject]
	prevBalance := m.balances[subject][holder]
	holders := m.balances[subject]
	if holders == nil {
		holders = make(map[common.Address]uint64)
		m.balances[subject] = holders
	}
	m.supply[subject], holders[holder] = apply(prevSupply, prevBalance)
	tx.OnRevert(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.supply[subject] = prevSupply
		m.balances[subject][holder] = prevBalance
	})
}

func (m *Market) SetFeeDestination(call ledger.Call, dest common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call.Sender != m.owner {
		return fmt.Errorf("set fee destination: %w", farm.ErrUnauthorized)
	}
	m.protocolFeeDestination = dest
	return nil
}

func (m *Market) SetProtocolFeePercent(call ledger.Call, pct *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call.Sender != m.owner {
		return fmt.Errorf("set protocol fee: %w", farm.ErrUnauthorized)
	}
	if err := checkPercents(pct, m.subjectFeePercent); err != nil {
		return err
	}
	m.protocolFeePercent = new(uint256.Int).Set(pct)
	return nil
}

func (m *Market) SetSubjectFeePercent(call ledger.Call, pct *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call.Sender != m.owner {
		return fmt.Errorf("set subject fee: %w", farm.ErrUnauthorized)
	}
	if err := checkPercents(m.protocolFeePercent, pct); err != nil {
		return err
	}
	m.subjectFeePercent = new(uint256.Int).Set(pct)
	return nil
}

func (m *Market) FeeDestination() common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.protocolFeeDestination
}

func checkPercents(protocolPct, subjectPct *uint256.Int) error {
	if protocolPct == nil || subjectPct == nil {
		return fmt.Errorf("seeds: fee percent is required")
	}
	sum, overflow := new(uint256.Int).AddOverflow(protocolPct, subjectPct)
	if overflow || sum.Gt(fee.One) {
		return fmt.Errorf("seeds: fee percents exceed 100%%: %w", farm.ErrAboveMaximum)
	}
	return nil
}

func valueOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func tradeEvent(market common.Address, ts uint64, trade Trade) ledger.Event {
	return ledger.Event{
		Name:      ledger.EventSeedsTraded,
		Contract:  market,
		Timestamp: ts,
		Fields: map[string]string{
			"subject":      trade.Subject.Hex(),
			"trader":       trade.Trader.Hex(),
			"is_buy":       strconv.FormatBool(trade.IsBuy),
			"amount":       strconv.FormatUint(trade.Amount, 10),
			"price":        trade.Price.Dec(),
			"protocol_fee": trade.ProtocolFee.Dec(),
			"subject_fee":  trade.SubjectFee.Dec(),
			"supply":       strconv.FormatUint(trade.Supply, 10),
		},
	}
}
