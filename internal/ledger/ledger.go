package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Native identifies the chain's native currency in balance lookups.
var Native = common.Address{}

const NativeDecimals = 18

// Call carries the caller context of a single state-changing invocation.
type Call struct {
	Sender    common.Address
	Value     *uint256.Int
	Timestamp uint64
}

// AttachedValue returns the native value sent with the call, never nil.
func (c Call) AttachedValue() *uint256.Int {
	if c.Value == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(c.Value)
}

type balanceKey struct {
	asset   common.Address
	account common.Address
}

type journalEntry struct {
	key  balanceKey
	prev *uint256.Int
}

// Ledger holds token custody for every account and applies transactions
// one at a time. It never calls back into the instances that use it.
type Ledger struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	balances map[balanceKey]*uint256.Int
	decimals map[common.Address]uint8
	sinks    []Sink
}

func New() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]*uint256.Int),
		decimals: map[common.Address]uint8{Native: NativeDecimals},
	}
}

func (l *Ledger) RegisterAsset(asset common.Address, decimals uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decimals[asset] = decimals
}

func (l *Ledger) Decimals(asset common.Address) (uint8, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.decimals[asset]
	return d, ok
}

func (l *Ledger) Subscribe(sink Sink) {
	if sink == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink)
}

func (l *Ledger) BalanceOf(asset, account common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(balanceKey{asset, account})
}

func (l *Ledger) balanceLocked(key balanceKey) *uint256.Int {
	if bal, ok := l.balances[key]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// Atomic runs fn as one transaction. Balance writes and revert hooks are
// undone when fn returns an error; events are published only on success.
// Atomic is not reentrant.
func (l *Ledger) Atomic(ctx context.Context, fn func(tx *Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.txMu.Lock()
	defer l.txMu.Unlock()

	tx := &Tx{ledger: l}
	if err := fn(tx); err != nil {
		tx.revert()
		return err
	}
	l.mu.RLock()
	sinks := append([]Sink(nil), l.sinks...)
	l.mu.RUnlock()
	for _, ev := range tx.events {
		for _, sink := range sinks {
			sink.Publish(ctx, ev)
		}
	}
	return nil
}

// Mint credits amount to an account outside of any instance, used to fund
// accounts from an external bridge or a test faucet.
func (l *Ledger) Mint(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	return l.Atomic(ctx, func(tx *Tx) error {
		return tx.Mint(asset, to, amount)
	})
}

// Tx is the handle passed to Atomic callbacks.
type Tx struct {
	ledger  *Ledger
	journal []journalEntry
	hooks   []func()
	events  []Event
}

func (tx *Tx) BalanceOf(asset, account common.Address) *uint256.Int {
	return tx.ledger.BalanceOf(asset, account)
}

func (tx *Tx) Transfer(asset, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() || from == to {
		return nil
	}
	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	src := balanceKey{asset, from}
	bal := l.balanceLocked(src)
	if bal.Lt(amount) {
		return fmt.Errorf("transfer %s from %s: %w", amount.Dec(), from.Hex(), ErrInsufficientBalance)
	}
	dst := balanceKey{asset, to}
	credited, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(dst), amount)
	if overflow {
		return fmt.Errorf("transfer %s to %s: balance overflow", amount.Dec(), to.Hex())
	}
	tx.writeLocked(src, new(uint256.Int).Sub(bal, amount))
	tx.writeLocked(dst, credited)
	return nil
}

func (tx *Tx) Mint(asset, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{asset, to}
	credited, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(key), amount)
	if overflow {
		return fmt.Errorf("mint %s to %s: balance overflow", amount.Dec(), to.Hex())
	}
	tx.writeLocked(key, credited)
	return nil
}

func (tx *Tx) Burn(asset, from common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{asset, from}
	bal := l.balanceLocked(key)
	if bal.Lt(amount) {
		return fmt.Errorf("burn %s from %s: %w", amount.Dec(), from.Hex(), ErrInsufficientBalance)
	}
	tx.writeLocked(key, new(uint256.Int).Sub(bal, amount))
	return nil
}

// OnRevert registers fn to run if the transaction fails. Hooks run in
// reverse registration order.
func (tx *Tx) OnRevert(fn func()) {
	if fn != nil {
		tx.hooks = append(tx.hooks, fn)
	}
}

func (tx *Tx) Emit(ev Event) {
	tx.events = append(tx.events, ev.withID())
}

func (tx *Tx) writeLocked(key balanceKey, value *uint256.Int) {
	l := tx.ledger
	var prev *uint256.Int
	if old, ok := l.balances[key]; ok {
		prev = old
	}
	tx.journal = append(tx.journal, journalEntry{key: key, prev: prev})
	l.balances[key] = value
}

func (tx *Tx) revert() {
	l := tx.ledger
	l.mu.Lock()
	for i := len(tx.journal) - 1; i >= 0; i-- {
		entry := tx.journal[i]
		if entry.prev == nil {
			delete(l.balances, entry.key)
			continue
		}
		l.balances[entry.key] = entry.prev
	}
	l.mu.Unlock()
	for i := len(tx.hooks) - 1; i >= 0; i-- {
		tx.hooks[i]()
	}
	tx.journal = nil
	tx.hooks = nil
	tx.events = nil
}
