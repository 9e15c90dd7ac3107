// Package venue simulates the execution venue funds deploy capital to. It
// only tracks the USD value each fund holds there; Set marks a position to
// market.
package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"defarm/internal/fee"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientValue = errors.New("insufficient venue value")

type Simulator struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
}

func NewSimulator() *Simulator {
	return &Simulator{balances: make(map[common.Address]*uint256.Int)}
}

func (s *Simulator) BalanceOf(_ context.Context, account common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bal, ok := s.balances[account]; ok {
		return new(uint256.Int).Set(bal), nil
	}
	return new(uint256.Int), nil
}

// Set overwrites the value held by account, as a mark-to-market would.
func (s *Simulator) Set(account common.Address, value *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil || value.IsZero() {
		delete(s.balances, account)
		return
	}
	s.balances[account] = new(uint256.Int).Set(value)
}

// TransferIn records value deployed to the venue for account.
func (s *Simulator) TransferIn(_ context.Context, account common.Address, value *uint256.Int) error {
	if value == nil || value.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.balances[account]
	if cur == nil {
		cur = new(uint256.Int)
	}
	next, err := fee.Add(cur, value)
	if err != nil {
		return fmt.Errorf("transfer in %s: %w", account.Hex(), err)
	}
	s.balances[account] = next
	return nil
}

// TransferOut removes value returned from the venue for account.
func (s *Simulator) TransferOut(_ context.Context, account common.Address, value *uint256.Int) error {
	if value == nil || value.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.balances[account]
	if cur == nil || cur.Lt(value) {
		return fmt.Errorf("transfer out %s: %w", account.Hex(), ErrInsufficientValue)
	}
	next := new(uint256.Int).Sub(cur, value)
	if next.IsZero() {
		delete(s.balances, account)
		return nil
	}
	s.balances[account] = next
	return nil
}
