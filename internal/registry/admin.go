package registry

import (
	"fmt"

	"defarm/internal/farm"
	"defarm/internal/fee"
	"defarm/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Setters affect funds created afterwards only; existing funds keep the
// snapshot they were created with.

func (r *Registry) requireOwnerLocked(call ledger.Call, op string) error {
	if call.Sender != r.cfg.Roles.Owner {
		return fmt.Errorf("%s: %w", op, farm.ErrUnauthorized)
	}
	return nil
}

func (r *Registry) requireOwnerOrAdminLocked(call ledger.Call, op string) error {
	if call.Sender != r.cfg.Roles.Owner && call.Sender != r.cfg.Roles.Admin {
		return fmt.Errorf("%s: %w", op, farm.ErrUnauthorized)
	}
	return nil
}

func (r *Registry) SetAdmin(call ledger.Call, admin common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerLocked(call, "set admin"); err != nil {
		return err
	}
	r.cfg.Roles.Admin = admin
	return nil
}

func (r *Registry) SetMaker(call ledger.Call, maker common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerOrAdminLocked(call, "set maker"); err != nil {
		return err
	}
	r.cfg.Roles.Maker = maker
	return nil
}

func (r *Registry) SetTreasury(call ledger.Call, treasury common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerOrAdminLocked(call, "set treasury"); err != nil {
		return err
	}
	r.cfg.Roles.Treasury = treasury
	return nil
}

func (r *Registry) SetExecutionVenue(call ledger.Call, venue farm.ExecutionVenue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerOrAdminLocked(call, "set execution venue"); err != nil {
		return err
	}
	r.cfg.Venue = venue
	return nil
}

func (r *Registry) SetPriceSource(call ledger.Call, prices farm.PriceSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerOrAdminLocked(call, "set price source"); err != nil {
		return err
	}
	r.cfg.Prices = prices
	return nil
}

func (r *Registry) SetSeedMarket(call ledger.Call, seeds farm.SeedGate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerOrAdminLocked(call, "set seed market"); err != nil {
		return err
	}
	if seeds == nil {
		return fmt.Errorf("set seed market: nil market: %w", farm.ErrInvalidState)
	}
	r.cfg.Seeds = seeds
	return nil
}

func (r *Registry) SetProtocolFee(call ledger.Call, f fee.Fee) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerOrAdminLocked(call, "set protocol fee"); err != nil {
		return err
	}
	if !f.Valid() {
		return fmt.Errorf("set protocol fee: %w", farm.ErrAboveMaximum)
	}
	r.cfg.ProtocolFee = f.Clone()
	return nil
}

func (r *Registry) SetEthFee(call ledger.Call, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerOrAdminLocked(call, "set eth fee"); err != nil {
		return err
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	r.cfg.EthFee = new(uint256.Int).Set(amount)
	return nil
}

func (r *Registry) SetPenaltyFee(call ledger.Call, tier int, f fee.Fee) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerOrAdminLocked(call, "set penalty fee"); err != nil {
		return err
	}
	if tier < 0 || tier > 2 {
		return fmt.Errorf("set penalty fee: tier %d: %w", tier, farm.ErrAboveMaximum)
	}
	if !f.Valid() {
		return fmt.Errorf("set penalty fee: %w", farm.ErrAboveMaximum)
	}
	r.cfg.PenaltyFees[tier] = f.Clone()
	return nil
}

func (r *Registry) SetBounds(call ledger.Call, b Bounds) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerOrAdminLocked(call, "set bounds"); err != nil {
		return err
	}
	if err := validateBounds(b); err != nil {
		return err
	}
	r.cfg.Bounds = b
	return nil
}

func (r *Registry) AddTokens(call ledger.Call, tokens ...common.Address) error {
	return r.setMembership(call, "add tokens", r.tokens, tokens, true)
}

func (r *Registry) RemoveTokens(call ledger.Call, tokens ...common.Address) error {
	return r.setMembership(call, "remove tokens", r.tokens, tokens, false)
}

func (r *Registry) AddOperator(call ledger.Call, operators ...common.Address) error {
	return r.setMembership(call, "add operator", r.operators, operators, true)
}

func (r *Registry) RemoveOperator(call ledger.Call, operators ...common.Address) error {
	return r.setMembership(call, "remove operator", r.operators, operators, false)
}

func (r *Registry) setMembership(call ledger.Call, op string, set map[common.Address]bool, addrs []common.Address, member bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerOrAdminLocked(call, op); err != nil {
		return err
	}
	for _, addr := range addrs {
		if member {
			set[addr] = true
			continue
		}
		delete(set, addr)
	}
	return nil
}
