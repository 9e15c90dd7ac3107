// Package registry is the fund factory. It owns the global bounds, roles
// and allowlists, and creates single-asset and pooled funds for managers
// holding a maker-signed approval.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"defarm/internal/farm"
	"defarm/internal/farm/pooled"
	"defarm/internal/farm/single"
	"defarm/internal/fee"
	"defarm/internal/ledger"
	"defarm/internal/signature"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

type Roles struct {
	Owner    common.Address
	Admin    common.Address
	Maker    common.Address
	Treasury common.Address
}

type Bounds struct {
	CapacityPerFarm      *uint256.Int
	MinInvestment        *uint256.Int
	MaxInvestment        *uint256.Int
	MinLeverage          uint64
	MaxLeverage          uint64
	MaxFundraisingPeriod uint64
	FundDeadline         uint64
	MaxManagerFee        fee.Fee
}

type Config struct {
	Address         common.Address
	ChainID         *uint256.Int
	Roles           Roles
	Bounds          Bounds
	SettlementAsset common.Address
	ProtocolFee     fee.Fee
	EthFee          *uint256.Int
	PenaltyFees     [3]fee.Fee
	Venue           farm.ExecutionVenue
	Prices          farm.PriceSource
	Seeds           farm.SeedGate
}

// PooledParams describes a pooled fund requested through CreatePooledFarm.
type PooledParams struct {
	Config pooled.Config
	Assets []pooled.Asset
	Fees   pooled.Fees
}

type Registry struct {
	ledger *ledger.Ledger
	log    *zap.Logger

	mu        sync.RWMutex
	cfg       Config
	tokens    map[common.Address]bool
	operators map[common.Address]bool
	nonce     uint64
	deployed  []common.Address
	singles   map[common.Address]*single.Fund
	pools     map[common.Address]*pooled.Fund
}

func New(l *ledger.Ledger, cfg Config, log *zap.Logger) (*Registry, error) {
	if l == nil {
		return nil, errors.New("registry: ledger is required")
	}
	if cfg.Seeds == nil {
		return nil, errors.New("registry: seed market is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := validateBounds(cfg.Bounds); err != nil {
		return nil, err
	}
	if !cfg.ProtocolFee.Valid() {
		return nil, errors.New("registry: protocol fee is invalid")
	}
	for i, p := range cfg.PenaltyFees {
		if !p.Valid() {
			return nil, fmt.Errorf("registry: penalty fee tier %d is invalid", i)
		}
	}
	if cfg.EthFee == nil {
		cfg.EthFee = new(uint256.Int)
	}
	if cfg.ChainID == nil {
		cfg.ChainID = uint256.NewInt(1)
	}
	return &Registry{
		ledger:    l,
		log:       log,
		cfg:       cfg,
		tokens:    make(map[common.Address]bool),
		operators: make(map[common.Address]bool),
		singles:   make(map[common.Address]*single.Fund),
		pools:     make(map[common.Address]*pooled.Fund),
	}, nil
}

func validateBounds(b Bounds) error {
	switch {
	case b.CapacityPerFarm == nil || b.CapacityPerFarm.IsZero():
		return errors.New("registry: capacity per farm is required")
	case b.MinInvestment == nil || b.MaxInvestment == nil:
		return errors.New("registry: investment bounds are required")
	case b.MinInvestment.Gt(b.MaxInvestment):
		return errors.New("registry: min investment exceeds max investment")
	case b.MinLeverage == 0 || b.MinLeverage > b.MaxLeverage:
		return errors.New("registry: leverage bounds are invalid")
	case b.MaxFundraisingPeriod == 0:
		return errors.New("registry: max fundraising period is required")
	case !b.MaxManagerFee.Valid():
		return errors.New("registry: max manager fee is invalid")
	}
	return nil
}

func (r *Registry) Address() common.Address {
	return r.cfg.Address
}

// CreateFarmDigest is the digest the maker signs to approve manager running
// a fund with operator.
func (r *Registry) CreateFarmDigest(operator, manager common.Address) common.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return signature.CreateFarmDigest(r.cfg.ChainID, r.cfg.Address, operator, manager)
}

// DivestDigest is the digest an operator signs to settle infoHash for a
// pooled fund.
func (r *Registry) DivestDigest(fund, asset common.Address, infoHash common.Hash) common.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return signature.DivestDigest(r.cfg.ChainID, fund, asset, infoHash)
}

// CreateFarm validates a single-asset fund request from call.Sender and
// deploys it. The caller becomes the manager and pays EthFee to the
// operator.
func (r *Registry) CreateFarm(ctx context.Context, call ledger.Call, trade single.TradeParams, managerFee fee.Fee, operator common.Address, makerSig []byte, isPrivate bool) (*single.Fund, error) {
	var created *single.Fund
	err := r.ledger.Atomic(ctx, func(tx *ledger.Tx) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		if !r.operators[operator] {
			return fmt.Errorf("create farm: operator %s: %w", operator.Hex(), farm.ErrUnauthorized)
		}
		b := r.cfg.Bounds
		if trade.Leverage < b.MinLeverage {
			return fmt.Errorf("create farm: leverage: %w", farm.ErrBelowMinimum)
		}
		if trade.Leverage > b.MaxLeverage {
			return fmt.Errorf("create farm: leverage: %w", farm.ErrAboveMaximum)
		}
		if trade.FundraisingPeriod == 0 {
			return fmt.Errorf("create farm: fundraising period: %w", farm.ErrBelowMinimum)
		}
		if trade.FundraisingPeriod > b.MaxFundraisingPeriod {
			return fmt.Errorf("create farm: fundraising period: %w", farm.ErrAboveMaximum)
		}
		if !managerFee.Valid() || managerFee.Exceeds(b.MaxManagerFee) {
			return fmt.Errorf("create farm: manager fee: %w", farm.ErrAboveMaximum)
		}
		if !r.tokens[trade.BaseToken] {
			return fmt.Errorf("create farm: base token %s: %w", trade.BaseToken.Hex(), farm.ErrUnauthorized)
		}
		if err := r.authorizeLocked(tx, call, operator, makerSig); err != nil {
			return fmt.Errorf("create farm: %w", err)
		}

		addr := r.nextAddressLocked()
		fund, err := single.New(r.ledger, single.Params{
			Address:    addr,
			Manager:    call.Sender,
			Operator:   operator,
			Trade:      trade,
			ManagerFee: managerFee,
			IsPrivate:  isPrivate,
			StartTime:  call.Timestamp,
			Snapshot:   r.snapshotLocked(),
		})
		if err != nil {
			return fmt.Errorf("create farm: %w", err)
		}
		r.registerLocked(tx, addr, func() { delete(r.singles, addr) })
		r.singles[addr] = fund
		created = fund

		tx.Emit(ledger.Event{
			Name:      ledger.EventFarmCreated,
			Contract:  r.cfg.Address,
			Timestamp: call.Timestamp,
			Fields: map[string]string{
				"farm":        addr.Hex(),
				"kind":        "single",
				"manager":     call.Sender.Hex(),
				"operator":    operator.Hex(),
				"base_token":  trade.BaseToken.Hex(),
				"long":        strconv.FormatBool(trade.Long),
				"leverage":    strconv.FormatUint(trade.Leverage, 10),
				"manager_fee": managerFee.String(),
				"is_private":  strconv.FormatBool(isPrivate),
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("single farm created",
		zap.String("farm", created.Address().Hex()),
		zap.String("manager", call.Sender.Hex()),
		zap.String("operator", operator.Hex()),
	)
	return created, nil
}

// CreatePooledFarm deploys a pooled fund managed by call.Sender.
func (r *Registry) CreatePooledFarm(ctx context.Context, call ledger.Call, params PooledParams, operator common.Address, makerSig []byte) (*pooled.Fund, error) {
	var created *pooled.Fund
	err := r.ledger.Atomic(ctx, func(tx *ledger.Tx) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		if !r.operators[operator] {
			return fmt.Errorf("create pooled farm: operator %s: %w", operator.Hex(), farm.ErrUnauthorized)
		}
		for _, asset := range params.Assets {
			if !r.tokens[asset.Address] {
				return fmt.Errorf("create pooled farm: asset %s: %w", asset.Address.Hex(), farm.ErrUnauthorized)
			}
		}
		if params.Config.FarmingPeriod == 0 {
			return fmt.Errorf("create pooled farm: farming period: %w", farm.ErrBelowMinimum)
		}
		if !params.Fees.Valid() {
			return fmt.Errorf("create pooled farm: fees: %w", farm.ErrAboveMaximum)
		}
		if err := r.authorizeLocked(tx, call, operator, makerSig); err != nil {
			return fmt.Errorf("create pooled farm: %w", err)
		}

		addr := r.nextAddressLocked()
		fund, err := pooled.New(r.ledger, pooled.Params{
			Address:   addr,
			Manager:   call.Sender,
			Operator:  operator,
			Config:    params.Config,
			Assets:    params.Assets,
			Fees:      params.Fees,
			StartTime: call.Timestamp,
			Snapshot:  r.snapshotLocked(),
		})
		if err != nil {
			return fmt.Errorf("create pooled farm: %w", err)
		}
		r.registerLocked(tx, addr, func() { delete(r.pools, addr) })
		r.pools[addr] = fund
		created = fund

		tx.Emit(ledger.Event{
			Name:      ledger.EventFarmCreated,
			Contract:  r.cfg.Address,
			Timestamp: call.Timestamp,
			Fields: map[string]string{
				"farm":     addr.Hex(),
				"kind":     "pooled",
				"manager":  call.Sender.Hex(),
				"operator": operator.Hex(),
				"name":     params.Config.Name,
				"symbol":   params.Config.Symbol,
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("pooled farm created",
		zap.String("farm", created.Address().Hex()),
		zap.String("name", created.Name()),
		zap.String("manager", call.Sender.Hex()),
	)
	return created, nil
}

// authorizeLocked runs the checks shared by both creation paths: the seed
// gate, the native fee and the maker signature. It forwards the fee.
func (r *Registry) authorizeLocked(tx *ledger.Tx, call ledger.Call, operator common.Address, makerSig []byte) error {
	if !farm.HoldsSeed(r.cfg.Seeds, call.Sender, call.Sender) {
		return fmt.Errorf("manager holds no own seed: %w", farm.ErrUnauthorized)
	}
	if call.AttachedValue().Lt(r.cfg.EthFee) {
		return fmt.Errorf("native fee %s not paid: %w", r.cfg.EthFee.Dec(), farm.ErrBelowMinimum)
	}
	digest := signature.CreateFarmDigest(r.cfg.ChainID, r.cfg.Address, operator, call.Sender)
	if err := signature.Verify(digest, makerSig, r.cfg.Roles.Maker); err != nil {
		return fmt.Errorf("%v: %w", err, farm.ErrInvalidSignature)
	}
	if err := tx.Transfer(ledger.Native, call.Sender, operator, r.cfg.EthFee); err != nil {
		return fmt.Errorf("native fee: %w", err)
	}
	return nil
}

func (r *Registry) nextAddressLocked() common.Address {
	addr := farm.InstanceAddress(r.cfg.Address, r.nonce)
	r.nonce++
	return addr
}

func (r *Registry) registerLocked(tx *ledger.Tx, addr common.Address, drop func()) {
	r.deployed = append(r.deployed, addr)
	tx.OnRevert(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.nonce--
		r.deployed = r.deployed[:len(r.deployed)-1]
		drop()
	})
}

func (r *Registry) snapshotLocked() farm.Snapshot {
	b := r.cfg.Bounds
	penalties := [3]fee.Fee{}
	for i, p := range r.cfg.PenaltyFees {
		penalties[i] = p.Clone()
	}
	return farm.Snapshot{
		Registry:        r.cfg.Address,
		ChainID:         new(uint256.Int).Set(r.cfg.ChainID),
		Admin:           r.cfg.Roles.Admin,
		Treasury:        r.cfg.Roles.Treasury,
		SettlementAsset: r.cfg.SettlementAsset,
		Capacity:        new(uint256.Int).Set(b.CapacityPerFarm),
		MinInvestment:   new(uint256.Int).Set(b.MinInvestment),
		MaxInvestment:   new(uint256.Int).Set(b.MaxInvestment),
		FundDeadline:    b.FundDeadline,
		ProtocolFee:     r.cfg.ProtocolFee.Clone(),
		EthFee:          new(uint256.Int).Set(r.cfg.EthFee),
		PenaltyFees:     penalties,
		Venue:           r.cfg.Venue,
		Prices:          r.cfg.Prices,
		Seeds:           r.cfg.Seeds,
	}
}

// Snapshot returns the configuration a fund created now would receive.
func (r *Registry) Snapshot() farm.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) IsFarm(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, s := r.singles[addr]
	_, p := r.pools[addr]
	return s || p
}

func (r *Registry) DeployedFarms() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]common.Address(nil), r.deployed...)
}

func (r *Registry) SingleFarm(addr common.Address) (*single.Fund, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.singles[addr]
	return f, ok
}

func (r *Registry) PooledFarm(addr common.Address) (*pooled.Fund, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.pools[addr]
	return f, ok
}

func (r *Registry) SingleFarms() []*single.Fund {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*single.Fund, 0, len(r.singles))
	for _, addr := range r.deployed {
		if f, ok := r.singles[addr]; ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *Registry) PooledFarms() []*pooled.Fund {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*pooled.Fund, 0, len(r.pools))
	for _, addr := range r.deployed {
		if f, ok := r.pools[addr]; ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *Registry) Tokens() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.tokens)
}

func (r *Registry) Operators() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.operators)
}

func (r *Registry) IsOperator(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operators[addr]
}

func (r *Registry) ProtocolFee() fee.Fee {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.ProtocolFee.Clone()
}

func (r *Registry) MaxManagerFee() fee.Fee {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Bounds.MaxManagerFee.Clone()
}

func (r *Registry) EthFee() *uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return new(uint256.Int).Set(r.cfg.EthFee)
}

func (r *Registry) PenaltyFee(tier int) (fee.Fee, error) {
	if tier < 0 || tier > 2 {
		return fee.Fee{}, fmt.Errorf("penalty tier %d: %w", tier, farm.ErrAboveMaximum)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.PenaltyFees[tier].Clone(), nil
}

func (r *Registry) Roles() Roles {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Roles
}

// AssetValue converts amount of asset into USD (18 decimals) with the
// registry's price source.
func (r *Registry) AssetValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	prices, decimals, err := r.pricing(asset)
	if err != nil {
		return nil, err
	}
	price, err := prices.USDPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	return fee.MulDiv(amount, price, fee.Pow10(decimals))
}

// ConvertValueToAsset converts a USD value (18 decimals) into units of
// asset.
func (r *Registry) ConvertValueToAsset(ctx context.Context, asset common.Address, value *uint256.Int) (*uint256.Int, error) {
	prices, decimals, err := r.pricing(asset)
	if err != nil {
		return nil, err
	}
	price, err := prices.USDPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, fmt.Errorf("price of %s is zero: %w", asset.Hex(), farm.ErrInvalidState)
	}
	return fee.MulDiv(value, fee.Pow10(decimals), price)
}

func (r *Registry) pricing(asset common.Address) (farm.PriceSource, uint8, error) {
	r.mu.RLock()
	prices := r.cfg.Prices
	r.mu.RUnlock()
	if prices == nil {
		return nil, 0, errors.New("registry: no price source")
	}
	decimals, ok := r.ledger.Decimals(asset)
	if !ok {
		return nil, 0, fmt.Errorf("registry: unknown asset %s", asset.Hex())
	}
	return prices, decimals, nil
}

func sortedKeys(m map[common.Address]bool) []common.Address {
	out := make([]common.Address, 0, len(m))
	for addr, ok := range m {
		if ok {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}
