package pooled

import (
	"context"
	"errors"
	"fmt"

	"defarm/internal/farm"
	"defarm/internal/fee"
	"defarm/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type Asset struct {
	Address   common.Address
	IsDeposit bool
}

type Fees struct {
	Management  fee.Fee
	Performance fee.Fee
	Entrance    fee.Fee
	Exit        fee.Fee
}

func (f Fees) Valid() bool {
	return f.Management.Valid() && f.Performance.Valid() && f.Entrance.Valid() && f.Exit.Valid()
}

func (f Fees) clone() Fees {
	return Fees{
		Management:  f.Management.Clone(),
		Performance: f.Performance.Clone(),
		Entrance:    f.Entrance.Clone(),
		Exit:        f.Exit.Clone(),
	}
}

type assetInfo struct {
	isDeposit bool
	decimals  uint8
}

// Management values a pooled fund's holdings: idle assets held by the fund
// plus the value deployed at the execution venue under the fund's account.
type Management struct {
	ledger *ledger.Ledger
	fund   common.Address
	prices farm.PriceSource
	venue  farm.ExecutionVenue
	fees   Fees
	order  []common.Address
	assets map[common.Address]assetInfo
}

func newManagement(l *ledger.Ledger, fund common.Address, assets []Asset, fees Fees, snap farm.Snapshot) (*Management, error) {
	if len(assets) == 0 {
		return nil, errors.New("pooled fund: at least one asset is required")
	}
	if !fees.Valid() {
		return nil, errors.New("pooled fund: fees are invalid")
	}
	if snap.Prices == nil {
		return nil, errors.New("pooled fund: price source is required")
	}
	m := &Management{
		ledger: l,
		fund:   fund,
		prices: snap.Prices,
		venue:  snap.Venue,
		fees:   fees.clone(),
		assets: make(map[common.Address]assetInfo, len(assets)),
	}
	hasDeposit := false
	for _, a := range assets {
		if _, dup := m.assets[a.Address]; dup {
			return nil, fmt.Errorf("pooled fund: duplicate asset %s", a.Address.Hex())
		}
		decimals, ok := l.Decimals(a.Address)
		if !ok {
			return nil, fmt.Errorf("pooled fund: unknown asset %s", a.Address.Hex())
		}
		m.assets[a.Address] = assetInfo{isDeposit: a.IsDeposit, decimals: decimals}
		m.order = append(m.order, a.Address)
		hasDeposit = hasDeposit || a.IsDeposit
	}
	if !hasDeposit {
		return nil, errors.New("pooled fund: no deposit asset")
	}
	return m, nil
}

func (m *Management) IsSupportedAsset(asset common.Address) bool {
	_, ok := m.assets[asset]
	return ok
}

func (m *Management) IsDepositAsset(asset common.Address) bool {
	info, ok := m.assets[asset]
	return ok && info.isDeposit
}

func (m *Management) Assets() []Asset {
	out := make([]Asset, 0, len(m.order))
	for _, addr := range m.order {
		out = append(out, Asset{Address: addr, IsDeposit: m.assets[addr].isDeposit})
	}
	return out
}

func (m *Management) Fees() Fees {
	return m.fees.clone()
}

func (m *Management) ManagementFee() fee.Fee  { return m.fees.Management.Clone() }
func (m *Management) PerformanceFee() fee.Fee { return m.fees.Performance.Clone() }
func (m *Management) EntranceFee() fee.Fee    { return m.fees.Entrance.Clone() }
func (m *Management) ExitFee() fee.Fee        { return m.fees.Exit.Clone() }

// AssetValue converts amount of asset into USD (18 decimals).
func (m *Management) AssetValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	info, ok := m.assets[asset]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", asset.Hex(), farm.ErrUnauthorized)
	}
	if amount == nil || amount.IsZero() {
		return new(uint256.Int), nil
	}
	price, err := m.prices.USDPrice(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", asset.Hex(), err)
	}
	return fee.MulDiv(amount, price, fee.Pow10(info.decimals))
}

// ValueToAsset converts a USD value (18 decimals) into units of asset.
func (m *Management) ValueToAsset(ctx context.Context, asset common.Address, value *uint256.Int) (*uint256.Int, error) {
	info, ok := m.assets[asset]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", asset.Hex(), farm.ErrUnauthorized)
	}
	price, err := m.prices.USDPrice(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", asset.Hex(), err)
	}
	if price == nil || price.IsZero() {
		return nil, fmt.Errorf("price %s is zero: %w", asset.Hex(), farm.ErrInvalidState)
	}
	return fee.MulDiv(value, fee.Pow10(info.decimals), price)
}

// TotalAssetValue is the USD value of every supported asset the fund holds.
func (m *Management) TotalAssetValue(ctx context.Context) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, asset := range m.order {
		value, err := m.AssetValue(ctx, asset, m.ledger.BalanceOf(asset, m.fund))
		if err != nil {
			return nil, err
		}
		next, err := fee.Add(total, value)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}

// TotalBalanceOnDex is the USD value the fund has deployed at the venue.
func (m *Management) TotalBalanceOnDex(ctx context.Context) (*uint256.Int, error) {
	if m.venue == nil {
		return new(uint256.Int), nil
	}
	bal, err := m.venue.BalanceOf(ctx, m.fund)
	if err != nil {
		return nil, fmt.Errorf("venue balance: %w", err)
	}
	if bal == nil {
		return new(uint256.Int), nil
	}
	return bal, nil
}

func (m *Management) TotalFundValue(ctx context.Context) (*uint256.Int, error) {
	assets, err := m.TotalAssetValue(ctx)
	if err != nil {
		return nil, err
	}
	dex, err := m.TotalBalanceOnDex(ctx)
	if err != nil {
		return nil, err
	}
	return fee.Add(assets, dex)
}

// deploy records value moved to the venue under the fund's account. The
// venue is restored if the surrounding transaction reverts.
func (m *Management) deploy(ctx context.Context, tx *ledger.Tx, value *uint256.Int) error {
	if m.venue == nil {
		return fmt.Errorf("no execution venue: %w", farm.ErrInvalidState)
	}
	if err := m.venue.TransferIn(ctx, m.fund, value); err != nil {
		return fmt.Errorf("venue transfer in: %w", err)
	}
	tx.OnRevert(func() {
		_ = m.venue.TransferOut(context.WithoutCancel(ctx), m.fund, value)
	})
	return nil
}

// recall takes up to value off the fund's venue account and returns what
// was taken. Proceeds above the marked value are realised gains.
func (m *Management) recall(ctx context.Context, tx *ledger.Tx, value *uint256.Int) (*uint256.Int, error) {
	if m.venue == nil {
		return nil, fmt.Errorf("no execution venue: %w", farm.ErrInvalidState)
	}
	held, err := m.TotalBalanceOnDex(ctx)
	if err != nil {
		return nil, err
	}
	out := fee.Min(value, held)
	if err := m.venue.TransferOut(ctx, m.fund, out); err != nil {
		return nil, fmt.Errorf("venue transfer out: %w", err)
	}
	tx.OnRevert(func() {
		_ = m.venue.TransferIn(context.WithoutCancel(ctx), m.fund, out)
	})
	return out, nil
}
