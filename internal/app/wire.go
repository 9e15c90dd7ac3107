package app

import (
	"fmt"
	"time"

	"defarm/internal/config"
	"defarm/internal/farm"
	"defarm/internal/fee"
	"defarm/internal/registry"
	"defarm/internal/seeds"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// registryConfig turns the validated yaml section into registry settings.
func registryConfig(cfg *config.Config, venue farm.ExecutionVenue, prices farm.PriceSource, gate farm.SeedGate) (registry.Config, error) {
	r := cfg.Registry
	dec := r.SettlementAsset.Decimals
	capacity, err := fee.ParseUnits(r.CapacityPerFarm, dec)
	if err != nil {
		return registry.Config{}, fmt.Errorf("capacity per farm: %w", err)
	}
	minInv, err := fee.ParseUnits(r.MinInvestment, dec)
	if err != nil {
		return registry.Config{}, fmt.Errorf("min investment: %w", err)
	}
	maxInv, err := fee.ParseUnits(r.MaxInvestment, dec)
	if err != nil {
		return registry.Config{}, fmt.Errorf("max investment: %w", err)
	}
	minLev, err := fee.ParseUnits(r.MinLeverage, config.LeverageDecimals)
	if err != nil {
		return registry.Config{}, fmt.Errorf("min leverage: %w", err)
	}
	maxLev, err := fee.ParseUnits(r.MaxLeverage, config.LeverageDecimals)
	if err != nil {
		return registry.Config{}, fmt.Errorf("max leverage: %w", err)
	}
	ethFee, err := fee.ParseUnits(r.EthFee, 18)
	if err != nil {
		return registry.Config{}, fmt.Errorf("eth fee: %w", err)
	}
	maxManagerFee, err := fee.ParsePercent(r.MaxManagerFee)
	if err != nil {
		return registry.Config{}, fmt.Errorf("max manager fee: %w", err)
	}
	protocolFee, err := fee.ParsePercent(r.ProtocolFee)
	if err != nil {
		return registry.Config{}, fmt.Errorf("protocol fee: %w", err)
	}
	var penalties [3]fee.Fee
	if len(r.PenaltyFees) != len(penalties) {
		return registry.Config{}, fmt.Errorf("penalty fees: need %d tiers", len(penalties))
	}
	for i, p := range r.PenaltyFees {
		if penalties[i], err = fee.ParsePercent(p); err != nil {
			return registry.Config{}, fmt.Errorf("penalty fee tier %d: %w", i, err)
		}
	}
	var admin common.Address
	if r.Admin != "" {
		admin = common.HexToAddress(r.Admin)
	}
	return registry.Config{
		Address: common.HexToAddress(r.Address),
		ChainID: uint256.NewInt(cfg.Chain.ID),
		Roles: registry.Roles{
			Owner:    common.HexToAddress(r.Owner),
			Admin:    admin,
			Maker:    common.HexToAddress(r.Maker),
			Treasury: common.HexToAddress(r.Treasury),
		},
		Bounds: registry.Bounds{
			CapacityPerFarm:      capacity,
			MinInvestment:        minInv,
			MaxInvestment:        maxInv,
			MinLeverage:          minLev.Uint64(),
			MaxLeverage:          maxLev.Uint64(),
			MaxFundraisingPeriod: seconds(r.MaxFundraisingPeriod),
			FundDeadline:         seconds(r.FundDeadline),
			MaxManagerFee:        maxManagerFee,
		},
		SettlementAsset: common.HexToAddress(r.SettlementAsset.Address),
		ProtocolFee:     protocolFee,
		EthFee:          ethFee,
		PenaltyFees:     penalties,
		Venue:           venue,
		Prices:          prices,
		Seeds:           gate,
	}, nil
}

func seedsConfig(cfg config.SeedsConfig) (seeds.Config, error) {
	protocolCut, err := fee.ParseUnits(cfg.ProtocolFeePercent, 18)
	if err != nil {
		return seeds.Config{}, fmt.Errorf("seeds protocol fee: %w", err)
	}
	subjectCut, err := fee.ParseUnits(cfg.SubjectFeePercent, 18)
	if err != nil {
		return seeds.Config{}, fmt.Errorf("seeds subject fee: %w", err)
	}
	return seeds.Config{
		Address:            common.HexToAddress(cfg.Address),
		Owner:              common.HexToAddress(cfg.Owner),
		ProtocolFeePercent: protocolCut,
		SubjectFeePercent:  subjectCut,
	}, nil
}

// trackedAssets lists the settlement asset followed by the allowlisted
// tokens, without duplicates.
func trackedAssets(r config.RegistryConfig) []config.TokenConfig {
	seen := map[common.Address]bool{}
	var out []config.TokenConfig
	for _, tok := range append([]config.TokenConfig{r.SettlementAsset}, r.Tokens...) {
		addr := common.HexToAddress(tok.Address)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, tok)
	}
	return out
}

func seconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}
