package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"defarm/internal/config"
	"defarm/internal/farm"
	"defarm/internal/farm/pooled"
	"defarm/internal/farm/single"
	"defarm/internal/fee"
	"defarm/internal/ledger"
	"defarm/internal/registry"
	"defarm/internal/signature"
	"defarm/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wbtc     = common.HexToAddress("0x00000000000000000000000000000000000000b7")
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	treasury = common.HexToAddress("0x0000000000000000000000000000000000000003")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	manager  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	investor = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	keeper   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func testConfig(t *testing.T, maker common.Address) *config.Config {
	t.Helper()
	disabled := false
	return &config.Config{
		Log:     config.LoggingConfig{Level: "error"},
		Chain:   config.ChainConfig{ID: 42161},
		State:   config.StateConfig{SQLitePath: filepath.Join(t.TempDir(), "defarm.db")},
		Metrics: config.MetricsConfig{Enabled: &disabled},
		Oracle: config.OracleConfig{Prices: map[string]string{
			usdc.Hex(): "1",
			wbtc.Hex(): "60000",
		}},
		Registry: config.RegistryConfig{
			Address:              "0x0000000000000000000000000000000000000fac",
			Owner:                owner.Hex(),
			Maker:                maker.Hex(),
			Treasury:             treasury.Hex(),
			SettlementAsset:      config.TokenConfig{Address: usdc.Hex(), Symbol: "USDC", Decimals: 6},
			Tokens:               []config.TokenConfig{{Address: wbtc.Hex(), Symbol: "WBTC", Decimals: 8}, {Address: usdc.Hex(), Symbol: "USDC", Decimals: 6}},
			Operators:            []string{operator.Hex()},
			CapacityPerFarm:      "100000",
			MinInvestment:        "10",
			MaxInvestment:        "50000",
			MinLeverage:          "1",
			MaxLeverage:          "20",
			MaxFundraisingPeriod: 7 * 24 * time.Hour,
			FundDeadline:         3 * 24 * time.Hour,
			MaxManagerFee:        "70",
			ProtocolFee:          "1",
			EthFee:               "0.001",
			PenaltyFees:          []string{"50", "30", "10"},
		},
		Seeds: config.SeedsConfig{
			Address:            "0x00000000000000000000000000000000000005ee",
			Owner:              owner.Hex(),
			ProtocolFeePercent: "0.05",
			SubjectFeePercent:  "0.05",
		},
		Keeper: config.KeeperConfig{Enabled: &disabled, Address: keeper.Hex(), Schedule: "@every 1h"},
	}
}

func TestRegistryConfigConvertsUnits(t *testing.T) {
	cfg := testConfig(t, common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	regCfg, err := registryConfig(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("registry config: %v", err)
	}
	b := regCfg.Bounds
	if !b.CapacityPerFarm.Eq(fee.Units(100000, 6)) || !b.MinInvestment.Eq(fee.Units(10, 6)) {
		t.Fatalf("unexpected amounts %s %s", b.CapacityPerFarm.Dec(), b.MinInvestment.Dec())
	}
	if b.MinLeverage != single.LeverageScale || b.MaxLeverage != 20*single.LeverageScale {
		t.Fatalf("unexpected leverage bounds %d %d", b.MinLeverage, b.MaxLeverage)
	}
	if b.MaxFundraisingPeriod != 7*farm.Day || b.FundDeadline != 3*farm.Day {
		t.Fatalf("unexpected periods %d %d", b.MaxFundraisingPeriod, b.FundDeadline)
	}
	if !regCfg.EthFee.Eq(fee.Units(1, 15)) {
		t.Fatalf("unexpected eth fee %s", regCfg.EthFee.Dec())
	}
	if !regCfg.PenaltyFees[1].Numerator.Eq(fee.Percent(30).Numerator) {
		t.Fatalf("unexpected penalty tier %s", regCfg.PenaltyFees[1])
	}
	if regCfg.ChainID.Uint64() != 42161 {
		t.Fatalf("unexpected chain id %s", regCfg.ChainID.Dec())
	}
}

func TestTrackedAssetsDeduplicates(t *testing.T) {
	cfg := testConfig(t, common.Address{})
	assets := trackedAssets(cfg.Registry)
	if len(assets) != 2 || assets[0].Symbol != "USDC" || assets[1].Symbol != "WBTC" {
		t.Fatalf("unexpected assets %+v", assets)
	}
}

func TestKeeperAccruesAndSnapshotsFunds(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	maker := signature.FromKey(key)
	a, err := New(ctx, testConfig(t, maker.Address()), zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer func() { _ = a.close() }()

	start := uint64(time.Now().Unix())
	l := a.Ledger()
	if err := l.Mint(ctx, ledger.Native, manager, fee.Units(1, 18)); err != nil {
		t.Fatalf("mint native: %v", err)
	}
	if err := l.Mint(ctx, usdc, investor, fee.Units(5000, 6)); err != nil {
		t.Fatalf("mint usdc: %v", err)
	}
	if _, err := a.Seeds().BuySeeds(ctx, ledger.Call{Sender: manager, Timestamp: start}, manager, 1); err != nil {
		t.Fatalf("buy seed: %v", err)
	}
	sig, err := maker.SignDigest(a.Registry().CreateFarmDigest(operator, manager))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	fund, err := a.Registry().CreatePooledFarm(ctx, ledger.Call{Sender: manager, Value: fee.Units(1, 15), Timestamp: start}, registry.PooledParams{
		Config: pooled.Config{
			Name:                "Season One",
			Symbol:              "S1",
			FarmingPeriod:       90 * farm.Day,
			InitialLockupPeriod: 30 * farm.Day,
			MinDeposit:          fee.Units(10, 18),
			MaxDeposit:          fee.Units(100000, 18),
		},
		Assets: []pooled.Asset{{Address: usdc, IsDeposit: true}, {Address: wbtc}},
		Fees: pooled.Fees{
			Management:  fee.Percent(2),
			Performance: fee.Percent(20),
			Entrance:    fee.Zero(),
			Exit:        fee.Zero(),
		},
	}, operator, sig)
	if err != nil {
		t.Fatalf("create pooled farm: %v", err)
	}
	if _, err := fund.Deposit(ctx, ledger.Call{Sender: investor, Timestamp: start + 1}, usdc, fee.Units(1000, 6), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	supplyBefore := fund.TotalSupply()

	a.Keeper().now = func() time.Time { return time.Unix(int64(start+30*farm.Day), 0) }
	a.Keeper().Tick(ctx)

	if !fund.TotalSupply().Gt(supplyBefore) {
		t.Fatalf("expected management fee shares minted, supply stayed %s", supplyBefore.Dec())
	}
	var info pooled.Info
	ok, err := state.LoadFundSnapshot(ctx, a.store, fund.Address(), &info)
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}
	if info.TotalSupply != fund.TotalSupply().Dec() || info.Symbol != "S1" {
		t.Fatalf("unexpected snapshot %+v", info)
	}

	drained := 0
	for len(a.events) > 0 {
		a.handleEvent(ctx, <-a.events)
		drained++
	}
	if drained == 0 {
		t.Fatalf("expected committed events to be queued")
	}
	journal, err := a.store.Events(ctx, a.Registry().Address(), 10)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(journal) != 1 || journal[0].Name != ledger.EventFarmCreated {
		t.Fatalf("unexpected registry journal %+v", journal)
	}
}
