// Package farm holds what the fund registry, both fund kinds and the seed
// market share: the error taxonomy and the collaborators they consume.
package farm

import (
	"context"
	"time"

	"defarm/internal/fee"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// PriceSource quotes an asset in USD with 18 decimals.
type PriceSource interface {
	USDPrice(ctx context.Context, asset common.Address) (*uint256.Int, error)
}

// ExecutionVenue tracks the USD value (18 decimals) each fund has deployed
// at the venue. Funds are the accounts; operators trade on their behalf.
type ExecutionVenue interface {
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	TransferIn(ctx context.Context, account common.Address, value *uint256.Int) error
	TransferOut(ctx context.Context, account common.Address, value *uint256.Int) error
}

// SeedGate answers how many of a subject's seeds a holder owns.
type SeedGate interface {
	BalanceOf(subject, holder common.Address) uint64
}

const (
	Day  = uint64(24 * time.Hour / time.Second)
	Year = 365 * Day
)

// InstanceAddress derives the address of the nonce-th instance created by
// creator, the same way contract creation does.
func InstanceAddress(creator common.Address, nonce uint64) common.Address {
	return crypto.CreateAddress(creator, nonce)
}

// HoldsSeed reports whether holder owns at least one of subject's seeds.
func HoldsSeed(gate SeedGate, subject, holder common.Address) bool {
	if gate == nil {
		return false
	}
	return gate.BalanceOf(subject, holder) > 0
}

// Snapshot is the registry configuration a fund is created with. Later
// registry changes never reach funds that already exist.
type Snapshot struct {
	Registry        common.Address
	ChainID         *uint256.Int
	Admin           common.Address
	Treasury        common.Address
	SettlementAsset common.Address
	Capacity        *uint256.Int
	MinInvestment   *uint256.Int
	MaxInvestment   *uint256.Int
	FundDeadline    uint64
	ProtocolFee     fee.Fee
	EthFee          *uint256.Int
	PenaltyFees     [3]fee.Fee
	Venue           ExecutionVenue
	Prices          PriceSource
	Seeds           SeedGate
}
