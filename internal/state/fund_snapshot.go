package state

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	fundSnapshotPrefix = "fund:"
	FundIndexKey       = "funds:index"
)

func FundSnapshotKey(fund common.Address) string {
	return fundSnapshotPrefix + fund.Hex()
}

// SaveFundSnapshot stores v msgpack-encoded under the fund's key and adds
// the fund to the index.
func SaveFundSnapshot(ctx context.Context, store Store, fund common.Address, v any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	if err := store.Set(ctx, FundSnapshotKey(fund), base64.StdEncoding.EncodeToString(payload)); err != nil {
		return err
	}
	return addToIndex(ctx, store, fund)
}

// LoadFundSnapshot decodes the fund's snapshot into v.
func LoadFundSnapshot(ctx context.Context, store Store, fund common.Address, v any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, FundSnapshotKey(fund))
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return false, err
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return false, err
	}
	return true, nil
}

// SnapshotFunds lists every fund with a stored snapshot.
func SnapshotFunds(ctx context.Context, store Store) ([]common.Address, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, FundIndexKey)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	parts := strings.Split(raw, ",")
	out := make([]common.Address, 0, len(parts))
	for _, p := range parts {
		out = append(out, common.HexToAddress(p))
	}
	return out, nil
}

func addToIndex(ctx context.Context, store Store, fund common.Address) error {
	funds, err := SnapshotFunds(ctx, store)
	if err != nil {
		return err
	}
	hexes := make([]string, 0, len(funds)+1)
	for _, f := range funds {
		if f == fund {
			return nil
		}
		hexes = append(hexes, f.Hex())
	}
	hexes = append(hexes, fund.Hex())
	return store.Set(ctx, FundIndexKey, strings.Join(hexes, ","))
}
