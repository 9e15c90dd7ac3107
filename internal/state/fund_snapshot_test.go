package state

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

type sample struct {
	Status    string            `msgpack:"status"`
	Raised    string            `msgpack:"raised"`
	Investors map[string]string `msgpack:"investors"`
}

var (
	fundA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	fundB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func TestFundSnapshotRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	in := sample{Status: "OPENED", Raised: "1500000000", Investors: map[string]string{"0xabc": "10"}}
	if err := SaveFundSnapshot(ctx, store, fundA, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	var out sample
	ok, err := LoadFundSnapshot(ctx, store, fundA, &out)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if out.Status != in.Status || out.Raised != in.Raised || out.Investors["0xabc"] != "10" {
		t.Fatalf("unexpected snapshot %+v", out)
	}
}

func TestFundSnapshotMissing(t *testing.T) {
	var out sample
	ok, err := LoadFundSnapshot(context.Background(), &memoryStore{}, fundA, &out)
	if err != nil || ok {
		t.Fatalf("expected missing snapshot, got ok=%v err=%v", ok, err)
	}
	ok, err = LoadFundSnapshot(context.Background(), nil, fundA, &out)
	if err != nil || ok {
		t.Fatalf("nil store: ok=%v err=%v", ok, err)
	}
}

func TestSnapshotIndexDeduplicates(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	for _, f := range []common.Address{fundA, fundB, fundA} {
		if err := SaveFundSnapshot(ctx, store, f, sample{Status: "OPENED"}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	funds, err := SnapshotFunds(ctx, store)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(funds) != 2 || funds[0] != fundA || funds[1] != fundB {
		t.Fatalf("unexpected index %v", funds)
	}
}
