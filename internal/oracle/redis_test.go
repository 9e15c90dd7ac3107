package oracle

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func TestDecodeQuoteMissingFields(t *testing.T) {
	if _, _, err := decodeQuote(map[string]string{}); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
	if _, _, err := decodeQuote(map[string]string{"price": "1"}); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice without ts, got %v", err)
	}
	if _, _, err := decodeQuote(map[string]string{"price": "x", "ts": "1"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("DEFARM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DEFARM_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	cache, err := DialRedis(ctx, RedisConfig{Addr: addr, KeyPrefix: "defarm-test:"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = cache.Close() }()

	at := time.Unix(1_700_000_000, 42)
	price := uint256.MustFromDecimal("1999500000000000000000")
	if err := cache.SetPrice(ctx, weth, price, at); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, gotAt, err := cache.GetPrice(ctx, weth)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Eq(price) || !gotAt.Equal(at) {
		t.Fatalf("unexpected quote %s at %s", got, gotAt)
	}
}
