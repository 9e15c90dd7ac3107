package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// PriceUpdate is one quote pushed by the feed. Price is a decimal string
// with 18 decimals; Timestamp is unix seconds and optional.
type PriceUpdate struct {
	Asset     string `json:"asset"`
	Price     string `json:"price"`
	Timestamp int64  `json:"ts,omitempty"`
}

// Feed streams quotes from a websocket endpoint into a Book.
type Feed struct {
	url            string
	assets         []common.Address
	reconnectDelay time.Duration
	pingInterval   time.Duration
	book           *Book
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewFeed(url string, assets []common.Address, reconnectDelay, pingInterval time.Duration, book *Book, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		url:            url,
		assets:         append([]common.Address(nil), assets...),
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		book:           book,
		log:            log,
	}
}

func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.conn = conn
	return nil
}

// Run reads quotes until ctx is done, reconnecting and resubscribing after
// read errors.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.ensureSubscribed(ctx); err != nil {
			return err
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			f.pingLoop(pingCtx)
		}()
		err := f.readLoop(ctx)
		cancel()
		<-pingDone
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logReadLoopError(err)
			f.resetConn()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
		}
	}
}

func (f *Feed) ensureSubscribed(ctx context.Context) error {
	if err := f.Connect(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	assets := make([]string, 0, len(f.assets))
	for _, a := range f.assets {
		assets = append(assets, a.Hex())
	}
	return writeJSON(ctx, conn, map[string]any{"method": "subscribe", "assets": assets})
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.handle(ctx, data)
	}
}

func (f *Feed) handle(ctx context.Context, data []byte) {
	update, ok, err := ParseUpdate(data)
	if err != nil {
		f.log.Warn("oracle update rejected", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	at := time.Now()
	if update.Timestamp > 0 {
		at = time.Unix(update.Timestamp, 0)
	}
	price, _ := uint256.FromDecimal(update.Price)
	if err := f.book.Update(ctx, common.HexToAddress(update.Asset), price, at); err != nil {
		f.log.Warn("oracle cache write failed", zap.Error(err))
	}
}

// ParseUpdate decodes a feed message. ok is false for messages that carry
// no quote, such as pongs and subscription acks.
func ParseUpdate(data []byte) (PriceUpdate, bool, error) {
	var update PriceUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return PriceUpdate{}, false, fmt.Errorf("decode price update: %w", err)
	}
	if update.Asset == "" && update.Price == "" {
		return PriceUpdate{}, false, nil
	}
	if !common.IsHexAddress(update.Asset) {
		return PriceUpdate{}, false, fmt.Errorf("invalid asset %q", update.Asset)
	}
	if _, err := uint256.FromDecimal(update.Price); err != nil {
		return PriceUpdate{}, false, fmt.Errorf("invalid price %q: %w", update.Price, err)
	}
	return update, true, nil
}

func (f *Feed) pingLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil || f.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (f *Feed) logReadLoopError(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			f.log.Info("oracle feed closed", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		f.log.Info("oracle feed closed", zap.Error(err))
		return
	}
	f.log.Warn("oracle feed read failed", zap.Error(err))
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
