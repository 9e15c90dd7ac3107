package timescale

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"defarm/internal/config"
	"defarm/internal/ledger"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// NAVSnapshot is a pooled fund valuation. Amounts are decimal strings with
// 18 decimals and land in NUMERIC columns.
type NAVSnapshot struct {
	Time           time.Time
	Fund           string
	TotalFundValue string
	SharePrice     string
	TotalSupply    string
	HighWaterMark  string
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	events    chan ledger.Event
	navs      chan NAVSnapshot
	started   atomic.Bool
	dropEvent atomic.Uint64
	dropNAV   atomic.Uint64
}

// New returns a nil writer when timescale is disabled; every method is
// safe on a nil writer.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		events: make(chan ledger.Event, queueSize),
		navs:   make(chan NAVSnapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

// Run drains the queues until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("timescale writer already running")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.events:
			w.writeEvent(ctx, ev)
		case nav := <-w.navs:
			w.writeNAV(ctx, nav)
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Publish queues a committed ledger event. It never blocks; events are
// dropped when the queue is full.
func (w *Writer) Publish(_ context.Context, ev ledger.Event) {
	if w == nil {
		return
	}
	select {
	case w.events <- ev:
	default:
		if w.dropEvent.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale event queue full")
		}
	}
}

func (w *Writer) EnqueueNAV(snap NAVSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.navs <- snap:
	default:
		if w.dropNAV.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale nav queue full")
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		id UUID NOT NULL,
		name TEXT NOT NULL,
		contract TEXT NOT NULL,
		fields JSONB NOT NULL,
		PRIMARY KEY (ts, id)
	)`, w.table("fund_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		fund TEXT NOT NULL,
		total_fund_value NUMERIC(78,0) NOT NULL,
		share_price NUMERIC(78,0) NOT NULL,
		total_supply NUMERIC(78,0) NOT NULL,
		high_water_mark NUMERIC(78,0) NOT NULL,
		PRIMARY KEY (ts, fund)
	)`, w.table("nav_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"fund_events", "nav_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeEvent(ctx context.Context, ev ledger.Event) {
	if w.db == nil {
		return
	}
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		if w.log != nil {
			w.log.Warn("timescale event encode failed", zap.Error(err))
		}
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, id, name, contract, fields)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (ts, id) DO NOTHING`, w.table("fund_events"))
	if _, err := w.db.ExecContext(ctx, query,
		time.Unix(int64(ev.Timestamp), 0).UTC(),
		ev.ID,
		ev.Name,
		ev.Contract.Hex(),
		string(fields),
	); err != nil && w.log != nil {
		w.log.Warn("timescale event insert failed", zap.String("event", ev.Name), zap.Error(err))
	}
}

func (w *Writer) writeNAV(ctx context.Context, snap NAVSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, fund, total_fund_value, share_price, total_supply, high_water_mark
	) VALUES (
		$1,$2,$3::numeric,$4::numeric,$5::numeric,$6::numeric
	)
	ON CONFLICT (ts, fund) DO UPDATE SET
		total_fund_value = EXCLUDED.total_fund_value,
		share_price = EXCLUDED.share_price,
		total_supply = EXCLUDED.total_supply,
		high_water_mark = EXCLUDED.high_water_mark`, w.table("nav_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Fund,
		snap.TotalFundValue,
		snap.SharePrice,
		snap.TotalSupply,
		snap.HighWaterMark,
	); err != nil && w.log != nil {
		w.log.Warn("timescale nav upsert failed", zap.String("fund", snap.Fund), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
