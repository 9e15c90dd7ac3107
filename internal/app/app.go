package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"defarm/internal/alerts"
	"defarm/internal/config"
	"defarm/internal/fee"
	"defarm/internal/ledger"
	"defarm/internal/metrics"
	"defarm/internal/oracle"
	"defarm/internal/registry"
	"defarm/internal/seeds"
	"defarm/internal/state/sqlite"
	"defarm/internal/timescale"
	"defarm/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const eventQueueSize = 1024

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	ledger    *ledger.Ledger
	registry  *registry.Registry
	seeds     *seeds.Market
	book      *oracle.Book
	feed      *oracle.Feed
	cache     *oracle.RedisCache
	venue     *venue.Simulator
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	timescale *timescale.Writer
	alerts    *alerts.Telegram
	keeper    *Keeper
	operator  *Operator
	events    chan ledger.Event
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		ledger:  ledger.New(),
		venue:   venue.NewSimulator(),
		metrics: metrics.NewNoop(),
		alerts:  alerts.NewTelegram(cfg.Telegram, log),
		events:  make(chan ledger.Event, eventQueueSize),
	}
	if err := a.init(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}
	var err error
	if a.timescale, err = timescale.New(cfg.Timescale, a.log); err != nil {
		return fmt.Errorf("timescale: %w", err)
	}
	var cache oracle.Cache
	if cfg.Redis.Enabled {
		a.cache, err = oracle.DialRedis(ctx, oracle.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			TLSEnabled: cfg.Redis.TLS,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		cache = a.cache
	}
	a.book = oracle.NewBook(cfg.Oracle.MaxAge, cache)
	for asset, price := range cfg.Oracle.Prices {
		p, err := fee.ParseUnits(price, 18)
		if err != nil {
			return fmt.Errorf("oracle price %s: %w", asset, err)
		}
		a.book.Pin(common.HexToAddress(asset), p)
	}

	assets := trackedAssets(cfg.Registry)
	tokens := make([]common.Address, 0, len(assets))
	for _, tok := range assets {
		addr := common.HexToAddress(tok.Address)
		a.ledger.RegisterAsset(addr, tok.Decimals)
		tokens = append(tokens, addr)
	}
	if cfg.Oracle.URL != "" {
		a.feed = oracle.NewFeed(cfg.Oracle.URL, tokens, cfg.Oracle.ReconnectDelay, cfg.Oracle.PingInterval, a.book, a.log)
	}

	seedsCfg, err := seedsConfig(cfg.Seeds)
	if err != nil {
		return err
	}
	if a.seeds, err = seeds.New(a.ledger, seedsCfg); err != nil {
		return err
	}
	regCfg, err := registryConfig(cfg, a.venue, a.book, a.seeds)
	if err != nil {
		return err
	}
	if a.registry, err = registry.New(a.ledger, regCfg, a.log); err != nil {
		return err
	}
	owner := ledger.Call{Sender: regCfg.Roles.Owner}
	// the settlement asset is tracked for valuation only; farms may only
	// trade the configured tokens
	var allowed []common.Address
	for _, tok := range cfg.Registry.Tokens {
		allowed = append(allowed, common.HexToAddress(tok.Address))
	}
	if err := a.registry.AddTokens(owner, allowed...); err != nil {
		return err
	}
	operators := make([]common.Address, 0, len(cfg.Registry.Operators))
	for _, op := range cfg.Registry.Operators {
		operators = append(operators, common.HexToAddress(op))
	}
	if err := a.registry.AddOperator(owner, operators...); err != nil {
		return err
	}

	a.ledger.Subscribe(a.metrics.Sink())
	a.ledger.Subscribe(a.timescale)
	a.ledger.Subscribe(ledger.SinkFunc(a.enqueueEvent))
	a.keeper = NewKeeper(a.registry, a.store, a.timescale, a.metrics, common.HexToAddress(cfg.Keeper.Address), a.log)
	if tg := cfg.Telegram; tg.OperatorEnabled {
		chatID, err := strconv.ParseInt(strings.TrimSpace(tg.ChatID), 10, 64)
		if err != nil {
			return fmt.Errorf("telegram operator chat_id: %w", err)
		}
		a.operator = NewOperator(a.registry, a.venue, a.keeper, a.store, a.alerts, chatID, tg.OperatorAllowedUserIDs, tg.OperatorPollInterval, a.log)
	}
	return nil
}

func (a *App) Ledger() *ledger.Ledger       { return a.ledger }
func (a *App) Registry() *registry.Registry { return a.registry }
func (a *App) Seeds() *seeds.Market         { return a.seeds }
func (a *App) Book() *oracle.Book           { return a.book }
func (a *App) Venue() *venue.Simulator      { return a.venue }
func (a *App) Keeper() *Keeper              { return a.keeper }

// Run starts the background workers and blocks until ctx is done or one
// of them fails.
func (a *App) Run(ctx context.Context) error {
	defer func() { _ = a.close() }()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.drainEvents(ctx) })
	g.Go(func() error { return a.timescale.Run(ctx) })
	if a.feed != nil {
		g.Go(func() error {
			if err := a.feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("oracle feed: %w", err)
			}
			return nil
		})
	}
	if a.prom != nil {
		g.Go(func() error { return a.serveMetrics(ctx) })
	}
	if a.cfg.Keeper.EnabledValue() {
		g.Go(func() error { return a.runKeeper(ctx) })
	}
	if a.operator != nil {
		g.Go(func() error { return a.operator.Run(ctx) })
	}
	a.log.Info("app running",
		zap.String("registry", a.registry.Address().Hex()),
		zap.Bool("oracle_feed", a.feed != nil),
		zap.Bool("keeper", a.cfg.Keeper.EnabledValue()),
		zap.Bool("operator", a.operator != nil),
	)
	return g.Wait()
}

func (a *App) runKeeper(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(a.cfg.Keeper.Schedule, func() { a.keeper.Tick(ctx) }); err != nil {
		return fmt.Errorf("keeper schedule %q: %w", a.cfg.Keeper.Schedule, err)
	}
	c.Start()
	a.log.Info("keeper started", zap.String("schedule", a.cfg.Keeper.Schedule))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// enqueueEvent runs under the ledger's transaction lock, so it only hands
// the event over.
func (a *App) enqueueEvent(_ context.Context, ev ledger.Event) {
	select {
	case a.events <- ev:
	default:
		a.log.Warn("event queue full, dropping event", zap.String("event", ev.Name), zap.String("id", ev.ID))
	}
}

func (a *App) drainEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.events:
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, ev ledger.Event) {
	if err := a.store.AppendEvent(ctx, ev); err != nil {
		a.log.Warn("event journal append failed", zap.String("event", ev.Name), zap.Error(err))
	}
	alerts.Notify(ctx, a.alerts, a.log, ev)
}

func (a *App) close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	errs = append(errs, a.timescale.Close())
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
