package app

import (
	"context"
	"time"

	"defarm/internal/ledger"
	"defarm/internal/metrics"
	"defarm/internal/registry"
	"defarm/internal/state"
	"defarm/internal/timescale"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Keeper mints accrued pooled-fund fees and records a snapshot of every
// fund on each tick.
type Keeper struct {
	registry  *registry.Registry
	store     state.Store
	timescale *timescale.Writer
	metrics   *metrics.Metrics
	log       *zap.Logger
	sender    common.Address
	now       func() time.Time
}

func NewKeeper(reg *registry.Registry, store state.Store, ts *timescale.Writer, m *metrics.Metrics, sender common.Address, log *zap.Logger) *Keeper {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Keeper{
		registry:  reg,
		store:     store,
		timescale: ts,
		metrics:   m,
		log:       log,
		sender:    sender,
		now:       time.Now,
	}
}

// Tick never fails as a whole; a fund that cannot be valued is logged and
// skipped.
func (k *Keeper) Tick(ctx context.Context) {
	now := k.now().UTC()
	call := ledger.Call{Sender: k.sender, Timestamp: uint64(now.Unix())}

	for _, fund := range k.registry.PooledFarms() {
		if ctx.Err() != nil {
			return
		}
		minted, err := fund.AccrueFees(ctx, call)
		if err != nil {
			k.metrics.KeeperFailures.Inc()
			k.log.Warn("fee accrual failed", zap.String("fund", fund.Address().Hex()), zap.Error(err))
		} else if !minted.Management.IsZero() || !minted.Performance.IsZero() {
			k.log.Info("fees minted",
				zap.String("fund", fund.Address().Hex()),
				zap.String("management", minted.Management.Dec()),
				zap.String("performance", minted.Performance.Dec()),
			)
		}
		info, err := fund.Info(ctx)
		if err != nil {
			k.log.Warn("fund valuation failed", zap.String("fund", fund.Address().Hex()), zap.Error(err))
			continue
		}
		k.timescale.EnqueueNAV(timescale.NAVSnapshot{
			Time:           now,
			Fund:           info.Address,
			TotalFundValue: info.TotalFundValue,
			SharePrice:     info.SharePrice,
			TotalSupply:    info.TotalSupply,
			HighWaterMark:  info.HighWaterMark,
		})
		if err := state.SaveFundSnapshot(ctx, k.store, fund.Address(), info); err != nil {
			k.log.Warn("fund snapshot save failed", zap.String("fund", info.Address), zap.Error(err))
		}
	}

	for _, fund := range k.registry.SingleFarms() {
		if ctx.Err() != nil {
			return
		}
		if err := state.SaveFundSnapshot(ctx, k.store, fund.Address(), fund.Info()); err != nil {
			k.log.Warn("fund snapshot save failed", zap.String("fund", fund.Address().Hex()), zap.Error(err))
		}
	}
}
