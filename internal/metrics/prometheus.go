package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "defarm"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	farmsCreated    prometheus.Counter
	deposits        prometheus.Counter
	withdrawals     prometheus.Counter
	claims          prometheus.Counter
	positionsOpened prometheus.Counter
	positionsClosed prometheus.Counter
	liquidations    prometheus.Counter
	cancellations   prometheus.Counter
	investments     prometheus.Counter
	divestments     prometheus.Counter
	seedTrades      prometheus.Counter
	feeMints        prometheus.Counter
	keeperFailures  prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:        prometheus.NewRegistry(),
		farmsCreated:    newCounter("farms_created_total", "Total number of funds created by the registry."),
		deposits:        newCounter("deposits_total", "Total number of accepted deposits."),
		withdrawals:     newCounter("withdrawals_total", "Total number of pooled fund withdrawals."),
		claims:          newCounter("claims_total", "Total number of single fund claims."),
		positionsOpened: newCounter("positions_opened_total", "Total number of single fund positions opened."),
		positionsClosed: newCounter("positions_closed_total", "Total number of single fund positions closed."),
		liquidations:    newCounter("liquidations_total", "Total number of single fund liquidations."),
		cancellations:   newCounter("cancellations_total", "Total number of cancelled single funds."),
		investments:     newCounter("investments_total", "Total number of pooled fund investments."),
		divestments:     newCounter("divestments_total", "Total number of pooled fund divestments."),
		seedTrades:      newCounter("seed_trades_total", "Total number of seed buys and sells."),
		feeMints:        newCounter("fee_mints_total", "Total number of pooled fund fee share mints."),
		keeperFailures:  newCounter("keeper_failures_total", "Total number of keeper fee accrual failures."),
	}
	p.registry.MustRegister(
		p.farmsCreated, p.deposits, p.withdrawals, p.claims,
		p.positionsOpened, p.positionsClosed, p.liquidations, p.cancellations,
		p.investments, p.divestments, p.seedTrades, p.feeMints, p.keeperFailures,
	)
	p.Metrics = &Metrics{
		FarmsCreated:    promCounter{p.farmsCreated},
		Deposits:        promCounter{p.deposits},
		Withdrawals:     promCounter{p.withdrawals},
		Claims:          promCounter{p.claims},
		PositionsOpened: promCounter{p.positionsOpened},
		PositionsClosed: promCounter{p.positionsClosed},
		Liquidations:    promCounter{p.liquidations},
		Cancellations:   promCounter{p.cancellations},
		Investments:     promCounter{p.investments},
		Divestments:     promCounter{p.divestments},
		SeedTrades:      promCounter{p.seedTrades},
		FeeMints:        promCounter{p.feeMints},
		KeeperFailures:  promCounter{p.keeperFailures},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
