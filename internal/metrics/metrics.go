// Package metrics exposes prometheus collectors for the runtime.
//
// Counters are incremented inline by the pipeline. Aggregate gauges (agent
// count, total spend, buffered traces) are refreshed by a background
// Sampler so scrapes never walk the ledger themselves.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/xdr/internal/ledger"
	"github.com/kelpejol/xdr/internal/trace"
)

var (
	// RequestsTotal counts proxied requests by the status the client saw.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdr_requests_total",
		Help: "Proxied requests by final status code.",
	}, []string{"code"})

	// PaymentsTotal counts settlement attempts by result (settled, or the
	// failing check).
	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdr_payments_total",
		Help: "Invoice settlement attempts by result.",
	}, []string{"result"})

	// ChaosInjectionsTotal counts injected failures by kind.
	ChaosInjectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdr_chaos_injections_total",
		Help: "Chaos injections by kind (network, payment, rug_pull).",
	}, []string{"kind"})

	// UpstreamLatency observes upstream round-trip time in seconds.
	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xdr_upstream_latency_seconds",
		Help:    "Upstream request round-trip time.",
		Buckets: prometheus.DefBuckets,
	})

	// Agents is the number of registered agent wallets.
	Agents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xdr_agents",
		Help: "Registered agent wallets.",
	})

	// TotalSpend is the sum of all agents' total_spend in USDC.
	TotalSpend = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xdr_total_spend_usdc",
		Help: "Sum of total_spend across all agents.",
	})

	// TracesBuffered is the current trace ring occupancy.
	TracesBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xdr_traces_buffered",
		Help: "Completed traces currently retained in the ring buffer.",
	})
)

// Sampler periodically refreshes the aggregate gauges from the ledger and
// the trace ring.
type Sampler struct {
	ledger *ledger.Ledger
	ring   *trace.Ring
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewSampler creates a Sampler over the given ledger and ring.
func NewSampler(l *ledger.Ledger, r *trace.Ring, logger zerolog.Logger) *Sampler {
	return &Sampler{
		ledger: l,
		ring:   r,
		log:    logger.With().Str("component", "metrics").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background refresh loop.
func (s *Sampler) Start(interval time.Duration) {
	if interval == 0 {
		interval = 10 * time.Second
	}

	s.log.Info().Dur("interval", interval).Msg("starting metrics sampler")

	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sample()
			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("metrics sampler stopped")
				return
			}
		}
	}()
}

// Sample refreshes the gauges once.
func (s *Sampler) Sample() {
	states := s.ledger.ListAll()

	spend := decimal.Zero
	for _, st := range states {
		spend = spend.Add(st.TotalSpend)
	}

	Agents.Set(float64(len(states)))
	TotalSpend.Set(spend.InexactFloat64())
	TracesBuffered.Set(float64(s.ring.Len()))
}

// Stop halts the refresh loop.
func (s *Sampler) Stop() {
	close(s.stopCh)
}
