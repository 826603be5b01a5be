package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MEKXH/ccapproval/internal/approval"
	"github.com/MEKXH/ccapproval/internal/notify"
)

const namespace = "ccapproval"

const (
	// OutcomeBypassed labels tool calls the policy allowed without a human.
	OutcomeBypassed = "bypassed"
	// SafeToolLabel stands in for the tool name of bypassed calls, which the
	// caller controls.
	SafeToolLabel = "safe"
)

var waitBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600}

// Metrics holds the Prometheus collectors of the approval gate.
type Metrics struct {
	registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	WaitSeconds   prometheus.Histogram
	GatewayErrors *prometheus.CounterVec
}

// New registers all collectors on a private registry. pending reports the
// number of undecided approvals and may be nil.
func New(pending func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_requests_total",
			Help:      "Approval requests by tool and terminal outcome.",
		}, []string{"tool", "outcome"}),
		WaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time spent waiting for a human decision.",
			Buckets:   waitBuckets,
		}),
		GatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Failed chat platform calls by operation.",
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		m.Requests,
		m.WaitSeconds,
		m.GatewayErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if pending != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Approval requests waiting for a decision.",
		}, func() float64 { return float64(pending()) }))
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Resolved counts a terminal outcome and observes the wait time of requests
// that reached a human.
func (m *Metrics) Resolved(ctx context.Context, req approval.Request, wait time.Duration) {
	m.Requests.WithLabelValues(req.ToolName, string(req.Status)).Inc()
	if wait > 0 {
		m.WaitSeconds.Observe(wait.Seconds())
	}
}

func (m *Metrics) Bypassed(ctx context.Context, toolName string) {
	m.Requests.WithLabelValues(SafeToolLabel, OutcomeBypassed).Inc()
}

// GatewayError counts one failed platform call.
func (m *Metrics) GatewayError(op string) {
	m.GatewayErrors.WithLabelValues(op).Inc()
}

// InstrumentGateway wraps gw so that every failing call is counted.
func InstrumentGateway(gw approval.Gateway, m *Metrics) approval.Gateway {
	if m == nil {
		return gw
	}
	return &instrumentedGateway{Gateway: gw, metrics: m}
}

type instrumentedGateway struct {
	approval.Gateway
	metrics *Metrics
}

func (g *instrumentedGateway) observe(op string, err error) error {
	if err != nil {
		g.metrics.GatewayError(op)
	}
	return err
}

func (g *instrumentedGateway) PostMessage(ctx context.Context, channelID string, msg notify.Message, threadTS string) (approval.Location, error) {
	loc, err := g.Gateway.PostMessage(ctx, channelID, msg, threadTS)
	return loc, g.observe("post_message", err)
}

func (g *instrumentedGateway) UpdateMessage(ctx context.Context, loc approval.Location, msg notify.Message) error {
	return g.observe("update_message", g.Gateway.UpdateMessage(ctx, loc, msg))
}

func (g *instrumentedGateway) DeleteMessage(ctx context.Context, loc approval.Location) error {
	return g.observe("delete_message", g.Gateway.DeleteMessage(ctx, loc))
}

func (g *instrumentedGateway) AddReaction(ctx context.Context, loc approval.Location, name string) error {
	return g.observe("add_reaction", g.Gateway.AddReaction(ctx, loc, name))
}

func (g *instrumentedGateway) RemoveReaction(ctx context.Context, loc approval.Location, name string) error {
	return g.observe("remove_reaction", g.Gateway.RemoveReaction(ctx, loc, name))
}

func (g *instrumentedGateway) IsChannelMember(ctx context.Context, channelID string) (bool, error) {
	ok, err := g.Gateway.IsChannelMember(ctx, channelID)
	return ok, g.observe("is_channel_member", err)
}

func (g *instrumentedGateway) IsChannelID(channel string) bool {
	checker, ok := g.Gateway.(approval.ChannelIDChecker)
	return !ok || checker.IsChannelID(channel)
}
