package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prom is a prometheus-backed Metrics implementation.
type Prom struct {
	messages    *prometheus.CounterVec
	decodeErrs  prometheus.Counter
	seqGaps     *prometheus.CounterVec
	resyncs     *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	subDrops    prometheus.Counter
	applyMicros prometheus.Histogram
}

// NewProm registers the engine's collectors on reg and returns the
// collaborator. Pass prometheus.DefaultRegisterer for the default.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyfill_messages_total",
			Help: "Decoded feed messages by type.",
		}, []string{"type"}),
		decodeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polyfill_decode_errors_total",
			Help: "Malformed frames dropped by the decoder.",
		}),
		seqGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyfill_sequence_gaps_total",
			Help: "Sequence gaps detected per token.",
		}, []string{"token"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyfill_resyncs_total",
			Help: "Snapshot resyncs performed per token.",
		}, []string{"token"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyfill_reconnects_total",
			Help: "Stream reconnects per connection.",
		}, []string{"conn"}),
		subDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polyfill_subscriber_drops_total",
			Help: "Messages dropped on slow subscriber channels.",
		}),
		applyMicros: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "polyfill_apply_micros",
			Help:    "Delta application latency in microseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
	reg.MustRegister(p.messages, p.decodeErrs, p.seqGaps, p.resyncs,
		p.reconnects, p.subDrops, p.applyMicros)
	return p
}

func (p *Prom) MessageReceived(msgType string) { p.messages.WithLabelValues(msgType).Inc() }
func (p *Prom) DecodeError()                   { p.decodeErrs.Inc() }
func (p *Prom) SequenceGap(tokenID string)     { p.seqGaps.WithLabelValues(tokenID).Inc() }
func (p *Prom) Resync(tokenID string)          { p.resyncs.WithLabelValues(tokenID).Inc() }
func (p *Prom) Reconnect(connID string)        { p.reconnects.WithLabelValues(connID).Inc() }
func (p *Prom) SubscriberDrop()                { p.subDrops.Inc() }

func (p *Prom) ApplyLatency(d time.Duration) {
	p.applyMicros.Observe(float64(d.Microseconds()))
}
