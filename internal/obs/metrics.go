// Package obs is the injected observability collaborator: the core
// counts events through this interface instead of ambient global state,
// so nothing here carries a hidden initialization order.
package obs

import "time"

// Metrics receives counters and timings from the engine. All methods
// must be safe for concurrent use and must never block.
type Metrics interface {
	MessageReceived(msgType string)
	DecodeError()
	SequenceGap(tokenID string)
	Resync(tokenID string)
	Reconnect(connID string)
	SubscriberDrop()
	ApplyLatency(d time.Duration)
}

// Noop discards everything. The default when no collaborator is wired.
type Noop struct{}

func (Noop) MessageReceived(string)     {}
func (Noop) DecodeError()               {}
func (Noop) SequenceGap(string)         {}
func (Noop) Resync(string)              {}
func (Noop) Reconnect(string)           {}
func (Noop) SubscriberDrop()            {}
func (Noop) ApplyLatency(time.Duration) {}

// OrNoop normalizes a possibly-nil Metrics.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return Noop{}
	}
	return m
}
