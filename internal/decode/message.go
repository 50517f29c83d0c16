package decode

import (
	"encoding/json"
	"time"

	"github.com/jmenglis/polyfill-go/internal/domain"
)

// MessageType tags the closed union of feed message kinds. Unrecognized
// event types map to MsgUnknown rather than an error so new feed
// message kinds never break ingestion.
type MessageType uint8

const (
	MsgOrderDelta MessageType = iota + 1
	MsgTrade
	MsgTickSizeChange
	MsgBookSnapshot
	MsgHeartbeat
	MsgUnknown
)

func (t MessageType) String() string {
	switch t {
	case MsgOrderDelta:
		return "order_delta"
	case MsgTrade:
		return "trade"
	case MsgTickSizeChange:
		return "tick_size_change"
	case MsgBookSnapshot:
		return "book_snapshot"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Message is one decoded feed frame. Exactly the field matching Type is
// set; immutable once produced.
type Message struct {
	Type     MessageType
	Delta    *domain.OrderDelta
	Trade    *domain.Trade
	TickSize *domain.TickSizeChange
	Snapshot *domain.BookSnapshot

	// Raw carries the original payload for MsgUnknown frames.
	Raw json.RawMessage

	Received time.Time
}

// TokenID returns the instrument the message concerns, or "" for
// heartbeats and unknown frames.
func (m *Message) TokenID() string {
	switch m.Type {
	case MsgOrderDelta:
		return m.Delta.TokenID
	case MsgTrade:
		return m.Trade.TokenID
	case MsgTickSizeChange:
		return m.TickSize.TokenID
	case MsgBookSnapshot:
		return m.Snapshot.TokenID
	default:
		return ""
	}
}
