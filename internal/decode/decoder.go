// Package decode parses raw feed frames into typed messages. The
// decoder is stateless with respect to book semantics: it validates
// structural shape, parses numerics as exact decimals and tags the
// result. A malformed frame yields a DecodeError the caller logs and
// drops; it never terminates the stream.
package decode

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/jmenglis/polyfill-go/internal/domain"
	"github.com/jmenglis/polyfill-go/internal/obs"
	"github.com/jmenglis/polyfill-go/pkg/quant"
)

// envelope is the wire shape shared by all feed frames. Numerics stay
// json.Number until parsed exactly; float64 never touches a price.
type envelope struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Sequence  uint64      `json:"sequence"`
	Timestamp json.Number `json:"timestamp"` // ms

	Side  string      `json:"side"`
	Price json.Number `json:"price"`
	Size  json.Number `json:"size"`

	Bids []wireLevel `json:"bids"`
	Asks []wireLevel `json:"asks"`

	OldTickSize json.Number `json:"old_tick_size"`
	NewTickSize json.Number `json:"new_tick_size"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Decoder turns frames into Messages.
type Decoder struct {
	metrics obs.Metrics
}

// NewDecoder creates a decoder reporting to the given collaborator.
func NewDecoder(metrics obs.Metrics) *Decoder {
	return &Decoder{metrics: obs.OrNoop(metrics)}
}

// Decode parses one raw frame. The frame buffer may be reused by the
// caller after Decode returns; nothing in the result aliases it.
func (d *Decoder) Decode(frame []byte) (*Message, error) {
	now := time.Now().UTC()

	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		d.metrics.DecodeError()
		return nil, domain.NewDecodeError("empty frame", nil)
	}

	// Heartbeat convention is a bare text frame.
	if s := string(trimmed); s == "PONG" || s == "PING" {
		d.metrics.MessageReceived(MsgHeartbeat.String())
		return &Message{Type: MsgHeartbeat, Received: now}, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		d.metrics.DecodeError()
		return nil, domain.NewDecodeError("invalid json", err)
	}

	msg, err := d.decodeEnvelope(&env, trimmed, now)
	if err != nil {
		d.metrics.DecodeError()
		return nil, err
	}
	d.metrics.MessageReceived(msg.Type.String())
	return msg, nil
}

func (d *Decoder) decodeEnvelope(env *envelope, raw []byte, now time.Time) (*Message, error) {
	switch env.EventType {
	case "price_change":
		delta, err := d.decodeDelta(env)
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgOrderDelta, Delta: delta, Received: now}, nil

	case "last_trade_price":
		trade, err := d.decodeTrade(env)
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgTrade, Trade: trade, Received: now}, nil

	case "tick_size_change":
		tsc, err := d.decodeTickSize(env)
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgTickSizeChange, TickSize: tsc, Received: now}, nil

	case "book":
		snap, err := d.decodeSnapshot(env)
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgBookSnapshot, Snapshot: snap, Received: now}, nil

	case "":
		return nil, domain.NewDecodeError("missing event_type", nil)

	default:
		// Forward compatibility: keep the payload, tag it unknown.
		rawCopy := make(json.RawMessage, len(raw))
		copy(rawCopy, raw)
		return &Message{Type: MsgUnknown, Raw: rawCopy, Received: now}, nil
	}
}

func (d *Decoder) decodeDelta(env *envelope) (*domain.OrderDelta, error) {
	if env.AssetID == "" {
		return nil, domain.NewDecodeError("price_change missing asset_id", nil)
	}
	side, err := domain.ParseSide(env.Side)
	if err != nil {
		return nil, domain.NewDecodeError("price_change side", err)
	}
	price, err := quant.ParseDecimal(env.Price.String())
	if err != nil {
		return nil, domain.NewDecodeError("price_change price", err)
	}
	size, err := quant.ParseDecimal(env.Size.String())
	if err != nil {
		return nil, domain.NewDecodeError("price_change size", err)
	}
	if size.IsNegative() {
		return nil, domain.NewDecodeError("price_change negative size", nil)
	}
	ts, err := d.timestamp(env)
	if err != nil {
		return nil, err
	}
	return &domain.OrderDelta{
		TokenID:   env.AssetID,
		Side:      side,
		Price:     price,
		Size:      size,
		Sequence:  env.Sequence,
		Timestamp: ts,
	}, nil
}

func (d *Decoder) decodeTrade(env *envelope) (*domain.Trade, error) {
	if env.AssetID == "" {
		return nil, domain.NewDecodeError("last_trade_price missing asset_id", nil)
	}
	side, err := domain.ParseSide(env.Side)
	if err != nil {
		return nil, domain.NewDecodeError("last_trade_price side", err)
	}
	price, err := quant.ParseDecimal(env.Price.String())
	if err != nil {
		return nil, domain.NewDecodeError("last_trade_price price", err)
	}
	size, err := quant.ParseDecimal(env.Size.String())
	if err != nil {
		return nil, domain.NewDecodeError("last_trade_price size", err)
	}
	ts, err := d.timestamp(env)
	if err != nil {
		return nil, err
	}
	return &domain.Trade{
		TokenID:   env.AssetID,
		Side:      side,
		Price:     price,
		Size:      size,
		Sequence:  env.Sequence,
		Timestamp: ts,
	}, nil
}

func (d *Decoder) decodeTickSize(env *envelope) (*domain.TickSizeChange, error) {
	if env.AssetID == "" {
		return nil, domain.NewDecodeError("tick_size_change missing asset_id", nil)
	}
	oldTick, err := quant.ParseDecimal(env.OldTickSize.String())
	if err != nil {
		return nil, domain.NewDecodeError("tick_size_change old_tick_size", err)
	}
	newTick, err := quant.ParseDecimal(env.NewTickSize.String())
	if err != nil {
		return nil, domain.NewDecodeError("tick_size_change new_tick_size", err)
	}
	ts, err := d.timestamp(env)
	if err != nil {
		return nil, err
	}
	return &domain.TickSizeChange{
		TokenID:     env.AssetID,
		OldTickSize: oldTick,
		NewTickSize: newTick,
		Timestamp:   ts,
	}, nil
}

func (d *Decoder) decodeSnapshot(env *envelope) (*domain.BookSnapshot, error) {
	if env.AssetID == "" {
		return nil, domain.NewDecodeError("book missing asset_id", nil)
	}
	bids, err := decodeLevels(env.Bids, "bids")
	if err != nil {
		return nil, err
	}
	asks, err := decodeLevels(env.Asks, "asks")
	if err != nil {
		return nil, err
	}
	sortLevels(bids, true)
	sortLevels(asks, false)
	ts, err := d.timestamp(env)
	if err != nil {
		return nil, err
	}
	return &domain.BookSnapshot{
		TokenID:   env.AssetID,
		Bids:      bids,
		Asks:      asks,
		Sequence:  env.Sequence,
		Timestamp: ts,
	}, nil
}

func decodeLevels(wire []wireLevel, field string) ([]domain.PriceLevel, error) {
	levels := make([]domain.PriceLevel, 0, len(wire))
	for _, w := range wire {
		price, err := quant.ParseDecimal(w.Price)
		if err != nil {
			return nil, domain.NewDecodeError("book "+field+" price", err)
		}
		size, err := quant.ParseDecimal(w.Size)
		if err != nil {
			return nil, domain.NewDecodeError("book "+field+" size", err)
		}
		if size.IsZero() || size.IsNegative() {
			// Snapshots carry resting liquidity only.
			continue
		}
		levels = append(levels, domain.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

// sortLevels orders levels best-first: bids descending, asks ascending.
func sortLevels(levels []domain.PriceLevel, descending bool) {
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
}

func (d *Decoder) timestamp(env *envelope) (time.Time, error) {
	if env.Timestamp.String() == "" {
		return time.Time{}, nil
	}
	ms, err := env.Timestamp.Int64()
	if err != nil {
		return time.Time{}, domain.NewDecodeError("timestamp", err)
	}
	return quant.FromUnixMilli(ms), nil
}
