// Package record persists the decoded feed to sqlite for offline
// replay. The live book itself is never persisted; the journal records
// what came off the wire, not what was built from it.
package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"github.com/jmenglis/polyfill-go/internal/decode"
	"github.com/jmenglis/polyfill-go/internal/domain"
)

// Journal is an append-only log of feed messages in arrival order.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (and if needed creates) a journal at path.
func NewJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS frames (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token TEXT NOT NULL,
			type INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			received INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create frames table: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record appends one message. Heartbeats and unknown frames are
// skipped; they carry nothing replayable.
func (j *Journal) Record(ctx context.Context, msg *decode.Message) error {
	var payload any
	var seq uint64

	switch msg.Type {
	case decode.MsgOrderDelta:
		payload, seq = msg.Delta, msg.Delta.Sequence
	case decode.MsgTrade:
		payload, seq = msg.Trade, msg.Trade.Sequence
	case decode.MsgTickSizeChange:
		payload = msg.TickSize
	case decode.MsgBookSnapshot:
		payload, seq = msg.Snapshot, msg.Snapshot.Sequence
	default:
		return nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		"INSERT INTO frames (token, type, seq, received, payload) VALUES (?, ?, ?, ?, ?)",
		msg.TokenID(), int(msg.Type), seq, msg.Received.UnixMicro(), b,
	)
	if err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	return nil
}

// Load streams journaled messages for one token (all tokens when empty)
// in arrival order into fn. Iteration stops when fn returns false.
func (j *Journal) Load(ctx context.Context, tokenID string, fn func(*decode.Message) bool) error {
	query := "SELECT type, payload FROM frames"
	args := []any{}
	if tokenID != "" {
		query += " WHERE token = ?"
		args = append(args, tokenID)
	}
	query += " ORDER BY id ASC"

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ int
		var payload []byte
		if err := rows.Scan(&typ, &payload); err != nil {
			return fmt.Errorf("scan frame: %w", err)
		}

		msg, err := rebuild(decode.MessageType(typ), payload)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		if !fn(msg) {
			return nil
		}
	}
	return rows.Err()
}

// Count returns the number of journaled frames.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM frames").Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func rebuild(typ decode.MessageType, payload []byte) (*decode.Message, error) {
	msg := &decode.Message{Type: typ}
	var err error
	switch typ {
	case decode.MsgOrderDelta:
		var d domain.OrderDelta
		err = json.Unmarshal(payload, &d)
		msg.Delta = &d
	case decode.MsgTrade:
		var t domain.Trade
		err = json.Unmarshal(payload, &t)
		msg.Trade = &t
	case decode.MsgTickSizeChange:
		var c domain.TickSizeChange
		err = json.Unmarshal(payload, &c)
		msg.TickSize = &c
	case decode.MsgBookSnapshot:
		var s domain.BookSnapshot
		err = json.Unmarshal(payload, &s)
		msg.Snapshot = &s
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal journaled frame: %w", err)
	}
	return msg, nil
}
