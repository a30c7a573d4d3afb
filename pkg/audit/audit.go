package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	ActionOrderCreated   = "order.created"
	ActionOrderCancelled = "order.cancelled"
	ActionOrderDeleted   = "order.deleted"
)

var ErrNotFound = errors.New("audit: record not found")

// Sink receives one record per committed order mutation.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Record struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"orderId"`
	Action         string          `json:"action"`
	Actor          string          `json:"actor"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS order_audit (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL DEFAULT '',
		detail JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)
`

// Writer appends records to the order_audit table. With Redact set the
// actor, the idempotency key and free-text detail fields are stored as
// salted hashes.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, schemaSQL)
	return err
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	var detail any
	if len(rec.Detail) > 0 {
		detail = []byte(rec.Detail)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO order_audit
		(id, order_id, action, actor, idempotency_key, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.OrderID, rec.Action, rec.Actor, rec.IdempotencyKey, detail, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	var detail []byte
	row := w.DB.QueryRow(ctx, `
		SELECT id, order_id, action, actor, idempotency_key, detail, created_at
		FROM order_audit WHERE id=$1
	`, id)
	if err := row.Scan(&rec.ID, &rec.OrderID, &rec.Action, &rec.Actor, &rec.IdempotencyKey, &detail, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if len(detail) > 0 {
		rec.Detail = json.RawMessage(detail)
	}
	return rec, nil
}

// Memory keeps records in process for the memory-backed deployment.
type Memory struct {
	mu       sync.Mutex
	HashSalt []byte
	Redact   bool
	records  []Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Redact {
		rec = redactRecord(rec, m.HashSalt)
	}
	rec.Detail = append(json.RawMessage(nil), rec.Detail...)
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Records returns the records for orderID, oldest first. An empty orderID
// returns everything.
func (m *Memory) Records(orderID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if orderID == "" || rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
