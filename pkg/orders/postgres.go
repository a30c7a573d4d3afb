package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL DEFAULT '',
		items JSONB NOT NULL,
		total_cents BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		cancelled_at TIMESTAMPTZ
	)
`

const orderColumns = `id, actor, items, total_cents, status, created_at, cancelled_at`

type PostgresRepository struct {
	db DB
}

func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create orders table: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Create(ctx context.Context, o Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO orders(id, actor, items, total_cents, status, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		o.ID, o.Actor, items, o.TotalCents, string(o.Status), o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (Order, error) {
	row := p.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func (p *PostgresRepository) Cancel(ctx context.Context, id string, at time.Time) (Order, error) {
	row := p.db.QueryRow(ctx,
		`UPDATE orders SET status=$2, cancelled_at=$3 WHERE id=$1 AND status=$4 RETURNING `+orderColumns,
		id, string(StatusCancelled), at.UTC(), string(StatusPlaced),
	)
	o, err := scanOrder(row)
	if !errors.Is(err, ErrNotFound) {
		return o, err
	}
	// Nothing updated: either the order is gone or it was already cancelled.
	if _, getErr := p.Get(ctx, id); getErr != nil {
		return Order{}, getErr
	}
	return Order{}, ErrAlreadyCancelled
}

func (p *PostgresRepository) Delete(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		items  []byte
		status string
	)
	if err := row.Scan(&o.ID, &o.Actor, &items, &o.TotalCents, &status, &o.CreatedAt, &o.CancelledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("scan order: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("decode items: %w", err)
	}
	o.Status = Status(status)
	return o, nil
}
