package store

import (
	"context"
	"fmt"

	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const createOrdersTable = `
	CREATE TABLE IF NOT EXISTS real_orders (
		id                   TEXT PRIMARY KEY,
		client_order_id      TEXT NOT NULL DEFAULT '',
		product_id           TEXT NOT NULL,
		side                 TEXT NOT NULL,
		order_type           TEXT NOT NULL,
		status               TEXT NOT NULL,
		price                NUMERIC,
		size                 NUMERIC,
		filled_size          NUMERIC NOT NULL DEFAULT 0,
		average_filled_price NUMERIC,
		total_fees           NUMERIC NOT NULL DEFAULT 0,
		source               TEXT NOT NULL,
		suggestion_id        TEXT NOT NULL DEFAULT '',
		polling_restricted   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL
	)`

// OrderJournal records every real order state it is given in Postgres.
type OrderJournal struct {
	pool *pgxpool.Pool
}

// NewOrderJournal connects to dsn and makes sure the table exists.
func NewOrderJournal(ctx context.Context, dsn string) (*OrderJournal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, createOrdersTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create real_orders: %w", err)
	}
	return &OrderJournal{pool: pool}, nil
}

// Record upserts the order by brokerage id.
func (j *OrderJournal) Record(ctx context.Context, o models.RealOrder) error {
	const query = `
		INSERT INTO real_orders (
			id, client_order_id, product_id, side, order_type, status,
			price, size, filled_size, average_filled_price, total_fees,
			source, suggestion_id, polling_restricted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status               = EXCLUDED.status,
			price                = EXCLUDED.price,
			size                 = EXCLUDED.size,
			filled_size          = EXCLUDED.filled_size,
			average_filled_price = EXCLUDED.average_filled_price,
			total_fees           = EXCLUDED.total_fees,
			polling_restricted   = EXCLUDED.polling_restricted,
			updated_at           = EXCLUDED.updated_at`

	_, err := j.pool.Exec(ctx, query,
		o.ID, o.ClientOrderID, o.ProductID, string(o.Side), string(o.Type), string(o.Status),
		decimalArg(o.Price), decimalArg(o.Size), o.FilledSize.String(), decimalArg(o.AverageFilledPrice), o.TotalFees.String(),
		string(o.Source), o.SuggestionID, o.PollingRestricted, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s: %w", o.ID, err)
	}
	return nil
}

func (j *OrderJournal) Close() {
	j.pool.Close()
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
