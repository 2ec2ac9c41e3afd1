package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens and pings the orders database.
func NewPostgresRepository(cred *Credentials) (*PostgresRepository, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresRepository{db: db}, nil
}

// RunMigrations applies the orders and outbox migrations.
func (r *PostgresRepository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "orders_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

// CreateOrder inserts the order and its outbox event in one transaction.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *domain.Order) error {
	linesJSON, err := json.Marshal(o.Lines)
	if err != nil {
		return fmt.Errorf("failed to marshal order lines: %w", err)
	}
	addressJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}
	methodJSON, err := json.Marshal(o.ShippingMethod)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping method: %w", err)
	}
	payload, err := placedPayload(o)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w: %w", domain.ErrIOFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO orders (id, checkout_id, cart_id, status, lines, shipping_address, shipping_method,
	                              subtotal, shipping, tax, grand_total, reservation_id, payment_receipt, placed_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, insertErr := tx.ExecContext(ctx, query,
		o.ID,
		o.CheckoutID,
		o.CartID,
		o.Status,
		linesJSON,
		addressJSON,
		methodJSON,
		int64(o.Totals.Subtotal),
		int64(o.Totals.Shipping),
		int64(o.Totals.Tax),
		int64(o.Totals.GrandTotal),
		o.ReservationID,
		o.PaymentReceipt,
		o.PlacedAt)
	if insertErr != nil {
		var pqErr *pq.Error
		if errors.As(insertErr, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateCheckout
		}
		return fmt.Errorf("insert order: %w: %w", domain.ErrIOFailure, insertErr)
	}

	outboxQuery := `INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, outboxQuery, o.CheckoutID, EventOrderPlaced, payload); err != nil {
		return fmt.Errorf("insert outbox event: %w: %w", domain.ErrIOFailure, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w: %w", domain.ErrIOFailure, err)
	}
	return nil
}

const selectOrder = `SELECT id, checkout_id, cart_id, status, lines, shipping_address, shipping_method,
       subtotal, shipping, tax, grand_total, reservation_id, payment_receipt, placed_at
  FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                   domain.Order
		linesJSON, addressJSON, methodJSON  []byte
		subtotal, shipping, tax, grandTotal int64
	)
	if err := row.Scan(
		&o.ID,
		&o.CheckoutID,
		&o.CartID,
		&o.Status,
		&linesJSON,
		&addressJSON,
		&methodJSON,
		&subtotal,
		&shipping,
		&tax,
		&grandTotal,
		&o.ReservationID,
		&o.PaymentReceipt,
		&o.PlacedAt,
	); err != nil {
		return nil, err
	}
	o.Totals = domain.OrderTotals{
		Subtotal:   domain.Money(subtotal),
		Shipping:   domain.Money(shipping),
		Tax:        domain.Money(tax),
		GrandTotal: domain.Money(grandTotal),
	}
	if err := json.Unmarshal(linesJSON, &o.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal order lines: %w", err)
	}
	if err := json.Unmarshal(addressJSON, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	if err := json.Unmarshal(methodJSON, &o.ShippingMethod); err != nil {
		return nil, fmt.Errorf("unmarshal shipping method: %w", err)
	}
	return &o, nil
}

func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
		// not a uuid
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}
	return o, nil
}

func (r *PostgresRepository) ListOrdersByCart(ctx context.Context, cartID string) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, selectOrder+` WHERE cart_id = $1 ORDER BY placed_at DESC`, cartID)
	if err != nil {
		return nil, fmt.Errorf("query orders by cart id: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return orders, nil
}

func (r *PostgresRepository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `SELECT id, aggregate_id, event_type, payload, created_at
	          FROM outbox_events WHERE processed_at IS NULL ORDER BY id LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *PostgresRepository) MarkEventAsProcessed(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event %d: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
