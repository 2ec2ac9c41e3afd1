package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"
)

// Repository is the durable product source the catalog index is seeded from.
type Repository struct {
	db *sql.DB
}

type RepoInterface interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	SaveProduct(ctx context.Context, p domain.Product) error
	SetActive(ctx context.Context, id string, active bool) error
	SetStock(ctx context.Context, productID, variantID string, inv domain.Inventory) error
	Close() error
	RunMigrations(string) error
}

func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every pooled connection to ":memory:" would be a separate database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

const productColumns = `id, name, description, base_price, compare_price, images, categories, tags,
		is_active, rating, stock_available, low_stock_threshold, created_at`

// ListProducts returns every product, active or not, ordered by id.
func (r *Repository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	variants, err := r.variants(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range products {
		products[i].Variants = variants[products[i].ID]
	}
	return products, nil
}

func (r *Repository) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ?`

	p, err := scanProduct(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, domain.ErrProductNotFound)
	}
	if err != nil {
		return nil, err
	}

	variants, err := r.variants(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Variants = variants[id]
	return p, nil
}

// SaveProduct inserts or replaces a product together with its variants.
func (r *Repository) SaveProduct(ctx context.Context, p domain.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	images, categories, tags, err := marshalLists(p)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var compare sql.NullInt64
	if p.ComparePrice != nil {
		compare = sql.NullInt64{Int64: int64(*p.ComparePrice), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			base_price = excluded.base_price,
			compare_price = excluded.compare_price,
			images = excluded.images,
			categories = excluded.categories,
			tags = excluded.tags,
			is_active = excluded.is_active,
			rating = excluded.rating,
			stock_available = excluded.stock_available,
			low_stock_threshold = excluded.low_stock_threshold
	`, p.ID, p.Name, p.Description, int64(p.BasePrice), compare, images, categories, tags,
		p.IsActive, p.Rating, p.Stock.QuantityAvailable, p.Stock.LowStockThreshold, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM variants WHERE product_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to clear variants: %w", err)
	}
	for i, v := range p.Variants {
		attrs, err := json.Marshal(v.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO variants (id, product_id, position, attributes, price_delta, stock_available, low_stock_threshold)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, v.ID, p.ID, i, string(attrs), int64(v.PriceDelta), v.Stock.QuantityAvailable, v.Stock.LowStockThreshold)
		if err != nil {
			return fmt.Errorf("failed to insert variant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE products SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	return expectRow(res, fmt.Errorf("product %s: %w", id, domain.ErrProductNotFound))
}

func (r *Repository) SetStock(ctx context.Context, productID, variantID string, inv domain.Inventory) error {
	var (
		res sql.Result
		err error
	)
	if variantID == "" {
		res, err = r.db.ExecContext(ctx,
			`UPDATE products SET stock_available = ?, low_stock_threshold = ? WHERE id = ?`,
			inv.QuantityAvailable, inv.LowStockThreshold, productID)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE variants SET stock_available = ?, low_stock_threshold = ? WHERE product_id = ? AND id = ?`,
			inv.QuantityAvailable, inv.LowStockThreshold, productID, variantID)
	}
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	if variantID == "" {
		return expectRow(res, fmt.Errorf("product %s: %w", productID, domain.ErrProductNotFound))
	}
	return expectRow(res, fmt.Errorf("variant %s/%s: %w", productID, variantID, domain.ErrVariantNotFound))
}

func (r *Repository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*domain.Product, error) {
	var (
		p                        domain.Product
		basePrice                int64
		compare                  sql.NullInt64
		images, categories, tags string
	)
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&basePrice,
		&compare,
		&images,
		&categories,
		&tags,
		&p.IsActive,
		&p.Rating,
		&p.Stock.QuantityAvailable,
		&p.Stock.LowStockThreshold,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}

	p.BasePrice = domain.Money(basePrice)
	if compare.Valid {
		cp := domain.Money(compare.Int64)
		p.ComparePrice = &cp
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{{images, &p.Images}, {categories, &p.Categories}, {tags, &p.Tags}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode product %s lists: %w", p.ID, err)
		}
	}
	return &p, nil
}

// variants loads variants grouped by product, for one product or all of them.
func (r *Repository) variants(ctx context.Context, productID string) (map[string][]domain.Variant, error) {
	query := `SELECT product_id, id, attributes, price_delta, stock_available, low_stock_threshold
		FROM variants`
	var args []any
	if productID != "" {
		query += ` WHERE product_id = ?`
		args = append(args, productID)
	}
	query += ` ORDER BY product_id, position`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query variants: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Variant)
	for rows.Next() {
		var (
			pid, attrs string
			delta      int64
			v          domain.Variant
		)
		if err := rows.Scan(&pid, &v.ID, &attrs, &delta, &v.Stock.QuantityAvailable, &v.Stock.LowStockThreshold); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &v.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode variant %s attributes: %w", v.ID, err)
		}
		v.PriceDelta = domain.Money(delta)
		out[pid] = append(out[pid], v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func marshalLists(p domain.Product) (images, categories, tags string, err error) {
	enc := func(v []string) (string, error) {
		if v == nil {
			v = []string{}
		}
		b, err := json.Marshal(v)
		return string(b), err
	}
	if images, err = enc(p.Images); err != nil {
		return "", "", "", fmt.Errorf("failed to marshal images: %w", err)
	}
	if categories, err = enc(p.Categories); err != nil {
		return "", "", "", fmt.Errorf("failed to marshal categories: %w", err)
	}
	if tags, err = enc(p.Tags); err != nil {
		return "", "", "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return images, categories, tags, nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
