package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"farm-market/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type stockRow struct {
	ID       uuid.UUID `db:"id"`
	Name     string    `db:"name"`
	Quantity int       `db:"quantity"`
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &MissingProductError{ProductID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &product, nil
}

// ListProducts returns one page of products matching the filter plus the
// total match count. Newest first.
func (s *Store) ListProducts(ctx context.Context, f models.ProductFilter) ([]models.Product, int64, error) {
	where, args := productWhere(f)

	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM products"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	query := fmt.Sprintf(`SELECT * FROM products%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset())

	products := []models.Product{}
	if err := s.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}

	return products, total, nil
}

func productWhere(f models.ProductFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Category != "" {
		conds = append(conds, "LOWER(category) = LOWER("+arg(f.Category)+")")
	}
	if f.MinPrice != nil {
		conds = append(conds, "price >= "+arg(*f.MinPrice))
	}
	if f.MaxPrice != nil {
		conds = append(conds, "price <= "+arg(*f.MaxPrice))
	}
	for _, term := range strings.Fields(f.Search) {
		p := arg("%" + escapeLike(term) + "%")
		conds = append(conds, fmt.Sprintf("(name ILIKE %[1]s OR description ILIKE %[1]s OR category ILIKE %[1]s)", p))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListProductsByFarmer returns a farmer's products, newest first
func (s *Store) ListProductsByFarmer(ctx context.Context, farmerID uuid.UUID) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products,
		"SELECT * FROM products WHERE farmer_id = $1 ORDER BY created_at DESC, id DESC", farmerID)
	if err != nil {
		return nil, fmt.Errorf("list farmer products: %w", err)
	}
	return products, nil
}

// ListProductIDsByFarmer resolves the set of product ids owned by a farmer
func (s *Store) ListProductIDsByFarmer(ctx context.Context, farmerID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := s.db.SelectContext(ctx, &ids, "SELECT id FROM products WHERE farmer_id = $1", farmerID); err != nil {
		return nil, fmt.Errorf("list farmer product ids: %w", err)
	}
	return ids, nil
}

// CreateProduct inserts a new product
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (id, name, description, category, price, quantity, images, farmer_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	if p.Images == nil {
		p.Images = pq.StringArray{}
	}
	row := s.db.QueryRowxContext(ctx, query,
		p.ID, p.Name, p.Description, p.Category, p.Price, p.Quantity, p.Images, p.FarmerID)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

// UpdateProduct overwrites the editable fields of a product. This is the
// owner's unconditioned edit path, not the order decrement path.
func (s *Store) UpdateProduct(ctx context.Context, p *models.Product) error {
	query := `
		UPDATE products
		SET name = $1, description = $2, category = $3, price = $4, quantity = $5, images = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING created_at, updated_at`

	if p.Images == nil {
		p.Images = pq.StringArray{}
	}
	row := s.db.QueryRowxContext(ctx, query,
		p.Name, p.Description, p.Category, p.Price, p.Quantity, p.Images, p.ID)
	err := row.Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &MissingProductError{ProductID: p.ID}
	}
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	return nil
}

// DeleteProduct removes a product. Historical order lines keep their copy of
// the product id and price.
func (s *Store) DeleteProduct(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM products WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return &MissingProductError{ProductID: id}
	}
	return nil
}

// ConditionalDecrement takes amount units only if at least amount are stored.
// The check and the write are one statement.
func (s *Store) ConditionalDecrement(ctx context.Context, id uuid.UUID, amount int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE products
		 SET quantity = quantity - $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND quantity >= $1`,
		amount, id)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var row stockRow
	err = s.db.GetContext(ctx, &row, "SELECT id, name, quantity FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return &MissingProductError{ProductID: id}
	}
	if err != nil {
		return fmt.Errorf("read stock after failed decrement: %w", err)
	}
	return &StockShortfallError{ProductID: id, Name: row.Name, Available: row.Quantity, Requested: amount}
}

// BatchConditionalDecrement applies every decrement in one statement. Each
// row is guarded independently: rows whose stock is short are left alone and
// reported in the outcome, the rest are committed.
func (s *Store) BatchConditionalDecrement(ctx context.Context, ds []models.StockDecrement) ([]models.DecrementOutcome, error) {
	return batchDecrement(ctx, s.db, ds)
}

func batchDecrement(ctx context.Context, q sqlx.QueryerContext, ds []models.StockDecrement) ([]models.DecrementOutcome, error) {
	if len(ds) == 0 {
		return nil, nil
	}

	ids := make(pq.StringArray, 0, len(ds))
	amounts := make(pq.Int64Array, 0, len(ds))
	seen := make(map[uuid.UUID]struct{}, len(ds))
	for _, d := range ds {
		if _, dup := seen[d.ProductID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProduct, d.ProductID)
		}
		seen[d.ProductID] = struct{}{}
		ids = append(ids, d.ProductID.String())
		amounts = append(amounts, int64(d.Amount))
	}

	query := `
		UPDATE products AS p
		SET quantity = p.quantity - d.amount,
		    updated_at = NOW()
		FROM (SELECT UNNEST($1::uuid[]) AS id, UNNEST($2::int[]) AS amount) AS d
		WHERE p.id = d.id
		  AND p.quantity >= d.amount
		RETURNING p.id`

	var appliedIDs []uuid.UUID
	if err := sqlx.SelectContext(ctx, q, &appliedIDs, query, ids, amounts); err != nil {
		return nil, fmt.Errorf("batch decrement stock: %w", err)
	}

	applied := make(map[uuid.UUID]bool, len(appliedIDs))
	for _, id := range appliedIDs {
		applied[id] = true
	}

	outcomes := make([]models.DecrementOutcome, len(ds))
	var failed pq.StringArray
	for i, d := range ds {
		outcomes[i] = models.DecrementOutcome{ProductID: d.ProductID, Amount: d.Amount, Applied: applied[d.ProductID]}
		if !outcomes[i].Applied {
			failed = append(failed, d.ProductID.String())
		}
	}
	if len(failed) == 0 {
		return outcomes, nil
	}

	var rows []stockRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		"SELECT id, name, quantity FROM products WHERE id = ANY($1::uuid[])", failed); err != nil {
		return outcomes, fmt.Errorf("read stock after failed decrement: %w", err)
	}
	current := make(map[uuid.UUID]stockRow, len(rows))
	for _, r := range rows {
		current[r.ID] = r
	}

	for i := range outcomes {
		if outcomes[i].Applied {
			continue
		}
		if r, ok := current[outcomes[i].ProductID]; ok {
			outcomes[i].Err = &StockShortfallError{
				ProductID: r.ID, Name: r.Name, Available: r.Quantity, Requested: outcomes[i].Amount,
			}
		} else {
			outcomes[i].Err = &MissingProductError{ProductID: outcomes[i].ProductID}
		}
	}

	return outcomes, nil
}
