package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("database: not found")

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// DECISIONS
// ============================================================================

// CreateDecision inserts a new decision. A decision id that already
// exists leaves the stored row untouched and reports created=false.
func (r *Repository) CreateDecision(ctx context.Context, d *Decision) (bool, error) {
	query := `
		INSERT INTO decisions (id, user_id, symbol, side, order_type, quantity, price, exchange)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		d.ID, d.UserID, d.Symbol, d.Side, d.OrderType, d.Quantity, d.Price, d.Exchange,
	).Scan(&d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetDecisionByID retrieves a decision by id
func (r *Repository) GetDecisionByID(ctx context.Context, id string) (*Decision, error) {
	query := `
		SELECT id, user_id, symbol, side, order_type, quantity, price, exchange, created_at
		FROM decisions
		WHERE id = $1
	`
	d := &Decision{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.UserID, &d.Symbol, &d.Side, &d.OrderType,
		&d.Quantity, &d.Price, &d.Exchange, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ============================================================================
// INTENTS
// ============================================================================

// CreateIntent inserts an intent for a decision. The unique index on
// decision_id makes concurrent creation safe: when the row already
// exists no new row is inserted and (nil, false, nil) is returned.
func (r *Repository) CreateIntent(ctx context.Context, intent *Intent) (created bool, err error) {
	query := `
		INSERT INTO intents (decision_id, user_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (decision_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`
	err = r.db.Pool.QueryRow(
		ctx, query,
		intent.DecisionID, intent.UserID, intent.Status,
	).Scan(&intent.ID, &intent.CreatedAt, &intent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetIntentByDecisionID retrieves the intent for a decision
func (r *Repository) GetIntentByDecisionID(ctx context.Context, decisionID string) (*Intent, error) {
	query := `
		SELECT id, decision_id, user_id, status, order_id, created_at, updated_at
		FROM intents
		WHERE decision_id = $1
	`
	intent := &Intent{}
	err := r.db.Pool.QueryRow(ctx, query, decisionID).Scan(
		&intent.ID, &intent.DecisionID, &intent.UserID, &intent.Status,
		&intent.OrderID, &intent.CreatedAt, &intent.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// UpdateIntentStatus updates an intent's status and optional order id
func (r *Repository) UpdateIntentStatus(ctx context.Context, id int64, status string, orderID *string) error {
	query := `
		UPDATE intents
		SET status = $2, order_id = COALESCE($3, order_id), updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, id, status, orderID)
	return err
}

// ============================================================================
// ORDERS
// ============================================================================

// CreateOrder inserts a new order
func (r *Repository) CreateOrder(ctx context.Context, order *Order) error {
	tpLevels, err := marshalNullable(order.TPLevels)
	if err != nil {
		return fmt.Errorf("marshal tp_levels: %w", err)
	}
	metadata, err := marshalNullable(order.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO orders (order_id, exchange, user_id, symbol, side, order_type, quantity,
		                    price, executed_qty, status, order_role, parent_order_id,
		                    order_group_id, tp_levels, sl_price, metadata, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		order.OrderID, order.Exchange, order.UserID, order.Symbol, order.Side,
		order.OrderType, order.Quantity, order.Price, order.ExecutedQty, order.Status,
		order.OrderRole, order.ParentOrderID, order.OrderGroupID, tpLevels,
		order.SLPrice, metadata, order.FilledAt,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

// GetOpenEntryOrders retrieves open BUY entry orders no older than maxAge
func (r *Repository) GetOpenEntryOrders(ctx context.Context, maxAge time.Duration) ([]*Order, error) {
	query := `
		SELECT id, order_id, exchange, user_id, symbol, side, order_type, quantity,
		       price, executed_qty, status, order_role, parent_order_id, order_group_id,
		       tp_levels, sl_price, metadata, filled_at, created_at, updated_at
		FROM orders
		WHERE order_role = $1
		  AND side = 'BUY'
		  AND status IN ('NEW', 'PARTIALLY_FILLED')
		  AND created_at > $2
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, OrderRoleEntry, time.Now().Add(-maxAge))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// UpdateOrderStatus updates an order's exchange-side state in place
func (r *Repository) UpdateOrderStatus(ctx context.Context, id int64, status string, executedQty float64, filledAt *time.Time) error {
	query := `
		UPDATE orders
		SET status = $2, executed_qty = $3,
		    filled_at = COALESCE($4, filled_at),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, id, status, executedQty, filledAt)
	return err
}

// DeleteOrder removes an order row by primary key
func (r *Repository) DeleteOrder(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	return err
}

func scanOrders(rows pgx.Rows) ([]*Order, error) {
	var orders []*Order
	for rows.Next() {
		o := &Order{}
		var tpLevels, metadata []byte
		err := rows.Scan(
			&o.ID, &o.OrderID, &o.Exchange, &o.UserID, &o.Symbol, &o.Side,
			&o.OrderType, &o.Quantity, &o.Price, &o.ExecutedQty, &o.Status,
			&o.OrderRole, &o.ParentOrderID, &o.OrderGroupID, &tpLevels,
			&o.SLPrice, &metadata, &o.FilledAt, &o.CreatedAt, &o.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(tpLevels) > 0 {
			if err := json.Unmarshal(tpLevels, &o.TPLevels); err != nil {
				return nil, fmt.Errorf("unmarshal tp_levels for order %d: %w", o.ID, err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &o.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata for order %d: %w", o.ID, err)
			}
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func marshalNullable(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case []TPLevel:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]interface{}:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// ============================================================================
// USER CREDENTIALS
// ============================================================================

// UpsertUserCredential stores or replaces an encrypted credential row
func (r *Repository) UpsertUserCredential(ctx context.Context, c *UserCredential) error {
	query := `
		INSERT INTO user_credentials (user_id, exchange, api_key_encrypted, api_secret_encrypted, passphrase_encrypted, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, exchange) DO UPDATE
		SET api_key_encrypted = EXCLUDED.api_key_encrypted,
		    api_secret_encrypted = EXCLUDED.api_secret_encrypted,
		    passphrase_encrypted = EXCLUDED.passphrase_encrypted,
		    enabled = EXCLUDED.enabled,
		    updated_at = CURRENT_TIMESTAMP
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		c.UserID, c.Exchange, c.APIKeyEncrypted, c.APISecretEncrypted,
		c.PassphraseEncrypted, c.Enabled,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

// GetUserCredential retrieves a user's credential row for one exchange
func (r *Repository) GetUserCredential(ctx context.Context, userID, exchange string) (*UserCredential, error) {
	query := `
		SELECT id, user_id, exchange, api_key_encrypted, api_secret_encrypted,
		       passphrase_encrypted, enabled, created_at, updated_at
		FROM user_credentials
		WHERE user_id = $1 AND exchange = $2 AND enabled = TRUE
	`
	c := &UserCredential{}
	err := r.db.Pool.QueryRow(ctx, query, userID, exchange).Scan(
		&c.ID, &c.UserID, &c.Exchange, &c.APIKeyEncrypted, &c.APISecretEncrypted,
		&c.PassphraseEncrypted, &c.Enabled, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListUserCredentials retrieves every enabled credential row for an exchange
func (r *Repository) ListUserCredentials(ctx context.Context, exchange string) ([]*UserCredential, error) {
	query := `
		SELECT id, user_id, exchange, api_key_encrypted, api_secret_encrypted,
		       passphrase_encrypted, enabled, created_at, updated_at
		FROM user_credentials
		WHERE exchange = $1 AND enabled = TRUE
		ORDER BY user_id ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, exchange)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*UserCredential
	for rows.Next() {
		c := &UserCredential{}
		err := rows.Scan(
			&c.ID, &c.UserID, &c.Exchange, &c.APIKeyEncrypted, &c.APISecretEncrypted,
			&c.PassphraseEncrypted, &c.Enabled, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// DeleteUserCredential removes a user's credential row for an exchange
func (r *Repository) DeleteUserCredential(ctx context.Context, userID, exchange string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM user_credentials WHERE user_id = $1 AND exchange = $2`,
		userID, exchange,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
