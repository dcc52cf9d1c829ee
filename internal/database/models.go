package database

import (
	"time"
)

// Order role constants
const (
	OrderRoleEntry    = "ENTRY"
	OrderRoleTP1      = "TP1"
	OrderRoleTP2      = "TP2"
	OrderRoleStopLoss = "SL"
	OrderRoleManualTP = "MANUAL_TP"
	OrderRoleManualSL = "MANUAL_SL"
)

// Intent status constants
const (
	IntentStatusPending   = "PENDING"
	IntentStatusSubmitted = "SUBMITTED"
	IntentStatusExecuted  = "EXECUTED"
	IntentStatusFailed    = "FAILED"
)

// Decision represents an upstream, pre-approved trading instruction.
// The decision id is the idempotency key for execution.
type Decision struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	OrderType string    `json:"order_type"`
	Quantity  float64   `json:"quantity"`
	Price     *float64  `json:"price,omitempty"`
	Exchange  string    `json:"exchange"`
	CreatedAt time.Time `json:"created_at"`
}

// Intent is the internal representation of "execute this decision".
// At most one exists per decision id.
type Intent struct {
	ID         int64     `json:"id"`
	DecisionID string    `json:"decision_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	OrderID    *string   `json:"order_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Order represents a persisted exchange order
type Order struct {
	ID            int64                  `json:"id"`
	OrderID       string                 `json:"order_id"`
	Exchange      string                 `json:"exchange"`
	UserID        string                 `json:"user_id"`
	Symbol        string                 `json:"symbol"`
	Side          string                 `json:"side"`
	OrderType     string                 `json:"order_type"`
	Quantity      float64                `json:"quantity"`
	Price         *float64               `json:"price,omitempty"`
	ExecutedQty   float64                `json:"executed_qty"`
	Status        string                 `json:"status"`
	OrderRole     string                 `json:"order_role"`
	ParentOrderID *string                `json:"parent_order_id,omitempty"`
	OrderGroupID  *string                `json:"order_group_id,omitempty"`
	TPLevels      []TPLevel              `json:"tp_levels,omitempty"`
	SLPrice       *float64               `json:"sl_price,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	FilledAt      *time.Time             `json:"filled_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// TPLevel is one take-profit target attached to an entry order
type TPLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// UserCredential is a stored (encrypted) exchange credential row
type UserCredential struct {
	ID                  int64     `json:"id"`
	UserID              string    `json:"user_id"`
	Exchange            string    `json:"exchange"`
	APIKeyEncrypted     string    `json:"-"`
	APISecretEncrypted  string    `json:"-"`
	PassphraseEncrypted *string   `json:"-"`
	Enabled             bool      `json:"enabled"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}
