package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade-execution-core/internal/credhealth"
	"trade-execution-core/internal/database"
	"trade-execution-core/internal/exchange"
)

// CredentialSource lists the credential candidates for a venue.
type CredentialSource interface {
	ListForVenue(ctx context.Context, venue string) ([]exchange.Credentials, error)
}

// OrderStore persists placed orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *database.Order) error
}

// Executor turns a decision into an exchange order. Credential choice,
// failover, and health accounting all go through the health manager;
// the executor itself carries no retry logic.
type Executor struct {
	registry *exchange.Registry
	health   *credhealth.Manager
	creds    CredentialSource
	orders   OrderStore
	logger   zerolog.Logger
}

// NewExecutor creates a new executor
func NewExecutor(registry *exchange.Registry, health *credhealth.Manager, creds CredentialSource, orders OrderStore, logger zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		health:   health,
		creds:    creds,
		orders:   orders,
		logger:   logger.With().Str("component", "Executor").Logger(),
	}
}

// ExecuteDecision places the order a decision describes and persists
// the resulting row. The decision's own user is preferred but any
// healthy credential on the venue may carry the order.
func (e *Executor) ExecuteDecision(ctx context.Context, decision *database.Decision) (*database.Order, error) {
	adapter, err := e.registry.Get(decision.Exchange)
	if err != nil {
		return nil, err
	}

	candidates, err := e.creds.ListForVenue(ctx, decision.Exchange)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	if len(candidates) == 0 {
		return nil, credhealth.ErrNoCandidates
	}
	candidates = preferUser(candidates, decision.UserID)

	req := exchange.OrderRequest{
		Symbol:        decision.Symbol,
		Side:          decision.Side,
		Type:          decision.OrderType,
		Quantity:      decision.Quantity,
		ClientOrderID: "tec-" + uuid.NewString(),
	}
	if decision.Price != nil {
		req.Price = *decision.Price
	}

	res, err := e.health.ExecuteWithFallback(ctx, candidates,
		func(ctx context.Context, c exchange.Credentials) (interface{}, error) {
			return adapter.PlaceOrder(ctx, c, req)
		})
	if err != nil {
		return nil, fmt.Errorf("place order for decision %s: %w", decision.ID, err)
	}

	result := res.Result.(*exchange.OrderResult)

	order := &database.Order{
		OrderID:     result.OrderID,
		Exchange:    decision.Exchange,
		UserID:      res.Credential.UserID,
		Symbol:      decision.Symbol,
		Side:        decision.Side,
		OrderType:   decision.OrderType,
		Quantity:    decision.Quantity,
		Price:       decision.Price,
		ExecutedQty: result.ExecutedQty,
		Status:      result.Status,
		OrderRole:   database.OrderRoleEntry,
		Metadata: map[string]interface{}{
			"decision_id": decision.ID,
		},
	}
	if result.Status == exchange.StatusFilled {
		filledAt := time.UnixMilli(result.TransactTime)
		order.FilledAt = &filledAt
	}

	if err := e.orders.CreateOrder(ctx, order); err != nil {
		// The exchange accepted the order. Reconciliation will find and
		// retire it if the local record is lost here.
		e.logger.Error().Err(err).
			Str("order_id", result.OrderID).
			Str("exchange", decision.Exchange).
			Msg("Order placed but local persist failed")
		return nil, fmt.Errorf("persist order %s: %w", result.OrderID, err)
	}

	e.logger.Info().
		Str("decision_id", decision.ID).
		Str("order_id", result.OrderID).
		Str("symbol", decision.Symbol).
		Str("credential", res.Credential.Key()).
		Msg("Order placed")

	return order, nil
}

// preferUser moves the preferred user's credential to the front so a
// health tie resolves in their favor.
func preferUser(candidates []exchange.Credentials, userID string) []exchange.Credentials {
	out := make([]exchange.Credentials, 0, len(candidates))
	for _, c := range candidates {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	for _, c := range candidates {
		if c.UserID != userID {
			out = append(out, c)
		}
	}
	return out
}
