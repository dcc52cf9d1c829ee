package intent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"trade-execution-core/internal/database"
)

// ErrDecisionNotFound is returned when a decision id matches nothing.
var ErrDecisionNotFound = errors.New("intent: decision not found")

// Execution status values returned to the caller.
const (
	StatusExecuted   = "EXECUTED"
	StatusIdempotent = "IDEMPOTENT"
)

// Executor places the order behind an intent.
type Executor interface {
	ExecuteDecision(ctx context.Context, decision *database.Decision) (*database.Order, error)
}

// Repository is the persistence surface the service needs.
type Repository interface {
	GetDecisionByID(ctx context.Context, id string) (*database.Decision, error)
	GetIntentByDecisionID(ctx context.Context, decisionID string) (*database.Intent, error)
	CreateIntent(ctx context.Context, intent *database.Intent) (bool, error)
	UpdateIntentStatus(ctx context.Context, id int64, status string, orderID *string) error
}

// Result is the outcome of executing a decision.
type Result struct {
	Status     string  `json:"status"`
	DecisionID string  `json:"decision_id"`
	IntentID   int64   `json:"intent_id"`
	OrderID    *string `json:"order_id,omitempty"`
}

// Service converts decisions into intents and submits them. A decision
// maps to at most one intent, enforced by the database.
type Service struct {
	repo     Repository
	executor Executor
	logger   zerolog.Logger
}

// NewService creates a new intent service
func NewService(repo Repository, executor Executor, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		executor: executor,
		logger:   logger.With().Str("component", "IntentService").Logger(),
	}
}

// FindDecision loads a decision by id.
func (s *Service) FindDecision(ctx context.Context, decisionID string) (*database.Decision, error) {
	d, err := s.repo.GetDecisionByID(ctx, decisionID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrDecisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load decision %s: %w", decisionID, err)
	}
	return d, nil
}

// Execute converts a decision into an intent and submits it. When an
// intent already exists for the decision, the existing one is returned
// with IDEMPOTENT status and nothing is re-executed.
func (s *Service) Execute(ctx context.Context, decision *database.Decision) (*Result, error) {
	in := &database.Intent{
		DecisionID: decision.ID,
		UserID:     decision.UserID,
		Status:     database.IntentStatusPending,
	}
	created, err := s.repo.CreateIntent(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create intent for decision %s: %w", decision.ID, err)
	}

	if !created {
		existing, err := s.repo.GetIntentByDecisionID(ctx, decision.ID)
		if err != nil {
			return nil, fmt.Errorf("load existing intent for decision %s: %w", decision.ID, err)
		}
		s.logger.Info().
			Str("decision_id", decision.ID).
			Int64("intent_id", existing.ID).
			Msg("Decision already has an intent, returning it")
		return &Result{
			Status:     StatusIdempotent,
			DecisionID: decision.ID,
			IntentID:   existing.ID,
			OrderID:    existing.OrderID,
		}, nil
	}

	return s.submit(ctx, decision, in)
}

func (s *Service) submit(ctx context.Context, decision *database.Decision, in *database.Intent) (*Result, error) {
	if err := s.repo.UpdateIntentStatus(ctx, in.ID, database.IntentStatusSubmitted, nil); err != nil {
		return nil, fmt.Errorf("mark intent %d submitted: %w", in.ID, err)
	}

	order, err := s.executor.ExecuteDecision(ctx, decision)
	if err != nil {
		if uerr := s.repo.UpdateIntentStatus(ctx, in.ID, database.IntentStatusFailed, nil); uerr != nil {
			s.logger.Error().Err(uerr).Int64("intent_id", in.ID).Msg("Failed to mark intent failed")
		}
		return nil, fmt.Errorf("submit intent %d: %w", in.ID, err)
	}

	if err := s.repo.UpdateIntentStatus(ctx, in.ID, database.IntentStatusExecuted, &order.OrderID); err != nil {
		s.logger.Error().Err(err).Int64("intent_id", in.ID).Msg("Failed to mark intent executed")
	}

	return &Result{
		Status:     StatusExecuted,
		DecisionID: decision.ID,
		IntentID:   in.ID,
		OrderID:    &order.OrderID,
	}, nil
}
