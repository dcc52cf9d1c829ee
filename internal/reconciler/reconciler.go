package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"trade-execution-core/config"
	"trade-execution-core/internal/credentials"
	"trade-execution-core/internal/credhealth"
	"trade-execution-core/internal/database"
	"trade-execution-core/internal/exchange"
)

// Run states for the single-flight guard.
const (
	stateIdle int32 = iota
	stateRunning
)

// OrderRepo is the persistence surface reconciliation needs.
type OrderRepo interface {
	GetOpenEntryOrders(ctx context.Context, maxAge time.Duration) ([]*database.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status string, executedQty float64, filledAt *time.Time) error
	DeleteOrder(ctx context.Context, id int64) error
}

// CredentialSource resolves one user's credential on a venue.
type CredentialSource interface {
	Get(ctx context.Context, userID, venue string) (exchange.Credentials, error)
}

// Notifier receives reconciliation outcomes.
type Notifier interface {
	SendOrderCancelled(orderID, symbol, side, reason, exchange, userID string, ageMinutes int)
	SendOrderFilled(orderID, symbol, side, exchange, userID string, executedQty float64)
}

// Totals summarizes one reconciliation run.
type Totals struct {
	Checked   int  `json:"checked"`
	Cancelled int  `json:"cancelled"`
	Errored   int  `json:"errored"`
	Skipped   bool `json:"skipped"`
}

// Reconciler periodically re-establishes ground truth for open entry
// orders against the exchanges and retires stale ones. At most one run
// is active at a time; an overlapping trigger is a no-op.
type Reconciler struct {
	cfg      config.ReconcilerConfig
	repo     OrderRepo
	registry *exchange.Registry
	health   *credhealth.Manager
	creds    CredentialSource
	notifier Notifier
	logger   zerolog.Logger

	state    atomic.Int32
	stopChan chan struct{}
	wg       sync.WaitGroup

	now   func() time.Time
	sleep func(time.Duration)
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg config.ReconcilerConfig, repo OrderRepo, registry *exchange.Registry, health *credhealth.Manager, creds CredentialSource, notifier Notifier, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		health:   health,
		creds:    creds,
		notifier: notifier,
		logger:   logger.With().Str("component", "Reconciler").Logger(),
		stopChan: make(chan struct{}),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// SetClock overrides the time source for tests.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// SetSleep overrides the inter-call delay for tests.
func (r *Reconciler) SetSleep(sleep func(time.Duration)) {
	r.sleep = sleep
}

// Start launches the reconciliation loop: one run after the startup
// delay, then on every interval tick until Stop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info().
		Dur("startup_delay", r.cfg.StartupDelay).
		Dur("interval", r.cfg.Interval).
		Msg("Reconciliation loop started")
}

// Stop terminates the loop and waits for an in-progress run to finish.
func (r *Reconciler) Stop() {
	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info().Msg("Reconciliation loop stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	startup := time.NewTimer(r.cfg.StartupDelay)
	defer startup.Stop()

	select {
	case <-startup.C:
		r.RunOnce(context.Background())
	case <-r.stopChan:
		return
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce(context.Background())
		case <-r.stopChan:
			return
		}
	}
}

// RunOnce executes a single reconciliation pass. When another run is
// already active it returns immediately with Skipped set.
func (r *Reconciler) RunOnce(ctx context.Context) (totals Totals) {
	if !r.state.CompareAndSwap(stateIdle, stateRunning) {
		r.logger.Debug().Msg("Reconciliation already running, skipping")
		return Totals{Skipped: true}
	}
	defer r.state.Store(stateIdle)

	// A panic anywhere in a run must not take down the process; the
	// next tick gets a fresh attempt.
	defer func() {
		if rec := recover(); rec != nil {
			totals.Errored++
			r.logger.Error().Interface("panic", rec).Msg("Reconciliation run panicked")
		}
	}()

	totals = r.reconcile(ctx)
	r.logger.Info().
		Int("checked", totals.Checked).
		Int("cancelled", totals.Cancelled).
		Int("errored", totals.Errored).
		Msg("Reconciliation run complete")
	return totals
}

func (r *Reconciler) reconcile(ctx context.Context) Totals {
	var totals Totals

	orders, err := r.repo.GetOpenEntryOrders(ctx, r.cfg.MaxOrderAge)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to load open entry orders")
		totals.Errored++
		return totals
	}
	if len(orders) == 0 {
		return totals
	}

	// Group by owner so a user with no usable credential only costs
	// one warning for all their orders.
	groups := groupByOwner(orders)

	first := true
	for _, group := range groups {
		creds, ok := r.resolveCredential(ctx, group.userID, group.venue)
		if !ok {
			r.logger.Warn().
				Str("user_id", group.userID).
				Str("venue", group.venue).
				Int("orders", len(group.orders)).
				Msg("No usable credential, skipping user's orders")
			continue
		}

		adapter, err := r.registry.Get(group.venue)
		if err != nil {
			r.logger.Error().Err(err).Str("venue", group.venue).Msg("Unknown venue")
			totals.Errored += len(group.orders)
			continue
		}

		for _, order := range group.orders {
			select {
			case <-ctx.Done():
				return totals
			default:
			}
			if !first {
				r.sleep(r.cfg.PerCallDelay)
			}
			first = false

			if err := r.reconcileOrder(ctx, adapter, creds, order, &totals); err != nil {
				totals.Errored++
				r.logger.Error().Err(err).
					Str("order_id", order.OrderID).
					Str("symbol", order.Symbol).
					Msg("Order reconciliation failed")
			}
			totals.Checked++
		}
	}

	return totals
}

// reconcileOrder brings one local order row in line with venue truth.
func (r *Reconciler) reconcileOrder(ctx context.Context, adapter exchange.Adapter, creds exchange.Credentials, order *database.Order, totals *Totals) error {
	current, err := adapter.QueryOrder(ctx, creds, order.Symbol, order.OrderID)
	if err != nil {
		if exchange.IsNotFound(err) {
			// The venue no longer knows the order. Local deletion is
			// the convergent outcome, not an error.
			return r.repo.DeleteOrder(ctx, order.ID)
		}
		r.health.RecordFailure(creds.UserID, creds.Venue, err.Error())
		return fmt.Errorf("query order: %w", err)
	}
	r.health.RecordSuccess(creds.UserID, creds.Venue)

	if current.Status != order.Status || current.ExecutedQty != order.ExecutedQty {
		var filledAt *time.Time
		if current.Status == exchange.StatusFilled && order.Status != exchange.StatusFilled {
			t := r.now()
			filledAt = &t
			r.notifier.SendOrderFilled(order.OrderID, order.Symbol, order.Side, order.Exchange, order.UserID, current.ExecutedQty)
		}
		if err := r.repo.UpdateOrderStatus(ctx, order.ID, current.Status, current.ExecutedQty, filledAt); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		order.Status = current.Status
		order.ExecutedQty = current.ExecutedQty
	}

	if !isOpen(order.Status) {
		return nil
	}

	age := r.now().Sub(order.CreatedAt)
	if age <= r.cfg.StaleOrderAfter {
		return nil
	}

	// Stale: the price has moved away. Cancel at the venue, retire the
	// local row, tell the owner.
	if err := adapter.CancelOrder(ctx, creds, order.Symbol, order.OrderID); err != nil {
		if !exchange.IsNotFound(err) {
			r.health.RecordFailure(creds.UserID, creds.Venue, err.Error())
			return fmt.Errorf("cancel stale order: %w", err)
		}
	} else {
		r.health.RecordSuccess(creds.UserID, creds.Venue)
	}

	if err := r.repo.DeleteOrder(ctx, order.ID); err != nil {
		return fmt.Errorf("delete stale order: %w", err)
	}

	ageMinutes := int(age / time.Minute)
	r.notifier.SendOrderCancelled(order.OrderID, order.Symbol, order.Side, "stale_order", order.Exchange, order.UserID, ageMinutes)
	totals.Cancelled++

	r.logger.Info().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Int("age_minutes", ageMinutes).
		Msg("Stale order cancelled")
	return nil
}

// resolveCredential returns the user's credential when one exists and
// is not actively quarantined.
func (r *Reconciler) resolveCredential(ctx context.Context, userID, venue string) (exchange.Credentials, bool) {
	creds, err := r.creds.Get(ctx, userID, venue)
	if errors.Is(err, credentials.ErrNoCredential) {
		return exchange.Credentials{}, false
	}
	if err != nil {
		r.logger.Error().Err(err).
			Str("user_id", userID).
			Str("venue", venue).
			Msg("Credential lookup failed")
		return exchange.Credentials{}, false
	}
	if r.health.Health(userID, venue) == credhealth.StateQuarantined {
		return exchange.Credentials{}, false
	}
	return creds, true
}

func isOpen(status string) bool {
	return status == exchange.StatusNew || status == exchange.StatusPartiallyFilled
}

type ownerGroup struct {
	userID string
	venue  string
	orders []*database.Order
}

// groupByOwner partitions orders by (user, venue), preserving the
// order in which owners first appear.
func groupByOwner(orders []*database.Order) []*ownerGroup {
	index := make(map[string]*ownerGroup)
	var groups []*ownerGroup
	for _, o := range orders {
		key := o.UserID + ":" + o.Exchange
		g, ok := index[key]
		if !ok {
			g = &ownerGroup{userID: o.UserID, venue: o.Exchange}
			index[key] = g
			groups = append(groups, g)
		}
		g.orders = append(g.orders, o)
	}
	return groups
}
