// Package credhealth tracks per-(user, venue) credential reliability and
// routes execution toward the healthiest credential. It is a derived
// cache of recent behavior, never a system of record: state lives in
// process memory and resets on restart, which errs on the side of
// retrying credentials rather than blackholing them.
package credhealth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-execution-core/config"
	"trade-execution-core/internal/exchange"
)

// State is the tri-state health of a credential. Probation means the
// quarantine window has elapsed but the credential has not yet proven
// itself with a success; callers must not treat it as fully trusted.
type State int

const (
	StateHealthy State = iota
	StateProbation
	StateQuarantined
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateProbation:
		return "probation"
	case StateQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Sort priority bands. Within a band, failure count breaks ties.
const (
	priorityProven     = 0
	priorityNeverUsed  = 1
	priorityProbation  = 100
	priorityQuarantine = 1000
)

// Record is the health bookkeeping for one (user, venue) credential.
type Record struct {
	UserID              string     `json:"user_id"`
	Venue               string     `json:"venue"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalFailures       int        `json:"total_failures"`
	TotalSuccesses      int        `json:"total_successes"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	Quarantined         bool       `json:"quarantined"`
	QuarantinedAt       *time.Time `json:"quarantined_at,omitempty"`
	QuarantineReason    string     `json:"quarantine_reason,omitempty"`
}

// ErrNoCandidates is returned when credential selection is asked to pick
// from an empty list.
var ErrNoCandidates = errors.New("no credential candidates provided")

// Manager is the credential health registry. Construct one per process
// and inject it; independent instances keep tests isolated.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record

	threshold          int
	quarantineDuration time.Duration
	classifier         Classifier
	logger             zerolog.Logger
	now                func() time.Time
}

// NewManager creates a credential health manager.
func NewManager(cfg config.HealthConfig, classifier Classifier, logger zerolog.Logger) *Manager {
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	return &Manager{
		records:            make(map[string]*Record),
		threshold:          cfg.QuarantineThreshold,
		quarantineDuration: cfg.QuarantineDuration,
		classifier:         classifier,
		logger:             logger.With().Str("component", "CredentialHealth").Logger(),
		now:                time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func key(userID, venue string) string {
	return userID + ":" + venue
}

// record returns the record for a credential, creating it lazily.
// Caller must hold the write lock.
func (m *Manager) record(userID, venue string) *Record {
	k := key(userID, venue)
	r, ok := m.records[k]
	if !ok {
		r = &Record{UserID: userID, Venue: venue}
		m.records[k] = r
	}
	return r
}

// RecordSuccess resets the failure streak and clears quarantine. A
// single success is proof the credential works again.
func (m *Manager) RecordSuccess(userID, venue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.record(userID, venue)
	now := m.now()

	if r.Quarantined {
		m.logger.Info().
			Str("user_id", userID).
			Str("venue", venue).
			Msg("credential recovered, clearing quarantine")
	}

	r.ConsecutiveFailures = 0
	r.TotalSuccesses++
	r.LastSuccessAt = &now
	r.Quarantined = false
	r.QuarantinedAt = nil
	r.QuarantineReason = ""
}

// RecordFailure counts a failure and quarantines the credential when the
// error is a definitive invalid-credential signature or the consecutive
// failure streak reaches the threshold.
func (m *Manager) RecordFailure(userID, venue, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.record(userID, venue)
	now := m.now()

	r.ConsecutiveFailures++
	r.TotalFailures++
	r.LastFailureAt = &now
	r.LastError = errMsg

	definitive := m.classifier(venue, errMsg)
	if !definitive && r.ConsecutiveFailures < m.threshold {
		return
	}

	// Re-entering quarantine keeps the original quarantinedAt so a
	// flapping credential cannot extend its own window.
	if r.Quarantined {
		return
	}

	reason := fmt.Sprintf("%d consecutive failures", r.ConsecutiveFailures)
	if definitive {
		reason = "invalid credential signature: " + errMsg
	}

	r.Quarantined = true
	r.QuarantinedAt = &now
	r.QuarantineReason = reason

	m.logger.Warn().
		Str("user_id", userID).
		Str("venue", venue).
		Str("reason", reason).
		Msg("credential quarantined")
}

// stateLocked computes tri-state health. Caller must hold a lock.
func (m *Manager) stateLocked(r *Record) State {
	if r == nil || !r.Quarantined {
		return StateHealthy
	}
	if r.QuarantinedAt != nil && m.now().Sub(*r.QuarantinedAt) >= m.quarantineDuration {
		return StateProbation
	}
	return StateQuarantined
}

// Health returns the tri-state health of a credential. Unknown
// credentials are healthy: refusing to try a key we know nothing about
// would strand new users.
func (m *Manager) Health(userID, venue string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked(m.records[key(userID, venue)])
}

// IsHealthy reports whether the credential is usable, counting probation
// as usable.
func (m *Manager) IsHealthy(userID, venue string) bool {
	return m.Health(userID, venue) != StateQuarantined
}

// priorityLocked computes the sort priority of a credential. Caller must
// hold a lock.
func (m *Manager) priorityLocked(c exchange.Credentials) int {
	r := m.records[key(c.UserID, c.Venue)]
	if r == nil {
		return priorityNeverUsed
	}

	switch m.stateLocked(r) {
	case StateQuarantined:
		return priorityQuarantine + r.ConsecutiveFailures
	case StateProbation:
		return priorityProbation + r.ConsecutiveFailures
	}

	if r.ConsecutiveFailures > 0 {
		if r.ConsecutiveFailures > 99 {
			return 99
		}
		return r.ConsecutiveFailures
	}
	if r.TotalSuccesses > 0 {
		return priorityProven
	}
	return priorityNeverUsed
}

// SortByHealth orders candidates best-first. The sort is stable so
// equally-ranked candidates keep their input order.
func (m *Manager) SortByHealth(candidates []exchange.Credentials) []exchange.Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := make([]exchange.Credentials, len(candidates))
	copy(sorted, candidates)

	sort.SliceStable(sorted, func(i, j int) bool {
		return m.priorityLocked(sorted[i]) < m.priorityLocked(sorted[j])
	})
	return sorted
}

// SelectHealthyCredential picks a credential for an operation. The
// preferred user wins unless actively quarantined; otherwise the first
// non-quarantined candidate in health order; otherwise the
// least-recently-quarantined one, because a false-positive quarantine
// must never permanently remove the only route to a venue.
func (m *Manager) SelectHealthyCredential(candidates []exchange.Credentials, preferredUser string) (exchange.Credentials, error) {
	if len(candidates) == 0 {
		return exchange.Credentials{}, ErrNoCandidates
	}

	if preferredUser != "" {
		for _, c := range candidates {
			if c.UserID == preferredUser && m.Health(c.UserID, c.Venue) != StateQuarantined {
				return c, nil
			}
		}
	}

	sorted := m.SortByHealth(candidates)
	for _, c := range sorted {
		if m.Health(c.UserID, c.Venue) != StateQuarantined {
			return c, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	best := sorted[0]
	bestAt := time.Time{}
	for i, c := range sorted {
		r := m.records[key(c.UserID, c.Venue)]
		if r == nil || r.QuarantinedAt == nil {
			return c, nil
		}
		if i == 0 || r.QuarantinedAt.Before(bestAt) {
			best = c
			bestAt = *r.QuarantinedAt
		}
	}
	return best, nil
}

// Operation is a unit of venue work executed under fallback.
type Operation func(ctx context.Context, creds exchange.Credentials) (interface{}, error)

// FallbackResult reports what succeeded and with which credential.
type FallbackResult struct {
	Result     interface{}
	Credential exchange.Credentials
}

// attempt records one candidate's failure for the aggregate error.
type attempt struct {
	credential exchange.Credentials
	err        error
}

// FallbackError aggregates every candidate's failure when no credential
// could complete the operation.
type FallbackError struct {
	attempts []attempt
}

func (e *FallbackError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d credentials failed:", len(e.attempts))
	for _, a := range e.attempts {
		fmt.Fprintf(&b, " [%s: %v]", a.credential.Key(), a.err)
	}
	return b.String()
}

// ExecuteWithFallback runs the operation against candidates in health
// order, recording each outcome. Actively quarantined candidates are
// skipped unless nothing else remains. Merely-unhealthy input never
// raises; the error path fires only when every real attempt failed.
func (m *Manager) ExecuteWithFallback(ctx context.Context, candidates []exchange.Credentials, op Operation) (*FallbackResult, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	sorted := m.SortByHealth(candidates)

	ordered := make([]exchange.Credentials, 0, len(sorted))
	var quarantined []exchange.Credentials
	for _, c := range sorted {
		if m.Health(c.UserID, c.Venue) == StateQuarantined {
			quarantined = append(quarantined, c)
			continue
		}
		ordered = append(ordered, c)
	}
	if len(ordered) == 0 {
		ordered = quarantined
	}

	fallback := &FallbackError{}
	for _, c := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := op(ctx, c)
		if err != nil {
			m.RecordFailure(c.UserID, c.Venue, err.Error())
			fallback.attempts = append(fallback.attempts, attempt{credential: c, err: err})
			m.logger.Warn().
				Str("credential", c.Key()).
				Err(err).
				Msg("operation failed, trying next credential")
			continue
		}

		m.RecordSuccess(c.UserID, c.Venue)
		return &FallbackResult{Result: result, Credential: c}, nil
	}

	return nil, fallback
}

// Snapshot returns a copy of every record, for the operator surface.
func (m *Manager) Snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}

// Reset clears the record for a credential. Operator escape hatch for a
// quarantine known to be stale.
func (m *Manager) Reset(userID, venue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(userID, venue)
	if _, ok := m.records[k]; !ok {
		return false
	}
	delete(m.records, k)
	return true
}
