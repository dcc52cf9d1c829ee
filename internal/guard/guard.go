package guard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"trade-execution-core/config"
	"trade-execution-core/internal/store"
)

// Rejection reason codes, one fixed code per failure mode so callers
// can distinguish retry-later (429) from do-not-retry (401/403).
const (
	ReasonMissingAuthFields   = "MISSING_AUTH_FIELDS"
	ReasonInvalidTimestamp    = "INVALID_TIMESTAMP"
	ReasonTimestampExpired    = "TIMESTAMP_EXPIRED"
	ReasonNonceReplayDetected = "NONCE_REPLAY_DETECTED"
	ReasonInvalidSignature    = "INVALID_SIGNATURE"
	ReasonExecutionBlocked    = "EXECUTION_BLOCKED"
	ReasonGlobalRateLimit     = "GLOBAL_RATE_LIMIT"
	ReasonDecisionRateLimit   = "DECISION_RATE_LIMIT"
	ReasonUserRateLimit       = "USER_RATE_LIMIT"
)

// Request carries the auth material of one execute-decision call.
type Request struct {
	DecisionID string
	Signature  string
	Timestamp  string
	Nonce      string
}

// Rejection describes why a request was refused.
type Rejection struct {
	Status     int    `json:"-"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("request rejected: %s", r.Reason)
}

// Guard is the admission control for execute-decision calls. It never
// lets an unauthenticated, replayed, stale, or excessive request
// through, and store failures reject rather than admit.
type Guard struct {
	store  store.Store
	cfg    config.GuardConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewGuard creates a new auth guard
func NewGuard(cfg config.GuardConfig, s store.Store, logger zerolog.Logger) *Guard {
	return &Guard{
		store:  s,
		cfg:    cfg,
		logger: logger.With().Str("component", "AuthGuard").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Authorize runs the ordered admission checks that need only the
// request itself: presence, freshness, replay, signature, global and
// per-decision rate limits. The per-user limit runs separately via
// CheckUserRate once the decision lookup has identified the user.
// The first failing check aborts with its reason; nil means admitted.
func (g *Guard) Authorize(ctx context.Context, req Request) *Rejection {
	// Hard gate: never execute without an explicit decision id.
	if req.DecisionID == "" {
		return &Rejection{Status: http.StatusForbidden, Reason: ReasonExecutionBlocked}
	}

	// 1. Presence.
	if req.Signature == "" || req.Timestamp == "" || req.Nonce == "" {
		return &Rejection{Status: http.StatusUnauthorized, Reason: ReasonMissingAuthFields}
	}

	// 2. Freshness. The tolerance boundary is inclusive on both sides.
	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return &Rejection{Status: http.StatusUnauthorized, Reason: ReasonInvalidTimestamp}
	}
	drift := g.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > g.cfg.TimestampTolerance {
		return &Rejection{Status: http.StatusUnauthorized, Reason: ReasonTimestampExpired}
	}

	// 3. Replay. Reserve the nonce atomically before continuing so two
	// concurrent duplicates cannot both pass.
	nonceKey := "decision:nonce:" + req.Nonce
	reserved, err := g.store.SetNX(ctx, nonceKey, "1", g.cfg.NonceTTL)
	if err != nil {
		g.logger.Error().Err(err).Msg("Nonce store unavailable, rejecting request")
		return &Rejection{Status: http.StatusUnauthorized, Reason: ReasonNonceReplayDetected}
	}
	if !reserved {
		return &Rejection{Status: http.StatusUnauthorized, Reason: ReasonNonceReplayDetected}
	}

	// 4. Signature.
	if !g.verifySignature(req) {
		return &Rejection{Status: http.StatusUnauthorized, Reason: ReasonInvalidSignature}
	}

	// 5. Global rate limit, fixed 1-second window.
	globalKey := fmt.Sprintf("ratelimit:global:%d", g.now().Unix())
	count, err := g.store.Incr(ctx, globalKey, time.Second)
	if err != nil {
		g.logger.Error().Err(err).Msg("Rate limit store unavailable, rejecting request")
		return &Rejection{Status: http.StatusTooManyRequests, Reason: ReasonGlobalRateLimit, RetryAfter: 1}
	}
	if count > int64(g.cfg.GlobalRateLimit) {
		return &Rejection{Status: http.StatusTooManyRequests, Reason: ReasonGlobalRateLimit, RetryAfter: 1}
	}

	// 6. Per-decision rate limit, 1-minute window.
	decisionKey := "ratelimit:decision:" + req.DecisionID
	count, err = g.store.Incr(ctx, decisionKey, time.Minute)
	if err != nil {
		g.logger.Error().Err(err).Msg("Rate limit store unavailable, rejecting request")
		return &Rejection{Status: http.StatusTooManyRequests, Reason: ReasonDecisionRateLimit, RetryAfter: 60}
	}
	if count > int64(g.cfg.DecisionRateLimit) {
		retryAfter := g.keyRetryAfter(ctx, decisionKey, 60)
		return &Rejection{Status: http.StatusTooManyRequests, Reason: ReasonDecisionRateLimit, RetryAfter: retryAfter}
	}

	return nil
}

// CheckUserRate enforces the rolling per-user minute limit. It runs
// after the decision lookup because the user is unknown from the
// request headers alone.
func (g *Guard) CheckUserRate(ctx context.Context, userID string) *Rejection {
	userKey := "ratelimit:user:" + userID
	count, err := g.store.Incr(ctx, userKey, time.Minute)
	if err != nil {
		g.logger.Error().Err(err).Msg("Rate limit store unavailable, rejecting request")
		return &Rejection{Status: http.StatusTooManyRequests, Reason: ReasonUserRateLimit, RetryAfter: 60}
	}
	if count > int64(g.cfg.UserRateLimit) {
		retryAfter := g.keyRetryAfter(ctx, userKey, 60)
		return &Rejection{Status: http.StatusTooManyRequests, Reason: ReasonUserRateLimit, RetryAfter: retryAfter}
	}
	return nil
}

// verifySignature compares the provided hex HMAC against the expected
// HMAC-SHA256 over decision_id|timestamp|nonce in constant time.
func (g *Guard) verifySignature(req Request) bool {
	payload := req.DecisionID + "|" + req.Timestamp + "|" + req.Nonce

	mac := hmac.New(sha256.New, []byte(g.cfg.SigningSecret))
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(req.Signature) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(req.Signature), []byte(expected)) == 1
}

// keyRetryAfter reads the remaining window on a rate-limit key,
// falling back to the full window when the store cannot say.
func (g *Guard) keyRetryAfter(ctx context.Context, key string, fallback int) int {
	ttl, err := g.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return fallback
	}
	secs := int(ttl.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
