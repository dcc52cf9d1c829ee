package credhealth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-execution-core/config"
	"trade-execution-core/internal/exchange"
)

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		QuarantineThreshold: 3,
		QuarantineDuration:  5 * time.Minute,
	}
}

func newTestManager() *Manager {
	return NewManager(testConfig(), nil, zerolog.Nop())
}

func creds(user, venue string) exchange.Credentials {
	return exchange.Credentials{UserID: user, Venue: venue, APIKey: "k", APISecret: "s"}
}

func TestUnknownCredentialIsHealthy(t *testing.T) {
	m := newTestManager()

	if !m.IsHealthy("alice", "binance") {
		t.Error("unknown credential should be healthy by default")
	}
	if got := m.Health("alice", "binance"); got != StateHealthy {
		t.Errorf("expected StateHealthy, got %s", got)
	}
}

func TestQuarantineAfterThreshold(t *testing.T) {
	m := newTestManager()

	m.RecordFailure("alice", "binance", "timeout")
	m.RecordFailure("alice", "binance", "timeout")
	if !m.IsHealthy("alice", "binance") {
		t.Fatal("credential should still be healthy below threshold")
	}

	m.RecordFailure("alice", "binance", "timeout")
	if m.IsHealthy("alice", "binance") {
		t.Error("credential should be quarantined at threshold")
	}
	if got := m.Health("alice", "binance"); got != StateQuarantined {
		t.Errorf("expected StateQuarantined, got %s", got)
	}
}

func TestInvalidCredentialSignatureQuarantinesImmediately(t *testing.T) {
	m := newTestManager()

	m.RecordFailure("alice", "binance", "Invalid API-key, IP, or permissions for action")

	if m.IsHealthy("alice", "binance") {
		t.Error("definitive invalid-credential error should quarantine on first failure")
	}
}

func TestQuarantineExpiresIntoProbation(t *testing.T) {
	m := newTestManager()
	base := time.Now()
	m.SetClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		m.RecordFailure("alice", "binance", "timeout")
	}
	if m.IsHealthy("alice", "binance") {
		t.Fatal("expected quarantine")
	}

	// Just before expiry: still quarantined.
	m.SetClock(func() time.Time { return base.Add(5*time.Minute - time.Second) })
	if m.IsHealthy("alice", "binance") {
		t.Error("quarantine should still hold before the duration elapses")
	}

	// At expiry: probation, reported usable.
	m.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	if !m.IsHealthy("alice", "binance") {
		t.Error("credential should be usable once quarantine duration elapses")
	}
	if got := m.Health("alice", "binance"); got != StateProbation {
		t.Errorf("expected StateProbation, got %s", got)
	}
}

func TestRecordSuccessClearsQuarantine(t *testing.T) {
	m := newTestManager()

	for i := 0; i < 5; i++ {
		m.RecordFailure("alice", "binance", "timeout")
	}
	m.RecordSuccess("alice", "binance")

	if !m.IsHealthy("alice", "binance") {
		t.Error("success should clear quarantine")
	}

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 record, got %d", len(snap))
	}
	r := snap[0]
	if r.ConsecutiveFailures != 0 {
		t.Errorf("expected consecutive failures reset, got %d", r.ConsecutiveFailures)
	}
	if r.Quarantined || r.QuarantinedAt != nil {
		t.Error("quarantine state should be fully cleared")
	}
	if r.TotalFailures != 5 {
		t.Errorf("total failures should be preserved, got %d", r.TotalFailures)
	}
}

func TestReQuarantineKeepsOriginalTimestamp(t *testing.T) {
	m := newTestManager()
	base := time.Now()
	m.SetClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		m.RecordFailure("alice", "binance", "timeout")
	}

	m.SetClock(func() time.Time { return base.Add(time.Minute) })
	m.RecordFailure("alice", "binance", "timeout")

	snap := m.Snapshot()
	if !snap[0].QuarantinedAt.Equal(base) {
		t.Errorf("re-entering quarantine must not reset quarantinedAt: got %v, want %v",
			snap[0].QuarantinedAt, base)
	}
}

func TestSortByHealthOrdering(t *testing.T) {
	m := newTestManager()

	proven := creds("proven", "binance")
	unused := creds("unused", "binance")
	failing := creds("failing", "binance")
	quarantined := creds("quarantined", "binance")

	m.RecordSuccess(proven.UserID, proven.Venue)
	m.RecordFailure(failing.UserID, failing.Venue, "timeout")
	for i := 0; i < 3; i++ {
		m.RecordFailure(quarantined.UserID, quarantined.Venue, "timeout")
	}

	sorted := m.SortByHealth([]exchange.Credentials{quarantined, failing, unused, proven})

	want := []string{"proven", "unused", "failing", "quarantined"}
	for i, c := range sorted {
		if c.UserID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], c.UserID)
		}
	}
}

func TestSortByHealthNeverRanksQuarantinedFirst(t *testing.T) {
	m := newTestManager()

	good := creds("good", "binance")
	bad := creds("bad", "binance")
	for i := 0; i < 10; i++ {
		m.RecordFailure(bad.UserID, bad.Venue, "timeout")
	}

	sorted := m.SortByHealth([]exchange.Credentials{bad, good})
	if sorted[0].UserID != "good" {
		t.Error("actively quarantined credential ranked ahead of a healthy one")
	}
}

func TestSelectHealthyCredentialPrefersUser(t *testing.T) {
	m := newTestManager()

	a := creds("alice", "binance")
	b := creds("bob", "binance")
	m.RecordSuccess(a.UserID, a.Venue)

	got, err := m.SelectHealthyCredential([]exchange.Credentials{a, b}, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != "bob" {
		t.Errorf("expected preferred user bob, got %s", got.UserID)
	}
}

func TestSelectHealthyCredentialSkipsQuarantinedPreferred(t *testing.T) {
	m := newTestManager()

	a := creds("alice", "binance")
	b := creds("bob", "binance")
	for i := 0; i < 3; i++ {
		m.RecordFailure(b.UserID, b.Venue, "timeout")
	}

	got, err := m.SelectHealthyCredential([]exchange.Credentials{a, b}, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != "alice" {
		t.Errorf("expected fallback to alice, got %s", got.UserID)
	}
}

func TestSelectHealthyCredentialAllQuarantinedPicksLeastRecent(t *testing.T) {
	m := newTestManager()
	base := time.Now()

	a := creds("alice", "binance")
	b := creds("bob", "binance")

	m.SetClock(func() time.Time { return base })
	for i := 0; i < 3; i++ {
		m.RecordFailure(a.UserID, a.Venue, "timeout")
	}
	m.SetClock(func() time.Time { return base.Add(time.Minute) })
	for i := 0; i < 3; i++ {
		m.RecordFailure(b.UserID, b.Venue, "timeout")
	}

	got, err := m.SelectHealthyCredential([]exchange.Credentials{b, a}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != "alice" {
		t.Errorf("expected least-recently-quarantined alice, got %s", got.UserID)
	}
}

func TestSelectHealthyCredentialEmptyInput(t *testing.T) {
	m := newTestManager()

	_, err := m.SelectHealthyCredential(nil, "")
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("expected ErrNoCandidates, got %v", err)
	}
}

func TestExecuteWithFallbackUsesFirstSuccess(t *testing.T) {
	m := newTestManager()

	candidates := []exchange.Credentials{
		creds("u1", "binance"),
		creds("u2", "binance"),
		creds("u3", "binance"),
	}

	calls := 0
	result, err := m.ExecuteWithFallback(context.Background(), candidates,
		func(ctx context.Context, c exchange.Credentials) (interface{}, error) {
			calls++
			if c.UserID != "u3" {
				return nil, fmt.Errorf("connection reset")
			}
			return "placed", nil
		})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Result != "placed" {
		t.Errorf("expected result from succeeding credential, got %v", result.Result)
	}
	if result.Credential.UserID != "u3" {
		t.Errorf("expected credential u3, got %s", result.Credential.UserID)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}

	// Each failing candidate recorded exactly one failure; the winner
	// recorded a success.
	for _, r := range m.Snapshot() {
		switch r.UserID {
		case "u1", "u2":
			if r.TotalFailures != 1 || r.ConsecutiveFailures != 1 {
				t.Errorf("%s: expected exactly one failure, got %+v", r.UserID, r)
			}
		case "u3":
			if r.TotalSuccesses != 1 {
				t.Errorf("u3: expected one success, got %+v", r)
			}
		}
	}
}

func TestExecuteWithFallbackAllFailAggregatesErrors(t *testing.T) {
	m := newTestManager()

	candidates := []exchange.Credentials{
		creds("u1", "binance"),
		creds("u2", "binance"),
	}

	_, err := m.ExecuteWithFallback(context.Background(), candidates,
		func(ctx context.Context, c exchange.Credentials) (interface{}, error) {
			return nil, fmt.Errorf("refused for %s", c.UserID)
		})

	if err == nil {
		t.Fatal("expected aggregate error")
	}
	msg := err.Error()
	for _, want := range []string{"u1:binance", "u2:binance", "refused for u1", "refused for u2"} {
		if !strings.Contains(msg, want) {
			t.Errorf("aggregate error missing %q: %s", want, msg)
		}
	}
}

func TestExecuteWithFallbackSkipsQuarantinedUnlessOnlyOption(t *testing.T) {
	m := newTestManager()

	good := creds("good", "binance")
	bad := creds("bad", "binance")
	for i := 0; i < 3; i++ {
		m.RecordFailure(bad.UserID, bad.Venue, "timeout")
	}

	var tried []string
	_, err := m.ExecuteWithFallback(context.Background(), []exchange.Credentials{bad, good},
		func(ctx context.Context, c exchange.Credentials) (interface{}, error) {
			tried = append(tried, c.UserID)
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 1 || tried[0] != "good" {
		t.Errorf("quarantined credential should be skipped, tried: %v", tried)
	}

	// With only quarantined candidates, they are still attempted.
	tried = nil
	_, err = m.ExecuteWithFallback(context.Background(), []exchange.Credentials{bad},
		func(ctx context.Context, c exchange.Credentials) (interface{}, error) {
			tried = append(tried, c.UserID)
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 1 || tried[0] != "bad" {
		t.Errorf("sole quarantined credential should still be attempted, tried: %v", tried)
	}
}
