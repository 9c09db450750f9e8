package authprofiles

import (
	"log/slog"
	"time"
)

// FailureKind classifies why a run attempt against a profile failed.
type FailureKind string

const (
	FailureAuth     FailureKind = "auth"
	FailureRate     FailureKind = "rate_limit"
	FailureBilling  FailureKind = "billing"
	FailureTimeout  FailureKind = "timeout"
	FailureOverload FailureKind = "overloaded"
	FailureUnknown  FailureKind = "unknown"
)

// Cooldowns carries the tunables for failure bookkeeping. Zero values fall
// back to defaults: a 24h failure window and a 5h billing backoff.
type Cooldowns struct {
	FailureWindowHours  float64
	BillingBackoffHours float64
	BillingMaxHours     float64
	// BillingBackoffHoursByProvider overrides the billing backoff per
	// normalized provider id.
	BillingBackoffHoursByProvider map[string]float64
}

const (
	defaultFailureWindow  = 24 * time.Hour
	defaultBillingBackoff = 5 * time.Hour

	cooldownBase = 60 * time.Second
	cooldownCap  = time.Hour
)

func (c Cooldowns) failureWindow() time.Duration {
	if c.FailureWindowHours > 0 {
		return time.Duration(c.FailureWindowHours * float64(time.Hour))
	}
	return defaultFailureWindow
}

func (c Cooldowns) billingBackoff(provider string) time.Duration {
	h := c.BillingBackoffHours
	if v, ok := c.BillingBackoffHoursByProvider[NormalizeProvider(provider)]; ok && v > 0 {
		h = v
	}
	if h <= 0 {
		h = defaultBillingBackoff.Hours()
	}
	if c.BillingMaxHours > 0 && h > c.BillingMaxHours {
		h = c.BillingMaxHours
	}
	return time.Duration(h * float64(time.Hour))
}

// cooldownFor returns the escalating cooldown after n consecutive failures:
// 1m, 5m, 25m, then capped at 1h.
func cooldownFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := cooldownBase
	for i := 1; i < n; i++ {
		d *= 5
		if d >= cooldownCap {
			return cooldownCap
		}
	}
	if d > cooldownCap {
		return cooldownCap
	}
	return d
}

// MarkFailure records a failed attempt and applies the resulting cooldown or
// disable. Counters older than the failure window reset first. The store is
// persisted before returning.
func (s *Store) MarkFailure(id string, kind FailureKind, cfg Cooldowns) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	nowMs := now.UnixMilli()
	st := s.statsLocked(id)

	if st.LastFailureAt > 0 && nowMs-st.LastFailureAt > cfg.failureWindow().Milliseconds() {
		st.ErrorCount = 0
		st.FailureCounts = nil
	}

	st.ErrorCount++
	if st.FailureCounts == nil {
		st.FailureCounts = map[string]int{}
	}
	st.FailureCounts[string(kind)]++
	st.LastFailureAt = nowMs

	switch kind {
	case FailureBilling:
		backoff := cfg.billingBackoff(ProviderOfID(id))
		st.DisabledUntil = now.Add(backoff).UnixMilli()
		st.DisabledReason = string(FailureBilling)
		slog.Warn("auth profile disabled for billing",
			"profile", id, "until", time.UnixMilli(st.DisabledUntil))
	default:
		d := cooldownFor(st.ErrorCount)
		st.CooldownUntil = now.Add(d).UnixMilli()
		slog.Info("auth profile cooldown",
			"profile", id, "kind", kind, "errors", st.ErrorCount, "for", d)
	}
	return s.save()
}

// MarkSuccess records a completed run: counters and cooldowns clear, lastUsed
// advances, and the provider's lastGood pointer moves to this profile.
func (s *Store) MarkSuccess(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statsLocked(id)
	st.LastUsed = s.now().UnixMilli()
	st.ErrorCount = 0
	st.FailureCounts = nil
	st.CooldownUntil = 0
	st.DisabledUntil = 0
	st.DisabledReason = ""

	if s.data.LastGood == nil {
		s.data.LastGood = map[string]string{}
	}
	s.data.LastGood[ProviderOfID(id)] = id
	return s.save()
}

// MarkUsed bumps lastUsed without touching failure state. Called when an
// attempt starts so the LRU heuristic rotates even across failures.
func (s *Store) MarkUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsLocked(id).LastUsed = s.now().UnixMilli()
	return s.save()
}

// RecordTokens accumulates token usage onto a profile.
func (s *Store) RecordTokens(id string, in, out int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsLocked(id)
	st.InputTokens += in
	st.OutputTokens += out
	return s.save()
}
