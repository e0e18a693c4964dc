package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"workdesk.org/internal/obs"
	"workdesk.org/internal/seclog"
)

// Counter is one (action, key) attempt row. Updates are last-writer-wins;
// the counter is advisory defense, not a ledger.
type Counter struct {
	Action       string
	KeyHash      string
	Attempts     int
	FirstAttempt time.Time
	LastAttempt  time.Time
	LockUntil    time.Time
}

// Store persists counters. Get returns nil without error when no row exists.
type Store interface {
	Get(ctx context.Context, action, keyHash string) (*Counter, error)
	Upsert(ctx context.Context, c *Counter) error
	Delete(ctx context.Context, action, keyHash string) error
	// DeleteOlderThan purges counters whose last attempt predates cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// KeyHash derives the storage key for a label. Raw labels (emails, IPs)
// never reach the counter table.
func KeyHash(label string) string {
	sum := sha256.Sum256([]byte(label))
	return hex.EncodeToString(sum[:])
}

// Decision is the outcome of a precheck.
type Decision struct {
	Blocked         bool
	RetryAfter      int // seconds until the active lock expires
	Delay           time.Duration
	MaxAttempts     int
	CaptchaRequired bool
}

// Result reports a registered attempt.
type Result struct {
	Attempts    int
	LockSeconds int
}

// Config tunes the limiter.
type Config struct {
	// Policies by action; missing entries fall back to ActionDefault.
	// Nil means DefaultPolicies().
	Policies map[string]Policy

	// SweepProbability is the per-precheck chance of purging counters older
	// than Retention. Zero disables the opportunistic sweep.
	SweepProbability float64
	Retention        time.Duration
}

// Limiter evaluates and records attempts against the policy set.
type Limiter struct {
	store    Store
	events   *seclog.Log
	policies map[string]Policy

	sweepP    float64
	retention time.Duration

	now   func() time.Time
	randF func() float64
}

// New builds a Limiter. events may be nil; blocked attempts and threshold
// alerts are then not recorded in the security trail.
func New(store Store, events *seclog.Log, cfg Config) *Limiter {
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	if _, ok := policies[ActionDefault]; !ok {
		policies[ActionDefault] = DefaultPolicies()[ActionDefault]
	}
	retention := cfg.Retention
	if retention == 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Limiter{
		store:     store,
		events:    events,
		policies:  policies,
		sweepP:    cfg.SweepProbability,
		retention: retention,
		now:       time.Now,
		randF:     rand.Float64,
	}
}

// Precheck evaluates all supplied key labels for an action before it runs.
// Any one hot key blocks the whole check. Callers must apply Decision.Delay
// (see Throttle) and surface RetryAfter verbatim when blocked.
func (l *Limiter) Precheck(ctx context.Context, action string, keyLabels ...string) (Decision, error) {
	l.maybeSweep(ctx)

	pol := l.policyFor(action)
	now := l.now()
	var dec Decision

	for _, label := range keyLabels {
		c, err := l.store.Get(ctx, action, KeyHash(label))
		if err != nil {
			return Decision{}, fmt.Errorf("ratelimit: read counter: %w", err)
		}
		if c == nil {
			continue
		}
		if now.Before(c.LockUntil) {
			retry := int(c.LockUntil.Sub(now).Round(time.Second).Seconds())
			if retry < 1 {
				retry = 1
			}
			if !dec.Blocked || retry > dec.RetryAfter {
				dec.Blocked = true
				dec.RetryAfter = retry
			}
		}
		attempts := c.Attempts
		if now.Sub(c.LastAttempt) > pol.Window {
			attempts = 0
		}
		if attempts > dec.MaxAttempts {
			dec.MaxAttempts = attempts
		}
	}

	dec.Delay = responseDelay(pol, dec.MaxAttempts)
	dec.CaptchaRequired = pol.CaptchaAfter > 0 && dec.MaxAttempts >= pol.CaptchaAfter

	if dec.Blocked {
		obs.RateLimitBlocksTotal.WithLabelValues(action).Inc()
		l.logBlocked(ctx, action, keyLabels, dec)
	}
	return dec, nil
}

// RegisterAttempt bumps the counters for every key after an attempt. Failures
// increment and may lock; successes are recorded in the trail only. subject is
// who attempted (email, user id) and reason describes the outcome.
func (l *Limiter) RegisterAttempt(ctx context.Context, action string, keyLabels []string, subject, reason string, isFailure bool) (Result, error) {
	if !isFailure {
		l.logEvent(ctx, seclog.Event{
			EventType: seclog.TypeRateLimit,
			Action:    action + "_attempt",
			Subject:   subject,
			Details:   reason,
		})
		return Result{}, nil
	}

	pol := l.policyFor(action)
	now := l.now()
	var res Result

	for _, label := range keyLabels {
		hash := KeyHash(label)
		c, err := l.store.Get(ctx, action, hash)
		if err != nil {
			return Result{}, fmt.Errorf("ratelimit: read counter: %w", err)
		}
		if c == nil || now.Sub(c.LastAttempt) > pol.Window {
			c = &Counter{Action: action, KeyHash: hash, FirstAttempt: now}
		}
		c.Attempts++
		c.LastAttempt = now

		lock := lockSeconds(pol, c.Attempts)
		if lock > 0 {
			until := now.Add(time.Duration(lock) * time.Second)
			if until.After(c.LockUntil) {
				c.LockUntil = until
			}
		}
		if err := l.store.Upsert(ctx, c); err != nil {
			return Result{}, fmt.Errorf("ratelimit: save counter: %w", err)
		}

		// Alert once per episode, exactly at each threshold.
		if lk, hit := pol.LockSteps[c.Attempts]; hit {
			l.alertThreshold(ctx, action, subject, label, c.Attempts, lk, pol)
		}

		if c.Attempts > res.Attempts {
			res.Attempts = c.Attempts
		}
		if lock > res.LockSeconds {
			res.LockSeconds = lock
		}
	}

	l.logEvent(ctx, seclog.Event{
		EventType: seclog.TypeRateLimit,
		Action:    action + "_failed",
		Subject:   subject,
		Details:   reason,
		Context:   fmt.Sprintf(`{"attempts":%d,"lock_seconds":%d}`, res.Attempts, res.LockSeconds),
	})
	return res, nil
}

// ClearAttempts drops every counter for the keys after a successful attempt.
func (l *Limiter) ClearAttempts(ctx context.Context, action string, keyLabels ...string) error {
	for _, label := range keyLabels {
		if err := l.store.Delete(ctx, action, KeyHash(label)); err != nil {
			return fmt.Errorf("ratelimit: clear counter: %w", err)
		}
	}
	return nil
}

// Throttle applies a precheck delay, honoring context cancellation. The cost
// occupies only the current request's goroutine.
func (l *Limiter) Throttle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// responseDelay is min(max_delay, 2^min(attempts-delay_after, 3)) seconds
// once attempts exceed the grace count.
func responseDelay(pol Policy, attempts int) time.Duration {
	if attempts <= pol.DelayAfter {
		return 0
	}
	exp := attempts - pol.DelayAfter
	if exp > 3 {
		exp = 3
	}
	d := time.Duration(1<<uint(exp)) * time.Second
	if pol.MaxDelay > 0 && d > pol.MaxDelay {
		d = pol.MaxDelay
	}
	return d
}

// lockSeconds is the max lock over all thresholds the count has reached.
func lockSeconds(pol Policy, attempts int) int {
	lock := 0
	for threshold, secs := range pol.LockSteps {
		if attempts >= threshold && secs > lock {
			lock = secs
		}
	}
	return lock
}

func (l *Limiter) alertThreshold(ctx context.Context, action, subject, label string, attempts, lock int, pol Policy) {
	if l.events == nil {
		return
	}
	level := seclog.LevelWarning
	if attempts >= maxThreshold(pol) {
		level = seclog.LevelCritical
	}
	l.events.EmitAlert(ctx, "rate_limit_threshold", subject, label,
		fmt.Sprintf("%s reached %d attempts, locked %ds", action, attempts, lock),
		level, map[string]any{"action": action, "attempts": attempts, "lock_seconds": lock})
}

func maxThreshold(pol Policy) int {
	thresholds := make([]int, 0, len(pol.LockSteps))
	for t := range pol.LockSteps {
		thresholds = append(thresholds, t)
	}
	sort.Ints(thresholds)
	if len(thresholds) == 0 {
		return 0
	}
	return thresholds[len(thresholds)-1]
}

func (l *Limiter) logBlocked(ctx context.Context, action string, keyLabels []string, dec Decision) {
	subject := ""
	if len(keyLabels) > 0 {
		subject = keyLabels[0]
	}
	l.logEvent(ctx, seclog.Event{
		EventType: seclog.TypeRateLimit,
		Action:    "rate_limit_blocked",
		Subject:   subject,
		Level:     seclog.LevelWarning,
		Context:   fmt.Sprintf(`{"action":%q,"retry_after":%d}`, action, dec.RetryAfter),
	})
}

func (l *Limiter) logEvent(ctx context.Context, ev seclog.Event) {
	if l.events == nil {
		return
	}
	// The trail is best-effort from the limiter's side; failures must not
	// turn a throttling decision into a request error.
	_ = l.events.LogEvent(ctx, ev)
}

func (l *Limiter) maybeSweep(ctx context.Context) {
	if l.sweepP <= 0 || l.randF() >= l.sweepP {
		return
	}
	_, _ = l.store.DeleteOlderThan(ctx, l.now().Add(-l.retention))
}
