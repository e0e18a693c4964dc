// Package ratelimit throttles credential-bearing operations with per-action,
// per-key sliding-window counters. Counters for every supplied key are
// consulted and the hottest one wins, so rotating IPs does not evade an
// identity-keyed limit and vice versa. Escalation is exponential delay first,
// then stepped lockouts, then an arithmetic captcha.
package ratelimit

import "time"

// Policy tunes one action's limiter.
type Policy struct {
	// Window is the sliding window; a counter idle longer than this is
	// treated as reset without any cleanup job touching the row.
	Window time.Duration

	// DelayAfter is the attempt count past which responses get delayed.
	DelayAfter int

	// MaxDelay caps the exponential response delay.
	MaxDelay time.Duration

	// LockSteps maps attempt thresholds to lockout seconds. Reaching a
	// threshold exactly also raises a one-time alert.
	LockSteps map[int]int

	// CaptchaAfter is the attempt count past which the action requires a
	// solved captcha. Zero disables captcha for the action.
	CaptchaAfter int
}

// Well-known limited actions.
const (
	ActionLogin         = "login"
	ActionResetPassword = "reset_password"
	ActionSearchItems   = "search_items"
	ActionDefault       = "default"
)

// DefaultPolicies returns the stock policy set. Callers may override entries
// before constructing the Limiter.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionLogin: {
			Window:       15 * time.Minute,
			DelayAfter:   2,
			MaxDelay:     8 * time.Second,
			LockSteps:    map[int]int{5: 300, 8: 900, 12: 3600},
			CaptchaAfter: 3,
		},
		ActionResetPassword: {
			Window:       time.Hour,
			DelayAfter:   1,
			MaxDelay:     8 * time.Second,
			LockSteps:    map[int]int{3: 900, 6: 3600},
			CaptchaAfter: 2,
		},
		ActionSearchItems: {
			Window:     time.Minute,
			DelayAfter: 10,
			MaxDelay:   4 * time.Second,
			LockSteps:  map[int]int{30: 60, 60: 600},
		},
		ActionDefault: {
			Window:     15 * time.Minute,
			DelayAfter: 3,
			MaxDelay:   8 * time.Second,
			LockSteps:  map[int]int{10: 600},
		},
	}
}

// policyFor resolves an action to its policy, falling back to the default.
func (l *Limiter) policyFor(action string) Policy {
	if p, ok := l.policies[action]; ok {
		return p
	}
	return l.policies[ActionDefault]
}
