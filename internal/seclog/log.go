package seclog

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"workdesk.org/internal/obs"
)

// Config tunes the log and its anomaly detectors.
type Config struct {
	// ChainSecret keys the hash chain. When empty a deterministic derived
	// value is used and an operational warning is raised once: the chain
	// stays verifiable but an attacker with code access could recompute it.
	ChainSecret string

	// Admin actions outside [AdminHoursStart, AdminHoursEnd) hours raise alerts.
	AdminHoursStart int
	AdminHoursEnd   int

	// Burst detection over a rolling window.
	BurstWindow   time.Duration
	BurstWarn     int
	BurstCritical int

	// Lookback for the new-IP-prefix detector.
	NewIPLookback time.Duration
}

func (c *Config) applyDefaults() {
	if c.AdminHoursEnd == 0 && c.AdminHoursStart == 0 {
		c.AdminHoursStart, c.AdminHoursEnd = 7, 22
	}
	if c.BurstWindow == 0 {
		c.BurstWindow = 10 * time.Minute
	}
	if c.BurstWarn == 0 {
		c.BurstWarn = 20
	}
	if c.BurstCritical == 0 {
		c.BurstCritical = 60
	}
	if c.NewIPLookback == 0 {
		c.NewIPLookback = 30 * 24 * time.Hour
	}
}

// Log writes chained security events and pattern-based alerts.
type Log struct {
	store  Store
	mirror *zap.Logger
	cfg    Config

	secret     []byte
	weakSecret bool
	warnOnce   sync.Once

	now func() time.Time
}

// New builds a Log. mirror is the external file logger; nil disables mirroring.
func New(store Store, mirror *zap.Logger, cfg Config) *Log {
	cfg.applyDefaults()
	if mirror == nil {
		mirror = zap.NewNop()
	}
	l := &Log{store: store, mirror: mirror, cfg: cfg, now: time.Now}
	if cfg.ChainSecret != "" {
		l.secret = []byte(cfg.ChainSecret)
	} else {
		// Deterministic fallback so chains stay verifiable across restarts
		// even when the operator never configured a secret.
		derived := sha256.Sum256([]byte("workdesk.seclog.chain.v1"))
		l.secret = derived[:]
		l.weakSecret = true
	}
	return l
}

// LogEvent appends one event to the chain. CreatedAt, Level and Source get
// defaults when unset. The event's hash covers every payload field, so any
// later edit to the stored row breaks verification.
func (l *Log) LogEvent(ctx context.Context, ev Event) error {
	l.warnIfWeakSecret()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	// Postgres keeps microseconds; anything finer would break recomputation.
	ev.CreatedAt = ev.CreatedAt.UTC().Truncate(time.Microsecond)
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if ev.Source == "" {
		ev.Source = "app"
	}

	return l.store.Append(ctx, &ev, func(prevHash string) (string, error) {
		return l.hashEvent(prevHash, &ev)
	})
}

// EmitAlert records an alert event and always mirrors it to the external log,
// even when the database write fails.
func (l *Log) EmitAlert(ctx context.Context, action, subject, keyLabel, detail, level string, meta map[string]any) {
	if level != LevelWarning && level != LevelCritical {
		level = LevelWarning
	}
	var contextJSON string
	if len(meta) > 0 {
		if raw, err := json.Marshal(meta); err == nil {
			contextJSON = string(raw)
		}
	}

	l.mirror.Warn("security alert",
		zap.String("action", action),
		zap.String("subject", subject),
		zap.String("key_label", keyLabel),
		zap.String("detail", detail),
		zap.String("level", level),
		zap.String("context", contextJSON),
	)

	err := l.LogEvent(ctx, Event{
		EventType: TypeAlert,
		Action:    action,
		Subject:   subject,
		KeyLabel:  keyLabel,
		Details:   detail,
		Level:     level,
		Context:   contextJSON,
	})
	if err != nil {
		l.mirror.Error("security alert not persisted", zap.String("action", action), zap.Error(err))
	}
}

// VerifyResult reports the outcome of a chain audit.
type VerifyResult struct {
	Checked  int
	OK       bool
	BadID    int64  // first corrupt row, 0 when OK
	Reason   string // human-readable mismatch description
	ChainTip string
}

// Verify replays the whole chain in id order, recomputing every hash and
// checking each prev_hash against the prior row. The first surviving row's
// prev_hash is taken as the anchor: after a retention purge it points at a
// legitimately deleted predecessor, not genesis. Corruption is reported,
// never repaired.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	res := VerifyResult{OK: true, ChainTip: GenesisHash}
	prev := GenesisHash
	afterID := int64(0)

	for {
		events, err := l.store.Events(ctx, afterID, 500)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("seclog: read events after %d: %w", afterID, err)
		}
		if len(events) == 0 {
			return res, nil
		}
		for i := range events {
			ev := &events[i]
			res.Checked++
			if res.Checked == 1 {
				prev = ev.PrevHash
			}
			if ev.PrevHash != prev {
				return l.corrupt(res, ev.ID, "prev_hash does not match prior event"), nil
			}
			want, err := l.hashEvent(ev.PrevHash, ev)
			if err != nil {
				return VerifyResult{}, err
			}
			if want != ev.EventHash {
				return l.corrupt(res, ev.ID, "event_hash does not match payload"), nil
			}
			prev = ev.EventHash
			res.ChainTip = ev.EventHash
			afterID = ev.ID
		}
	}
}

func (l *Log) corrupt(res VerifyResult, id int64, reason string) VerifyResult {
	obs.ChainIntegrityFailures.Inc()
	l.mirror.Error("security event chain corrupt",
		zap.Int64("event_id", id),
		zap.String("reason", reason),
	)
	res.OK = false
	res.BadID = id
	res.Reason = reason
	return res
}

// Sweep purges events older than retention. Called opportunistically from
// request paths with low probability, not from a scheduler.
func (l *Log) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	return l.store.DeleteOlderThan(ctx, l.now().Add(-retention))
}

// hashEvent computes HMAC-SHA256(secret, prev_hash || canonical_json(payload)).
func (l *Log) hashEvent(prevHash string, ev *Event) (string, error) {
	payload, err := canonicalPayload(ev)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(prevHash))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// canonicalPayload encodes every payload field except the hash fields and the
// row id. Map marshaling sorts keys, giving a stable byte encoding.
func canonicalPayload(ev *Event) ([]byte, error) {
	return json.Marshal(map[string]any{
		"created_at":    ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		"event_type":    ev.EventType,
		"action":        ev.Action,
		"subject":       ev.Subject,
		"key_label":     ev.KeyLabel,
		"ip":            ev.IP,
		"details":       ev.Details,
		"level":         ev.Level,
		"source":        ev.Source,
		"actor_user_id": ev.ActorUserID,
		"tenant_id":     ev.TenantID,
		"context":       ev.Context,
	})
}

func (l *Log) warnIfWeakSecret() {
	if !l.weakSecret {
		return
	}
	l.warnOnce.Do(func() {
		l.mirror.Warn("chain secret not configured; using derived fallback key")
	})
}
