// Package seclog maintains the tamper-evident security event trail. Every
// event is chained to its predecessor through an HMAC over the previous hash
// and a canonical encoding of the payload, so deleting or editing any row is
// detectable by replaying the chain. Alerts are additionally mirrored to an
// external file log for operators without database access.
package seclog

import (
	"context"
	"time"
)

// GenesisHash anchors the chain before the first event.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Severity levels.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Well-known event types recorded by the defense layer.
const (
	TypeAuth            = "auth"
	TypeAlert           = "alert"
	TypeRateLimit       = "rate_limit"
	TypeAdminAction     = "admin_action"
	TypeDownload        = "download"
	TypePrivilegeChange = "privilege_change"
	TypeSession         = "session"
	TypeCrypto          = "crypto"
)

// Event is one immutable row of the trail.
type Event struct {
	ID          int64
	CreatedAt   time.Time
	EventType   string
	Action      string
	Subject     string
	KeyLabel    string
	IP          string
	Details     string
	Level       string
	Source      string
	ActorUserID int64 // 0 when no authenticated actor
	TenantID    int64
	PrevHash    string
	EventHash   string
	Context     string // JSON-encoded metadata, may be empty
}

// Store persists chained events. Append must serialize concurrent callers on
// the chain tip (the pg implementation takes an advisory transaction lock),
// read the latest event hash, invoke chain to compute this event's hash, set
// PrevHash/EventHash on ev and insert it.
type Store interface {
	Append(ctx context.Context, ev *Event, chain func(prevHash string) (string, error)) error
	// Events returns rows with id > afterID in ascending id order.
	Events(ctx context.Context, afterID int64, limit int) ([]Event, error)
	// CountSince counts events of a type for a subject since the given time.
	CountSince(ctx context.Context, eventType, subject string, since time.Time) (int, error)
	// SubjectSeenFromPrefix reports whether the subject already produced any
	// event from the given IP prefix since the given time.
	SubjectSeenFromPrefix(ctx context.Context, subject, ipPrefix string, since time.Time) (bool, error)
	// DeleteOlderThan purges rows older than cutoff; used by the lazy sweep.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
