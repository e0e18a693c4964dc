package seclog

import (
	"context"
	"fmt"

	"workdesk.org/internal/netutil"
)

// ObserveAdminAction records an admin action and runs the pattern detectors
// over the existing trail: off-hours activity, bursts, and a subject acting
// from an IP prefix never seen before. Detector failures are swallowed — the
// detectors are best-effort analysis on top of the log, not gatekeepers.
func (l *Log) ObserveAdminAction(ctx context.Context, actorUserID, tenantID int64, action, subject, ip string) error {
	// Prefix novelty must be judged against history, before this action lands.
	l.detectNewPrefix(ctx, subject, ip, actorUserID)

	if err := l.LogEvent(ctx, Event{
		EventType:   TypeAdminAction,
		Action:      action,
		Subject:     subject,
		IP:          ip,
		ActorUserID: actorUserID,
		TenantID:    tenantID,
	}); err != nil {
		return err
	}

	now := l.now()
	hour := now.UTC().Hour()
	if hour < l.cfg.AdminHoursStart || hour >= l.cfg.AdminHoursEnd {
		l.EmitAlert(ctx, "off_hours_admin_action", subject, "", fmt.Sprintf("admin action %q at %02d:00 UTC", action, hour), LevelWarning, map[string]any{
			"actor_user_id": actorUserID,
			"tenant_id":     tenantID,
		})
	}

	l.detectBurst(ctx, TypeAdminAction, subject, "admin_action_burst")
	return nil
}

// ObserveDownload records a data export/download and checks for bursts.
func (l *Log) ObserveDownload(ctx context.Context, actorUserID, tenantID int64, subject, detail, ip string) error {
	if err := l.LogEvent(ctx, Event{
		EventType:   TypeDownload,
		Action:      "download",
		Subject:     subject,
		IP:          ip,
		Details:     detail,
		ActorUserID: actorUserID,
		TenantID:    tenantID,
	}); err != nil {
		return err
	}
	l.detectBurst(ctx, TypeDownload, subject, "download_burst")
	return nil
}

// ObservePrivilegeChange records a promotion or demotion and always alerts:
// warning for demotions, critical when a principal gains the admin role.
func (l *Log) ObservePrivilegeChange(ctx context.Context, actorUserID, tenantID int64, subject, fromRole, toRole string) error {
	detail := fmt.Sprintf("role changed %s -> %s", fromRole, toRole)
	if err := l.LogEvent(ctx, Event{
		EventType:   TypePrivilegeChange,
		Action:      "role_change",
		Subject:     subject,
		Details:     detail,
		ActorUserID: actorUserID,
		TenantID:    tenantID,
	}); err != nil {
		return err
	}

	level := LevelWarning
	if toRole == "admin" {
		level = LevelCritical
	}
	l.EmitAlert(ctx, "privilege_change", subject, "", detail, level, map[string]any{
		"actor_user_id": actorUserID,
		"from":          fromRole,
		"to":            toRole,
	})
	return nil
}

func (l *Log) detectBurst(ctx context.Context, eventType, subject, alertAction string) {
	count, err := l.store.CountSince(ctx, eventType, subject, l.now().Add(-l.cfg.BurstWindow))
	if err != nil {
		return
	}
	switch {
	case count >= l.cfg.BurstCritical:
		l.EmitAlert(ctx, alertAction, subject, "", fmt.Sprintf("%d events within %s", count, l.cfg.BurstWindow), LevelCritical, nil)
	case count >= l.cfg.BurstWarn:
		l.EmitAlert(ctx, alertAction, subject, "", fmt.Sprintf("%d events within %s", count, l.cfg.BurstWindow), LevelWarning, nil)
	}
}

func (l *Log) detectNewPrefix(ctx context.Context, subject, ip string, actorUserID int64) {
	prefix := netutil.Prefix(ip)
	if prefix == "" || subject == "" {
		return
	}
	seen, err := l.store.SubjectSeenFromPrefix(ctx, subject, prefix, l.now().Add(-l.cfg.NewIPLookback))
	if err != nil || seen {
		return
	}
	l.EmitAlert(ctx, "new_ip_prefix", subject, "", fmt.Sprintf("first activity from %s", prefix), LevelWarning, map[string]any{
		"actor_user_id": actorUserID,
		"ip":            ip,
	})
}
