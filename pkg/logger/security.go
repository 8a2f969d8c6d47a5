// Package logger provides security-specific logging helpers for the agent
// bridge: webhook signature verification, reconciler identity lifecycle, and
// delivery-arbiter dedup decisions.
package logger

import (
	"context"
	"log/slog"
)

// SecurityEventType defines types of security-relevant events.
type SecurityEventType string

const (
	AuthAttempt  SecurityEventType = "auth_attempt"
	AuthSuccess  SecurityEventType = "auth_success"
	AuthFailure  SecurityEventType = "auth_failure"
	AuthRejected SecurityEventType = "auth_rejected"

	WebhookSignatureRejected SecurityEventType = "webhook_signature_rejected"
	WebhookReplayRejected    SecurityEventType = "webhook_replay_rejected"

	AccessDenied  SecurityEventType = "access_denied"
	AccessGranted SecurityEventType = "access_granted"

	IdentityProvisioned SecurityEventType = "identity_provisioned"
	IdentityRenamed     SecurityEventType = "identity_renamed"
	IdentityRemoved     SecurityEventType = "identity_removed"

	DeliverySuppressed SecurityEventType = "delivery_suppressed"
)

// SecurityLogger provides security-specific logging methods.
type SecurityLogger struct {
	logger *Logger
}

// NewSecurityLogger creates a new security logger.
func NewSecurityLogger(baseLogger *Logger) *SecurityLogger {
	return &SecurityLogger{
		logger: baseLogger.WithComponent("security"),
	}
}

// LogSecurityEvent logs a security event of the given type with arbitrary attributes.
func (sl *SecurityLogger) LogSecurityEvent(eventType string, attrs ...slog.Attr) {
	sl.logger.SecurityEvent(context.Background(), eventType, attrs...)
}

// LogAuthRejected logs a rejected authentication (untrusted sender, expired credential).
func (sl *SecurityLogger) LogAuthRejected(ctx context.Context, sender, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("sender", sender),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(AuthRejected), append(baseAttrs, attrs...)...)
}

// LogWebhookSignatureRejected logs a webhook request with a missing or invalid signature.
func (sl *SecurityLogger) LogWebhookSignatureRejected(ctx context.Context, agentID, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("agent_id", agentID),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(WebhookSignatureRejected), append(baseAttrs, attrs...)...)
}

// LogWebhookReplayRejected logs a webhook request outside the replay window.
func (sl *SecurityLogger) LogWebhookReplayRejected(ctx context.Context, agentID string, ageSeconds int64, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("agent_id", agentID),
		slog.Int64("age_seconds", ageSeconds),
	}
	sl.logger.SecurityEvent(ctx, string(WebhookReplayRejected), append(baseAttrs, attrs...)...)
}

// LogAccessDenied logs an access denied event.
func (sl *SecurityLogger) LogAccessDenied(ctx context.Context, resource, actor, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("resource", resource),
		slog.String("actor", actor),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(AccessDenied), append(baseAttrs, attrs...)...)
}

// LogIdentityProvisioned logs a newly provisioned agent identity.
func (sl *SecurityLogger) LogIdentityProvisioned(ctx context.Context, agentID, mxid, roomID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("agent_id", agentID),
		slog.String("mxid", mxid),
		slog.String("room_id", roomID),
	}
	sl.logger.AuditEvent(ctx, string(IdentityProvisioned), append(baseAttrs, attrs...)...)
}

// LogIdentityRenamed logs a display-name/canonical-room-name change.
func (sl *SecurityLogger) LogIdentityRenamed(ctx context.Context, agentID, oldName, newName string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("agent_id", agentID),
		slog.String("old_name", oldName),
		slog.String("new_name", newName),
	}
	sl.logger.AuditEvent(ctx, string(IdentityRenamed), append(baseAttrs, attrs...)...)
}

// LogIdentityRemoved logs a soft-removal of an agent identity.
func (sl *SecurityLogger) LogIdentityRemoved(ctx context.Context, agentID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("agent_id", agentID),
	}
	sl.logger.AuditEvent(ctx, string(IdentityRemoved), append(baseAttrs, attrs...)...)
}

// LogDeliverySuppressed logs a Delivery Arbiter dedup decision.
func (sl *SecurityLogger) LogDeliverySuppressed(ctx context.Context, agentID, logicalKey string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("agent_id", agentID),
		slog.String("logical_key", logicalKey),
	}
	sl.logger.AuditEvent(ctx, string(DeliverySuppressed), append(baseAttrs, attrs...)...)
}
