package audit

import (
	"context"
	"log/slog"
	"time"
)

type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

type requestIDKey struct{}

// WithRequestID attaches a request identifier carried into every audit entry
// logged under this context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func (al *Logger) LogAction(ctx context.Context, tenantID, userName, action, resource, status, details string) {
	requestID := ""
	if reqID := ctx.Value(requestIDKey{}); reqID != nil {
		requestID, _ = reqID.(string)
	}

	al.logger.Info("audit",
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("tenant_id", tenantID),
		slog.String("user", userName),
		slog.String("status", status),
		slog.String("details", details),
		slog.String("request_id", requestID),
		slog.Time("timestamp", time.Now()),
	)
}

func (al *Logger) LogUserCreated(ctx context.Context, tenantID, userName, status string) {
	al.LogAction(ctx, tenantID, userName, "user_created", "user", status, "")
}

func (al *Logger) LogPasswordChanged(ctx context.Context, tenantID, userName, status string) {
	al.LogAction(ctx, tenantID, userName, "password_changed", "user", status, "")
}

func (al *Logger) LogPasswordReset(ctx context.Context, tenantID, userName, status string) {
	al.LogAction(ctx, tenantID, userName, "password_reset", "user", status, "")
}

func (al *Logger) LogLockout(ctx context.Context, tenantID, userName, reason string) {
	al.LogAction(ctx, tenantID, userName, "account_locked", "user", "locked", reason)
}

func (al *Logger) LogUnlock(ctx context.Context, tenantID, userName string) {
	al.LogAction(ctx, tenantID, userName, "account_unlocked", "user", "unlocked", "")
}

func (al *Logger) LogUserDeleted(ctx context.Context, tenantID, userName, status string) {
	al.LogAction(ctx, tenantID, userName, "user_deleted", "user", status, "")
}

func (al *Logger) LogMembershipChange(ctx context.Context, tenantID, userNames, roleNames, action string) {
	al.LogAction(ctx, tenantID, userNames, action, "role_membership", "ok", "roles="+roleNames)
}
