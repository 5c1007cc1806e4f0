package auditlog

import (
	"context"
	"strings"

	"github.com/animus-labs/dbschedule/internal/platform/auth"
)

// AuthDeny adapts a Recorder to the auth middleware's deny hook.
func AuthDeny(rec Recorder, service string) auth.AuditFunc {
	return func(ctx context.Context, event auth.DenyEvent) error {
		actor := "anonymous"
		if strings.TrimSpace(event.Subject) != "" {
			actor = strings.TrimSpace(event.Subject)
		}
		return rec.Record(ctx, Event{
			OccurredAt:   event.Time,
			Actor:        actor,
			Action:       "auth." + strings.TrimSpace(event.Reason),
			ResourceType: "http",
			ResourceID:   event.Method + " " + event.Path,
			RequestID:    event.RequestID,
			IP:           RemoteIP(event.RemoteAddr),
			UserAgent:    event.UserAgent,
			Payload: map[string]any{
				"service": service,
				"status":  event.Status,
				"error":   event.Error,
				"email":   event.Email,
				"roles":   event.Roles,
			},
		})
	}
}
