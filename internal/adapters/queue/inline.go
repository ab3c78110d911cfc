package queue

import (
	"context"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
)

// InlineQueue runs side effects in the caller's goroutine instead of handing
// them to a worker. It is the fallback when no Redis is configured: failures
// are reported to the caller and never retried.
type InlineQueue struct {
	audit    ports.AuditSink
	notifier ports.Notifier
}

func NewInlineQueue(audit ports.AuditSink, notifier ports.Notifier) *InlineQueue {
	return &InlineQueue{audit: audit, notifier: notifier}
}

func (q *InlineQueue) EnqueueAudit(ctx context.Context, event *domain.AuditEvent) error {
	if q.audit == nil {
		return nil
	}
	return q.audit.Record(ctx, event)
}

func (q *InlineQueue) EnqueueRedeemedNotification(ctx context.Context, userID string, summary domain.SubscriptionSummary) error {
	if q.notifier == nil {
		return nil
	}
	return q.notifier.NotifyRedeemed(ctx, userID, summary)
}

var (
	_ ports.TaskQueue = (*InlineQueue)(nil)
	_ ports.TaskQueue = (*AsynqQueue)(nil)
)
