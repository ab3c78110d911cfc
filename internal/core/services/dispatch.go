package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/poyrazK/cloudLicense/internal/infrastructure/metrics"
)

const defaultSideEffectTimeout = 5 * time.Second

// PostCommit hands side effects to the task queue after a transaction has committed.
// Enqueueing runs on its own goroutine with a context detached from the request, so a
// slow queue or a client disconnect never changes the outcome already returned.
type PostCommit struct {
	queue   ports.TaskQueue
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewPostCommit returns a dispatcher for queue. A nil queue drops every task.
func NewPostCommit(queue ports.TaskQueue, logger *slog.Logger) *PostCommit {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostCommit{queue: queue, logger: logger, timeout: defaultSideEffectTimeout}
}

// Audit enqueues an audit event.
func (p *PostCommit) Audit(ctx context.Context, event *domain.AuditEvent) {
	p.run(ctx, "audit", func(ctx context.Context, q ports.TaskQueue) error {
		return q.EnqueueAudit(ctx, event)
	})
}

// Redeemed enqueues the user notification for a new subscription.
func (p *PostCommit) Redeemed(ctx context.Context, userID string, summary domain.SubscriptionSummary) {
	p.run(ctx, "notify_redeemed", func(ctx context.Context, q ports.TaskQueue) error {
		return q.EnqueueRedeemedNotification(ctx, userID, summary)
	})
}

// Wait blocks until every dispatched task has been handed off or has failed.
func (p *PostCommit) Wait() {
	p.wg.Wait()
}

func (p *PostCommit) run(ctx context.Context, task string, fn func(context.Context, ports.TaskQueue) error) {
	if p == nil || p.queue == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		if err := fn(taskCtx, p.queue); err != nil {
			metrics.SideEffectFailures.WithLabelValues(task).Inc()
			p.logger.Warn("failed to enqueue post-commit task", "task", task, "error", err)
		}
	}()
}

func newAuditEvent(action, actorID, ip string, details map[string]string) *domain.AuditEvent {
	event := &domain.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if actorID != "" {
		event.ActorID = &actorID
	}
	if ip != "" {
		event.IP = &ip
	}
	return event
}
