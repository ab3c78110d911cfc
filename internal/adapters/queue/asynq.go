package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
)

const (
	TypeAudit    = "license:audit"
	TypeRedeemed = "license:redeemed"

	// QueueSideEffects holds every post-commit task.
	QueueSideEffects = "side_effects"

	defaultMaxRetry = 10
	taskTimeout     = 30 * time.Second
)

// RedeemedPayload is the body of a TypeRedeemed task.
type RedeemedPayload struct {
	UserID       string                     `json:"user_id"`
	Subscription domain.SubscriptionSummary `json:"subscription"`
}

// Enqueuer is the slice of *asynq.Client the queue uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqQueue implements ports.TaskQueue on asynq.
type AsynqQueue struct {
	client   Enqueuer
	maxRetry int
}

func NewAsynqQueue(client Enqueuer) *AsynqQueue {
	return &AsynqQueue{client: client, maxRetry: defaultMaxRetry}
}

func (q *AsynqQueue) EnqueueAudit(ctx context.Context, event *domain.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit task: %w", err)
	}
	// The event id doubles as the task id so a repeated enqueue is dropped.
	return q.enqueue(ctx, asynq.NewTask(TypeAudit, payload), asynq.TaskID("audit:"+event.ID))
}

func (q *AsynqQueue) EnqueueRedeemedNotification(ctx context.Context, userID string, summary domain.SubscriptionSummary) error {
	payload, err := json.Marshal(RedeemedPayload{UserID: userID, Subscription: summary})
	if err != nil {
		return fmt.Errorf("failed to encode notification task: %w", err)
	}
	return q.enqueue(ctx, asynq.NewTask(TypeRedeemed, payload), asynq.TaskID("redeemed:"+summary.SubscriptionID))
}

func (q *AsynqQueue) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	opts = append(opts,
		asynq.Queue(QueueSideEffects),
		asynq.MaxRetry(q.maxRetry),
		asynq.Timeout(taskTimeout),
	)
	if _, err := q.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}
	return nil
}

// Handlers processes side-effect tasks on the worker side.
type Handlers struct {
	audit    ports.AuditSink
	notifier ports.Notifier
	logger   *slog.Logger
}

func NewHandlers(audit ports.AuditSink, notifier ports.Notifier, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{audit: audit, notifier: notifier, logger: logger}
}

// Register wires the task types onto mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeAudit, h.HandleAudit)
	mux.HandleFunc(TypeRedeemed, h.HandleRedeemed)
}

func (h *Handlers) HandleAudit(ctx context.Context, t *asynq.Task) error {
	var event domain.AuditEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.audit.Record(ctx, &event); err != nil {
		h.logger.Warn("failed to persist audit event", "action", event.Action, "error", err)
		return err
	}
	return nil
}

func (h *Handlers) HandleRedeemed(ctx context.Context, t *asynq.Task) error {
	var payload RedeemedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.notifier.NotifyRedeemed(ctx, payload.UserID, payload.Subscription); err != nil {
		h.logger.Warn("failed to deliver redemption notice", "user_id", payload.UserID,
			"subscription_id", payload.Subscription.SubscriptionID, "error", err)
		return err
	}
	return nil
}

// NewServer builds the worker server that drains QueueSideEffects.
func NewServer(opt asynq.RedisConnOpt, concurrency int, logger *slog.Logger) *asynq.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:    concurrency,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Queues:         map[string]int{QueueSideEffects: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error("side-effect task failed", "task_type", task.Type(), "error", err)
		}),
	})
}
