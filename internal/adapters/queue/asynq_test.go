package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func TestAsynqQueue_Enqueue(t *testing.T) {
	enq := &fakeEnqueuer{}
	q := NewAsynqQueue(enq)
	ctx := context.Background()

	require.NoError(t, q.EnqueueAudit(ctx, &domain.AuditEvent{ID: "ev1", Action: domain.AuditKeyRedeemed}))
	require.NoError(t, q.EnqueueRedeemedNotification(ctx, "U1", domain.SubscriptionSummary{SubscriptionID: "s1"}))

	require.Len(t, enq.tasks, 2)
	assert.Equal(t, TypeAudit, enq.tasks[0].Type())
	assert.Equal(t, TypeRedeemed, enq.tasks[1].Type())

	var payload RedeemedPayload
	require.NoError(t, json.Unmarshal(enq.tasks[1].Payload(), &payload))
	assert.Equal(t, "U1", payload.UserID)
	assert.Equal(t, "s1", payload.Subscription.SubscriptionID)
}

func TestAsynqQueue_DuplicateIsNotAnError(t *testing.T) {
	q := NewAsynqQueue(&fakeEnqueuer{err: asynq.ErrTaskIDConflict})
	assert.NoError(t, q.EnqueueAudit(context.Background(), &domain.AuditEvent{ID: "ev1"}))

	q = NewAsynqQueue(&fakeEnqueuer{err: errors.New("redis down")})
	assert.Error(t, q.EnqueueAudit(context.Background(), &domain.AuditEvent{ID: "ev1"}))
}

func TestHandlers_Audit(t *testing.T) {
	sink := new(testutil.MockAuditSink)
	sink.On("Record", mock.MatchedBy(func(ev *domain.AuditEvent) bool {
		return ev.ID == "ev1" && ev.Details["key_id"] == "k1"
	})).Return(nil).Once()

	h := NewHandlers(sink, nil, nil)
	payload, _ := json.Marshal(domain.AuditEvent{ID: "ev1", Action: domain.AuditKeyRedeemed, Details: map[string]string{"key_id": "k1"}})
	require.NoError(t, h.HandleAudit(context.Background(), asynq.NewTask(TypeAudit, payload)))
	sink.AssertExpectations(t)
}

func TestHandlers_RedeemedFailureIsRetried(t *testing.T) {
	notifier := new(testutil.MockNotifier)
	notifier.On("NotifyRedeemed", "U1", mock.Anything).Return(errors.New("webhook down")).Once()

	h := NewHandlers(nil, notifier, nil)
	payload, _ := json.Marshal(RedeemedPayload{UserID: "U1"})
	err := h.HandleRedeemed(context.Background(), asynq.NewTask(TypeRedeemed, payload))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry), "delivery failures should be retried by the queue")
	notifier.AssertExpectations(t)
}

func TestHandlers_BadPayloadSkipsRetry(t *testing.T) {
	h := NewHandlers(nil, nil, nil)
	err := h.HandleAudit(context.Background(), asynq.NewTask(TypeAudit, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	err = h.HandleRedeemed(context.Background(), asynq.NewTask(TypeRedeemed, []byte("[")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandlers_Register(t *testing.T) {
	mux := asynq.NewServeMux()
	NewHandlers(nil, nil, nil).Register(mux)
	_, pattern := mux.Handler(asynq.NewTask(TypeRedeemed, nil))
	assert.Equal(t, TypeRedeemed, pattern)
}
