package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
)

// RecordingQueue implements ports.TaskQueue by keeping every task in memory.
type RecordingQueue struct {
	mu            sync.Mutex
	Audits        []domain.AuditEvent
	Notifications []domain.SubscriptionSummary
	Fail          bool
}

func (q *RecordingQueue) EnqueueAudit(_ context.Context, event *domain.AuditEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Fail {
		return errors.New("queue unavailable")
	}
	q.Audits = append(q.Audits, *event)
	return nil
}

func (q *RecordingQueue) EnqueueRedeemedNotification(_ context.Context, _ string, summary domain.SubscriptionSummary) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Fail {
		return errors.New("queue unavailable")
	}
	q.Notifications = append(q.Notifications, summary)
	return nil
}

// AuditActions lists the recorded audit actions in enqueue order.
func (q *RecordingQueue) AuditActions() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.Audits))
	for _, a := range q.Audits {
		out = append(out, a.Action)
	}
	return out
}

func (q *RecordingQueue) NotificationCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.Notifications)
}

// CountingLimiter implements ports.AttemptLimiter with a fixed per-key budget
// and no time decay.
type CountingLimiter struct {
	mu     sync.Mutex
	Limit  int
	counts map[string]int
	Err    error
}

func (l *CountingLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return false, 0, l.Err
	}
	if l.counts == nil {
		l.counts = make(map[string]int)
	}
	if l.counts[key] >= l.Limit {
		return false, time.Minute, nil
	}
	l.counts[key]++
	return true, 0, nil
}
