package testutil

import (
	"context"
	"testing"
)

func TestMocks(t *testing.T) {
	ctx := context.Background()

	q := &RecordingQueue{}
	_ = q.EnqueueAudit(ctx, newEvent("KEY_REDEEMED"))
	if got := q.AuditActions(); len(got) != 1 || got[0] != "KEY_REDEEMED" {
		t.Errorf("unexpected audit actions: %v", got)
	}
	q.Fail = true
	if err := q.EnqueueAudit(ctx, newEvent("X")); err == nil {
		t.Error("expected error from failing queue")
	}

	l := &CountingLimiter{Limit: 2}
	for i := 0; i < 2; i++ {
		if ok, _, _ := l.Allow(ctx, "u"); !ok {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if ok, retry, _ := l.Allow(ctx, "u"); ok || retry <= 0 {
		t.Errorf("third attempt should be denied with a retry hint, got ok=%v retry=%v", ok, retry)
	}
	if ok, _, _ := l.Allow(ctx, "other"); !ok {
		t.Error("limits must be per key")
	}
}
