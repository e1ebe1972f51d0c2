package services

import (
	"testing"
	"time"

	"github.com/tabdash/mailsync/test"
)

func TestNextRetryDoubles(t *testing.T) {
	t.Parallel()
	expected := []time.Duration{
		2 * time.Minute,
		4 * time.Minute,
	}
	for i, want := range expected {
		attempts := uint8(i + 1)
		nextRetry := NextRetry(attempts, 3)
		test.Assert(t, nextRetry.Valid, "expected a retry time")
		delay := time.Until(nextRetry.Time)
		test.Assert(t, delay > want-time.Second, "delay too short")
		test.Assert(t, delay <= want, "delay too long")
	}
}

func TestNextRetryNullOnceExhausted(t *testing.T) {
	t.Parallel()
	nextRetry := NextRetry(3, 3)
	test.Assert(t, !nextRetry.Valid, "exhausted item should not be retried")
	nextRetry = NextRetry(4, 3)
	test.Assert(t, !nextRetry.Valid, "exhausted item should not be retried")
}
