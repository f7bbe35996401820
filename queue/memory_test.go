package queue

import (
	"testing"
)

func TestMemoryQueueContract(t *testing.T) {
	queueContract(t, func(t *testing.T, clock *testClock) Queue {
		return NewMemoryQueue(WithMemoryClock(clock.Now))
	})
}

func TestLess(t *testing.T) {
	clock := newTestClock()
	a := &Entry{StartTimestamp: clock.Now(), Priority: 1, Seq: 2}
	b := &Entry{StartTimestamp: clock.Now(), Priority: 1, Seq: 3}
	if !Less(a, b) || Less(b, a) {
		t.Fatal("expected sequence tie-break")
	}
	c := &Entry{StartTimestamp: clock.Now().Add(-1), Priority: 9, Seq: 99}
	if !Less(c, a) {
		t.Fatal("expected earlier start to win over priority")
	}
}
