package queue

import (
	"errors"
	"testing"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/future"
)

func TestFIFOOrder(t *testing.T) {
	q := New()
	for _, s := range []string{"a", "b", "c"} {
		q.Offer(&WriteRequest{Payload: buffer.Wrap([]byte(s)), Future: future.NewWriteFuture()})
	}
	var order []string
	for !q.IsEmpty() {
		order = append(order, string(q.Peek().Payload.Bytes()))
		q.Remove()
	}
	if got := order; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("got %v, want [a b c]", got)
	}
}

func TestDrainFailsAllFutures(t *testing.T) {
	q := New()
	f1, f2 := future.NewWriteFuture(), future.NewWriteFuture()
	q.Offer(&WriteRequest{Future: f1})
	q.Offer(&WriteRequest{Future: f2})
	cause := errors.New("closed")
	q.Drain(cause)
	if !q.IsEmpty() {
		t.Fatal("expected queue empty after drain")
	}
	if f1.Cause() != cause || f2.Cause() != cause {
		t.Fatal("expected both futures to fail with drain cause")
	}
}

func TestGenericQueueDrainIsFIFO(t *testing.T) {
	q := NewQueue[int]()
	q.Offer(1)
	q.Offer(2)
	q.Offer(3)
	got := q.Drain()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("got %v", got)
	}
	if q.Len() != 0 {
		t.Fatal("expected empty after drain")
	}
}
