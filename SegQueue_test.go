package ncp

import (
	"bytes"
	"testing"
	"time"
)

func TestSegQueueFifo(t *testing.T) {
	q := NewSegQueue(0)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c"))
	if q.Size() != 3 {
		t.Fatalf("expected 3 segments, got %d", q.Size())
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := q.MovePop(); string(got) != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
	if q.MovePop() != nil {
		t.Fatalf("pop of an empty queue should be nil")
	}
}

func TestSegQueueRewind(t *testing.T) {
	q := NewSegQueue(2)
	q.Push([]byte("first"))
	q.Push([]byte("second"))

	seg := q.MovePop()
	// put the unsent tail back at the head, above capacity is fine
	q.Rewind(seg[2:])
	q.Rewind([]byte("zz"))
	if got := q.MovePop(); !bytes.Equal(got, []byte("zz")) {
		t.Fatalf("rewind is not at the head, got %q", got)
	}
	if got := q.MovePop(); !bytes.Equal(got, []byte("rst")) {
		t.Fatalf("expected the rewound tail, got %q", got)
	}
	if got := q.MovePop(); !bytes.Equal(got, []byte("second")) {
		t.Fatalf("expected the untouched segment, got %q", got)
	}
}

func TestSegQueueTryPushFull(t *testing.T) {
	q := NewSegQueue(1)
	if e := q.TryPush([]byte("x")); e != nil {
		t.Fatalf("first push failed: %v", e)
	}
	if e := q.TryPush([]byte("y")); e != ERR_QUE_FULL {
		t.Fatalf("expected ERR_QUE_FULL, got: %v", e)
	}
}

func TestSegQueuePushBlocksUntilPop(t *testing.T) {
	loop := createLoop()
	defer loop.Stop()

	q := NewSegQueue(1)
	q.RegHandler(loop, func() {})
	q.Push([]byte("x"))

	done := make(chan error, 1)
	go func() {
		done <- q.Push([]byte("y"))
	}()
	select {
	case <-done:
		t.Fatalf("push should have blocked on a full queue")
	case <-time.After(50 * time.Millisecond):
	}
	q.MovePop()
	select {
	case e := <-done:
		if e != nil {
			t.Fatalf("unblocked push failed: %v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("push never unblocked")
	}
}

func TestSegQueueUnregFailsBlockedPush(t *testing.T) {
	loop := createLoop()
	defer loop.Stop()

	q := NewSegQueue(1)
	q.RegHandler(loop, func() {})
	q.Push([]byte("x"))

	done := make(chan error, 1)
	go func() {
		done <- q.Push([]byte("y"))
	}()
	time.Sleep(50 * time.Millisecond)
	q.UnregHandler()
	select {
	case e := <-done:
		if e != ERR_QUE_FULL {
			t.Fatalf("expected ERR_QUE_FULL after unreg, got: %v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked push never failed out")
	}
}

func TestSegQueueHandlerNotify(t *testing.T) {
	loop := createLoop()
	defer loop.Stop()

	q := NewSegQueue(0)
	fired := make(chan struct{}, 4)
	q.RegHandler(loop, func() {
		fired <- struct{}{}
	})
	q.Push([]byte("x"))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("handler never ran")
	}
}

func TestSegQueueMoveAll(t *testing.T) {
	q := NewSegQueue(0)
	q.Push([]byte("a"))
	q.Push([]byte("bc"))
	segs := q.MoveAll()
	if len(segs) != 2 || string(segs[0]) != "a" || string(segs[1]) != "bc" {
		t.Fatalf("MoveAll returned %q", segs)
	}
	if q.Size() != 0 {
		t.Fatalf("queue should be empty after MoveAll")
	}
}
