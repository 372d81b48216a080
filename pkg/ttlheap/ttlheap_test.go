package ttlheap

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_PopExpiredOrder(t *testing.T) {
	base := time.Now()

	q := New[string]()
	q.Add("c", base.Add(3*time.Minute))
	q.Add("a", base.Add(1*time.Minute))
	q.Add("b", base.Add(2*time.Minute))

	if got := q.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	next, ok := q.Next()
	if !ok || !next.Equal(base.Add(1*time.Minute)) {
		t.Fatalf("Next() = %v, %v; want earliest deadline", next, ok)
	}

	got := q.PopExpired(base.Add(2 * time.Minute))
	want := []string{"a", "b"}
	if len(got) != len(want) {
		t.Fatalf("PopExpired returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PopExpired[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if got := q.Len(); got != 1 {
		t.Fatalf("Len() after pop = %d, want 1", got)
	}
}

func TestQueue_PopExpiredNothingDue(t *testing.T) {
	q := New[int]()
	q.Add(1, time.Now().Add(time.Hour))

	if got := q.PopExpired(time.Now()); got != nil {
		t.Fatalf("PopExpired = %v, want nil", got)
	}
}

func TestQueue_IdentityEntries(t *testing.T) {
	// Re-adding an equal value makes a second entry; deleting one logical
	// owner must not consume the other's deadline.
	base := time.Now()

	q := New[string]()
	q.Add("x", base.Add(time.Minute))
	q.Add("x", base.Add(time.Hour))

	got := q.PopExpired(base.Add(2 * time.Minute))
	if len(got) != 1 || got[0] != "x" {
		t.Fatalf("PopExpired = %v, want one x", got)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want the later entry to remain", q.Len())
	}
}

func TestSweeper_FiresExpiredEntries(t *testing.T) {
	var (
		mu    sync.Mutex
		fired []string
		done  = make(chan struct{})
	)

	s := NewSweeper(func(v string) {
		mu.Lock()
		fired = append(fired, v)
		n := len(fired)
		mu.Unlock()

		if n == 2 {
			close(done)
		}
	})
	defer s.Close()

	s.Add("first", time.Now().Add(20*time.Millisecond))
	s.Add("second", time.Now().Add(40*time.Millisecond))
	s.Add("never", time.Now().Add(time.Hour))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not fire expired entries in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if fired[0] != "first" {
		t.Fatalf("first fired entry = %q, want %q", fired[0], "first")
	}
}

func TestSweeper_CloseStopsPending(t *testing.T) {
	fired := make(chan string, 1)

	s := NewSweeper(func(v string) { fired <- v })
	s.Add("late", time.Now().Add(50*time.Millisecond))
	s.Close()

	select {
	case v := <-fired:
		t.Fatalf("entry %q fired after Close", v)
	case <-time.After(150 * time.Millisecond):
	}
}
