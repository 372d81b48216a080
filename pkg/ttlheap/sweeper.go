package ttlheap

import (
	"sync"
	"time"
)

// Sweeper runs a single background goroutine that calls onExpire for each
// value whose deadline has passed. Values are never coalesced or re-keyed;
// schedule an entry once and it fires once.
type Sweeper[T any] struct {
	onExpire func(T)

	mu   sync.Mutex
	q    *Queue[T]
	wake chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func NewSweeper[T any](onExpire func(T)) *Sweeper[T] {
	s := &Sweeper[T]{
		onExpire: onExpire,
		q:        New[T](),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Add schedules value to expire at deadline.
func (s *Sweeper[T]) Add(value T, deadline time.Time) {
	s.mu.Lock()
	s.q.Add(value, deadline)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the sweeper; pending entries never fire.
func (s *Sweeper[T]) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Sweeper[T]) loop() {
	const idle = time.Hour

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		s.mu.Lock()
		next, ok := s.q.Next()
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			timer.Reset(time.Until(next))
		} else {
			timer.Reset(idle)
		}

		select {
		case <-s.done:
			return

		case <-s.wake:
			// re-evaluate the earliest deadline

		case <-timer.C:
			s.mu.Lock()
			expired := s.q.PopExpired(time.Now())
			s.mu.Unlock()

			for _, v := range expired {
				s.onExpire(v)
			}
		}
	}
}
