package loghub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nicktill/botpulse/pkg/metrics"
)

// Subscriber is one consumer's bounded queue of log lines
type Subscriber struct {
	hub *Hub

	mu     sync.Mutex
	queue  *ring
	closed bool

	// notify holds at most one pending wakeup
	notify chan struct{}
	done   chan struct{}

	dropped atomic.Uint64
}

func newSubscriber(h *Hub, capacity int) *Subscriber {
	return &Subscriber{
		hub:    h,
		queue:  newRing(capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscriber) push(line metrics.LogLine) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.queue.pushLocked(line) {
		s.dropped.Add(1)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// C signals that lines may be waiting. Call Drain after each receive.
func (s *Subscriber) C() <-chan struct{} {
	return s.notify
}

// Done is closed when the subscriber is released
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Drain returns every queued line in publish order
func (s *Subscriber) Drain() []metrics.LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.queue.drainLocked()
}

// Next blocks until a line is available, the subscriber is closed or ctx is done
func (s *Subscriber) Next(ctx context.Context) (metrics.LogLine, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return metrics.LogLine{}, ErrClosed
		}
		if line, ok := s.queue.popLocked(); ok {
			s.mu.Unlock()
			return line, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return metrics.LogLine{}, ctx.Err()
		}
	}
}

// Dropped returns how many lines were discarded because the queue was full
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Len returns the number of queued lines
func (s *Subscriber) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return s.queue.count
}

// Close unsubscribes from the hub. Safe to call more than once.
func (s *Subscriber) Close() {
	s.hub.Unsubscribe(s)
}

// release frees the queue and wakes any blocked Next
func (s *Subscriber) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = newRing(0)
	close(s.done)
}
