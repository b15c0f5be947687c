package loghub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nicktill/botpulse/pkg/metrics"
)

// ErrClosed is returned by Subscriber.Next once the subscriber is released
var ErrClosed = errors.New("log subscriber closed")

const (
	// DefaultCapacity is the per-subscriber queue size
	DefaultCapacity = 1000

	// DefaultBacklog is how many recent lines the hub keeps for Recent
	DefaultBacklog = 1000
)

// Hub fans published log lines out to every live subscriber.
// Publish never blocks on a slow consumer: a full queue drops its oldest line.
type Hub struct {
	capacity int

	// subs is replaced wholesale on subscribe/unsubscribe so Publish can
	// iterate it without holding mu
	mu     sync.Mutex
	subs   atomic.Pointer[[]*Subscriber]
	closed atomic.Bool

	backlog *ring

	published atomic.Uint64
}

// Option configures a Hub
type Option func(*Hub)

// WithCapacity sets the per-subscriber queue size
func WithCapacity(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.capacity = n
		}
	}
}

// WithBacklog sets how many recent lines are retained for Recent
func WithBacklog(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.backlog = newRing(n)
		}
	}
}

// New creates a hub
func New(opts ...Option) *Hub {
	h := &Hub{
		capacity: DefaultCapacity,
		backlog:  newRing(DefaultBacklog),
	}
	for _, opt := range opts {
		opt(h)
	}
	empty := []*Subscriber{}
	h.subs.Store(&empty)
	return h
}

// Publish delivers line to every subscriber. No-op after Close.
func (h *Hub) Publish(line metrics.LogLine) {
	if h.closed.Load() {
		return
	}
	h.published.Add(1)
	h.backlog.push(line)

	for _, s := range *h.subs.Load() {
		s.push(line)
	}
}

// Subscribe registers a new subscriber. After Close it returns an already closed subscriber.
func (h *Hub) Subscribe() *Subscriber {
	s := newSubscriber(h, h.capacity)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		s.release()
		return s
	}

	cur := *h.subs.Load()
	next := make([]*Subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	h.subs.Store(&next)
	return s
}

// Unsubscribe removes s and releases its queue. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}

	h.mu.Lock()
	cur := *h.subs.Load()
	next := make([]*Subscriber, 0, len(cur))
	for _, other := range cur {
		if other != s {
			next = append(next, other)
		}
	}
	if len(next) != len(cur) {
		h.subs.Store(&next)
	}
	h.mu.Unlock()

	s.release()
}

// Close releases every subscriber. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed.Swap(true) {
		h.mu.Unlock()
		return
	}
	cur := *h.subs.Load()
	empty := []*Subscriber{}
	h.subs.Store(&empty)
	h.mu.Unlock()

	for _, s := range cur {
		s.release()
	}
}

// Subscribers returns the number of live subscribers
func (h *Hub) Subscribers() int {
	return len(*h.subs.Load())
}

// Published returns the number of lines accepted since start
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Recent returns up to n of the most recently published lines, oldest first
func (h *Hub) Recent(n int) []metrics.LogLine {
	return h.backlog.last(n)
}

// BacklogLen returns how many lines Recent can currently return
func (h *Hub) BacklogLen() int {
	return h.backlog.len()
}

// ring is a fixed-size FIFO that overwrites its oldest entry when full
type ring struct {
	mu    sync.Mutex
	buf   []metrics.LogLine
	head  int
	count int
}

func newRing(n int) *ring {
	return &ring{buf: make([]metrics.LogLine, n)}
}

// push appends line, returning true if the oldest line was overwritten
func (r *ring) push(line metrics.LogLine) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushLocked(line)
}

func (r *ring) pushLocked(line metrics.LogLine) bool {
	if len(r.buf) == 0 {
		return true
	}
	dropped := false
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		dropped = true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = line
	r.count++
	return dropped
}

func (r *ring) popLocked() (metrics.LogLine, bool) {
	if r.count == 0 {
		return metrics.LogLine{}, false
	}
	line := r.buf[r.head]
	r.buf[r.head] = metrics.LogLine{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return line, true
}

func (r *ring) drainLocked() []metrics.LogLine {
	out := make([]metrics.LogLine, 0, r.count)
	for {
		line, ok := r.popLocked()
		if !ok {
			return out
		}
		out = append(out, line)
	}
}

func (r *ring) last(n int) []metrics.LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.count == 0 {
		return []metrics.LogLine{}
	}
	if n > r.count {
		n = r.count
	}
	out := make([]metrics.LogLine, n)
	start := r.head + r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
