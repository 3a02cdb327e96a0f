// Package router delivers outbound frames to attached sessions. Every session
// gets a bounded queue drained by its own writer goroutine, so a slow or dead
// peer never holds up the publisher or the other sessions.
package router

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatrelay/logger"
)

var (
	ErrSlowConsumer = errors.New("send queue full")
	ErrDuplicate    = errors.New("handle already attached")
	ErrClosed       = errors.New("router closed")
)

// Sink is the transport end of a session.
type Sink interface {
	Send(frame []byte) error
	Close() error
}

type Recipient struct {
	Handle     string
	IdentityID string
}

// Event is either one frame for everybody or a frame built per recipient.
type Event struct {
	frame []byte
	build func(Recipient) []byte
}

func Frame(b []byte) Event { return Event{frame: b} }

// PerRecipient builds the frame for each recipient separately; a nil result
// skips that recipient.
func PerRecipient(fn func(Recipient) []byte) Event { return Event{build: fn} }

func (e Event) render(r Recipient) []byte {
	if e.build != nil {
		return e.build(r)
	}
	return e.frame
}

type Filter func(Recipient) bool

func All(Recipient) bool { return true }

func Except(handle string) Filter {
	return func(r Recipient) bool { return r.Handle != handle }
}

func Only(handle string) Filter {
	return func(r Recipient) bool { return r.Handle == handle }
}

func ForIdentity(id string) Filter {
	return func(r Recipient) bool { return r.IdentityID == id }
}

type subscriber struct {
	Recipient
	sink    Sink
	queue   chan []byte
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

func (s *subscriber) halt() { s.stopped.Do(func() { close(s.stop) }) }

type Router struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	queueSize int
	closed    bool
	onEvict   func(Recipient, error)

	delivered atomic.Int64
	evicted   atomic.Int64
}

// New creates a router whose sessions buffer up to queueSize frames. onEvict,
// when set, runs once for every session removed because of a failure.
func New(queueSize int, onEvict func(Recipient, error)) *Router {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Router{
		subs:      make(map[string]*subscriber),
		queueSize: queueSize,
		onEvict:   onEvict,
	}
}

func (r *Router) Attach(handle, identityID string, sink Sink) error {
	s := &subscriber{
		Recipient: Recipient{Handle: handle, IdentityID: identityID},
		sink:      sink,
		queue:     make(chan []byte, r.queueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.subs[handle]; ok {
		r.mu.Unlock()
		return errors.Wrap(ErrDuplicate, handle)
	}
	r.subs[handle] = s
	r.mu.Unlock()

	go r.writeLoop(s)
	return nil
}

func (r *Router) writeLoop(s *subscriber) {
	defer close(s.done)
	for {
		select {
		case f := <-s.queue:
			if err := s.sink.Send(f); err != nil {
				r.evict(s, err)
				return
			}
			r.delivered.Add(1)
		case <-s.stop:
			// flush what is already queued, in order
			for {
				select {
				case f := <-s.queue:
					if err := s.sink.Send(f); err != nil {
						return
					}
					r.delivered.Add(1)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) evict(s *subscriber, cause error) {
	r.mu.Lock()
	cur, ok := r.subs[s.Handle]
	if ok && cur == s {
		delete(r.subs, s.Handle)
	}
	r.mu.Unlock()
	if !ok || cur != s {
		return
	}

	s.halt()
	s.sink.Close()
	r.evicted.Add(1)
	logger.Warn("evicting session",
		zap.String("handle", s.Handle),
		zap.String("identity", s.IdentityID),
		zap.Error(cause))
	if r.onEvict != nil {
		go r.onEvict(s.Recipient, cause)
	}
}

// Detach removes handle without treating it as a failure. Frames already
// queued are still written; the returned channel closes when the writer is
// done. The sink is left open for the caller.
func (r *Router) Detach(handle string) <-chan struct{} {
	r.mu.Lock()
	s, ok := r.subs[handle]
	if ok {
		delete(r.subs, handle)
	}
	r.mu.Unlock()

	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	s.halt()
	return s.done
}

func (r *Router) enqueue(s *subscriber, frame []byte) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.queue <- frame:
		return true
	default:
		r.evict(s, ErrSlowConsumer)
		return false
	}
}

func (r *Router) snapshot(filter Filter) []*subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		if filter == nil || filter(s.Recipient) {
			out = append(out, s)
		}
	}
	return out
}

// Publish queues ev for every attached session accepted by filter and
// returns how many sessions took it.
func (r *Router) Publish(ev Event, filter Filter) int {
	n := 0
	for _, s := range r.snapshot(filter) {
		frame := ev.render(s.Recipient)
		if frame == nil {
			continue
		}
		if r.enqueue(s, frame) {
			n++
		}
	}
	return n
}

func (r *Router) SendTo(handle string, frame []byte) bool {
	r.mu.RLock()
	s, ok := r.subs[handle]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.enqueue(s, frame)
}

func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

type Stats struct {
	Attached  int
	Delivered int64
	Evicted   int64
}

func (r *Router) Stats() Stats {
	return Stats{
		Attached:  r.Count(),
		Delivered: r.delivered.Load(),
		Evicted:   r.evicted.Load(),
	}
}

// Close detaches every session and waits for their writers to finish.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*subscriber)
	r.mu.Unlock()

	for _, s := range subs {
		s.halt()
	}
	for _, s := range subs {
		<-s.done
	}
}
