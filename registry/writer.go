package registry

import (
	"context"
	"sync"
	"time"

	"chatrelay/logger"
	"chatrelay/store"
)

type presenceUpdate struct {
	identityID string
	online     bool
	at         time.Time
}

// Writer applies presence updates to the sinks from one goroutine, retrying
// each failed write with exponential backoff. Nothing here blocks the caller.
type Writer struct {
	sinks   []store.PresenceSink
	retries int
	backoff time.Duration
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan presenceUpdate
	done   chan struct{}
}

func NewWriter(retries int, queueSize int, sinks ...store.PresenceSink) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if retries < 0 {
		retries = 0
	}
	w := &Writer{
		sinks:   sinks,
		retries: retries,
		backoff: 100 * time.Millisecond,
		timeout: 5 * time.Second,
		queue:   make(chan presenceUpdate, queueSize),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue schedules an update; it is dropped with a warning if the queue is full.
func (w *Writer) Enqueue(identityID string, online bool, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- presenceUpdate{identityID: identityID, online: online, at: at}:
	default:
		logger.Warnf("[presence] queue full, dropping update id=%s online=%v", identityID, online)
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for u := range w.queue {
		for _, sink := range w.sinks {
			w.apply(sink, u)
		}
	}
}

func (w *Writer) apply(sink store.PresenceSink, u presenceUpdate) {
	delay := w.backoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := sink.UpdatePresence(ctx, u.identityID, u.online, u.at)
		cancel()
		if err == nil {
			return
		}
		if attempt >= w.retries {
			logger.Warnf("[presence] giving up on id=%s online=%v after %d attempts: %v",
				u.identityID, u.online, attempt+1, err)
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
}

// Close stops accepting updates and waits for queued ones until ctx is done.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
