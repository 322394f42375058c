package jobs

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ternarybob/mcpdash/internal/models"
)

// Subscription is one observer of a job's events.
//
// Events are queued in memory and handed to Events() by a pump goroutine, so
// the registry never blocks on a slow reader. When the queue grows past its
// limit the oldest progress event is discarded; the terminal event is never
// discarded and the channel is closed right after it is delivered.
//
// A subscriber that reads slower than progress arrives therefore sees a
// thinned progress stream once subscriber_buffer events are pending: it may
// skip intermediate percentages, but it still receives the latest progress
// that was queued and exactly one terminal event. Coalesced reports how many
// were skipped.
type Subscription struct {
	id    string
	jobID string

	out  chan models.Event
	wake chan struct{}
	done chan struct{}

	mu        sync.Mutex
	queue     []models.Event
	finished  bool // no further events will be queued
	limit     int
	coalesced atomic.Int64

	closeOnce sync.Once
	onClose   func(*Subscription)
}

func newSubscription(jobID string, limit int, onClose func(*Subscription)) *Subscription {
	if limit <= 0 {
		limit = defaultSubscriberBuffer
	}
	s := &Subscription{
		id:      uuid.New().String(),
		jobID:   jobID,
		out:     make(chan models.Event),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		limit:   limit,
		onClose: onClose,
	}
	go s.pump()
	return s
}

// ID returns the subscription identifier
func (s *Subscription) ID() string { return s.id }

// JobID returns the observed job
func (s *Subscription) JobID() string { return s.jobID }

// Events returns the event stream. It is closed after the terminal event,
// on Close, or when the registry drops the job.
func (s *Subscription) Events() <-chan models.Event { return s.out }

// Coalesced returns how many progress events were discarded for this
// subscriber because it fell behind
func (s *Subscription) Coalesced() int64 { return s.coalesced.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.shutdown()
	if s.onClose != nil {
		s.onClose(s)
	}
}

// shutdown stops delivery without calling back into the registry.
// Used while the registry already holds the entry lock.
func (s *Subscription) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
		close(s.done)
	})
}

// enqueue queues ev for delivery. Returns false once the subscription has
// finished (terminal queued or closed).
func (s *Subscription) enqueue(ev models.Event) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.limit {
		// The terminal event is always the last one queued, so the head is
		// a progress event
		s.queue = s.queue[1:]
		s.coalesced.Add(1)
	}
	s.queue = append(s.queue, ev)
	if ev.IsTerminal() {
		s.finished = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// finish lets the pump drain what is queued and then close the stream
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer func() {
		close(s.out)
		s.shutdown()
	}()

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		finished := s.finished
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
			if ev.IsTerminal() {
				return
			}
		}

		if len(batch) > 0 {
			continue
		}
		if finished {
			return
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
