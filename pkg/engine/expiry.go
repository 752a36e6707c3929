package engine

import (
	"container/heap"
	"encoding/json"
	"sync"
	"time"

	"github.com/parley-dev/parley/pkg/eventlog"
	"github.com/parley-dev/parley/pkg/notify"
	"github.com/parley-dev/parley/pkg/projection"
)

// expirySchedule is a soonest-first queue of elicitation deadlines feeding
// the single expiry task. Entries are never removed eagerly on resolution;
// the transition is conditional, so a fired entry for an already-terminal
// elicitation is a no-op.
type expirySchedule struct {
	mu      sync.Mutex
	entries expiryHeap
	wake    chan struct{}
}

type expiryEntry struct {
	elicitationID string
	at            time.Time
}

func newExpirySchedule() *expirySchedule {
	return &expirySchedule{wake: make(chan struct{}, 1)}
}

func (s *expirySchedule) schedule(elicitationID string, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.entries, expiryEntry{elicitationID: elicitationID, at: at})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next returns the soonest deadline without popping it.
func (s *expirySchedule) next() (expiryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return expiryEntry{}, false
	}
	return s.entries[0], true
}

// popDue removes and returns every entry at or before now.
func (s *expirySchedule) popDue(now time.Time) []expiryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []expiryEntry
	for len(s.entries) > 0 && !s.entries[0].at.After(now) {
		due = append(due, heap.Pop(&s.entries).(expiryEntry))
	}
	return due
}

type expiryHeap []expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// runExpiry is the single expiry task: sleep until the soonest deadline,
// fire everything due, repeat.
func (e *Engine) runExpiry() {
	defer e.wg.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if entry, ok := e.expiry.next(); ok {
			d := time.Until(entry.at)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			timerC = timer.C
		}

		select {
		case <-e.stopCh:
			return
		case <-e.expiry.wake:
			if timerC != nil && !timer.Stop() {
				<-timer.C
			}
		case <-timerC:
			for _, entry := range e.expiry.popDue(e.now()) {
				e.expire(entry.elicitationID)
			}
		}
	}
}

// expire performs the conditional Expired transition and notifies both
// parties. Already-terminal elicitations are skipped silently.
func (e *Engine) expire(elicitationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	el, ok := e.state.Elicitation(elicitationID)
	if !ok || el.Status.Terminal() {
		return
	}

	payload, err := json.Marshal(projection.ElicitationExpiredPayload{
		ElicitationID: el.ID,
		Timestamp:     e.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	events, err := e.commit([]eventlog.Event{{
		Kind:        eventlog.KindElicitationExpired,
		AggregateID: el.ID,
		Payload:     payload,
	}})
	if err != nil {
		// Storage trouble: leave the entry for a retry on the next pass.
		e.expiry.schedule(el.ID, e.now().Add(5*time.Second))
		return
	}
	if e.metrics != nil {
		e.metrics.ExpirationsTotal.Inc()
	}

	n := notify.Notification{
		Kind:          notify.KindResolution,
		ElicitationID: el.ID,
		Status:        projection.StatusExpired,
		FromAgent:     el.FromAgent,
		ToAgent:       el.ToAgent,
		Seq:           events[0].Seq,
	}
	e.fabric.Publish(el.FromAgent, n)
	e.fabric.Publish(el.ToAgent, n)
}

// runSweeps ages out nonces, idle rate buckets, and idle sessions.
func (e *Engine) runSweeps() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.createNonces.Sweep()
			e.respondNonces.Sweep()
			e.createLimit.Sweep(time.Hour)
			e.respondLimit.Sweep(time.Hour)

			idle := e.reg.IdleSessions()
			if len(idle) == 0 {
				continue
			}
			e.mu.Lock()
			for _, sess := range idle {
				if _, live := e.state.Session(sess.ID); live {
					e.revokeSession(sess, "idle_expired")
				}
			}
			e.mu.Unlock()
		}
	}
}
