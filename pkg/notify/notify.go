// Package notify is the fabric that wakes agents: one bounded inbox per
// agent, filled by the engine as events commit and drained by long-poll or
// stream handlers. The fabric holds no I/O and no references back into the
// engine, so publishing never blocks an event commit.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/parley-dev/parley/pkg/projection"
)

// Notification kinds.
const (
	KindDelivery   = "delivery"   // a new elicitation is addressed to you
	KindResolution = "resolution" // an elicitation you are party to reached a terminal state
)

// Notification is one inbox item. Payload-free: the receiver fetches the
// elicitation body through the read API, so a stale notification can never
// leak a newer response.
type Notification struct {
	Kind          string            `json:"kind"`
	ElicitationID string            `json:"elicitation_id"`
	Status        projection.Status `json:"status"`
	FromAgent     string            `json:"from_agent"`
	ToAgent       string            `json:"to_agent"`
	Seq           uint64            `json:"seq"`
}

func (n Notification) terminal() bool { return n.Status.Terminal() }

// Inbox is a bounded notification queue with a wake channel. The wake
// primitive is close-and-replace: enqueue closes the current channel and
// installs a fresh one, so any number of waiters wake with no per-waiter
// bookkeeping and no allocation on the empty path.
type Inbox struct {
	mu        sync.Mutex
	items     []Notification
	capacity  int
	truncated bool
	wake      chan struct{}
	onEvict   func()
}

func newInbox(capacity int, onEvict func()) *Inbox {
	return &Inbox{capacity: capacity, wake: make(chan struct{}), onEvict: onEvict}
}

// enqueue adds a notification, applying the replacement and overflow rules.
func (in *Inbox) enqueue(n Notification) {
	in.mu.Lock()

	replaced := false
	evicted := false
	if n.terminal() {
		// A terminal resolution supersedes a queued delivery for the same
		// elicitation, keeping its queue position.
		for i := range in.items {
			if in.items[i].ElicitationID == n.ElicitationID {
				in.items[i] = n
				replaced = true
				break
			}
		}
	}
	if !replaced {
		if len(in.items) >= in.capacity {
			in.evictLocked()
			evicted = true
		}
		in.items = append(in.items, n)
	}

	wake := in.wake
	in.wake = make(chan struct{})
	onEvict := in.onEvict
	in.mu.Unlock()

	close(wake)
	if evicted && onEvict != nil {
		onEvict()
	}
}

// evictLocked drops the oldest non-terminal item, or the oldest item if all
// are terminal, and marks the inbox truncated.
func (in *Inbox) evictLocked() {
	in.truncated = true
	victim := 0
	for i := range in.items {
		if !in.items[i].terminal() {
			victim = i
			break
		}
	}
	in.items = append(in.items[:victim], in.items[victim+1:]...)
}

// Drain removes and returns all queued notifications together with the
// truncation flag, which resets on read.
func (in *Inbox) Drain() ([]Notification, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	items := in.items
	in.items = nil
	trunc := in.truncated
	in.truncated = false
	return items, trunc
}

// Peek returns the queued notifications without consuming them.
func (in *Inbox) Peek() []Notification {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Notification(nil), in.items...)
}

func (in *Inbox) wakeChan() <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.wake
}

// wakeAll releases current waiters without enqueuing anything.
func (in *Inbox) wakeAll() {
	in.mu.Lock()
	wake := in.wake
	in.wake = make(chan struct{})
	in.mu.Unlock()
	close(wake)
}

// Wait drains the inbox, blocking until something arrives, maxWait elapses,
// or ctx is cancelled. Timeout and cancellation return an empty batch without
// consuming anything.
func (in *Inbox) Wait(ctx context.Context, maxWait time.Duration) ([]Notification, bool) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		wake := in.wakeChan()
		items, trunc := in.Drain()
		if len(items) > 0 || trunc {
			return items, trunc
		}
		select {
		case <-wake:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Fabric owns the per-agent inboxes.
type Fabric struct {
	mu       sync.Mutex
	inboxes  map[string]*Inbox
	capacity int
	onEvict  func()
}

// NewFabric builds a fabric whose inboxes hold at most capacity items each.
func NewFabric(capacity int) *Fabric {
	if capacity < 1 {
		capacity = 64
	}
	return &Fabric{inboxes: make(map[string]*Inbox), capacity: capacity}
}

// SetEvictionHook installs a callback invoked once per overflow eviction.
// Must be called before any inbox exists.
func (f *Fabric) SetEvictionHook(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEvict = fn
}

// Inbox returns the agent's inbox, creating it on first use.
func (f *Fabric) Inbox(agentID string) *Inbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.inboxes[agentID]
	if !ok {
		in = newInbox(f.capacity, f.onEvict)
		f.inboxes[agentID] = in
	}
	return in
}

// Publish enqueues a notification for the agent.
func (f *Fabric) Publish(agentID string, n Notification) {
	f.Inbox(agentID).enqueue(n)
}

// Remove discards an agent's inbox, typically when its last session ends.
// Pending items are dropped; a reconnecting agent re-reads state instead.
func (f *Fabric) Remove(agentID string) {
	f.mu.Lock()
	in, ok := f.inboxes[agentID]
	delete(f.inboxes, agentID)
	f.mu.Unlock()
	if ok {
		in.wakeAll()
	}
}

// Size reports the number of live inboxes, for metrics.
func (f *Fabric) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inboxes)
}
