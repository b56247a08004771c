package messaging

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultMaxRedeliveries is the number of requeues allowed before a
	// failing delivery is dead-lettered.
	DefaultMaxRedeliveries = 5

	trackerTTL      = 10 * time.Minute
	trackerCapacity = 10000
)

type attemptRecord struct {
	id       string
	count    int
	lastSeen time.Time
}

// RedeliveryTracker counts failed attempts per message_id. Counts are
// process-local; the broker's x-delivery-count is used when it is higher,
// which covers redeliveries that landed on another instance.
//
// At most trackerCapacity messages are tracked; the least recently failed
// is forgotten first, and records idle for trackerTTL expire.
//
// A nil tracker never reports the bound as exceeded.
type RedeliveryTracker struct {
	max      int
	capacity int

	mu       sync.Mutex
	attempts map[string]*list.Element
	order    *list.List // front is least recently seen
	now      func() time.Time
}

// NewRedeliveryTracker allows maxRedeliveries requeues. A negative bound
// means unbounded.
func NewRedeliveryTracker(maxRedeliveries int) *RedeliveryTracker {
	return &RedeliveryTracker{
		max:      maxRedeliveries,
		capacity: trackerCapacity,
		attempts: make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// MaxRedeliveries returns the configured bound
func (t *RedeliveryTracker) MaxRedeliveries() int {
	if t == nil {
		return -1
	}
	return t.max
}

// Record registers a failed attempt and reports the attempt number and
// whether the bound is now exceeded. deliveryCount is the broker's count of
// earlier deliveries, 0 when unknown.
func (t *RedeliveryTracker) Record(messageID string, deliveryCount int) (int, bool) {
	if t == nil {
		return deliveryCount + 1, false
	}

	attempts := deliveryCount + 1
	if messageID != "" {
		t.mu.Lock()
		now := t.now()
		t.expire(now)
		el, ok := t.attempts[messageID]
		if ok {
			t.order.MoveToBack(el)
		} else {
			for t.order.Len() >= t.capacity {
				t.remove(t.order.Front())
			}
			el = t.order.PushBack(&attemptRecord{id: messageID})
			t.attempts[messageID] = el
		}
		rec := el.Value.(*attemptRecord)
		rec.count++
		rec.lastSeen = now
		if rec.count > attempts {
			attempts = rec.count
		}
		t.mu.Unlock()
	}

	return attempts, t.max >= 0 && attempts > t.max
}

// Forget drops the count for messageID once it is settled.
func (t *RedeliveryTracker) Forget(messageID string) {
	if t == nil || messageID == "" {
		return
	}
	t.mu.Lock()
	if el, ok := t.attempts[messageID]; ok {
		t.remove(el)
	}
	t.mu.Unlock()
}

// Len returns the number of tracked messages
func (t *RedeliveryTracker) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts)
}

// expire drops records idle since before now-trackerTTL. Only expired
// records are visited. Caller holds t.mu.
func (t *RedeliveryTracker) expire(now time.Time) {
	cutoff := now.Add(-trackerTTL)
	for el := t.order.Front(); el != nil; el = t.order.Front() {
		if !el.Value.(*attemptRecord).lastSeen.Before(cutoff) {
			return
		}
		t.remove(el)
	}
}

func (t *RedeliveryTracker) remove(el *list.Element) {
	rec := t.order.Remove(el).(*attemptRecord)
	delete(t.attempts, rec.id)
}
