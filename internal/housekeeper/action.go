// Package housekeeper implements the background event scheduler: a
// priority time-wheel over heterogeneous maintenance actions, interleaved
// with on-demand control events (settings reload, ad-hoc purge,
// rescheduling, shutdown).
package housekeeper

import (
	"container/heap"
	"sync"
	"time"
)

// ActionKind tags the variant of a scheduled Action.
type ActionKind int

const (
	ActionSession ActionKind = iota
	ActionAccount
	ActionStore
	ActionAcme
	ActionOtelMetrics
	ActionCalculateMetrics
	ActionInternalMetrics
	ActionAlertMetrics
	ActionValidateLicense
)

func (k ActionKind) String() string {
	switch k {
	case ActionSession:
		return "Session"
	case ActionAccount:
		return "Account"
	case ActionStore:
		return "Store"
	case ActionAcme:
		return "Acme"
	case ActionOtelMetrics:
		return "OtelMetrics"
	case ActionCalculateMetrics:
		return "CalculateMetrics"
	case ActionInternalMetrics:
		return "InternalMetrics"
	case ActionAlertMetrics:
		return "AlertMetrics"
	case ActionValidateLicense:
		return "ValidateLicense"
	default:
		return "Unknown"
	}
}

// ActionClass identifies the kind of scheduled work. Equality considers
// only the tag and its payload (StoreIndex / ProviderID), never the due
// time — this is what lets the queue enforce "at most one action per
// class" via has-action checks and remove-by-class.
//
// Store carries a store index; Acme carries a provider id. All other
// kinds carry no payload and StoreIndex/ProviderID are zero values.
type ActionClass struct {
	Kind       ActionKind
	StoreIndex int
	ProviderID string
}

// Store returns the ActionClass for the i-th configured store's purge schedule.
func Store(i int) ActionClass { return ActionClass{Kind: ActionStore, StoreIndex: i} }

// Acme returns the ActionClass for a named ACME provider's renewal.
func Acme(providerID string) ActionClass { return ActionClass{Kind: ActionAcme, ProviderID: providerID} }

func (c ActionClass) String() string {
	switch c.Kind {
	case ActionStore:
		return c.Kind.String() + "(" + itoa(c.StoreIndex) + ")"
	case ActionAcme:
		return c.Kind.String() + "(" + c.ProviderID + ")"
	default:
		return c.Kind.String()
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Action is a tuple of an absolute due time and the class of work due.
type Action struct {
	Due   time.Time
	Class ActionClass
}

// actionHeap is a container/heap.Interface implementation ordering
// Actions by Due ascending — earliest due time pops first.
type actionHeap []Action

func (h actionHeap) Len() int            { return len(h) }
func (h actionHeap) Less(i, j int) bool  { return h[i].Due.Before(h[j].Due) }
func (h actionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *actionHeap) Push(x any)         { *h = append(*h, x.(Action)) }
func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is a min-heap of Actions keyed by due time, with the invariant
// that at most one entry per ActionClass is ever enqueued — callers
// enforce this by checking HasAction before Schedule, except at initial
// bootstrap and explicit reschedule-after-run, which schedule
// unconditionally.
//
// The scheduler loop is the queue's logical single owner, but
// ValidateLicense's worker reschedules itself directly rather than
// through a control-channel back-edge, so every operation takes mu to
// stay safe under that one cross-goroutine caller.
type Queue struct {
	mu   sync.Mutex
	heap actionHeap
	now  func() time.Time
	// onSchedule, when set, is called for every successful Schedule —
	// the scheduling-trace hook used by tests and the scheduler's logger.
	onSchedule func(Action)
}

// NewQueue creates an empty Queue. now defaults to time.Now.
func NewQueue(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{now: now}
}

// Schedule inserts an action due at the given time. It is the caller's
// responsibility to call HasAction first when uniqueness is required;
// Schedule itself never deduplicates.
func (q *Queue) Schedule(due time.Time, class ActionClass) {
	q.mu.Lock()
	a := Action{Due: due, Class: class}
	heap.Push(&q.heap, a)
	onSchedule := q.onSchedule
	q.mu.Unlock()
	if onSchedule != nil {
		onSchedule(a)
	}
}

// RemoveAction deletes all entries whose class equals class. At most one
// is expected to exist, but all matches are removed for safety.
func (q *Queue) RemoveAction(class ActionClass) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := make(actionHeap, 0, len(q.heap))
	for _, a := range q.heap {
		if a.Class != class {
			kept = append(kept, a)
		}
	}
	q.heap = kept
	heap.Init(&q.heap)
}

// longSlumber is returned by WakeUpTime when the queue is empty — a very
// long default so the scheduler's select blocks until the next control
// event rather than busy-waiting.
const longSlumber = 24 * time.Hour

// WakeUpTime returns the saturating duration from now to the earliest
// due time, or a long default when the queue is empty.
func (q *Queue) WakeUpTime() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return longSlumber
	}
	d := q.heap[0].Due.Sub(q.now())
	if d < 0 {
		return 0
	}
	return d
}

// Pop returns the earliest action only if its due time has passed;
// otherwise it returns false without modifying the queue. Callers
// repeatedly Pop until it returns false to drain all expired actions.
func (q *Queue) Pop() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Action{}, false
	}
	if q.heap[0].Due.After(q.now()) {
		return Action{}, false
	}
	a := heap.Pop(&q.heap).(Action)
	return a, true
}

// HasAction reports whether any entry with the given class is currently queued.
func (q *Queue) HasAction(class ActionClass) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.heap {
		if a.Class == class {
			return true
		}
	}
	return false
}

// Len returns the number of actions currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
