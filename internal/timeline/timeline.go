// Package timeline records every protocol occurrence a session observes and
// lets scenario code block until a matching one appears. The core guarantee
// is scan-then-block: a wait first scans occurrences already recorded but not
// yet delivered to any earlier wait, and only then parks for new arrivals, so
// an occurrence that lands between "decide what to wait for" and "call wait"
// is never lost.
package timeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MinKPark/daptest/internal/pattern"
)

// Kind tags a recorded occurrence.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Sentinel failures for blocking waits. Both abort the scenario; neither is
// retried.
var (
	// ErrTimeout means no matching occurrence arrived within the bound.
	ErrTimeout = errors.New("timed out waiting for occurrence")
	// ErrChannelClosed means the protocol channel closed while a wait (or
	// an issued request) was still outstanding.
	ErrChannelClosed = errors.New("protocol channel closed")
)

// Occurrence is one immutable recorded protocol happening. It is created by
// the session's reader goroutine at the moment of observation and lives for
// the lifetime of the timeline.
type Occurrence struct {
	Seq  int            // arrival order, monotonically increasing from 1
	Kind Kind           //
	Name string         // command for requests/responses, event type for events
	Body map[string]any // decoded payload tree, nil when absent

	// RequestSeq back-references the originating request for responses.
	RequestSeq int
	// Success mirrors the response success flag; true for other kinds.
	Success bool
}

func (o *Occurrence) String() string {
	if o.Kind == KindResponse {
		return fmt.Sprintf("#%d %s %q (request #%d)", o.Seq, o.Kind, o.Name, o.RequestSeq)
	}
	return fmt.Sprintf("#%d %s %q", o.Seq, o.Kind, o.Name)
}

// UnobservedError reports tracked occurrences that no wait ever consumed,
// caught at teardown so scenarios cannot silently ignore protocol traffic.
type UnobservedError struct {
	Occurrences []*Occurrence
}

func (e *UnobservedError) Error() string {
	names := make([]string, len(e.Occurrences))
	for i, o := range e.Occurrences {
		names[i] = o.String()
	}
	return "unobserved protocol traffic: " + strings.Join(names, ", ")
}

// Predicate selects occurrences for a wait.
type Predicate func(*Occurrence) bool

// EventNamed matches events by type, with an optional body pattern.
func EventNamed(name string, body any) Predicate {
	return func(o *Occurrence) bool {
		if o.Kind != KindEvent || o.Name != name {
			return false
		}
		if body == nil {
			return true
		}
		return pattern.Matches(body, o.Body)
	}
}

// ResponseTo matches the response back-referencing requestSeq.
func ResponseTo(requestSeq int) Predicate {
	return func(o *Occurrence) bool {
		return o.Kind == KindResponse && o.RequestSeq == requestSeq
	}
}

// Timeline is the append-only occurrence log. A single producer (the session
// reader) records; any number of consumer goroutines wait. The append/scan
// region is the only critical section and is never held across a block.
type Timeline struct {
	clock clock.Clock

	mu         sync.Mutex
	recorded   []*Occurrence
	observed   map[int]bool // seq -> delivered to a wait
	waiters    []chan struct{}
	closed     bool
	ignorable  []Predicate
	nextSeq    int
}

// New creates an empty timeline on the real clock.
func New() *Timeline {
	return NewWithClock(clock.New())
}

// NewWithClock creates an empty timeline; tests inject a mock clock.
func NewWithClock(c clock.Clock) *Timeline {
	return &Timeline{
		clock:    c,
		observed: map[int]bool{},
		nextSeq:  1,
	}
}

// Ignore registers predicates for traffic that frozen waits and the
// teardown unobserved check may disregard (e.g. routine output events).
func (t *Timeline) Ignore(preds ...Predicate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ignorable = append(t.ignorable, preds...)
}

// Record appends one occurrence and wakes every parked waiter. It never
// blocks and is safe to call from the reader while consumers wait.
func (t *Timeline) Record(kind Kind, name string, body map[string]any, requestSeq int, success bool) *Occurrence {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	o := &Occurrence{
		Seq:        t.nextSeq,
		Kind:       kind,
		Name:       name,
		Body:       body,
		RequestSeq: requestSeq,
		Success:    success,
	}
	t.nextSeq++
	t.recorded = append(t.recorded, o)
	t.wakeLocked()
	return o
}

// Close marks the channel as gone and unblocks every waiter with
// ErrChannelClosed (after each gets one final scan of what already arrived).
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.wakeLocked()
}

func (t *Timeline) wakeLocked() {
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}

// WaitForNext blocks until an occurrence matching pred that has not been
// delivered to any earlier wait is available, scanning the recorded suffix
// before parking. Fails with ErrTimeout at the deadline and ErrChannelClosed
// once the channel closes with no match recorded.
func (t *Timeline) WaitForNext(pred Predicate, timeout time.Duration) (*Occurrence, error) {
	return t.wait(pred, timeout, false, 0)
}

// WaitForResponse blocks for the response back-referencing requestSeq. In
// frozen mode the wait additionally asserts that no tracked, non-ignorable
// traffic is recorded while it is in flight, failing with UnobservedError;
// unfrozen, concurrent unrelated traffic stays in the timeline for later
// queries.
func (t *Timeline) WaitForResponse(requestSeq int, frozen bool, timeout time.Duration) (*Occurrence, error) {
	return t.wait(ResponseTo(requestSeq), timeout, frozen, 0)
}

// WaitForResponseSince is WaitForResponse with an explicit start for the
// frozen window: traffic recorded after occurrence sinceSeq counts, even if
// it raced ahead of the wait call itself. Sessions anchor the window at the
// request's own record seq.
func (t *Timeline) WaitForResponseSince(requestSeq, sinceSeq int, frozen bool, timeout time.Duration) (*Occurrence, error) {
	return t.wait(ResponseTo(requestSeq), timeout, frozen, sinceSeq+1)
}

func (t *Timeline) wait(pred Predicate, timeout time.Duration, frozen bool, fromSeq int) (*Occurrence, error) {
	timer := t.clock.Timer(timeout)
	defer timer.Stop()

	t.mu.Lock()
	frozenFrom := fromSeq
	if frozenFrom <= 0 {
		frozenFrom = t.nextSeq
	}
	for {
		for _, o := range t.recorded {
			if t.observed[o.Seq] || !pred(o) {
				continue
			}
			if frozen {
				if err := t.frozenViolationLocked(frozenFrom, o); err != nil {
					t.mu.Unlock()
					return nil, err
				}
			}
			t.observed[o.Seq] = true
			t.mu.Unlock()
			return o, nil
		}
		if frozen {
			if err := t.frozenViolationLocked(frozenFrom, nil); err != nil {
				t.mu.Unlock()
				return nil, err
			}
		}
		if t.closed {
			t.mu.Unlock()
			return nil, ErrChannelClosed
		}
		ch := make(chan struct{})
		t.waiters = append(t.waiters, ch)
		t.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return nil, ErrTimeout
		}
		t.mu.Lock()
	}
}

// frozenViolationLocked reports tracked traffic recorded at or after seq
// that is neither the awaited occurrence nor declared ignorable.
func (t *Timeline) frozenViolationLocked(fromSeq int, awaited *Occurrence) error {
	var stray []*Occurrence
	for _, o := range t.recorded {
		if o.Seq < fromSeq || o == awaited || o.Kind != KindEvent {
			continue
		}
		if !t.ignorableLocked(o) {
			stray = append(stray, o)
		}
	}
	if len(stray) > 0 {
		return &UnobservedError{Occurrences: stray}
	}
	return nil
}

func (t *Timeline) ignorableLocked(o *Occurrence) bool {
	for _, pred := range t.ignorable {
		if pred(o) {
			return true
		}
	}
	return false
}

// CheckUnobserved fails with UnobservedError if any recorded occurrence of a
// tracked kind was never delivered to a wait and is not ignorable. Run at
// teardown to catch traffic the scenario forgot to assert on.
func (t *Timeline) CheckUnobserved(kinds ...Kind) error {
	tracked := map[Kind]bool{}
	for _, k := range kinds {
		tracked[k] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var leftover []*Occurrence
	for _, o := range t.recorded {
		if !tracked[o.Kind] || t.observed[o.Seq] || t.ignorableLocked(o) {
			continue
		}
		leftover = append(leftover, o)
	}
	if len(leftover) > 0 {
		return &UnobservedError{Occurrences: leftover}
	}
	return nil
}

// Len returns how many occurrences have been recorded.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.recorded)
}

// All returns a snapshot of every recorded occurrence in arrival order.
func (t *Timeline) All() []*Occurrence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Occurrence, len(t.recorded))
	copy(out, t.recorded)
	return out
}
