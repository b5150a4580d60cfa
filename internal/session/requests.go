package session

import (
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/MinKPark/daptest/internal/pattern"
	"github.com/MinKPark/daptest/internal/timeline"
)

// RequestHandle represents one in-flight request. It resolves to exactly
// the response whose back-reference equals the request's sequence number,
// or fails once the channel closes with the request still outstanding.
type RequestHandle struct {
	Seq     int
	Command string

	s     *Session
	tlSeq int // timeline seq of the request occurrence, anchors frozen waits
}

// SendRequest enqueues a request occurrence and returns its handle. It
// fails immediately in an absorbing lifecycle state.
func (s *Session) SendRequest(command string, arguments map[string]any) (*RequestHandle, error) {
	if s.absorbing() {
		return nil, fmt.Errorf("session %s: %q sent after %s", s.ID, command, s.State())
	}
	seq, err := s.conn.SendRequest(command, arguments)
	if err != nil {
		return nil, fmt.Errorf("sending %q: %w", command, err)
	}
	occ := s.tl.Record(timeline.KindRequest, command, arguments, 0, true)
	s.log.Debugw("request sent", "command", command, "seq", seq)
	h := &RequestHandle{Seq: seq, Command: command, s: s}
	if occ != nil {
		h.tlSeq = occ.Seq
	}
	return h, nil
}

// WaitForResponse blocks for the correlated response. Unrelated traffic
// arriving during the wait is permitted and left in the timeline.
func (h *RequestHandle) WaitForResponse() (*timeline.Occurrence, error) {
	return h.WaitForResponseTimeout(false, h.s.timeout)
}

// WaitForResponseFrozen is the strict variant: it additionally fails if
// unexpected protocol traffic is recorded while the wait is in flight,
// which is how scenarios verify the debuggee stayed suspended.
func (h *RequestHandle) WaitForResponseFrozen() (*timeline.Occurrence, error) {
	return h.WaitForResponseTimeout(true, h.s.timeout)
}

// WaitForResponseTimeout is the fully spelled out wait. The frozen window
// starts at the request itself, so stray traffic provoked by the request
// counts even when it outruns the wait call.
func (h *RequestHandle) WaitForResponseTimeout(frozen bool, timeout time.Duration) (*timeline.Occurrence, error) {
	occ, err := h.s.tl.WaitForResponseSince(h.Seq, h.tlSeq, frozen, timeout)
	if err != nil {
		return nil, fmt.Errorf("response to %q (seq %d): %w", h.Command, h.Seq, err)
	}
	return occ, nil
}

// requireSuccess resolves the handle and fails on an unsuccessful response.
func (h *RequestHandle) requireSuccess() (*timeline.Occurrence, error) {
	occ, err := h.WaitForResponse()
	if err != nil {
		return nil, err
	}
	if !occ.Success {
		return nil, fmt.Errorf("%q failed: %v", h.Command, occ.Body)
	}
	return occ, nil
}

// Breakpoint is the per-line verification status reported by the adapter.
type Breakpoint struct {
	Line     int
	Verified bool
	Message  string
}

// SetBreakpoints replaces the breakpoint set for file with the given lines
// and returns the adapter's per-line verification. Idempotent per file;
// valid both before and after StartDebugging.
func (s *Session) SetBreakpoints(file string, lines []int) ([]Breakpoint, error) {
	bps := lo.Map(lines, func(line int, _ int) map[string]any {
		return map[string]any{"line": line}
	})
	handle, err := s.SendRequest("setBreakpoints", map[string]any{
		"source":      map[string]any{"path": file},
		"breakpoints": bps,
	})
	if err != nil {
		return nil, err
	}
	occ, err := handle.requireSuccess()
	if err != nil {
		return nil, err
	}

	raw, _ := occ.Body["breakpoints"].([]any)
	if len(raw) != len(lines) {
		return nil, fmt.Errorf("setBreakpoints: %d lines sent, %d statuses returned", len(lines), len(raw))
	}
	result := make([]Breakpoint, len(raw))
	for i, entry := range raw {
		m := asBody(entry)
		bp := Breakpoint{Line: lines[i]}
		if v, ok := m["verified"].(bool); ok {
			bp.Verified = v
		}
		if line, ok := asInt(m["line"]); ok {
			bp.Line = line
		}
		if msg, ok := m["message"].(string); ok {
			bp.Message = msg
		}
		result[i] = bp
	}
	return result, nil
}

// WaitForNext blocks until a matching occurrence is available, scanning
// traffic that already arrived before parking.
func (s *Session) WaitForNext(pred timeline.Predicate) (*timeline.Occurrence, error) {
	occ, err := s.tl.WaitForNext(pred, s.timeout)
	if err != nil {
		return nil, err
	}
	return occ, nil
}

// StoppedHit bundles everything a scenario needs after a stop: the stop
// event, the suspended thread and its fetched stack trace.
type StoppedHit struct {
	Event      *timeline.Occurrence
	ThreadID   int
	StackTrace *timeline.Occurrence
	Frames     []map[string]any
}

// WaitForThreadStopped waits for a stop-type event, optionally filtered by
// reason ("breakpoint", "exception", "step"), then fetches the stack trace
// of the suspended thread. One underlying fault can legitimately stop more
// than once as it propagates; scenarios wait and resume per stop.
func (s *Session) WaitForThreadStopped(reason string) (*StoppedHit, error) {
	var bodyPattern any
	if reason != "" {
		bodyPattern = pattern.DictWith(map[string]any{"reason": reason})
	}
	occ, err := s.tl.WaitForNext(timeline.EventNamed("stopped", bodyPattern), s.timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for stop: %w", err)
	}
	tid, ok := asInt(occ.Body["threadId"])
	if !ok {
		return nil, fmt.Errorf("stopped event without threadId: %v", occ.Body)
	}

	handle, err := s.SendRequest("stackTrace", map[string]any{"threadId": tid})
	if err != nil {
		return nil, err
	}
	trace, err := handle.requireSuccess()
	if err != nil {
		return nil, err
	}
	rawFrames, _ := trace.Body["stackFrames"].([]any)
	frames := lo.FilterMap(rawFrames, func(f any, _ int) (map[string]any, bool) {
		m := asBody(f)
		return m, m != nil
	})
	return &StoppedHit{Event: occ, ThreadID: tid, StackTrace: trace, Frames: frames}, nil
}

// Continue resumes the suspended thread without freezing the response
// wait, since resuming naturally produces concurrent traffic.
func (s *Session) Continue(threadID int) error {
	handle, err := s.SendRequest("continue", map[string]any{"threadId": threadID})
	if err != nil {
		return err
	}
	if _, err := handle.WaitForResponse(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == Stopped {
		s.state = Running
	}
	s.mu.Unlock()
	return nil
}

// Proceed resumes the most recently stopped thread. Multiprocess scenarios
// use it in output-polling loops where no specific thread is in hand.
func (s *Session) Proceed() error {
	s.mu.Lock()
	tid := s.lastStopped
	s.mu.Unlock()
	return s.Continue(tid)
}

// Scopes fetches the variable scopes of a stack frame.
func (s *Session) Scopes(frameID int) ([]map[string]any, error) {
	handle, err := s.SendRequest("scopes", map[string]any{"frameId": frameID})
	if err != nil {
		return nil, err
	}
	occ, err := handle.requireSuccess()
	if err != nil {
		return nil, err
	}
	raw, _ := occ.Body["scopes"].([]any)
	return lo.FilterMap(raw, func(v any, _ int) (map[string]any, bool) {
		m := asBody(v)
		return m, m != nil
	}), nil
}

// Variables fetches the variables behind a variablesReference.
func (s *Session) Variables(variablesReference int) ([]map[string]any, error) {
	handle, err := s.SendRequest("variables", map[string]any{"variablesReference": variablesReference})
	if err != nil {
		return nil, err
	}
	occ, err := handle.requireSuccess()
	if err != nil {
		return nil, err
	}
	raw, _ := occ.Body["variables"].([]any)
	return lo.FilterMap(raw, func(v any, _ int) (map[string]any, bool) {
		m := asBody(v)
		return m, m != nil
	}), nil
}

// FindVariables filters a fetched variable list by name.
func FindVariables(variables []map[string]any, name string) []map[string]any {
	return lo.Filter(variables, func(v map[string]any, _ int) bool {
		n, _ := v["name"].(string)
		return n == name
	})
}
