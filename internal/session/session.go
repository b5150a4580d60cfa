// Package session orchestrates one protocol connection to one debuggee
// process: it spawns or attaches, runs the handshake, correlates requests
// with responses through the timeline, and vends child sessions for
// multiprocess targets. Scenario code stays linear; the single background
// reader goroutine is the only producer feeding the timeline.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MinKPark/daptest/internal/dap"
	"github.com/MinKPark/daptest/internal/pattern"
	"github.com/MinKPark/daptest/internal/timeline"
)

// State is the session lifecycle phase. Terminated and Exited are
// absorbing: no further requests may be issued from them.
type State string

const (
	Created     State = "created"
	Initialized State = "initialized"
	Running     State = "running"
	Stopped     State = "stopped"
	Terminated  State = "terminated"
	Exited      State = "exited"
)

// StartMethod selects how the debuggee comes under control.
type StartMethod string

const (
	// Launch spawns the target with the adapter in-process and sends a
	// launch request.
	Launch StartMethod = "launch"
	// AttachSocket spawns the target with the adapter listening on a
	// socket and sends an attach request.
	AttachSocket StartMethod = "attach_socket_cmdline"
)

// DefaultTimeout bounds every blocking wait unless Options overrides it.
const DefaultTimeout = 10 * time.Second

// subprocessEvent is how the adapter announces a subordinate process for
// multiprocess targets; its body carries the child's listening port.
const subprocessEvent = "subprocess"

// Options configures Initialize. Target and StartMethod are required when
// the session owns the process; sessions bound to an existing stream (child
// sessions, in-process doubles) leave Adapter empty.
type Options struct {
	Target      string
	StartMethod StartMethod
	ProgramArgs []string
	Cwd         string

	// Adapter is the argv prefix used to spawn the debuggee under the
	// adapter; "{port}" expands to the allocated protocol port. Target and
	// ProgramArgs are appended.
	Adapter []string
	// Port pins the protocol port; 0 allocates one.
	Port int

	// DebugOptions are named feature flags forwarded verbatim in the
	// launch/attach request ("Django" enables template-frame resolution
	// in Django-aware adapters).
	DebugOptions []string

	// Multiprocess asks the adapter to announce subordinate processes so
	// ConnectToNextChildSession can pick them up.
	Multiprocess bool

	// ExpectedExitCode is matched against the observed exit status by
	// WaitForExit. nil means exactly 0; pattern.Any accepts anything,
	// which is the right choice for server targets killed externally.
	ExpectedExitCode any

	// IgnoreUnobserved declares traffic the teardown check and frozen
	// waits may disregard, beyond the built-in routine events.
	IgnoreUnobserved []timeline.Predicate

	// Timeout bounds each blocking wait; DefaultTimeout when zero.
	Timeout time.Duration
}

// Session owns one protocol channel, its timeline, the spawned process (in
// launch modes) and any child sessions it has vended.
type Session struct {
	ID string

	log      *zap.SugaredLogger
	tl       *timeline.Timeline
	conn     *dap.Conn
	opts     Options
	timeout  time.Duration
	proc     *process
	rawConn  io.Closer
	readerWg sync.WaitGroup

	mu          sync.Mutex
	state       State
	lastStopped int // threadId of the most recent stop event
	children    []*Session
	startSeq    int // seq of the launch/attach request, resolved by StartDebugging
}

// New creates a session in the Created state. A nil logger disables
// harness logging.
func New(log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()[:8]
	return &Session{
		ID:    id,
		log:   log.Sugar().With("session", id),
		tl:    timeline.New(),
		state: Created,
	}
}

// Timeline exposes the session's occurrence log for direct queries.
func (s *Session) Timeline() *timeline.Timeline { return s.tl }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize brings the debuggee under control: spawns it per StartMethod,
// dials its protocol port, starts the reader and performs the
// initialize + launch/attach handshake.
func (s *Session) Initialize(opts Options) error {
	port, err := s.spawn(&opts)
	if err != nil {
		return err
	}
	conn, err := dialAdapter(port, timeoutOf(&opts))
	if err != nil {
		s.killProcess()
		return err
	}
	s.rawConn = conn
	return s.initializeStream(conn, opts)
}

// InitializeConn runs the handshake over an existing stream instead of
// spawning a process. Child sessions and in-process adapter doubles use
// this path; exit-status checks are skipped when no process is owned.
func (s *Session) InitializeConn(rw io.ReadWriter, opts Options) error {
	if s.State() != Created {
		return fmt.Errorf("session %s: Initialize called in state %s", s.ID, s.State())
	}
	if c, ok := rw.(io.Closer); ok {
		s.rawConn = c
	}
	return s.initializeStream(rw, opts)
}

func (s *Session) initializeStream(rw io.ReadWriter, opts Options) error {
	if s.State() != Created {
		return fmt.Errorf("session %s: Initialize called in state %s", s.ID, s.State())
	}
	s.opts = opts
	s.timeout = timeoutOf(&opts)
	s.conn = dap.NewConn(rw)
	s.tl.Ignore(defaultIgnores()...)
	s.tl.Ignore(opts.IgnoreUnobserved...)

	s.readerWg.Add(1)
	go s.readLoop()

	initHandle, err := s.SendRequest("initialize", map[string]any{
		"adapterID":                    "daptest",
		"pathFormat":                   "path",
		"linesStartAt1":                true,
		"columnsStartAt1":              true,
		"supportsRunInTerminalRequest": false,
	})
	if err != nil {
		return err
	}
	if _, err := initHandle.WaitForResponse(); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	s.setState(Initialized)

	startHandle, err := s.SendRequest(s.startCommand(), s.startArguments())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.startSeq = startHandle.Seq
	s.mu.Unlock()

	// The adapter acknowledges the start request only after
	// configurationDone; here we just wait for it to open the
	// configuration phase.
	if _, err := s.tl.WaitForNext(timeline.EventNamed("initialized", nil), s.timeout); err != nil {
		return fmt.Errorf("waiting for initialized event: %w", err)
	}
	s.log.Debugw("handshake complete", "start", s.startCommand())
	return nil
}

func (s *Session) startCommand() string {
	if s.opts.StartMethod == AttachSocket {
		return "attach"
	}
	return "launch"
}

func (s *Session) startArguments() map[string]any {
	args := map[string]any{
		"name":         "daptest",
		"debugOptions": s.opts.DebugOptions,
		"subProcess":   s.opts.Multiprocess,
	}
	if s.opts.Target != "" {
		args["program"] = s.opts.Target
	}
	if len(s.opts.ProgramArgs) > 0 {
		args["args"] = s.opts.ProgramArgs
	}
	if s.opts.Cwd != "" {
		args["cwd"] = s.opts.Cwd
	}
	return args
}

// StartDebugging closes the configuration phase. Breakpoints already set
// take effect; breakpoints set afterwards are still honored.
func (s *Session) StartDebugging() error {
	handle, err := s.SendRequest("configurationDone", nil)
	if err != nil {
		return err
	}
	if _, err := handle.WaitForResponse(); err != nil {
		return fmt.Errorf("configurationDone: %w", err)
	}

	s.mu.Lock()
	startSeq := s.startSeq
	s.mu.Unlock()
	if startSeq != 0 {
		if _, err := s.tl.WaitForResponse(startSeq, false, s.timeout); err != nil {
			return fmt.Errorf("%s acknowledgement: %w", s.startCommand(), err)
		}
	}
	s.setState(Running)
	return nil
}

// readLoop is the single producer for this session's timeline. It runs
// until the channel closes, then unblocks every outstanding wait.
func (s *Session) readLoop() {
	defer s.readerWg.Done()
	defer s.tl.Close()
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debugw("reader stopped", "err", err)
			}
			return
		}
		switch msg.Type {
		case dap.TypeResponse:
			s.tl.Record(timeline.KindResponse, msg.Command, asBody(msg.Body), msg.RequestSeq, msg.Success)
		case dap.TypeEvent:
			s.tl.Record(timeline.KindEvent, msg.Event, asBody(msg.Body), 0, true)
			s.observeEvent(msg)
		default:
			// Reverse requests (e.g. runInTerminal) are recorded so the
			// unobserved check can flag them if a scenario ignores one.
			s.tl.Record(timeline.KindRequest, msg.Command, asBody(msg.Arguments), 0, true)
		}
	}
}

// observeEvent mirrors lifecycle events into the state machine.
func (s *Session) observeEvent(msg *dap.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch msg.Event {
	case "stopped":
		s.state = Stopped
		if body := asBody(msg.Body); body != nil {
			if tid, ok := body["threadId"]; ok {
				if n, ok := asInt(tid); ok {
					s.lastStopped = n
				}
			}
		}
	case "continued":
		if s.state == Stopped {
			s.state = Running
		}
	case "terminated":
		s.state = Terminated
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// absorbing reports whether the lifecycle has reached a terminal phase.
func (s *Session) absorbing() bool {
	st := s.State()
	return st == Terminated || st == Exited
}

// Children returns the child sessions vended so far, in discovery order.
func (s *Session) Children() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, len(s.children))
	copy(out, s.children)
	return out
}

// ConnectToNextChildSession blocks until the adapter announces a new
// subordinate process, dials its protocol port and returns a fully
// handshaken child session. The child is independent of the parent's
// timeline but registered with the parent for teardown ordering.
func (s *Session) ConnectToNextChildSession() (*Session, error) {
	occ, err := s.tl.WaitForNext(timeline.EventNamed(subprocessEvent, nil), s.timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for child session announcement: %w", err)
	}
	port, ok := asInt(occ.Body["port"])
	if !ok {
		return nil, fmt.Errorf("child session announcement without port: %v", occ.Body)
	}

	conn, err := dialAdapter(port, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing child session: %w", err)
	}
	child := New(s.log.Desugar())
	child.ID = s.ID + "/" + child.ID
	childOpts := Options{
		StartMethod:      AttachSocket,
		DebugOptions:     s.opts.DebugOptions,
		IgnoreUnobserved: s.opts.IgnoreUnobserved,
		ExpectedExitCode: pattern.Any,
		Timeout:          s.timeout,
	}
	if err := child.InitializeConn(conn, childOpts); err != nil {
		conn.Close()
		return nil, err
	}
	s.mu.Lock()
	s.children = append(s.children, child)
	s.mu.Unlock()
	s.log.Debugw("child session connected", "child", child.ID, "port", port)
	return child, nil
}

// WaitForTermination blocks until the terminated event is observed. Used
// for child sessions, whose process lifetime must be awaited before the
// parent's overall teardown.
func (s *Session) WaitForTermination() error {
	if _, err := s.tl.WaitForNext(timeline.EventNamed("terminated", nil), s.timeout); err != nil {
		return fmt.Errorf("waiting for termination: %w", err)
	}
	s.setState(Terminated)
	return nil
}

// WaitForExit blocks until the debuggee terminates and, when the session
// owns the process, validates its exit status against ExpectedExitCode.
func (s *Session) WaitForExit() error {
	if _, err := s.tl.WaitForNext(timeline.EventNamed("terminated", nil), s.timeout); err != nil {
		// Channel teardown can race the terminated event; a closed
		// channel is an acceptable way to learn the debuggee is gone.
		if !errors.Is(err, timeline.ErrChannelClosed) {
			return fmt.Errorf("waiting for exit: %w", err)
		}
	}
	if s.proc != nil {
		code, err := s.proc.waitExit(s.timeout)
		if err != nil {
			return err
		}
		expected := s.opts.ExpectedExitCode
		if expected == nil {
			expected = 0
		}
		if err := pattern.Match(expected, code); err != nil {
			return fmt.Errorf("exit status: %w", err)
		}
	}
	s.setState(Exited)
	return nil
}

// Stop tears the session down on every exit path: children first, then the
// channel, then the process. It returns the unobserved-traffic check result
// so scenarios that forgot to assert on tracked events still fail.
func (s *Session) Stop() error {
	var firstErr error
	for _, child := range s.Children() {
		if err := child.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.conn != nil && !s.absorbing() {
		// Best effort; the adapter may already be gone.
		if h, err := s.SendRequest("disconnect", nil); err == nil {
			h.WaitForResponseTimeout(false, time.Second)
		}
	}
	if s.rawConn != nil {
		s.rawConn.Close()
	}
	s.killProcess()
	s.tl.Close()
	s.readerWg.Wait()

	if err := s.tl.CheckUnobserved(timeline.KindEvent); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Session) killProcess() {
	if s.proc != nil {
		s.proc.kill()
	}
}

func timeoutOf(opts *Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return DefaultTimeout
}

// defaultIgnores lists routine protocol chatter that frozen waits and the
// teardown check disregard unless a scenario asserts on it explicitly.
func defaultIgnores() []timeline.Predicate {
	names := []string{"output", "module", "process", "thread", "loadedSource", "continued", "initialized", "exited"}
	preds := make([]timeline.Predicate, len(names))
	for i, name := range names {
		preds[i] = timeline.EventNamed(name, nil)
	}
	return preds
}

func asBody(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), n == float64(int(n))
	}
	return 0, false
}
