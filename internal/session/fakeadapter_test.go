package session

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MinKPark/daptest/internal/dap"
)

// scriptedAdapter is an in-process stand-in for a debug adapter. It answers
// the handshake the way real adapters do (start request acknowledged only
// after configurationDone) and lets tests script everything else per
// command or inject events directly.
type scriptedAdapter struct {
	t     *testing.T
	conn  *dap.Conn
	raw   io.Closer
	ready chan struct{}

	mu       sync.Mutex
	startSeq int
	startCmd string
	handlers map[string]func(msg *dap.Message) bool
}

// newScriptedAdapter wires an adapter to one end of an in-memory pipe and
// returns the other end for the session under test.
func newScriptedAdapter(t *testing.T) (*scriptedAdapter, net.Conn) {
	client, server := net.Pipe()
	a := &scriptedAdapter{
		t:        t,
		conn:     dap.NewConn(server),
		raw:      server,
		ready:    make(chan struct{}),
		handlers: map[string]func(*dap.Message) bool{},
	}
	close(a.ready)
	go a.serve()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return a, client
}

// newScriptedAdapterTCP listens on a loopback port and serves the first
// connection, the way a subprocess adapter waits for its parent's harness
// to dial in. Handlers registered before the dial still apply.
func newScriptedAdapterTCP(t *testing.T) (*scriptedAdapter, int) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	a := &scriptedAdapter{
		t:        t,
		ready:    make(chan struct{}),
		handlers: map[string]func(*dap.Message) bool{},
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		a.conn = dap.NewConn(conn)
		a.raw = conn
		close(a.ready)
		a.serve()
	}()
	t.Cleanup(func() { l.Close() })
	return a, l.Addr().(*net.TCPAddr).Port
}

// handle scripts the reply for one command. Returning false falls through
// to the default dispatch.
func (a *scriptedAdapter) handle(command string, fn func(msg *dap.Message) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[command] = fn
}

func (a *scriptedAdapter) serve() {
	for {
		msg, err := a.conn.ReadMessage()
		if err != nil {
			return
		}
		if msg.Type != dap.TypeRequest {
			continue
		}
		a.mu.Lock()
		h := a.handlers[msg.Command]
		a.mu.Unlock()
		if h != nil && h(msg) {
			continue
		}
		a.dispatch(msg)
	}
}

func (a *scriptedAdapter) dispatch(msg *dap.Message) {
	switch msg.Command {
	case "initialize":
		a.respond(msg, true, map[string]any{"supportsConfigurationDoneRequest": true})
		a.event("initialized", nil)

	case "launch", "attach":
		// Acknowledged from configurationDone, as real adapters do.
		a.mu.Lock()
		a.startSeq, a.startCmd = msg.Seq, msg.Command
		a.mu.Unlock()

	case "configurationDone":
		a.respond(msg, true, nil)
		a.mu.Lock()
		seq, cmd := a.startSeq, a.startCmd
		a.startSeq = 0
		a.mu.Unlock()
		if seq != 0 {
			a.conn.SendResponse(seq, cmd, true, nil)
		}

	case "setBreakpoints":
		args, _ := msg.Arguments.(map[string]any)
		requested, _ := args["breakpoints"].([]any)
		verified := make([]any, len(requested))
		for i, bp := range requested {
			m, _ := bp.(map[string]any)
			verified[i] = map[string]any{"line": m["line"], "verified": true}
		}
		a.respond(msg, true, map[string]any{"breakpoints": verified})

	case "disconnect":
		a.respond(msg, true, nil)
		a.raw.Close()

	default:
		a.respond(msg, true, nil)
	}
}

func (a *scriptedAdapter) respond(msg *dap.Message, success bool, body any) {
	if err := a.conn.SendResponse(msg.Seq, msg.Command, success, body); err != nil {
		a.t.Logf("scripted adapter: response to %q: %v", msg.Command, err)
	}
}

// event injects a protocol event from the test thread; the connection's
// write lock keeps it safe against the serve loop.
func (a *scriptedAdapter) event(name string, body map[string]any) {
	<-a.ready
	if err := a.conn.SendEvent(name, body); err != nil {
		a.t.Logf("scripted adapter: event %q: %v", name, err)
	}
}

// stop emits a stopped event for thread 1 with optional extra body fields.
func (a *scriptedAdapter) stop(reason string, extra map[string]any) {
	body := map[string]any{"reason": reason, "threadId": 1}
	for k, v := range extra {
		body[k] = v
	}
	a.event("stopped", body)
}

func (a *scriptedAdapter) terminate() {
	a.event("terminated", nil)
}

// stackTraceHandler scripts a single-frame stack trace response.
func (a *scriptedAdapter) stackTraceHandler(frame map[string]any) {
	a.handle("stackTrace", func(msg *dap.Message) bool {
		a.respond(msg, true, map[string]any{
			"stackFrames": []any{frame},
			"totalFrames": 1,
		})
		return true
	})
}
