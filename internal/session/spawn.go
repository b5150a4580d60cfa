package session

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MinKPark/daptest/internal/ports"
)

// process wraps the spawned debuggee and observes its exit status exactly
// once, regardless of how many waiters ask for it.
type process struct {
	cmd *exec.Cmd

	once sync.Once
	done chan struct{}
	code int
}

func (p *process) watch() {
	p.once.Do(func() {
		go func() {
			defer close(p.done)
			err := p.cmd.Wait()
			if err == nil {
				p.code = 0
				return
			}
			if ee, ok := err.(*exec.ExitError); ok {
				p.code = ee.ExitCode()
				return
			}
			p.code = -1
		}()
	})
}

// waitExit blocks until the process exits and returns its status code.
func (p *process) waitExit(timeout time.Duration) (int, error) {
	select {
	case <-p.done:
		return p.code, nil
	case <-time.After(timeout):
		return 0, fmt.Errorf("process %d did not exit within %s", p.cmd.Process.Pid, timeout)
	}
}

func (p *process) kill() {
	select {
	case <-p.done:
		return
	default:
	}
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// spawn launches the debuggee under the adapter and returns the protocol
// port to dial. No-op (port 0 error) when Options carries no adapter argv,
// which is the stream-bound path.
func (s *Session) spawn(opts *Options) (int, error) {
	if len(opts.Adapter) == 0 {
		return 0, fmt.Errorf("session %s: Initialize without adapter command; use InitializeConn for stream-bound sessions", s.ID)
	}

	port := opts.Port
	if port == 0 {
		var err error
		port, err = ports.Next()
		if err != nil {
			return 0, err
		}
		opts.Port = port
	}

	argv := make([]string, 0, len(opts.Adapter)+1+len(opts.ProgramArgs))
	for _, arg := range opts.Adapter {
		argv = append(argv, strings.ReplaceAll(arg, "{port}", fmt.Sprintf("%d", port)))
	}
	argv = append(argv, opts.Target)
	argv = append(argv, opts.ProgramArgs...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	cmd.Stdout = newLogWriter(s.log, "stdout")
	cmd.Stderr = newLogWriter(s.log, "stderr")

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning debuggee %v: %w", argv, err)
	}
	s.log.Debugw("debuggee spawned", "pid", cmd.Process.Pid, "argv", argv, "port", port)

	s.proc = &process{cmd: cmd, done: make(chan struct{})}
	s.proc.watch()
	return port, nil
}

// dialAdapter retries until the adapter's protocol socket accepts, bounded
// by timeout. Adapters need a moment to bind after the process starts.
func dialAdapter(port int, timeout time.Duration) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("adapter not listening on %s after %s: %w", addr, timeout, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// logWriter forwards process output lines to the harness logger at debug
// level so verbose runs show the debuggee's own chatter.
type logWriter struct {
	log    *zap.SugaredLogger
	stream string
	pr     *io.PipeReader
	pw     *io.PipeWriter
}

func newLogWriter(log *zap.SugaredLogger, stream string) io.Writer {
	pr, pw := io.Pipe()
	w := &logWriter{log: log, stream: stream, pr: pr, pw: pw}
	go func() {
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			log.Debugw("debuggee output", "stream", stream, "line", scanner.Text())
		}
	}()
	return w
}

func (w *logWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }
