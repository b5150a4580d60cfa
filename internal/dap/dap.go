// Package dap implements the Debug Adapter Protocol wire framing: JSON
// message bodies prefixed by a Content-Length header, carried over any
// byte stream. The harness only needs the envelope; payload semantics are
// asserted by scenario code, so bodies stay generic map/slice/scalar trees.
package dap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// MessageType discriminates the three protocol message envelopes.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
)

// Message is the decoded form of one protocol message. Exactly the fields
// relevant to the envelope are typed; Arguments and Body stay generic.
type Message struct {
	Seq  int         `json:"seq"`
	Type MessageType `json:"type"`

	// Request fields
	Command   string `json:"command,omitempty"`
	Arguments any    `json:"arguments,omitempty"`

	// Response fields
	RequestSeq int    `json:"request_seq,omitempty"`
	Success    bool   `json:"success,omitempty"`
	ErrMessage string `json:"message,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`

	Body any `json:"body,omitempty"`
}

// Name returns the logical name of the message: the command for requests
// and responses, the event type for events.
func (m *Message) Name() string {
	if m.Type == TypeEvent {
		return m.Event
	}
	return m.Command
}

// Conn frames messages over a bidirectional stream. Reads are expected from
// a single goroutine; writes are serialized internally so request senders on
// the test thread never interleave frames.
type Conn struct {
	r *bufio.Reader

	wmu sync.Mutex
	w   io.Writer

	seqMu   sync.Mutex
	nextSeq int
}

// NewConn wraps a stream. The first sequence number vended is 1.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		r:       bufio.NewReader(rw),
		w:       rw,
		nextSeq: 1,
	}
}

// ReadMessage blocks until one complete frame arrives and decodes it.
// io.EOF (or any transport error) is returned unwrapped so callers can
// treat it as channel closure.
func (c *Conn) ReadMessage() (*Message, error) {
	length := -1
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("dap: malformed header line %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			length, err = strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("dap: bad Content-Length: %w", err)
			}
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("dap: frame without Content-Length header")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("dap: decoding frame: %w", err)
	}
	return &msg, nil
}

// SendRequest frames and writes a request, assigning the next sequence
// number. The assigned seq is returned for response correlation.
func (c *Conn) SendRequest(command string, arguments any) (int, error) {
	c.seqMu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.seqMu.Unlock()

	err := c.writeMessage(&Message{
		Seq:       seq,
		Type:      TypeRequest,
		Command:   command,
		Arguments: arguments,
	})
	return seq, err
}

// SendResponse frames and writes a response correlated to requestSeq.
// Used by in-process test doubles standing in for a real adapter.
func (c *Conn) SendResponse(requestSeq int, command string, success bool, body any) error {
	c.seqMu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.seqMu.Unlock()

	return c.writeMessage(&Message{
		Seq:        seq,
		Type:       TypeResponse,
		Command:    command,
		RequestSeq: requestSeq,
		Success:    success,
		Body:       body,
	})
}

// SendEvent frames and writes an event.
func (c *Conn) SendEvent(event string, body any) error {
	c.seqMu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.seqMu.Unlock()

	return c.writeMessage(&Message{
		Seq:   seq,
		Type:  TypeEvent,
		Event: event,
		Body:  body,
	})
}

func (c *Conn) writeMessage(msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dap: encoding %s: %w", msg.Type, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	_, err = c.w.Write(payload)
	return err
}
