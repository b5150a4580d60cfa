// Package web coordinates with the HTTP side of a debuggee that hosts a
// server. Fetches run on their own goroutine and are awaited separately, so
// a request the debuggee will only answer after resuming from a breakpoint
// never blocks the test thread that has to inspect and resume that
// breakpoint.
package web

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"
)

var urlRe = regexp.MustCompile(`https?://[^\s"']+`)

// URLFromString extracts the first http(s) URL from s, or "" if none.
// Useful for spotting "server started at <url>" lines in process output.
func URLFromString(s string) string {
	return urlRe.FindString(s)
}

// WaitForConnection polls until a TCP connection to the port succeeds,
// signalling that the debuggee's server is accepting requests. Ordering
// between the protocol channel and this side channel is otherwise
// unspecified, so scenarios call this before issuing requests.
func WaitForConnection(port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("web: no server on %s after %s: %w", addr, timeout, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// WebRequest is the future for one in-flight GET.
type WebRequest struct {
	url  string
	done chan struct{}
	body string
	err  error
}

// Get fires an HTTP GET in the background and returns its future
// immediately. The result is retrieved with WaitForResponse.
func Get(url string) *WebRequest {
	r := &WebRequest{url: url, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		resp, err := http.Get(url)
		if err != nil {
			r.err = fmt.Errorf("web: GET %s: %w", url, err)
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			r.err = fmt.Errorf("web: reading %s: %w", url, err)
			return
		}
		r.body = string(body)
	}()
	return r
}

// WaitForResponse blocks until the fetch completes and returns the body.
func (r *WebRequest) WaitForResponse() (string, error) {
	<-r.done
	return r.body, r.err
}

// WaitForResponseTimeout is WaitForResponse with a deadline.
func (r *WebRequest) WaitForResponseTimeout(timeout time.Duration) (string, error) {
	select {
	case <-r.done:
		return r.body, r.err
	case <-time.After(timeout):
		return "", fmt.Errorf("web: GET %s did not complete within %s", r.url, timeout)
	}
}
