package web

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLFromString(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8000/", URLFromString("Starting development server at http://127.0.0.1:8000/"))
	assert.Equal(t, "https://example.com/x", URLFromString(`see "https://example.com/x" for details`))
	assert.Equal(t, "", URLFromString("no links here"))
}

func TestGetResolvesInBackground(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Django-Django-Test")
	}))
	defer srv.Close()

	req := Get(srv.URL + "/home")
	body, err := req.WaitForResponse()
	require.NoError(t, err)
	assert.Contains(t, body, "Django-Django-Test")
}

func TestGetDoesNotBlockTheCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, "late")
	}))
	defer srv.Close()

	// The fetch is issued while the server is stalled; the caller keeps
	// going and releases the server itself before awaiting the result,
	// exactly the breakpoint-then-resume coupling.
	req := Get(srv.URL)
	close(release)

	body, err := req.WaitForResponseTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", body)
}

func TestWaitForResponseTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	// Release the stalled handler before srv.Close, which blocks until all
	// in-flight requests complete; deferred in LIFO order so this runs first.
	defer close(release)

	req := Get(srv.URL)
	_, err := req.WaitForResponseTimeout(50 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not complete")
}

func TestGetSurfacesConnectionErrors(t *testing.T) {
	req := Get("http://127.0.0.1:1/nothing-listens-here")
	_, err := req.WaitForResponse()
	require.Error(t, err)
}

func TestWaitForConnection(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	require.NoError(t, WaitForConnection(port, 2*time.Second))
}

func TestWaitForConnectionTimesOut(t *testing.T) {
	// Bind and immediately close so nothing is listening on the port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	err = WaitForConnection(port, 300*time.Millisecond)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no server"))
}
