// Package ports hands out ephemeral TCP ports for test fixtures. The
// allocator is process-wide and remembers every port it has vended, so two
// scenarios in the same test process never collide even if the OS recycles
// a port between them.
package ports

import (
	"fmt"
	"net"
	"sync"
)

var (
	mu     sync.Mutex
	vended = map[int]bool{}
)

// Next reserves a free TCP port on the loopback interface and returns it.
// The listener used to probe the port is closed before returning; callers
// are expected to bind it promptly.
func Next() (int, error) {
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < 64; attempt++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("ports: probing for a free port: %w", err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()
		if vended[port] {
			continue
		}
		vended[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("ports: exhausted attempts to find an unused port")
}
