// Package ports hands out local ports for launched instances. A port is
// acceptable when a loopback bind-probe succeeds; the probe listener is
// released immediately, so there is an accepted race between probe and use
// that the supervisor's post-launch liveness check resolves.
package ports

import (
	"errors"
	"fmt"
	"net"
)

var ErrNoPortAvailable = errors.New("no available port in configured range")

// Allocator scans a fixed window of candidate ports starting at Start.
type Allocator struct {
	Start int
	Size  int
}

// Acquire returns the first free port in the window. Ports present in inUse
// belong to live instances and are skipped without probing. An exhausted
// window returns ErrNoPortAvailable; the caller decides whether to retry.
func (a Allocator) Acquire(inUse map[int]bool) (int, error) {
	for port := a.Start; port < a.Start+a.Size; port++ {
		if inUse[port] {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, ErrNoPortAvailable
}
