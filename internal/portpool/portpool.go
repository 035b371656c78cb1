// Package portpool hands out free TCP ports to newly provisioned apps.
package portpool

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoPortsAvailable is returned when every port in the configured range
// is in use.
var ErrNoPortsAvailable = errors.New("portpool: no ports available")

// Allocator hands out a port in [Min, Max] that is currently free on Host.
// It does not remember handed-out ports: the bind-and-close probe plus the
// caller's immediate bind is the only reservation. Allocate serializes all
// probing under one mutex so two concurrent callers never pick the same
// port.
type Allocator struct {
	Host string
	Min  int
	Max  int

	mu sync.Mutex
}

// New builds an Allocator over [min, max] on host.
func New(host string, min, max int) *Allocator {
	return &Allocator{Host: host, Min: min, Max: max}
}

// Allocate returns the first port in [Min, Max] for which a bind-and-close
// probe succeeds.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.Min; port <= a.Max; port++ {
		if a.probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("portpool: scanned %d-%d: %w", a.Min, a.Max, ErrNoPortsAvailable)
}

// IsFree reports whether port is currently bindable on Host. It does not
// hold it open; a racing allocation can still claim it immediately after.
func (a *Allocator) IsFree(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probe(port)
}

func (a *Allocator) probe(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
