// Package portreg keeps the set of UDP ports claimed by live endpoints of
// this process, so that no two endpoints created here bind the same port.
//
// The registry is in-process bookkeeping only. It does not probe the OS;
// a port that is free here may still be taken by another process, in which
// case the endpoint's bind fails.
//
// Auto-allocation probes upward from a base port (50000 by default) and
// returns the first port not currently claimed:
//
//	reg := portreg.New(portreg.DefaultBase)
//	p, err := reg.Allocate()     // 50000
//	q, err := reg.Reserve(50000) // ErrPortInUse
//	reg.Release(p)
package portreg

import (
	"context"
	"sync"

	"github.com/huandu/skiplist"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	"udplistener/pkg/udperr"
)

const name = "udplistener/pkg/portreg"

const (
	DefaultBase = 50000
	MaxPort     = 65535
)

var logger = otelslog.NewLogger(name)

// Default is the process-wide registry used by endpoints that are not given one.
var Default = New(DefaultBase)

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	base    uint16
	claimed *skiplist.SkipList
}

// New returns an empty registry that auto-allocates from base. A zero base
// selects DefaultBase.
func New(base uint16) *Registry {
	if base == 0 {
		base = DefaultBase
	}
	return &Registry{
		base:    base,
		claimed: skiplist.New(skiplist.Int32Asc),
	}
}

func (r *Registry) Base() uint16 {
	return r.base
}

// Allocate claims the lowest free port at or above the base.
func (r *Registry) Allocate() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidate := int32(r.base)
	// claimed is sorted, so walking it from the base skips every taken port in order
	for elem := r.claimed.Find(candidate); elem != nil && elem.Key().(int32) == candidate; elem = elem.Next() {
		candidate++
	}
	if candidate > MaxPort {
		return 0, udperr.PortExhausted("allocate", r.base)
	}

	r.claimed.Set(candidate, struct{}{})
	logger.DebugContext(context.Background(), "port allocated", "port", candidate)
	return uint16(candidate), nil
}

// Reserve claims an explicit port. The port must satisfy 0 < port <= 65535.
func (r *Registry) Reserve(port int) (uint16, error) {
	if err := checkPort("reserve", port); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.claimed.Get(int32(port)) != nil {
		return 0, udperr.PortInUse("reserve", uint16(port))
	}
	r.claimed.Set(int32(port), struct{}{})
	logger.DebugContext(context.Background(), "port reserved", "port", port)
	return uint16(port), nil
}

// Release drops a claim and reports whether the port was held. Releasing a
// port that is not claimed is a no-op, so teardown paths may call it freely.
func (r *Registry) Release(port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := r.claimed.Remove(int32(port)) != nil
	if released {
		logger.DebugContext(context.Background(), "port released", "port", port)
	}
	return released
}

// Reassign moves a claim from old to newPort. The new port is claimed before
// the old one is dropped, and both happen under the same lock, so a failed
// reassign leaves the old claim untouched.
func (r *Registry) Reassign(old uint16, newPort int) (uint16, error) {
	if err := checkPort("reassign", newPort); err != nil {
		return 0, err
	}
	if uint16(newPort) == old {
		return old, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.claimed.Get(int32(newPort)) != nil {
		return 0, udperr.PortInUse("reassign", uint16(newPort))
	}
	r.claimed.Set(int32(newPort), struct{}{})
	r.claimed.Remove(int32(old))
	logger.DebugContext(context.Background(), "port reassigned", "from", old, "to", newPort)
	return uint16(newPort), nil
}

func (r *Registry) InUse(port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.claimed.Get(int32(port)) != nil
}

// Ports returns the claimed ports in ascending order.
func (r *Registry) Ports() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ports := make([]uint16, 0, r.claimed.Len())
	for elem := r.claimed.Front(); elem != nil; elem = elem.Next() {
		ports = append(ports, uint16(elem.Key().(int32)))
	}
	return ports
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.claimed.Len()
}

func checkPort(op string, port int) error {
	if port <= 0 || port > MaxPort {
		return udperr.Validation(op, "port out of range '%d', port must be 0 < port <= %d", port, MaxPort)
	}
	return nil
}
