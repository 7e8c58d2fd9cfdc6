package transport

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// Role is the kind of owner holding a transport.
type Role int

const (
	RoleNone Role = iota
	RoleConsole
	RoleFlash
)

func (r Role) String() string {
	switch r {
	case RoleConsole:
		return "console"
	case RoleFlash:
		return "flash"
	default:
		return "none"
	}
}

// Ownership tracks the single outstanding lease of a transport. Transport
// implementations embed it and expose Grant through Acquire.
type Ownership struct {
	mu     sync.Mutex
	holder *Lease
}

// Grant hands tr to role. It fails while another lease is outstanding.
func (o *Ownership) Grant(tr Transport, role Role) (*Lease, error) {
	if role == RoleNone {
		return nil, fmt.Errorf("transport: cannot grant role %s", role)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.holder != nil {
		return nil, fmt.Errorf("%w: held by %s", ErrTransportBusy, o.holder.role)
	}
	l := &Lease{owner: o, tr: tr, role: role}
	o.holder = l
	return l, nil
}

// Holder reports the role currently holding the transport.
func (o *Ownership) Holder() Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.holder == nil {
		return RoleNone
	}
	return o.holder.role
}

func (o *Ownership) release(l *Lease) {
	o.mu.Lock()
	if o.holder == l {
		o.holder = nil
	}
	o.mu.Unlock()
}

// Lease is the ownership token of one role over a transport.
type Lease struct {
	owner    *Ownership
	tr       Transport
	role     Role
	released atomic.Bool
}

func (l *Lease) Transport() Transport { return l.tr }

func (l *Lease) Role() Role { return l.role }

// Valid reports whether the lease has not been released yet.
func (l *Lease) Valid() bool { return l != nil && !l.released.Load() }

// Release gives the transport back. Only the first call has effect.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.owner.release(l)
}
