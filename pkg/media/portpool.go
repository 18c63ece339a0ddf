package media

import "net"

// PortLease is an OS-bound TCP listener socket held until handed to a
// stream child. Binding ahead of time avoids bind races on
// narrow port ranges.
type PortLease struct {
	Port     int
	Listener *net.TCPListener
}

// Close releases the underlying socket without ever having dispatched it —
// used when the dispatcher shuts down with leases still queued.
func (l PortLease) Close() error {
	if l.Listener == nil {
		return nil
	}
	return l.Listener.Close()
}

// portRange configures the two modes the pool supports: a bounded (Lo, Hi)
// range tried in order with wraparound, or Lo == Hi == 0 for "ask the OS
// for any free port".
type portRange struct {
	Lo, Hi int
}

func (r portRange) random() bool { return r.Lo == 0 && r.Hi == 0 }

// portPool is the ordered queue of already-bound listeners the dispatcher
// hands out to stream children. It is only ever touched from the
// dispatcher's coordinator goroutine, so it carries no locking of its own.
type portPool struct {
	rng    portRange
	max    int
	cursor int
	leases []PortLease
}

func newPortPool(rng portRange, max int) *portPool {
	return &portPool{rng: rng, max: max}
}

// fill tops the queue back up to max, skipping binds that fail with a bind
// error. In range mode each bind attempt walks at most one full pass of the
// configured range from the cursor, and fill stops at the first attempt
// that binds nothing; a later fill (e.g. on the next next() or dispatch)
// resumes from the cursor, wrapping back to the low end after Hi.
func (p *portPool) fill() {
	for len(p.leases) < p.max {
		lease, ok := p.tryBind()
		if !ok {
			return
		}
		p.leases = append(p.leases, lease)
	}
}

func (p *portPool) tryBind() (PortLease, bool) {
	if p.rng.random() {
		lis, err := net.ListenTCP("tcp", &net.TCPAddr{})
		if err != nil {
			return PortLease{}, false
		}
		return PortLease{Port: lis.Addr().(*net.TCPAddr).Port, Listener: lis}, true
	}

	span := p.rng.Hi - p.rng.Lo + 1
	if span <= 0 {
		return PortLease{}, false
	}
	for i := 0; i < span; i++ {
		port := p.rng.Lo + p.cursor
		p.cursor = (p.cursor + 1) % span
		lis, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
		if err == nil {
			return PortLease{Port: port, Listener: lis}, true
		}
		// bind error: skip and try the next port in the range, wrapping
		// back to Lo once Hi is passed.
	}
	return PortLease{}, false
}

// next leases the head of the queue, replenishing lazily if it is empty.
// It reports ok=false (brokererr.ErrNoPorts at the Dispatcher layer) if a
// refill attempt still yields nothing: the pool surfaces that as a
// failure for the current request rather than retrying internally, since
// the dispatcher already runs each request in its own goroutine and a
// hung retry loop there would just delay the caller's error identically.
func (p *portPool) next() (PortLease, bool) {
	if len(p.leases) == 0 {
		p.fill()
	}
	if len(p.leases) == 0 {
		return PortLease{}, false
	}
	lease := p.leases[0]
	p.leases = p.leases[1:]
	return lease, true
}

func (p *portPool) len() int { return len(p.leases) }
