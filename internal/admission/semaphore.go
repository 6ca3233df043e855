// Package admission implements the per-worker-port admission-control
// semaphore (spec C2 / §4.3): a counting semaphore with a strict FIFO
// waiter queue per port and dynamic Add/Forget resizing, split across two
// cooperating goroutines the way the original's two tokio tasks are split:
// one batches pending capacity deltas and forwards them on a 5ms tick, the
// other owns the per-port FIFO, applies those deltas, and hands out permits.
// A released permit goes straight to the second goroutine, which passes it
// to the head of the port's FIFO at once; only capacity changes wait for
// the tick, so one takes effect up to 5ms after it is requested.
package admission

import "time"

// Permit is released exactly once, by Release, regardless of which code
// path (success or error) reaches it — making permit accounting
// independent of handler control flow (§4.3 rationale).
type Permit struct {
	port     int
	released chan<- int
	done     bool
}

// Release returns the permit to its port's pool. Safe to call more than
// once; only the first call has effect.
func (p *Permit) Release() {
	if p.done {
		return
	}
	p.done = true
	p.released <- p.port
}

type getRequest struct {
	port  int
	reply chan *Permit
}

type changeRequest struct {
	delta int // positive = AddPermits, negative = ForgetPermits
}

// PortState is a read-only snapshot of one port's admission state.
type PortState struct {
	Capacity  int
	Available int
	Queued    int
}

// Service is the admission-control actor. One Service instance is shared
// across the whole process; state per worker port is created lazily on
// first GetPermit.
type Service struct {
	getCh      chan getRequest
	releasedCh chan int
	changeCh   chan changeRequest
	applyCh    chan changeRequest
	snapshotCh chan chan map[int]PortState
}

// New starts the admission goroutines and returns the handle used by
// request handlers and the maintenance endpoints.
func New(maxConcurrentTileRequests int) *Service {
	s := &Service{
		getCh:      make(chan getRequest),
		releasedCh: make(chan int, 256),
		changeCh:   make(chan changeRequest, 16),
		applyCh:    make(chan changeRequest, 16),
		snapshotCh: make(chan chan map[int]PortState),
	}
	go s.capacityLoop()
	go s.waiterLoop(maxConcurrentTileRequests)
	return s
}

// capacityLoop buffers AddPermits/ForgetPermits requests and flushes one
// combined delta to the waiter loop every 5ms, mirroring the original's
// jh_wait_permits tick.
func (s *Service) capacityLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	pending := 0
	for {
		select {
		case req := <-s.changeCh:
			pending += req.delta
		case <-ticker.C:
			if pending != 0 {
				s.applyCh <- changeRequest{delta: pending}
				pending = 0
			}
		}
	}
}

// waiterLoop owns the authoritative per-port state: capacity, available
// count, and the FIFO of waiters. It is the only goroutine that mutates
// this state, so no locking is needed.
func (s *Service) waiterLoop(defaultCapacity int) {
	type portData struct {
		capacity  int
		available int
		waiters   []chan *Permit
	}
	ports := make(map[int]*portData)

	ensure := func(port int) *portData {
		pd, ok := ports[port]
		if !ok {
			pd = &portData{capacity: defaultCapacity, available: defaultCapacity}
			ports[port] = pd
		}
		return pd
	}

	deliver := func(port int, pd *portData) {
		for len(pd.waiters) > 0 && pd.available > 0 {
			w := pd.waiters[0]
			pd.waiters = pd.waiters[1:]
			pd.available--
			w <- &Permit{port: port, released: s.releasedCh}
		}
	}

	for {
		select {
		case req := <-s.getCh:
			pd := ensure(req.port)
			if pd.available > 0 {
				pd.available--
				req.reply <- &Permit{port: req.port, released: s.releasedCh}
			} else {
				pd.waiters = append(pd.waiters, req.reply)
			}

		case port := <-s.releasedCh:
			pd := ensure(port)
			pd.available++
			if len(pd.waiters) > 0 {
				w := pd.waiters[0]
				pd.waiters = pd.waiters[1:]
				pd.available--
				w <- &Permit{port: port, released: s.releasedCh}
			}

		case delta := <-s.applyCh:
			for port, pd := range ports {
				if delta.delta > 0 {
					pd.capacity += delta.delta
					pd.available += delta.delta
					deliver(port, pd)
				} else if delta.delta < 0 {
					n := -delta.delta
					inUse := pd.capacity - pd.available
					forgettable := pd.capacity - inUse
					if n > forgettable {
						n = forgettable
					}
					pd.capacity -= n
					pd.available -= n
				}
			}
			defaultCapacity += delta.delta
			if defaultCapacity < 0 {
				defaultCapacity = 0
			}

		case reply := <-s.snapshotCh:
			snap := make(map[int]PortState, len(ports))
			for port, pd := range ports {
				snap[port] = PortState{
					Capacity:  pd.capacity,
					Available: pd.available,
					Queued:    len(pd.waiters),
				}
			}
			reply <- snap
		}
	}
}

// GetPermit blocks until a permit for port is available, enqueueing FIFO
// behind any existing waiters for that port.
func (s *Service) GetPermit(port int) *Permit {
	reply := make(chan *Permit, 1)
	s.getCh <- getRequest{port: port, reply: reply}
	return <-reply
}

// AddPermits increases total capacity across every known port (and the
// default applied to future ports) by n.
func (s *Service) AddPermits(n int) {
	s.changeCh <- changeRequest{delta: n}
}

// ForgetPermits decreases total capacity by at most n (never below what is
// currently checked out).
func (s *Service) ForgetPermits(n int) {
	s.changeCh <- changeRequest{delta: -n}
}

// Snapshot returns a read-only view of every port's admission state.
func (s *Service) Snapshot() map[int]PortState {
	reply := make(chan map[int]PortState, 1)
	s.snapshotCh <- reply
	return <-reply
}
