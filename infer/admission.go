package infer

import "sync"

// AdmissionGate caps the number of requests that may be in flight at once.
// Acquisition is non-blocking: overload must be observable to the client
// immediately as a distinct failure, not as unbounded queuing.
type AdmissionGate struct {
	slots chan struct{}
}

// NewAdmissionGate creates a gate with the given capacity.
func NewAdmissionGate(capacity int) *AdmissionGate {
	return &AdmissionGate{slots: make(chan struct{}, capacity)}
}

// TryAcquire takes one slot, or reports ErrOverloaded when none is free.
// The permit is held for the owning entry's whole lifetime.
func (g *AdmissionGate) TryAcquire() (*Permit, error) {
	select {
	case g.slots <- struct{}{}:
		inFlight.Inc()
		return &Permit{gate: g}, nil
	default:
		return nil, ErrOverloaded
	}
}

// InFlight reports how many permits are currently held.
func (g *AdmissionGate) InFlight() int {
	return len(g.slots)
}

// Permit is one unit of admission capacity.
type Permit struct {
	gate *AdmissionGate
	once sync.Once
}

// Release frees the slot. Safe to call more than once; only the first call
// has an effect.
func (p *Permit) Release() {
	p.once.Do(func() {
		<-p.gate.slots
		inFlight.Dec()
	})
}
