package hardware

import (
	"context"
	"sync"
	"time"
)

// SimPort is an in-memory Port implementation. It backs the target binary
// when no GPIO layer is wired in and gives tests a way to observe and inject
// hardware state, including faults.
type SimPort struct {
	mu       sync.Mutex
	state    Snapshot
	watchers []chan Snapshot
	fault    error
}

// NewSimPort returns a simulated port in the boot state: both locks closed,
// RFID powered down.
func NewSimPort() *SimPort {
	return &SimPort{
		state: Snapshot{
			InnerLock: Locked,
			OuterLock: Locked,
			TakenAt:   time.Now(),
		},
	}
}

// Snapshot returns the current simulated state.
func (p *SimPort) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Apply executes the command against the simulated state. A fault injected
// with FailNext is returned once, without touching state.
func (p *SimPort) Apply(ctx context.Context, kind CommandKind) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	p.mu.Lock()
	if p.fault != nil {
		err := p.fault
		p.fault = nil
		p.mu.Unlock()
		return Snapshot{}, &Fault{Kind: kind, Err: err}
	}

	next := p.state
	switch kind {
	case KindLockInner:
		next.InnerLock = Locked
	case KindUnlockInner:
		next.InnerLock = Unlocked
	case KindLockOuter:
		next.OuterLock = Locked
	case KindUnlockOuter:
		next.OuterLock = Unlocked
	case KindRFIDPowerOn:
		next.RFIDPower = true
	case KindRFIDPowerOff:
		next.RFIDPower = false
		next.RFIDReading = false
	case KindRFIDReadStart:
		next.RFIDReading = true
	case KindRFIDReadStop:
		next.RFIDReading = false
	default:
		p.mu.Unlock()
		return Snapshot{}, ErrUnknownCommand
	}
	p.commit(next)
	snap := p.state
	p.mu.Unlock()
	return snap, nil
}

// Watch emits a snapshot on every state change until ctx is cancelled.
func (p *SimPort) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 16)

	p.mu.Lock()
	p.watchers = append(p.watchers, ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		for i, w := range p.watchers {
			if w == ch {
				p.watchers = append(p.watchers[:i], p.watchers[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Watchers reports how many Watch streams are currently subscribed.
func (p *SimPort) Watchers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watchers)
}

// FailNext makes the next Apply call fail with err wrapped in a Fault.
func (p *SimPort) FailNext(err error) {
	p.mu.Lock()
	p.fault = err
	p.mu.Unlock()
}

// SetMotion simulates a motion sensor edge on one side.
func (p *SimPort) SetMotion(inner, active bool) {
	p.mu.Lock()
	next := p.state
	if inner {
		next.InnerMotion = active
	} else {
		next.OuterMotion = active
	}
	p.commit(next)
	p.mu.Unlock()
}

// PresentTag simulates an RFID tag read. Ignored while the reader is not
// actively reading, matching the real reader's behaviour.
func (p *SimPort) PresentTag(tag string) {
	p.mu.Lock()
	if p.state.RFIDReading {
		next := p.state
		next.LastRFID = RFIDRead{Tag: tag, At: time.Now()}
		p.commit(next)
	}
	p.mu.Unlock()
}

// commit stores next and notifies watchers. Caller holds p.mu.
func (p *SimPort) commit(next Snapshot) {
	next.TakenAt = time.Now()
	p.state = next
	for _, w := range p.watchers {
		select {
		case w <- next:
		default: // slow watcher, drop rather than block hardware
		}
	}
}
