// Package schedule implements the §4.6 Evaluation Scheduler: a per-share
// serial queue with event-coalescing settle delays, modeled on the
// teacher's dgroup-goroutine-per-worker style (see
// pkg/client/rootd/dns/server_linux.go's use of dgroup.WithGoroutineName
// and dtime.SleepWithContext for cancellable sleeps).
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dtime"
)

// Event is the class of stimulus that triggers a share evaluation.
type Event string

const (
	HealthCheck   Event = "health-check"
	NetworkChange Event = "network-change"
	VPNChange     Event = "vpn-change"
	SystemWake    Event = "system-wake"
	UserInitiated Event = "user-initiated"
	Startup       Event = "startup"
)

// settleDelays gives each event class its coalescing window.
var settleDelays = map[Event]time.Duration{
	HealthCheck:   100 * time.Millisecond,
	NetworkChange: 2 * time.Second,
	VPNChange:     1 * time.Second,
	SystemWake:    3 * time.Second,
	UserInitiated: 0,
	Startup:       500 * time.Millisecond,
}

// SettleDelay reports the coalescing window for an event class.
func SettleDelay(e Event) time.Duration { return settleDelays[e] }

// EvalFunc runs one evaluation of a share. It must observe ctx
// cancellation at its suspension points, per §5's cooperative-cancellation
// requirement.
type EvalFunc func(ctx context.Context, shareID string, event Event)

type pending struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler coalesces events per share and runs at most one evaluation
// per share at a time, consistent with §5's "per share, evaluations and
// mount episodes are strictly serial" ordering guarantee.
type Scheduler struct {
	eval EvalFunc

	mu      sync.Mutex
	pending map[string]*pending // share -> in-flight timer/eval, cancelled on superseding event
	known   map[string]struct{}
}

// New builds a Scheduler that invokes eval for each coalesced event.
func New(eval EvalFunc) *Scheduler {
	return &Scheduler{
		eval:    eval,
		pending: make(map[string]*pending),
		known:   make(map[string]struct{}),
	}
}

// Schedule coalesces event for shareID: any previous task for this share,
// still settling or already running, is cancelled; the new task waits for
// it to return, then sleeps its own settle delay. The parent ctx governs
// the whole scheduler's lifetime; evaluations run under a child of it.
func (s *Scheduler) Schedule(ctx context.Context, shareID string, event Event) {
	evalCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	prev := s.pending[shareID]
	s.cancelLocked(shareID)
	s.pending[shareID] = &pending{cancel: cancel, done: done}
	s.known[shareID] = struct{}{}
	s.mu.Unlock()

	goCtx := dgroup.WithGoroutineName(evalCtx, "/share-eval/"+shareID)
	go func() {
		defer close(done)
		if prev != nil {
			<-prev.done // the superseded evaluation returns before this one starts
		}
		delay := settleDelays[event]
		if delay > 0 {
			if err := dtime.SleepWithContext(goCtx, delay); err != nil {
				return // cancelled during the settle window: superseded or shutting down
			}
		}
		select {
		case <-goCtx.Done():
			return
		default:
		}
		s.eval(goCtx, shareID, event)

		s.mu.Lock()
		if s.pending[shareID] != nil && s.pending[shareID].done == done {
			delete(s.pending, shareID)
		}
		s.mu.Unlock()
	}()
}

// ScheduleAll fans event out to every share this Scheduler has seen.
func (s *Scheduler) ScheduleAll(ctx context.Context, event Event) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.known))
	for id := range s.known {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Schedule(ctx, id, event)
	}
}

// Cancel drops any pending (unsettled or running) work for shareID.
func (s *Scheduler) Cancel(shareID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(shareID)
}

func (s *Scheduler) cancelLocked(shareID string) {
	if p, ok := s.pending[shareID]; ok {
		p.cancel()
		delete(s.pending, shareID)
	}
}

// Forget removes shareID from ScheduleAll's fan-out set and cancels any
// pending work, for share deletion.
func (s *Scheduler) Forget(shareID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(shareID)
	delete(s.known, shareID)
}

// WaitIdle blocks until shareID has no pending or in-flight evaluation,
// or ctx is done. Tests use it for determinism; the Coordinator's health
// probe ticker also uses it to collect every share's probe outcome once
// its scheduled HealthCheck evaluation has settled, without needing any
// synchronization of its own beyond the Scheduler's per-share queue.
func (s *Scheduler) WaitIdle(ctx context.Context, shareID string) {
	s.mu.Lock()
	p := s.pending[shareID]
	s.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case <-p.done:
	case <-ctx.Done():
	}
}

func init() {
	// Guard against a future settle-delay table edit dropping an event
	// class silently: every Event constant must resolve, even to 0.
	for _, e := range []Event{HealthCheck, NetworkChange, VPNChange, SystemWake, UserInitiated, Startup} {
		if _, ok := settleDelays[e]; !ok {
			panic("schedule: missing settle delay for event " + string(e))
		}
	}
}
