package bus

import (
	"sync"
	"time"

	"github.com/flowscope/flowscope/sim"
)

// ThrottleConfig controls a ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is the minimum spacing between flushed data
	// events per run (default: 100ms).
	CoalesceInterval time.Duration
}

// ThrottledEmitter rate-decouples the merge loop from its observers.
// run.data events are coalesced per run, keeping only the newest within
// each interval; every other event kind passes straight through. The
// timer is armed lazily on the first pending event, so an idle emitter
// costs nothing.
type ThrottledEmitter struct {
	emit     sim.EventEmitter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]sim.Event
	timer   *time.Timer
	closed  bool
}

// NewThrottledEmitter wraps emit with per-run coalescing of data events.
func NewThrottledEmitter(emit sim.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]sim.Event),
	}
}

// Emit forwards the event, coalescing run.data events per run.
func (te *ThrottledEmitter) Emit(e sim.Event) {
	if e.Kind != sim.EventRunData {
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	if te.closed {
		return
	}
	te.pending[e.RunID] = e
	if te.timer == nil {
		te.timer = time.AfterFunc(te.interval, te.flush)
	}
}

// flush emits the coalesced events and rearms the timer if new data
// arrived while emitting.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	batch := te.pending
	te.pending = make(map[string]sim.Event)
	te.timer = nil
	te.mu.Unlock()

	for _, e := range batch {
		te.emit(e)
	}
}

// Close flushes whatever is pending and stops the timer. Events emitted
// after Close are dropped. Safe to call more than once.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	if te.timer != nil {
		te.timer.Stop()
		te.timer = nil
	}
	batch := te.pending
	te.pending = nil
	te.mu.Unlock()

	for _, e := range batch {
		te.emit(e)
	}
}
