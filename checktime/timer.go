// Package checktime implements a cancellable deadline timer with an atomically observable
// expiration flag.
package checktime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	// ErrTimerMisuse is returned on a second callback registration, arming an armed timer
	// or using a closed timer.
	ErrTimerMisuse = errors.New("checktime: timer misuse")
	// ErrSourceBusy is returned if the timer slot of the source is already lent.
	ErrSourceBusy = errors.New("checktime: timer slot is busy")
)

// Callback is invoked from the clock goroutine when the timer fires.
// It must not block and must only touch atomic state.
type Callback func()

// Opt for configuring Source.
type Opt func(*Source)

// WithLogger sets logger for Source.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Source) {
		s.logger = logger
	}
}

// WithClock sets clock used by timers of the Source.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Source) {
		s.clock = clock
	}
}

// Source owns a single platform timer slot that can be lent to one Timer at a time.
type Source struct {
	logger *zap.Logger
	clock  clockwork.Clock

	mu    sync.Mutex
	timer *Timer
}

// NewSource creates Source.
func NewSource(opts ...Opt) *Source {
	s := &Source{
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns clock of the source.
func (s *Source) Clock() clockwork.Clock {
	return s.clock
}

// Acquire lends the slot to a new Timer. The timer must be closed to return the slot.
func (s *Source) Acquire() (*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return nil, ErrSourceBusy
	}
	s.timer = &Timer{source: s, clock: s.clock}
	return s.timer, nil
}

func (s *Source) release(t *Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == t {
		s.timer = nil
	}
}

// Timer arms an absolute deadline and raises the expired flag when it passes.
// Start, Stop and Close must be called by the goroutine that owns the timer;
// Expired can be polled from anywhere.
type Timer struct {
	source *Source
	clock  clockwork.Clock

	// state packs the generation of the armed deadline with the expired bit
	// in the lowest position, so that a fire of a stale generation can't set it.
	state    atomic.Uint64
	callback atomic.Pointer[Callback]

	mu       sync.Mutex
	armed    clockwork.Timer
	deadline time.Time
	closed   bool
}

// Start arms the timer. A deadline in the past expires the timer before Start returns.
func (t *Timer) Start(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.armed != nil {
		return ErrTimerMisuse
	}
	t.deadline = deadline
	gen := t.next(false)
	wait := deadline.Sub(t.clock.Now())
	if wait <= 0 {
		t.expire(gen)
		return nil
	}
	t.armed = t.clock.AfterFunc(wait, func() { t.expire(gen) })
	return nil
}

const expiredBit = 1

// next starts a new generation and returns it. Expired bit is carried over if keep is true.
func (t *Timer) next(keep bool) uint64 {
	for {
		prev := t.state.Load()
		gen := prev>>1 + 1
		state := gen << 1
		if keep {
			state |= prev & expiredBit
		}
		if t.state.CompareAndSwap(prev, state) {
			return gen
		}
	}
}

func (t *Timer) expire(gen uint64) {
	if !t.state.CompareAndSwap(gen<<1, gen<<1|expiredBit) {
		return
	}
	timerFires.Inc()
	if cb := t.callback.Load(); cb != nil {
		(*cb)()
	}
}

// Stop disarms the timer. Expired flag is left unchanged. No-op if the timer is not armed.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop()
}

func (t *Timer) stop() {
	if t.armed == nil {
		return
	}
	t.next(true)
	t.armed.Stop()
	t.armed = nil
}

// Clock returns clock the timer measures deadlines with.
func (t *Timer) Clock() clockwork.Clock {
	return t.clock
}

// Expired returns true if the armed deadline has passed.
func (t *Timer) Expired() bool {
	return t.state.Load()&expiredBit != 0
}

// Armed returns true if the timer waits for the deadline.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed != nil
}

// Deadline returns the last armed deadline.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// SetExpirationCallback installs cb, or clears the callback if cb is nil.
// Installing over a live callback fails with ErrTimerMisuse.
func (t *Timer) SetExpirationCallback(cb Callback) error {
	if cb == nil {
		t.callback.Store(nil)
		return nil
	}
	if !t.callback.CompareAndSwap(nil, &cb) {
		t.source.logger.Debug("expiration callback is already set")
		return ErrTimerMisuse
	}
	return nil
}

// Close stops the timer and returns the slot to its source. Safe to call more than once.
func (t *Timer) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.stop()
	t.closed = true
	t.mu.Unlock()
	t.callback.Store(nil)
	t.source.release(t)
}
