package reactor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("reactor closed")

// Interest is the set of I/O readiness a source wants reported.
type Interest uint8

const (
	// Readable asks for read events.
	Readable Interest = 1 << iota
	// Writable asks the reactor to flush the source's outbound queue.
	Writable
)

// Has reports whether i includes other.
func (i Interest) Has(other Interest) bool {
	return i&other != 0
}

// Source is a participant in the loop, usually one network connection.
type Source interface {
	// Interest reports the readiness the source currently wants.
	Interest() Interest

	// Tick is called at the start of every cycle.
	Tick(now time.Time)

	// Flush starts writing queued output. Called when Writable is set.
	Flush()

	// HandleRead delivers bytes read by the source's pump. Zero-length
	// reads are delivered too.
	HandleRead(data []byte)

	// HandleWrite reports that a write started by Flush completed.
	HandleWrite()

	// HandleError reports an I/O failure. Reconnect follows immediately.
	HandleError(err error)

	// Reconnect tears down and schedules a new connection attempt.
	Reconnect()

	// Stop permanently shuts the source down.
	Stop()
}

// EventKind identifies what a pump observed.
type EventKind uint8

const (
	EventRead EventKind = iota
	EventWrite
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is an I/O completion reported by a pump goroutine.
type Event struct {
	Source Source
	Kind   EventKind
	Data   []byte
	Err    error
}

// item is one queued unit of loop work: an event or a posted closure.
type item struct {
	ev Event
	fn func()
}

// Reactor is the event loop. Post, Emit, Async and Close are safe for
// concurrent use; everything else must be called from the driving goroutine.
type Reactor struct {
	mu     sync.Mutex
	queue  []item
	wake   chan struct{}
	closed bool

	sources []Source
	timers  timerQueue

	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithLogger sets the reactor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reactor) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reactor) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a reactor.
func New(opts ...Option) *Reactor {
	r := &Reactor{
		wake:   make(chan struct{}, 1),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	r.timers.init()
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the reactor's current time.
func (r *Reactor) Now() time.Time {
	return r.now()
}

// Add registers a source.
func (r *Reactor) Add(src Source) {
	for _, s := range r.sources {
		if s == src {
			return
		}
	}
	r.sources = append(r.sources, src)
}

// Remove unregisters a source. Events it emitted afterwards are dropped.
func (r *Reactor) Remove(src Source) {
	for i, s := range r.sources {
		if s == src {
			r.sources = append(r.sources[:i], r.sources[i+1:]...)
			return
		}
	}
}

// Sources returns the number of registered sources.
func (r *Reactor) Sources() int {
	return len(r.sources)
}

// Post schedules fn to run on the loop during the next Tick.
func (r *Reactor) Post(fn func()) {
	if fn == nil {
		return
	}
	r.enqueue(item{fn: fn})
}

// Emit queues an I/O event for dispatch on the loop.
func (r *Reactor) Emit(ev Event) {
	r.enqueue(item{ev: ev})
}

// Async runs work on its own goroutine and then runs done on the loop.
// It is how blocking calls such as user prompts stay off the loop.
func (r *Reactor) Async(work func(), done func()) {
	go func() {
		work()
		r.Post(done)
	}()
}

func (r *Reactor) enqueue(it item) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, it)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) > 0
}

func (r *Reactor) drain() []item {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queue
	r.queue = nil
	return q
}

// After schedules fn to run on the loop once d has elapsed.
func (r *Reactor) After(d time.Duration, fn func()) TimerID {
	return r.timers.add(r.now().Add(d), fn)
}

// Cancel stops a timer. It reports whether the timer was still pending.
func (r *Reactor) Cancel(id TimerID) bool {
	return r.timers.cancel(id)
}

// Timers returns the number of pending timers.
func (r *Reactor) Timers() int {
	return r.timers.Len()
}

// Tick runs one loop cycle, waiting at most timeout for events.
func (r *Reactor) Tick(timeout time.Duration) {
	now := r.now()
	for _, src := range r.snapshot() {
		src.Tick(now)
	}
	for _, src := range r.snapshot() {
		if src.Interest().Has(Writable) {
			src.Flush()
		}
	}

	r.wait(timeout)

	for _, it := range r.drain() {
		r.dispatch(it)
	}

	r.fireTimers()
}

func (r *Reactor) snapshot() []Source {
	return append([]Source(nil), r.sources...)
}

func (r *Reactor) wait(timeout time.Duration) {
	if r.pending() {
		return
	}
	if next, ok := r.timers.next(); ok {
		until := next.Sub(r.now())
		if until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		return
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.wake:
	case <-t.C:
	}
}

func (r *Reactor) dispatch(it item) {
	if it.fn != nil {
		it.fn()
		return
	}

	ev := it.ev
	if !r.registered(ev.Source) {
		r.logger.Debug("dropping event for removed source", zap.Stringer("kind", ev.Kind))
		return
	}
	switch ev.Kind {
	case EventRead:
		ev.Source.HandleRead(ev.Data)
	case EventWrite:
		ev.Source.HandleWrite()
	case EventError:
		r.logger.Debug("source error", zap.Error(ev.Err))
		ev.Source.HandleError(ev.Err)
		ev.Source.Reconnect()
	}
}

func (r *Reactor) registered(src Source) bool {
	for _, s := range r.sources {
		if s == src {
			return true
		}
	}
	return false
}

func (r *Reactor) fireTimers() {
	now := r.now()
	for {
		fn, ok := r.timers.popDue(now)
		if !ok {
			return
		}
		fn()
	}
}

// Run drives the reactor with the given tick interval until ctx is done or
// the reactor is closed.
func (r *Reactor) Run(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if r.Closed() {
			return ErrClosed
		}
		r.Tick(interval)
	}
}

// Close stops every source and rejects further posts.
func (r *Reactor) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.queue = nil
	r.mu.Unlock()

	for _, src := range r.snapshot() {
		src.Stop()
	}
	r.sources = nil
	r.timers.init()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called.
func (r *Reactor) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
