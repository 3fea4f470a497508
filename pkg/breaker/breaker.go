// Package breaker isolates failing servers. A Breaker trips when the error
// rate inside a rolling window crosses its threshold, rejects calls while
// open, and lets a single probe through after the cooldown to decide whether
// to close again. Histogram keeps recent latencies for reporting.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
)

// State is a breaker's position in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists every legal edge of the state machine.
var transitions = map[State][]State{
	StateClosed:   {StateOpen},
	StateOpen:     {StateHalfOpen},
	StateHalfOpen: {StateClosed, StateOpen},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	defaultTimeout        = 30 * time.Second
	defaultWindow         = 10 * time.Second
	defaultBuckets        = 10
	defaultErrorThreshold = 0.5
	defaultCooldown       = 60 * time.Second
)

// Settings configure a Breaker. Zero values select the defaults.
type Settings struct {
	// Name identifies the protected server in errors and hooks.
	Name string
	// Timeout bounds each call (default 30s). A timeout counts as a failure.
	Timeout time.Duration
	// Window and Buckets shape the rolling error-rate window (10s, 10).
	Window  time.Duration
	Buckets int
	// ErrorThreshold is the failure ratio that opens the circuit (0.5).
	ErrorThreshold float64
	// VolumeThreshold is the minimum number of calls in the window before
	// the error rate is considered.
	VolumeThreshold int
	// Cooldown is how long the circuit stays open before a probe (60s).
	Cooldown time.Duration
	// OnStateChange observes transitions; it runs outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.Window <= 0 {
		s.Window = defaultWindow
	}
	if s.Buckets <= 0 {
		s.Buckets = defaultBuckets
	}
	if s.ErrorThreshold <= 0 || s.ErrorThreshold > 1 {
		s.ErrorThreshold = defaultErrorThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = defaultCooldown
	}
	return s
}

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// Stats summarises a breaker for status reporting.
type Stats struct {
	State          State      `json:"state"`
	WindowRequests int        `json:"window_requests"`
	WindowFailures int        `json:"window_failures"`
	ErrorRate      float64    `json:"error_rate"`
	Successes      uint64     `json:"successes"`
	Failures       uint64     `json:"failures"`
	Timeouts       uint64     `json:"timeouts"`
	Rejected       uint64     `json:"rejected"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
}

// Breaker guards calls to one server.
type Breaker struct {
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	openedAt time.Time
	probing  bool
	buckets  []bucket

	successes, failures, timeouts, rejected uint64
}

// New returns a closed breaker.
func New(settings Settings) *Breaker {
	s := settings.withDefaults()
	return &Breaker{
		settings: s,
		now:      time.Now,
		buckets:  make([]bucket, s.Buckets),
	}
}

// Execute runs fn unless the circuit is open, bounding it by the breaker
// timeout. Open circuits fail with CircuitOpenError without calling fn.
// Cancellation by the caller is neither a success nor a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	// The timeout is the cause of callCtx, so work below can tell the breaker
	// giving up apart from the caller giving up.
	timeout := gwerrors.NewTimeout(b.settings.Name, b.settings.Timeout)
	callCtx, cancel := context.WithTimeoutCause(ctx, b.settings.Timeout, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	var timedOut bool
	select {
	case err = <-done:
		if err != nil && ctx.Err() == nil && errors.Is(context.Cause(callCtx), timeout) {
			timedOut = true
			err = timeout
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			timedOut = true
			err = timeout
		}
	}
	b.settle(probe, err, timedOut, ctx.Err() != nil)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	change = b.refreshLocked()
	switch b.state {
	case StateOpen:
		b.rejected++
		return false, gwerrors.NewCircuitOpen(b.settings.Name)
	case StateHalfOpen:
		if b.probing {
			b.rejected++
			return false, gwerrors.NewCircuitOpen(b.settings.Name)
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

// refreshLocked moves an open breaker to half-open once the cooldown elapsed.
func (b *Breaker) refreshLocked() func() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.Cooldown {
		return b.transitionLocked(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) settle(probe bool, err error, timedOut, cancelled bool) {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if probe {
		b.probing = false
	}
	if cancelled {
		return
	}
	if err == nil {
		b.successes++
	} else {
		b.failures++
		if timedOut {
			b.timeouts++
		}
	}

	if probe {
		if err == nil {
			change = b.transitionLocked(StateClosed)
		} else {
			change = b.transitionLocked(StateOpen)
		}
		return
	}

	bk := b.bucketLocked(b.now())
	if err == nil {
		bk.successes++
	} else {
		bk.failures++
	}
	if b.state != StateClosed {
		return
	}
	total, failures := b.windowLocked(b.now())
	if total > 0 && total >= b.settings.VolumeThreshold &&
		float64(failures)/float64(total) >= b.settings.ErrorThreshold {
		change = b.transitionLocked(StateOpen)
	}
}

// transitionLocked applies a legal transition and returns the hook call to
// run after unlocking.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to || !allowed(from, to) {
		return nil
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.openedAt = time.Time{}
		for i := range b.buckets {
			b.buckets[i] = bucket{}
		}
	}
	hook := b.settings.OnStateChange
	if hook == nil {
		return nil
	}
	name := b.settings.Name
	return func() { hook(name, from, to) }
}

func (b *Breaker) width() time.Duration {
	return b.settings.Window / time.Duration(b.settings.Buckets)
}

func (b *Breaker) bucketLocked(now time.Time) *bucket {
	w := b.width()
	start := now.Truncate(w)
	idx := int((start.UnixNano() / int64(w)) % int64(len(b.buckets)))
	bk := &b.buckets[idx]
	if !bk.start.Equal(start) {
		*bk = bucket{start: start}
	}
	return bk
}

func (b *Breaker) windowLocked(now time.Time) (total, failures int) {
	for _, bk := range b.buckets {
		if bk.start.IsZero() || now.Sub(bk.start) >= b.settings.Window {
			continue
		}
		total += bk.successes + bk.failures
		failures += bk.failures
	}
	return total, failures
}

// State reports the current state, applying a due open→half-open move.
func (b *Breaker) State() State {
	b.mu.Lock()
	change := b.refreshLocked()
	state := b.state
	b.mu.Unlock()
	if change != nil {
		change()
	}
	return state
}

// Stats returns counters and window figures.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	change := b.refreshLocked()
	total, failures := b.windowLocked(b.now())
	s := Stats{
		State:          b.state,
		WindowRequests: total,
		WindowFailures: failures,
		Successes:      b.successes,
		Failures:       b.failures,
		Timeouts:       b.timeouts,
		Rejected:       b.rejected,
	}
	if total > 0 {
		s.ErrorRate = float64(failures) / float64(total)
	}
	if !b.openedAt.IsZero() {
		opened := b.openedAt
		s.OpenedAt = &opened
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
	return s
}
