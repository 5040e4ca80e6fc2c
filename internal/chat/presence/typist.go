package presence

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTypingThrottle    = time.Second
	DefaultTypingQuietPeriod = 1500 * time.Millisecond
)

// Typist turns raw keystrokes into typing heartbeats. The first keystroke
// emits true at once, continued typing re-emits at most once per throttle
// interval, and a quiet period without input emits false.
//
// emit is called with the Typist's lock held and must not block.
type Typist struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	quiet   time.Duration
	emit    func(typing bool)
	typing  bool
	timer   *time.Timer
	gen     uint64
	closed  bool
}

func NewTypist(throttle, quiet time.Duration, emit func(typing bool)) *Typist {
	if throttle <= 0 {
		throttle = DefaultTypingThrottle
	}
	if quiet <= 0 {
		quiet = DefaultTypingQuietPeriod
	}
	return &Typist{
		limiter: rate.NewLimiter(rate.Every(throttle), 1),
		quiet:   quiet,
		emit:    emit,
	}
}

func (t *Typist) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	// Allow is always consumed so the throttle interval starts at the first key.
	allowed := t.limiter.Allow()
	if !t.typing {
		t.typing = true
		t.emit(true)
	} else if allowed {
		t.emit(true)
	}
	t.armQuietTimer()
}

func (t *Typist) armQuietTimer() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.quiet, func() { t.quietElapsed(gen) })
}

func (t *Typist) quietElapsed(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// a keystroke after this timer was armed owns the newer timer
	if t.closed || gen != t.gen || !t.typing {
		return
	}
	t.typing = false
	t.emit(false)
}

// Stop clears the typing state at once, as when a message is sent or the
// input loses focus.
func (t *Typist) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.typing {
		t.typing = false
		t.emit(false)
	}
}

func (t *Typist) IsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Close cancels the quiet timer without emitting.
func (t *Typist) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
}
