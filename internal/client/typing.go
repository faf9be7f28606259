package client

import (
	"sync"
	"time"
)

// DefaultTypingQuiet is how long after the last keystroke typing stops.
const DefaultTypingQuiet = time.Second

// Typing debounces keystrokes into typing start and stop events. The first
// keystroke emits start; every keystroke re-arms the quiet timer; when it
// expires stop is emitted.
type Typing struct {
	quiet time.Duration
	emit  func(isTyping bool)

	mu     sync.Mutex
	active bool
	timer  *time.Timer
	gen    uint64 // invalidates timers that fired while being re-armed
}

// NewTyping creates a debouncer calling emit on transitions. quiet <= 0
// uses DefaultTypingQuiet.
func NewTyping(quiet time.Duration, emit func(isTyping bool)) *Typing {
	if quiet <= 0 {
		quiet = DefaultTypingQuiet
	}
	return &Typing{quiet: quiet, emit: emit}
}

// Keystroke records input activity.
func (t *Typing) Keystroke() {
	t.mu.Lock()
	start := !t.active
	t.active = true
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.quiet, func() { t.expire(gen) })
	t.mu.Unlock()

	if start {
		t.emit(true)
	}
}

// Stop ends typing immediately, as when the message is sent.
func (t *Typing) Stop() {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if wasActive {
		t.emit(false)
	}
}

// Active reports whether a start was emitted without a matching stop.
func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Typing) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()

	t.emit(false)
}
