package ratelimit

import "time"

// Window is a fixed-window event counter. The window restarts lazily: callers
// invoke Roll with the current time before inspecting or incrementing Count.
//
// Window is a plain value with no locking; the owner serializes access.
type Window struct {
	Start time.Time
	Count int
}

func NewWindow(now time.Time) Window {
	return Window{Start: now}
}

// Roll restarts the window when more than length has elapsed since Start.
func (w *Window) Roll(now time.Time, length time.Duration) {
	if now.Sub(w.Start) > length {
		w.Start = now
		w.Count = 0
	}
}

// Full reports whether max events have already been counted. A max <= 0
// means unlimited.
func (w *Window) Full(max int) bool {
	return max > 0 && w.Count >= max
}

func (w *Window) Inc() {
	w.Count++
}

// ResetsAt returns when the current window ends.
func (w *Window) ResetsAt(length time.Duration) time.Time {
	return w.Start.Add(length)
}
