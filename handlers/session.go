package handlers

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoTarget means the operator has no conversation target selected.
	ErrNoTarget = errors.New("no conversation target selected")
	// ErrTargetBlocked means the requested target is on the blacklist.
	ErrTargetBlocked = errors.New("target user is blocked")
	// ErrTargetUnverified means the requested target has not passed
	// verification yet.
	ErrTargetUnverified = errors.New("target user is not verified")
)

// Session holds the operator's single conversation target. The target expires
// after a period of inactivity; delivered messages in either direction slide
// the window.
//
// Timer fires are matched against a generation counter, so a timer that loses
// the race with Set or Clear is a no-op.
type Session struct {
	mu       sync.Mutex
	target   int64
	gen      uint64
	timer    *time.Timer
	timeout  time.Duration
	onExpire func(target int64)
}

// NewSession returns a session with no target. onExpire is called outside the
// session lock whenever a target lapses through inactivity; it may be nil.
func NewSession(timeout time.Duration, onExpire func(target int64)) *Session {
	return &Session{timeout: timeout, onExpire: onExpire}
}

// Target returns the current target, or 0 when none is selected.
func (s *Session) Target() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Set points the session at userID and arms a fresh expiry timer. Setting the
// current target again just restarts the window.
func (s *Session) Set(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = userID
	s.rearmLocked()
}

// Touch restarts the inactivity window for the current target. A touch with
// no target selected does nothing.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == 0 {
		return
	}
	s.rearmLocked()
}

// Clear drops the current target and returns it, or 0 when none was set.
func (s *Session) Clear() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

// ClearIf drops the target only when it equals userID. Reports whether the
// target was cleared.
func (s *Session) ClearIf(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target != userID || userID == 0 {
		return false
	}
	s.clearLocked()
	return true
}

func (s *Session) clearLocked() int64 {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	target := s.target
	s.target = 0
	return target
}

func (s *Session) rearmLocked() {
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.timeout, func() {
		s.expire(gen)
	})
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.target == 0 {
		s.mu.Unlock()
		return
	}
	target := s.clearLocked()
	onExpire := s.onExpire
	s.mu.Unlock()

	if onExpire != nil {
		onExpire(target)
	}
}

// timerSet tracks one outstanding timer per user, used for challenge
// deadlines. Re-arming supersedes the previous timer; a superseded timer that
// already fired skips its callback.
type timerSet struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[int64]*time.Timer)}
}

func (ts *timerSet) Arm(userID int64, d time.Duration, fn func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t, ok := ts.timers[userID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		ts.mu.Lock()
		current := ts.timers[userID] == t
		if current {
			delete(ts.timers, userID)
		}
		ts.mu.Unlock()
		if current {
			fn()
		}
	})
	ts.timers[userID] = t
}

func (ts *timerSet) Cancel(userID int64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t, ok := ts.timers[userID]; ok {
		t.Stop()
		delete(ts.timers, userID)
	}
}

func (ts *timerSet) CancelAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for id, t := range ts.timers {
		t.Stop()
		delete(ts.timers, id)
	}
}
