// Package session holds the in-memory conversation state for each student
// and serializes all work touching it.
package session

import (
	"sync"
	"time"
)

// Mode selects how the bot treats the student's messages.
type Mode int

const (
	// ModeLesson grades every answer against the current topic.
	ModeLesson Mode = iota
	// ModeTeacher is free-form Q&A about English without grading.
	ModeTeacher
)

// Session is one student's conversation state. It must only be touched
// from inside Manager.Do for that student.
type Session struct {
	UserID    int64
	Mode      Mode
	Iteration int

	ended    bool
	timers   *timerChain
	timerGen uint64
}

// Ended reports whether the conversation was explicitly closed, either by
// the student finishing the lesson or by the idle timeout.
func (s *Session) Ended() bool {
	return s.ended
}

// End closes the conversation and stops any pending idle timers.
func (s *Session) End() {
	s.ended = true
	s.CancelTimers()
}

// Touch marks the session live again after new student activity.
func (s *Session) Touch() {
	s.ended = false
}

// ArmTimers starts the idle chain: onRemind fires after first, then
// onClose after another second. Arming replaces any previous chain, and
// any student activity should cancel it via CancelTimers.
//
// The returned generation identifies this chain. A callback that was
// already queued when the chain was cancelled or replaced can detect it
// went stale by comparing against TimerGen.
func (s *Session) ArmTimers(first, second time.Duration, onRemind, onClose func()) uint64 {
	s.CancelTimers()

	chain := &timerChain{}
	chain.t = time.AfterFunc(first, func() {
		chain.mu.Lock()
		if chain.stopped {
			chain.mu.Unlock()
			return
		}
		chain.t = time.AfterFunc(second, func() {
			chain.mu.Lock()
			if chain.stopped {
				chain.mu.Unlock()
				return
			}
			chain.mu.Unlock()
			onClose()
		})
		chain.mu.Unlock()
		onRemind()
	})
	s.timers = chain
	return s.timerGen
}

func (s *Session) CancelTimers() {
	s.timerGen++
	if s.timers != nil {
		s.timers.stop()
		s.timers = nil
	}
}

// TimerGen is the generation of the current timer chain. It advances on
// every cancellation, so a queued timer callback holding an older value
// knows its chain was superseded.
func (s *Session) TimerGen() uint64 {
	return s.timerGen
}

type timerChain struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func (c *timerChain) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.t != nil {
		c.t.Stop()
	}
}

// Manager owns the sessions and runs all session-touching work on one
// goroutine per student, so handler, timer and scheduler paths never race
// over the same state.
type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*worker
}

type worker struct {
	session *Session
	queue   chan func(*Session)
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[int64]*worker)}
}

// Do enqueues fn to run on the student's worker goroutine with exclusive
// access to their session. Work for one student runs in submission order;
// different students run independently.
func (m *Manager) Do(userID int64, fn func(*Session)) {
	m.mu.Lock()
	w, ok := m.sessions[userID]
	if !ok {
		w = &worker{
			session: &Session{UserID: userID},
			queue:   make(chan func(*Session), 16),
		}
		m.sessions[userID] = w
		go w.run()
	}
	m.mu.Unlock()

	w.queue <- fn
}

func (w *worker) run() {
	for fn := range w.queue {
		fn(w.session)
	}
}
