package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerSerializesPerUser(t *testing.T) {
	m := NewManager()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		m.Do(42, func(s *Session) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("work ran out of order: %v", order)
		}
	}
}

func TestManagerSharesSessionState(t *testing.T) {
	m := NewManager()

	done := make(chan struct{})
	m.Do(7, func(s *Session) { s.Iteration = 3 })
	m.Do(7, func(s *Session) {
		if s.Iteration != 3 {
			t.Errorf("Iteration = %d, want 3", s.Iteration)
		}
		close(done)
	})
	<-done
}

func TestTimerChainFiresInOrder(t *testing.T) {
	var s Session
	var reminded, closed atomic.Bool
	done := make(chan struct{})

	s.ArmTimers(10*time.Millisecond, 10*time.Millisecond,
		func() { reminded.Store(true) },
		func() { closed.Store(true); close(done) },
	)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer chain never completed")
	}

	if !reminded.Load() || !closed.Load() {
		t.Errorf("reminded=%v closed=%v, want both true", reminded.Load(), closed.Load())
	}
}

func TestCancelTimersStopsChain(t *testing.T) {
	var s Session
	var fired atomic.Bool

	s.ArmTimers(20*time.Millisecond, 20*time.Millisecond,
		func() { fired.Store(true) },
		func() { fired.Store(true) },
	)
	s.CancelTimers()

	time.Sleep(80 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled timer chain still fired")
	}
}

func TestCancelBetweenStages(t *testing.T) {
	var s Session
	var closed atomic.Bool
	reminded := make(chan struct{})

	s.ArmTimers(10*time.Millisecond, 50*time.Millisecond,
		func() { close(reminded) },
		func() { closed.Store(true) },
	)

	<-reminded
	s.CancelTimers()

	time.Sleep(100 * time.Millisecond)
	if closed.Load() {
		t.Error("second stage fired after cancellation")
	}
}

func TestArmTimersReplacesPrevious(t *testing.T) {
	var s Session
	var first atomic.Bool
	second := make(chan struct{})

	s.ArmTimers(30*time.Millisecond, time.Hour,
		func() { first.Store(true) },
		func() {},
	)
	s.ArmTimers(10*time.Millisecond, time.Hour,
		func() { close(second) },
		func() {},
	)

	<-second
	time.Sleep(60 * time.Millisecond)
	if first.Load() {
		t.Error("superseded timer chain still fired")
	}
}

func TestTimerGenAdvancesOnCancel(t *testing.T) {
	var s Session

	gen := s.ArmTimers(time.Hour, time.Hour, func() {}, func() {})
	if s.TimerGen() != gen {
		t.Fatalf("TimerGen() = %d, want %d right after arming", s.TimerGen(), gen)
	}

	s.CancelTimers()
	if s.TimerGen() == gen {
		t.Error("TimerGen() unchanged after CancelTimers")
	}

	gen2 := s.ArmTimers(time.Hour, time.Hour, func() {}, func() {})
	if gen2 == gen {
		t.Error("re-arming re-used a stale generation")
	}
}

func TestEndMarksSessionEnded(t *testing.T) {
	var s Session
	s.End()
	if !s.Ended() {
		t.Error("Ended() = false after End()")
	}
	s.Touch()
	if s.Ended() {
		t.Error("Ended() = true after Touch()")
	}
}
