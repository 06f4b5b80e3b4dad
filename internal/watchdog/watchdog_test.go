package watchdog

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimeoutFires(t *testing.T) {
	var fired atomic.Int32
	w := New(10*time.Millisecond, 30*time.Millisecond, func() {
		fired.Add(1)
	})
	w.Start()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	if fired.Load() == 0 {
		t.Fatal("expected timeout callback to fire")
	}
}

func TestActivityResetsClock(t *testing.T) {
	var fired atomic.Int32
	w := New(10*time.Millisecond, 60*time.Millisecond, func() {
		fired.Add(1)
	})
	w.Start()
	defer w.Stop()

	for i := 0; i < 10; i++ {
		time.Sleep(15 * time.Millisecond)
		w.RecordActivity()
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("callback fired %d times despite continuous activity", got)
	}
}

func TestPauseStopsTicker(t *testing.T) {
	var fired atomic.Int32
	w := New(10*time.Millisecond, 20*time.Millisecond, func() {
		fired.Add(1)
	})
	w.Start()
	defer w.Stop()

	w.Pause()
	if w.Running() {
		t.Fatal("ticker should stop on first pause")
	}
	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("callback fired %d times while paused", got)
	}
}

func TestNestedPauseResume(t *testing.T) {
	w := New(time.Hour, time.Hour, nil)
	w.Start()
	defer w.Stop()

	w.Pause()
	w.Pause()
	w.Pause()
	if w.Running() {
		t.Fatal("should be stopped while paused")
	}
	w.Resume(true)
	w.Resume(true)
	if w.Running() {
		t.Fatal("should stay stopped until count reaches zero")
	}
	w.Resume(true)
	if !w.Running() {
		t.Fatal("should restart when count returns to zero")
	}
	if w.PauseCount() != 0 {
		t.Fatalf("pause count = %d, want 0", w.PauseCount())
	}
}

func TestResumeFailedDelegationKeepsClock(t *testing.T) {
	var fired atomic.Int32
	w := New(10*time.Millisecond, 50*time.Millisecond, func() {
		fired.Add(1)
	})
	w.Start()
	defer w.Stop()

	time.Sleep(40 * time.Millisecond)
	w.Pause()
	// A failed delegation resumes without crediting progress, so the
	// pre-pause inactivity still counts toward the timeout.
	w.Resume(false)
	time.Sleep(40 * time.Millisecond)
	if fired.Load() == 0 {
		t.Fatal("expected timeout: failed delegation must not reset the clock")
	}
}

func TestResumeSucceededDelegationResetsClock(t *testing.T) {
	var fired atomic.Int32
	w := New(10*time.Millisecond, 60*time.Millisecond, func() {
		fired.Add(1)
	})
	w.Start()
	defer w.Stop()

	time.Sleep(45 * time.Millisecond)
	w.Pause()
	w.Resume(true)
	time.Sleep(30 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("callback fired %d times after successful delegation reset", got)
	}
}

func TestPauseSafetyCap(t *testing.T) {
	w := New(time.Hour, time.Hour, nil)
	w.Start()
	defer w.Stop()

	for i := 0; i <= pauseSafetyCap; i++ {
		w.Pause()
	}
	if !w.Running() {
		t.Fatal("exceeding the safety cap should reset and restart the watchdog")
	}
	if w.PauseCount() != 0 {
		t.Fatalf("pause count = %d, want 0 after cap reset", w.PauseCount())
	}
}

func TestResumeWithoutPauseIsSafe(t *testing.T) {
	w := New(time.Hour, time.Hour, nil)
	w.Start()
	defer w.Stop()

	w.Resume(true)
	if w.PauseCount() != 0 {
		t.Fatalf("pause count = %d, want 0", w.PauseCount())
	}
	if !w.Running() {
		t.Fatal("spurious resume should not stop the watchdog")
	}
}

func TestStopPreventsRestart(t *testing.T) {
	w := New(time.Hour, time.Hour, nil)
	w.Start()
	w.Stop()
	if w.Running() {
		t.Fatal("should not run after Stop")
	}
	// Resume after Stop must not revive the ticker.
	w.Resume(true)
	if w.Running() {
		t.Fatal("Resume after Stop must not restart the ticker")
	}
}
