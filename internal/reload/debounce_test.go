package reload

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncer_BurstCollapsesToOne(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(100*time.Millisecond, func(string) { fired.Add(1) })
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Trigger("commands/ping.lua")
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)

	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestDebouncer_SeparatedTriggersFireTwice(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(100*time.Millisecond, func(string) { fired.Add(1) })
	defer d.Stop()

	d.Trigger("a.lua")
	time.Sleep(200 * time.Millisecond)
	d.Trigger("b.lua")
	time.Sleep(300 * time.Millisecond)

	if got := fired.Load(); got != 2 {
		t.Fatalf("fired %d times, want 2", got)
	}
}

func TestDebouncer_LatestReasonWins(t *testing.T) {
	got := make(chan string, 1)
	d := NewDebouncer(20*time.Millisecond, func(r string) { got <- r })
	defer d.Stop()

	d.Trigger("first.lua")
	d.Trigger("second.lua")
	select {
	case r := <-got:
		if r != "second.lua" {
			t.Fatalf("reason = %q, want second.lua", r)
		}
	case <-time.After(time.Second):
		t.Fatal("debouncer never fired")
	}
}

func TestDebouncer_StopDropsPending(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func(string) { fired.Add(1) })
	d.Trigger("x.lua")
	d.Stop()
	d.Trigger("y.lua")
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("stopped debouncer fired")
	}
}

func TestDebouncer_StopWaitsForRunningCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	d := NewDebouncer(5*time.Millisecond, func(string) {
		close(started)
		<-release
		finished.Store(true)
	})
	d.Trigger("x.lua")
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("debouncer never fired")
	}

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a call was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop never returned")
	}
	if !finished.Load() {
		t.Fatal("Stop returned before the call finished")
	}
}
