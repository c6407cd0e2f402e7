package server

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestShutdownRunsClosersInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(time.Second, nil)

	var order []string
	for _, name := range []string{"store", "pipeline", "server"} {
		name := name
		sm.RegisterFunc(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	if err := sm.Shutdown("test"); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	want := []string{"server", "pipeline", "store"}
	if len(order) != len(want) {
		t.Fatalf("ran %d closers, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("closer %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestShutdownReturnsFirstCloserError(t *testing.T) {
	sm := NewShutdownManager(time.Second, nil)

	sm.RegisterFunc("first-registered", func() error {
		return errors.New("second failure")
	})
	sm.RegisterFunc("last-registered", func() error {
		return errors.New("first failure")
	})

	err := sm.Shutdown("test")
	if err == nil {
		t.Fatal("Shutdown() = nil, want error")
	}
	if !strings.Contains(err.Error(), "last-registered") {
		t.Errorf("Shutdown() = %v, want error from the closer that ran first", err)
	}
}

func TestShutdownRunsOnlyOnce(t *testing.T) {
	sm := NewShutdownManager(time.Second, nil)

	calls := 0
	sm.RegisterFunc("store", func() error {
		calls++
		return nil
	})

	if err := sm.Shutdown("first"); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if err := sm.Shutdown("second"); err != nil {
		t.Fatalf("second Shutdown() = %v", err)
	}
	if calls != 1 {
		t.Errorf("closer ran %d times, want 1", calls)
	}
}

func TestShutdownTimeoutDoesNotWaitForStuckCloser(t *testing.T) {
	sm := NewShutdownManager(20*time.Millisecond, nil)

	release := make(chan struct{})
	sm.RegisterFunc("fine", func() error {
		return errors.New("late failure")
	})
	sm.RegisterFunc("stuck", func() error {
		<-release
		return nil
	})

	err := sm.Shutdown("test")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Shutdown() = %v, want timeout error", err)
	}

	// Let the stuck closer finish. The in-flight goroutine reports its
	// result over a buffered channel, so completing after the timeout
	// fired must not race with the returned error.
	close(release)
	time.Sleep(50 * time.Millisecond)
}
