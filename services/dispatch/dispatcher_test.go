package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDispatchRoundTrip(t *testing.T) {
	d := NewDispatcher(5 * time.Second)
	serverID := uuid.New()

	done := make(chan struct{})
	var got Result
	var dispatchErr error
	go func() {
		defer close(done)
		got, dispatchErr = d.Dispatch(context.Background(), serverID, CheckSpec{Title: "uptime", Command: "uptime"})
	}()

	// Wait for the entry to land in the queue, as the agent poll would.
	var entries []Entry
	deadline := time.Now().Add(2 * time.Second)
	for len(entries) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("entry never queued")
		}
		entries = d.Drain(serverID)
		time.Sleep(time.Millisecond)
	}
	if len(entries) != 1 {
		t.Fatalf("drained %d entries, want 1", len(entries))
	}
	if entries[0].Spec.Command != "uptime" {
		t.Fatalf("spec = %+v", entries[0].Spec)
	}

	if ok := d.Deliver(Result{CorrelationID: entries[0].CorrelationID, Status: "PASS", Output: "up 3 days"}); !ok {
		t.Fatal("Deliver found no listener")
	}

	<-done
	if dispatchErr != nil {
		t.Fatalf("Dispatch: %v", dispatchErr)
	}
	if got.Status != "PASS" || got.Output != "up 3 days" {
		t.Fatalf("result = %+v", got)
	}
	if n := d.PendingWaiters(); n != 0 {
		t.Fatalf("%d waiters left after delivery", n)
	}
}

func TestDispatchTimeoutReleasesListenerAndQueue(t *testing.T) {
	d := NewDispatcher(20 * time.Millisecond)
	serverID := uuid.New()

	_, err := d.Dispatch(context.Background(), serverID, CheckSpec{Title: "slow"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if n := d.PendingWaiters(); n != 0 {
		t.Fatalf("%d waiters left after timeout", n)
	}
	// The undrained entry must be withdrawn so a later poll does not run an
	// orphaned command.
	if entries := d.Drain(serverID); entries != nil {
		t.Fatalf("queue still holds %d entries after timeout", len(entries))
	}
}

func TestDispatchContextCancel(t *testing.T) {
	d := NewDispatcher(time.Minute)
	serverID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, serverID, CheckSpec{Title: "cancelled"})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after cancel")
	}
	if n := d.PendingWaiters(); n != 0 {
		t.Fatalf("%d waiters left after cancel", n)
	}
}

func TestDeliverAfterTimeoutReportsStale(t *testing.T) {
	d := NewDispatcher(200 * time.Millisecond)
	serverID := uuid.New()

	done := make(chan string, 1)
	go func() {
		res, err := d.Dispatch(context.Background(), serverID, CheckSpec{Title: "late"})
		_ = res
		if errors.Is(err, ErrTimeout) {
			done <- ""
		}
	}()

	entries := waitDrain(t, d, serverID)
	<-done

	if ok := d.Deliver(Result{CorrelationID: entries[0].CorrelationID, Status: "PASS"}); ok {
		t.Fatal("Deliver matched a listener that already timed out")
	}
}

func TestDrainIsExclusive(t *testing.T) {
	d := NewDispatcher(time.Minute)
	serverID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		go d.Dispatch(ctx, serverID, CheckSpec{Title: "q"}) //nolint:errcheck
	}

	deadline := time.Now().Add(2 * time.Second)
	total := 0
	for total < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d entries seen", total)
		}
		total += len(d.Drain(serverID))
		time.Sleep(time.Millisecond)
	}

	// Everything has been handed out; a second drain must return nothing.
	if extra := d.Drain(serverID); extra != nil {
		t.Fatalf("second drain returned %d entries", len(extra))
	}
}

func TestQueuesIsolatedPerServer(t *testing.T) {
	d := NewDispatcher(time.Minute)
	serverA := uuid.New()
	serverB := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Dispatch(ctx, serverA, CheckSpec{Title: "for-a"}) //nolint:errcheck

	waitDrain(t, d, serverA)
	if entries := d.Drain(serverB); entries != nil {
		t.Fatalf("server B drained %d entries queued for server A", len(entries))
	}
}

func waitDrain(t *testing.T, d *Dispatcher, serverID uuid.UUID) []Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if entries := d.Drain(serverID); entries != nil {
			return entries
		}
		if time.Now().After(deadline) {
			t.Fatal("no entries queued")
		}
		time.Sleep(time.Millisecond)
	}
}
