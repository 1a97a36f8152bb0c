package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rusted-workshop-web/models"
	"rusted-workshop-web/utils"
)

// scriptedFetcher returns the scripted statuses in order and then keeps
// repeating the last one.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []fetchResult
	calls  atomic.Int32
}

type fetchResult struct {
	status models.Status
	err    error
}

func (f *scriptedFetcher) fetch(_ context.Context, key string) (*models.TaskStatus, error) {
	n := int(f.calls.Add(1)) - 1
	f.mu.Lock()
	defer f.mu.Unlock()
	if n >= len(f.script) {
		n = len(f.script) - 1
	}
	r := f.script[n]
	if r.err != nil {
		return nil, r.err
	}
	return &models.TaskStatus{TaskKey: key, Status: r.status}, nil
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPollerStopsAtTerminalStatus(t *testing.T) {
	f := &scriptedFetcher{script: []fetchResult{
		{status: models.StatusPending},
		{status: models.StatusProcessing},
		{status: models.StatusCompleted},
	}}
	p := NewPoller(f.fetch, 5*time.Millisecond, utils.NewNopLogger())

	var mu sync.Mutex
	var seen []models.Status
	p.Start("k1", func(s models.TaskStatus) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})
	waitDone(t, p.Done())

	calls := f.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if after := f.calls.Load(); after != calls {
		t.Fatalf("poller kept fetching after terminal status: %d -> %d", calls, after)
	}
	if calls != 3 {
		t.Fatalf("expected 3 fetches, got %d", calls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[2] != models.StatusCompleted {
		t.Fatalf("unexpected deliveries: %v", seen)
	}
}

func TestPollerKeepsGoingAfterErrors(t *testing.T) {
	boom := errors.New("connection refused")
	f := &scriptedFetcher{script: []fetchResult{
		{err: boom},
		{err: boom},
		{status: models.StatusFailed},
	}}
	p := NewPoller(f.fetch, 5*time.Millisecond, utils.NewNopLogger())

	var delivered atomic.Int32
	p.Start("k1", func(models.TaskStatus) { delivered.Add(1) })
	waitDone(t, p.Done())

	if delivered.Load() != 1 {
		t.Fatalf("expected one delivery after two errors, got %d", delivered.Load())
	}
	if f.calls.Load() != 3 {
		t.Fatalf("expected 3 fetches, got %d", f.calls.Load())
	}
}

func TestPollerStartReplacesPreviousLoop(t *testing.T) {
	var aCalls, bCalls atomic.Int32
	fetch := func(_ context.Context, key string) (*models.TaskStatus, error) {
		if key == "a" {
			aCalls.Add(1)
		} else {
			bCalls.Add(1)
		}
		return &models.TaskStatus{TaskKey: key, Status: models.StatusProcessing}, nil
	}
	p := NewPoller(fetch, 5*time.Millisecond, utils.NewNopLogger())

	p.Start("a", func(models.TaskStatus) {})
	first := p.Done()
	time.Sleep(20 * time.Millisecond)

	p.Start("b", func(models.TaskStatus) {})
	waitDone(t, first)

	frozen := aCalls.Load()
	time.Sleep(30 * time.Millisecond)
	if aCalls.Load() != frozen {
		t.Fatal("old loop kept polling after replacement")
	}
	if bCalls.Load() == 0 {
		t.Fatal("new loop never polled")
	}
	if key, ok := p.Active(); !ok || key != "b" {
		t.Fatalf("active = %q, %v", key, ok)
	}

	p.Stop()
	waitDone(t, p.Done())
}

func TestPollerDropsResponseInFlightWhenStopped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	fetch := func(ctx context.Context, key string) (*models.TaskStatus, error) {
		started <- struct{}{}
		<-release
		return &models.TaskStatus{TaskKey: key, Status: models.StatusCompleted}, nil
	}
	p := NewPoller(fetch, 5*time.Millisecond, utils.NewNopLogger())

	var delivered atomic.Int32
	p.Start("k", func(models.TaskStatus) { delivered.Add(1) })

	<-started
	p.Stop()
	close(release)
	waitDone(t, p.Done())

	if delivered.Load() != 0 {
		t.Fatal("response of a cancelled loop was delivered")
	}
}

func TestPollerSerializesFetches(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	fetch := func(_ context.Context, key string) (*models.TaskStatus, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		inFlight.Add(-1)
		return &models.TaskStatus{TaskKey: key, Status: models.StatusProcessing}, nil
	}
	p := NewPoller(fetch, time.Millisecond, utils.NewNopLogger())
	p.Start("k", func(models.TaskStatus) {})
	time.Sleep(80 * time.Millisecond)
	p.Stop()
	waitDone(t, p.Done())

	if maxInFlight.Load() != 1 {
		t.Fatalf("expected at most one fetch in flight, saw %d", maxInFlight.Load())
	}
}
