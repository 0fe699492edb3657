package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDispatcherRunsJob(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4})
	defer d.Stop()

	ran := false
	if err := d.Do(context.Background(), 1, func(context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Fatalf("job did not run")
	}

	want := errors.New("vendor down")
	if err := d.Do(context.Background(), 1, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestDispatcherRecoversPanic(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer d.Stop()

	err := d.Do(context.Background(), 1, func(context.Context) error { panic("boom") })
	if err == nil {
		t.Fatalf("expected error from panicking job")
	}
	if err := d.Do(context.Background(), 1, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("dispatcher unusable after panic: %v", err)
	}
}

func TestDispatcherBusy(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer d.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Do(context.Background(), 1, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := d.Do(context.Background(), 2, func(context.Context) error { return nil }); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first job: %v", err)
	}
}

func TestDispatcherCallerCancel(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Do(ctx, 1, func(jobCtx context.Context) error {
			close(started)
			<-jobCtx.Done()
			return jobCtx.Err()
		})
	}()
	<-started
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Do did not return after cancel")
	}
}

func TestDispatcherScalesAndShrinks(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 3, QueueSize: 8, WorkerIdleTimeout: 50 * time.Millisecond})
	defer d.Stop()

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)
	var done sync.WaitGroup
	for user := int64(1); user <= 3; user++ {
		done.Add(1)
		go func(user int64) {
			defer done.Done()
			_ = d.Do(context.Background(), user, func(context.Context) error {
				started.Done()
				<-release
				return nil
			})
		}(user)
	}

	waitOrFail(t, &started, 2*time.Second, "three jobs should run concurrently")
	if got := d.pool.size(); got != 3 {
		t.Fatalf("expected 3 workers, got %d", got)
	}
	close(release)
	done.Wait()

	deadline := time.Now().Add(3 * time.Second)
	for d.pool.size() > 1 {
		if time.Now().After(deadline) {
			t.Fatalf("idle workers not retired, still %d", d.pool.size())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDispatcherTakesTurnsBetweenUsers(t *testing.T) {
	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	for _, user := range []int64{1, 1, 1, 2, 3} {
		d.enqueueJob(&Job{UserID: user})
	}

	var order []int64
	for job := d.next(); job != nil; job = d.next() {
		order = append(order, job.UserID)
	}
	want := []int64{1, 2, 3, 1, 1}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestDispatcherCancelUser(t *testing.T) {
	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	job := &Job{UserID: 5, done: make(chan error, 1)}
	d.enqueueJob(job)
	d.enqueueJob(&Job{UserID: 6, done: make(chan error, 1)})

	d.CancelUser(5)
	if err := <-job.done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if next := d.next(); next == nil || next.UserID != 6 {
		t.Fatalf("expected user 6 job to remain, got %+v", next)
	}
}

func TestDispatcherStop(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	d.Stop()
	d.Stop()

	if err := d.Do(context.Background(), 1, func(context.Context) error { return nil }); !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("expected stopped, got %v", err)
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration, msg string) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("%s", msg)
	}
}
