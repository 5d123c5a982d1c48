package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/keel/pkg/observability"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSafeGo_Success(t *testing.T) {
	executed := atomic.Bool{}

	SafeGo(context.Background(), observability.NopLogger(), time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})

	waitFor(t, executed.Load)
}

func TestSafeGo_WithError(t *testing.T) {
	executed := atomic.Bool{}

	SafeGo(context.Background(), observability.NopLogger(), time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return errors.New("test error")
	})

	waitFor(t, executed.Load)
}

func TestSafeGo_Timeout(t *testing.T) {
	canceled := atomic.Bool{}
	completed := atomic.Bool{}

	SafeGo(context.Background(), observability.NopLogger(), 50*time.Millisecond, "test task", func(ctx context.Context) error {
		select {
		case <-time.After(500 * time.Millisecond):
			completed.Store(true)
			return nil
		case <-ctx.Done():
			canceled.Store(true)
			return ctx.Err()
		}
	})

	waitFor(t, canceled.Load)
	if completed.Load() {
		t.Error("function should have been canceled by timeout")
	}
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	executed := atomic.Bool{}

	SafeGo(context.Background(), observability.NopLogger(), time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		panic("test panic")
	})

	waitFor(t, executed.Load)
	// reaching here means the panic did not crash the test binary
	time.Sleep(20 * time.Millisecond)
}

func submitAll(t *testing.T, pool *WorkerPool, n int, fn func(context.Context) error) {
	t.Helper()
	for i := 0; i < n; i++ {
		if !pool.TrySubmit(fn) {
			t.Fatalf("task %d rejected", i)
		}
	}
}

func TestWorkerPool_Basic(t *testing.T) {
	pool := NewWorkerPool(context.Background(), observability.NopLogger(), 3, 16, "test", time.Second)

	var count atomic.Int32
	submitAll(t, pool, 10, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	if err := pool.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if got := count.Load(); got != 10 {
		t.Errorf("expected 10 tasks, got %d", got)
	}
}

func TestWorkerPool_ParentCancelDoesNotDropQueuedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(ctx, observability.NopLogger(), 2, 16, "test", time.Second)
	cancel()

	var count atomic.Int32
	var taskErrs atomic.Int32
	submitAll(t, pool, 10, func(ctx context.Context) error {
		if ctx.Err() != nil {
			taskErrs.Add(1)
		}
		count.Add(1)
		return nil
	})

	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if got := count.Load(); got != 10 {
		t.Errorf("expected 10 tasks, got %d", got)
	}
	if got := taskErrs.Load(); got != 0 {
		t.Errorf("expected live task contexts, %d were cancelled", got)
	}
}

func TestWorkerPool_ErrorsAndPanicsKeepWorkersAlive(t *testing.T) {
	pool := NewWorkerPool(context.Background(), observability.NopLogger(), 1, 4, "test", time.Second)

	var after atomic.Bool
	submitAll(t, pool, 1, func(ctx context.Context) error { return errors.New("boom") })
	submitAll(t, pool, 1, func(ctx context.Context) error { panic("worse") })
	submitAll(t, pool, 1, func(ctx context.Context) error {
		after.Store(true)
		return nil
	})

	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if !after.Load() {
		t.Error("task after a failure did not run")
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), observability.NopLogger(), 1, 0, "test", time.Second)
	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if pool.TrySubmit(func(ctx context.Context) error { return nil }) {
		t.Error("TrySubmit should fail after shutdown")
	}
	// second shutdown is a no-op
	if err := pool.Shutdown(time.Second); err != nil {
		t.Errorf("second shutdown returned %v", err)
	}
}

func TestWorkerPool_TrySubmitFull(t *testing.T) {
	pool := NewWorkerPool(context.Background(), observability.NopLogger(), 1, 1, "test", time.Second)
	release := make(chan struct{})
	started := make(chan struct{})

	if !pool.TrySubmit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}) {
		t.Fatal("first task rejected")
	}
	<-started

	if !pool.TrySubmit(func(ctx context.Context) error { return nil }) {
		t.Fatal("queued task rejected")
	}
	if pool.TrySubmit(func(ctx context.Context) error { return nil }) {
		t.Error("expected full queue to reject task")
	}

	close(release)
	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestWorkerPool_TaskTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), observability.NopLogger(), 1, 0, "test", 20*time.Millisecond)
	result := make(chan error, 1)

	submitAll(t, pool, 1, func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-result:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not time out")
	}
	_ = pool.Shutdown(time.Second)
}

func TestWorkerPool_ShutdownTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), observability.NopLogger(), 1, 4, "test", time.Minute)
	started := make(chan struct{})
	cancelled := make(chan struct{})

	submitAll(t, pool, 1, func(ctx context.Context) error {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return nil
	})
	submitAll(t, pool, 1, func(ctx context.Context) error {
		if ctx.Err() != nil {
			close(cancelled)
		}
		return ctx.Err()
	})
	<-started

	if err := pool.Shutdown(20 * time.Millisecond); err == nil {
		t.Error("expected shutdown timeout error")
	}

	// queued work still runs, with a cancelled context
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task was dropped after shutdown timeout")
	}
}
