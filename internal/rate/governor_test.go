package rate

import (
	"context"
	"testing"
	"time"
)

func testGovernor(budgets map[Class]Budget) *Governor {
	return NewGovernor(budgets, nil)
}

func TestGovernor_ImmediateAdmitWithinCapacity(t *testing.T) {
	g := testGovernor(map[Class]Budget{
		ClassSend: {Capacity: 3, RefillPerSecond: 1, QueueSize: 10},
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		start := time.Now()
		if err := g.Admit(ctx, ClassSend); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
		if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
			t.Errorf("Admit %d took %v, want immediate", i, elapsed)
		}
	}
}

func TestGovernor_QueuedAdmitWaitsForRefill(t *testing.T) {
	// Capacity 2, refill 20/s: the third admit should complete no earlier
	// than ~50ms after the bucket empties.
	g := testGovernor(map[Class]Budget{
		ClassSubscribe: {Capacity: 2, RefillPerSecond: 20, QueueSize: 10},
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := g.Admit(ctx, ClassSubscribe); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
	}

	start := time.Now()
	if err := g.Admit(ctx, ClassSubscribe); err != nil {
		t.Fatalf("queued Admit failed: %v", err)
	}
	elapsed := time.Since(start)

	// Allow a small scheduling margin below the theoretical 50ms.
	if elapsed < 40*time.Millisecond {
		t.Errorf("queued Admit completed in %v, want >= ~50ms", elapsed)
	}
}

func TestGovernor_ThrottledWhenQueueFull(t *testing.T) {
	g := testGovernor(map[Class]Budget{
		ClassSend: {Capacity: 1, RefillPerSecond: 1, QueueSize: 1},
	})

	ctx := context.Background()
	if err := g.Admit(ctx, ClassSend); err != nil {
		t.Fatalf("first Admit failed: %v", err)
	}

	// Occupy the single queue slot.
	queued := make(chan error, 1)
	go func() {
		queued <- g.Admit(ctx, ClassSend)
	}()
	time.Sleep(20 * time.Millisecond)

	if err := g.Admit(ctx, ClassSend); err != ErrThrottled {
		t.Errorf("Admit with full queue = %v, want ErrThrottled", err)
	}

	// The queued waiter eventually resolves.
	select {
	case err := <-queued:
		if err != nil {
			t.Errorf("queued Admit = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued Admit never resolved")
	}
}

func TestGovernor_IndependentClasses(t *testing.T) {
	g := testGovernor(map[Class]Budget{
		ClassSend:      {Capacity: 1, RefillPerSecond: 0.01, QueueSize: 1},
		ClassSubscribe: {Capacity: 5, RefillPerSecond: 1, QueueSize: 10},
	})

	ctx := context.Background()

	// Exhaust the send bucket.
	if err := g.Admit(ctx, ClassSend); err != nil {
		t.Fatalf("send Admit failed: %v", err)
	}

	// Subscribe admits stay unaffected.
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := g.Admit(ctx, ClassSubscribe); err != nil {
			t.Fatalf("subscribe Admit %d failed: %v", i, err)
		}
		if time.Since(start) > 20*time.Millisecond {
			t.Errorf("subscribe Admit %d was delayed by the send bucket", i)
		}
	}
}

func TestGovernor_ContextCancelAbandonsWaiter(t *testing.T) {
	g := testGovernor(map[Class]Budget{
		ClassSend: {Capacity: 1, RefillPerSecond: 0.1, QueueSize: 5},
	})

	if err := g.Admit(context.Background(), ClassSend); err != nil {
		t.Fatalf("first Admit failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Admit(ctx, ClassSend)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("canceled Admit = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled Admit never returned")
	}
}

func TestGovernor_UnknownClass(t *testing.T) {
	g := testGovernor(map[Class]Budget{
		ClassSend: {Capacity: 1, RefillPerSecond: 1, QueueSize: 1},
	})

	if err := g.Admit(context.Background(), Class("bogus")); err != ErrUnknownClass {
		t.Errorf("Admit(bogus) = %v, want ErrUnknownClass", err)
	}
}

func TestGovernor_RecalibrateResyncsDivergentBucket(t *testing.T) {
	g := testGovernor(map[Class]Budget{
		ClassHTTP: {Capacity: 100, RefillPerSecond: 1, QueueSize: 10},
	})

	// Local estimate starts at 100 tokens; remote says only 10 remain.
	g.Recalibrate(ClassHTTP, 100, 10, time.Now().Add(30*time.Second))

	stats := g.Stats()[ClassHTTP]
	if stats.Tokens > 11 {
		t.Errorf("tokens after resync = %v, want ~10", stats.Tokens)
	}
}

func TestGovernor_RecalibrateWithinToleranceKeepsLocal(t *testing.T) {
	g := testGovernor(map[Class]Budget{
		ClassHTTP: {Capacity: 10, RefillPerSecond: 1, QueueSize: 10},
	})

	// Remote remaining 8 vs local 10 is within the default tolerance of 5.
	g.Recalibrate(ClassHTTP, 10, 8, time.Now().Add(10*time.Second))

	stats := g.Stats()[ClassHTTP]
	if stats.Tokens < 9 {
		t.Errorf("tokens = %v, want local estimate preserved (~10)", stats.Tokens)
	}
}

func TestGovernor_FIFOOrder(t *testing.T) {
	g := testGovernor(map[Class]Budget{
		ClassSend: {Capacity: 1, RefillPerSecond: 50, QueueSize: 10},
	})

	ctx := context.Background()
	if err := g.Admit(ctx, ClassSend); err != nil {
		t.Fatalf("first Admit failed: %v", err)
	}

	order := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			if err := g.Admit(ctx, ClassSend); err == nil {
				order <- i
			}
		}()
		// Stagger goroutine entry so queue order is deterministic.
		time.Sleep(30 * time.Millisecond)
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Errorf("waiter resolved out of order: got %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never resolved", want)
		}
	}
}
