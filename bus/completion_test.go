// ABOUTME: Tests for the Watermill-backed completion bus.
// ABOUTME: Completions published before Consume starts must still be delivered.
package bus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/taskflow/core"
)

func TestCompletionBusDeliversQueuedCompletions(t *testing.T) {
	b, err := NewCompletionBus(8)
	if err != nil {
		t.Fatalf("NewCompletionBus: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"run-a", "run-b"} {
		if err := b.Publish(ctx, core.RunCompletion{RunID: id, Status: core.RunCompleted, Outcome: "done"}); err != nil {
			t.Fatalf("Publish(%s): %v", id, err)
		}
	}

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, func(_ context.Context, rc core.RunCompletion) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, rc.RunID+":"+rc.Outcome)
			if rc.RunID == "run-a" {
				return errors.New("handler failure is logged, not redelivered")
			}
			return nil
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d completions, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Consume returned %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "run-a:done" || got[1] != "run-b:done" {
		t.Errorf("got = %v", got)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	b, err := NewCompletionBus(0)
	if err != nil {
		t.Fatalf("NewCompletionBus: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := b.Publish(context.Background(), core.RunCompletion{RunID: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
}
