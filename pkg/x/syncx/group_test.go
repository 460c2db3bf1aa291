package syncx

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGroup_StopCancelsAndWaits(t *testing.T) {
	t.Parallel()

	g := NewGroup(nil)

	done := make(chan struct{})
	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		close(done)
		return nil
	})

	if err := g.Stop(); err != nil {
		t.Fatalf("Stop() error=%v", err)
	}

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected goroutine to exit after Stop")
	}
}

func TestGroup_FirstErrorCancelsOthers(t *testing.T) {
	t.Parallel()

	g := NewGroup(context.Background())
	boom := errors.New("boom")

	g.Go(func(ctx context.Context) error { return boom })
	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := g.Wait(); !errors.Is(err, boom) {
		t.Fatalf("Wait() error=%v, want %v", err, boom)
	}
}
