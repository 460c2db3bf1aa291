package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunService_RequiresRun(t *testing.T) {
	err := RunService(context.Background(), ServiceOptions{
		LogPrefix:     "[test]",
		DisableDotEnv: true,
	})
	if !errors.Is(err, ErrInvalidRunner) {
		t.Fatalf("RunService() error=%v, want %v", err, ErrInvalidRunner)
	}
}

func TestRunService_CancelIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RunService(ctx, ServiceOptions{
		DisableDotEnv: true,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("RunService() error=%v, want nil", err)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("EXE_CODE_TEST_BOOL", "off")
	t.Setenv("EXE_CODE_TEST_INT", "42")
	t.Setenv("EXE_CODE_TEST_SECS", "1.5")
	t.Setenv("EXE_CODE_TEST_LIST", "a, b;c  d")
	t.Setenv("EXE_CODE_TEST_BAD", "nope")

	if b, err := EnvBool("EXE_CODE_TEST_BOOL", true); err != nil || b {
		t.Fatalf("EnvBool = %v, %v", b, err)
	}
	if n, err := EnvInt64("EXE_CODE_TEST_INT", 0); err != nil || n != 42 {
		t.Fatalf("EnvInt64 = %v, %v", n, err)
	}
	if d, err := EnvSeconds("EXE_CODE_TEST_SECS", 0); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("EnvSeconds = %v, %v", d, err)
	}
	if got := EnvList("EXE_CODE_TEST_LIST"); len(got) != 4 || got[3] != "d" {
		t.Fatalf("EnvList = %v", got)
	}
	if _, err := EnvBool("EXE_CODE_TEST_BAD", false); err == nil {
		t.Fatalf("expected error for invalid bool")
	}
}

func TestIsDotEnvDisabled(t *testing.T) {
	t.Setenv("EXE_CODE_DOTENV", "0")
	if !IsDotEnvDisabled() {
		t.Fatalf("expected dotenv to be disabled")
	}
	t.Setenv("EXE_CODE_DOTENV", "1")
	if IsDotEnvDisabled() {
		t.Fatalf("expected dotenv to be enabled")
	}
}

func TestWatchFile_ReportsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- WatchFile(ctx, path, "[test]", func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	deadline := time.After(5 * time.Second)
	// Writes are spaced wider than the debounce so one of them settles.
	tick := time.NewTicker(watchDebounce + 200*time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-changed:
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("WatchFile: %v", err)
			}
			return
		case <-tick.C:
			_ = os.WriteFile(path, []byte(`{"user":["1"]}`), 0o644)
		case <-deadline:
			t.Fatalf("no change reported")
		}
	}
}
