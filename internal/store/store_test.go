package store

import (
	"os"
	"sync"
	"testing"
)

func TestConstStoreCreatesEmptyFile(t *testing.T) {
	t.Parallel()

	s := NewConstStore(t.TempDir())
	values, err := s.Load("OneBot V11:1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("expected empty values, got %v", values)
	}
	raw, err := os.ReadFile(s.Path("OneBot V11:1"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("expected {} on first access, got %q", raw)
	}
}

func TestConstStoreSetAndDelete(t *testing.T) {
	t.Parallel()

	s := NewConstStore(t.TempDir())
	if err := s.Set("u", "tv", map[string]any{"a": []any{int64(1), "2"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	values, err := s.Load("u")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tv, ok := values["tv"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected tv: %#v", values["tv"])
	}
	arr, ok := tv["a"].([]any)
	if !ok || len(arr) != 2 || arr[0] != float64(1) || arr[1] != "2" {
		t.Fatalf("unexpected tv.a: %#v", tv["a"])
	}

	if err := s.Set("u", "tv", nil); err != nil {
		t.Fatalf("Set nil: %v", err)
	}
	values, _ = s.Load("u")
	if _, ok := values["tv"]; ok {
		t.Fatalf("expected tv to be deleted")
	}
}

func TestConstStoreConcurrentSets(t *testing.T) {
	t.Parallel()

	s := NewConstStore(t.TempDir())
	var wg sync.WaitGroup
	names := []string{"a", "b", "c", "d", "e"}
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Set("u", name, name); err != nil {
				t.Errorf("Set %s: %v", name, err)
			}
		}()
	}
	wg.Wait()
	values, _ := s.Load("u")
	if len(values) != len(names) {
		t.Fatalf("expected %d values, got %v", len(names), values)
	}
}

func TestBufferDrain(t *testing.T) {
	t.Parallel()

	bufs := NewBuffers()
	b := bufs.Get("u")
	if bufs.Get("u") != b {
		t.Fatalf("registry should return the same buffer")
	}
	b.Write("1\n")
	b.Write("2\n")
	if got := b.Drain(); got != "1\n2\n" {
		t.Fatalf("unexpected drain: %q", got)
	}
	if got := b.Drain(); got != "" {
		t.Fatalf("buffer should be empty after drain, got %q", got)
	}
}
