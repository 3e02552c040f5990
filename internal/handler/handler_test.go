package handler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clustermeta/psscan/internal/identity"
)

func writeFiles(t *testing.T, dir string, n int) []string {
	t.Helper()
	names := make([]string, n)
	for i := 0; i < n; i++ {
		name := filepath.Base(dir) + "-" + string(rune('a'+i))
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		names[i] = name
	}
	return names
}

func newShared() *SharedState {
	return &SharedState{
		Options:  &Options{},
		Identity: identity.New(identity.Config{TTL: time.Minute, MaxSize: 100}),
	}
}

func TestProcessBatchRecordsEveryFile(t *testing.T) {
	dir := t.TempDir()
	names := writeFiles(t, dir, 3)

	b := NewBasic(newShared())
	scratch, err := b.InitThread()
	if err != nil {
		t.Fatalf("init_thread: %v", err)
	}
	res, err := b.ProcessBatch(context.Background(), dir, names, scratch, time.Now())
	if err != nil {
		t.Fatalf("process_batch: %v", err)
	}
	if res.Processed != int64(len(names)) {
		t.Fatalf("processed = %d, want %d", res.Processed, len(names))
	}
	if res.Skipped != 0 {
		t.Fatalf("skipped = %d, want 0", res.Skipped)
	}
}

func TestProcessBatchSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	b := NewBasic(newShared())
	scratch, _ := b.InitThread()
	res, err := b.ProcessBatch(context.Background(), dir, []string{"nope"}, scratch, time.Now())
	if err != nil {
		t.Fatalf("process_batch: %v", err)
	}
	if res.Skipped != 1 || res.Processed != 0 {
		t.Fatalf("got processed=%d skipped=%d, want 0/1", res.Processed, res.Skipped)
	}
}

// TestProcessBatchHonorsMaxFilesPerSecond exercises the throttle
// installed by SetMaxFilesPerSecond: with a burst of 2 and a rate of 2
// files/s, a batch of several files must take observably longer than it
// would unthrottled.
func TestProcessBatchHonorsMaxFilesPerSecond(t *testing.T) {
	dir := t.TempDir()
	names := writeFiles(t, dir, 4)

	shared := newShared()
	shared.SetMaxFilesPerSecond(2) // burst of 2, then 1 token per 500ms
	b := NewBasic(shared)
	scratch, _ := b.InitThread()

	start := time.Now()
	if _, err := b.ProcessBatch(context.Background(), dir, names, scratch, start); err != nil {
		t.Fatalf("process_batch: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 200*time.Millisecond {
		t.Fatalf("elapsed = %v, want throttling to stretch a 4-file batch at 2/s past 200ms", elapsed)
	}
}

func TestSetMaxFilesPerSecondDisablesThrottleAtZero(t *testing.T) {
	shared := newShared()
	shared.SetMaxFilesPerSecond(5)
	if shared.rateLimiter() == nil {
		t.Fatal("expected a limiter after SetMaxFilesPerSecond(5)")
	}
	shared.SetMaxFilesPerSecond(0)
	if shared.rateLimiter() != nil {
		t.Fatal("expected no limiter after SetMaxFilesPerSecond(0)")
	}
}
