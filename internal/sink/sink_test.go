package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clustermeta/psscan/internal/handler"
)

type fakeBackend struct {
	mu       sync.Mutex
	sent     []handler.Record
	sentDirs []handler.Record
	failN    int // number of Send calls to fail with a transient error before succeeding
	calls    int
	closed   bool
}

func (f *fakeBackend) Send(ctx context.Context, records []handler.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return &TransientError{Err: errTransient}
	}
	f.sent = append(f.sent, records...)
	return nil
}

func (f *fakeBackend) SendDir(ctx context.Context, records []handler.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentDirs = append(f.sentDirs, records...)
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var errTransient = simpleErr("transient")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func TestForwarderDeliversAllRecords(t *testing.T) {
	backend := &fakeBackend{}
	f := New(Config{Workers: 2, RetryBackoffMin: time.Millisecond, RetryBackoffMax: 5 * time.Millisecond}, backend, nil)

	f.Enqueue([]handler.Record{{"path": "/a"}})
	f.Enqueue([]handler.Record{{"path": "/b"}})
	if err := f.Shutdown(true); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 2 {
		t.Fatalf("sent %d records, want 2", len(backend.sent))
	}
	if !backend.closed {
		t.Fatal("backend should be closed after flush shutdown")
	}
}

func TestForwarderRetriesTransientErrors(t *testing.T) {
	backend := &fakeBackend{failN: 2}
	f := New(Config{Workers: 1, RetryBackoffMin: time.Millisecond, RetryBackoffMax: 2 * time.Millisecond, MaxRetries: 5}, backend, nil)

	f.Enqueue([]handler.Record{{"path": "/a"}})
	if err := f.Shutdown(true); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 1 {
		t.Fatalf("sent %d records, want 1 after retries", len(backend.sent))
	}
	if backend.calls != 3 {
		t.Fatalf("backend called %d times, want 3 (2 failures + 1 success)", backend.calls)
	}
}

func TestForwarderDropsAfterExhaustingRetries(t *testing.T) {
	backend := &fakeBackend{failN: 1000}
	f := New(Config{Workers: 1, RetryBackoffMin: time.Microsecond, RetryBackoffMax: time.Millisecond, MaxRetries: 2}, backend, nil)

	f.Enqueue([]handler.Record{{"path": "/a"}})
	if err := f.Shutdown(true); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	sent, dropped, retries, _ := f.Stats()
	if sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
	if dropped == 0 {
		t.Fatal("expected dropped count after retry exhaustion")
	}
	if retries == 0 {
		t.Fatal("expected retry count to be nonzero")
	}
}

func TestShutdownAbandonDoesNotBlockOnQueue(t *testing.T) {
	backend := &fakeBackend{}
	f := New(Config{Workers: 1}, backend, nil)
	for i := 0; i < 100; i++ {
		f.Enqueue([]handler.Record{{"path": "/x"}})
	}
	done := make(chan error, 1)
	go func() { done <- f.Shutdown(false) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("abandon shutdown returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abandon shutdown should not block on queue depth")
	}
}

func TestSendDirRoutesToSendDir(t *testing.T) {
	backend := &fakeBackend{}
	f := New(Config{Workers: 1}, backend, nil)
	f.EnqueueDir([]handler.Record{{"dir": "/a"}})
	if err := f.Shutdown(true); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sentDirs) != 1 {
		t.Fatalf("sentDirs = %d, want 1", len(backend.sentDirs))
	}
}
