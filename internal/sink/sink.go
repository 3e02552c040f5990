// Package sink implements the sink forwarder (spec §4.3, component C3):
// a pool of forwarder goroutines that drain the engine's data queue and
// deliver records to an external backend at least once, with
// retry-with-backoff, producer-side backpressure, and a bounded
// flush-on-shutdown. The retry/backoff and rate-limited worker pool
// shape is grounded on eargollo-ditto's hash phase
// (internal/hash/run.go's runHashPhaseProducerConsumer): a bounded
// channel of jobs, a fixed worker count, an atomic completion counter,
// and an optional golang.org/x/time/rate limiter per worker.
package sink

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/clustermeta/psscan/internal/handler"
	"github.com/clustermeta/psscan/internal/logging"
)

// Backend is an external sink destination. SendDir exists separately
// from Send because some backends (spec §4.3's {SEND_DIR, records})
// treat directory-level records (e.g. aggregate rollups) differently
// from file-level records.
type Backend interface {
	Send(ctx context.Context, records []handler.Record) error
	SendDir(ctx context.Context, records []handler.Record) error
	Close() error
}

type itemKind int

const (
	kindSend itemKind = iota
	kindSendDir
)

type dataItem struct {
	kind    itemKind
	records []handler.Record
}

// Config holds the spec §4.3 tunables.
type Config struct {
	// Workers is the fixed forwarder pool size.
	Workers int
	// MaxSendQSize is the backpressure threshold.
	MaxSendQSize int
	// SendQSleep is how long a producer sleeps between backpressure
	// re-checks.
	SendQSleep time.Duration
	// MaxQWaitLoops bounds how many times a producer re-checks before
	// proceeding regardless (spec §4.3).
	MaxQWaitLoops int
	// RetryBackoffMin/Max bound a forwarder's exponential backoff on
	// transient backend errors.
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	// MaxRetries caps the retries after a batch's first attempt (so up
	// to MaxRetries+1 attempts) before it is logged and dropped
	// (terminal error, spec §4.3).
	MaxRetries int
	// MaxRecordsPerSecond is the record rate of one limiter shared by
	// every forwarder goroutine; 0 means unthrottled. A batch with more
	// records than MaxRecordsPerSecond is not delayed by the limiter.
	MaxRecordsPerSecond int
	// FlushDeadline bounds how long Shutdown(flush=true) waits for
	// forwarders to drain (spec §4.3 default 120s).
	FlushDeadline time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		MaxSendQSize:    10_000,
		SendQSleep:      50 * time.Millisecond,
		MaxQWaitLoops:   20,
		RetryBackoffMin: 100 * time.Millisecond,
		RetryBackoffMax: 10 * time.Second,
		MaxRetries:      5,
		FlushDeadline:   120 * time.Second,
	}
}

// TransientError wraps a Backend error to mark it retryable. Errors not
// wrapped this way are treated as terminal (batch logged and dropped).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Forwarder is the sink forwarder pool (C3).
type Forwarder struct {
	cfg     Config
	backend Backend
	log     *logging.Logger

	q        *itemQueue
	pending  atomic.Int64
	dropped  atomic.Int64
	sent     atomic.Int64
	retries  atomic.Int64

	limiter *rate.Limiter
	grp     *errgroup.Group
	abandon atomic.Bool
}

// New builds a Forwarder delivering to backend.
func New(cfg Config, backend Backend, log *logging.Logger) *Forwarder {
	d := DefaultConfig()
	if cfg.Workers > 0 {
		d.Workers = cfg.Workers
	}
	if cfg.MaxSendQSize > 0 {
		d.MaxSendQSize = cfg.MaxSendQSize
	}
	if cfg.SendQSleep > 0 {
		d.SendQSleep = cfg.SendQSleep
	}
	if cfg.MaxQWaitLoops > 0 {
		d.MaxQWaitLoops = cfg.MaxQWaitLoops
	}
	if cfg.RetryBackoffMin > 0 {
		d.RetryBackoffMin = cfg.RetryBackoffMin
	}
	if cfg.RetryBackoffMax > 0 {
		d.RetryBackoffMax = cfg.RetryBackoffMax
	}
	if cfg.MaxRetries > 0 {
		d.MaxRetries = cfg.MaxRetries
	}
	if cfg.FlushDeadline > 0 {
		d.FlushDeadline = cfg.FlushDeadline
	}
	d.MaxRecordsPerSecond = cfg.MaxRecordsPerSecond
	if log == nil {
		log = logging.New("sink")
	}
	var limiter *rate.Limiter
	if d.MaxRecordsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.MaxRecordsPerSecond), d.MaxRecordsPerSecond)
	}
	f := &Forwarder{cfg: d, backend: backend, log: log, q: newItemQueue(), limiter: limiter, grp: &errgroup.Group{}}
	for i := 0; i < d.Workers; i++ {
		idx := i
		f.grp.Go(func() error {
			f.runWorkerSafe(idx)
			return nil
		})
	}
	return f
}

// Enqueue implements handler.SinkQueue: it is the producer side of the
// data queue, applying backpressure before pushing (spec §4.3).
func (f *Forwarder) Enqueue(records []handler.Record) {
	f.waitForRoom()
	f.pending.Add(1)
	f.q.Push(dataItem{kind: kindSend, records: records})
}

// EnqueueDir pushes a {SEND_DIR, records} item.
func (f *Forwarder) EnqueueDir(records []handler.Record) {
	f.waitForRoom()
	f.pending.Add(1)
	f.q.Push(dataItem{kind: kindSendDir, records: records})
}

func (f *Forwarder) waitForRoom() {
	for i := 0; i < f.cfg.MaxQWaitLoops; i++ {
		if int(f.pending.Load()) <= f.cfg.MaxSendQSize {
			return
		}
		time.Sleep(f.cfg.SendQSleep)
	}
	// Proceed regardless: the scan continues and the sink catches up
	// (spec §4.3).
}

// Shutdown implements the {EXIT, {flush}} command (spec §4.3). When
// flush is true it closes the queue (so pending items still drain) and
// waits up to cfg.FlushDeadline for every forwarder to exit, returning
// an error if the deadline is exceeded. When flush is false it abandons
// immediately: forwarders stop after their in-flight item rather than
// draining the rest of the queue.
func (f *Forwarder) Shutdown(flush bool) error {
	if !flush {
		f.abandon.Store(true)
	}
	f.q.Close()

	done := make(chan struct{})
	go func() {
		_ = f.grp.Wait()
		close(done)
	}()

	if !flush {
		<-done
		return f.backend.Close()
	}

	select {
	case <-done:
		return f.backend.Close()
	case <-time.After(f.cfg.FlushDeadline):
		f.log.Warnf("sink flush deadline exceeded; forwarders abandoned, possible data loss (dropped=%d pending=%d)", f.dropped.Load(), f.pending.Load())
		return errors.New("sink: flush deadline exceeded")
	}
}

// Stats reports cumulative forwarder counters for the worker's
// diagnostic stats (spec §3's custom sub-mapping).
func (f *Forwarder) Stats() (sent, dropped, retries, pending int64) {
	return f.sent.Load(), f.dropped.Load(), f.retries.Load(), f.pending.Load()
}

func (f *Forwarder) runWorkerSafe(idx int) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Errorf("forwarder %d panic: %v", idx, r)
		}
	}()
	f.runWorker(idx)
}

func (f *Forwarder) runWorker(idx int) {
	ctx := context.Background()
	for {
		if f.abandon.Load() {
			return
		}
		it, ok := <-f.q.Out()
		if !ok {
			return
		}
		f.deliver(ctx, it)
		f.pending.Add(-1)
		if f.abandon.Load() {
			return
		}
	}
}

func (f *Forwarder) deliver(ctx context.Context, it dataItem) {
	if f.limiter != nil {
		_ = f.limiter.WaitN(ctx, max(1, len(it.records)))
	}
	backoff := f.cfg.RetryBackoffMin
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		var err error
		if it.kind == kindSendDir {
			err = f.backend.SendDir(ctx, it.records)
		} else {
			err = f.backend.Send(ctx, it.records)
		}
		if err == nil {
			f.sent.Add(int64(len(it.records)))
			return
		}
		var transient *TransientError
		if !errors.As(err, &transient) {
			f.log.Errorf("sink: terminal error, dropping batch of %d records: %v", len(it.records), err)
			f.dropped.Add(int64(len(it.records)))
			return
		}
		f.retries.Add(1)
		f.log.Warnf("sink: transient error (attempt %d/%d): %v", attempt+1, f.cfg.MaxRetries, err)
		time.Sleep(jitter(backoff))
		backoff *= 2
		if backoff > f.cfg.RetryBackoffMax {
			backoff = f.cfg.RetryBackoffMax
		}
	}
	f.log.Errorf("sink: exhausted retries, dropping batch of %d records", len(it.records))
	f.dropped.Add(int64(len(it.records)))
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
