// Package engine implements the scanner engine (spec §4.2, component
// C2): a bounded pool of scanner threads draining a directory queue and
// a file queue, invoking a pluggable file handler, and publishing
// aggregated statistics. It is grounded on eargollo-ditto's walker/writer
// pipeline (internal/scan/pipeline.go) for its concurrency shape —
// per-goroutine counters, panic-safe worker wrappers, a mutex-guarded
// queue feeding goroutines — generalized from ditto's fixed
// walker/writer split into a single interchangeable thread pool that
// does both jobs per spec §4.2's per-thread loop.
package engine

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clustermeta/psscan/internal/handler"
	"github.com/clustermeta/psscan/internal/logging"
	"github.com/clustermeta/psscan/internal/stats"
)

// ThreadState mirrors spec §4.2's per-thread state machine.
type ThreadState int32

const (
	StateIdle ThreadState = iota
	StateScanningDir
	StateHandlingFile
)

func (s ThreadState) String() string {
	switch s {
	case StateScanningDir:
		return "scanning_dir"
	case StateHandlingFile:
		return "handling_file"
	default:
		return "idle"
	}
}

// Config holds the tunables spec §4.2 and §4.4 name for the engine.
type Config struct {
	// Threads is N, the scanner thread pool size (default 16).
	Threads int
	// DirPriorityCount biases toward listing directories once the
	// directory queue exceeds this size, even if the file queue is
	// not yet drained (spec §4.2 step 1).
	DirPriorityCount int
	// FileQCutoff is the file-queue depth at or below which a thread
	// prefers listing a directory over draining files (spec §4.2
	// step 1).
	FileQCutoff int
	// FileChunk is the batch size a directory listing is split into
	// (spec §4.2's "File queue").
	FileChunk int
	// BackoffMin/BackoffMax bound the idle backoff of step 3.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Threads:          16,
		DirPriorityCount: 4,
		FileQCutoff:      64,
		FileChunk:        500,
		BackoffMin:       5 * time.Millisecond,
		BackoffMax:       250 * time.Millisecond,
	}
}

// Engine is the scanner engine (C2).
type Engine struct {
	cfg     Config
	handler handler.Handler
	log     *logging.Logger

	dirQ  *dirQueue
	fileQ *fileQueue

	counters []*stats.Counters
	states   []atomic.Int32

	grp     *errgroup.Group
	cancel  context.CancelFunc
	started atomic.Bool
}

// New builds an Engine. cfg is normalized so a zero Config behaves like
// DefaultConfig for any field left at zero.
func New(cfg Config, h handler.Handler, log *logging.Logger) *Engine {
	d := DefaultConfig()
	if cfg.Threads > 0 {
		d.Threads = cfg.Threads
	}
	if cfg.DirPriorityCount > 0 {
		d.DirPriorityCount = cfg.DirPriorityCount
	}
	if cfg.FileQCutoff > 0 {
		d.FileQCutoff = cfg.FileQCutoff
	}
	if cfg.FileChunk > 0 {
		d.FileChunk = cfg.FileChunk
	}
	if cfg.BackoffMin > 0 {
		d.BackoffMin = cfg.BackoffMin
	}
	if cfg.BackoffMax > 0 {
		d.BackoffMax = cfg.BackoffMax
	}
	if log == nil {
		log = logging.New("engine")
	}
	return &Engine{
		cfg:      d,
		handler:  h,
		log:      log,
		dirQ:     newDirQueue(),
		fileQ:    newFileQueue(),
		counters: make([]*stats.Counters, d.Threads),
		states:   make([]atomic.Int32, d.Threads),
	}
}

// AddScanPath appends paths to the directory queue (spec §4.2).
func (e *Engine) AddScanPath(paths ...string) {
	e.dirQ.PushBack(paths...)
}

// GetDirQueueItems removes up to max(count, ceil(percentage*size)) paths
// from the tail of the directory queue, for redistribution to another
// worker (spec §4.2).
func (e *Engine) GetDirQueueItems(count int, percentage float64) []string {
	return e.dirQ.PopTail(count, percentage)
}

// GetDirQueueSize reports the directory queue depth.
func (e *Engine) GetDirQueueSize() int { return e.dirQ.Len() }

// GetFileQueueSize reports the file queue depth.
func (e *Engine) GetFileQueueSize() int { return e.fileQ.Len() }

// IsProcessing is true iff any thread is not idle (spec §4.2).
func (e *Engine) IsProcessing() bool {
	for i := range e.states {
		if ThreadState(e.states[i].Load()) != StateIdle {
			return true
		}
	}
	return false
}

// GetStats aggregates every thread's counters into one snapshot (spec
// §4.2's get_stats).
func (e *Engine) GetStats() stats.Snapshot {
	var total stats.Snapshot
	total.Custom = map[string]int64{}
	for _, c := range e.counters {
		if c == nil {
			continue
		}
		total = total.Add(c.Snapshot())
	}
	return total
}

// Start launches the thread pool. It is safe to call only once.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.grp = &errgroup.Group{}
	for i := 0; i < e.cfg.Threads; i++ {
		e.counters[i] = &stats.Counters{}
		idx := i
		e.grp.Go(func() error {
			e.runThreadSafe(runCtx, idx)
			return nil
		})
	}
}

// Terminate ends the pool: threads finish their current item, then
// exit; pending queue contents are discarded (spec §4.2's
// exit_on_idle=false contract). Terminate blocks until every thread has
// exited.
func (e *Engine) Terminate() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.grp != nil {
		_ = e.grp.Wait()
	}
}

// runThreadSafe recovers from a handler panic so one misbehaving
// handler never takes down the pool, mirroring ditto's
// runWalkerSafe/runWriterSafe wrappers in internal/scan/pipeline.go.
func (e *Engine) runThreadSafe(ctx context.Context, idx int) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("scanner thread %d panic: %v", idx, r)
		}
	}()
	e.runThread(ctx, idx)
}

func (e *Engine) runThread(ctx context.Context, idx int) {
	scratch, err := e.handler.InitThread()
	if err != nil {
		e.log.Errorf("thread %d init_thread failed: %v", idx, err)
		return
	}
	counters := e.counters[idx]
	backoff := e.cfg.BackoffMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if e.tryScanDir(idx, counters) {
			backoff = e.cfg.BackoffMin
			continue
		}
		if e.tryHandleFile(ctx, idx, scratch, counters) {
			backoff = e.cfg.BackoffMin
			continue
		}

		e.setState(idx, StateIdle)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > e.cfg.BackoffMax {
			backoff = e.cfg.BackoffMax
		}
	}
}

// jitter adds up to 20% random spread so a pool of idle threads doesn't
// wake in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

func (e *Engine) setState(idx int, s ThreadState) {
	e.states[idx].Store(int32(s))
}

// tryScanDir implements spec §4.2 step 1. Returns false if the
// condition to prefer directory listing does not hold, or the
// directory queue is empty.
func (e *Engine) tryScanDir(idx int, counters *stats.Counters) bool {
	dirQLen := e.dirQ.Len()
	if dirQLen == 0 {
		return false
	}
	fileQLen := e.fileQ.Len()
	if fileQLen > e.cfg.FileQCutoff && dirQLen <= e.cfg.DirPriorityCount {
		return false
	}

	dir, ok := e.dirQ.PopFront()
	if !ok {
		return false
	}
	e.setState(idx, StateScanningDir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		counters.DirsSkipped.Add(1)
		return true
	}

	var files []string
	var subdirs []string
	for _, ent := range entries {
		if ent.IsDir() {
			subdirs = append(subdirs, filepath.Join(dir, ent.Name()))
		} else {
			files = append(files, ent.Name())
		}
	}

	for start := 0; start < len(files); start += e.cfg.FileChunk {
		end := start + e.cfg.FileChunk
		if end > len(files) {
			end = len(files)
		}
		e.fileQ.PushBack(fileBatch{Dir: dir, Names: files[start:end]})
		counters.FilesQueued.Add(int64(end - start))
	}
	if len(subdirs) > 0 {
		e.dirQ.PushBack(subdirs...)
		counters.DirsQueued.Add(int64(len(subdirs)))
	}
	counters.DirsProcessed.Add(1)
	return true
}

// tryHandleFile implements spec §4.2 step 2.
func (e *Engine) tryHandleFile(ctx context.Context, idx int, scratch handler.ThreadScratch, counters *stats.Counters) bool {
	batch, ok := e.fileQ.PopFront()
	if !ok {
		return false
	}
	e.setState(idx, StateHandlingFile)

	start := time.Now()
	result, err := e.handler.ProcessBatch(ctx, batch.Dir, batch.Names, scratch, start)
	counters.HandlerTimeNanos.Add(time.Since(start).Nanoseconds())
	if err != nil {
		e.log.Warnf("handler error on %s: %v", batch.Dir, err)
		counters.FilesSkipped.Add(int64(len(batch.Names)))
		return true
	}
	counters.FilesProcessed.Add(result.Processed)
	counters.FilesSkipped.Add(result.Skipped)
	for _, rec := range result.Records {
		if sz, ok := rec["size"].(int64); ok {
			counters.FileSizeTotal.Add(sz)
			counters.FileSizePhysicalTotal.Add(sz)
		}
	}
	if len(result.QDirs) > 0 {
		e.dirQ.PushBack(result.QDirs...)
		counters.DirsQueued.Add(int64(len(result.QDirs)))
	}
	return true
}
