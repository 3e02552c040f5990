// Package handler defines the pluggable file-handler contract (spec
// §6.2): a function invoked by the scanner engine for each file batch,
// and a "basic" implementation that stands in for real per-file metadata
// extraction (opening the inode, reading storage-pool attributes,
// translating identity) — explicitly out of scope for the core (spec
// §1), but given a concrete, runnable shape here so the engine and sink
// can be exercised end to end.
//
// The polymorphism described in spec §9 Design Notes ("a capability
// interface with two methods: process_batch(...) and init_thread()") is
// this package's Handler interface.
package handler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clustermeta/psscan/internal/identity"
	"github.com/clustermeta/psscan/internal/stats"
)

// Record is a file record: a mapping from string field name to
// heterogeneous value (spec §3's "File record"). The core treats these as
// opaque payloads produced by the handler and forwarded to the sink.
type Record map[string]any

// Result is what a Handler returns for one batch (spec §6.2).
type Result struct {
	Processed int64
	Skipped   int64
	Records   []Record
	// QDirs are additional directories the handler wants enqueued, e.g.
	// for filesystems where stat-time produces new paths (snapshot
	// fan-out, spec §4.2 "Edge policies").
	QDirs []string
}

// ThreadScratch is the opaque per-thread scratch area obtained from
// InitThread, e.g. a reused buffer or a per-thread ACL cache handle.
type ThreadScratch any

// SinkQueue is the narrow slice of the sink forwarder a handler needs:
// enqueue records for eventual delivery to the external sink. Kept
// narrow and defined here (rather than importing internal/sink) so
// internal/handler has no dependency on the sink package; internal/sink
// depends on internal/handler for the Record type instead.
type SinkQueue interface {
	Enqueue(records []Record)
}

// Options are handler-specific runtime knobs, pushed by the coordinator
// via config_update's "client_config" field (spec §4.4).
type Options struct {
	// MaxFilesPerSecond records the per-worker file rate last applied
	// through SharedState.SetMaxFilesPerSecond, whose single limiter is
	// shared by every scanner thread; 0 means no throttle. Setting this
	// field by itself installs no limiter. Mirrors eargollo-ditto's
	// maxFilesPerSecond handling in scan/pipeline.go and hash/run.go.
	MaxFilesPerSecond int
	// IndexName names the downstream sink target (e.g. search index name).
	IndexName string
}

// SharedState is the "tagged struct" spec §9 Design Notes calls for in
// place of the source's open-ended custom_state bag: the sink queue, the
// options struct, and (via Identity) the dependency-injected ACL cache
// that replaces the source's global auth-cache singleton.
type SharedState struct {
	Sink     SinkQueue
	Options  *Options
	Identity *identity.Cache

	limMu   sync.Mutex
	limiter *rate.Limiter
}

// SetMaxFilesPerSecond installs or retunes the shared per-worker file
// throttle (mirrors eargollo-ditto's maxFilesPerSecond). n <= 0 disables
// throttling. Safe to call while scanner threads are running: applyConfigUpdate
// uses this to retune the limiter live, without tearing down the engine,
// when a config_update's client_config changes max_files_per_second.
func (s *SharedState) SetMaxFilesPerSecond(n int) {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	if n <= 0 {
		s.limiter = nil
		return
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(n), n)
		return
	}
	s.limiter.SetLimit(rate.Limit(n))
	s.limiter.SetBurst(n)
}

func (s *SharedState) rateLimiter() *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	return s.limiter
}

// Handler is the capability interface a scanner engine thread invokes for
// each directory listing's file batch (spec §6.2).
type Handler interface {
	// InitThread is called once per scanner thread before it processes
	// any batch, returning scratch state private to that thread.
	InitThread() (ThreadScratch, error)
	// ProcessBatch handles one batch of filenames within root. now is the
	// scan-wide invocation time (injected so tests are deterministic).
	ProcessBatch(ctx context.Context, root string, names []string, scratch ThreadScratch, now time.Time) (Result, error)
}

// Basic is the default Handler: it Lstats each file, resolves owner
// identity through the shared identity cache, and builds a Record with
// the fields spec §3 calls out (timestamps, sizes, permissions) plus an
// ACL placeholder sub-mapping. Real storage-pool/ACL extraction is the
// out-of-scope collaborator spec §1 describes; Basic is the plausible
// stand-in that makes the rest of the system testable end to end.
type Basic struct {
	shared *SharedState
}

// NewBasic builds a Basic handler over shared state.
func NewBasic(shared *SharedState) *Basic {
	return &Basic{shared: shared}
}

type basicScratch struct {
	recordBuf []Record
}

func (b *Basic) InitThread() (ThreadScratch, error) {
	return &basicScratch{recordBuf: make([]Record, 0, 256)}, nil
}

// ProcessBatch implements Handler. Errors from an individual file are
// counted as skipped and logged by the caller (spec §4.2 "Failure
// semantics"); ProcessBatch itself returns an error only when ctx is
// cancelled mid-batch (including while waiting on the throttle), in
// which case it returns ctx.Err() with the counts gathered so far.
func (b *Basic) ProcessBatch(ctx context.Context, root string, names []string, scratch ThreadScratch, now time.Time) (Result, error) {
	sc, _ := scratch.(*basicScratch)
	if sc == nil {
		sc = &basicScratch{}
	}
	sc.recordBuf = sc.recordBuf[:0]

	var res Result
	var lim *rate.Limiter
	if b.shared != nil {
		lim = b.shared.rateLimiter()
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if lim != nil {
			if err := lim.WaitN(ctx, 1); err != nil {
				return res, ctx.Err()
			}
		}
		full := filepath.Join(root, name)
		info, err := os.Lstat(full)
		if err != nil {
			res.Skipped++
			continue
		}
		owner := b.shared.Identity.Translate(principalFor(info), full)
		rec := Record{
			"path":     full,
			"size":     info.Size(),
			"mtime":    info.ModTime().UTC(),
			"mode":     info.Mode().String(),
			"owner":    owner,
			"acl":      map[string]any{}, // out of scope: real ACL extraction
			"attrs":    map[string]any{}, // out of scope: real xattr extraction
			"scanned":  now.UTC(),
		}
		sc.recordBuf = append(sc.recordBuf, rec)
		res.Processed++
	}
	if len(sc.recordBuf) > 0 {
		res.Records = append([]Record(nil), sc.recordBuf...)
		if b.shared != nil && b.shared.Sink != nil {
			b.shared.Sink.Enqueue(res.Records)
		}
	}
	return res, nil
}

// principalFor derives a principal identifier for identity translation.
// Real systems key this off platform-specific uid/sid fields on info.Sys();
// this core treats that extraction as out of scope and uses the path's
// base name as a stable-enough stand-in for tests and demos.
func principalFor(info os.FileInfo) string {
	return "uid:" + info.Name()
}

// NewCounters returns a zeroed stats.Counters. The engine allocates its
// per-thread counters itself and does not call this.
func NewCounters() *stats.Counters { return &stats.Counters{} }
