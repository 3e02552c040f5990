// Package stats implements the statistics snapshot (spec §3) produced by
// the scanner engine, the sliding-window rate estimator (spec §4.6), and
// the per-thread atomic counters that feed both. Counters are monotonic
// within a scan, matching the "Monotonic counters" testable property
// (spec §8.2).
package stats

import (
	"sync"
	"sync/atomic"
)

// Snapshot is a point-in-time statistics report (spec §3's "Statistics
// snapshot"), aggregated by summing every scanner thread's Counters.
type Snapshot struct {
	DirsProcessed         int64          `json:"dirs_processed"`
	DirsQueued            int64          `json:"dirs_queued"`
	DirsSkipped           int64          `json:"dirs_skipped"`
	FilesProcessed        int64          `json:"files_processed"`
	FilesQueued           int64          `json:"files_queued"`
	FilesSkipped          int64          `json:"files_skipped"`
	FileSizeTotal         int64          `json:"file_size_total"`
	FileSizePhysicalTotal int64          `json:"file_size_physical_total"`
	HandlerTimeNanos      int64          `json:"handler_time_nanos"`
	Custom                map[string]int64 `json:"custom"`
}

// Add returns the element-wise sum of s and o, merging Custom maps.
func (s Snapshot) Add(o Snapshot) Snapshot {
	out := Snapshot{
		DirsProcessed:         s.DirsProcessed + o.DirsProcessed,
		DirsQueued:            s.DirsQueued + o.DirsQueued,
		DirsSkipped:           s.DirsSkipped + o.DirsSkipped,
		FilesProcessed:        s.FilesProcessed + o.FilesProcessed,
		FilesQueued:           s.FilesQueued + o.FilesQueued,
		FilesSkipped:          s.FilesSkipped + o.FilesSkipped,
		FileSizeTotal:         s.FileSizeTotal + o.FileSizeTotal,
		FileSizePhysicalTotal: s.FileSizePhysicalTotal + o.FileSizePhysicalTotal,
		HandlerTimeNanos:      s.HandlerTimeNanos + o.HandlerTimeNanos,
		Custom:                make(map[string]int64, len(s.Custom)+len(o.Custom)),
	}
	for k, v := range s.Custom {
		out.Custom[k] += v
	}
	for k, v := range o.Custom {
		out.Custom[k] += v
	}
	return out
}

// ToMap renders the snapshot as the "data" payload of a client_status_stats
// message (spec §6.1), a plain map so it travels over the JSON wire
// transport without a schema.
func (s Snapshot) ToMap() map[string]any {
	custom := make(map[string]any, len(s.Custom))
	for k, v := range s.Custom {
		custom[k] = v
	}
	return map[string]any{
		"dirs_processed":           s.DirsProcessed,
		"dirs_queued":              s.DirsQueued,
		"dirs_skipped":             s.DirsSkipped,
		"files_processed":          s.FilesProcessed,
		"files_queued":             s.FilesQueued,
		"files_skipped":            s.FilesSkipped,
		"file_size_total":          s.FileSizeTotal,
		"file_size_physical_total": s.FileSizePhysicalTotal,
		"handler_time_nanos":       s.HandlerTimeNanos,
		"custom":                   custom,
	}
}

// SnapshotFromMap parses the "data" payload of a client_status_stats
// message back into a Snapshot, tolerating the float64 JSON numbers
// produced by decoding the wire format.
func SnapshotFromMap(m map[string]any) Snapshot {
	get := func(k string) int64 {
		switch v := m[k].(type) {
		case int64:
			return v
		case float64:
			return int64(v)
		case int:
			return int64(v)
		default:
			return 0
		}
	}
	s := Snapshot{
		DirsProcessed:         get("dirs_processed"),
		DirsQueued:            get("dirs_queued"),
		DirsSkipped:           get("dirs_skipped"),
		FilesProcessed:        get("files_processed"),
		FilesQueued:           get("files_queued"),
		FilesSkipped:          get("files_skipped"),
		FileSizeTotal:         get("file_size_total"),
		FileSizePhysicalTotal: get("file_size_physical_total"),
		HandlerTimeNanos:      get("handler_time_nanos"),
		Custom:                map[string]int64{},
	}
	if custom, ok := m["custom"].(map[string]any); ok {
		for k, v := range custom {
			switch n := v.(type) {
			case float64:
				s.Custom[k] = int64(n)
			case int64:
				s.Custom[k] = n
			}
		}
	}
	return s
}

// Counters are the atomics a single scanner thread updates on its own
// hot path (no locking, per spec §5's "Statistics" concurrency model).
// AddCustom adds handler-specific counters to a small mutex-guarded map
// kept per Counters (spec §3's "custom sub-mapping").
type Counters struct {
	DirsProcessed         atomic.Int64
	DirsQueued            atomic.Int64
	DirsSkipped           atomic.Int64
	FilesProcessed        atomic.Int64
	FilesQueued           atomic.Int64
	FilesSkipped          atomic.Int64
	FileSizeTotal         atomic.Int64
	FileSizePhysicalTotal atomic.Int64
	HandlerTimeNanos      atomic.Int64

	custom customCounters
}

// customCounters is a minimal goroutine-safe string->int64 counter map,
// used only for the handler-specific "custom" sub-mapping, which is
// updated far less often than the hot-path atomics above.
type customCounters struct {
	mu     sync.Mutex
	values map[string]int64
}

func (c *customCounters) Add(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]int64)
	}
	c.values[name] += delta
}

func (c *customCounters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Snapshot reads the current values of c without locking the hot path.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		DirsProcessed:         c.DirsProcessed.Load(),
		DirsQueued:            c.DirsQueued.Load(),
		DirsSkipped:           c.DirsSkipped.Load(),
		FilesProcessed:        c.FilesProcessed.Load(),
		FilesQueued:           c.FilesQueued.Load(),
		FilesSkipped:          c.FilesSkipped.Load(),
		FileSizeTotal:         c.FileSizeTotal.Load(),
		FileSizePhysicalTotal: c.FileSizePhysicalTotal.Load(),
		HandlerTimeNanos:      c.HandlerTimeNanos.Load(),
		Custom:                c.custom.Snapshot(),
	}
}

// AddCustom adds delta to the named custom counter (e.g. a handler's
// "es_queue_wait_count", spec §8's S5 scenario).
func (c *Counters) AddCustom(name string, delta int64) {
	c.custom.Add(name, delta)
}
