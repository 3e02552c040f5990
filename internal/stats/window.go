package stats

import (
	"sync"
	"time"
)

// SlidingWindow implements spec §4.6: SlidingWindowStats(buckets), one
// fixed-size ring buffer of samples, sized for the largest window, from
// which each window size sums its own most recent samples; used by the
// coordinator to compute short/medium/long rate estimates for its interim
// statistics printout. Ditto's pipeline only ever computed a single
// elapsed-time rate (internal/scan/pipeline.go's progressLog); this
// generalizes that into the multi-window estimator the spec calls for.
type SlidingWindow struct {
	interval time.Duration
	buckets  []bucket

	mu      sync.Mutex
	samples []int64 // ring buffer of per-interval deltas
	pos     int
	filled  bool
}

type bucket struct {
	size    time.Duration
	samples int // size / interval, rounded up
}

// NewSlidingWindow builds a sliding-window estimator sampling every
// interval, with one summed window per size in windows (e.g.
// []time.Duration{60*time.Second, 300*time.Second, 900*time.Second}).
func NewSlidingWindow(interval time.Duration, windows []time.Duration) *SlidingWindow {
	if interval <= 0 {
		interval = time.Second
	}
	buckets := make([]bucket, len(windows))
	maxSamples := 1
	for i, w := range windows {
		n := int((w + interval - 1) / interval)
		if n < 1 {
			n = 1
		}
		buckets[i] = bucket{size: w, samples: n}
		if n > maxSamples {
			maxSamples = n
		}
	}
	return &SlidingWindow{
		interval: interval,
		buckets:  buckets,
		samples:  make([]int64, maxSamples),
	}
}

// AddSample records a per-interval observation (spec §4.6's add_sample).
func (s *SlidingWindow) AddSample(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[s.pos] = delta
	s.pos = (s.pos + 1) % len(s.samples)
	if s.pos == 0 {
		s.filled = true
	}
}

// GetAllWindows returns, for each configured window size, the sum over the
// last size/interval samples (spec §4.6's get_all_windows), keyed by the
// window duration.
func (s *SlidingWindow) GetAllWindows() map[time.Duration]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.samples)
	available := n
	if !s.filled {
		available = s.pos
	}
	out := make(map[time.Duration]int64, len(s.buckets))
	for _, b := range s.buckets {
		count := b.samples
		if count > available {
			count = available
		}
		var sum int64
		idx := s.pos
		for i := 0; i < count; i++ {
			idx = (idx - 1 + n) % n
			sum += s.samples[idx]
		}
		out[b.size] = sum
	}
	return out
}
