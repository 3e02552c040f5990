package stats

import (
	"testing"
	"time"
)

func TestCountersSnapshotIsMonotonicAcrossAdds(t *testing.T) {
	var c Counters
	c.FilesProcessed.Add(5)
	c.DirsProcessed.Add(1)
	c.AddCustom("es_queue_wait_count", 2)
	first := c.Snapshot()

	c.FilesProcessed.Add(3)
	c.AddCustom("es_queue_wait_count", 1)
	second := c.Snapshot()

	if second.FilesProcessed < first.FilesProcessed {
		t.Fatalf("files processed went backwards: %d -> %d", first.FilesProcessed, second.FilesProcessed)
	}
	if second.Custom["es_queue_wait_count"] < first.Custom["es_queue_wait_count"] {
		t.Fatalf("custom counter went backwards")
	}
}

func TestSnapshotAddMergesCustom(t *testing.T) {
	a := Snapshot{FilesProcessed: 1, Custom: map[string]int64{"x": 1}}
	b := Snapshot{FilesProcessed: 2, Custom: map[string]int64{"x": 3, "y": 1}}
	sum := a.Add(b)
	if sum.FilesProcessed != 3 {
		t.Fatalf("FilesProcessed = %d, want 3", sum.FilesProcessed)
	}
	if sum.Custom["x"] != 4 || sum.Custom["y"] != 1 {
		t.Fatalf("custom merge wrong: %+v", sum.Custom)
	}
}

func TestSnapshotMapRoundTrip(t *testing.T) {
	s := Snapshot{FilesProcessed: 7, FileSizeTotal: 1024, Custom: map[string]int64{"retries": 2}}
	m := s.ToMap()
	got := SnapshotFromMap(m)
	if got.FilesProcessed != 7 || got.FileSizeTotal != 1024 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Custom["retries"] != 2 {
		t.Fatalf("custom round trip mismatch: %+v", got.Custom)
	}
}

func TestSlidingWindowSumsRecentSamples(t *testing.T) {
	w := NewSlidingWindow(time.Second, []time.Duration{2 * time.Second, 4 * time.Second})
	for i := 0; i < 4; i++ {
		w.AddSample(int64(i + 1)) // 1,2,3,4
	}
	got := w.GetAllWindows()
	if got[2*time.Second] != 7 { // last 2 samples: 3+4
		t.Errorf("2s window = %d, want 7", got[2*time.Second])
	}
	if got[4*time.Second] != 10 { // all 4 samples: 1+2+3+4
		t.Errorf("4s window = %d, want 10", got[4*time.Second])
	}
}

func TestSlidingWindowPartiallyFilled(t *testing.T) {
	w := NewSlidingWindow(time.Second, []time.Duration{5 * time.Second})
	w.AddSample(10)
	w.AddSample(20)
	got := w.GetAllWindows()
	if got[5*time.Second] != 30 {
		t.Errorf("window sum = %d, want 30", got[5*time.Second])
	}
}
