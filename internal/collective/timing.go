package collective

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// OpStats summarizes the latency of one kind of collective, in microseconds.
type OpStats struct {
	Kind   Kind
	Count  int64
	Errors int64
	P50    int64
	P99    int64
	Max    int64
}

// Instrumented wraps a Transport and records the latency of every collective.
type Instrumented struct {
	Transport

	hists  map[Kind]*hdrhistogram.Histogram
	errors map[Kind]int64
	mu     sync.Mutex
}

// NewInstrumented wraps t.
func NewInstrumented(t Transport) *Instrumented {
	return &Instrumented{
		Transport: t,
		hists:     make(map[Kind]*hdrhistogram.Histogram),
		errors:    make(map[Kind]int64),
	}
}

// Broadcast records and forwards the call.
func (t *Instrumented) Broadcast(ctx context.Context, buf []byte, root int) error {
	start := time.Now()
	err := t.Transport.Broadcast(ctx, buf, root)
	t.record(KindBroadcast, start, err)
	return err
}

// Barrier records and forwards the call.
func (t *Instrumented) Barrier(ctx context.Context) error {
	start := time.Now()
	err := t.Transport.Barrier(ctx)
	t.record(KindBarrier, start, err)
	return err
}

// ReduceSum records and forwards the call.
func (t *Instrumented) ReduceSum(ctx context.Context, send, recv []uint64, root int) error {
	start := time.Now()
	err := t.Transport.ReduceSum(ctx, send, recv, root)
	t.record(KindReduceSum, start, err)
	return err
}

// Finalize records and forwards the call.
func (t *Instrumented) Finalize(ctx context.Context) error {
	start := time.Now()
	err := t.Transport.Finalize(ctx)
	t.record(KindFinalize, start, err)
	return err
}

func (t *Instrumented) record(kind Kind, start time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.errors[kind]++
		return
	}
	h, ok := t.hists[kind]
	if !ok {
		// 1µs .. 10min, 3 significant figures
		h = hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)
		t.hists[kind] = h
	}
	us := time.Since(start).Microseconds()
	if us < 1 {
		us = 1
	}
	_ = h.RecordValue(us)
}

// Stats returns one entry per collective kind seen, sorted by kind.
func (t *Instrumented) Stats() []OpStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	kinds := make(map[Kind]struct{})
	for k := range t.hists {
		kinds[k] = struct{}{}
	}
	for k := range t.errors {
		kinds[k] = struct{}{}
	}

	stats := make([]OpStats, 0, len(kinds))
	for k := range kinds {
		s := OpStats{Kind: k, Errors: t.errors[k]}
		if h, ok := t.hists[k]; ok {
			s.Count = h.TotalCount()
			s.P50 = h.ValueAtQuantile(50)
			s.P99 = h.ValueAtQuantile(99)
			s.Max = h.Max()
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Kind < stats[j].Kind })
	return stats
}
