package timesheet

import (
	"context"
	"sort"
	"testing"
	"time"
)

func seedBatch(f *fixture, n int) []DayUpdate {
	f.dir.projects[10] = []int64{100}
	var sel []DaySelection
	for i := 0; i < n; i++ {
		ts := f.repo.put(pendingTimesheet(int64(i+1), Category{Kind: CategoryProject, Items: []Item{itemWith(ptr(10), nil, DayPending, 8, 8, 8, 8, 8)}}))
		sel = append(sel, selections(ts.ID, 0, 0, 0, 1, 2, 3, 4)...)
	}
	return GroupSelections(sel, DayApproved, "")
}

func BenchmarkApplyDayBatch(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		f := newFixture()
		updates := seedBatch(f, 50)
		b.StartTimer()
		if _, err := f.svc.ApplyDayBatch(context.Background(), 100, updates); err != nil {
			b.Fatal(err)
		}
	}
}

func TestApplyDayBatchLatencyTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("latency sampling skipped in short mode")
	}
	samples := make([]time.Duration, 0, 20)
	for i := 0; i < cap(samples); i++ {
		f := newFixture()
		updates := seedBatch(f, 50)
		start := time.Now()
		res, err := f.svc.ApplyDayBatch(context.Background(), 100, updates)
		samples = append(samples, time.Since(start))
		if err != nil {
			t.Fatal(err)
		}
		if res.Succeeded != 250 || len(res.Reconciled) != 50 {
			t.Fatalf("unexpected result: %d succeeded, %d reconciled", res.Succeeded, len(res.Reconciled))
		}
	}
	if p95 := percentile95(samples); p95 > 500*time.Millisecond {
		t.Fatalf("in-memory batch latency regression: p95=%s", p95)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(float64(len(sorted)-1)*0.95)]
}
