package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"motioncorr/internal/batch"
	"motioncorr/internal/movies"
	"motioncorr/internal/storage"
)

func makeBatches(n, size int) <-chan batch.Batch {
	ch := make(chan batch.Batch, n)
	id := 1
	for i := 1; i <= n; i++ {
		b := batch.Batch{ID: fmt.Sprintf("b%d", i), Index: i, Path: fmt.Sprintf("/tmp/batch_%06d", i)}
		for j := 0; j < size; j++ {
			b.Items = append(b.Items, &movies.Movie{ID: id})
			id++
		}
		ch <- b
	}
	close(ch)
	return ch
}

// stubProcessor fails the first failures attempts of every batch.
type stubProcessor struct {
	mu       sync.Mutex
	failures int
	calls    map[string]int
	gpus     map[string]bool
}

func (s *stubProcessor) Process(ctx context.Context, gpu string, b batch.Batch) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
		s.gpus = map[string]bool{}
	}
	s.calls[b.ID]++
	s.gpus[gpu] = true
	if s.calls[b.ID] <= s.failures {
		return Result{Error: errors.New("motioncor exited with status 1")}
	}
	return Result{Meta: map[string]any{"gpu": gpu}}
}

func markAll(ctx context.Context, res Result) Result {
	for _, m := range res.Batch.Items {
		if res.Error != nil {
			res.Failed = append(res.Failed, m.ID)
		} else {
			res.Done = append(res.Done, m.ID)
		}
	}
	return res
}

func TestRunDispatchesAcrossGPUs(t *testing.T) {
	proc := &stubProcessor{}
	p := New(context.Background(), []string{"0", "1"}, proc, SinkFunc(markAll), nil, nil)
	results, unsub := p.Subscribe()
	defer unsub()

	stats, err := p.Run(makeBatches(4, 3))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Batches != 4 || stats.Done != 12 || stats.Failed != 0 || stats.FailedBatches != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for g := range proc.gpus {
		if g != "0" && g != "1" {
			t.Fatalf("unexpected gpu %q", g)
		}
	}

	n := 0
	for res := range results {
		if res.GPU == "" || res.Attempts != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
		n++
	}
	if n != 4 {
		t.Fatalf("expected 4 broadcast results, got %d", n)
	}

	if _, err := p.Run(makeBatches(1, 1)); err == nil {
		t.Fatalf("second run should fail")
	}
}

func TestRetryStopsAtFirstSuccess(t *testing.T) {
	proc := &stubProcessor{failures: 1}
	p := New(context.Background(), []string{"0"}, proc, SinkFunc(markAll), nil, nil)
	p.MaxTries = 3
	results, unsub := p.Subscribe()
	defer unsub()

	stats, err := p.Run(makeBatches(2, 1))
	if err != nil {
		t.Fatal(err)
	}
	if stats.FailedBatches != 0 || stats.Done != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for res := range results {
		if res.Attempts != 2 {
			t.Fatalf("expected 2 attempts, got %d", res.Attempts)
		}
	}
	if proc.calls["b1"] != 2 {
		t.Fatalf("processor called %d times", proc.calls["b1"])
	}
}

func TestFailedBatchesAreRecorded(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "motioncorr.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	proc := &stubProcessor{failures: 5}
	p := New(context.Background(), []string{"0"}, proc, SinkFunc(markAll), nil, store)
	p.RunID = "run-1"
	p.MaxTries = 2

	stats, err := p.Run(makeBatches(1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if stats.FailedBatches != 1 || stats.Failed != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	recs, err := store.RecentBatches("run-1", 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("recent batches %v %v", recs, err)
	}
	rec := recs[0]
	if rec.Status != "failed" || rec.Attempts != 2 || rec.GPU != "0" || rec.Error == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestStopCancelsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(ctx, nil, ProcessorFunc(func(ctx context.Context, gpu string, b batch.Batch) Result {
		return Result{}
	}), nil, nil, nil)
	in := make(chan batch.Batch)
	if _, err := p.Run(in); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
