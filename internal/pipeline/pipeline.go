package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"motioncorr/internal/batch"
	"motioncorr/internal/logging"
	"motioncorr/internal/storage"
)

// Result captures the outcome of a batch, first as returned by the
// Processor and then as completed by the Sink.
type Result struct {
	RunID    string         `json:"run_id"`
	Batch    batch.Batch    `json:"batch"`
	GPU      string         `json:"gpu"`
	Attempts int            `json:"attempts"`
	Error    error          `json:"-"`
	Done     []int          `json:"done,omitempty"`
	Failed   []int          `json:"failed,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// ErrorText returns the error message or "".
func (r Result) ErrorText() string { return errString(r.Error) }

// Processor runs the binary over one batch on one GPU.
type Processor interface {
	Process(ctx context.Context, gpu string, b batch.Batch) Result
}

// Sink moves and registers the outputs of a processed batch. Register is
// only ever called from a single goroutine.
type Sink interface {
	Register(ctx context.Context, res Result) Result
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, gpu string, b batch.Batch) Result

func (f ProcessorFunc) Process(ctx context.Context, gpu string, b batch.Batch) Result {
	return f(ctx, gpu, b)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, res Result) Result

func (f SinkFunc) Register(ctx context.Context, res Result) Result { return f(ctx, res) }

// Stats summarises a finished Run.
type Stats struct {
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
	Done          int `json:"done"`
	Failed        int `json:"failed"`
}

// Pipeline dispatches batches to one worker per GPU and funnels the
// results into a single sink.
type Pipeline struct {
	RunID string
	// MaxTries is the number of binary runs attempted per batch.
	MaxTries int

	gpus      []string
	processor Processor
	sink      Sink
	log       *slog.Logger
	store     *storage.Store
	jobs      chan batch.Batch
	results   chan Result
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	runOnce   sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a pipeline with one worker per GPU id.
func New(ctx context.Context, gpus []string, proc Processor, sink Sink, logger *slog.Logger, store *storage.Store) *Pipeline {
	if len(gpus) == 0 {
		gpus = []string{"0"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pipeline{
		MaxTries:  1,
		gpus:      gpus,
		processor: proc,
		sink:      sink,
		log:       logger,
		store:     store,
		jobs:      make(chan batch.Batch, len(gpus)*2),
		results:   make(chan Result, len(gpus)*2),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[int]chan Result),
	}
}

// GPUs returns the ids the workers run on.
func (p *Pipeline) GPUs() []string { return append([]string(nil), p.gpus...) }

// Run processes every batch read from batches and blocks until the input
// is drained, all workers finished and the sink consumed every result.
// A Pipeline can only run once.
func (p *Pipeline) Run(batches <-chan batch.Batch) (Stats, error) {
	var stats Stats
	started := false
	p.runOnce.Do(func() { started = true })
	if !started {
		return stats, errors.New("pipeline already ran")
	}

	for _, gpu := range p.gpus {
		p.wg.Add(1)
		go p.worker(gpu)
	}

	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		for res := range p.results {
			if p.sink != nil {
				res = p.sink.Register(p.ctx, res)
			}
			stats.Batches++
			if res.Error != nil {
				stats.FailedBatches++
			}
			stats.Done += len(res.Done)
			stats.Failed += len(res.Failed)
			p.record(res)
			p.broadcast(res)
		}
	}()

	p.feed(batches)
	close(p.jobs)
	p.wg.Wait()
	close(p.results)
	<-sinkDone
	p.closeSubs()
	err := p.ctx.Err()
	p.Stop()
	return stats, err
}

func (p *Pipeline) feed(batches <-chan batch.Batch) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case b, ok := <-batches:
			if !ok {
				return
			}
			if p.store != nil {
				_ = p.store.RecordBatchQueued(storage.BatchRecord{
					ID:       b.ID,
					RunID:    p.RunID,
					Index:    b.Index,
					Path:     b.Path,
					Status:   "queued",
					MovieIDs: b.MovieIDs(),
				})
			}
			select {
			case p.jobs <- b:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// Stop cancels the run; batches not yet started are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(p.cancel)
}

func (p *Pipeline) worker(gpu string) {
	defer p.wg.Done()
	for b := range p.jobs {
		if p.ctx.Err() != nil {
			continue
		}
		start := time.Now()
		logging.LogBatchStart(p.log, b.ID, b.Index, gpu, b.MovieIDs())
		if p.store != nil {
			_ = p.store.RecordBatchStart(b.ID, gpu)
		}

		res := p.process(gpu, b)
		res.Duration = time.Since(start)
		if res.Error == nil {
			logging.LogBatchComplete(p.log, b.ID, b.Index, res.Duration, len(b.Items))
		}
		p.results <- res
	}
}

// process runs the processor until it succeeds or MaxTries is reached.
func (p *Pipeline) process(gpu string, b batch.Batch) Result {
	tries := p.MaxTries
	if tries < 1 {
		tries = 1
	}
	var res Result
	for attempt := 1; attempt <= tries; attempt++ {
		res = p.processor.Process(p.ctx, gpu, b)
		res.Attempts = attempt
		if res.Error == nil {
			break
		}
		logging.LogBatchError(p.log, b.ID, attempt, tries, res.Error)
		if p.ctx.Err() != nil {
			break
		}
	}
	if res.Error != nil && tries > 1 {
		p.log.Error("No more tries for this batch", "index", b.Index, "movies", b.MovieIDs())
	}
	res.RunID = p.RunID
	res.Batch = b
	res.GPU = gpu
	return res
}

func (p *Pipeline) record(res Result) {
	if p.store == nil {
		return
	}
	status := "completed"
	if res.Error != nil {
		status = "failed"
	}
	meta := map[string]any{
		"done":        res.Done,
		"failed":      res.Failed,
		"duration_ms": res.Duration.Milliseconds(),
	}
	for k, v := range res.Meta {
		meta[k] = v
	}
	_ = p.store.RecordBatchResult(res.Batch.ID, status, res.Attempts, meta, errString(res.Error))
}

// Subscribe returns a channel for receiving batch results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) closeSubs() {
	p.mu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "batch", res.Batch.ID)
		}
	}
}
