package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"imodalign/internal/config"
	"imodalign/internal/etomo"
	"imodalign/internal/logging"
	"imodalign/internal/storage"
	"imodalign/internal/tasks"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobFiducials     JobType = "fiducials"
	JobPatchTracking JobType = "patch-tracking"
	JobScan          JobType = "scan"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned for jobs submitted after Stop.
	ErrStopped = errors.New("pipeline stopped")
)

// Job represents a single alignment request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input_path"`
	Output    string         `json:"output"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job       Job
	Error     error
	Meta      map[string]any
	Alignment *tasks.AlignmentResult
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]*subscriber
	nextSubID int
}

// New creates a Pipeline with cfg.Processing.ParallelJobs workers routing
// alignment jobs through runner (batchruntomo when nil).
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store, runner etomo.Runner) *Pipeline {
	return NewWithProcessor(ctx, cfg.Processing.ParallelJobs, logger, store, newRouter(cfg, logger, store, runner))
}

// NewWithProcessor creates a Pipeline around an arbitrary Processor.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:    logger,
		jobs:   make(chan Job, concurrency*64),
		ctx:    ctx,
		cancel: cancel,
		store:  store,
		subs:   make(map[int]*subscriber),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue without waiting for a free slot.
func (p *Pipeline) Submit(job Job) error {
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	p.recordQueued(job)

	select {
	case p.jobs <- job:
		return nil
	default:
		p.recordRejected(job.ID, ErrQueueFull)
		return ErrQueueFull
	}
}

// SubmitContext adds a job to the processing queue, waiting for a free slot
// until ctx is done or the pipeline stops.
func (p *Pipeline) SubmitContext(ctx context.Context, job Job) error {
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	p.recordQueued(job)

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		p.recordRejected(job.ID, ctx.Err())
		return ctx.Err()
	case <-p.ctx.Done():
		p.recordRejected(job.ID, ErrStopped)
		return ErrStopped
	}
}

func (p *Pipeline) recordRejected(id string, err error) {
	if p.store != nil {
		_ = p.store.RecordJobResult(id, "rejected", nil, err.Error())
	}
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}
}

// Stop signals workers to exit and waits for completion. The job channel stays
// open; jobs still queued are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, sub := range p.subs {
			sub.close()
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			start := time.Now()

			logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			if res.Error != nil {
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"input":   job.InputPath,
					"output":  job.Output,
					"options": job.Options,
				})
				if p.store != nil {
					_ = p.store.RecordJobResult(job.ID, "failed", res.Meta, errString(res.Error))
				}
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, summary(res.Meta))
				if p.store != nil {
					_ = p.store.RecordJobResult(job.ID, "completed", res.Meta, "")
				}
			}

			p.broadcast(res)
		}
	}
}

// summary drops bulky per-image data from log output.
func summary(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if k == "transforms" {
			continue
		}
		out[k] = v
	}
	return out
}

// Subscribe returns a channel for receiving job results and an unsubscribe
// function. Results are buffered per subscriber without limit, so a slow
// reader never loses a result and never stalls the workers.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	sub := newSubscriber()
	if p.ctx.Err() != nil {
		sub.close()
		return sub.out, func() {}
	}
	p.subs[id] = sub
	unsub := func() {
		p.mu.Lock()
		if s, ok := p.subs[id]; ok {
			s.close()
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return sub.out, unsub
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
	for _, sub := range p.subs {
		sub.push(res)
	}
}

// subscriber queues results in memory and feeds them to out in order.
type subscriber struct {
	out    chan Result
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []Result
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:    make(chan Result),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(res Result) {
	s.mu.Lock()
	s.queue = append(s.queue, res)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		res := s.queue[0]
		s.queue[0] = Result{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- res:
		case <-s.done:
			return
		}
	}
}
