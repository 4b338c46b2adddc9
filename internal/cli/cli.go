package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"imodalign/internal/config"
	"imodalign/internal/grpcserver"
	"imodalign/internal/imod"
	"imodalign/internal/pipeline"
	"imodalign/internal/server"
	"imodalign/internal/storage"
	"imodalign/internal/tasks"
)

// Version is the imodalign release, overridden at link time.
var Version = "0.3.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	SubmitContext(ctx context.Context, job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type toolManager interface {
	GetToolStatus() map[string]tasks.ToolStatus
	Ready() error
}

type toolManagerFactory func(*config.Config) toolManager

type serverFunc func(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

// defaultServe runs the HTTP API and the gRPC health service until ctx is
// cancelled or either of them fails.
func defaultServe(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		errs <- server.NewServer(cfg.Server.Addr, store, pipe, log).Start(ctx)
	}()
	go func() {
		health := grpcserver.NewHealthServer(func() error {
			_, err := imod.CheckInstallation(cfg.IMOD.MinimumVersion)
			return err
		}, 0, log)
		errs <- health.Start(ctx, cfg.Server.GRPCAddr)
	}()

	err := <-errs
	cancel()
	if err2 := <-errs; err == nil {
		err = err2
	}
	return err
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline    pipelineClient
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	toolFactory toolManagerFactory
	serveFn     serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		toolFactory: func(cfg *config.Config) toolManager {
			return tasks.NewToolManager(cfg)
		},
		serveFn: defaultServe,
	}
	if pl != nil {
		r.pipeline = pl
	}
	return r
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return tasks.NewToolManager(r.cfg)
}

// enqueueAndWait submits job and blocks until its result is broadcast.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, errors.New("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

// enqueueAll submits every job and waits for all of their results. Submission
// waits for free queue slots, so batches larger than the queue are fine. The
// returned map is keyed by job id; the error reports how many jobs failed.
func (r *Root) enqueueAll(ctx context.Context, jobs []pipeline.Job) (map[string]pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	pending := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if err := r.enqueue(ctx, job); err != nil {
			return nil, fmt.Errorf("queue %s: %w", job.InputPath, err)
		}
		pending[job.ID] = true
	}

	results := make(map[string]pipeline.Result, len(jobs))
	failed := 0
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return results, errors.New("pipeline stopped before completion")
			}
			if !pending[res.Job.ID] {
				continue
			}
			delete(pending, res.Job.ID)
			results[res.Job.ID] = res
			if res.Error != nil {
				failed++
			}
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d tilt series failed to align", failed, len(jobs))
	}
	return results, nil
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	if err := r.pipeline.SubmitContext(ctx, job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(t pipeline.JobType) string {
	return pipeline.NewJobID(t)
}
