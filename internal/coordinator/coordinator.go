package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"yqhp/mcpi/internal/collective"
)

// Behavior is the application run by a group. Exactly one member, the
// manager, runs RunAsManager; every other member runs RunAsWorker. args is
// the command line without the program name.
type Behavior interface {
	RunAsManager(ctx context.Context, p *Process, args []string) error
	RunAsWorker(ctx context.Context, p *Process, args []string) error
}

// Options configures a Coordinator.
type Options struct {
	// ManagerRank is the rank that runs the manager side.
	ManagerRank int

	// SyncStarts runs a barrier before dispatching to the behavior.
	SyncStarts bool

	// SyncEnds runs a barrier after a successful behavior.
	SyncEnds bool

	// Out receives the start and end banners.
	Out io.Writer

	// Logger receives diagnostics. Nil discards them.
	Logger *zap.Logger
}

// DefaultOptions returns the default coordinator options.
func DefaultOptions() *Options {
	return &Options{
		ManagerRank: 0,
		SyncStarts:  true,
		SyncEnds:    false,
		Out:         os.Stdout,
	}
}

// Coordinator runs one member of a group.
type Coordinator struct {
	transport collective.Transport
	behavior  Behavior
	opts      *Options
	log       *zap.Logger
}

// New creates a coordinator for the member behind t.
func New(t collective.Transport, b Behavior, opts *Options) *Coordinator {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		transport: t,
		behavior:  b,
		opts:      opts,
		log:       log.Named("coordinator"),
	}
}

// run tracks the first failure of a run.
type run struct {
	status ExitCode
	err    error
	log    *zap.Logger
}

// fail records err under code unless an earlier failure is already recorded.
func (r *run) fail(code ExitCode, err error) {
	if r.status != ExitOK {
		r.log.Debug("later failure ignored", zap.Stringer("code", code), zap.Error(err))
		return
	}
	r.status = code
	r.err = err
	r.log.Error("run failed", zap.Stringer("code", code), zap.Error(err))
}

func (r *run) ok() bool {
	return r.status == ExitOK
}

// Run executes this member's part of the computation and returns its exit
// code. argv is the full command line, program name first. The group is
// always finalized, even when ctx is done.
func (c *Coordinator) Run(ctx context.Context, argv []string) ExitCode {
	t := collective.NewInstrumented(c.transport)
	r := &run{log: c.log}
	rank := -1

	if err := t.Init(ctx); err != nil {
		code := ExitInit
		if errors.Is(err, collective.ErrProtocolVersion) {
			code = ExitVersion
		}
		r.fail(code, err)
	}

	var size int
	if r.ok() {
		var err error
		if size, err = t.Size(); err != nil {
			r.fail(ExitCommSize, err)
		}
	}
	if r.ok() {
		var err error
		if rank, err = t.Rank(); err != nil {
			r.fail(ExitCommRank, err)
		}
	}
	if r.ok() {
		if err := collective.CheckRoot(c.opts.ManagerRank, size); err != nil {
			r.fail(ExitCommRank, fmt.Errorf("manager rank: %w", err))
		}
	}

	task, version := describe(t, rank)
	log := c.log.With(zap.String("task", task))

	if r.ok() {
		fmt.Fprintf(c.opts.Out, "task %s started\n", task)
		log.Debug("member started", zap.Int("rank", rank), zap.Int("size", size),
			zap.Int("manager", c.opts.ManagerRank), zap.String("transport", version))

		p := &Process{
			transport:   t,
			rank:        rank,
			size:        size,
			managerRank: c.opts.ManagerRank,
			taskName:    task,
			version:     version,
			out:         c.opts.Out,
			log:         log,
		}

		if c.opts.SyncStarts {
			if err := p.Barrier(ctx); err != nil {
				r.fail(ExitBarrier, err)
			}
		}
		if r.ok() {
			if err := c.dispatch(ctx, p, argv); err != nil {
				r.fail(CodeOf(err), err)
			}
		}
		if r.ok() && c.opts.SyncEnds {
			if err := p.Barrier(ctx); err != nil {
				r.fail(ExitBarrier, err)
			}
		}
	}

	if err := t.Finalize(context.WithoutCancel(ctx)); err != nil {
		r.fail(ExitFinalize, err)
	}

	if rank >= 0 {
		fmt.Fprintf(c.opts.Out, "task %s ending\n", task)
	}
	for _, s := range t.Stats() {
		log.Debug("collective latency",
			zap.String("op", string(s.Kind)),
			zap.Int64("count", s.Count),
			zap.Int64("errors", s.Errors),
			zap.Int64("p50_us", s.P50),
			zap.Int64("p99_us", s.P99),
			zap.Int64("max_us", s.Max))
	}
	return r.status
}

func (c *Coordinator) dispatch(ctx context.Context, p *Process, argv []string) error {
	var args []string
	if len(argv) > 1 {
		args = argv[1:]
	}
	if p.IsManager() {
		return c.behavior.RunAsManager(ctx, p, args)
	}
	return c.behavior.RunAsWorker(ctx, p, args)
}
