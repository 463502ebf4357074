package montecarlo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"yqhp/mcpi/internal/collective"
	"yqhp/mcpi/internal/coordinator"
	"yqhp/mcpi/internal/estimator"
)

// Behavior is the pi estimation run by every member of a group. One value may
// be shared by the members of an in-process group.
type Behavior struct {
	// Estimator does the local work. Defaults to estimator.DartBoard.
	Estimator estimator.Estimator

	// Seeds seeds each member's stream. Defaults to estimator.TimeSeed.
	Seeds estimator.SeedSource

	// Defaults applies when the arguments do not set a value.
	Defaults RunConfig

	mu   sync.Mutex
	last *Report
}

var _ coordinator.Behavior = (*Behavior)(nil)

// NewBehavior creates a behavior with the production defaults.
func NewBehavior() *Behavior {
	return &Behavior{
		Estimator: estimator.DartBoard{},
		Seeds:     estimator.TimeSeed{},
		Defaults:  DefaultRunConfig(),
	}
}

// LastReport returns the report of the latest successful manager run.
func (b *Behavior) LastReport() (Report, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Report{}, false
	}
	return *b.last, true
}

func (b *Behavior) RunAsManager(ctx context.Context, p *coordinator.Process, args []string) error {
	out := p.Out()
	fmt.Fprintln(out, p.VersionString())

	cfg, err := ParseArgs(args, b.Defaults, out)
	if err != nil {
		return &coordinator.Error{Code: coordinator.ExitArgs, Op: "parse args", Err: err}
	}

	buf, err := cfg.MarshalBinary()
	if err != nil {
		return &coordinator.Error{Code: coordinator.ExitBcast, Op: "encode run config", Err: err}
	}
	if err := p.Broadcast(ctx, buf, collective.RootManager); err != nil {
		return err
	}

	hits := b.throw(p, ManagerShare(cfg.TotalThrows, p.Size()))

	if err := p.Barrier(ctx); err != nil {
		return err
	}
	sum := make([]uint64, 1)
	if err := p.ReduceSum(ctx, []uint64{hits}, sum, collective.RootManager); err != nil {
		return err
	}

	report := NewReport(cfg.TotalThrows, sum[0], b.estimator())
	if _, err := report.WriteTo(out); err != nil {
		p.Logger().Warn("write report failed", zap.Error(err))
	}
	p.Logger().Info("pi estimated",
		zap.String("throws", humanize.Comma(int64(cfg.TotalThrows))),
		zap.Uint64("hits", sum[0]),
		zap.Float64("pi", report.Computed),
		zap.Float64("error", report.Error))

	b.mu.Lock()
	b.last = &report
	b.mu.Unlock()
	return nil
}

func (b *Behavior) RunAsWorker(ctx context.Context, p *coordinator.Process, _ []string) error {
	buf := make([]byte, RunConfigSize)
	if err := p.Broadcast(ctx, buf, collective.RootManager); err != nil {
		return err
	}
	var cfg RunConfig
	if err := cfg.UnmarshalBinary(buf); err != nil {
		return &coordinator.Error{Code: coordinator.ExitBcast, Op: "decode run config", Err: err}
	}

	hits := b.throw(p, WorkerShare(cfg.TotalThrows, p.Size()))

	if err := p.Barrier(ctx); err != nil {
		return err
	}
	return p.ReduceSum(ctx, []uint64{hits}, nil, collective.RootManager)
}

// throw runs the local share and prints this member's tally.
func (b *Behavior) throw(p *coordinator.Process, share uint64) uint64 {
	seed := b.seeds().Seed(p.Rank())

	start := time.Now()
	hits := b.estimator().ComputeLocal(share, seed)
	elapsed := time.Since(start)

	fmt.Fprintf(p.Out(), "Task %d had %d hits out of %d throws\n", p.Rank(), hits, share)

	rate := 0.0
	if elapsed > 0 {
		rate = float64(share) / elapsed.Seconds()
	}
	p.Logger().Debug("local share done",
		zap.Uint64("share", share),
		zap.Uint64("hits", hits),
		zap.Duration("elapsed", elapsed),
		zap.String("rate", humanize.SIWithDigits(rate, 2, "throws/s")))
	return hits
}

func (b *Behavior) estimator() estimator.Estimator {
	if b.Estimator == nil {
		return estimator.DartBoard{}
	}
	return b.Estimator
}

func (b *Behavior) seeds() estimator.SeedSource {
	if b.Seeds == nil {
		return estimator.TimeSeed{}
	}
	return b.Seeds
}
