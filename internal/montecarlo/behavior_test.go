package montecarlo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/mcpi/internal/collective"
	"yqhp/mcpi/internal/collective/local"
	"yqhp/mcpi/internal/coordinator"
	"yqhp/mcpi/internal/estimator"
)

type groupRun struct {
	codes []coordinator.ExitCode
	outs  []*bytes.Buffer
	err   error
}

// runGroup runs b on an in-process group of size members whose Finalize does
// not notify peers.
func runGroup(t *testing.T, size int, b coordinator.Behavior, argv []string, timeout time.Duration) groupRun {
	t.Helper()
	return runGroupWith(t, &local.Options{Host: "test"}, size, b, argv, timeout)
}

func runGroupWith(t *testing.T, lopts *local.Options, size int, b coordinator.Behavior, argv []string, timeout time.Duration) groupRun {
	t.Helper()
	g, err := local.NewGroup(size, lopts)
	require.NoError(t, err)

	outs := make([]*bytes.Buffer, size)
	for i := range outs {
		outs[i] = &bytes.Buffer{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	codes, err := local.RunGroup(ctx, g, func(ctx context.Context, m *local.Member) coordinator.ExitCode {
		opts := coordinator.DefaultOptions()
		opts.Out = outs[m.Index()]
		return coordinator.New(m, b, opts).Run(ctx, argv)
	})
	return groupRun{codes: codes, outs: outs, err: err}
}

func TestEndToEnd_QuarterHits(t *testing.T) {
	b := &Behavior{
		Estimator: estimator.Fixed{Num: 1, Den: 4},
		Seeds:     estimator.FixedSeed{},
		Defaults:  DefaultRunConfig(),
	}

	run := runGroup(t, 4, b, []string{"mcpi", "-t", "1000000"}, 5*time.Second)
	require.NoError(t, run.err)

	assert.Equal(t, []coordinator.ExitCode{0, 0, 0, 0}, run.codes)

	report, ok := b.LastReport()
	require.True(t, ok)
	assert.Equal(t, uint64(1000000), report.TotalThrows)
	assert.Equal(t, uint64(250000), report.SumHits)
	assert.InDelta(t, 1.0, report.Computed, 1e-12)

	manager := run.outs[0].String()
	assert.True(t, strings.HasPrefix(manager, "task WORLD.0@test started\n"+local.LibraryVersion+" API(1.0)\n"), manager)
	assert.Contains(t, manager, ">> set totalNumThrows=1000000\n")
	assert.Contains(t, manager, "Task 0 had 62500 hits out of 250000 throws\n")
	assert.Contains(t, manager, "After 1000000 throws...\n")
	for rank := 1; rank < 4; rank++ {
		out := run.outs[rank].String()
		assert.Contains(t, out, fmt.Sprintf("Task %d had 62500 hits out of 250000 throws\n", rank))
		assert.NotContains(t, out, "After")
	}
}

func TestEndToEnd_Idempotent(t *testing.T) {
	newBehavior := func() *Behavior {
		return &Behavior{
			Estimator: estimator.DartBoard{},
			Seeds:     estimator.FixedSeed{Base: 11},
			Defaults:  DefaultRunConfig(),
		}
	}

	first, second := newBehavior(), newBehavior()
	run1 := runGroup(t, 3, first, []string{"mcpi", "--throws=90001"}, 5*time.Second)
	run2 := runGroup(t, 3, second, []string{"mcpi", "--throws=90001"}, 5*time.Second)
	require.NoError(t, run1.err)
	require.NoError(t, run2.err)

	assert.Equal(t, run1.codes, run2.codes)
	r1, ok1 := first.LastReport()
	r2, ok2 := second.LastReport()
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, r1, r2)
	assert.InDelta(t, 3.14, r1.Computed, 0.05)
}

// countingTransport counts broadcasts issued by a member.
type countingTransport struct {
	collective.Transport
	broadcasts int
}

func (c *countingTransport) Broadcast(ctx context.Context, buf []byte, root int) error {
	c.broadcasts++
	return c.Transport.Broadcast(ctx, buf, root)
}

func TestManager_MissingThrowsValueNeverBroadcasts(t *testing.T) {
	g, err := local.NewGroup(1, nil)
	require.NoError(t, err)
	spy := &countingTransport{Transport: g.Member(0)}

	var out bytes.Buffer
	opts := coordinator.DefaultOptions()
	opts.Out = &out
	b := NewBehavior()

	code := coordinator.New(spy, b, opts).Run(context.Background(), []string{"mcpi", "--throws"})

	assert.Equal(t, coordinator.ExitArgs, code)
	assert.Zero(t, spy.broadcasts)
	_, ok := b.LastReport()
	assert.False(t, ok)
}

func TestManager_ArgsErrorReleasesWorkers(t *testing.T) {
	b := &Behavior{Estimator: estimator.Fixed{Num: 1, Den: 4}, Seeds: estimator.FixedSeed{}}

	run := runGroupWith(t, &local.Options{Host: "test", LeaveOnFinalize: true}, 3, b, []string{"mcpi", "-t"}, 5*time.Second)

	require.NoError(t, run.err)
	assert.Equal(t, []coordinator.ExitCode{coordinator.ExitArgs, coordinator.ExitBcast, coordinator.ExitBcast}, run.codes)
	_, ok := b.LastReport()
	assert.False(t, ok)
}

// dropoutBehavior makes one worker fail after the broadcast, before its barrier.
type dropoutBehavior struct {
	*Behavior
	rank int
}

func (d dropoutBehavior) RunAsWorker(ctx context.Context, p *coordinator.Process, args []string) error {
	if p.Rank() != d.rank {
		return d.Behavior.RunAsWorker(ctx, p, args)
	}
	buf := make([]byte, RunConfigSize)
	if err := p.Broadcast(ctx, buf, collective.RootManager); err != nil {
		return err
	}
	return &coordinator.Error{Code: coordinator.ExitInit, Op: "local work", Err: errors.New("worker crashed")}
}

func TestWorkerFailureBeforeBarrierIsReportedAsTimeout(t *testing.T) {
	inner := &Behavior{Estimator: estimator.Fixed{Num: 1, Den: 4}, Seeds: estimator.FixedSeed{}, Defaults: DefaultRunConfig()}
	b := dropoutBehavior{Behavior: inner, rank: 2}

	run := runGroup(t, 4, b, []string{"mcpi", "-t", "1000"}, 300*time.Millisecond)

	require.ErrorIs(t, run.err, context.DeadlineExceeded)
	_, ok := inner.LastReport()
	assert.False(t, ok, "a hung group must not produce a report")
	assert.Equal(t, coordinator.ExitInit, run.codes[2])
	assert.Equal(t, coordinator.ExitBarrier, run.codes[0])
}

func TestEndToEnd_SingleMember(t *testing.T) {
	b := &Behavior{Estimator: estimator.Fixed{Num: 3, Den: 4}, Seeds: estimator.FixedSeed{}, Defaults: RunConfig{TotalThrows: 400}}

	run := runGroup(t, 1, b, []string{"mcpi"}, 5*time.Second)
	require.NoError(t, run.err)
	assert.Equal(t, []coordinator.ExitCode{0}, run.codes)

	report, ok := b.LastReport()
	require.True(t, ok)
	assert.Equal(t, uint64(300), report.SumHits)
	assert.InDelta(t, 3.0, report.Computed, 1e-12)
}
