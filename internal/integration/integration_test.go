package integration

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"yqhp/mcpi/internal/collective"
	"yqhp/mcpi/internal/collective/local"
	"yqhp/mcpi/internal/collective/ws"
	"yqhp/mcpi/internal/coordinator"
	"yqhp/mcpi/internal/estimator"
	"yqhp/mcpi/internal/montecarlo"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

// runWSGroup runs b on size WebSocket members, rank 0 hosting the hub.
func runWSGroup(t *testing.T, size int, b coordinator.Behavior, argv []string) ([]coordinator.ExitCode, []*bytes.Buffer) {
	t.Helper()
	addr := freeAddr(t)

	codes := make([]coordinator.ExitCode, size)
	outs := make([]*bytes.Buffer, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		outs[rank] = &bytes.Buffer{}
		member := ws.NewMember(&ws.Config{
			HubAddress:      addr,
			Rank:            rank,
			Size:            size,
			Session:         "integration",
			ServeHub:        rank == 0,
			JoinTimeout:     10 * time.Second,
			DialInterval:    20 * time.Millisecond,
			ShutdownTimeout: 5 * time.Second,
		}, nil)

		opts := coordinator.DefaultOptions()
		opts.Out = outs[rank]

		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			codes[rank] = coordinator.New(member, b, opts).Run(context.Background(), argv)
		}(rank)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("ws group did not finish")
	}
	return codes, outs
}

func TestWSGroup_EndToEnd(t *testing.T) {
	b := &montecarlo.Behavior{
		Estimator: estimator.Fixed{Num: 1, Den: 4},
		Seeds:     estimator.FixedSeed{},
		Defaults:  montecarlo.DefaultRunConfig(),
	}

	codes, outs := runWSGroup(t, 4, b, []string{"mcpi", "-t", "1000000"})

	assert.Equal(t, []coordinator.ExitCode{0, 0, 0, 0}, codes)
	report, ok := b.LastReport()
	require.True(t, ok)
	assert.Equal(t, uint64(250000), report.SumHits)
	assert.InDelta(t, 1.0, report.Computed, 1e-12)
	assert.Contains(t, outs[0].String(), ws.LibraryVersion+" API(1.0)")
	assert.Contains(t, outs[3].String(), "Task 3 had 62500 hits out of 250000 throws")
}

func TestWSGroup_DartBoard(t *testing.T) {
	b := &montecarlo.Behavior{
		Estimator: estimator.DartBoard{},
		Seeds:     estimator.FixedSeed{Base: 1},
		Defaults:  montecarlo.RunConfig{TotalThrows: 200000},
	}

	codes, _ := runWSGroup(t, 3, b, []string{"mcpi"})

	assert.Equal(t, []coordinator.ExitCode{0, 0, 0}, codes)
	report, ok := b.LastReport()
	require.True(t, ok)
	assert.InDelta(t, 3.1416, report.Computed, 0.05)
}

// dropout fails one worker after the broadcast, before its barrier.
type dropout struct {
	*montecarlo.Behavior
	rank int
}

func (d dropout) RunAsWorker(ctx context.Context, p *coordinator.Process, args []string) error {
	if p.Rank() != d.rank {
		return d.Behavior.RunAsWorker(ctx, p, args)
	}
	if err := p.Broadcast(ctx, make([]byte, montecarlo.RunConfigSize), collective.RootManager); err != nil {
		return err
	}
	return &coordinator.Error{Code: coordinator.ExitInit, Op: "local work", Err: errors.New("worker crashed")}
}

// Over WebSocket a diverging member fails its peers instead of hanging them.
func TestWSGroup_WorkerFailureFailsPeers(t *testing.T) {
	inner := &montecarlo.Behavior{
		Estimator: estimator.Fixed{Num: 1, Den: 4},
		Seeds:     estimator.FixedSeed{},
		Defaults:  montecarlo.DefaultRunConfig(),
	}

	codes, _ := runWSGroup(t, 3, dropout{Behavior: inner, rank: 2}, []string{"mcpi", "-t", "3000"})

	assert.Equal(t, coordinator.ExitBarrier, codes[0])
	assert.Equal(t, coordinator.ExitBarrier, codes[1])
	assert.Equal(t, coordinator.ExitInit, codes[2])
	_, ok := inner.LastReport()
	assert.False(t, ok)
}

// TestLocalGroup_SumOfHitsProperty checks the reduced hit count for random
// group sizes and totals.
func TestLocalGroup_SumOfHitsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 6).Draw(t, "size")
		total := rapid.Uint64Range(0, 1_000_000).Draw(t, "total")

		b := &montecarlo.Behavior{
			Estimator: estimator.Fixed{Num: 1, Den: 1},
			Seeds:     estimator.FixedSeed{},
			Defaults:  montecarlo.RunConfig{TotalThrows: total},
		}
		g, err := local.NewGroup(size, nil)
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		codes, err := local.RunGroup(ctx, g, func(ctx context.Context, m *local.Member) coordinator.ExitCode {
			opts := coordinator.DefaultOptions()
			opts.Out = nil
			return coordinator.New(m, b, opts).Run(ctx, []string{"mcpi"})
		})
		if err != nil {
			t.Fatalf("group hung: %v", err)
		}
		for rank, code := range codes {
			if code != coordinator.ExitOK {
				t.Fatalf("rank %d exited with %s", rank, code)
			}
		}

		report, ok := b.LastReport()
		if !ok {
			t.Fatal("no report")
		}
		if report.SumHits != total {
			t.Fatalf("every throw hits: got %d hits for %d throws", report.SumHits, total)
		}
	})
}
