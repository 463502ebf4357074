// Package local implements an in-process collective group. Each member is a
// collective.Transport; goroutines stand in for processes.
//
// By default Finalize does not notify the other members, like a real collective
// runtime: a member that stops issuing collectives leaves its peers blocked until
// their context expires. With Options.LeaveOnFinalize a finalizing member departs
// the group instead, and peers still waiting on it fail with
// collective.ErrMemberLeft.
package local

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"yqhp/mcpi/internal/collective"
)

// LibraryVersion is reported by every local member.
const LibraryVersion = "mcpi local transport 1.0"

const (
	stateNew int32 = iota
	stateInitialized
	stateFinalized
)

// Options configures a local group.
type Options struct {
	// Name is the group name. Defaults to collective.DefaultGroupName.
	Name string

	// Host overrides the processor name reported by members.
	Host string

	// LeaveOnFinalize makes Finalize release peers waiting on the member.
	LeaveOnFinalize bool
}

// Group is a fixed-size in-process group.
type Group struct {
	opts    Options
	rv      *collective.Rendezvous
	members []*Member
}

// NewGroup creates a group of size members.
func NewGroup(size int, opts *Options) (*Group, error) {
	if size < 1 {
		return nil, fmt.Errorf("group size must be at least 1, got %d", size)
	}

	g := &Group{rv: collective.NewRendezvous(size)}
	if opts != nil {
		g.opts = *opts
	}
	if g.opts.Name == "" {
		g.opts.Name = collective.DefaultGroupName
	}

	g.members = make([]*Member, size)
	for i := range g.members {
		g.members[i] = &Member{group: g, rank: i}
	}
	return g, nil
}

// Size returns the group size.
func (g *Group) Size() int {
	return len(g.members)
}

// Member returns the transport for rank.
func (g *Group) Member(rank int) *Member {
	return g.members[rank]
}

// Abort releases every blocked member with err.
func (g *Group) Abort(err error) {
	g.rv.Abort(err)
}

// Member is one rank of a local group.
type Member struct {
	group *Group
	rank  int
	seq   atomic.Uint64
	state atomic.Int32
}

var _ collective.Transport = (*Member)(nil)

// Index returns the rank assigned to m. Unlike Rank it works before Init.
func (m *Member) Index() int {
	return m.rank
}

func (m *Member) Init(ctx context.Context) error {
	if !m.state.CompareAndSwap(stateNew, stateInitialized) {
		return collective.ErrAlreadyInitialized
	}
	return nil
}

func (m *Member) Finalize(ctx context.Context) error {
	prev := m.state.Swap(stateFinalized)
	if m.group.opts.LeaveOnFinalize {
		m.group.rv.Leave(m.rank)
	}
	switch prev {
	case stateNew:
		return collective.ErrNotInitialized
	case stateFinalized:
		return collective.ErrFinalized
	}
	return nil
}

func (m *Member) Size() (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	return m.group.Size(), nil
}

func (m *Member) Rank() (int, error) {
	if err := m.ready(); err != nil {
		return -1, err
	}
	return m.rank, nil
}

func (m *Member) Name() (string, error) {
	return m.group.opts.Name, nil
}

func (m *Member) ProcessorName() (string, error) {
	if m.group.opts.Host != "" {
		return m.group.opts.Host, nil
	}
	return os.Hostname()
}

func (m *Member) LibraryVersion() (string, error) {
	return LibraryVersion, nil
}

func (m *Member) APIVersion() (int, int, error) {
	return collective.APIMajor, collective.APIMinor, nil
}

func (m *Member) Broadcast(ctx context.Context, buf []byte, root int) error {
	res, err := m.contribute(ctx, &collective.Contribution{
		Kind:    collective.KindBroadcast,
		Root:    root,
		Payload: append([]byte(nil), buf...),
	})
	if err != nil {
		return err
	}
	copy(buf, res.Payload)
	return nil
}

func (m *Member) Barrier(ctx context.Context) error {
	_, err := m.contribute(ctx, &collective.Contribution{Kind: collective.KindBarrier})
	return err
}

func (m *Member) ReduceSum(ctx context.Context, send, recv []uint64, root int) error {
	if m.rank == root && len(recv) < len(send) {
		return fmt.Errorf("%w: recv holds %d of %d values", collective.ErrLength, len(recv), len(send))
	}
	res, err := m.contribute(ctx, &collective.Contribution{
		Kind:   collective.KindReduceSum,
		Root:   root,
		Values: append([]uint64(nil), send...),
	})
	if err != nil {
		return err
	}
	if m.rank == root {
		copy(recv, res.Values)
	}
	return nil
}

func (m *Member) contribute(ctx context.Context, c *collective.Contribution) (collective.Result, error) {
	if err := m.ready(); err != nil {
		return collective.Result{}, err
	}
	seq := m.seq.Add(1) - 1
	res, err := m.group.rv.Contribute(ctx, m.rank, seq, c)
	if err != nil {
		return res, &collective.OpError{Kind: c.Kind, Rank: m.rank, Seq: seq, Err: err}
	}
	return res, nil
}

func (m *Member) ready() error {
	switch m.state.Load() {
	case stateNew:
		return collective.ErrNotInitialized
	case stateFinalized:
		return collective.ErrFinalized
	}
	return nil
}

// RunGroup runs fn for every member of g concurrently and collects the results
// in rank order. If ctx expires while a member is still blocked, the group is
// aborted so the goroutines can exit, and ctx.Err() is returned: a hung group is
// reported as a timeout, never as a result.
func RunGroup[T any](ctx context.Context, g *Group, fn func(ctx context.Context, m *Member) T) ([]T, error) {
	results := make([]T, g.Size())

	var wg sync.WaitGroup
	for rank := 0; rank < g.Size(); rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			results[rank] = fn(ctx, g.Member(rank))
		}(rank)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return results, nil
	case <-ctx.Done():
		g.Abort(fmt.Errorf("%w: %v", collective.ErrAborted, ctx.Err()))
		<-done
		return results, ctx.Err()
	}
}
