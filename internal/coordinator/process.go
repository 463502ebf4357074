package coordinator

import (
	"context"
	"io"

	"go.uber.org/zap"

	"yqhp/mcpi/internal/collective"
)

// Process is what a Behavior sees of its member: identity, output and the
// group collectives. Collective failures come back as *Error carrying the
// matching exit code.
type Process struct {
	transport   collective.Transport
	rank        int
	size        int
	managerRank int
	taskName    string
	version     string
	out         io.Writer
	log         *zap.Logger
}

func (p *Process) Rank() int             { return p.rank }
func (p *Process) Size() int             { return p.size }
func (p *Process) ManagerRank() int      { return p.managerRank }
func (p *Process) IsManager() bool       { return p.rank == p.managerRank }
func (p *Process) TaskName() string      { return p.taskName }
func (p *Process) VersionString() string { return p.version }
func (p *Process) Out() io.Writer        { return p.out }
func (p *Process) Logger() *zap.Logger   { return p.log }

// Broadcast copies root's buf into buf on every member. root may be
// collective.RootManager.
func (p *Process) Broadcast(ctx context.Context, buf []byte, root int) error {
	if err := p.transport.Broadcast(ctx, buf, p.resolve(root)); err != nil {
		return &Error{Code: ExitBcast, Op: "broadcast", Err: err}
	}
	return nil
}

// ReduceSum sums send across the group into recv on root. root may be
// collective.RootManager.
func (p *Process) ReduceSum(ctx context.Context, send, recv []uint64, root int) error {
	if err := p.transport.ReduceSum(ctx, send, recv, p.resolve(root)); err != nil {
		return &Error{Code: ExitReduce, Op: "reduce", Err: err}
	}
	return nil
}

// Barrier waits for every member of the group.
func (p *Process) Barrier(ctx context.Context) error {
	if err := p.transport.Barrier(ctx); err != nil {
		return &Error{Code: ExitBarrier, Op: "barrier", Err: err}
	}
	return nil
}

func (p *Process) resolve(root int) int {
	if root == collective.RootManager {
		return p.managerRank
	}
	return root
}
