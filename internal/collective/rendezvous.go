package collective

import (
	"context"
	"fmt"
	"sync"
)

// Contribution is one member's side of a collective call.
type Contribution struct {
	Kind    Kind
	Root    int
	Payload []byte
	Values  []uint64
}

// Result is what a member receives once its round completes.
type Result struct {
	Payload []byte
	Values  []uint64
}

// Rendezvous matches the collective calls of a fixed-size group by sequence
// number and computes each member's result once all of them have arrived.
type Rendezvous struct {
	size int

	rounds map[uint64]*round
	left   map[int]bool

	aborted   error
	abortCh   chan struct{}
	abortOnce sync.Once

	mu sync.Mutex
}

type round struct {
	seq     uint64
	kind    Kind
	root    int
	length  int
	contrib []*Contribution
	arrived int
	results []Result
	err     error
	closed  bool
	done    chan struct{}
}

// NewRendezvous creates an engine for a group of size members.
func NewRendezvous(size int) *Rendezvous {
	return &Rendezvous{
		size:    size,
		rounds:  make(map[uint64]*round),
		left:    make(map[int]bool),
		abortCh: make(chan struct{}),
	}
}

// Size returns the group size.
func (r *Rendezvous) Size() int {
	return r.size
}

// Contribute records rank's call for seq and blocks until the round completes,
// fails, the engine is aborted or ctx is done.
func (r *Rendezvous) Contribute(ctx context.Context, rank int, seq uint64, c *Contribution) (Result, error) {
	if rank < 0 || rank >= r.size {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidRank, rank)
	}
	if c.Kind == KindBroadcast || c.Kind == KindReduceSum {
		if err := CheckRoot(c.Root, r.size); err != nil {
			return Result{}, err
		}
	}

	r.mu.Lock()
	if r.aborted != nil {
		r.mu.Unlock()
		return Result{}, r.aborted
	}

	rd, ok := r.rounds[seq]
	if !ok {
		rd = &round{
			seq:     seq,
			kind:    c.Kind,
			root:    c.Root,
			length:  contributionLength(c),
			contrib: make([]*Contribution, r.size),
			done:    make(chan struct{}),
		}
		r.rounds[seq] = rd
	}

	switch {
	case rd.contrib[rank] != nil:
		r.mu.Unlock()
		return Result{}, fmt.Errorf("%w: rank %d called seq %d twice", ErrMismatch, rank, seq)
	case rd.err != nil:
		// round already failed; nothing to wait for
	case rd.kind != c.Kind:
		rd.fail(fmt.Errorf("%w: rank %d called %s, group is in %s", ErrMismatch, rank, c.Kind, rd.kind))
	case rd.root != c.Root && (c.Kind == KindBroadcast || c.Kind == KindReduceSum):
		rd.fail(fmt.Errorf("%w: rank %d used root %d, group uses %d", ErrMismatch, rank, c.Root, rd.root))
	case rd.length != contributionLength(c):
		rd.fail(fmt.Errorf("%w: rank %d sent %d elements, group sends %d", ErrLength, rank, contributionLength(c), rd.length))
	}

	rd.contrib[rank] = c
	rd.arrived++

	if rd.err == nil {
		for departed := range r.left {
			if rd.contrib[departed] == nil {
				rd.fail(fmt.Errorf("%w: rank %d", ErrMemberLeft, departed))
				break
			}
		}
	}

	if rd.err == nil && rd.arrived == r.size {
		rd.results = rd.compute()
		rd.closed = true
		close(rd.done)
		delete(r.rounds, seq)
	}
	r.retire(rd)
	r.mu.Unlock()

	select {
	case <-rd.done:
		if rd.err != nil {
			return Result{}, rd.err
		}
		return rd.results[rank], nil
	case <-r.abortCh:
		return Result{}, r.aborted
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Leave marks rank as departed. Every open round it has not contributed to, and
// every round opened later, fails with ErrMemberLeft.
func (r *Rendezvous) Leave(rank int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.left[rank] = true
	for _, rd := range r.rounds {
		if rd.err == nil && rd.contrib[rank] == nil {
			rd.fail(fmt.Errorf("%w: rank %d", ErrMemberLeft, rank))
		}
		r.retire(rd)
	}
}

// Abort fails every pending and future round with err.
func (r *Rendezvous) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.aborted = err
		r.mu.Unlock()
		close(r.abortCh)
	})
}

// Pending returns the number of open rounds.
func (r *Rendezvous) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rd := range r.rounds {
		if rd.err == nil {
			n++
		}
	}
	return n
}

// retire drops a failed round once no member can still arrive at it. Must be
// called with the engine lock held.
func (r *Rendezvous) retire(rd *round) {
	if rd.err == nil {
		return
	}
	for rank, c := range rd.contrib {
		if c == nil && !r.left[rank] {
			return
		}
	}
	delete(r.rounds, rd.seq)
}

// Rounds returns the number of rounds held by the engine, failed ones included.
func (r *Rendezvous) Rounds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rounds)
}

// fail must be called with the engine lock held. Failed rounds stay in the map so
// late arrivals see the error instead of opening a fresh round.
func (rd *round) fail(err error) {
	if rd.err != nil {
		return
	}
	rd.err = err
	if !rd.closed {
		rd.closed = true
		close(rd.done)
	}
}

func (rd *round) compute() []Result {
	results := make([]Result, len(rd.contrib))
	switch rd.kind {
	case KindBroadcast:
		src := rd.contrib[rd.root].Payload
		for i := range results {
			results[i].Payload = append([]byte(nil), src...)
		}
	case KindReduceSum:
		sum := make([]uint64, rd.length)
		for _, c := range rd.contrib {
			for i, v := range c.Values {
				sum[i] += v
			}
		}
		results[rd.root].Values = sum
	}
	return results
}

func contributionLength(c *Contribution) int {
	switch c.Kind {
	case KindBroadcast:
		return len(c.Payload)
	case KindReduceSum:
		return len(c.Values)
	}
	return 0
}
