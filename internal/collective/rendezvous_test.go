package collective

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// contributeAll runs one round with a contribution per rank and returns the results.
func contributeAll(t *testing.T, rv *Rendezvous, seq uint64, contribs []*Contribution) ([]Result, []error) {
	t.Helper()
	results := make([]Result, len(contribs))
	errs := make([]error, len(contribs))

	var wg sync.WaitGroup
	for rank, c := range contribs {
		wg.Add(1)
		go func(rank int, c *Contribution) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			results[rank], errs[rank] = rv.Contribute(ctx, rank, seq, c)
		}(rank, c)
	}
	wg.Wait()
	return results, errs
}

func TestRendezvous_Broadcast(t *testing.T) {
	rv := NewRendezvous(3)
	contribs := []*Contribution{
		{Kind: KindBroadcast, Root: 1, Payload: []byte{0, 0, 0}},
		{Kind: KindBroadcast, Root: 1, Payload: []byte{7, 8, 9}},
		{Kind: KindBroadcast, Root: 1, Payload: []byte{0, 0, 0}},
	}

	results, errs := contributeAll(t, rv, 0, contribs)
	for rank := range contribs {
		require.NoError(t, errs[rank])
		assert.Equal(t, []byte{7, 8, 9}, results[rank].Payload, "rank %d", rank)
	}
	assert.Equal(t, 0, rv.Pending())
}

func TestRendezvous_ReduceSumOnlyAtRoot(t *testing.T) {
	rv := NewRendezvous(3)
	contribs := []*Contribution{
		{Kind: KindReduceSum, Root: 0, Values: []uint64{1, 10}},
		{Kind: KindReduceSum, Root: 0, Values: []uint64{2, 20}},
		{Kind: KindReduceSum, Root: 0, Values: []uint64{3, 30}},
	}

	results, errs := contributeAll(t, rv, 0, contribs)
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{6, 60}, results[0].Values)
	assert.Nil(t, results[1].Values)
	assert.Nil(t, results[2].Values)
}

func TestRendezvous_KindMismatch(t *testing.T) {
	rv := NewRendezvous(2)
	contribs := []*Contribution{
		{Kind: KindBarrier},
		{Kind: KindReduceSum, Root: 0, Values: []uint64{1}},
	}

	_, errs := contributeAll(t, rv, 0, contribs)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrMismatch)
	}
}

func TestRendezvous_LengthMismatch(t *testing.T) {
	rv := NewRendezvous(2)
	contribs := []*Contribution{
		{Kind: KindBroadcast, Root: 0, Payload: make([]byte, 8)},
		{Kind: KindBroadcast, Root: 0, Payload: make([]byte, 4)},
	}

	_, errs := contributeAll(t, rv, 0, contribs)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrLength)
	}
}

func TestRendezvous_FailedRoundsAreDropped(t *testing.T) {
	rv := NewRendezvous(3)
	contribs := []*Contribution{
		{Kind: KindBarrier},
		{Kind: KindBarrier},
		{Kind: KindFinalize},
	}
	_, errs := contributeAll(t, rv, 0, contribs)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrMismatch)
	}
	assert.Equal(t, 0, rv.Rounds())

	// a round failed by a departure is held until the remaining members arrive
	rv.Leave(2)
	_, err := rv.Contribute(context.Background(), 0, 1, &Contribution{Kind: KindBarrier})
	assert.ErrorIs(t, err, ErrMemberLeft)
	assert.Equal(t, 1, rv.Rounds())

	_, err = rv.Contribute(context.Background(), 1, 1, &Contribution{Kind: KindBarrier})
	assert.ErrorIs(t, err, ErrMemberLeft)
	assert.Equal(t, 0, rv.Rounds())
}

func TestRendezvous_InvalidRoot(t *testing.T) {
	rv := NewRendezvous(2)
	_, err := rv.Contribute(context.Background(), 0, 0, &Contribution{Kind: KindBroadcast, Root: 2})
	assert.ErrorIs(t, err, ErrInvalidRoot)

	_, err = rv.Contribute(context.Background(), 5, 0, &Contribution{Kind: KindBarrier})
	assert.ErrorIs(t, err, ErrInvalidRank)
}

func TestRendezvous_LeaveFailsWaiters(t *testing.T) {
	rv := NewRendezvous(2)

	errCh := make(chan error, 1)
	go func() {
		_, err := rv.Contribute(context.Background(), 0, 0, &Contribution{Kind: KindBarrier})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return rv.Pending() == 1 }, time.Second, time.Millisecond)
	rv.Leave(1)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrMemberLeft)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Leave")
	}

	// later rounds fail immediately
	_, err := rv.Contribute(context.Background(), 0, 1, &Contribution{Kind: KindBarrier})
	assert.ErrorIs(t, err, ErrMemberLeft)
}

func TestRendezvous_Abort(t *testing.T) {
	rv := NewRendezvous(2)

	errCh := make(chan error, 1)
	go func() {
		_, err := rv.Contribute(context.Background(), 0, 0, &Contribution{Kind: KindBarrier})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return rv.Pending() == 1 }, time.Second, time.Millisecond)
	rv.Abort(nil)

	assert.ErrorIs(t, <-errCh, ErrAborted)
	_, err := rv.Contribute(context.Background(), 1, 0, &Contribution{Kind: KindBarrier})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestRendezvous_ContextTimeout(t *testing.T) {
	rv := NewRendezvous(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rv.Contribute(ctx, 0, 0, &Contribution{Kind: KindBarrier})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRendezvous_DuplicateContribution(t *testing.T) {
	rv := NewRendezvous(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	go func() { _, _ = rv.Contribute(ctx, 0, 0, &Contribution{Kind: KindBarrier}) }()
	require.Eventually(t, func() bool { return rv.Pending() == 1 }, time.Second, time.Millisecond)

	_, err := rv.Contribute(ctx, 0, 0, &Contribution{Kind: KindBarrier})
	assert.ErrorIs(t, err, ErrMismatch)
}

// TestReduceSumProperty: the root receives the element-wise sum of every member's values.
func TestReduceSumProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 8).Draw(t, "size")
		count := rapid.IntRange(1, 4).Draw(t, "count")
		root := rapid.IntRange(0, size-1).Draw(t, "root")

		contribs := make([]*Contribution, size)
		want := make([]uint64, count)
		for rank := range contribs {
			vals := make([]uint64, count)
			for i := range vals {
				vals[i] = rapid.Uint64Range(0, 1<<40).Draw(t, "value")
				want[i] += vals[i]
			}
			contribs[rank] = &Contribution{Kind: KindReduceSum, Root: root, Values: vals}
		}

		rv := NewRendezvous(size)
		results := make([]Result, size)
		errs := make([]error, size)
		var wg sync.WaitGroup
		for rank, c := range contribs {
			wg.Add(1)
			go func(rank int, c *Contribution) {
				defer wg.Done()
				results[rank], errs[rank] = rv.Contribute(context.Background(), rank, 0, c)
			}(rank, c)
		}
		wg.Wait()

		for rank, err := range errs {
			if err != nil {
				t.Fatalf("rank %d: %v", rank, err)
			}
		}
		for i := range want {
			if results[root].Values[i] != want[i] {
				t.Fatalf("element %d: got %d want %d", i, results[root].Values[i], want[i])
			}
		}
	})
}
