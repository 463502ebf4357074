package collective

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport answers every call immediately.
type stubTransport struct {
	barrierErr error
}

func (s *stubTransport) Init(ctx context.Context) error     { return nil }
func (s *stubTransport) Finalize(ctx context.Context) error { return nil }
func (s *stubTransport) Size() (int, error)                 { return 1, nil }
func (s *stubTransport) Rank() (int, error)                 { return 0, nil }
func (s *stubTransport) Name() (string, error)              { return DefaultGroupName, nil }
func (s *stubTransport) ProcessorName() (string, error)     { return "stub", nil }
func (s *stubTransport) LibraryVersion() (string, error)    { return "stub", nil }
func (s *stubTransport) APIVersion() (int, int, error)      { return APIMajor, APIMinor, nil }
func (s *stubTransport) Broadcast(ctx context.Context, buf []byte, root int) error {
	return nil
}
func (s *stubTransport) Barrier(ctx context.Context) error { return s.barrierErr }
func (s *stubTransport) ReduceSum(ctx context.Context, send, recv []uint64, root int) error {
	copy(recv, send)
	return nil
}

func TestInstrumented_Stats(t *testing.T) {
	it := NewInstrumented(&stubTransport{})
	ctx := context.Background()

	require.NoError(t, it.Broadcast(ctx, make([]byte, 8), 0))
	require.NoError(t, it.Barrier(ctx))
	require.NoError(t, it.Barrier(ctx))
	recv := make([]uint64, 1)
	require.NoError(t, it.ReduceSum(ctx, []uint64{5}, recv, 0))
	assert.Equal(t, uint64(5), recv[0])

	stats := it.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, KindBarrier, stats[0].Kind)
	assert.Equal(t, int64(2), stats[0].Count)
	assert.Equal(t, KindBroadcast, stats[1].Kind)
	assert.Equal(t, KindReduceSum, stats[2].Kind)
	for _, s := range stats {
		assert.GreaterOrEqual(t, s.Max, s.P50)
	}
}

func TestInstrumented_CountsErrors(t *testing.T) {
	it := NewInstrumented(&stubTransport{barrierErr: errors.New("boom")})

	assert.Error(t, it.Barrier(context.Background()))

	stats := it.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Errors)
	assert.Equal(t, int64(0), stats[0].Count)
}
