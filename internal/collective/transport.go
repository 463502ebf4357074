package collective

import (
	"context"
	"errors"
	"fmt"
)

// RootManager asks a collective wrapper to use the configured manager rank as root.
const RootManager = -1

// DefaultGroupName is the name reported for the default group.
const DefaultGroupName = "WORLD"

// ProtocolVersion is the collective protocol spoken between members and hub.
// APIMajor and APIMinor are reported as the transport API version.
const (
	ProtocolVersion = 1
	APIMajor        = 1
	APIMinor        = 0
)

// Kind identifies a collective operation.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindBarrier   Kind = "barrier"
	KindReduceSum Kind = "reduce_sum"
	KindFinalize  Kind = "finalize"
)

var (
	ErrNotInitialized     = errors.New("transport not initialized")
	ErrAlreadyInitialized = errors.New("transport already initialized")
	ErrFinalized          = errors.New("transport finalized")
	ErrMismatch           = errors.New("collective call mismatch")
	ErrMemberLeft         = errors.New("group member left")
	ErrAborted            = errors.New("group aborted")
	ErrProtocolVersion    = errors.New("protocol version mismatch")
	ErrInvalidRoot        = errors.New("invalid root rank")
	ErrInvalidRank        = errors.New("invalid rank")
	ErrLength             = errors.New("buffer length mismatch")
)

// Transport is one process's handle on a group. Collective methods block until
// every member of the group has issued the matching call.
type Transport interface {
	// Init joins the group.
	Init(ctx context.Context) error

	// Finalize leaves the group. It may be called after a failed Init.
	Finalize(ctx context.Context) error

	// Size returns the number of members in the group.
	Size() (int, error)

	// Rank returns this member's rank in [0, Size()).
	Rank() (int, error)

	// Name returns the group name.
	Name() (string, error)

	// ProcessorName returns the host this member runs on.
	ProcessorName() (string, error)

	// LibraryVersion describes the transport implementation.
	LibraryVersion() (string, error)

	// APIVersion returns the collective API version.
	APIVersion() (major, minor int, err error)

	// Broadcast copies root's buf into buf on every member.
	Broadcast(ctx context.Context, buf []byte, root int) error

	// Barrier returns once every member has entered it.
	Barrier(ctx context.Context) error

	// ReduceSum sums send element-wise across the group into recv on root.
	// recv is left untouched on every other member.
	ReduceSum(ctx context.Context, send, recv []uint64, root int) error
}

// OpError reports a failed collective on a given member.
type OpError struct {
	Kind Kind
	Rank int
	Seq  uint64
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s (rank %d, seq %d): %v", e.Kind, e.Rank, e.Seq, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// CheckRoot validates a root rank against the group size.
func CheckRoot(root, size int) error {
	if root < 0 || root >= size {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidRoot, root, size)
	}
	return nil
}
