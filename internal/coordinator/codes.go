package coordinator

import (
	"errors"
	"fmt"
)

// ExitCode is the status a member returns. Zero means success.
type ExitCode int

const (
	ExitOK ExitCode = iota
	ExitVersion
	ExitInit
	ExitCommSize
	ExitCommRank
	ExitReduce
	ExitFinalize
	ExitBarrier
	ExitBcast
	ExitArgs
)

var exitCodeNames = [...]string{
	ExitOK:       "ok",
	ExitVersion:  "version",
	ExitInit:     "init",
	ExitCommSize: "comm_size",
	ExitCommRank: "comm_rank",
	ExitReduce:   "reduce",
	ExitFinalize: "finalize",
	ExitBarrier:  "barrier",
	ExitBcast:    "bcast",
	ExitArgs:     "args",
}

func (c ExitCode) String() string {
	if c >= 0 && int(c) < len(exitCodeNames) {
		return exitCodeNames[c]
	}
	return fmt.Sprintf("exit(%d)", int(c))
}

// ErrArgs marks malformed command-line input.
var ErrArgs = errors.New("invalid arguments")

// Error is a failure tagged with the exit code it maps to.
type Error struct {
	Code ExitCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf maps err to an exit code. Untagged errors other than ErrArgs count as
// ExitInit.
func CodeOf(err error) ExitCode {
	if err == nil {
		return ExitOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrArgs) {
		return ExitArgs
	}
	return ExitInit
}
