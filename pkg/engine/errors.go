package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/erc7824/nodelink/pkg/rpc"
)

var (
	ErrNotConnected         = errors.New("not connected to node")
	ErrClosing              = errors.New("connection is closing")
	ErrStopped              = errors.New("engine stopped")
	ErrAlreadyRunning       = errors.New("engine already running")
	ErrUnknownKind          = errors.New("unknown operation kind")
	ErrDuplicateFilter      = errors.New("filter key already registered")
	ErrEmptyFilterKey       = errors.New("empty filter key")
	ErrConnectionBail       = errors.New("connection bailed")
	ErrConnectTimeout       = errors.New("could not connect to node")
	ErrRequestTimeout       = errors.New("node did not answer in time")
	ErrMissingResult        = errors.New("reply has neither result nor error")
	ErrUnexpectedDisconnect = errors.New("node disconnected unexpectedly")
	ErrWriteFailed          = errors.New("write to node failed")
	ErrWrongPassword        = errors.New("wrong password")
)

// Severity tells how far a failure reaches.
type Severity int

const (
	// SeveritySoft fails a single operation.
	SeveritySoft Severity = iota
	// SeverityHard tears the connection down and fails everything pending.
	SeverityHard
)

func (s Severity) String() string {
	if s == SeverityHard {
		return "hard"
	}
	return "soft"
}

// BailError wraps the cause of a bail. Hard bails match ErrConnectionBail
// with errors.Is.
type BailError struct {
	Severity Severity
	Err      error
}

func (e *BailError) Error() string {
	return fmt.Sprintf("%s bail: %v", e.Severity, e.Err)
}

func (e *BailError) Unwrap() error {
	return e.Err
}

func (e *BailError) Is(target error) bool {
	return target == ErrConnectionBail && e.Severity == SeverityHard
}

// codeServerError is the generic geth server error code used, among other
// things, for key decryption failures.
const codeServerError = -32000

// nodeFailure maps a node error object to the error returned to the caller.
func nodeFailure(kind Kind, nodeErr *rpc.NodeError) error {
	if kinds[kind].unlocks && nodeErr.Code == codeServerError &&
		strings.Contains(strings.ToLower(nodeErr.Message), "decrypt") {
		return fmt.Errorf("%w: %w", ErrWrongPassword, nodeErr)
	}
	return nodeErr
}
