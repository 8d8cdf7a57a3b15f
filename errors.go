package tether

// errors.go: the error taxonomy for the channel layer.
//
// Retry policy lives in RequestChannel/PublishClient, never
// down in the Transport; the types here exist so those layers
// can tell a dead socket from a dead session from a dead stream.

import (
	"errors"
	"fmt"
	"time"
)

var ErrShutdown = fmt.Errorf("shutting down")

// ErrRetryConnect marks a connect failure that the caller's
// reconnect policy is expected to absorb; it is benign, not fatal.
var ErrRetryConnect = fmt.Errorf("connect failed; retry expected")

// ErrPendingApproval means the remote authority knows our key but
// a human has not accepted it yet. Not a hard failure: the sign-in
// loop backs off and tries again.
var ErrPendingApproval = fmt.Errorf("authentication pending: key awaiting approval")

// ErrRejected means the remote authority refused our key outright.
// There is no point retrying without operator intervention.
var ErrRejected = fmt.Errorf("authentication rejected: key refused by remote")

// ConnectionError is any transport level failure: refused,
// reset, timed out connecting, or an operation on a closed
// Transport. Recoverable by caller-driven retry.
type ConnectionError struct {
	Op   string // "connect", "send", "recv", "closed"
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection error during %v to '%v'", e.Op, e.Addr)
	}
	return fmt.Sprintf("connection error during %v to '%v': %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FramingError means the byte stream could not be parsed into a
// Frame. The byte boundary may be corrupted, so the connection is
// no longer trustworthy and must be closed and re-established.
// A merely truncated frame is never a FramingError; only
// genuinely malformed input is.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err == nil {
		return "framing error: " + e.Reason
	}
	return fmt.Sprintf("framing error: %v: %v", e.Reason, e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// AuthenticationError: handshake rejected, signature invalid,
// decrypt failed, nonce mismatch, or key-mismatch detected.
// The RequestChannel gives exactly one re-authenticate-and-retry
// on these; a second failure goes to the caller.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication error: " + e.Reason
}

func authErrf(format string, a ...interface{}) *AuthenticationError {
	return &AuthenticationError{Reason: fmt.Sprintf(format, a...)}
}

// RequestTimeoutError: no reply within the configured timeout.
// Counted against the retry budget; exhausting retries surfaces
// the last one of these to the caller.
type RequestTimeoutError struct {
	After    time.Duration
	Attempts int
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %v (attempt %v)", e.After, e.Attempts)
}

func isConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func isAuthError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

func isTimeoutError(err error) bool {
	var te *RequestTimeoutError
	return errors.As(err, &te)
}
