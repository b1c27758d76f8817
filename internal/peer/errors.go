package peer

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Request when the session closes while a
// server-to-peer call is still in flight. Close also answers every pending
// call with a 503 response, so such a call may instead fail with a
// *RemoteError of code 503.
var ErrClosed = errors.New("peer: session closed")

// RemoteError wraps a protoo error response (errorCode/errorReason) coming
// back from the peer in answer to a server-initiated Request.
type RemoteError struct {
	Code   int
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer: remote error %d: %s", e.Code, e.Reason)
}

// CodedError lets a RequestHandler pick the errorCode/errorReason pair
// that reaches the peer (spec.md §7's 403-for-not-joined, 500 otherwise),
// instead of Session always defaulting to 500.
type CodedError struct {
	Code   int
	Reason string
}

func (e *CodedError) Error() string { return e.Reason }
