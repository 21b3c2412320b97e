package transport

import "errors"

// ErrProtocol reports an unexpected wire frame, a missing capability, or
// a malformed section header. Fatal for the connection.
var ErrProtocol = errors.New("protocol error")

// ErrTransport reports an IO or timeout failure in the byte-stream
// carrier. The core performs no retries; callers decide.
var ErrTransport = errors.New("transport failure")

// ErrCancelled reports cooperative cancellation between chunks.
var ErrCancelled = errors.New("operation cancelled")

// ErrMissing reports a referenced object the local store does not have.
var ErrMissing = errors.New("referenced object missing")
