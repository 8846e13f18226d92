package domain

import "errors"

// ErrConflict signals an optimistic version mismatch on a store mutation.
// It is an expected outcome under contention: callers fall back (join creates
// a fresh session, removal re-arms the device for the next sweep) instead of
// propagating it to the transport layer.
var ErrConflict = errors.New("session version conflict")
