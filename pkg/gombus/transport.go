package gombus

import (
	"context"
	"errors"
)

// ErrReceiveTimeout is returned by Transport implementations when no
// frame arrived within the configured per-frame wait.
var ErrReceiveTimeout = errors.New("transport receive timeout")

// Transport is the byte-oriented collaborator below the core: Send ships
// one packed frame, Receive yields exactly one frame's bytes or
// ErrReceiveTimeout. Modulation, channel access and timing live behind
// this interface.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
}
