// Package telegram drives one logical multi-frame exchange with a single
// device: frame-count-bit sequencing, payload accumulation and
// discard-on-error. An Exchange belongs to exactly one caller; concurrent
// polling of several devices means one Exchange per device address.
package telegram

import (
	"errors"
	"fmt"

	"gitlab.com/d21d3q/gombus/internal/crypto"
	"gitlab.com/d21d3q/gombus/internal/frame"
)

var (
	ErrFCBMismatch   = errors.New("frame-count-bit mismatch")
	ErrTimeout       = errors.New("timeout awaiting frame")
	ErrNotAwaiting   = errors.New("no frame expected in current state")
	ErrTooManyFrames = errors.New("frame count exceeds telegram cap")
)

// Status is the discriminated exchange state.
type Status int

const (
	Idle Status = iota
	AwaitingFrame
	Accumulating
	Complete
	Discarded
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFrame:
		return "awaiting_frame"
	case Accumulating:
		return "accumulating"
	case Complete:
		return "complete"
	case Discarded:
		return "discarded"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// DefaultMaxFrames bounds accumulation; telegrams observed in the field
// span 2-10 frames.
const DefaultMaxFrames = 10

// Exchange is the per-device reassembly state machine.
type Exchange struct {
	Address   byte
	MaxFrames int

	status      Status
	expectedFCB bool
	buf         []byte
	frameCount  int
	cryptoCtx   *crypto.Context
}

// NewExchange returns an idle exchange for one device address. The first
// telegram after link initialization (SND_NKE) carries FCB set, so the
// expected bit starts true.
func NewExchange(address byte) *Exchange {
	return &Exchange{Address: address, MaxFrames: DefaultMaxFrames, expectedFCB: true}
}

func (e *Exchange) Status() Status    { return e.status }
func (e *Exchange) FrameCount() int   { return e.frameCount }
func (e *Exchange) ExpectedFCB() bool { return e.expectedFCB }

// CryptoContext returns the context associated with the partial telegram,
// if any.
func (e *Exchange) CryptoContext() *crypto.Context { return e.cryptoCtx }

// SetCryptoContext associates the decryption parameters that apply to the
// frames of this exchange.
func (e *Exchange) SetCryptoContext(ctx *crypto.Context) { e.cryptoCtx = ctx }

// Start begins a request cycle, recording the FCB the next response must
// carry, and returns the poll to send. Complete and Discarded are
// restartable; a retry after discard reuses the FCB of the failed attempt
// because the bit only flips once a frame is accepted.
func (e *Exchange) Start() (frame.Frame, error) {
	switch e.status {
	case Idle, Complete, Discarded:
	default:
		return frame.Frame{}, fmt.Errorf("exchange for address %d already active (%s)", e.Address, e.status)
	}
	e.buf = nil
	e.frameCount = 0
	e.status = AwaitingFrame
	return e.NextRequest(), nil
}

// NextRequest builds the REQ_UD2 poll carrying the expected FCB.
func (e *Exchange) NextRequest() frame.Frame {
	return frame.RequestUD2(e.Address, e.expectedFCB)
}

// Accept feeds one received frame into the machine. When the frame
// announces more records it returns done=false and the caller sends an
// acknowledgment plus the next request; otherwise the completed payload
// is returned and the exchange is Complete. Any FCB mismatch discards the
// accumulated buffer.
func (e *Exchange) Accept(f frame.Frame) (payload []byte, done bool, err error) {
	if e.status != AwaitingFrame && e.status != Accumulating {
		return nil, false, fmt.Errorf("%w: state %s", ErrNotAwaiting, e.status)
	}
	if f.FCB() != e.expectedFCB {
		e.discard()
		return nil, false, fmt.Errorf("%w: got %v want %v", ErrFCBMismatch, f.FCB(), e.expectedFCB)
	}
	max := e.MaxFrames
	if max <= 0 {
		max = DefaultMaxFrames
	}
	if e.frameCount+1 > max {
		e.discard()
		return nil, false, fmt.Errorf("%w: cap %d", ErrTooManyFrames, max)
	}
	e.frameCount++
	e.expectedFCB = !e.expectedFCB
	if f.MoreFollows {
		e.buf = append(e.buf, trimMoreFollows(f.Payload)...)
		e.status = Accumulating
		return nil, false, nil
	}
	payload = append(e.buf, f.Payload...)
	e.buf = nil
	e.cryptoCtx = nil
	e.status = Complete
	return payload, true, nil
}

// Timeout discards the partial telegram after the caller's per-frame wait
// expired. The expected FCB is kept so a retried telegram reuses it.
func (e *Exchange) Timeout() error {
	if e.status != AwaitingFrame && e.status != Accumulating {
		return nil
	}
	e.discard()
	return ErrTimeout
}

// Reset abandons any partial telegram and returns to Idle without
// touching the expected FCB.
func (e *Exchange) Reset() {
	e.buf = nil
	e.frameCount = 0
	e.cryptoCtx = nil
	e.status = Idle
}

// discard releases the accumulation buffer so no partial payload can leak
// into a later telegram. The expected FCB stays as-is.
func (e *Exchange) discard() {
	e.buf = nil
	e.frameCount = 0
	e.cryptoCtx = nil
	e.status = Discarded
}

func trimMoreFollows(payload []byte) []byte {
	if len(payload) > 0 && payload[len(payload)-1] == frame.MoreFollowsDIF {
		return payload[:len(payload)-1]
	}
	return payload
}
