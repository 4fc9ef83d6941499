package gombus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/telegram"
)

// Poller drives request/response telegram cycles over a Transport. Each
// device address gets its own reassembly exchange; run one poller per
// transport, from one task at a time.
type Poller struct {
	transport Transport
	opts      Options
	exchanges map[byte]*telegram.Exchange
}

// NewPoller wires a transport and options into a poller.
func NewPoller(t Transport, opts Options) *Poller {
	return &Poller{
		transport: t,
		opts:      opts,
		exchanges: make(map[byte]*telegram.Exchange),
	}
}

func (p *Poller) exchange(address byte) *telegram.Exchange {
	ex, ok := p.exchanges[address]
	if !ok {
		ex = telegram.NewExchange(address)
		if p.opts.MaxFrames > 0 {
			ex.MaxFrames = p.opts.MaxFrames
		}
		p.exchanges[address] = ex
	}
	return ex
}

// Poll runs one complete telegram exchange against the device: it issues
// REQ_UD2 polls, accumulates multi-frame responses (re-polling with the
// flipped FCB after each partial frame) and returns the reassembled,
// decoded result. Encrypted frames are decrypted as they arrive, with a
// context rebuilt from each frame, so the accumulation buffer only ever
// holds plaintext. Retry and backoff policy stay with the caller; a
// failed poll leaves the exchange ready for a retry with the same FCB.
func (p *Poller) Poll(ctx context.Context, address byte) (Result, error) {
	ex := p.exchange(address)
	req, err := ex.Start()
	if err != nil {
		return Result{}, err
	}
	if err := p.transport.Send(ctx, frame.Pack(req)); err != nil {
		ex.Reset()
		return Result{}, err
	}
	for {
		data, err := p.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				return Result{}, ex.Timeout()
			}
			ex.Reset()
			return Result{}, err
		}
		f, _, err := frame.Parse(data)
		if err != nil {
			// Malformed or checksum-failed frame: surface it and let
			// the caller decide whether to retry the poll.
			ex.Reset()
			return Result{}, err
		}
		plaintext, cctx, err := decryptPayload(f, p.opts)
		if err != nil {
			ex.Reset()
			return Result{}, err
		}
		if cctx != nil {
			ex.SetCryptoContext(cctx)
			// The continuation marker sits inside the plaintext.
			f.Payload = plaintext
			f.MoreFollows = len(plaintext) > 0 && plaintext[len(plaintext)-1] == frame.MoreFollowsDIF
		}
		payload, done, err := ex.Accept(f)
		if err != nil {
			return Result{}, err
		}
		if !done {
			// Each partial frame is acknowledged before the next poll.
			if err := p.transport.Send(ctx, frame.Pack(frame.NewAck())); err != nil {
				ex.Reset()
				return Result{}, err
			}
			if err := p.transport.Send(ctx, frame.Pack(ex.NextRequest())); err != nil {
				ex.Reset()
				return Result{}, err
			}
			continue
		}
		return p.finish(ctx, f, payload)
	}
}

// finish settles block validation and the compact-frame cache for a
// completed telegram. The final frame supplies the header metadata; the
// payload is the full reassembled plaintext.
func (p *Poller) finish(ctx context.Context, last frame.Frame, payload []byte) (Result, error) {
	result := Result{
		RawHex:    strings.ToUpper(hex.EncodeToString(last.Raw)),
		ByteCount: len(last.Raw),
		Frame:     &last,
	}
	if err := assemble(&result, last, payload, p.opts); err != nil {
		return result, err
	}
	if result.NeedsFullFrame {
		full, err := p.requestFullFrame(ctx, last)
		if err != nil {
			return result, err
		}
		result.Template = full.Records
		result.NeedsFullFrame = false
	}
	return result, nil
}

// requestFullFrame asks the device for the full record layout after a
// compact-frame cache miss (CI 0x76) and decodes the answer, which also
// populates the cache for subsequent compact frames.
func (p *Poller) requestFullFrame(ctx context.Context, compact frame.Frame) (Result, error) {
	req := frame.Frame{
		Kind:    frame.Control,
		Control: frame.CtrlSndUD,
		Address: compact.Address,
		CI:      frame.CIFullRequest,
	}
	if err := p.transport.Send(ctx, frame.Pack(req)); err != nil {
		return Result{}, err
	}
	data, err := p.transport.Receive(ctx)
	if err != nil {
		if errors.Is(err, ErrReceiveTimeout) {
			return Result{}, fmt.Errorf("full-frame request: %w", telegram.ErrTimeout)
		}
		return Result{}, err
	}
	return Decode(ctx, data, p.opts)
}
