// Package serial implements the gombus.Transport interface over a serial
// line (an M-Bus level converter or a wM-Bus stick in transparent mode).
// Receive reads exactly one frame by peeking the discriminator byte and
// then fetching the frame's declared remainder.
package serial

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	goserial "go.bug.st/serial"

	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/pkg/gombus"
)

// Wired M-Bus defaults per EN 13757-2: 2400 baud, 8 data bits, even
// parity, one stop bit.
const DefaultBaudRate = 2400

// Config controls how the port is opened.
type Config struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// Port is a gombus.Transport over one serial device.
type Port struct {
	port goserial.Port
	name string
	log  *logrus.Entry
}

// Open opens the named serial device with wired M-Bus framing.
func Open(name string, cfg Config) (*Port, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	port, err := goserial.Open(name, &goserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   goserial.EvenParity,
		StopBits: goserial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	timeout := cfg.ReadTimeout
	if timeout == 0 {
		timeout = 500 * time.Millisecond
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return &Port{
		port: port,
		name: name,
		log:  logrus.WithField("port", name),
	}, nil
}

// Close releases the serial device.
func (p *Port) Close() error { return p.port.Close() }

// Send writes one packed frame.
func (p *Port) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := p.port.Write(data)
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("serial write: short write (%d of %d bytes)", n, len(data))
	}
	p.log.WithField("bytes", len(data)).Debug("frame sent")
	return nil
}

// Receive reads exactly one frame's bytes. The first byte selects the
// frame kind, which determines how many more bytes belong to it.
func (p *Port) Receive(ctx context.Context) ([]byte, error) {
	head := make([]byte, 1)
	if err := p.readFull(ctx, head); err != nil {
		return nil, err
	}
	var buf []byte
	switch head[0] {
	case frame.AckByte:
		return head, nil
	case frame.ShortStart:
		buf = make([]byte, 5)
		buf[0] = head[0]
		if err := p.readFull(ctx, buf[1:]); err != nil {
			return nil, err
		}
	case frame.LongStart:
		hdr := make([]byte, 3)
		if err := p.readFull(ctx, hdr); err != nil {
			return nil, err
		}
		if hdr[0] != hdr[1] || hdr[2] != frame.LongStart {
			return nil, fmt.Errorf("%w: inconsistent long-frame header", frame.ErrFrameMalformed)
		}
		rest := make([]byte, int(hdr[0])+2)
		if err := p.readFull(ctx, rest); err != nil {
			return nil, err
		}
		buf = append(append(head, hdr...), rest...)
	default:
		// Wireless envelope: length byte, body, 2-byte CRC.
		rest := make([]byte, int(head[0])+2)
		if err := p.readFull(ctx, rest); err != nil {
			return nil, err
		}
		buf = append(head, rest...)
	}
	p.log.WithField("bytes", len(buf)).Debug("frame received")
	return buf, nil
}

// readFull fills buf, mapping the port's read timeout (a zero-byte read)
// to gombus.ErrReceiveTimeout.
func (p *Port) readFull(ctx context.Context, buf []byte) error {
	off := 0
	for off < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := p.port.Read(buf[off:])
		if err != nil {
			return fmt.Errorf("serial read: %w", err)
		}
		if n == 0 {
			return gombus.ErrReceiveTimeout
		}
		off += n
	}
	return nil
}
