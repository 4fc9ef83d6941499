package gombus

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/d21d3q/gombus/internal/block"
	"gitlab.com/d21d3q/gombus/internal/cache"
	"gitlab.com/d21d3q/gombus/internal/crypto"
	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/telegram"
)

// scriptTransport replays a fixed sequence of received frames and records
// everything sent.
type scriptTransport struct {
	sent      [][]byte
	responses [][]byte
	next      int
}

func (s *scriptTransport) Send(_ context.Context, data []byte) error {
	buf := append([]byte(nil), data...)
	s.sent = append(s.sent, buf)
	return nil
}

func (s *scriptTransport) Receive(_ context.Context) ([]byte, error) {
	if s.next >= len(s.responses) {
		return nil, ErrReceiveTimeout
	}
	data := s.responses[s.next]
	s.next++
	return data, nil
}

func rspUD(fcb bool, payload []byte) []byte {
	control := byte(frame.CtrlRspUD)
	if fcb {
		control |= frame.FCBBit
	}
	return frame.Pack(frame.Frame{
		Kind:    frame.Long,
		Control: control,
		Address: 0x01,
		CI:      0x72,
		Payload: payload,
	})
}

func TestPollSingleFrame(t *testing.T) {
	// A fresh exchange expects FCB set on the first response.
	transport := &scriptTransport{responses: [][]byte{
		rspUD(true, []byte{0x0C, 0x13, 0x66, 0x38}),
	}}
	p := NewPoller(transport, Options{})

	result, err := p.Poll(context.Background(), 0x01)
	require.NoError(t, err)
	require.Equal(t, []byte{0x0C, 0x13, 0x66, 0x38}, result.Records)
	require.Len(t, transport.sent, 1)

	req, _, err := frame.Parse(transport.sent[0])
	require.NoError(t, err)
	require.Equal(t, frame.Short, req.Kind)
	require.True(t, req.FCB())
}

func TestPollMultiFrame(t *testing.T) {
	transport := &scriptTransport{responses: [][]byte{
		rspUD(true, []byte{0x01, frame.MoreFollowsDIF}),
		rspUD(false, []byte{0x02, frame.MoreFollowsDIF}),
		rspUD(true, []byte{0x03}),
	}}
	p := NewPoller(transport, Options{})

	result, err := p.Poll(context.Background(), 0x01)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, result.Records)

	// Initial poll, then an acknowledge plus a re-poll per partial
	// frame, with the FCB alternating across the requests.
	require.Len(t, transport.sent, 5)
	wantFCB := []bool{true, false, true}
	for i, sent := range transport.sent {
		parsed, _, err := frame.Parse(sent)
		require.NoError(t, err)
		if i%2 == 1 {
			require.Equal(t, frame.Acknowledge, parsed.Kind, "frame %d", i)
			require.Equal(t, []byte{frame.AckByte}, sent)
			continue
		}
		require.Equal(t, frame.Short, parsed.Kind, "frame %d", i)
		require.Equal(t, wantFCB[i/2], parsed.FCB(), "request %d", i/2)
	}
}

func TestPollTimeoutThenRetry(t *testing.T) {
	transport := &scriptTransport{}
	p := NewPoller(transport, Options{})

	_, err := p.Poll(context.Background(), 0x01)
	require.ErrorIs(t, err, telegram.ErrTimeout)

	// The retry reuses the FCB of the failed attempt.
	transport.responses = [][]byte{rspUD(true, []byte{0xAA})}
	transport.next = 0
	result, err := p.Poll(context.Background(), 0x01)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA}, result.Records)

	first, _, err := frame.Parse(transport.sent[0])
	require.NoError(t, err)
	retry, _, err := frame.Parse(transport.sent[1])
	require.NoError(t, err)
	require.Equal(t, first.FCB(), retry.FCB())
}

func TestPollFCBMismatchDiscards(t *testing.T) {
	// The device answers with a stale FCB.
	transport := &scriptTransport{responses: [][]byte{
		rspUD(false, []byte{0x01}),
	}}
	p := NewPoller(transport, Options{})

	_, err := p.Poll(context.Background(), 0x01)
	require.ErrorIs(t, err, telegram.ErrFCBMismatch)
}

func TestPollMalformedFrame(t *testing.T) {
	transport := &scriptTransport{responses: [][]byte{
		{0x10, 0x08, 0x01, 0xFF, 0x16}, // bad checksum
	}}
	p := NewPoller(transport, Options{})

	_, err := p.Poll(context.Background(), 0x01)
	require.ErrorIs(t, err, frame.ErrChecksumMismatch)

	// A clean retry still works after the reset.
	transport.responses = append(transport.responses, rspUD(true, []byte{0x01}))
	_, err = p.Poll(context.Background(), 0x01)
	require.NoError(t, err)
}

func TestPollEncryptedFrame(t *testing.T) {
	key, err := hex.DecodeString(testKeyHex)
	require.NoError(t, err)

	f := frame.Frame{
		Kind:         frame.Wireless,
		Control:      0x44 | frame.FCBBit,
		Manufacturer: 0x09B4,
		DeviceID:     [4]byte{0x86, 0x86, 0x86, 0x86},
		Version:      0x13,
		DeviceType:   0x07,
		CI:           0x7A,
		TPL: frame.TPLInfo{
			Present:     true,
			AccessField: 0x2A,
			Config:      0x0500,
		},
	}
	plaintext := []byte{0x2F, 0x2F, 0x0C, 0x13, 0x66, 0x38}
	ciphertext, err := crypto.Encrypt(plaintext, crypto.Context{
		Mode:         crypto.Mode5,
		Manufacturer: f.Manufacturer,
		DeviceID:     f.DeviceID,
		Version:      f.Version,
		DeviceType:   f.DeviceType,
		AccessNumber: f.TPL.AccessField,
		Control:      f.Control,
		Key:          key,
	})
	require.NoError(t, err)
	f.Payload = ciphertext

	transport := &scriptTransport{responses: [][]byte{frame.Pack(f)}}
	p := NewPoller(transport, Options{KeyHex: testKeyHex})

	result, err := p.Poll(context.Background(), 0x01)
	require.NoError(t, err)
	require.Equal(t, []byte{0x0C, 0x13, 0x66, 0x38}, result.Records)
}

func TestPollCompactMissFetchesFullFrame(t *testing.T) {
	values := []byte{0x66, 0x38, 0x00, 0x00}
	template := []byte{0x0C, 0x13, 0x04, 0x6D}

	compact := frame.Frame{
		Kind:         frame.Wireless,
		Control:      0x44 | frame.FCBBit,
		Manufacturer: 0x09B4,
		DeviceID:     [4]byte{0x86, 0x86, 0x86, 0x86},
		Version:      0x13,
		DeviceType:   0x07,
		CI:           frame.CICompact,
		AccessNumber: 0x2B,
	}
	compact.Payload = block.Append(nil, values)
	full := compact
	full.CI = 0x72
	full.Payload = template

	transport := &scriptTransport{responses: [][]byte{
		frame.Pack(compact),
		frame.Pack(full),
	}}
	store := cache.New(cache.MinCapacity)
	p := NewPoller(transport, Options{Cache: store})

	result, err := p.Poll(context.Background(), 0x01)
	require.NoError(t, err)
	require.Equal(t, values, result.Records)
	require.Equal(t, template, result.Template)
	require.False(t, result.NeedsFullFrame)

	// The miss emitted a full-frame request (CI 0x76).
	require.Len(t, transport.sent, 2)
	req, _, err := frame.Parse(transport.sent[1])
	require.NoError(t, err)
	require.Equal(t, frame.Control, req.Kind)
	require.Equal(t, byte(frame.CIFullRequest), req.CI)

	// The cache now serves the template directly.
	_, ok := store.Lookup(result.Signature)
	require.True(t, ok)
}
