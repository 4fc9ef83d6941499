// Package frame implements the EN 13757 frame codec: the four wired frame
// kinds (ACK, Short, Control, Long) and the wireless envelope. Parse and
// Pack are structural inverses; Pack always recomputes the integrity
// fields instead of trusting the ones carried in the struct.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gitlab.com/d21d3q/gombus/internal/checksum"
)

var (
	ErrFrameMalformed   = errors.New("malformed frame")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Kind discriminates the frame variants.
type Kind byte

const (
	Acknowledge Kind = iota
	Short
	Control
	Long
	Wireless
)

func (k Kind) String() string {
	switch k {
	case Acknowledge:
		return "ack"
	case Short:
		return "short"
	case Control:
		return "control"
	case Long:
		return "long"
	case Wireless:
		return "wireless"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Wire markers and control-field bits.
const (
	AckByte    = 0xE5
	ShortStart = 0x10
	LongStart  = 0x68
	StopByte   = 0x16

	// FCBBit doubles as the ACC inspection bit for encrypted-frame
	// detection; FCVBit marks the FCB as valid in requests.
	FCBBit = 0x20
	FCVBit = 0x10

	CtrlSndNke = 0x40
	CtrlSndUD  = 0x53
	CtrlReqUD2 = 0x5B
	CtrlRspUD  = 0x08

	// MoreFollowsDIF trails a response payload when further records are
	// pending on the device (EN 13757-3).
	MoreFollowsDIF = 0x1F

	// CICompact and CIFullRequest are the OMS compact-frame markers.
	CICompact     = 0x79
	CIFullRequest = 0x76
)

// Frame is one transmitted or received unit. Wired frames use Control,
// Address, CI and Payload; the wireless variant additionally carries the
// long header fields below CI.
type Frame struct {
	Kind    Kind
	Raw     []byte
	Control byte
	Address byte
	CI      byte
	Payload []byte

	// MoreFollows is derived from the trailing continuation DIF in the
	// payload, so it survives a Pack/Parse round trip.
	MoreFollows bool

	// Wireless header.
	Length       byte
	Manufacturer uint16
	DeviceID     [4]byte
	Version      byte
	DeviceType   byte
	AccessNumber byte
	Status       byte
	TPL          TPLInfo
	StatusFlags  map[string]bool
}

// TPLInfo is the short transport-layer header carried behind CI 0x7A.
type TPLInfo struct {
	Present         bool
	AccessField     byte
	StatusField     byte
	Config          uint16
	SecurityMode    byte
	EncryptedBlocks int
}

// Parse consumes exactly one frame from raw and returns it together with
// the unconsumed remainder. The leading byte discriminates the variant.
func Parse(raw []byte) (Frame, []byte, error) {
	if len(raw) == 0 {
		return Frame{}, nil, fmt.Errorf("%w: empty input", ErrFrameMalformed)
	}
	switch raw[0] {
	case AckByte:
		return Frame{Kind: Acknowledge, Raw: raw[:1]}, raw[1:], nil
	case ShortStart:
		return parseShort(raw)
	case LongStart:
		return parseLong(raw)
	default:
		return parseWireless(raw)
	}
}

func parseShort(raw []byte) (Frame, []byte, error) {
	if len(raw) < 5 {
		return Frame{}, nil, fmt.Errorf("%w: short frame truncated (%d bytes)", ErrFrameMalformed, len(raw))
	}
	if raw[4] != StopByte {
		return Frame{}, nil, fmt.Errorf("%w: missing stop byte, got 0x%02X", ErrFrameMalformed, raw[4])
	}
	if cs := checksum.Sum8(raw[1:3]); cs != raw[3] {
		return Frame{}, nil, fmt.Errorf("%w: got 0x%02X want 0x%02X", ErrChecksumMismatch, raw[3], cs)
	}
	f := Frame{
		Kind:    Short,
		Raw:     raw[:5],
		Control: raw[1],
		Address: raw[2],
	}
	return f, raw[5:], nil
}

func parseLong(raw []byte) (Frame, []byte, error) {
	if len(raw) < 9 {
		return Frame{}, nil, fmt.Errorf("%w: long frame truncated (%d bytes)", ErrFrameMalformed, len(raw))
	}
	length := raw[1]
	if raw[1] != raw[2] {
		return Frame{}, nil, fmt.Errorf("%w: length fields differ (0x%02X vs 0x%02X)", ErrFrameMalformed, raw[1], raw[2])
	}
	if raw[3] != LongStart {
		return Frame{}, nil, fmt.Errorf("%w: second start byte is 0x%02X", ErrFrameMalformed, raw[3])
	}
	if length < 3 {
		return Frame{}, nil, fmt.Errorf("%w: length field %d below header size", ErrFrameMalformed, length)
	}
	total := 6 + int(length)
	if len(raw) < total {
		return Frame{}, nil, fmt.Errorf("%w: declared length %d exceeds input", ErrFrameMalformed, length)
	}
	if raw[total-1] != StopByte {
		return Frame{}, nil, fmt.Errorf("%w: missing stop byte, got 0x%02X", ErrFrameMalformed, raw[total-1])
	}
	if cs := checksum.Sum8(raw[4 : 4+int(length)]); cs != raw[total-2] {
		return Frame{}, nil, fmt.Errorf("%w: got 0x%02X want 0x%02X", ErrChecksumMismatch, raw[total-2], cs)
	}
	f := Frame{
		Raw:     raw[:total],
		Control: raw[4],
		Address: raw[5],
		CI:      raw[6],
	}
	if length == 3 {
		f.Kind = Control
	} else {
		f.Kind = Long
		f.Payload = raw[7 : 4+int(length)]
		f.MoreFollows = hasMoreFollows(f.Payload)
	}
	return f, raw[total:], nil
}

func parseWireless(raw []byte) (Frame, []byte, error) {
	length := raw[0]
	// The fixed header through CI spans 10 bytes after the length byte;
	// the access number and status bytes exist only outside CI 0x7A.
	if length < 10 {
		return Frame{}, nil, fmt.Errorf("%w: wireless length %d below header size", ErrFrameMalformed, length)
	}
	end := 1 + int(length)
	if len(raw) < end+2 {
		return Frame{}, nil, fmt.Errorf("%w: declared length %d exceeds input", ErrFrameMalformed, length)
	}
	if !checksum.CheckCRC16(raw[:end], raw[end:end+2]) {
		return Frame{}, nil, fmt.Errorf("%w: wireless envelope CRC", ErrChecksumMismatch)
	}
	f := Frame{
		Kind:         Wireless,
		Raw:          raw[:end+2],
		Length:       length,
		Control:      raw[1],
		Manufacturer: binary.LittleEndian.Uint16(raw[2:4]),
	}
	copy(f.DeviceID[:], raw[4:8])
	f.Version = raw[8]
	f.DeviceType = raw[9]
	f.CI = raw[10]
	var cursor int
	if f.CI == 0x7A {
		if shortTPLPresent(raw[:end], 11) {
			tpl, consumed, err := parseShortTPL(raw[:end], 11)
			if err != nil {
				return Frame{}, nil, err
			}
			f.TPL = tpl
			f.AccessNumber = tpl.AccessField
			f.Status = tpl.StatusField
			f.StatusFlags = decodeStatusFlags(f.Status)
			cursor = 11 + consumed
		} else {
			f.StatusFlags = map[string]bool{}
			cursor = 11
		}
	} else {
		if length < 12 {
			return Frame{}, nil, fmt.Errorf("%w: wireless length %d below header size", ErrFrameMalformed, length)
		}
		f.AccessNumber = raw[11]
		f.Status = raw[12]
		f.StatusFlags = decodeStatusFlags(f.Status)
		cursor = 13
	}
	if cursor > end {
		return Frame{}, nil, fmt.Errorf("%w: payload offset %d exceeds frame end %d", ErrFrameMalformed, cursor, end)
	}
	f.Payload = raw[cursor:end]
	f.MoreFollows = hasMoreFollows(f.Payload)
	return f, raw[end+2:], nil
}

// Pack serializes the frame, recomputing the checksum or CRC over exactly
// the bytes the standard covers for the frame kind.
func Pack(f Frame) []byte {
	switch f.Kind {
	case Acknowledge:
		return []byte{AckByte}
	case Short:
		cs := checksum.Sum8([]byte{f.Control, f.Address})
		return []byte{ShortStart, f.Control, f.Address, cs, StopByte}
	case Control:
		cs := checksum.Sum8([]byte{f.Control, f.Address, f.CI})
		return []byte{LongStart, 3, 3, LongStart, f.Control, f.Address, f.CI, cs, StopByte}
	case Long:
		length := byte(3 + len(f.Payload))
		out := make([]byte, 0, 6+int(length))
		out = append(out, LongStart, length, length, LongStart, f.Control, f.Address, f.CI)
		out = append(out, f.Payload...)
		out = append(out, checksum.Sum8(out[4:]), StopByte)
		return out
	case Wireless:
		return packWireless(f)
	}
	return nil
}

func packWireless(f Frame) []byte {
	body := make([]byte, 0, 16+len(f.Payload))
	body = append(body, f.Control)
	body = binary.LittleEndian.AppendUint16(body, f.Manufacturer)
	body = append(body, f.DeviceID[:]...)
	body = append(body, f.Version, f.DeviceType, f.CI)
	if f.CI == 0x7A && f.TPL.Present {
		body = append(body, f.TPL.AccessField, f.TPL.StatusField)
		body = binary.LittleEndian.AppendUint16(body, f.TPL.Config)
	} else if f.CI != 0x7A {
		body = append(body, f.AccessNumber, f.Status)
	}
	body = append(body, f.Payload...)
	out := make([]byte, 0, 3+len(body))
	out = append(out, byte(len(body)))
	out = append(out, body...)
	return checksum.PutCRC16(out, out)
}

// FCB reports the frame-count bit of the control field.
func (f Frame) FCB() bool { return f.Control&FCBBit != 0 }

// IsEncrypted reports whether the payload must be decrypted before any
// block-CRC inspection. Wired frames mark encryption with the ACC bit and
// a CI in the encrypted range; wireless frames may additionally declare a
// security mode in the short TPL header.
func (f Frame) IsEncrypted() bool {
	if f.Kind == Wireless && f.TPL.Present && f.TPL.SecurityMode != 0 {
		return true
	}
	return f.Control&FCBBit != 0 && f.CI >= 0x7A && f.CI <= 0x8B
}

// IsCompact reports the OMS compact-frame CI.
func (f Frame) IsCompact() bool { return f.CI == CICompact }

// DeviceIDString returns the EN 13757 display format (MSB first).
func (f Frame) DeviceIDString() string {
	return fmt.Sprintf("%02X%02X%02X%02X", f.DeviceID[3], f.DeviceID[2], f.DeviceID[1], f.DeviceID[0])
}

// NewShort builds a short request frame.
func NewShort(control, address byte) Frame {
	return Frame{Kind: Short, Control: control, Address: address}
}

// NewAck builds the single-byte acknowledge frame.
func NewAck() Frame { return Frame{Kind: Acknowledge} }

// RequestUD2 builds the REQ_UD2 poll with the given frame-count bit.
func RequestUD2(address byte, fcb bool) Frame {
	control := byte(CtrlReqUD2) &^ byte(FCBBit)
	if fcb {
		control |= FCBBit
	}
	return NewShort(control, address)
}

func hasMoreFollows(payload []byte) bool {
	return len(payload) > 0 && payload[len(payload)-1] == MoreFollowsDIF
}

var statusFlagDefs = []struct {
	mask byte
	key  string
}{
	{0x80, "status_empty_pipe"},
	{0x40, "status_reverse_flow"},
	{0x20, "status_freezing"},
	{0x10, "status_temp_alarm"},
	{0x08, "status_perm_alarm"},
	{0x04, "status_battery_alarm"},
	{0x02, "status_hw_alarm"},
}

func decodeStatusFlags(status byte) map[string]bool {
	flags := make(map[string]bool)
	for _, def := range statusFlagDefs {
		if status&def.mask != 0 {
			flags[def.key] = true
		}
	}
	return flags
}

func parseShortTPL(data []byte, offset int) (TPLInfo, int, error) {
	if len(data) < offset+4 {
		return TPLInfo{}, 0, fmt.Errorf("%w: short TPL header truncated", ErrFrameMalformed)
	}
	tpl := TPLInfo{
		Present:     true,
		AccessField: data[offset],
		StatusField: data[offset+1],
	}
	cfg := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
	tpl.Config = cfg
	tpl.SecurityMode = byte((cfg >> 8) & 0x1F)
	if tpl.SecurityMode == 5 {
		tpl.EncryptedBlocks = int((cfg >> 4) & 0x0F)
	}
	return tpl, 4, nil
}

func shortTPLPresent(data []byte, offset int) bool {
	if len(data) < offset+4 {
		return false
	}
	if data[offset] == 0x2F && data[offset+1] == 0x2F {
		return false
	}
	return true
}
