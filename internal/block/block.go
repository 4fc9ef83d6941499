// Package block validates the Type-A block structure used inside
// encrypted and compact payloads: consecutive 16-byte groups of 14 data
// bytes followed by a 2-byte CRC.
package block

import (
	"errors"
	"fmt"

	"gitlab.com/d21d3q/gombus/internal/checksum"
)

var ErrBlockCRC = errors.New("block CRC mismatch")

const (
	// Size is the full block length, DataSize the portion covered by the
	// trailing CRC.
	Size     = 16
	DataSize = 14
)

// Block is one 16-byte unit of a Type-A payload. Valid reports whether
// the trailing CRC matched (or a tolerance policy accepted the mismatch).
type Block struct {
	Index     int
	Data      []byte
	Valid     bool
	Tolerated bool
}

// Error carries the indices of all blocks whose CRC failed and was not
// tolerated.
type Error struct {
	Failed []int
}

func (e *Error) Error() string {
	return fmt.Sprintf("block CRC mismatch at indices %v", e.Failed)
}

func (e *Error) Unwrap() error { return ErrBlockCRC }

// Verify splits payload into Type-A blocks and checks each block's CRC
// over its data portion. The final block may be shorter than 16 bytes but
// must still carry at least the 2 CRC bytes. Mismatches are tagged per
// block; the tolerance hook may accept individual bad blocks for known
// hardware quirks before the remaining failures become an error.
//
// The encrypted flag marks a payload that is still ciphertext; its CRC
// bytes are not meaningful yet, so callers must decrypt first. Verify
// refuses to guess and returns an error with no blocks in that case.
func Verify(payload []byte, encrypted bool, tol Tolerance) ([]Block, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("payload too short for block structure: %d bytes", len(payload))
	}
	if encrypted {
		return nil, errors.New("refusing block verification on ciphertext: decrypt first")
	}
	var blocks []Block
	var failed []int
	for off, idx := 0, 0; off < len(payload); off, idx = off+Size, idx+1 {
		chunk := payload[off:]
		if len(chunk) > Size {
			chunk = chunk[:Size]
		}
		// The final group may carry zero data bytes, but never less than
		// its 2 CRC bytes.
		if len(chunk) < 2 {
			return nil, fmt.Errorf("trailing block %d too short: %d bytes", idx, len(chunk))
		}
		data := chunk[:len(chunk)-2]
		b := Block{
			Index: idx,
			Data:  data,
			Valid: checksum.CheckCRC16(data, chunk[len(chunk)-2:]),
		}
		if !b.Valid && tol != nil {
			if accept, ok := tol.TolerateCRCFailure(idx, data); ok && accept {
				b.Valid = true
				b.Tolerated = true
			}
		}
		if !b.Valid {
			failed = append(failed, idx)
		}
		blocks = append(blocks, b)
	}
	if len(failed) > 0 {
		return blocks, &Error{Failed: failed}
	}
	return blocks, nil
}

// Data concatenates the data portions of the blocks in order, discarding
// the CRC bytes, reconstructing the logical payload for record decoding.
func Data(blocks []Block) []byte {
	var n int
	for _, b := range blocks {
		n += len(b.Data)
	}
	out := make([]byte, 0, n)
	for _, b := range blocks {
		out = append(out, b.Data...)
	}
	return out
}

// Append re-blocks a logical payload into Type-A form, inserting a CRC
// after every 14 data bytes (and after the shorter final group).
func Append(dst, payload []byte) []byte {
	for off := 0; off < len(payload); off += DataSize {
		chunk := payload[off:]
		if len(chunk) > DataSize {
			chunk = chunk[:DataSize]
		}
		dst = append(dst, chunk...)
		dst = checksum.PutCRC16(dst, chunk)
	}
	return dst
}
