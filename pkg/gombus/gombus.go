// Package gombus ties the frame codec, the payload security modes, the
// Type-A block validator and the compact-frame cache into one decode
// pipeline, and drives multi-frame telegram exchanges over a Transport.
package gombus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"gitlab.com/d21d3q/gombus/internal/block"
	"gitlab.com/d21d3q/gombus/internal/cache"
	"gitlab.com/d21d3q/gombus/internal/crypto"
	"gitlab.com/d21d3q/gombus/internal/frame"
)

// Result captures the outcome of one decode.
type Result struct {
	RawHex    string
	ByteCount int
	Frame     *frame.Frame
	Remainder []byte

	// Records is the logical payload after decryption and block
	// reassembly, ready for the record decoder.
	Records []byte
	Blocks  []block.Block

	// Compact-frame outcome.
	Signature      cache.Signature
	CacheHit       bool
	Template       []byte
	NeedsFullFrame bool
}

// String renders a human-readable representation of the result.
func (r Result) String() string {
	summary := map[string]any{
		"byte_count": r.ByteCount,
		"raw_hex":    r.RawHex,
	}
	if r.Frame != nil {
		summary["kind"] = r.Frame.Kind.String()
		summary["ci"] = fmt.Sprintf("0x%02X", r.Frame.CI)
		if r.Frame.Kind == frame.Wireless {
			summary["device_id"] = r.Frame.DeviceIDString()
			summary["manufacturer"] = fmt.Sprintf("0x%04X", r.Frame.Manufacturer)
		}
	}
	if len(r.Records) > 0 {
		summary["records_hex"] = strings.ToUpper(hex.EncodeToString(r.Records))
	}
	if r.NeedsFullFrame {
		summary["needs_full_frame"] = true
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Sprintf("bytes:%d raw:%s (marshal error: %v)", r.ByteCount, r.RawHex, err)
	}
	return string(data)
}

// Decode runs the full pipeline on one frame's bytes: parse, decrypt if
// the frame is marked encrypted, validate the Type-A block structure
// where one is declared, and consult the compact-frame cache.
func Decode(_ context.Context, data []byte, opts Options) (Result, error) {
	f, rest, err := frame.Parse(data)
	if err != nil {
		return Result{ByteCount: len(data)}, err
	}
	result := Result{
		RawHex:    strings.ToUpper(hex.EncodeToString(f.Raw)),
		ByteCount: len(f.Raw),
		Frame:     &f,
		Remainder: rest,
	}
	payload, _, err := decryptPayload(f, opts)
	if err != nil {
		return result, err
	}
	if err := assemble(&result, f, payload, opts); err != nil {
		return result, err
	}
	return result, nil
}

// decryptPayload recovers the plaintext of an encrypted frame, or passes
// the payload through untouched (nil context). The crypto context is
// built from the frame itself so the access number is always the current
// one; it is returned so the poller can pin it to the running exchange.
func decryptPayload(f frame.Frame, opts Options) ([]byte, *crypto.Context, error) {
	if !f.IsEncrypted() {
		return f.Payload, nil, nil
	}
	cctx, err := opts.cryptoContext(f)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := crypto.Decrypt(f.Payload, cctx)
	if err != nil {
		return nil, nil, err
	}
	if cctx.Mode != crypto.Mode9 && !cctx.InjectCRC && !crypto.PlausiblePlaintext(plaintext) {
		return nil, nil, fmt.Errorf("%w: AES key rejected (bad plaintext)", crypto.ErrDecryptionFailed)
	}
	return plaintext, &cctx, nil
}

// assemble runs block validation on a recovered payload and settles the
// compact-frame cache interaction.
func assemble(result *Result, f frame.Frame, payload []byte, opts Options) error {
	if blockStructured(f, opts) {
		dev := block.DeviceInfo{
			Manufacturer: f.Manufacturer,
			DeviceID:     f.DeviceID,
			Version:      f.Version,
			DeviceType:   f.DeviceType,
		}
		blocks, err := block.Verify(payload, false, block.ToleranceFor(dev))
		result.Blocks = blocks
		if err != nil {
			return err
		}
		payload = block.Data(blocks)
	}
	result.Records = stripIdleFiller(payload)

	if f.Kind == frame.Wireless && opts.Cache != nil {
		result.Signature = cache.SignatureFor(f)
		if f.IsCompact() {
			entry, ok := opts.Cache.Lookup(result.Signature)
			if ok {
				result.CacheHit = true
				result.Template = entry.Template
			} else {
				// The caller answers with a full-frame request
				// (CI 0x76) to fill the cache.
				result.NeedsFullFrame = true
			}
		} else if len(result.Records) > 0 {
			opts.Cache.Insert(result.Signature, cache.Entry{
				Template:     result.Records,
				Manufacturer: f.Manufacturer,
				DeviceID:     f.DeviceID,
			})
		}
	}
	return nil
}

// AnalyzeHex parses a hex dump (separators tolerated) through Decode.
func AnalyzeHex(ctx context.Context, raw string, opts Options) (Result, error) {
	data, err := decodeHex(raw)
	if err != nil {
		return Result{}, err
	}
	result, err := Decode(ctx, data, opts)
	result.RawHex = strings.ToUpper(stripSeparators(raw))
	return result, err
}

// blockStructured reports whether the payload carries Type-A blocks:
// compact frames always do, encrypted wireless frames do when the TPL
// declares encrypted blocks, and callers may force it.
func blockStructured(f frame.Frame, opts Options) bool {
	if opts.ForceBlocks {
		return true
	}
	if f.Kind != frame.Wireless {
		return false
	}
	if f.IsCompact() {
		return true
	}
	return f.TPL.Present && f.TPL.EncryptedBlocks > 0
}

// stripIdleFiller drops the leading 0x2F 0x2F marker a decrypted payload
// starts with.
func stripIdleFiller(payload []byte) []byte {
	if len(payload) >= 2 && payload[0] == 0x2F && payload[1] == 0x2F {
		return payload[2:]
	}
	return payload
}

func decodeHex(input string) ([]byte, error) {
	clean := stripSeparators(input)
	if strings.HasPrefix(strings.ToUpper(clean), "0X") {
		clean = clean[2:]
	}
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("hex telegram must contain an even number of digits, got %d", len(clean))
	}
	decoded := make([]byte, len(clean)/2)
	if _, err := hex.Decode(decoded, []byte(clean)); err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return decoded, nil
}

func stripSeparators(s string) string {
	builder := strings.Builder{}
	builder.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || r == '|' || r == '_' {
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
