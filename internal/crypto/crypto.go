// Package crypto implements the OMS payload security modes: mode 5
// (AES-128-CTR), mode 7 (AES-128-CBC) and mode 9 (AES-128-GCM with
// truncatable tag). Encrypt and Decrypt operate on copies; the frame a
// context was built from is never mutated.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"gitlab.com/d21d3q/gombus/internal/checksum"
	"gitlab.com/d21d3q/gombus/internal/frame"
)

var (
	ErrKeyRequired      = errors.New("encrypted telegram: AES key required (use --key)")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidContext   = errors.New("invalid crypto context")
)

// Mode selects the payload security mode declared by the frame.
type Mode byte

const (
	Mode5 Mode = 5 // counter mode, no authentication
	Mode7 Mode = 7 // block chaining, deterministic IV
	Mode9 Mode = 9 // GCM, authenticated
)

const (
	// DefaultTagLen is the truncated GCM tag length used unless the
	// context configures the full 16 bytes.
	DefaultTagLen = 12
	gcmNonceLen   = 12
	aadLen        = 11
)

// Context carries the per-frame parameters needed to run one mode. The
// access number is part of the IV/nonce and AAD, so it must come from the
// frame being decrypted; ContextFromFrame enforces that.
type Context struct {
	Mode         Mode
	Manufacturer uint16
	DeviceID     [4]byte
	Version      byte
	DeviceType   byte
	AccessNumber byte
	FrameLength  byte
	Control      byte
	TagLen       int
	Key          []byte

	// InjectCRC prepends a CRC of the plaintext before encryption and
	// verifies/strips it after decryption. Policy toggle, not part of
	// the protocol.
	InjectCRC bool
}

// ContextFromFrame extracts the crypto parameters from the frame under
// decryption, keeping the access number fresh per telegram.
func ContextFromFrame(f frame.Frame, key []byte) (Context, error) {
	ctx := Context{
		Mode:         Mode5,
		Manufacturer: f.Manufacturer,
		DeviceID:     f.DeviceID,
		Version:      f.Version,
		DeviceType:   f.DeviceType,
		AccessNumber: f.AccessNumber,
		FrameLength:  f.Length,
		Control:      f.Control,
		TagLen:       DefaultTagLen,
		Key:          key,
	}
	if f.TPL.Present && f.TPL.SecurityMode != 0 {
		ctx.Mode = Mode(f.TPL.SecurityMode)
	}
	if err := ctx.validate(); err != nil {
		return Context{}, err
	}
	return ctx, nil
}

func (c Context) validate() error {
	if len(c.Key) == 0 {
		return ErrKeyRequired
	}
	if len(c.Key) != 16 {
		return fmt.Errorf("%w: key must be 16 bytes, got %d", ErrInvalidContext, len(c.Key))
	}
	switch c.Mode {
	case Mode5, Mode7, Mode9:
	default:
		return fmt.Errorf("%w: unsupported security mode %d", ErrInvalidContext, c.Mode)
	}
	if c.Mode == Mode9 {
		tagLen := c.TagLen
		if tagLen == 0 {
			tagLen = DefaultTagLen
		}
		if tagLen != 12 && tagLen != 16 {
			return fmt.Errorf("%w: tag length must be 12 or 16, got %d", ErrInvalidContext, c.TagLen)
		}
	}
	return nil
}

// Encrypt returns the ciphertext of plaintext under the context's mode.
func Encrypt(plaintext []byte, ctx Context) ([]byte, error) {
	if err := ctx.validate(); err != nil {
		return nil, err
	}
	if ctx.InjectCRC {
		withCRC := make([]byte, 0, len(plaintext)+2)
		withCRC = checksum.PutCRC16(withCRC, plaintext)
		plaintext = append(withCRC, plaintext...)
	}
	blk, err := aes.NewCipher(ctx.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	switch ctx.Mode {
	case Mode5:
		out := make([]byte, len(plaintext))
		cipher.NewCTR(blk, buildIV(ctx)).XORKeyStream(out, plaintext)
		return out, nil
	case Mode7:
		padded := padPKCS7(plaintext)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(blk, buildIV(ctx)).CryptBlocks(out, padded)
		return out, nil
	case Mode9:
		gcm, err := cipher.NewGCMWithTagSize(blk, tagLen(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
		}
		return gcm.Seal(nil, buildNonce(ctx), plaintext, buildAAD(ctx)), nil
	}
	return nil, fmt.Errorf("%w: unsupported security mode %d", ErrInvalidContext, ctx.Mode)
}

// Decrypt returns a fresh plaintext buffer; the ciphertext is left
// untouched. Authentication or key failures surface as
// ErrDecryptionFailed and are fatal for the telegram.
func Decrypt(ciphertext []byte, ctx Context) ([]byte, error) {
	if err := ctx.validate(); err != nil {
		return nil, err
	}
	blk, err := aes.NewCipher(ctx.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	var plaintext []byte
	switch ctx.Mode {
	case Mode5:
		plaintext = make([]byte, len(ciphertext))
		cipher.NewCTR(blk, buildIV(ctx)).XORKeyStream(plaintext, ciphertext)
	case Mode7:
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: ciphertext length %d not block aligned", ErrDecryptionFailed, len(ciphertext))
		}
		plaintext = make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(blk, buildIV(ctx)).CryptBlocks(plaintext, ciphertext)
		plaintext, err = unpadPKCS7(plaintext)
		if err != nil {
			return nil, err
		}
	case Mode9:
		gcm, err := cipher.NewGCMWithTagSize(blk, tagLen(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
		}
		plaintext, err = gcm.Open(nil, buildNonce(ctx), ciphertext, buildAAD(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported security mode %d", ErrInvalidContext, ctx.Mode)
	}
	if ctx.InjectCRC {
		if len(plaintext) < 2 || !checksum.CheckCRC16(plaintext[2:], plaintext[:2]) {
			return nil, fmt.Errorf("%w: injected plaintext CRC mismatch", ErrDecryptionFailed)
		}
		plaintext = plaintext[2:]
	}
	return plaintext, nil
}

func tagLen(ctx Context) int {
	if ctx.TagLen == 0 {
		return DefaultTagLen
	}
	return ctx.TagLen
}

// buildIV is the deterministic 16-byte IV shared by modes 5 and 7:
// manufacturer (LE), device address, version, type, then the access
// number repeated through the tail.
func buildIV(ctx Context) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.LittleEndian.PutUint16(iv[0:2], ctx.Manufacturer)
	copy(iv[2:6], ctx.DeviceID[:])
	iv[6] = ctx.Version
	iv[7] = ctx.DeviceType
	for i := 8; i < aes.BlockSize; i++ {
		iv[i] = ctx.AccessNumber
	}
	return iv
}

// buildNonce is the 12-byte mode 9 nonce: manufacturer (2, LE), address
// (4, LE) and the access number zero-extended to 6 little-endian bytes.
func buildNonce(ctx Context) []byte {
	nonce := make([]byte, gcmNonceLen)
	binary.LittleEndian.PutUint16(nonce[0:2], ctx.Manufacturer)
	copy(nonce[2:6], ctx.DeviceID[:])
	nonce[6] = ctx.AccessNumber
	return nonce
}

// buildAAD is the fixed 11-byte mode 9 AAD: L, C, manufacturer,
// address, version, type, access number.
func buildAAD(ctx Context) []byte {
	aad := make([]byte, 0, aadLen)
	aad = append(aad, ctx.FrameLength, ctx.Control)
	aad = binary.LittleEndian.AppendUint16(aad, ctx.Manufacturer)
	aad = append(aad, ctx.DeviceID[:]...)
	aad = append(aad, ctx.Version, ctx.DeviceType, ctx.AccessNumber)
	return aad
}

const fillerByte = 0x2F

// padPKCS7 pads to the AES block size. A full extra block is appended
// when the plaintext is already aligned, so unpadding never eats real
// data bytes (0x2F included, which is a legal record byte).
func padPKCS7(plaintext []byte) []byte {
	n := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+n)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 || len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: padded length %d not block aligned", ErrDecryptionFailed, len(plaintext))
	}
	n := int(plaintext[len(plaintext)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
	}
	for _, b := range plaintext[len(plaintext)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
		}
	}
	return plaintext[:len(plaintext)-n], nil
}

// PlausiblePlaintext is a cheap sanity check for the unauthenticated
// modes: decoded records start with a DIF whose low nibble is a known
// data-field code, or with the idle filler.
func PlausiblePlaintext(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	if b[0] == fillerByte {
		return true
	}
	return b[0]&0x0F <= 0x0D
}
