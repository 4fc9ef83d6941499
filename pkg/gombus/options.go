package gombus

import (
	"gitlab.com/d21d3q/gombus/internal/cache"
	"gitlab.com/d21d3q/gombus/internal/crypto"
	"gitlab.com/d21d3q/gombus/internal/frame"
	internalopts "gitlab.com/d21d3q/gombus/internal/options"
)

// Options configures the decode pipeline and the poller.
type Options struct {
	// KeyHex is the 32-hex-digit AES-128 key. Key provisioning is an
	// external concern; nothing is derived from frame fields.
	KeyHex string

	// TagLen truncates the mode 9 authentication tag (12 or 16; zero
	// selects the default).
	TagLen int

	// InjectCRC enables the plaintext-CRC policy on encrypt/decrypt.
	InjectCRC bool

	// ForceBlocks runs Type-A block validation even when the frame does
	// not declare a block structure.
	ForceBlocks bool

	// Cache is the shared compact-frame template store; nil disables
	// compact-frame handling.
	Cache *cache.Cache

	// MaxFrames caps multi-frame accumulation per telegram.
	MaxFrames int
}

// Key decodes and validates the configured key.
func (o Options) Key() ([]byte, error) {
	return internalopts.ParseKeyHex(o.KeyHex)
}

func (o Options) cryptoContext(f frame.Frame) (crypto.Context, error) {
	if err := internalopts.ValidateTagLen(o.TagLen); err != nil {
		return crypto.Context{}, err
	}
	key, err := o.Key()
	if err != nil {
		return crypto.Context{}, err
	}
	cctx, err := crypto.ContextFromFrame(f, key)
	if err != nil {
		return crypto.Context{}, err
	}
	if o.TagLen != 0 {
		cctx.TagLen = o.TagLen
	}
	cctx.InjectCRC = o.InjectCRC
	return cctx, nil
}
