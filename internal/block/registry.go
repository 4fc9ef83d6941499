package block

import (
	"sync"
)

// DeviceInfo identifies the meter a payload came from, for quirk lookup.
type DeviceInfo struct {
	Manufacturer uint16
	DeviceID     [4]byte
	Version      byte
	DeviceType   byte
}

// TolerancePolicy is the vendor-extension capability consulted when a
// block CRC fails. The second return value reports whether the policy has
// an opinion at all; when false the strict default applies.
type TolerancePolicy interface {
	Name() string
	TolerateCRCFailure(dev DeviceInfo, blockIndex int, data []byte) (accept, ok bool)
}

// Tolerance is a policy already bound to one device, the form Verify
// consumes.
type Tolerance interface {
	TolerateCRCFailure(blockIndex int, data []byte) (accept, ok bool)
}

var (
	regMu    sync.RWMutex
	registry = map[uint16]TolerancePolicy{}
)

// RegisterPolicy stores a manufacturer-keyed tolerance policy. Later
// registrations for the same manufacturer replace earlier ones.
func RegisterPolicy(manufacturer uint16, p TolerancePolicy) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[manufacturer] = p
}

// PolicyFor returns the registered policy for a manufacturer.
func PolicyFor(manufacturer uint16) (TolerancePolicy, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	p, ok := registry[manufacturer]
	return p, ok
}

// ToleranceFor binds the registered policy (if any) to dev. A nil return
// keeps Verify strict.
func ToleranceFor(dev DeviceInfo) Tolerance {
	p, ok := PolicyFor(dev.Manufacturer)
	if !ok {
		return nil
	}
	return boundTolerance{dev: dev, policy: p}
}

type boundTolerance struct {
	dev    DeviceInfo
	policy TolerancePolicy
}

func (b boundTolerance) TolerateCRCFailure(blockIndex int, data []byte) (bool, bool) {
	return b.policy.TolerateCRCFailure(b.dev, blockIndex, data)
}
