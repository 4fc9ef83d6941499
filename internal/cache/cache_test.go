package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/d21d3q/gombus/internal/frame"
)

func TestCapacityClamping(t *testing.T) {
	require.Equal(t, MinCapacity, New(0).Capacity())
	require.Equal(t, MinCapacity, New(10).Capacity())
	require.Equal(t, 512, New(512).Capacity())
	require.Equal(t, MaxCapacity, New(100000).Capacity())
}

func TestLRUEviction(t *testing.T) {
	c := New(MinCapacity)
	for i := 0; i < MinCapacity; i++ {
		c.Insert(Signature(i), Entry{Template: []byte{byte(i)}})
	}
	require.Equal(t, MinCapacity, c.Len())

	// Touch the oldest entry so the second-oldest becomes the victim.
	_, ok := c.Lookup(Signature(0))
	require.True(t, ok)

	c.Insert(Signature(MinCapacity), Entry{Template: []byte{0xFF}})
	require.Equal(t, MinCapacity, c.Len())

	_, ok = c.Lookup(Signature(0))
	require.True(t, ok, "refreshed entry must survive eviction")
	_, ok = c.Lookup(Signature(1))
	require.False(t, ok, "least-recently-used entry must be evicted")
	_, ok = c.Lookup(Signature(2))
	require.True(t, ok, "only the LRU entry may be evicted")
}

func TestInsertReplacesExisting(t *testing.T) {
	c := New(MinCapacity)
	c.Insert(0x1234, Entry{Template: []byte{0x01}})
	c.Insert(0x1234, Entry{Template: []byte{0x02}})
	require.Equal(t, 1, c.Len())
	e, ok := c.Lookup(0x1234)
	require.True(t, ok)
	require.Equal(t, []byte{0x02}, e.Template)
}

func TestLookupMiss(t *testing.T) {
	c := New(MinCapacity)
	_, ok := c.Lookup(0xBEEF)
	require.False(t, ok)
}

func TestSignatureForIsStable(t *testing.T) {
	f := frame.Frame{
		Kind:         frame.Wireless,
		Manufacturer: 0x09B4,
		DeviceID:     [4]byte{0x86, 0x86, 0x86, 0x86},
		Version:      0x13,
		DeviceType:   0x07,
		CI:           frame.CICompact,
	}
	sig := SignatureFor(f)
	require.Equal(t, sig, SignatureFor(f))

	other := f
	other.DeviceID = [4]byte{0x86, 0x86, 0x86, 0x87}
	require.NotEqual(t, sig, SignatureFor(other))
}

func TestSnapshotRestore(t *testing.T) {
	c := New(MinCapacity)
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Insert(0x0001, Entry{Template: []byte{0x01}, LastSeen: seen})
	c.Insert(0x0002, Entry{Template: []byte{0x02}, LastSeen: seen})

	restored := New(MinCapacity)
	restored.Restore(c.Snapshot())
	require.Equal(t, 2, restored.Len())
	e, ok := restored.Lookup(0x0001)
	require.True(t, ok)
	require.Equal(t, []byte{0x01}, e.Template)
}
