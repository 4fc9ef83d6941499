package block

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/d21d3q/gombus/internal/checksum"
)

func samplePayload(t *testing.T, n int) ([]byte, []byte) {
	t.Helper()
	logical := make([]byte, n)
	for i := range logical {
		logical[i] = byte(i + 1)
	}
	return Append(nil, logical), logical
}

func TestVerifyAllValid(t *testing.T) {
	payload, logical := samplePayload(t, 42)
	blocks, err := Verify(payload, false, nil)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	for _, b := range blocks {
		require.True(t, b.Valid, "block %d", b.Index)
		require.False(t, b.Tolerated)
	}
	require.True(t, bytes.Equal(Data(blocks), logical))
}

func TestVerifySingleBitFlip(t *testing.T) {
	payload, _ := samplePayload(t, 42)
	// Flip one bit inside block 1's data portion.
	payload[Size+3] ^= 0x01
	blocks, err := Verify(payload, false, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBlockCRC)
	var blockErr *Error
	require.ErrorAs(t, err, &blockErr)
	require.Equal(t, []int{1}, blockErr.Failed)
	require.True(t, blocks[0].Valid)
	require.False(t, blocks[1].Valid)
	require.True(t, blocks[2].Valid)
}

func TestVerifyShortFinalBlock(t *testing.T) {
	payload, logical := samplePayload(t, DataSize+5)
	blocks, err := Verify(payload, false, nil)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Len(t, blocks[1].Data, 5)
	require.True(t, bytes.Equal(Data(blocks), logical))
}

func TestVerifyCRCOnlyFinalGroup(t *testing.T) {
	// A full block followed by a final group of zero data bytes and its
	// CRC: legal on the wire even though Append never emits it.
	payload, logical := samplePayload(t, DataSize)
	payload = checksum.PutCRC16(payload, nil)

	blocks, err := Verify(payload, false, nil)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Empty(t, blocks[1].Data)
	require.True(t, blocks[1].Valid)
	require.True(t, bytes.Equal(Data(blocks), logical))
}

func TestVerifyBareCRCPayload(t *testing.T) {
	payload := checksum.PutCRC16(nil, nil)
	blocks, err := Verify(payload, false, nil)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Empty(t, Data(blocks))
}

func TestVerifyRefusesCiphertext(t *testing.T) {
	payload, _ := samplePayload(t, 14)
	blocks, err := Verify(payload, true, nil)
	require.Error(t, err)
	require.Nil(t, blocks)
}

func TestVerifyTooShort(t *testing.T) {
	_, err := Verify([]byte{0x01}, false, nil)
	require.Error(t, err)
}

type countingPolicy struct {
	accept bool
	calls  int
}

func (p *countingPolicy) Name() string { return "counting" }

func (p *countingPolicy) TolerateCRCFailure(_ DeviceInfo, _ int, _ []byte) (bool, bool) {
	p.calls++
	return p.accept, true
}

func TestToleratedBlock(t *testing.T) {
	payload, _ := samplePayload(t, 42)
	payload[3] ^= 0x01
	policy := &countingPolicy{accept: true}
	RegisterPolicy(0x4DEE, policy)
	tol := ToleranceFor(DeviceInfo{Manufacturer: 0x4DEE})
	require.NotNil(t, tol)

	blocks, err := Verify(payload, false, tol)
	require.NoError(t, err)
	require.True(t, blocks[0].Valid)
	require.True(t, blocks[0].Tolerated)
	require.Equal(t, 1, policy.calls)
}

func TestTolerancePolicyDeclines(t *testing.T) {
	payload, _ := samplePayload(t, 42)
	payload[3] ^= 0x01
	policy := &countingPolicy{accept: false}
	RegisterPolicy(0x4DEF, policy)

	_, err := Verify(payload, false, ToleranceFor(DeviceInfo{Manufacturer: 0x4DEF}))
	require.ErrorIs(t, err, ErrBlockCRC)
	require.Equal(t, 1, policy.calls)
}

func TestToleranceForUnknownManufacturer(t *testing.T) {
	require.Nil(t, ToleranceFor(DeviceInfo{Manufacturer: 0x0001}))
}
