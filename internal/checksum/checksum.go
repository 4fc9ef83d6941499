// Package checksum implements the two integrity primitives of EN 13757:
// the modulo-256 sum used by wired frames and the CRC-16 used by wireless
// blocks and envelopes.
package checksum

// Sum8 returns the 8-bit truncated sum over data. Wired M-Bus frames
// compute it over the C, A, CI and user data fields.
func Sum8(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// CRC16 computes the EN 13757-4 CRC: polynomial 0x3D65, initial value
// 0xFFFF, MSB first, final complement. The result is transmitted MSB
// first on the wire.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x3D65
			} else {
				crc <<= 1
			}
		}
	}
	return ^crc
}

// PutCRC16 appends the big-endian CRC of data to dst and returns the
// extended slice.
func PutCRC16(dst, data []byte) []byte {
	crc := CRC16(data)
	return append(dst, byte(crc>>8), byte(crc))
}

// CheckCRC16 reports whether the two bytes in tail match the CRC of data.
func CheckCRC16(data, tail []byte) bool {
	if len(tail) < 2 {
		return false
	}
	crc := CRC16(data)
	return tail[0] == byte(crc>>8) && tail[1] == byte(crc)
}
