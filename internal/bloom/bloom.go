// Package bloom implements the fixed-layout 2048-bit block bloom filter
// used to gate per-block row scans. The bit derivation must match the
// upstream log producer's filter exactly, so the layout is spelled out
// byte-for-byte rather than delegated to a general-purpose bloom library.
package bloom

// Size is the byte length of a filter: 2048 bits.
const Size = 256

const bitMask = 1<<11 - 1 // 2047, reduces a 16-bit value into one of 2048 slots

// positions derives the three bit indices for data from its first six
// bytes, per the upstream layout: three little-endian uint16 values,
// each folded into [0, 2048) and mirrored (2047 - v) before use.
func positions(data []byte) (a, b, c uint32) {
	a = bitMask - ((uint32(data[1])<<8 + uint32(data[0])) & bitMask)
	b = bitMask - ((uint32(data[3])<<8 + uint32(data[2])) & bitMask)
	c = bitMask - ((uint32(data[5])<<8 + uint32(data[4])) & bitMask)
	return
}

func setBit(filter []byte, pos uint32) {
	filter[pos/8] |= 1 << (7 - pos%8)
}

func testBit(filter []byte, pos uint32) bool {
	return filter[pos/8]&(1<<(7-pos%8)) != 0
}

// Set marks data's three derived bits in filter. filter must be Size
// bytes and data must have at least 6 bytes (addresses and topics both
// do).
func Set(filter, data []byte) {
	a, b, c := positions(data)
	setBit(filter, a)
	setBit(filter, b)
	setBit(filter, c)
}

// Test reports whether all three of data's derived bits are set in
// filter. A false result means data was definitely never Set; a true
// result may be a false positive.
func Test(filter, data []byte) bool {
	a, b, c := positions(data)
	return testBit(filter, a) && testBit(filter, b) && testBit(filter, c)
}
