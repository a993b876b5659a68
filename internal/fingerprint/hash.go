// Package fingerprint computes the keyed 64-bit fingerprints stored in
// the row columns and decodes hex-encoded query candidates into the raw
// bytes those fingerprints are derived from.
package fingerprint

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Seed is the fixed key used for every fingerprint computed by this
// store. Changing it invalidates every on-disk fingerprint, so it must
// never vary across versions.
const Seed uint32 = 1907531730

const mul = 0xc6a4a7935bd1e995
const rot = 47

// Hash64 is a 64-bit multiplicative-mix hash (MurmurHash2's "64A"
// variant) over data, keyed by seed. It must reproduce the reference
// algorithm exactly: on-disk fingerprints are only meaningful if every
// reader derives them the same way. No ecosystem hash package implements
// this exact 32-bit-seeded variant, so it is written out by hand instead
// of pulled from a library (see DESIGN.md).
func Hash64(data []byte, seed uint32) uint64 {
	h := uint64(seed) ^ (uint64(len(data)) * mul)

	n := len(data) / 8
	for i := 0; i < n; i++ {
		k := binary.LittleEndian.Uint64(data[i*8:])
		k *= mul
		k ^= k >> rot
		k *= mul

		h ^= k
		h *= mul
	}

	tail := data[n*8:]
	switch len(tail) {
	case 7:
		h ^= uint64(tail[6]) << 48
		fallthrough
	case 6:
		h ^= uint64(tail[5]) << 40
		fallthrough
	case 5:
		h ^= uint64(tail[4]) << 32
		fallthrough
	case 4:
		h ^= uint64(tail[3]) << 24
		fallthrough
	case 3:
		h ^= uint64(tail[2]) << 16
		fallthrough
	case 2:
		h ^= uint64(tail[1]) << 8
		fallthrough
	case 1:
		h ^= uint64(tail[0])
		h *= mul
	}

	h ^= h >> rot
	h *= mul
	h ^= h >> rot

	return h
}

// Of returns the store's fingerprint for a raw address or topic.
func Of(raw []byte) uint64 {
	return Hash64(raw, Seed)
}

// DecodeHex decodes a hex-encoded candidate (an address or topic),
// accepting an optional "0x"/"0X" prefix and case-insensitive digits.
// wantLen is the expected decoded length (20 for addresses, 32 for
// topics).
func DecodeHex(s string, wantLen int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != wantLen*2 {
		return nil, errors.Errorf("fingerprint: wrong hex length for %d-byte value: %q", wantLen, s)
	}

	out := make([]byte, wantLen)
	for i := 0; i < wantLen; i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, errors.Errorf("fingerprint: invalid hex digit %q", c)
	}
}
