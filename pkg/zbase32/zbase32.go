// Package zbase32 implements the z-base-32 encoding used for device IDs.
//
// z-base-32 is a base-32 variant whose alphabet was chosen to be easy for
// humans to read and transcribe. Encoding packs bytes MSB-first into 5-bit
// groups; 32 input bytes always produce 52 characters.
package zbase32

import "errors"

const alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

var (
	ErrInvalidChar   = errors.New("zbase32: invalid character")
	ErrInvalidLength = errors.New("zbase32: invalid encoded length")
)

var decodeMap = func() [256]int8 {
	var m [256]int8
	for i := range m {
		m[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		m[alphabet[i]] = int8(i)
	}
	return m
}()

// EncodedLen returns the number of characters produced for n input bytes.
func EncodedLen(n int) int { return (n*8 + 4) / 5 }

// Encode returns the z-base-32 encoding of src.
func Encode(src []byte) string {
	if len(src) == 0 {
		return ""
	}

	out := make([]byte, 0, EncodedLen(len(src)))

	var acc uint16
	var bits uint
	for _, b := range src {
		acc = acc<<8 | uint16(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out = append(out, alphabet[(acc>>bits)&0x1f])
		}
	}
	if bits > 0 {
		out = append(out, alphabet[(acc<<(5-bits))&0x1f])
	}

	return string(out)
}

// Decode parses a z-base-32 string back into bytes.
//
// Characters outside the alphabet yield ErrInvalidChar; an encoding whose
// length cannot correspond to a whole number of bytes yields
// ErrInvalidLength. Callers that require a specific byte count (device IDs
// are exactly 32 bytes) must check the returned length themselves; that is a
// different failure from either error here.
func Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}

	out := make([]byte, 0, len(s)*5/8)

	var acc uint16
	var bits uint
	for i := 0; i < len(s); i++ {
		v := decodeMap[s[i]]
		if v < 0 {
			return nil, ErrInvalidChar
		}
		acc = acc<<5 | uint16(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
		}
	}

	// Leftover bits are padding and must be zero; more than 4 of them means
	// the string length itself is impossible.
	if bits >= 5 {
		return nil, ErrInvalidLength
	}
	if acc&(1<<bits-1) != 0 {
		return nil, ErrInvalidLength
	}

	return out, nil
}
