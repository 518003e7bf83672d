package token

import (
	"errors"
	"fmt"
)

// ErrMalformedSignature is returned when a signer produces something that
// is not a DER-encoded ECDSA signature over a 256-bit curve.
var ErrMalformedSignature = errors.New("malformed DER signature")

// rawSignature converts a DER-encoded ECDSA P-256 signature into the
// 64-byte raw R||S form the ES256 JWS signature field requires. Both
// crypto/ecdsa's SignASN1 and Cloud KMS emit DER; APNs accepts neither.
func rawSignature(der []byte) ([]byte, error) {
	if len(der) < 8 || der[0] != 0x30 {
		return nil, ErrMalformedSignature
	}
	// A sequence longer than 127 bytes encodes its length in the bytes
	// that follow; skip past them to the first integer.
	offset := 2
	if der[1]&0x80 != 0 {
		offset += int(der[1] & 0x7f)
	}
	r, offset, err := derInteger(der, offset)
	if err != nil {
		return nil, err
	}
	s, _, err := derInteger(der, offset)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	copy(sig[32-len(r):32], r)
	copy(sig[64-len(s):64], s)
	return sig, nil
}

// derInteger reads one INTEGER starting at offset and returns its value
// normalized to at most 32 bytes, along with the offset past it.
func derInteger(der []byte, offset int) ([]byte, int, error) {
	if offset+2 > len(der) || der[offset] != 0x02 {
		return nil, 0, ErrMalformedSignature
	}
	n := int(der[offset+1])
	offset += 2
	if n == 0 || offset+n > len(der) {
		return nil, 0, ErrMalformedSignature
	}
	v := der[offset : offset+n]
	// DER prepends a zero byte when the value's top bit is set, so the
	// integer is not read as negative. Strip it, or the value will not
	// fit its fixed-width half.
	for len(v) > 1 && v[0] == 0 {
		v = v[1:]
	}
	if len(v) > 32 {
		return nil, 0, fmt.Errorf("%w: integer component is %d bytes", ErrMalformedSignature, len(v))
	}
	return v, offset + n, nil
}
