// Package capsule converts between the 144-byte sealed key record produced by
// the MXE cluster and the 96-byte ARC1 capsule handed to buyers.
package capsule

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	NonceSize = 16
	LimbSize  = 32

	// SealedSize is nonce[16] followed by c0..c3.
	SealedSize = NonceSize + 4*LimbSize

	EphemeralSize  = 32
	IVSize         = 12
	CiphertextSize = 32
	TagSize        = 16

	// BuyerCapsuleSize is magic[4] | eph[32] | iv[12] | ct[32] | tag[16].
	BuyerCapsuleSize = len(Magic) + EphemeralSize + IVSize + CiphertextSize + TagSize
)

// Magic is the "ARC1" tag every buyer capsule starts with.
var Magic = [4]byte{0x41, 0x52, 0x43, 0x31}

var ErrMalformedCapsule = errors.New("malformed capsule")

// FieldLengthError reports a single buyer-capsule field with the wrong size.
type FieldLengthError struct {
	Field string
	Want  int
	Got   int
}

func (e *FieldLengthError) Error() string {
	return fmt.Sprintf("%s must be %d bytes, got %d", e.Field, e.Want, e.Got)
}

func (e *FieldLengthError) Unwrap() error { return ErrMalformedCapsule }

// Sealed is a parsed sealed key record.
type Sealed struct {
	Nonce [NonceSize]byte
	C0    [LimbSize]byte
	C1    [LimbSize]byte
	C2    [LimbSize]byte
	C3    [LimbSize]byte
}

// Limbs returns c0..c3 in order.
func (s Sealed) Limbs() [4][LimbSize]byte {
	return [4][LimbSize]byte{s.C0, s.C1, s.C2, s.C3}
}

// Bytes serialises the record back to its 144-byte wire form.
func (s Sealed) Bytes() []byte {
	out := make([]byte, 0, SealedSize)
	out = append(out, s.Nonce[:]...)
	out = append(out, s.C0[:]...)
	out = append(out, s.C1[:]...)
	out = append(out, s.C2[:]...)
	out = append(out, s.C3[:]...)
	return out
}

// ParseSealed splits a sealed key record into its nonce and limbs.
func ParseSealed(b []byte) (Sealed, error) {
	var s Sealed
	if len(b) != SealedSize {
		return s, fmt.Errorf("%w: sealed record must be %d bytes, got %d", ErrMalformedCapsule, SealedSize, len(b))
	}
	off := copy(s.Nonce[:], b)
	off += copy(s.C0[:], b[off:])
	off += copy(s.C1[:], b[off:])
	off += copy(s.C2[:], b[off:])
	copy(s.C3[:], b[off:])
	return s, nil
}

// DeriveIV reverses the 16-byte nonce and keeps its first 12 bytes.
// Nonces travel little-endian on chain, so this yields the big-endian prefix.
func DeriveIV(nonce []byte) ([IVSize]byte, error) {
	var iv [IVSize]byte
	if len(nonce) != NonceSize {
		return iv, fmt.Errorf("%w: expected %d-byte nonce, got %d bytes", ErrMalformedCapsule, NonceSize, len(nonce))
	}
	for i := 0; i < IVSize; i++ {
		iv[i] = nonce[NonceSize-1-i]
	}
	return iv, nil
}

// BuyerCapsule holds the variable parts of an ARC1 capsule.
type BuyerCapsule struct {
	Ephemeral  []byte
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// PackBuyerCapsule writes the fixed 96-byte ARC1 layout. Every field length
// is checked before anything is written.
func PackBuyerCapsule(c BuyerCapsule) ([]byte, error) {
	fields := []struct {
		name string
		data []byte
		want int
	}{
		{"ephemeral", c.Ephemeral, EphemeralSize},
		{"iv", c.IV, IVSize},
		{"ciphertext", c.Ciphertext, CiphertextSize},
		{"tag", c.Tag, TagSize},
	}
	for _, f := range fields {
		if len(f.data) != f.want {
			return nil, &FieldLengthError{Field: f.name, Want: f.want, Got: len(f.data)}
		}
	}

	out := make([]byte, 0, BuyerCapsuleSize)
	out = append(out, Magic[:]...)
	for _, f := range fields {
		out = append(out, f.data...)
	}
	return out, nil
}

// ParseBuyerCapsule validates an ARC1 capsule and splits it into fields.
func ParseBuyerCapsule(b []byte) (BuyerCapsule, error) {
	if err := ValidateBuyerCapsule(b); err != nil {
		return BuyerCapsule{}, err
	}
	off := len(Magic)
	next := func(n int) []byte {
		f := bytes.Clone(b[off : off+n])
		off += n
		return f
	}
	return BuyerCapsule{
		Ephemeral:  next(EphemeralSize),
		IV:         next(IVSize),
		Ciphertext: next(CiphertextSize),
		Tag:        next(TagSize),
	}, nil
}

// ValidateBuyerCapsule checks the size and magic of an ARC1 capsule.
func ValidateBuyerCapsule(b []byte) error {
	if len(b) != BuyerCapsuleSize {
		return fmt.Errorf("%w: ARC1 capsule must be %d bytes, got %d", ErrMalformedCapsule, BuyerCapsuleSize, len(b))
	}
	if !bytes.Equal(b[:len(Magic)], Magic[:]) {
		return fmt.Errorf("%w: bad ARC1 magic %x", ErrMalformedCapsule, b[:len(Magic)])
	}
	return nil
}

// FromCallback builds the buyer capsule from the fields of a successful
// reseal callback. The ciphertext and tag are the first 48 bytes of c0..c3.
func FromCallback(encryptionKey [EphemeralSize]byte, nonce [NonceSize]byte, limbs [4][LimbSize]byte) ([]byte, error) {
	iv, err := DeriveIV(nonce[:])
	if err != nil {
		return nil, err
	}
	joined := make([]byte, 0, 4*LimbSize)
	for _, l := range limbs {
		joined = append(joined, l[:]...)
	}
	return PackBuyerCapsule(BuyerCapsule{
		Ephemeral:  encryptionKey[:],
		IV:         iv[:],
		Ciphertext: joined[:CiphertextSize],
		Tag:        joined[CiphertextSize : CiphertextSize+TagSize],
	})
}
