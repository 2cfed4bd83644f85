package reseal

import (
	"fmt"

	"chainsensors/capsule"
	protocol "chainsensors/solana"
	"chainsensors/storage"
)

// disc[8] | variant u8 | encryptionKey[32] | nonce[16] | c0..c3[32]
const (
	variantOffset       = 8
	encryptionKeyOffset = variantOffset + 1
	nonceOffset         = encryptionKeyOffset + capsule.EphemeralSize
	limbsOffset         = nonceOffset + capsule.NonceSize
	callbackPayloadSize = limbsOffset + 4*capsule.LimbSize
)

// CallbackResult holds the resealed key material returned by the MXE.
type CallbackResult struct {
	EncryptionKey [capsule.EphemeralSize]byte
	Nonce         [capsule.NonceSize]byte
	Limbs         [4][capsule.LimbSize]byte
}

// DecodeCallback decodes the instruction data of a reseal callback. A
// non-zero result variant is ErrOnChainFailure whatever the payload length,
// so a short payload carrying a failure variant is an on-chain failure and
// not ErrMalformedCallback.
func DecodeCallback(data []byte) (*CallbackResult, error) {
	if len(data) <= variantOffset {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedCallback, len(data))
	}
	if variant := data[variantOffset]; variant != 0 {
		return nil, fmt.Errorf("%w: result variant %d", ErrOnChainFailure, variant)
	}
	if len(data) < callbackPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedCallback, len(data), callbackPayloadSize)
	}

	var r CallbackResult
	copy(r.EncryptionKey[:], data[encryptionKeyOffset:nonceOffset])
	copy(r.Nonce[:], data[nonceOffset:limbsOffset])
	for i := range r.Limbs {
		start := limbsOffset + i*capsule.LimbSize
		copy(r.Limbs[i][:], data[start:start+capsule.LimbSize])
	}
	return &r, nil
}

// EncodeCallback is the inverse of DecodeCallback for a successful result.
func EncodeCallback(disc [8]byte, r CallbackResult) []byte {
	out := make([]byte, 0, callbackPayloadSize)
	out = append(out, disc[:]...)
	out = append(out, 0)
	out = append(out, r.EncryptionKey[:]...)
	out = append(out, r.Nonce[:]...)
	for _, l := range r.Limbs {
		out = append(out, l[:]...)
	}
	return out
}

func resultFromEvent(ev *protocol.ResealOutput) *CallbackResult {
	return &CallbackResult{
		EncryptionKey: ev.EncryptionKey,
		Nonce:         ev.Nonce,
		Limbs:         ev.Limbs(),
	}
}

// resultFromCapsule rebuilds the callback result from a persisted
// ResealOutput event.
func resultFromCapsule(c storage.ResealedCapsule) (*CallbackResult, error) {
	var r CallbackResult
	fields := []struct {
		name string
		src  []byte
		dst  []byte
	}{
		{"encryption key", c.EncryptionKey, r.EncryptionKey[:]},
		{"nonce", c.Nonce, r.Nonce[:]},
		{"c0", c.C0, r.Limbs[0][:]},
		{"c1", c.C1, r.Limbs[1][:]},
		{"c2", c.C2, r.Limbs[2][:]},
		{"c3", c.C3, r.Limbs[3][:]},
	}
	for _, f := range fields {
		if len(f.src) != len(f.dst) {
			return nil, fmt.Errorf("%w: stored %s is %d bytes, want %d", capsule.ErrMalformedCapsule, f.name, len(f.src), len(f.dst))
		}
		copy(f.dst, f.src)
	}
	return &r, nil
}

// BuyerCapsule packs the result into the 96-byte ARC1 capsule.
func (r *CallbackResult) BuyerCapsule() ([]byte, error) {
	return capsule.FromCallback(r.EncryptionKey, r.Nonce, r.Limbs)
}
