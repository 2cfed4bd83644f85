package reseal

import "errors"

var (
	// ErrMalformedCallback is a callback payload too short to decode. The
	// strategy that found it keeps searching.
	ErrMalformedCallback = errors.New("malformed reseal callback payload")
	// ErrOnChainFailure is a callback that explicitly reports a failed
	// computation.
	ErrOnChainFailure = errors.New("reseal computation failed on chain")
	// ErrResealTimeout means every discovery strategy was exhausted.
	ErrResealTimeout = errors.New("timed out waiting for reseal callback")
	// ErrAccountResolution is a required account that is missing or not
	// owned by the Arcium program.
	ErrAccountResolution = errors.New("failed to resolve arcium account")
	ErrInvalidBuyerKey   = errors.New("buyer x25519 key must be 32 bytes")
)
