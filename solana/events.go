package chainsensors_protocol

import (
	"encoding/base64"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const programDataPrefix = "Program data: "

// Event is an Anchor event emitted through a "Program data:" log line.
type Event struct {
	Name string
	// LogIndex is the position of the emitting line in the transaction logs.
	LogIndex int
	// Data is the borsh payload after the discriminator.
	Data []byte
}

// ResealOutput is emitted by the reseal callback.
type ResealOutput struct {
	Listing       solana.PublicKey
	Record        solana.PublicKey
	EncryptionKey [32]byte
	Nonce         [16]byte
	C0            [32]byte
	C1            [32]byte
	C2            [32]byte
	C3            [32]byte
}

// Limbs returns c0..c3 in order.
func (e *ResealOutput) Limbs() [4][32]byte {
	return [4][32]byte{e.C0, e.C1, e.C2, e.C3}
}

type QualityScoreEvent struct {
	AccuracyScore   [32]byte
	Nonce           [16]byte
	ComputationType string
}

type PurchaseFinalized struct {
	Listing             solana.PublicKey
	Record              solana.PublicKey
	Buyer               solana.PublicKey
	BuyerX25519Pubkey   [32]byte
	DekCapsuleForMxeCid string
	Timestamp           int64
}

// FinalizeComputationEvent is emitted by the Arcium program once a queued
// computation has been settled.
type FinalizeComputationEvent struct {
	ComputationOffset uint64
	MxeProgramID      solana.PublicKey
}

// ParseEvents extracts the registered Anchor events from log lines, in log
// order. Lines that are not valid events are skipped.
func (r *Registry) ParseEvents(logs []string) []Event {
	var events []Event
	for i, line := range logs {
		idx := strings.Index(line, programDataPrefix)
		if idx < 0 {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line[idx+len(programDataPrefix):]))
		if err != nil || len(raw) < 8 {
			continue
		}
		var disc [8]byte
		copy(disc[:], raw[:8])
		name, ok := r.EventName(disc)
		if !ok {
			continue
		}
		events = append(events, Event{Name: name, LogIndex: i, Data: raw[8:]})
	}
	return events
}

// DecodeEvent borsh-decodes the payload of ev into v.
func DecodeEvent(ev Event, v interface{}) error {
	if err := bin.NewBorshDecoder(ev.Data).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", ev.Name, err)
	}
	return nil
}

// EncodeEvent renders v as a "Program data:" log line for the named event.
func EncodeEvent(name string, v interface{}) (string, error) {
	payload, err := bin.MarshalBorsh(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s event: %w", name, err)
	}
	disc := EventDiscriminator(name)
	return programDataPrefix + base64.StdEncoding.EncodeToString(append(disc[:], payload...)), nil
}

// FindResealOutput returns the first ResealOutput in logs for the given
// listing and record.
func (r *Registry) FindResealOutput(logs []string, listing, record solana.PublicKey) (*ResealOutput, bool) {
	for _, ev := range r.ParseEvents(logs) {
		if ev.Name != EventResealOutput {
			continue
		}
		var out ResealOutput
		if err := DecodeEvent(ev, &out); err != nil {
			continue
		}
		if out.Listing.Equals(listing) && out.Record.Equals(record) {
			return &out, true
		}
	}
	return nil, false
}
