package indexer

import (
	"github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"

	protocol "chainsensors/solana"
)

const (
	UnknownDevice  = "UNKNOWN_DEVICE"
	UnknownListing = "UNKNOWN_LISTING"
)

var qualityCallbackNames = []string{"compute_accuracy_score_callback", "computeAccuracyScoreCallback"}

// enricher recovers the device and listing of a quality score from the
// callback instruction that emitted it. Account positions are resolved once
// from the IDL.
type enricher struct {
	programID  solana.PublicKey
	registry   *protocol.Registry
	deviceIdx  int
	listingIdx int
}

func newEnricher(idl *protocol.IDL, registry *protocol.Registry, programID solana.PublicKey) *enricher {
	e := &enricher{programID: programID, registry: registry, deviceIdx: -1, listingIdx: -1}

	var ix *protocol.IDLInstruction
	for _, name := range qualityCallbackNames {
		if found, ok := idl.Instruction(name); ok {
			ix = found
			break
		}
	}
	if ix == nil {
		log.Warn("quality callback missing from IDL, quality metrics will carry placeholder identities")
		return e
	}
	if i, ok := ix.AccountIndex("device"); ok {
		e.deviceIdx = i
	}
	if i, ok := ix.AccountIndex("listing", "listingState"); ok {
		e.listingIdx = i
	}
	log.WithFields(log.Fields{
		"device":  e.deviceIdx,
		"listing": e.listingIdx,
	}).Debug("resolved quality callback account positions")
	return e
}

// identify returns the device and listing addresses of the first callback
// in tx, falling back to the placeholders.
func (e *enricher) identify(tx *protocol.Transaction) (device, listing string) {
	device, listing = UnknownDevice, UnknownListing
	if tx == nil {
		return
	}
	m, ok := protocol.FindCallback(tx, e.programID, e.registry)
	if !ok {
		return
	}
	if key, ok := tx.AccountAt(m.Instruction, e.deviceIdx); ok {
		device = key.String()
	}
	if key, ok := tx.AccountAt(m.Instruction, e.listingIdx); ok {
		listing = key.String()
	}
	return
}
