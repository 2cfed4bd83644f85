package chainsensors_protocol

import (
	"context"
	"encoding/base64"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"
)

// FinalizationWatcher waits for the Arcium program to report that a queued
// computation has been settled.
type FinalizationWatcher struct {
	Ledger          Ledger
	ArciumProgramID solana.PublicKey
	ProgramID       solana.PublicKey
}

// AwaitFinalization blocks until a FinalizeComputationEvent for offset shows
// up in the Arcium program logs and returns the emitting transaction.
func (w *FinalizationWatcher) AwaitFinalization(ctx context.Context, offset uint64) (solana.Signature, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan solana.Signature, 1)
	sub, err := w.Ledger.SubscribeLogs(ctx, w.ArciumProgramID, func(n LogNotification) {
		if n.Failed {
			return
		}
		if w.matches(n.Logs, offset) {
			select {
			case found <- n.Signature:
			default:
			}
		}
	})
	if err != nil {
		return solana.Signature{}, err
	}
	defer sub.Unsubscribe()

	select {
	case sig := <-found:
		log.WithFields(log.Fields{
			"offset":    offset,
			"signature": sig,
		}).Debug("computation finalized")
		return sig, nil
	case <-ctx.Done():
		return solana.Signature{}, ctx.Err()
	}
}

func (w *FinalizationWatcher) matches(logs []string, offset uint64) bool {
	disc := EventDiscriminator(EventFinalizeComputation)
	for _, line := range logs {
		idx := strings.Index(line, programDataPrefix)
		if idx < 0 {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line[idx+len(programDataPrefix):]))
		if err != nil || len(raw) < 8 || [8]byte(raw[:8]) != disc {
			continue
		}
		var ev FinalizeComputationEvent
		if err := bin.NewBorshDecoder(raw[8:]).Decode(&ev); err != nil {
			continue
		}
		if ev.ComputationOffset == offset && ev.MxeProgramID.Equals(w.ProgramID) {
			return true
		}
	}
	return false
}
