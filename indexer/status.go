package indexer

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	protocol "chainsensors/solana"
	"chainsensors/storage"
)

type EventCounts struct {
	Quality int64 `json:"quality"`
	Reseal  int64 `json:"reseal"`
}

type Status struct {
	State                  string      `json:"state"`
	Running                bool        `json:"running"`
	SubscriptionActive     bool        `json:"subscriptionActive"`
	LastProcessedSlot      uint64      `json:"lastProcessedSlot"`
	LastProcessedSignature string      `json:"lastProcessedSignature,omitempty"`
	LiveSlot               uint64      `json:"liveSlot"`
	CurrentSlot            uint64      `json:"currentSlot"`
	SlotLag                int64       `json:"slotLag"`
	EventCounts            EventCounts `json:"eventCounts"`
}

// Status reports the watermark, the chain head and the persisted counts.
func (ix *Indexer) Status(ctx context.Context) (Status, error) {
	st, err := ReadStatus(ctx, ix.ledger, ix.store, ix.cfg.ProgramID)
	if err != nil {
		return st, err
	}
	ix.mu.Lock()
	st.State = ix.state.String()
	st.Running = ix.state == StateRunning
	st.SubscriptionActive = ix.stream != nil && ix.stream.Active()
	ix.mu.Unlock()
	st.LiveSlot = ix.liveSlot.Load()
	return st, nil
}

// ReadStatus builds a status from the store and the chain alone, for
// processes that do not run the indexer.
func ReadStatus(ctx context.Context, ledger protocol.Ledger, store storage.Store, programID solana.PublicKey) (Status, error) {
	st := Status{State: StateStopped.String()}

	wm, err := store.Watermarks().Get(ctx, storage.WatermarkKey(programID.String()))
	if err != nil {
		return st, fmt.Errorf("failed to load watermark: %w", err)
	}
	if wm != nil {
		st.LastProcessedSlot = wm.LastProcessedSlot
		st.LastProcessedSignature = wm.LastProcessedSignature
	}

	if st.CurrentSlot, err = ledger.GetSlot(ctx); err != nil {
		return st, fmt.Errorf("failed to get slot: %w", err)
	}
	st.SlotLag = slotLag(st.CurrentSlot, st.LastProcessedSlot)

	if st.EventCounts.Quality, err = store.QualityMetrics().Count(ctx); err != nil {
		return st, fmt.Errorf("failed to count quality metrics: %w", err)
	}
	if st.EventCounts.Reseal, err = store.Capsules().Count(ctx); err != nil {
		return st, fmt.Errorf("failed to count resealed capsules: %w", err)
	}
	return st, nil
}
