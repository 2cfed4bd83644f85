// Package indexer mirrors the program events into the record store. A live
// log subscription handles new transactions and a periodic backfill sweep
// covers whatever the subscription missed.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"

	protocol "chainsensors/solana"
	"chainsensors/storage"
)

const (
	DefaultBackfillInterval = 30 * time.Second
	DefaultPageLimit        = 1000

	sourceLive     = "live"
	sourceBackfill = "backfill"

	kindQuality = "quality"
	kindReseal  = "reseal"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	ProgramID        solana.PublicKey
	BackfillInterval time.Duration
	PageLimit        int
	DedupSize        int
	// ResubscribeMin is the first wait before resubscribing after the log
	// subscription drops.
	ResubscribeMin time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProgramID.IsZero() {
		c.ProgramID = protocol.DefaultProgramID
	}
	if c.BackfillInterval <= 0 {
		c.BackfillInterval = DefaultBackfillInterval
	}
	if c.PageLimit <= 0 {
		c.PageLimit = DefaultPageLimit
	}
	if c.DedupSize <= 0 {
		c.DedupSize = DefaultDedupSize
	}
	return c
}

// Indexer persists QualityScoreEvent and ResealOutput events of the program.
type Indexer struct {
	ledger   protocol.Ledger
	store    storage.Store
	registry *protocol.Registry
	enricher *enricher
	dedup    *dedupCache
	cfg      Config
	key      string

	mu        sync.Mutex
	state     State
	stream    *protocol.LogStream
	scheduler *gocron.Scheduler
	cancel    context.CancelFunc

	// sweepMu keeps backfill sweeps from overlapping.
	sweepMu  sync.Mutex
	liveSlot atomic.Uint64
}

// New builds an indexer. A nil registry is built from idl.
func New(ledger protocol.Ledger, store storage.Store, idl *protocol.IDL, registry *protocol.Registry, cfg Config) (*Indexer, error) {
	if ledger == nil || store == nil {
		return nil, errors.New("indexer needs a ledger and a store")
	}
	cfg = cfg.withDefaults()
	if registry == nil {
		registry = protocol.BuildRegistry(idl, protocol.RegistryOptions{})
	}
	dedup, err := newDedupCache(cfg.DedupSize)
	if err != nil {
		return nil, err
	}
	return &Indexer{
		ledger:   ledger,
		store:    store,
		registry: registry,
		enricher: newEnricher(idl, registry, cfg.ProgramID),
		dedup:    dedup,
		cfg:      cfg,
		key:      storage.WatermarkKey(cfg.ProgramID.String()),
	}, nil
}

func (ix *Indexer) State() State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

// Start loads the watermark, subscribes to the program logs and schedules
// the backfill. The first sweep runs right away.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	if ix.state != StateStopped {
		ix.mu.Unlock()
		log.WithField("state", ix.State()).Warn("indexer already started")
		return nil
	}
	ix.state = StateStarting
	ix.mu.Unlock()

	fail := func(err error) error {
		ix.mu.Lock()
		ix.state = StateStopped
		ix.mu.Unlock()
		return err
	}

	wm, err := ix.watermark(ctx)
	if err != nil {
		return fail(err)
	}
	Measures.LastSlot.Set(float64(wm.LastProcessedSlot))
	log.WithFields(log.Fields{
		"program":   ix.cfg.ProgramID,
		"slot":      wm.LastProcessedSlot,
		"signature": wm.LastProcessedSignature,
	}).Info("loaded indexer watermark")

	runCtx, cancel := context.WithCancel(ctx)
	stream := protocol.NewLogStream(ix.ledger, ix.cfg.ProgramID, ix.onLogs(runCtx))
	if ix.cfg.ResubscribeMin > 0 {
		stream.MinBackoff = ix.cfg.ResubscribeMin
	}
	// a backfill right after a reconnect covers the gap
	stream.OnRestore = func(ctx context.Context) {
		Measures.Resubscribes.WithLabelValues("indexer").Inc()
		if _, err := ix.Backfill(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("backfill after resubscribe failed")
		}
	}
	if err := stream.Start(runCtx); err != nil {
		cancel()
		return fail(fmt.Errorf("failed to subscribe to program logs: %w", err))
	}

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	if _, err := scheduler.Every(ix.cfg.BackfillInterval).Do(func() {
		if _, err := ix.Backfill(runCtx); err != nil && runCtx.Err() == nil {
			log.WithError(err).Error("backfill failed")
		}
	}); err != nil {
		cancel()
		<-stream.Done()
		return fail(fmt.Errorf("failed to schedule backfill: %w", err))
	}
	scheduler.StartAsync()

	ix.mu.Lock()
	ix.stream, ix.scheduler, ix.cancel = stream, scheduler, cancel
	ix.state = StateRunning
	ix.mu.Unlock()

	log.WithFields(log.Fields{
		"program":  ix.cfg.ProgramID,
		"interval": ix.cfg.BackfillInterval,
	}).Info("indexer started")
	return nil
}

// Stop removes the subscription and the backfill schedule. Stopping an
// indexer that is not running does nothing.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if ix.state != StateRunning {
		ix.mu.Unlock()
		return
	}
	ix.state = StateStopping
	stream, scheduler, cancel := ix.stream, ix.scheduler, ix.cancel
	ix.mu.Unlock()

	cancel()
	<-stream.Done()
	scheduler.Stop()

	ix.mu.Lock()
	ix.stream, ix.scheduler, ix.cancel = nil, nil, nil
	ix.state = StateStopped
	ix.mu.Unlock()
	log.Info("indexer stopped")
}

func (ix *Indexer) onLogs(ctx context.Context) protocol.LogHandler {
	return func(n protocol.LogNotification) {
		if n.Failed || ctx.Err() != nil {
			return
		}
		ix.handleTransaction(ctx, n.Signature, n.Slot, n.Logs, nil, sourceLive)
		for {
			cur := ix.liveSlot.Load()
			if n.Slot <= cur || ix.liveSlot.CompareAndSwap(cur, n.Slot) {
				break
			}
		}
	}
}

func (ix *Indexer) watermark(ctx context.Context) (storage.Watermark, error) {
	wm, err := ix.store.Watermarks().Get(ctx, ix.key)
	if err != nil {
		return storage.Watermark{}, fmt.Errorf("failed to load watermark: %w", err)
	}
	if wm == nil {
		return storage.Watermark{Key: ix.key}, nil
	}
	return *wm, nil
}

// BackfillResult summarizes one sweep.
type BackfillResult struct {
	Skipped   bool
	Processed int
	Slot      uint64
	Signature solana.Signature
}

// Backfill pages the program history back to the watermark, persists the
// events of every newer transaction oldest first and then advances the
// watermark. The watermark stops before the first transaction that could
// not be fetched so the next sweep picks it up again.
func (ix *Indexer) Backfill(ctx context.Context) (res BackfillResult, err error) {
	ix.sweepMu.Lock()
	defer ix.sweepMu.Unlock()

	defer func() {
		switch {
		case err != nil:
			Measures.BackfillRuns.WithLabelValues("error").Inc()
			Measures.Errors.WithLabelValues("backfill").Inc()
		case res.Skipped:
			Measures.BackfillRuns.WithLabelValues("skipped").Inc()
		default:
			Measures.BackfillRuns.WithLabelValues("ok").Inc()
		}
	}()

	wm, err := ix.watermark(ctx)
	if err != nil {
		return res, err
	}
	current, err := ix.ledger.GetSlot(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to get slot: %w", err)
	}
	Measures.SlotLag.Set(float64(slotLag(current, wm.LastProcessedSlot)))
	if current <= wm.LastProcessedSlot {
		res.Skipped = true
		return res, nil
	}

	var until solana.Signature
	if wm.LastProcessedSignature != "" {
		if until, err = solana.SignatureFromBase58(wm.LastProcessedSignature); err != nil {
			log.WithError(err).Warn("ignoring unreadable watermark signature")
			until = solana.Signature{}
		}
	}

	infos, err := ix.collect(ctx, wm.LastProcessedSlot, until)
	if err != nil {
		return res, err
	}
	// oldest first
	for i, j := 0, len(infos)-1; i < j; i, j = i+1, j-1 {
		infos[i], infos[j] = infos[j], infos[i]
	}
	sigs := make([]solana.Signature, len(infos))
	for i, info := range infos {
		sigs[i] = info.Signature
	}
	txs := protocol.FetchTransactions(ctx, ix.ledger, sigs)

	stalled := false
	for i, info := range infos {
		tx := txs[i]
		if tx == nil && !info.Failed {
			if !stalled {
				log.WithField("signature", info.Signature).Warn("transaction unavailable, holding watermark")
				Measures.Errors.WithLabelValues("fetch").Inc()
			}
			stalled = true
			continue
		}
		if tx != nil && !info.Failed && !tx.Failed {
			ix.handleTransaction(ctx, info.Signature, info.Slot, tx.Logs, tx, sourceBackfill)
			res.Processed++
		}
		if !stalled {
			res.Slot, res.Signature = info.Slot, info.Signature
		}
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	if !res.Signature.IsZero() {
		err := ix.store.Watermarks().Advance(ctx, storage.Watermark{
			Key:                    ix.key,
			LastProcessedSlot:      res.Slot,
			LastProcessedSignature: res.Signature.String(),
		})
		if err != nil {
			return res, fmt.Errorf("failed to advance watermark: %w", err)
		}
		Measures.LastSlot.Set(float64(res.Slot))
		Measures.SlotLag.Set(float64(slotLag(current, res.Slot)))
	}

	log.WithFields(log.Fields{
		"candidates": len(infos),
		"processed":  res.Processed,
		"slot":       res.Slot,
		"chainSlot":  current,
	}).Debug("backfill completed")
	return res, nil
}

// collect pages the program signatures newest first down to the watermark.
// Signatures in the watermark slot are kept when the watermark signature
// bounds the walk, since the node only returns those newer than it.
func (ix *Indexer) collect(ctx context.Context, fromSlot uint64, until solana.Signature) ([]protocol.SignatureInfo, error) {
	var out []protocol.SignatureInfo
	var before solana.Signature
	for {
		page, err := ix.ledger.GetSignaturesForAddress(ctx, ix.cfg.ProgramID, protocol.SignaturesQuery{
			Before: before,
			Until:  until,
			Limit:  ix.cfg.PageLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list program signatures: %w", err)
		}
		for _, info := range page {
			if info.Slot > fromSlot || (!until.IsZero() && info.Slot == fromSlot) {
				out = append(out, info)
			}
		}
		if len(page) < ix.cfg.PageLimit {
			return out, nil
		}
		oldest := page[len(page)-1]
		if oldest.Slot < fromSlot {
			return out, nil
		}
		before = oldest.Signature
	}
}

// handleTransaction persists the events found in logs. tx may be nil; it is
// fetched when an event needs the full transaction.
func (ix *Indexer) handleTransaction(ctx context.Context, sig solana.Signature, slot uint64, logs []string, tx *protocol.Transaction, source string) {
	for _, ev := range ix.registry.ParseEvents(logs) {
		if ev.Name != protocol.EventQualityScore && ev.Name != protocol.EventResealOutput {
			continue
		}
		key := dedupKey(sig, ev.LogIndex)
		if !ix.dedup.claim(key) {
			Measures.Duplicates.Inc()
			continue
		}

		logger := log.WithFields(log.Fields{
			"event":     ev.Name,
			"signature": sig,
			"slot":      slot,
			"source":    source,
		})

		var kind string
		var err error
		switch ev.Name {
		case protocol.EventQualityScore:
			kind = kindQuality
			if tx == nil {
				if tx, err = ix.ledger.GetTransaction(ctx, sig); err != nil {
					logger.WithError(err).Debug("failed to fetch transaction for enrichment")
				}
			}
			err = ix.persistQuality(ctx, ev, sig, slot, tx)
		case protocol.EventResealOutput:
			kind = kindReseal
			err = ix.persistReseal(ctx, ev, sig, slot, tx)
		}

		switch {
		case errors.Is(err, storage.ErrDuplicate):
			Measures.Duplicates.Inc()
			logger.Debug("event already persisted")
		case err != nil:
			ix.dedup.release(key)
			Measures.Errors.WithLabelValues("persist").Inc()
			logger.WithError(err).Error("failed to persist event")
		default:
			Measures.Events.WithLabelValues(kind, source).Inc()
			logger.Info("persisted event")
		}
	}
}

func (ix *Indexer) persistQuality(ctx context.Context, ev protocol.Event, sig solana.Signature, slot uint64, tx *protocol.Transaction) error {
	var out protocol.QualityScoreEvent
	if err := protocol.DecodeEvent(ev, &out); err != nil {
		return err
	}
	device, listing := ix.enricher.identify(tx)
	return ix.store.QualityMetrics().Insert(ctx, storage.QualityMetric{
		ID:              storage.QualityMetricID(sig.String(), device),
		Device:          device,
		Listing:         listing,
		AccuracyScore:   out.AccuracyScore[:],
		Nonce:           out.Nonce[:],
		ComputationType: out.ComputationType,
		Slot:            slot,
		Signature:       sig.String(),
		Timestamp:       blockTime(tx),
	})
}

func (ix *Indexer) persistReseal(ctx context.Context, ev protocol.Event, sig solana.Signature, slot uint64, tx *protocol.Transaction) error {
	var out protocol.ResealOutput
	if err := protocol.DecodeEvent(ev, &out); err != nil {
		return err
	}
	return ix.store.Capsules().Insert(ctx, storage.ResealedCapsule{
		ID:            storage.CapsuleID(sig.String(), out.Record.String()),
		Listing:       out.Listing.String(),
		Record:        out.Record.String(),
		EncryptionKey: out.EncryptionKey[:],
		Nonce:         out.Nonce[:],
		C0:            out.C0[:],
		C1:            out.C1[:],
		C2:            out.C2[:],
		C3:            out.C3[:],
		Slot:          slot,
		Signature:     sig.String(),
		Timestamp:     blockTime(tx),
	})
}

func blockTime(tx *protocol.Transaction) time.Time {
	if tx != nil && tx.BlockTime != nil {
		return tx.BlockTime.UTC()
	}
	return time.Now().UTC()
}

func slotLag(current, processed uint64) int64 {
	return int64(current) - int64(processed)
}
