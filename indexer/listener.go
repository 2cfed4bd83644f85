package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"

	"chainsensors/reseal"
	protocol "chainsensors/solana"
	"chainsensors/storage"
)

// Enqueuer accepts reseal jobs.
type Enqueuer interface {
	Enqueue(job reseal.Job) bool
}

// PurchaseScanner lists the purchase record accounts of a program.
type PurchaseScanner interface {
	FetchPurchaseRecords(ctx context.Context, programID solana.PublicKey) ([]protocol.PurchaseRecordEntry, error)
}

// Listener turns PurchaseFinalized events into pending purchases and
// reseal jobs.
type Listener struct {
	ledger    protocol.Ledger
	scanner   PurchaseScanner
	purchases storage.PurchaseRepository
	registry  *protocol.Registry
	queue     Enqueuer
	programID solana.PublicKey
	dedup     *dedupCache

	// ResubscribeMin is the first wait before resubscribing after the log
	// subscription drops.
	ResubscribeMin time.Duration
}

// NewListener builds a listener. scanner may be nil, in which case Run
// skips the startup sweep of on-chain purchase records.
func NewListener(
	ledger protocol.Ledger,
	scanner PurchaseScanner,
	purchases storage.PurchaseRepository,
	registry *protocol.Registry,
	queue Enqueuer,
	programID solana.PublicKey,
) (*Listener, error) {
	if ledger == nil || purchases == nil || registry == nil || queue == nil {
		return nil, errors.New("listener needs a ledger, a purchase repository, a registry and a queue")
	}
	if programID.IsZero() {
		programID = protocol.DefaultProgramID
	}
	dedup, err := newDedupCache(DefaultDedupSize)
	if err != nil {
		return nil, err
	}
	return &Listener{
		ledger:    ledger,
		scanner:   scanner,
		purchases: purchases,
		registry:  registry,
		queue:     queue,
		programID: programID,
		dedup:     dedup,
	}, nil
}

// Run sweeps the on-chain purchase records once, then follows the program
// logs until ctx ends. A dropped subscription is restored with backoff and
// followed by another sweep.
func (l *Listener) Run(ctx context.Context) error {
	stream := protocol.NewLogStream(l.ledger, l.programID, func(n protocol.LogNotification) {
		if n.Failed {
			return
		}
		l.handleLogs(ctx, n.Signature, n.Logs)
	})
	if l.ResubscribeMin > 0 {
		stream.MinBackoff = l.ResubscribeMin
	}
	stream.OnRestore = func(ctx context.Context) {
		Measures.Resubscribes.WithLabelValues("listener").Inc()
		l.sweep(ctx)
	}
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to purchases: %w", err)
	}

	l.sweep(ctx)
	<-ctx.Done()
	<-stream.Done()
	return nil
}

func (l *Listener) sweep(ctx context.Context) {
	if l.scanner == nil {
		return
	}
	if n, err := l.Sweep(ctx); err != nil {
		log.WithError(err).Warn("purchase record sweep failed")
	} else if n > 0 {
		log.Infof("queued %d purchases awaiting reseal", n)
	}
}

// Sweep queues every on-chain purchase that has an MXE capsule but no buyer
// capsule and is not already settled locally.
func (l *Listener) Sweep(ctx context.Context) (int, error) {
	if l.scanner == nil {
		return 0, nil
	}
	entries, err := l.scanner.FetchPurchaseRecords(ctx, l.programID)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, e := range entries {
		if !e.Account.AwaitingReseal() {
			continue
		}
		ok, err := l.track(ctx, storage.Purchase{
			Record:        e.Address.String(),
			Listing:       e.Account.Listing.String(),
			Buyer:         e.Account.Buyer.String(),
			BuyerX25519:   append([]byte(nil), e.Account.BuyerX25519Pubkey[:]...),
			MxeCapsuleCID: e.Account.DekCapsuleForMxeCid,
		})
		if err != nil {
			log.WithError(err).WithField("record", e.Address).Warn("failed to track purchase")
			continue
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}

func (l *Listener) handleLogs(ctx context.Context, sig solana.Signature, logs []string) {
	for _, ev := range l.registry.ParseEvents(logs) {
		if ev.Name != protocol.EventPurchaseFinalized {
			continue
		}
		if !l.dedup.claim(dedupKey(sig, ev.LogIndex)) {
			continue
		}
		logger := log.WithField("signature", sig)

		var out protocol.PurchaseFinalized
		if err := protocol.DecodeEvent(ev, &out); err != nil {
			logger.WithError(err).Warn("skipping undecodable purchase event")
			continue
		}
		if _, err := l.track(ctx, storage.Purchase{
			Record:        out.Record.String(),
			Listing:       out.Listing.String(),
			Buyer:         out.Buyer.String(),
			BuyerX25519:   append([]byte(nil), out.BuyerX25519Pubkey[:]...),
			MxeCapsuleCID: out.DekCapsuleForMxeCid,
		}); err != nil {
			l.dedup.release(dedupKey(sig, ev.LogIndex))
			logger.WithError(err).WithField("record", out.Record).Error("failed to track purchase")
		}
	}
}

// track stores p as pending and queues its reseal. Settled and failed
// purchases are left alone; a failed one only comes back through a retry.
// It reports whether a job was queued.
func (l *Listener) track(ctx context.Context, p storage.Purchase) (bool, error) {
	existing, err := l.purchases.Get(ctx, p.Record)
	if err != nil {
		return false, err
	}
	if existing != nil && (existing.Settled() || existing.Status == storage.PurchaseFailed) {
		log.WithFields(log.Fields{
			"record": p.Record,
			"status": existing.Status,
		}).Debug("purchase already settled")
		return false, nil
	}
	if existing != nil {
		p.Attempts = existing.Attempts
		p.LastError = existing.LastError
	}
	p.Status = storage.PurchasePending
	if err := l.purchases.Upsert(ctx, p); err != nil {
		return false, err
	}

	job, err := reseal.JobFromPurchase(p)
	if err != nil {
		return false, err
	}
	queued := l.queue.Enqueue(job)
	if queued {
		Measures.Purchases.Inc()
	}
	log.WithFields(log.Fields{
		"record":  p.Record,
		"listing": p.Listing,
		"queued":  queued,
	}).Info("purchase awaiting reseal")
	return queued, nil
}
