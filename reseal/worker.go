package reseal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"chainsensors/capsule"
	"chainsensors/storage"
)

// Job asks the worker to reseal one purchase.
type Job struct {
	Record        solana.PublicKey
	Listing       solana.PublicKey
	MxeCapsuleCID string
	BuyerX25519   []byte
	// Attempt counts completed attempts.
	Attempt int
}

// JobFromPurchase rebuilds the job of a stored purchase.
func JobFromPurchase(p storage.Purchase) (Job, error) {
	record, err := solana.PublicKeyFromBase58(p.Record)
	if err != nil {
		return Job{}, fmt.Errorf("invalid purchase record %q: %w", p.Record, err)
	}
	listing, err := solana.PublicKeyFromBase58(p.Listing)
	if err != nil {
		return Job{}, fmt.Errorf("invalid listing %q: %w", p.Listing, err)
	}
	return Job{
		Record:        record,
		Listing:       listing,
		MxeCapsuleCID: p.MxeCapsuleCID,
		BuyerX25519:   p.BuyerX25519,
		Attempt:       p.Attempts,
	}, nil
}

type Resealer interface {
	ResealOnChain(ctx context.Context, req ResealRequest) (*ResealResult, error)
	FinalizeFromCapsule(ctx context.Context, listing, record solana.PublicKey, c storage.ResealedCapsule) (*ResealResult, error)
}

type WorkerConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Concurrency int
	QueueSize   int
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxAttempts: 5,
		RetryDelay:  30 * time.Second,
		Concurrency: 2,
		QueueSize:   256,
	}
}

// Worker drains reseal jobs, retrying failed attempts with a growing delay.
type Worker struct {
	resealer  Resealer
	blobs     BlobStore
	capsules  storage.CapsuleRepository
	purchases storage.PurchaseRepository
	cfg       WorkerConfig

	queue chan Job

	mu     sync.Mutex
	queued map[solana.PublicKey]struct{}
}

func NewWorker(resealer Resealer, blobs BlobStore, store storage.Store, cfg WorkerConfig) *Worker {
	d := DefaultWorkerConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	return &Worker{
		resealer:  resealer,
		blobs:     blobs,
		capsules:  store.Capsules(),
		purchases: store.Purchases(),
		cfg:       cfg,
		queue:     make(chan Job, cfg.QueueSize),
		queued:    make(map[solana.PublicKey]struct{}),
	}
}

// Enqueue schedules a job unless the same record is already queued or in
// progress. It reports whether the job was accepted.
func (w *Worker) Enqueue(job Job) bool {
	w.mu.Lock()
	if _, ok := w.queued[job.Record]; ok {
		w.mu.Unlock()
		return false
	}
	w.queued[job.Record] = struct{}{}
	w.mu.Unlock()

	select {
	case w.queue <- job:
		return true
	default:
		w.release(job.Record)
		log.WithField("record", job.Record).Warn("reseal queue full, dropping job")
		return false
	}
}

func (w *Worker) release(record solana.PublicKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.queued, record)
}

// Run requeues stored pending purchases and processes jobs until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.resume(ctx); err != nil {
		log.WithError(err).Warn("failed to requeue pending purchases")
	}

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-w.queue:
					w.handle(ctx, job)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) resume(ctx context.Context) error {
	pending, err := w.purchases.ListByStatus(ctx, storage.PurchasePending)
	if err != nil {
		return err
	}
	for _, p := range pending {
		job, err := JobFromPurchase(p)
		if err != nil {
			log.WithError(err).Warn("skipping unreadable pending purchase")
			continue
		}
		w.Enqueue(job)
	}
	if len(pending) > 0 {
		log.Infof("requeued %d pending purchases", len(pending))
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, job Job) {
	logger := log.WithFields(log.Fields{
		"record":  job.Record,
		"listing": job.Listing,
		"attempt": job.Attempt + 1,
	})

	err := w.Process(ctx, job)
	if err == nil {
		w.release(job.Record)
		return
	}
	if ctx.Err() != nil {
		w.release(job.Record)
		return
	}

	job.Attempt++
	final := IsPermanent(err) || job.Attempt >= w.cfg.MaxAttempts
	status := storage.PurchasePending
	if final {
		status = storage.PurchaseFailed
	}
	if uerr := w.recordFailure(ctx, job, status, err); uerr != nil {
		logger.WithError(uerr).Warn("failed to record reseal failure")
	}

	if final {
		logger.WithError(err).Error("reseal failed permanently")
		w.release(job.Record)
		return
	}

	delay := w.retryDelay(job.Attempt)
	logger.WithError(err).WithField("retryIn", delay).Warn("reseal attempt failed")
	Measures.Retries.Inc()
	go func() {
		if !sleep(ctx, delay) {
			w.release(job.Record)
			return
		}
		select {
		case w.queue <- job:
		case <-ctx.Done():
			w.release(job.Record)
		}
	}()
}

// retryDelay grows from RetryDelay, doubling per attempt, capped at eight
// times the base delay.
func (w *Worker) retryDelay(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    w.cfg.RetryDelay,
		Max:    8 * w.cfg.RetryDelay,
		Factor: 2,
		Jitter: true,
	}
	return b.ForAttempt(float64(attempt - 1))
}

// Process runs one reseal attempt. A settled purchase is skipped. A record
// whose callback was already indexed is finalized from the stored capsule
// instead of queueing another computation.
func (w *Worker) Process(ctx context.Context, job Job) error {
	p, err := w.purchases.Get(ctx, job.Record.String())
	if err != nil {
		return fmt.Errorf("failed to look up purchase: %w", err)
	}
	if p != nil && p.Settled() {
		log.WithField("record", job.Record).Info("purchase already settled, skipping")
		return nil
	}

	existing, err := w.capsules.FindByRecord(ctx, job.Record.String())
	if err != nil {
		return fmt.Errorf("failed to look up resealed capsule: %w", err)
	}
	if existing != nil {
		log.WithFields(log.Fields{
			"record":    job.Record,
			"signature": existing.Signature,
		}).Info("callback already indexed, finalizing from stored capsule")
		_, err := w.resealer.FinalizeFromCapsule(ctx, job.Listing, job.Record, *existing)
		return err
	}

	if len(job.BuyerX25519) != 32 {
		return fmt.Errorf("%w: got %d", ErrInvalidBuyerKey, len(job.BuyerX25519))
	}

	sealed, err := w.blobs.Get(ctx, job.MxeCapsuleCID)
	if err != nil {
		return fmt.Errorf("failed to fetch mxe capsule %s: %w", job.MxeCapsuleCID, err)
	}
	if len(sealed) != capsule.SealedSize {
		return fmt.Errorf("%w: mxe capsule %s is %d bytes", capsule.ErrMalformedCapsule, job.MxeCapsuleCID, len(sealed))
	}

	_, err = w.resealer.ResealOnChain(ctx, ResealRequest{
		SealedCapsule:  sealed,
		BuyerPublicKey: job.BuyerX25519,
		Listing:        job.Listing,
		PurchaseRecord: job.Record,
	})
	return err
}

func (w *Worker) recordFailure(ctx context.Context, job Job, status storage.PurchaseStatus, cause error) error {
	p, err := w.purchases.Get(ctx, job.Record.String())
	if err != nil {
		return err
	}
	if p == nil {
		p = &storage.Purchase{
			Record:        job.Record.String(),
			Listing:       job.Listing.String(),
			BuyerX25519:   job.BuyerX25519,
			MxeCapsuleCID: job.MxeCapsuleCID,
		}
	}
	if p.Settled() {
		return nil
	}
	p.Status = status
	p.Attempts = job.Attempt
	p.LastError = cause.Error()
	return w.purchases.Upsert(ctx, *p)
}
