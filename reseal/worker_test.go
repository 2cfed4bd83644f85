package reseal

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"chainsensors/capsule"
	protocol "chainsensors/solana"
	"chainsensors/storage"
)

type fakeResealer struct {
	mu        sync.Mutex
	reqs      []ResealRequest
	finalized []storage.ResealedCapsule
	err       error
}

func (f *fakeResealer) ResealOnChain(ctx context.Context, req ResealRequest) (*ResealResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &ResealResult{BuyerCapsuleID: "blob-buyer"}, nil
}

func (f *fakeResealer) FinalizeFromCapsule(ctx context.Context, listing, record solana.PublicKey, c storage.ResealedCapsule) (*ResealResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, c)
	if f.err != nil {
		return nil, f.err
	}
	return &ResealResult{BuyerCapsuleID: "blob-buyer", Strategy: StrategyIndexed}, nil
}

func (f *fakeResealer) finalizeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finalized)
}

func (f *fakeResealer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type workerFixture struct {
	worker   *Worker
	resealer *fakeResealer
	blobs    *memBlobs
	store    storage.Store
}

func newWorkerFixture(t *testing.T, resealErr error) *workerFixture {
	t.Helper()
	store, err := storage.NewStore(context.Background(), storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	resealer := &fakeResealer{err: resealErr}
	blobs := newMemBlobs()
	w := NewWorker(resealer, blobs, store, WorkerConfig{
		MaxAttempts: 3,
		RetryDelay:  5 * time.Millisecond,
		Concurrency: 1,
		QueueSize:   8,
	})
	return &workerFixture{worker: w, resealer: resealer, blobs: blobs, store: store}
}

// pendingJob stores a sealed capsule and a pending purchase for a new record.
func (f *workerFixture) pendingJob(t *testing.T, buyerKey []byte) Job {
	t.Helper()
	ctx := context.Background()
	cid, err := f.blobs.Put(ctx, make([]byte, capsule.SealedSize))
	require.NoError(t, err)

	job := Job{
		Record:        solana.NewWallet().PublicKey(),
		Listing:       solana.NewWallet().PublicKey(),
		MxeCapsuleCID: cid,
		BuyerX25519:   buyerKey,
	}
	require.NoError(t, f.store.Purchases().Upsert(ctx, storage.Purchase{
		Record:        job.Record.String(),
		Listing:       job.Listing.String(),
		BuyerX25519:   job.BuyerX25519,
		MxeCapsuleCID: job.MxeCapsuleCID,
		Status:        storage.PurchasePending,
	}))
	return job
}

func TestWorkerProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := bytes.Repeat([]byte{0x01}, 32)

	t.Run("forwards the stored capsule", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, nil)
		job := f.pendingJob(t, key)

		require.NoError(t, f.worker.Process(ctx, job))
		require.Equal(t, 1, f.resealer.calls())
		req := f.resealer.reqs[0]
		require.Len(t, req.SealedCapsule, capsule.SealedSize)
		require.Equal(t, key, req.BuyerPublicKey)
		require.Equal(t, job.Record, req.PurchaseRecord)
		require.Equal(t, job.Listing, req.Listing)
	})

	t.Run("finalizes from an indexed callback", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, nil)
		job := f.pendingJob(t, key)
		require.NoError(t, f.store.Capsules().Insert(ctx, storage.ResealedCapsule{
			Record:    job.Record.String(),
			Listing:   job.Listing.String(),
			Signature: "sig",
		}))

		require.NoError(t, f.worker.Process(ctx, job))
		require.Zero(t, f.resealer.calls())
		require.Equal(t, 1, f.resealer.finalizeCalls())
		require.Equal(t, "sig", f.resealer.finalized[0].Signature)
	})

	t.Run("skips settled purchases", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, nil)
		job := f.pendingJob(t, key)
		require.NoError(t, f.store.Purchases().Upsert(ctx, storage.Purchase{
			Record:          job.Record.String(),
			Listing:         job.Listing.String(),
			Status:          storage.PurchaseResealed,
			BuyerCapsuleCID: "blob-buyer",
		}))

		require.NoError(t, f.worker.Process(ctx, job))
		require.Zero(t, f.resealer.calls())
		require.Zero(t, f.resealer.finalizeCalls())
	})

	t.Run("rejects short buyer keys", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, nil)
		job := f.pendingJob(t, key[:16])

		err := f.worker.Process(ctx, job)
		require.ErrorIs(t, err, ErrInvalidBuyerKey)
		require.Zero(t, f.resealer.calls())
	})

	t.Run("rejects malformed mxe capsules", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, nil)
		job := f.pendingJob(t, key)
		cid, err := f.blobs.Put(ctx, []byte("short"))
		require.NoError(t, err)
		job.MxeCapsuleCID = cid

		err = f.worker.Process(ctx, job)
		require.ErrorIs(t, err, capsule.ErrMalformedCapsule)
		require.True(t, IsPermanent(err))
	})
}

func TestWorkerRun(t *testing.T) {
	t.Parallel()
	key := bytes.Repeat([]byte{0x01}, 32)

	testCases := []struct {
		name         string
		resealErr    error
		buyerKey     []byte
		wantStatus   storage.PurchaseStatus
		wantAttempts int
		wantCalls    int
	}{
		{
			name:       "success",
			buyerKey:   key,
			wantStatus: storage.PurchasePending,
			wantCalls:  1,
		},
		{
			name:         "retries until exhausted",
			resealErr:    ErrResealTimeout,
			buyerKey:     key,
			wantStatus:   storage.PurchaseFailed,
			wantAttempts: 3,
			wantCalls:    3,
		},
		{
			name:         "on-chain failures are retried",
			resealErr:    ErrOnChainFailure,
			buyerKey:     key,
			wantStatus:   storage.PurchaseFailed,
			wantAttempts: 3,
			wantCalls:    3,
		},
		{
			name:         "permanent failure is not retried",
			buyerKey:     key[:31],
			wantStatus:   storage.PurchaseFailed,
			wantAttempts: 1,
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newWorkerFixture(t, tc.resealErr)
			job := f.pendingJob(t, tc.buyerKey)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = f.worker.Run(ctx)
			}()
			t.Cleanup(func() {
				cancel()
				<-done
			})

			require.Eventually(t, func() bool {
				if f.resealer.calls() < tc.wantCalls {
					return false
				}
				p, err := f.store.Purchases().Get(context.Background(), job.Record.String())
				return err == nil && p != nil && p.Status == tc.wantStatus && p.Attempts == tc.wantAttempts
			}, 2*time.Second, 10*time.Millisecond)

			// settled jobs leave the queue so the record can be queued again
			require.Eventually(t, func() bool {
				f.worker.mu.Lock()
				defer f.worker.mu.Unlock()
				return len(f.worker.queued) == 0
			}, time.Second, 5*time.Millisecond)
			require.Equal(t, tc.wantCalls, f.resealer.calls())
		})
	}
}

func TestWorkerEnqueueDedupes(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, nil)
	job := Job{Record: solana.NewWallet().PublicKey()}

	require.True(t, f.worker.Enqueue(job))
	require.False(t, f.worker.Enqueue(job))
	require.True(t, f.worker.Enqueue(Job{Record: solana.NewWallet().PublicKey()}))
}

func TestWorkerFinalizesIndexedCallbackAfterFinalizeFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)

	mxe, err := h.blobs.Put(ctx, make([]byte, capsule.SealedSize))
	require.NoError(t, err)
	require.NoError(t, h.store.Purchases().Upsert(ctx, storage.Purchase{
		Record:        h.record.String(),
		Listing:       h.listing.String(),
		BuyerX25519:   bytes.Repeat([]byte{0x01}, 32),
		MxeCapsuleCID: mxe,
		Status:        storage.PurchasePending,
	}))

	var finalizeFailed bool
	h.ledger.OnSend = func(sig solana.Signature, ixs []solana.Instruction) error {
		switch {
		case isInstruction(ixs[0], protocol.ResealInstructionName):
			h.ledger.Publish(h.callbackTx(successData(), true))
		case isInstruction(ixs[0], protocol.FinalizePurchaseName) && !finalizeFailed:
			finalizeFailed = true
			return errors.New("rpc: 503")
		}
		return nil
	}

	w := NewWorker(h.svc, h.blobs, h.store, WorkerConfig{MaxAttempts: 3, Concurrency: 1})
	p, err := h.store.Purchases().Get(ctx, h.record.String())
	require.NoError(t, err)
	job, err := JobFromPurchase(*p)
	require.NoError(t, err)

	require.ErrorContains(t, w.Process(ctx, job), "rpc: 503")
	p, err = h.store.Purchases().Get(ctx, h.record.String())
	require.NoError(t, err)
	require.Equal(t, storage.PurchasePending, p.Status)
	require.Empty(t, p.BuyerCapsuleCID)

	// the indexer persists the ResealOutput event of the callback
	res := callbackResult()
	require.NoError(t, h.store.Capsules().Insert(ctx, storage.ResealedCapsule{
		Listing:       h.listing.String(),
		Record:        h.record.String(),
		EncryptionKey: res.EncryptionKey[:],
		Nonce:         res.Nonce[:],
		C0:            res.Limbs[0][:],
		C1:            res.Limbs[1][:],
		C2:            res.Limbs[2][:],
		C3:            res.Limbs[3][:],
		Signature:     "callback-signature",
	}))

	require.NoError(t, w.Process(ctx, job))

	p, err = h.store.Purchases().Get(ctx, h.record.String())
	require.NoError(t, err)
	require.Equal(t, storage.PurchaseResealed, p.Status)
	require.NotEmpty(t, p.BuyerCapsuleCID)

	want, err := capsule.FromCallback(res.EncryptionKey, res.Nonce, res.Limbs)
	require.NoError(t, err)
	got, err := h.blobs.Get(ctx, p.BuyerCapsuleCID)
	require.NoError(t, err)
	require.Equal(t, want, got)

	var reseals, finalizes int
	var lastFinalize []byte
	for _, ixs := range h.ledger.Sent() {
		switch {
		case isInstruction(ixs[0], protocol.ResealInstructionName):
			reseals++
		case isInstruction(ixs[0], protocol.FinalizePurchaseName):
			finalizes++
			lastFinalize, err = ixs[0].Data()
			require.NoError(t, err)
		}
	}
	require.Equal(t, 1, reseals)
	require.Equal(t, 2, finalizes)
	require.True(t, bytes.HasSuffix(lastFinalize, []byte(p.BuyerCapsuleCID)))
}

func TestFinalizeFromCapsuleRejectsTruncatedRows(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), nil)

	_, err := h.svc.FinalizeFromCapsule(context.Background(), h.listing, h.record, storage.ResealedCapsule{
		Record:        h.record.String(),
		EncryptionKey: make([]byte, 31),
	})
	require.ErrorIs(t, err, capsule.ErrMalformedCapsule)
	require.True(t, IsPermanent(err))
	require.Empty(t, h.ledger.Sent())
}
