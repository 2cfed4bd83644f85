package indexer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"chainsensors/reseal"
	protocol "chainsensors/solana"
	"chainsensors/storage"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []reseal.Job
}

func (q *fakeQueue) Enqueue(job reseal.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return true
}

func (q *fakeQueue) Jobs() []reseal.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]reseal.Job(nil), q.jobs...)
}

type fakeScanner struct {
	mu      sync.Mutex
	entries []protocol.PurchaseRecordEntry
	sweeps  int
}

func (s *fakeScanner) FetchPurchaseRecords(ctx context.Context, programID solana.PublicKey) ([]protocol.PurchaseRecordEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	return s.entries, nil
}

func (s *fakeScanner) Sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

func purchaseEvent(buyerKey byte) protocol.PurchaseFinalized {
	return protocol.PurchaseFinalized{
		Listing:             solana.NewWallet().PublicKey(),
		Record:              solana.NewWallet().PublicKey(),
		Buyer:               solana.NewWallet().PublicKey(),
		BuyerX25519Pubkey:   [32]byte{buyerKey},
		DekCapsuleForMxeCid: "mxe-capsule",
		Timestamp:           1700000000,
	}
}

func (f *fixture) purchaseTx(t *testing.T, ev protocol.PurchaseFinalized) *protocol.Transaction {
	return &protocol.Transaction{
		AccountKeys: []solana.PublicKey{ev.Buyer, programID, ev.Listing, ev.Record},
		Logs:        []string{eventLine(t, protocol.EventPurchaseFinalized, &ev)},
	}
}

func TestListenerQueuesPurchases(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	queue := &fakeQueue{}
	registry := protocol.BuildRegistry(f.idl, protocol.RegistryOptions{})
	l, err := NewListener(f.ledger, nil, f.store.Purchases(), registry, queue, programID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	require.Eventually(t, func() bool { return f.ledger.Subscribers(programID) == 1 }, time.Second, 5*time.Millisecond)

	ev := purchaseEvent(7)
	tx := f.ledger.Publish(f.purchaseTx(t, ev))

	jobs := queue.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, ev.Record, jobs[0].Record)
	require.Equal(t, ev.Listing, jobs[0].Listing)
	require.Equal(t, "mxe-capsule", jobs[0].MxeCapsuleCID)
	require.Equal(t, ev.BuyerX25519Pubkey[:], jobs[0].BuyerX25519)

	p, err := f.store.Purchases().Get(ctx, ev.Record.String())
	require.NoError(t, err)
	require.Equal(t, storage.PurchasePending, p.Status)
	require.Equal(t, ev.Buyer.String(), p.Buyer)

	// the same notification again is dropped by the dedup cache
	l.handleLogs(ctx, tx.Signature, tx.Logs)
	require.Len(t, queue.Jobs(), 1)

	// settled purchases are not queued again
	p.Status = storage.PurchaseResealed
	p.BuyerCapsuleCID = "buyer-capsule"
	require.NoError(t, f.store.Purchases().Upsert(ctx, *p))
	f.ledger.Publish(f.purchaseTx(t, ev))
	require.Len(t, queue.Jobs(), 1)

	failed := f.purchaseTx(t, purchaseEvent(8))
	failed.Failed = true
	f.ledger.Publish(failed)
	require.Len(t, queue.Jobs(), 1)
}

func TestListenerResubscribesAfterDrop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	queue := &fakeQueue{}
	scanner := &fakeScanner{}
	registry := protocol.BuildRegistry(f.idl, protocol.RegistryOptions{})
	l, err := NewListener(f.ledger, scanner, f.store.Purchases(), registry, queue, programID)
	require.NoError(t, err)
	l.ResubscribeMin = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, func() bool {
		return f.ledger.Subscribers(programID) == 1 && scanner.Sweeps() == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, f.ledger.Drop(programID))
	require.Eventually(t, func() bool {
		return f.ledger.Subscribers(programID) == 1 && scanner.Sweeps() == 2
	}, 2*time.Second, 5*time.Millisecond)

	ev := purchaseEvent(3)
	f.ledger.Publish(f.purchaseTx(t, ev))
	jobs := queue.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, ev.Record, jobs[0].Record)

	cancel()
	require.NoError(t, <-done)
	require.Zero(t, f.ledger.Subscribers(programID))
}

func TestListenerSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	queue := &fakeQueue{}
	registry := protocol.BuildRegistry(f.idl, protocol.RegistryOptions{})

	awaiting := protocol.PurchaseRecordEntry{
		Address: solana.NewWallet().PublicKey(),
		Account: protocol.PurchaseRecordAccount{
			Listing:             solana.NewWallet().PublicKey(),
			Buyer:               solana.NewWallet().PublicKey(),
			BuyerX25519Pubkey:   [32]byte{1},
			DekCapsuleForMxeCid: "mxe-a",
		},
	}
	done := protocol.PurchaseRecordEntry{
		Address: solana.NewWallet().PublicKey(),
		Account: protocol.PurchaseRecordAccount{
			Listing:               solana.NewWallet().PublicKey(),
			DekCapsuleForMxeCid:   "mxe-b",
			DekCapsuleForBuyerCid: "buyer-b",
		},
	}
	failedLocally := protocol.PurchaseRecordEntry{
		Address: solana.NewWallet().PublicKey(),
		Account: protocol.PurchaseRecordAccount{
			Listing:             solana.NewWallet().PublicKey(),
			DekCapsuleForMxeCid: "mxe-c",
		},
	}
	require.NoError(t, f.store.Purchases().Upsert(ctx, storage.Purchase{
		Record:  failedLocally.Address.String(),
		Listing: failedLocally.Account.Listing.String(),
		Status:  storage.PurchaseFailed,
	}))
	// resealed locally but never finalized on chain
	unfinalized := protocol.PurchaseRecordEntry{
		Address: solana.NewWallet().PublicKey(),
		Account: protocol.PurchaseRecordAccount{
			Listing:             solana.NewWallet().PublicKey(),
			BuyerX25519Pubkey:   [32]byte{4},
			DekCapsuleForMxeCid: "mxe-d",
		},
	}
	require.NoError(t, f.store.Purchases().Upsert(ctx, storage.Purchase{
		Record:  unfinalized.Address.String(),
		Listing: unfinalized.Account.Listing.String(),
		Status:  storage.PurchaseResealed,
	}))

	scanner := &fakeScanner{entries: []protocol.PurchaseRecordEntry{awaiting, done, failedLocally, unfinalized}}
	l, err := NewListener(f.ledger, scanner, f.store.Purchases(), registry, queue, programID)
	require.NoError(t, err)

	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	jobs := queue.Jobs()
	require.Len(t, jobs, 2)
	require.Equal(t, awaiting.Address, jobs[0].Record)
	require.True(t, bytes.Equal(awaiting.Account.BuyerX25519Pubkey[:], jobs[0].BuyerX25519))
	require.Equal(t, unfinalized.Address, jobs[1].Record)

	p, err := f.store.Purchases().Get(ctx, failedLocally.Address.String())
	require.NoError(t, err)
	require.Equal(t, storage.PurchaseFailed, p.Status)

	p, err = f.store.Purchases().Get(ctx, unfinalized.Address.String())
	require.NoError(t, err)
	require.Equal(t, storage.PurchasePending, p.Status)
}
