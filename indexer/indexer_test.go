package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	protocol "chainsensors/solana"
	"chainsensors/solana/ledgertest"
	"chainsensors/storage"
)

var programID = protocol.DefaultProgramID

type fixture struct {
	ledger *ledgertest.Ledger
	store  storage.Store
	idl    *protocol.IDL
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewStore(context.Background(), storage.Config{Type: storage.BadgerStoreType})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idl, err := protocol.LoadIDL("")
	require.NoError(t, err)
	return &fixture{ledger: ledgertest.New(), store: store, idl: idl}
}

func (f *fixture) indexer(t *testing.T, pageLimit int) *Indexer {
	t.Helper()
	ix, err := New(f.ledger, f.store, f.idl, nil, Config{
		ProgramID:        programID,
		BackfillInterval: time.Hour,
		PageLimit:        pageLimit,
	})
	require.NoError(t, err)
	return ix
}

func eventLine(t *testing.T, name string, v interface{}) string {
	t.Helper()
	line, err := protocol.EncodeEvent(name, v)
	require.NoError(t, err)
	return line
}

// resealTx emits a ResealOutput for a fresh record.
func (f *fixture) resealTx(t *testing.T) *protocol.Transaction {
	listing, record := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	return &protocol.Transaction{
		AccountKeys: []solana.PublicKey{f.ledger.Payer(), programID, listing, record},
		Logs: []string{
			"Program log: Instruction: ResealDekCallback",
			eventLine(t, protocol.EventResealOutput, &protocol.ResealOutput{Listing: listing, Record: record}),
		},
	}
}

// qualityTx emits a QualityScoreEvent from a compute_accuracy_score_callback
// nested in an Arcium invocation.
func (f *fixture) qualityTx(t *testing.T, device, listing solana.PublicKey) *protocol.Transaction {
	keys := []solana.PublicKey{
		f.ledger.Payer(),
		protocol.DefaultArciumProgramID,
		programID,
		solana.NewWallet().PublicKey(), // comp def
		solana.NewWallet().PublicKey(), // computation
		solana.NewWallet().PublicKey(), // job
		solana.SysVarInstructionsPubkey,
		device,
		listing,
	}
	disc := protocol.Discriminator("compute_accuracy_score_callback")
	return &protocol.Transaction{
		AccountKeys:  keys,
		Instructions: []protocol.Instruction{{ProgramIDIndex: 1}},
		InnerInstructions: [][]protocol.Instruction{{{
			ProgramIDIndex: 2,
			Accounts:       []uint16{0, 1, 3, 4, 5, 6, 7, 8},
			Data:           disc[:],
		}}},
		Logs: []string{
			eventLine(t, protocol.EventQualityScore, &protocol.QualityScoreEvent{ComputationType: "accuracy"}),
		},
	}
}

func (f *fixture) counts(t *testing.T) (quality, reseal int64) {
	t.Helper()
	ctx := context.Background()
	quality, err := f.store.QualityMetrics().Count(ctx)
	require.NoError(t, err)
	reseal, err = f.store.Capsules().Count(ctx)
	require.NoError(t, err)
	return quality, reseal
}

func (f *fixture) watermark(t *testing.T) storage.Watermark {
	t.Helper()
	wm, err := f.store.Watermarks().Get(context.Background(), storage.WatermarkKey(programID.String()))
	require.NoError(t, err)
	require.NotNil(t, wm)
	return *wm
}

func TestLiveAndBackfillPersistOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	ix := f.indexer(t, 0)

	require.NoError(t, ix.Start(ctx))
	t.Cleanup(ix.Stop)
	require.Eventually(t, func() bool { return f.ledger.Subscribers(programID) == 1 }, time.Second, 5*time.Millisecond)

	device, listing := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	f.ledger.Publish(f.resealTx(t))
	f.ledger.Publish(f.qualityTx(t, device, listing))

	quality, reseal := f.counts(t)
	require.EqualValues(t, 1, quality)
	require.EqualValues(t, 1, reseal)

	_, err := ix.Backfill(ctx)
	require.NoError(t, err)

	// a fresh process has an empty dedup cache and hits the unique keys
	restarted := f.indexer(t, 0)
	_, err = restarted.Backfill(ctx)
	require.NoError(t, err)

	quality, reseal = f.counts(t)
	require.EqualValues(t, 1, quality)
	require.EqualValues(t, 1, reseal)
}

func TestBackfillCrashRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	first := f.ledger.Publish(f.resealTx(t))
	second := f.ledger.Publish(f.resealTx(t))

	res, err := f.indexer(t, 0).Backfill(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, second.Signature, res.Signature)
	wm := f.watermark(t)
	require.Equal(t, second.Slot, wm.LastProcessedSlot)
	require.Equal(t, second.Signature.String(), wm.LastProcessedSignature)
	require.Greater(t, second.Slot, first.Slot)

	// restart after more activity
	third := f.ledger.Publish(f.resealTx(t))
	before := f.ledger.Calls("GetTransaction")

	res, err = f.indexer(t, 0).Backfill(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, third.Signature, res.Signature)
	require.Equal(t, 1, f.ledger.Calls("GetTransaction")-before)

	_, reseal := f.counts(t)
	require.EqualValues(t, 3, reseal)

	res, err = f.indexer(t, 0).Backfill(ctx)
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestBackfillPagesAndOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var last *protocol.Transaction
	for i := 0; i < 5; i++ {
		last = f.ledger.Publish(f.resealTx(t))
	}
	failed := f.resealTx(t)
	failed.Failed = true
	failed = f.ledger.Publish(failed)

	res, err := f.indexer(t, 2).Backfill(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, res.Processed)
	// the failed transaction carries no events but still moves the watermark
	require.Equal(t, failed.Signature, res.Signature)
	require.Greater(t, failed.Slot, last.Slot)

	_, reseal := f.counts(t)
	require.EqualValues(t, 5, reseal)
}

func TestBackfillHoldsWatermarkOnMissingTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	first := f.ledger.Publish(f.resealTx(t))
	missing := f.ledger.Publish(f.resealTx(t))
	f.ledger.Publish(f.resealTx(t))
	f.ledger.Hide(missing.Signature)

	res, err := f.indexer(t, 0).Backfill(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, first.Signature, res.Signature)
	require.Equal(t, first.Slot, f.watermark(t).LastProcessedSlot)

	_, reseal := f.counts(t)
	require.EqualValues(t, 2, reseal)
}

func TestIndexerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	ix := f.indexer(t, 0)

	require.Equal(t, StateStopped, ix.State())
	require.NoError(t, ix.Start(ctx))
	require.Equal(t, StateRunning, ix.State())
	require.NoError(t, ix.Start(ctx))

	f.ledger.Publish(f.resealTx(t))
	st, err := ix.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Running)
	require.True(t, st.SubscriptionActive)
	require.EqualValues(t, 1, st.EventCounts.Reseal)
	require.NotZero(t, st.LiveSlot)

	ix.Stop()
	ix.Stop()
	require.Equal(t, StateStopped, ix.State())
	require.Zero(t, f.ledger.Subscribers(programID))

	st, err = ix.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.Running)
	require.Equal(t, "stopped", st.State)
}

func TestIndexerResubscribesAfterDrop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	ix, err := New(f.ledger, f.store, f.idl, nil, Config{
		ProgramID:        programID,
		BackfillInterval: time.Hour,
		ResubscribeMin:   200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, ix.Start(ctx))
	t.Cleanup(ix.Stop)

	active := func() bool {
		st, err := ix.Status(ctx)
		return err == nil && st.SubscriptionActive
	}
	require.True(t, active())

	require.Equal(t, 1, f.ledger.Drop(programID))
	require.Eventually(t, func() bool { return !active() }, time.Second, 5*time.Millisecond)

	// published while nobody listens, picked up by the backfill after the reconnect
	f.ledger.Publish(f.resealTx(t))

	require.Eventually(t, active, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.ledger.Subscribers(programID))
	require.Eventually(t, func() bool {
		n, err := f.store.Capsules().Count(ctx)
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	f.ledger.Publish(f.resealTx(t))
	_, reseal := f.counts(t)
	require.EqualValues(t, 2, reseal)
}

func TestReadStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	tx := f.ledger.Publish(f.resealTx(t))
	_, err := f.indexer(t, 0).Backfill(ctx)
	require.NoError(t, err)
	f.ledger.SetSlot(tx.Slot + 7)

	st, err := ReadStatus(ctx, f.ledger, f.store, programID)
	require.NoError(t, err)
	require.Equal(t, tx.Slot, st.LastProcessedSlot)
	require.Equal(t, tx.Slot+7, st.CurrentSlot)
	require.EqualValues(t, 7, st.SlotLag)
	require.EqualValues(t, 1, st.EventCounts.Reseal)
	require.Zero(t, st.EventCounts.Quality)
}

func TestQualityEnrichment(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	registry := protocol.BuildRegistry(f.idl, protocol.RegistryOptions{})
	e := newEnricher(f.idl, registry, programID)

	device, listing := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	tx := f.qualityTx(t, device, listing)

	testCases := []struct {
		name        string
		tx          *protocol.Transaction
		wantDevice  string
		wantListing string
	}{
		{name: "inner callback", tx: tx, wantDevice: device.String(), wantListing: listing.String()},
		{
			name: "top-level callback",
			tx: &protocol.Transaction{
				AccountKeys:  tx.AccountKeys,
				Instructions: tx.InnerInstructions[0],
			},
			wantDevice:  device.String(),
			wantListing: listing.String(),
		},
		{
			name:        "no callback",
			tx:          &protocol.Transaction{AccountKeys: tx.AccountKeys, Logs: tx.Logs},
			wantDevice:  UnknownDevice,
			wantListing: UnknownListing,
		},
		{name: "missing transaction", wantDevice: UnknownDevice, wantListing: UnknownListing},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gotDevice, gotListing := e.identify(tc.tx)
			require.Equal(t, tc.wantDevice, gotDevice)
			require.Equal(t, tc.wantListing, gotListing)
		})
	}

	t.Run("schema without quality callback", func(t *testing.T) {
		t.Parallel()
		bare := newEnricher(&protocol.IDL{}, registry, programID)
		gotDevice, gotListing := bare.identify(tx)
		require.Equal(t, UnknownDevice, gotDevice)
		require.Equal(t, UnknownListing, gotListing)
	})
}

func TestDedupCache(t *testing.T) {
	t.Parallel()
	d, err := newDedupCache(2)
	require.NoError(t, err)

	sig := ledgertest.NewSignature()
	require.True(t, d.claim(dedupKey(sig, 0)))
	require.False(t, d.claim(dedupKey(sig, 0)))
	require.True(t, d.claim(dedupKey(sig, 1)))

	d.release(dedupKey(sig, 1))
	require.True(t, d.claim(dedupKey(sig, 1)))

	// bounded: the oldest key is evicted
	require.True(t, d.claim(dedupKey(sig, 2)))
	require.True(t, d.claim(dedupKey(sig, 0)))
}
