package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"chainsensors/indexer"
	"chainsensors/reseal"
	"chainsensors/storage"
)

type fakeStatus struct {
	st  indexer.Status
	err error
}

func (f fakeStatus) Status(ctx context.Context) (indexer.Status, error) {
	return f.st, f.err
}

type fakeQueue struct {
	mu     sync.Mutex
	jobs   []reseal.Job
	reject bool
}

func (q *fakeQueue) Enqueue(job reseal.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reject {
		return false
	}
	q.jobs = append(q.jobs, job)
	return true
}

type response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewStore(context.Background(), storage.Config{Type: storage.BadgerStoreType})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedPurchase(t *testing.T, store storage.Store, status storage.PurchaseStatus) storage.Purchase {
	t.Helper()
	p := storage.Purchase{
		Record:        solana.NewWallet().PublicKey().String(),
		Listing:       solana.NewWallet().PublicKey().String(),
		Buyer:         solana.NewWallet().PublicKey().String(),
		BuyerX25519:   make([]byte, 32),
		MxeCapsuleCID: "mxe",
		Status:        status,
		Attempts:      5,
		LastError:     "callback timeout",
	}
	require.NoError(t, store.Purchases().Upsert(context.Background(), p))
	return p
}

func do(t *testing.T, h http.Handler, method, path string) (int, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp response
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec.Code, resp
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	store := newStore(t)

	h := NewAPI(fakeStatus{st: indexer.Status{State: "running", Running: true, SlotLag: 3}}, store.Purchases(), &fakeQueue{})
	code, resp := do(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", resp.Status)

	var st indexer.Status
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	require.True(t, st.Running)
	require.EqualValues(t, 3, st.SlotLag)

	h = NewAPI(fakeStatus{err: errors.New("rpc down")}, store.Purchases(), &fakeQueue{})
	code, resp = do(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "error", resp.Status)
	require.Equal(t, "rpc down", resp.Message)
}

func TestPurchaseEndpoints(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	pending := seedPurchase(t, store, storage.PurchasePending)
	failed := seedPurchase(t, store, storage.PurchaseFailed)
	h := NewAPI(fakeStatus{}, store.Purchases(), &fakeQueue{})

	code, resp := do(t, h, http.MethodGet, "/api/purchases")
	require.Equal(t, http.StatusOK, code)
	var views []purchaseView
	require.NoError(t, json.Unmarshal(resp.Data, &views))
	require.Len(t, views, 1)
	require.Equal(t, pending.Record, views[0].Record)

	code, resp = do(t, h, http.MethodGet, "/api/purchases?status=failed")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &views))
	require.Len(t, views, 1)
	require.Equal(t, failed.Record, views[0].Record)
	require.Equal(t, "callback timeout", views[0].LastError)

	code, _ = do(t, h, http.MethodGet, "/api/purchases?status=bogus")
	require.Equal(t, http.StatusBadRequest, code)

	code, resp = do(t, h, http.MethodGet, "/api/purchases/"+pending.Record)
	require.Equal(t, http.StatusOK, code)
	var view purchaseView
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	require.Equal(t, pending.Listing, view.Listing)
	require.Equal(t, "pending", view.Status)

	code, resp = do(t, h, http.MethodGet, "/api/purchases/unknown")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "error", resp.Status)
}

func TestRetryEndpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	failed := seedPurchase(t, store, storage.PurchaseFailed)
	resealed := seedPurchase(t, store, storage.PurchaseResealed)
	resealed.BuyerCapsuleCID = "buyer"
	require.NoError(t, store.Purchases().Upsert(ctx, resealed))

	queue := &fakeQueue{}
	h := NewAPI(fakeStatus{}, store.Purchases(), queue)

	code, _ := do(t, h, http.MethodPost, "/api/purchases/"+failed.Record+"/retry")
	require.Equal(t, http.StatusAccepted, code)
	require.Len(t, queue.jobs, 1)
	require.Equal(t, failed.Record, queue.jobs[0].Record.String())
	require.Zero(t, queue.jobs[0].Attempt)

	p, err := store.Purchases().Get(ctx, failed.Record)
	require.NoError(t, err)
	require.Equal(t, storage.PurchasePending, p.Status)
	require.Zero(t, p.Attempts)
	require.Empty(t, p.LastError)

	code, _ = do(t, h, http.MethodPost, "/api/purchases/"+resealed.Record+"/retry")
	require.Equal(t, http.StatusConflict, code)

	queue.reject = true
	code, _ = do(t, h, http.MethodPost, "/api/purchases/"+failed.Record+"/retry")
	require.Equal(t, http.StatusConflict, code)

	code, _ = do(t, h, http.MethodGet, "/api/purchases/"+failed.Record+"/retry")
	require.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestRetryRefusedKeepsPurchase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	failed := seedPurchase(t, store, storage.PurchaseFailed)

	queue := &fakeQueue{reject: true}
	h := NewAPI(fakeStatus{}, store.Purchases(), queue)

	code, resp := do(t, h, http.MethodPost, "/api/purchases/"+failed.Record+"/retry")
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "purchase is already queued", resp.Message)

	p, err := store.Purchases().Get(ctx, failed.Record)
	require.NoError(t, err)
	require.Equal(t, storage.PurchaseFailed, p.Status)
	require.Equal(t, 5, p.Attempts)
	require.Equal(t, "callback timeout", p.LastError)
}

func TestRetryResealedWithoutBuyerCapsule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	stuck := seedPurchase(t, store, storage.PurchaseResealed)

	queue := &fakeQueue{}
	h := NewAPI(fakeStatus{}, store.Purchases(), queue)

	code, _ := do(t, h, http.MethodPost, "/api/purchases/"+stuck.Record+"/retry")
	require.Equal(t, http.StatusAccepted, code)
	require.Len(t, queue.jobs, 1)

	p, err := store.Purchases().Get(ctx, stuck.Record)
	require.NoError(t, err)
	require.Equal(t, storage.PurchasePending, p.Status)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	h := NewAPI(fakeStatus{}, newStore(t).Purchases(), &fakeQueue{})

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
