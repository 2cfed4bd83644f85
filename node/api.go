package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"chainsensors/indexer"
	"chainsensors/reseal"
	"chainsensors/storage"
)

type StatusSource interface {
	Status(ctx context.Context) (indexer.Status, error)
}

type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type purchaseView struct {
	Record          string    `json:"record"`
	Listing         string    `json:"listing"`
	Buyer           string    `json:"buyer,omitempty"`
	BuyerX25519     string    `json:"buyerX25519,omitempty"`
	MxeCapsuleCID   string    `json:"mxeCapsuleCid"`
	BuyerCapsuleCID string    `json:"buyerCapsuleCid,omitempty"`
	Status          string    `json:"status"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"lastError,omitempty"`
	ResealSignature string    `json:"resealSignature,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func viewOf(p storage.Purchase) purchaseView {
	return purchaseView{
		Record:          p.Record,
		Listing:         p.Listing,
		Buyer:           p.Buyer,
		BuyerX25519:     hex.EncodeToString(p.BuyerX25519),
		MxeCapsuleCID:   p.MxeCapsuleCID,
		BuyerCapsuleCID: p.BuyerCapsuleCID,
		Status:          string(p.Status),
		Attempts:        p.Attempts,
		LastError:       p.LastError,
		ResealSignature: p.ResealSignature,
		UpdatedAt:       p.UpdatedAt,
	}
}

type api struct {
	status    StatusSource
	purchases storage.PurchaseRepository
	queue     indexer.Enqueuer
}

// NewAPI builds the operator API router.
func NewAPI(status StatusSource, purchases storage.PurchaseRepository, queue indexer.Enqueuer) *mux.Router {
	a := &api{status: status, purchases: purchases, queue: queue}

	r := mux.NewRouter()
	r.Use(cors)
	r.HandleFunc("/api/status", a.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/purchases", a.handleListPurchases).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/purchases/{record}", a.handleGetPurchase).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/purchases/{record}/retry", a.handleRetry).Methods(http.MethodPost, http.MethodOptions)
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(APIResponse{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(APIResponse{Status: "error", Message: message})
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.status.Status(r.Context())
	if err != nil {
		log.WithError(err).Warn("status request failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	status := storage.PurchaseStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = storage.PurchasePending
	}
	switch status {
	case storage.PurchasePending, storage.PurchaseResealed, storage.PurchaseFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}

	purchases, err := a.purchases.ListByStatus(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]purchaseView, 0, len(purchases))
	for _, p := range purchases {
		views = append(views, viewOf(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *api) lookup(w http.ResponseWriter, r *http.Request) *storage.Purchase {
	record := mux.Vars(r)["record"]
	p, err := a.purchases.Get(r.Context(), record)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "purchase "+record+" not found")
		return nil
	}
	return p
}

func (a *api) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	if p := a.lookup(w, r); p != nil {
		writeJSON(w, http.StatusOK, viewOf(*p))
	}
}

// handleRetry resets a failed or stuck purchase to pending and queues it
// with a fresh attempt budget.
func (a *api) handleRetry(w http.ResponseWriter, r *http.Request) {
	p := a.lookup(w, r)
	if p == nil {
		return
	}
	if p.Settled() {
		writeError(w, http.StatusConflict, "purchase is already resealed")
		return
	}

	p.Status = storage.PurchasePending
	p.Attempts = 0
	p.LastError = ""
	job, err := reseal.JobFromPurchase(*p)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	// the stored purchase is only reset once the queue took the job
	if !a.queue.Enqueue(job) {
		writeError(w, http.StatusConflict, "purchase is already queued")
		return
	}
	if err := a.purchases.Upsert(r.Context(), *p); err != nil {
		log.WithError(err).WithField("record", p.Record).Warn("failed to reset purchase after queueing retry")
	}
	log.WithField("record", p.Record).Info("reseal retry queued")
	writeJSON(w, http.StatusAccepted, viewOf(*p))
}
