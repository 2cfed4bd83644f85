package storage

import "time"

// PurchaseStatus tracks where a purchase is in the reseal lifecycle.
type PurchaseStatus string

const (
	PurchasePending  PurchaseStatus = "pending"
	PurchaseResealed PurchaseStatus = "resealed"
	PurchaseFailed   PurchaseStatus = "failed"
)

// Purchase is the off-chain state of one purchase record awaiting, or done
// with, its reseal.
type Purchase struct {
	Record          string         `bson:"_id"`
	Listing         string         `bson:"listing"`
	Buyer           string         `bson:"buyer"`
	BuyerX25519     []byte         `bson:"buyerX25519"`
	MxeCapsuleCID   string         `bson:"mxeCapsuleCid"`
	BuyerCapsuleCID string         `bson:"buyerCapsuleCid,omitempty"`
	Status          PurchaseStatus `bson:"status" badgerhold:"index"`
	Attempts        int            `bson:"attempts"`
	LastError       string         `bson:"lastError,omitempty"`
	ResealSignature string         `bson:"resealSignature,omitempty"`
	CreatedAt       time.Time      `bson:"createdAt"`
	UpdatedAt       time.Time      `bson:"updatedAt"`
}

// Settled reports whether the purchase needs no more work: it is resealed
// and its buyer capsule is stored.
func (p Purchase) Settled() bool {
	return p.Status == PurchaseResealed && p.BuyerCapsuleCID != ""
}

// ResealedCapsule is a persisted ResealOutput event.
type ResealedCapsule struct {
	ID            string    `bson:"_id"`
	Listing       string    `bson:"listing"`
	Record        string    `bson:"record"`
	EncryptionKey []byte    `bson:"encryptionKey"`
	Nonce         []byte    `bson:"nonce"`
	C0            []byte    `bson:"c0"`
	C1            []byte    `bson:"c1"`
	C2            []byte    `bson:"c2"`
	C3            []byte    `bson:"c3"`
	Slot          uint64    `bson:"slot"`
	Signature     string    `bson:"signature"`
	Timestamp     time.Time `bson:"ts"`
}

// QualityMetric is a persisted QualityScoreEvent enriched with the device
// and listing of the callback that emitted it.
type QualityMetric struct {
	ID              string    `bson:"_id"`
	Device          string    `bson:"device"`
	Listing         string    `bson:"listing"`
	AccuracyScore   []byte    `bson:"accuracyScore"`
	Nonce           []byte    `bson:"nonce"`
	ComputationType string    `bson:"computationType"`
	Slot            uint64    `bson:"slot"`
	Signature       string    `bson:"signature"`
	Timestamp       time.Time `bson:"ts"`
}

// Watermark is the durable indexing cursor of one program.
type Watermark struct {
	Key                    string    `bson:"_id"`
	LastProcessedSlot      uint64    `bson:"lastProcessedSlot"`
	LastProcessedSignature string    `bson:"lastProcessedSignature"`
	UpdatedAt              time.Time `bson:"updatedAt"`
}

// WatermarkKey is the watermark key of a program.
func WatermarkKey(programID string) string {
	return "program:" + programID
}

// CapsuleID is the unique key of a resealed capsule.
func CapsuleID(signature, record string) string {
	return signature + ":" + record
}

// QualityMetricID is the unique key of a quality metric.
func QualityMetricID(signature, device string) string {
	return signature + ":" + device
}
