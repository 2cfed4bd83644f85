package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	purchasesCollection = "purchases"
	capsulesCollection  = "resealed_capsules"
	qualityCollection   = "quality_metrics"
	stateCollection     = "indexer_state"
)

type mongoStore struct {
	client    *mongo.Client
	purchases *mongo.Collection
	capsules  *mongo.Collection
	quality   *mongo.Collection
	state     *mongo.Collection
}

// NewMongoStore connects to uri and ensures the unique indexes the
// repositories rely on.
func NewMongoStore(ctx context.Context, uri, database string) (Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("missing mongo uri")
	}
	if database == "" {
		database = "chainsensors"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &mongoStore{
		client:    client,
		purchases: db.Collection(purchasesCollection),
		capsules:  db.Collection(capsulesCollection),
		quality:   db.Collection(qualityCollection),
		state:     db.Collection(stateCollection),
	}

	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.capsules: {
			{Keys: bson.D{{Key: "signature", Value: 1}, {Key: "record", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "record", Value: 1}}},
		},
		s.quality: {
			{Keys: bson.D{{Key: "signature", Value: 1}, {Key: "device", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		s.purchases: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to create indexes on %s: %w", coll.Name(), err)
		}
	}

	log.Infof("connected to mongo database %s", database)
	return s, nil
}

func (s *mongoStore) Purchases() PurchaseRepository     { return (*mongoPurchases)(s) }
func (s *mongoStore) Capsules() CapsuleRepository       { return (*mongoCapsules)(s) }
func (s *mongoStore) QualityMetrics() QualityRepository { return (*mongoQuality)(s) }
func (s *mongoStore) Watermarks() WatermarkRepository   { return (*mongoWatermarks)(s) }

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

type mongoPurchases mongoStore

func (r *mongoPurchases) Get(ctx context.Context, record string) (*Purchase, error) {
	var p Purchase
	err := r.purchases.FindOne(ctx, bson.M{"_id": record}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase %s: %w", record, err)
	}
	return &p, nil
}

func (r *mongoPurchases) Upsert(ctx context.Context, p Purchase) error {
	now := time.Now().UTC()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	p.UpdatedAt = now

	set := bson.M{
		"listing":         p.Listing,
		"buyer":           p.Buyer,
		"buyerX25519":     p.BuyerX25519,
		"mxeCapsuleCid":   p.MxeCapsuleCID,
		"buyerCapsuleCid": p.BuyerCapsuleCID,
		"status":          p.Status,
		"attempts":        p.Attempts,
		"lastError":       p.LastError,
		"resealSignature": p.ResealSignature,
		"updatedAt":       p.UpdatedAt,
	}
	update := bson.M{"$set": set, "$setOnInsert": bson.M{"createdAt": createdAt}}
	_, err := r.purchases.UpdateOne(ctx, bson.M{"_id": p.Record}, update, options.Update().SetUpsert(true))
	return err
}

func (r *mongoPurchases) ListByStatus(ctx context.Context, status PurchaseStatus) ([]Purchase, error) {
	cur, err := r.purchases.Find(ctx, bson.M{"status": status})
	if err != nil {
		return nil, err
	}
	var out []Purchase
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type mongoCapsules mongoStore

func (r *mongoCapsules) Insert(ctx context.Context, c ResealedCapsule) error {
	c.ID = CapsuleID(c.Signature, c.Record)
	if _, err := r.capsules.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *mongoCapsules) FindByRecord(ctx context.Context, record string) (*ResealedCapsule, error) {
	var c ResealedCapsule
	err := r.capsules.FindOne(ctx, bson.M{"record": record}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *mongoCapsules) Count(ctx context.Context) (int64, error) {
	return r.capsules.CountDocuments(ctx, bson.M{})
}

type mongoQuality mongoStore

func (r *mongoQuality) Insert(ctx context.Context, m QualityMetric) error {
	m.ID = QualityMetricID(m.Signature, m.Device)
	if _, err := r.quality.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *mongoQuality) Count(ctx context.Context) (int64, error) {
	return r.quality.CountDocuments(ctx, bson.M{})
}

type mongoWatermarks mongoStore

func (r *mongoWatermarks) Get(ctx context.Context, key string) (*Watermark, error) {
	var w Watermark
	err := r.state.FindOne(ctx, bson.M{"_id": key}).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark %s: %w", key, err)
	}
	return &w, nil
}

// Advance matches only documents at or below the new slot; when a higher
// watermark exists the upsert collides on _id and the write is dropped.
func (r *mongoWatermarks) Advance(ctx context.Context, w Watermark) error {
	filter := bson.M{"_id": w.Key, "lastProcessedSlot": bson.M{"$lte": w.LastProcessedSlot}}
	update := bson.M{"$set": bson.M{
		"lastProcessedSlot":      w.LastProcessedSlot,
		"lastProcessedSignature": w.LastProcessedSignature,
		"updatedAt":              time.Now().UTC(),
	}}
	_, err := r.state.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}
