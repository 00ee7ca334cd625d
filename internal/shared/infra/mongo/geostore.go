package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cornjacket/roadside/internal/geocache"
	"github.com/cornjacket/roadside/internal/shared/domain/events"
)

// PositionsCollection holds one snapshot document per provider.
const PositionsCollection = "provider_positions"

type point struct {
	Type        string    `bson:"type"`
	Coordinates []float64 `bson:"coordinates"` // [lon, lat]
}

type positionDoc struct {
	ProviderID string    `bson:"_id"`
	Location   point     `bson:"location"`
	CellToken  string    `bson:"cellToken"`
	ObservedAt time.Time `bson:"observedAt"`
}

func (d positionDoc) toPosition() events.ProviderPosition {
	pos := events.ProviderPosition{
		ProviderID: d.ProviderID,
		CellToken:  d.CellToken,
		ObservedAt: d.ObservedAt.UnixMilli(),
	}
	if len(d.Location.Coordinates) == 2 {
		pos.Longitude = d.Location.Coordinates[0]
		pos.Latitude = d.Location.Coordinates[1]
	}
	return pos
}

// GeoStore is the durable, geo-indexed record of provider positions.
type GeoStore struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

// NewGeoStore creates a GeoStore on db.
func NewGeoStore(db *mongo.Database, logger *slog.Logger) *GeoStore {
	return &GeoStore{
		coll:   db.Collection(PositionsCollection),
		logger: logger.With("repository", "geo"),
	}
}

// EnsureIndexes creates the 2dsphere and freshness indexes.
func (s *GeoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "observedAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create geo indexes: %w", err)
	}
	return nil
}

// UpsertSnapshot stores pos unless a newer observation is already stored.
func (s *GeoStore) UpsertSnapshot(ctx context.Context, pos events.ProviderPosition) error {
	observed := pos.ObservedTime()
	filter := bson.M{"_id": pos.ProviderID, "observedAt": bson.M{"$lte": observed}}
	update := bson.M{"$set": bson.M{
		"location":   point{Type: "Point", Coordinates: []float64{pos.Longitude, pos.Latitude}},
		"cellToken":  pos.CellToken,
		"observedAt": observed,
	}}

	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// A newer snapshot exists; the filter missed it and the upsert collided.
		s.logger.Debug("ignored stale snapshot", "provider_id", pos.ProviderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to upsert position for %s: %w", pos.ProviderID, err)
	}
	return nil
}

// FindNearby returns positions observed at or after since within radiusKm,
// nearest first.
func (s *GeoStore) FindNearby(ctx context.Context, lat, lon, radiusKm float64, since time.Time, limit int) ([]events.ProviderPosition, error) {
	filter := bson.M{
		"location": bson.M{"$near": bson.M{
			"$geometry":    point{Type: "Point", Coordinates: []float64{lon, lat}},
			"$maxDistance": radiusKm * 1000,
		}},
		"observedAt": bson.M{"$gte": since},
	}

	cur, err := s.coll.Find(ctx, filter, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby positions: %w", err)
	}
	defer cur.Close(ctx)

	var out []events.ProviderPosition
	for cur.Next(ctx) {
		var doc positionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode position: %w", err)
		}
		out = append(out, doc.toPosition())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return out, nil
}

var _ geocache.DurableStore = (*GeoStore)(nil)
