package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the durable Adapter. One document per cart, keyed by cart id.
type MongoStore struct {
	collection *mongo.Collection
}

var _ Adapter = (*MongoStore)(nil)

// NewMongoStore uses the "carts" collection of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection("carts")}
}

// Save upserts the cart only when the stored version is older. When the
// filter misses because a newer version exists, the upsert collides on _id
// and the write is reported as stale.
func (m *MongoStore) Save(ctx context.Context, cartID string, cart domain.Cart) error {
	lines := cart.Lines
	if lines == nil {
		lines = []domain.CartLine{}
	}
	filter := bson.M{
		"_id":     cartID,
		"version": bson.M{"$lt": cart.Version},
	}
	update := bson.M{"$set": bson.M{
		"lines":      lines,
		"version":    cart.Version,
		"updated_at": cart.UpdatedAt,
	}}

	_, err := m.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("save cart %s v%d: %w", cartID, cart.Version, ErrStaleWrite)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert cart: %w: %w", domain.ErrIOFailure, err)
	}
	return nil
}

func (m *MongoStore) Load(ctx context.Context, cartID string) (*domain.Cart, error) {
	var cart domain.Cart
	err := m.collection.FindOne(ctx, bson.M{"_id": cartID}).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("cart %s: %w", cartID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get cart: %w: %w", domain.ErrIOFailure, err)
	}
	return &cart, nil
}

// CreateIndexes expires carts untouched for 90 days.
func (m *MongoStore) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60), // 90 days TTL
		},
	}

	if _, err := m.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}
