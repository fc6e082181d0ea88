package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/pesapoint/mpesa-gobackend/internal/models"
)

// MongoStore persists transactions in a MongoDB collection. Per-key update
// serialization comes from document-level atomicity of UpdateOne, and the
// unique index on checkout_request_id enforces the duplicate-key contract.
type MongoStore struct {
	collection *mongo.Collection
}

// Connect dials MongoDB and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.Println("Connected to MongoDB")
	return client, nil
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection("transactions")}
}

// EnsureIndexes creates the unique correlation-id index and the index backing
// reconciliation sweeps.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.M{"checkout_request_id": 1},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stored := *tx
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt

	if _, err := s.collection.InsertOne(ctx, stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("checkout request %s: %w", tx.CheckoutRequestID, ErrDuplicateKey)
		}
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return &stored, nil
}

func (s *MongoStore) FindByCheckoutRequestID(ctx context.Context, id string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var tx models.Transaction
	err := s.collection.FindOne(ctx, bson.M{"checkout_request_id": id}).Decode(&tx)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("checkout request %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", id, err)
	}
	return &tx, nil
}

func (s *MongoStore) Update(ctx context.Context, id string, patch Patch) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set := bson.M{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.MpesaReceiptNumber != nil {
		set["mpesa_receipt_number"] = *patch.MpesaReceiptNumber
	}
	if patch.TransactionDate != nil {
		set["transaction_date"] = *patch.TransactionDate
	}
	if patch.ResultCode != nil {
		set["result_code"] = *patch.ResultCode
	}
	if patch.ResultDesc != nil {
		set["result_desc"] = *patch.ResultDesc
	}
	if patch.CallbackMetadata != nil {
		set["callback_metadata"] = patch.CallbackMetadata
	}

	query := bson.M{"checkout_request_id": id}
	if patch.IfStatus != "" {
		query["status"] = patch.IfStatus
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated models.Transaction
	err := s.collection.FindOneAndUpdate(ctx, query, bson.M{"$set": set}, opts).Decode(&updated)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			// With a status precondition a miss can mean either an unknown
			// id or a record that moved on; look again to tell them apart.
			if patch.IfStatus != "" {
				res := s.collection.FindOne(ctx, bson.M{"checkout_request_id": id})
				if res.Err() == nil {
					return nil, fmt.Errorf("checkout request %s: %w", id, ErrStatusConflict)
				}
			}
			return nil, fmt.Errorf("checkout request %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update transaction %s: %w", id, err)
	}
	return &updated, nil
}

func (s *MongoStore) FindWhere(ctx context.Context, filter Filter) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if !filter.CreatedBefore.IsZero() {
		query["created_at"] = bson.M{"$lt": filter.CreatedBefore}
	}

	cur, err := s.collection.Find(ctx, query, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	return txs, nil
}
