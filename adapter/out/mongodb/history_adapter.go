package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"verifier_server/core/domain"
)

const (
	collectionDomainStats     = "domain_stats"
	collectionProviderStats   = "provider_stats"
	collectionTrainingHistory = "training_history"
)

// HistoryAdapter implements out.HistoryStore over the reputation and
// training collections. The collections are written by the delivery
// feedback loop; this adapter only reads them.
type HistoryAdapter struct {
	domains   *mongo.Collection
	providers *mongo.Collection
	training  *mongo.Collection
}

func NewHistoryAdapter(db *mongo.Database) *HistoryAdapter {
	return &HistoryAdapter{
		domains:   db.Collection(collectionDomainStats),
		providers: db.Collection(collectionProviderStats),
		training:  db.Collection(collectionTrainingHistory),
	}
}

// EnsureIndexes creates the key indexes for all three collections.
func (a *HistoryAdapter) EnsureIndexes(ctx context.Context) error {
	unique := func(key string) []mongo.IndexModel {
		return []mongo.IndexModel{{
			Keys:    bson.D{{Key: key, Value: 1}},
			Options: options.Index().SetUnique(true),
		}}
	}
	if _, err := a.domains.Indexes().CreateMany(ctx, unique("name")); err != nil {
		return err
	}
	if _, err := a.providers.Indexes().CreateMany(ctx, unique("name")); err != nil {
		return err
	}
	_, err := a.training.Indexes().CreateMany(ctx, unique("email"))
	return err
}

type reputationDocument struct {
	Name    string `bson:"name"`
	Sent    int    `bson:"sent"`
	Invalid int    `bson:"invalid"`
}

type trainingDocument struct {
	Email   string                 `bson:"email"`
	History domain.TrainingHistory `bson:"history"`
}

func (a *HistoryAdapter) reputation(ctx context.Context, coll *mongo.Collection, name string) (domain.DomainReputation, error) {
	var doc reputationDocument
	err := coll.FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return domain.DomainReputation{}, nil
		}
		return domain.DomainReputation{}, fmt.Errorf("failed to read reputation: %w", err)
	}
	return domain.DomainReputation{Sent: doc.Sent, Invalid: doc.Invalid}, nil
}

// DomainReputation returns the send/bounce record for a domain; a zero
// record when the domain was never seen.
func (a *HistoryAdapter) DomainReputation(ctx context.Context, name string) (domain.DomainReputation, error) {
	return a.reputation(ctx, a.domains, name)
}

// ProviderReputation returns the record for a mail provider.
func (a *HistoryAdapter) ProviderReputation(ctx context.Context, name string) (domain.DomainReputation, error) {
	return a.reputation(ctx, a.providers, name)
}

// TrainingHistory returns the outcome history for an address, nil when
// the address has no recorded outcomes.
func (a *HistoryAdapter) TrainingHistory(ctx context.Context, email string) (*domain.TrainingHistory, error) {
	var doc trainingDocument
	err := a.training.FindOne(ctx, bson.M{"email": email}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read training history: %w", err)
	}
	return &doc.History, nil
}
