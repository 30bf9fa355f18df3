package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"verifier_server/core/domain"
)

const (
	collectionVerdicts        = "verdict_log"
	collectionAccountVerdicts = "account_verdict_log"
)

// VerdictLogAdapter implements out.VerdictLog over two collections: one
// latest verdict per address globally, and one per username+address.
type VerdictLogAdapter struct {
	global  *mongo.Collection
	account *mongo.Collection
}

func NewVerdictLogAdapter(db *mongo.Database) *VerdictLogAdapter {
	return &VerdictLogAdapter{
		global:  db.Collection(collectionVerdicts),
		account: db.Collection(collectionAccountVerdicts),
	}
}

// EnsureIndexes creates the lookup indexes for both collections.
func (a *VerdictLogAdapter) EnsureIndexes(ctx context.Context) error {
	_, err := a.global.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "checked_at", Value: -1}},
		},
	})
	if err != nil {
		return err
	}

	_, err = a.account.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "username", Value: 1},
				{Key: "email", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "checked_at", Value: -1}},
		},
	})
	return err
}

// verdictDocument wraps a verdict with its account scope.
type verdictDocument struct {
	Username string         `bson:"username,omitempty"`
	Verdict  domain.Verdict `bson:"verdict"`

	// duplicated for indexing
	Email     string    `bson:"email"`
	CheckedAt time.Time `bson:"checked_at"`
}

func newVerdictDocument(username string, v *domain.Verdict) *verdictDocument {
	return &verdictDocument{
		Username:  username,
		Verdict:   *v,
		Email:     v.Email,
		CheckedAt: v.CheckedAt,
	}
}

func (d *verdictDocument) toVerdict() *domain.Verdict {
	v := d.Verdict
	v.CheckedAt = d.CheckedAt
	return &v
}

// Latest returns the stored verdict for an address, nil when absent.
func (a *VerdictLogAdapter) Latest(ctx context.Context, email string) (*domain.Verdict, error) {
	var doc verdictDocument
	err := a.global.FindOne(ctx, bson.M{"email": email}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read verdict log: %w", err)
	}
	return doc.toVerdict(), nil
}

// LatestForAccount returns the account-scoped verdict, nil when absent.
func (a *VerdictLogAdapter) LatestForAccount(ctx context.Context, username, email string) (*domain.Verdict, error) {
	var doc verdictDocument
	err := a.account.FindOne(ctx, bson.M{"username": username, "email": email}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read account verdict log: %w", err)
	}
	return doc.toVerdict(), nil
}

// ReplaceLatest upserts the one latest verdict per address. The global
// record is always written; the account record only when a username is
// present.
func (a *VerdictLogAdapter) ReplaceLatest(ctx context.Context, username string, v *domain.Verdict) error {
	opts := options.Replace().SetUpsert(true)

	_, err := a.global.ReplaceOne(ctx, bson.M{"email": v.Email}, newVerdictDocument("", v), opts)
	if err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}

	if username != "" {
		_, err = a.account.ReplaceOne(ctx,
			bson.M{"username": username, "email": v.Email},
			newVerdictDocument(username, v), opts)
		if err != nil {
			return fmt.Errorf("failed to save account verdict: %w", err)
		}
	}
	return nil
}

// Touch refreshes checked_at on a reused verdict so the freshness window
// slides forward on access.
func (a *VerdictLogAdapter) Touch(ctx context.Context, email string, at time.Time) error {
	update := bson.M{"$set": bson.M{"checked_at": at, "verdict.checked_at": at}}
	_, err := a.global.UpdateOne(ctx, bson.M{"email": email}, update)
	if err != nil {
		return fmt.Errorf("failed to touch verdict: %w", err)
	}
	_, err = a.account.UpdateMany(ctx, bson.M{"email": email}, update)
	if err != nil {
		return fmt.Errorf("failed to touch account verdicts: %w", err)
	}
	return nil
}
