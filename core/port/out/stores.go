package out

import (
	"context"
	"io"
	"time"

	"verifier_server/core/domain"
)

// BlobStore persists uploaded and generated workbooks.
type BlobStore interface {
	Save(ctx context.Context, data []byte, filename, contentType string) (*domain.FileRef, error)
	Read(ctx context.Context, ref *domain.FileRef) ([]byte, error)
	OpenDownloadStream(ctx context.Context, ref *domain.FileRef) (io.ReadCloser, error)
	Delete(ctx context.Context, ref *domain.FileRef) error
}

// VerdictLog is the long-term verdict store. Latest* return nil without
// error when no record exists.
type VerdictLog interface {
	Latest(ctx context.Context, email string) (*domain.Verdict, error)
	LatestForAccount(ctx context.Context, username, email string) (*domain.Verdict, error)

	// ReplaceLatest upserts the one "latest" verdict per email (and per
	// username+email when username is non-empty).
	ReplaceLatest(ctx context.Context, username string, verdict *domain.Verdict) error

	// Touch refreshes checked_at on a reused verdict.
	Touch(ctx context.Context, email string, at time.Time) error
}

// HistoryStore exposes the domain-reputation and training-history read
// model consulted for verdict enrichment.
type HistoryStore interface {
	DomainReputation(ctx context.Context, name string) (domain.DomainReputation, error)
	ProviderReputation(ctx context.Context, name string) (domain.DomainReputation, error)
	TrainingHistory(ctx context.Context, email string) (*domain.TrainingHistory, error)
}

// CreditsLedger debits validation credits. Debit returns the new balance
// or apperr.ErrInsufficientCredits.
type CreditsLedger interface {
	Balance(ctx context.Context, username string) (int64, error)
	Debit(ctx context.Context, username string, n int64) (int64, error)
}

// VerdictCache is the short-TTL cache in front of the verdict log.
type VerdictCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
