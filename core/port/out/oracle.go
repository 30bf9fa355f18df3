package out

import (
	"context"

	"verifier_server/core/domain"
)

// Oracle is the external deliverability engine, called as a black box.
// ProbeFast is the cheap first pass; ProbeStable is the slower thorough
// pass used only when the fast pass is inconclusive. Both may fail; no
// side effects are assumed.
type Oracle interface {
	ProbeFast(ctx context.Context, email string) (*domain.Verdict, error)
	ProbeStable(ctx context.Context, email string) (*domain.Verdict, error)
}
