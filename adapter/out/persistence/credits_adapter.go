package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"verifier_server/pkg/apperr"
)

// CreditsAdapter implements out.CreditsLedger on the accounts table.
// Debits are a single conditional update, so two concurrent runs can
// never spend the same credit twice.
type CreditsAdapter struct {
	db *sqlx.DB
}

func NewCreditsAdapter(db *sqlx.DB) *CreditsAdapter {
	return &CreditsAdapter{db: db}
}

func (a *CreditsAdapter) Balance(ctx context.Context, username string) (int64, error) {
	var balance int64
	err := a.db.GetContext(ctx, &balance,
		`SELECT credits FROM accounts WHERE username = $1`, username)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, apperr.NotFound("account")
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (a *CreditsAdapter) Debit(ctx context.Context, username string, n int64) (int64, error) {
	if n <= 0 {
		return a.Balance(ctx, username)
	}

	var remaining int64
	err := a.db.GetContext(ctx, &remaining, `
		UPDATE accounts
		SET credits = credits - $2, updated_at = NOW()
		WHERE username = $1 AND credits >= $2
		RETURNING credits`,
		username, n)
	if err == nil {
		return remaining, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("debit credits: %w", err)
	}

	// Nothing updated: either the account is missing or short on credits.
	balance, berr := a.Balance(ctx, username)
	if berr != nil {
		return 0, berr
	}
	return 0, apperr.InsufficientCredits(n, balance)
}
