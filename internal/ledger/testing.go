package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SeedBalance is a test helper that credits amount to an account from its
// currency's treasury through an ordinary balanced movement.
func SeedBalance(ctx context.Context, store Store, accountID string, amount int64) error {
	for attempt := 0; attempt < 5; attempt++ {
		target, err := store.Snapshot(ctx, accountID)
		if err != nil {
			return err
		}
		if _, err := EnsureTreasury(ctx, store, target.Account.Currency); err != nil {
			return err
		}
		treasury, err := store.Snapshot(ctx, TreasuryAccountID(target.Account.Currency))
		if err != nil {
			return err
		}
		_, err = store.Append(ctx, AppendRequest{
			MovementID: uuid.NewString(),
			Postings: []Posting{
				{AccountID: treasury.Account.ID, Amount: -amount, ExpectedVersion: treasury.Account.Version},
				{AccountID: accountID, Amount: amount, ExpectedVersion: target.Account.Version},
			},
		})
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("seed %s: %w", accountID, ErrVersionConflict)
}
