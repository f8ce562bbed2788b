package ledger

import (
	"context"
	"errors"
	"strings"
)

// TreasuryAccountID returns the system account that issues funds in currency.
func TreasuryAccountID(currency string) string {
	return "system:treasury:" + strings.ToUpper(currency)
}

// IsSystemAccount reports whether id names an internal account rather than a wallet.
func IsSystemAccount(id string) bool {
	return strings.HasPrefix(id, "system:")
}

// EnsureTreasury guarantees the treasury account for currency exists. The
// treasury may run an unbounded negative balance.
func EnsureTreasury(ctx context.Context, store Store, currency string) (Account, error) {
	account, err := store.CreateAccount(ctx, NewAccount{
		ID:        TreasuryAccountID(currency),
		Currency:  currency,
		Overdraft: Overdraft{Allowed: true},
	})
	if errors.Is(err, ErrAccountExists) {
		return account, nil
	}
	return account, err
}
