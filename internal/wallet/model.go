package wallet

import (
	"time"

	"github.com/congo-pay/walletledger/internal/ledger"
)

// Wallet is the public view of a ledger account.
type Wallet struct {
	AccountID string
	Currency  string
	Status    ledger.AccountStatus
	Overdraft ledger.Overdraft
	CreatedAt time.Time
}

// Balance encapsulates available funds for a wallet.
type Balance struct {
	AccountID   string
	Amount      int64
	Currency    string
	AsOfVersion int64
	AsOf        time.Time
}

// TransferResult is the confirmed outcome of a movement.
type TransferResult struct {
	MovementID  string
	NewBalances []ledger.AccountBalance
	Replayed    bool
	PostedAt    time.Time
}

func fromAccount(a ledger.Account) Wallet {
	return Wallet{
		AccountID: a.ID,
		Currency:  a.Currency,
		Status:    a.Status,
		Overdraft: a.Overdraft,
		CreatedAt: a.CreatedAt,
	}
}
