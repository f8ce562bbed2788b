package ledger

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrAccountNotFound is returned when no account exists for the identifier.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned by CreateAccount when the identifier is taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrAccountClosed rejects postings against a soft-disabled account.
	ErrAccountClosed = errors.New("account closed")

	// ErrInsufficientFunds occurs when the source account lacks available balance
	// to cover a requested posting and no overdraft covers the gap.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrCurrencyMismatch rejects movements between accounts of different currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrInvalidAmount rejects zero or negative transfer amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrSelfTransfer rejects a transfer whose source and destination are equal.
	ErrSelfTransfer = errors.New("source and destination accounts are the same")

	// ErrUnbalancedMovement is returned when the legs of a movement do not sum to zero.
	ErrUnbalancedMovement = errors.New("movement entries do not sum to zero")

	// ErrBalanceOverflow rejects a movement whose sums leave the int64 range.
	ErrBalanceOverflow = errors.New("amount overflows balance range")

	// ErrVersionConflict signals that an account changed after its version was observed.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrDuplicateTransaction indicates the movement id or idempotency key was already
	// used. The prior movement is returned alongside it.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrMovementNotFound is returned when no movement exists for the identifier.
	ErrMovementNotFound = errors.New("movement not found")

	// ErrAlreadyReversed is returned when a movement already has a compensating movement.
	ErrAlreadyReversed = errors.New("movement already reversed")

	// ErrStorageUnavailable wraps I/O failures of the backing store. Retrying the
	// identical call is safe.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsValidation reports whether err is a validation failure that must not be retried.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrAccountClosed),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSelfTransfer),
		errors.Is(err, ErrUnbalancedMovement),
		errors.Is(err, ErrBalanceOverflow),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrMovementNotFound),
		errors.Is(err, ErrAlreadyReversed):
		return true
	default:
		return false
	}
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountClosed AccountStatus = "closed"
)

// EntryStatus marks how an entry came to be written.
type EntryStatus string

const (
	// EntryPosted is an ordinary leg of a movement.
	EntryPosted EntryStatus = "posted"
	// EntryReversed is a compensating leg that cancels the entry named in ReversalOf.
	EntryReversed EntryStatus = "reversed"
)

// Overdraft describes how far below zero an account may go. A Limit of zero with
// Allowed set means no lower bound.
type Overdraft struct {
	Allowed bool
	Limit   int64
}

// Permits reports whether balance is acceptable under the policy.
func (o Overdraft) Permits(balance int64) bool {
	if balance >= 0 {
		return true
	}
	if !o.Allowed {
		return false
	}
	return o.Limit == 0 || balance >= -o.Limit
}

// Account is the authoritative account record. Version increases on every
// mutation (entry appended or status change) and is the optimistic concurrency token.
type Account struct {
	ID        string
	Currency  string
	Status    AccountStatus
	Overdraft Overdraft
	Version   int64
	LastSeq   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount captures the data required to open an account.
type NewAccount struct {
	ID        string
	Currency  string
	Overdraft Overdraft
}

// Entry is one immutable leg of a movement against a single account.
type Entry struct {
	ID             string
	AccountID      string
	Seq            int64
	MovementID     string
	Amount         int64
	BalanceAfter   int64
	Currency       string
	Status         EntryStatus
	ReversalOf     string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Movement groups the balanced entries of one logical transfer.
type Movement struct {
	ID             string
	IdempotencyKey string
	PayloadHash    string
	ReversalOf     string
	Entries        []Entry
	CreatedAt      time.Time
}

// Sum returns the signed total of the movement's entries, which is zero for
// every movement the store accepts.
func (m Movement) Sum() int64 {
	var total int64
	for _, e := range m.Entries {
		total += e.Amount
	}
	return total
}

// Receipt condenses the movement into the result returned to callers.
func (m Movement) Receipt() Receipt {
	r := Receipt{MovementID: m.ID, PostedAt: m.CreatedAt}
	for _, e := range m.Entries {
		r.Balances = append(r.Balances, AccountBalance{
			AccountID: e.AccountID,
			Amount:    e.BalanceAfter,
			Currency:  e.Currency,
			Seq:       e.Seq,
		})
	}
	return r
}

// AccountBalance is a balance observed right after a movement.
type AccountBalance struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Seq       int64  `json:"seq"`
}

// Receipt is the terminal, replayable result of a posted movement.
type Receipt struct {
	MovementID string           `json:"movement_id"`
	Balances   []AccountBalance `json:"balances"`
	PostedAt   time.Time        `json:"posted_at"`
}

// BalanceOf returns the post-movement balance for accountID.
func (r Receipt) BalanceOf(accountID string) (AccountBalance, bool) {
	for _, b := range r.Balances {
		if b.AccountID == accountID {
			return b, true
		}
	}
	return AccountBalance{}, false
}

// Snapshot is an account together with the balance recorded on its latest entry,
// read atomically.
type Snapshot struct {
	Account Account
	Balance int64
}

// Posting is one requested leg of a movement. ExpectedVersion is the account
// version the caller validated against.
type Posting struct {
	AccountID       string
	Amount          int64
	ExpectedVersion int64
	ReversalOf      string
}

// AppendRequest asks the store to persist one movement atomically.
type AppendRequest struct {
	MovementID     string
	IdempotencyKey string
	PayloadHash    string
	ReversalOf     string
	// KeyHorizon bounds how far back an equal idempotency key counts as a duplicate.
	KeyHorizon time.Time
	Postings   []Posting
}

// Validate checks the shape of the request before any persistence.
func (r AppendRequest) Validate() error {
	if r.MovementID == "" {
		return errors.New("movement id is required")
	}
	if len(r.Postings) < 2 {
		return ErrUnbalancedMovement
	}
	var total int64
	seen := make(map[string]struct{}, len(r.Postings))
	for _, p := range r.Postings {
		if p.Amount == 0 {
			return ErrInvalidAmount
		}
		if _, dup := seen[p.AccountID]; dup {
			return ErrSelfTransfer
		}
		seen[p.AccountID] = struct{}{}
		sum, ok := AddAmount(total, p.Amount)
		if !ok {
			return ErrUnbalancedMovement
		}
		total = sum
	}
	if total != 0 {
		return ErrUnbalancedMovement
	}
	return nil
}

// AddAmount returns balance+amount and false when the sum overflows int64.
func AddAmount(balance, amount int64) (int64, bool) {
	sum := balance + amount
	if (amount > 0 && sum < balance) || (amount < 0 && sum > balance) {
		return 0, false
	}
	return sum, true
}

// Store is the durable append-only ledger. Implementations guarantee that Append
// persists every entry of a movement or none of them, and that entries of an
// account become visible strictly in sequence order.
type Store interface {
	CreateAccount(ctx context.Context, input NewAccount) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	CloseAccount(ctx context.Context, id string, expectedVersion int64) (Account, error)
	Snapshot(ctx context.Context, id string) (Snapshot, error)

	// Append returns the prior movement together with ErrDuplicateTransaction when
	// the movement id, or the idempotency key inside its horizon, was already used.
	Append(ctx context.Context, req AppendRequest) (Movement, error)
	GetMovement(ctx context.Context, id string) (Movement, error)
	FindMovementByKey(ctx context.Context, key string, since time.Time) (Movement, error)

	// ReadEntries yields the account's entries with Seq >= fromSeq in order. The
	// sequence is lazy and may be ranged over again to restart from fromSeq.
	ReadEntries(ctx context.Context, accountID string, fromSeq int64) iter.Seq2[Entry, error]
}
