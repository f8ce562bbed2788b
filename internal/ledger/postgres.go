package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	accountColumns = `id, currency, status, allow_overdraft, overdraft_limit, version, last_seq, created_at, updated_at`
	entryColumns   = `id, account_id, seq, movement_id, amount, balance_after, currency, status,
        COALESCE(reversal_of, ''), COALESCE(idempotency_key, ''), created_at`
	defaultPageSize = 500
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists the ledger in PostgreSQL. Account versions are bumped
// with a conditional UPDATE, so a stale expected version aborts the whole movement.
type PostgresStore struct {
	db       *pgxpool.Pool
	pageSize int
	now      func() time.Time
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, pageSize: defaultPageSize, now: func() time.Time { return time.Now().UTC() }}
}

// CreateAccount opens an account, returning the existing one with ErrAccountExists
// when the id is taken.
func (l *PostgresStore) CreateAccount(ctx context.Context, input NewAccount) (Account, error) {
	if strings.TrimSpace(input.ID) == "" {
		return Account{}, fmt.Errorf("account id is required")
	}
	if input.Currency == "" {
		return Account{}, fmt.Errorf("currency is required")
	}
	now := l.now()
	row := l.db.QueryRow(ctx, `INSERT INTO accounts (id, currency, status, allow_overdraft, overdraft_limit, version, last_seq, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $6)
        ON CONFLICT (id) DO NOTHING
        RETURNING `+accountColumns,
		input.ID, strings.ToUpper(input.Currency), AccountActive, input.Overdraft.Allowed, input.Overdraft.Limit, now)
	account, err := scanAccount(row)
	if errors.Is(err, ErrAccountNotFound) {
		existing, getErr := l.GetAccount(ctx, input.ID)
		if getErr != nil {
			return Account{}, getErr
		}
		return existing, ErrAccountExists
	}
	return account, err
}

// GetAccount fetches account metadata by identifier.
func (l *PostgresStore) GetAccount(ctx context.Context, id string) (Account, error) {
	return getAccount(ctx, l.db, id)
}

// ListAccounts returns every account ordered by id.
func (l *PostgresStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := l.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return accounts, nil
}

// CloseAccount soft-disables the account if it is still at expectedVersion.
func (l *PostgresStore) CloseAccount(ctx context.Context, id string, expectedVersion int64) (Account, error) {
	row := l.db.QueryRow(ctx, `UPDATE accounts SET status = $3, version = version + 1, updated_at = $4
        WHERE id = $1 AND version = $2 AND status = $5
        RETURNING `+accountColumns, id, expectedVersion, AccountClosed, l.now(), AccountActive)
	account, err := scanAccount(row)
	if !errors.Is(err, ErrAccountNotFound) {
		return account, err
	}
	current, getErr := l.GetAccount(ctx, id)
	if getErr != nil {
		return Account{}, getErr
	}
	if current.Status == AccountClosed {
		return current, nil
	}
	return current, ErrVersionConflict
}

// Snapshot reads the account and the balance of its latest entry in one statement.
func (l *PostgresStore) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	const query = `
        SELECT a.id, a.currency, a.status, a.allow_overdraft, a.overdraft_limit, a.version, a.last_seq,
               a.created_at, a.updated_at, COALESCE(e.balance_after, 0)
        FROM accounts a
        LEFT JOIN ledger_entries e ON e.account_id = a.id AND e.seq = a.last_seq
        WHERE a.id = $1`
	var (
		snap   Snapshot
		status string
	)
	a := &snap.Account
	err := l.db.QueryRow(ctx, query, id).Scan(&a.ID, &a.Currency, &status, &a.Overdraft.Allowed, &a.Overdraft.Limit,
		&a.Version, &a.LastSeq, &a.CreatedAt, &a.UpdatedAt, &snap.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		return Snapshot{}, classify(err)
	}
	a.Status = AccountStatus(status)
	return snap, nil
}

// Append records a balanced movement. Every touched account row is bumped with a
// compare-and-swap on its version inside one database transaction.
func (l *PostgresStore) Append(ctx context.Context, req AppendRequest) (Movement, error) {
	if err := req.Validate(); err != nil {
		return Movement{}, err
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Movement{}, classify(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if prior, err := loadMovement(ctx, tx, req.MovementID); err == nil {
		return prior, ErrDuplicateTransaction
	} else if !errors.Is(err, ErrMovementNotFound) {
		return Movement{}, err
	}

	if req.IdempotencyKey != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, req.IdempotencyKey); err != nil {
			return Movement{}, classify(err)
		}
		prior, err := findMovementByKey(ctx, tx, req.IdempotencyKey, req.KeyHorizon)
		if err == nil {
			return prior, ErrDuplicateTransaction
		}
		if !errors.Is(err, ErrMovementNotFound) {
			return Movement{}, err
		}
	}

	if req.ReversalOf != "" {
		var existing string
		err := tx.QueryRow(ctx, `SELECT id FROM movements WHERE reversal_of = $1`, req.ReversalOf).Scan(&existing)
		if err == nil {
			return Movement{}, ErrAlreadyReversed
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, classify(err)
		}
	}

	now := l.now()
	if _, err := tx.Exec(ctx, `INSERT INTO movements (id, idempotency_key, payload_hash, reversal_of, created_at)
        VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5)`,
		req.MovementID, req.IdempotencyKey, req.PayloadHash, req.ReversalOf, now); err != nil {
		return Movement{}, classify(err)
	}

	status := EntryPosted
	if req.ReversalOf != "" {
		status = EntryReversed
	}

	// Rows are bumped in account id order so concurrent movements cannot deadlock.
	order := make([]int, len(req.Postings))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		return strings.Compare(req.Postings[a].AccountID, req.Postings[b].AccountID)
	})

	entries := make([]Entry, len(req.Postings))
	currency := ""
	for _, leg := range order {
		p := req.Postings[leg]
		var (
			accCurrency string
			seq         int64
			overdraft   Overdraft
		)
		err := tx.QueryRow(ctx, `UPDATE accounts SET version = version + 1, last_seq = last_seq + 1, updated_at = $3
            WHERE id = $1 AND version = $2 AND status = $4
            RETURNING currency, last_seq, allow_overdraft, overdraft_limit`,
			p.AccountID, p.ExpectedVersion, now, AccountActive).Scan(&accCurrency, &seq, &overdraft.Allowed, &overdraft.Limit)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Movement{}, diagnoseConflict(ctx, tx, p)
			}
			return Movement{}, classify(err)
		}
		if currency == "" {
			currency = accCurrency
		} else if currency != accCurrency {
			return Movement{}, ErrCurrencyMismatch
		}

		var prev int64
		if seq > 1 {
			if err := tx.QueryRow(ctx, `SELECT balance_after FROM ledger_entries WHERE account_id = $1 AND seq = $2`,
				p.AccountID, seq-1).Scan(&prev); err != nil {
				return Movement{}, classify(err)
			}
		}
		balance, ok := AddAmount(prev, p.Amount)
		if !ok {
			return Movement{}, fmt.Errorf("%w: %s", ErrBalanceOverflow, p.AccountID)
		}
		if p.Amount < 0 && !overdraft.Permits(balance) {
			return Movement{}, fmt.Errorf("%w: %s", ErrInsufficientFunds, p.AccountID)
		}

		entry := Entry{
			ID:             uuid.NewString(),
			AccountID:      p.AccountID,
			Seq:            seq,
			MovementID:     req.MovementID,
			Amount:         p.Amount,
			BalanceAfter:   balance,
			Currency:       accCurrency,
			Status:         status,
			ReversalOf:     p.ReversalOf,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (id, account_id, seq, leg, movement_id, amount, balance_after, currency, status, reversal_of, idempotency_key, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12)`,
			entry.ID, entry.AccountID, entry.Seq, leg, entry.MovementID, entry.Amount, entry.BalanceAfter,
			entry.Currency, entry.Status, entry.ReversalOf, entry.IdempotencyKey, entry.CreatedAt); err != nil {
			return Movement{}, classify(err)
		}
		entries[leg] = entry
	}

	if err := tx.Commit(ctx); err != nil {
		return Movement{}, classify(err)
	}

	return Movement{
		ID:             req.MovementID,
		IdempotencyKey: req.IdempotencyKey,
		PayloadHash:    req.PayloadHash,
		ReversalOf:     req.ReversalOf,
		Entries:        entries,
		CreatedAt:      now,
	}, nil
}

// GetMovement loads a movement and its entries.
func (l *PostgresStore) GetMovement(ctx context.Context, id string) (Movement, error) {
	return loadMovement(ctx, l.db, id)
}

// FindMovementByKey returns the newest movement posted under key at or after since.
func (l *PostgresStore) FindMovementByKey(ctx context.Context, key string, since time.Time) (Movement, error) {
	return findMovementByKey(ctx, l.db, key, since)
}

// ReadEntries pages through the account's entries with keyset pagination on seq.
func (l *PostgresStore) ReadEntries(ctx context.Context, accountID string, fromSeq int64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if _, err := l.GetAccount(ctx, accountID); err != nil {
			yield(Entry{}, err)
			return
		}
		next := max(fromSeq, 1)
		for {
			page, err := queryEntries(ctx, l.db, `SELECT `+entryColumns+` FROM ledger_entries
                WHERE account_id = $1 AND seq >= $2 ORDER BY seq LIMIT $3`, accountID, next, l.pageSize)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				next = e.Seq + 1
			}
			if len(page) < l.pageSize {
				return
			}
		}
	}
}

func getAccount(ctx context.Context, q querier, id string) (Account, error) {
	account, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return account, err
}

func diagnoseConflict(ctx context.Context, q querier, p Posting) error {
	account, err := getAccount(ctx, q, p.AccountID)
	if err != nil {
		return err
	}
	if account.Status == AccountClosed {
		return fmt.Errorf("%w: %s", ErrAccountClosed, p.AccountID)
	}
	return fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, p.AccountID, account.Version, p.ExpectedVersion)
}

func loadMovement(ctx context.Context, q querier, id string) (Movement, error) {
	var mv Movement
	err := q.QueryRow(ctx, `SELECT id, COALESCE(idempotency_key, ''), payload_hash, COALESCE(reversal_of, ''), created_at
        FROM movements WHERE id = $1`, id).Scan(&mv.ID, &mv.IdempotencyKey, &mv.PayloadHash, &mv.ReversalOf, &mv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, ErrMovementNotFound
		}
		return Movement{}, classify(err)
	}
	entries, err := queryEntries(ctx, q, `SELECT `+entryColumns+` FROM ledger_entries WHERE movement_id = $1 ORDER BY leg`, id)
	if err != nil {
		return Movement{}, err
	}
	mv.Entries = entries
	return mv, nil
}

func findMovementByKey(ctx context.Context, q querier, key string, since time.Time) (Movement, error) {
	var id string
	err := q.QueryRow(ctx, `SELECT id FROM movements WHERE idempotency_key = $1 AND created_at >= $2
        ORDER BY created_at DESC LIMIT 1`, key, since).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, ErrMovementNotFound
		}
		return Movement{}, classify(err)
	}
	return loadMovement(ctx, q, id)
}

func queryEntries(ctx context.Context, q querier, sql string, args ...any) ([]Entry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			status string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Seq, &e.MovementID, &e.Amount, &e.BalanceAfter, &e.Currency,
			&status, &e.ReversalOf, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, classify(err)
		}
		e.Status = EntryStatus(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a      Account
		status string
	)
	err := row.Scan(&a.ID, &a.Currency, &status, &a.Overdraft.Allowed, &a.Overdraft.Limit, &a.Version, &a.LastSeq, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, classify(err)
	}
	a.Status = AccountStatus(status)
	return a, nil
}

// classify maps driver errors onto the ledger's sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			// serialization failure, deadlock, unique violation: a concurrent writer won
			return fmt.Errorf("%w: %s", ErrVersionConflict, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
