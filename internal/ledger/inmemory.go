package ledger

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type accountState struct {
	mu      sync.RWMutex
	account Account
	entries []Entry
}

func (st *accountState) balance() int64 {
	if len(st.entries) == 0 {
		return 0
	}
	return st.entries[len(st.entries)-1].BalanceAfter
}

// InMemoryStore is a concurrency-safe ledger kept in process memory. Appends lock
// only the accounts they touch, so movements over disjoint accounts run in parallel.
type InMemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*accountState

	// movMu guards the movement indexes. A nil movement marks an append in flight.
	movMu     sync.Mutex
	movements map[string]*Movement
	byKey     map[string][]string
	reversals map[string]string

	now func() time.Time
}

// NewInMemory creates an empty in-memory ledger useful for tests and development.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		accounts:  make(map[string]*accountState),
		movements: make(map[string]*Movement),
		byKey:     make(map[string][]string),
		reversals: make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) CreateAccount(ctx context.Context, input NewAccount) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	if strings.TrimSpace(input.ID) == "" {
		return Account{}, fmt.Errorf("account id is required")
	}
	if input.Currency == "" {
		return Account{}, fmt.Errorf("currency is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, exists := s.accounts[input.ID]; exists {
		st.mu.RLock()
		defer st.mu.RUnlock()
		return st.account, ErrAccountExists
	}
	now := s.now()
	account := Account{
		ID:        input.ID,
		Currency:  strings.ToUpper(input.Currency),
		Status:    AccountActive,
		Overdraft: input.Overdraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[input.ID] = &accountState{account: account}
	return account, nil
}

func (s *InMemoryStore) GetAccount(ctx context.Context, id string) (Account, error) {
	snap, err := s.Snapshot(ctx, id)
	if err != nil {
		return Account{}, err
	}
	return snap.Account, nil
}

func (s *InMemoryStore) ListAccounts(ctx context.Context) ([]Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	states := make([]*accountState, 0, len(s.accounts))
	for _, st := range s.accounts {
		states = append(states, st)
	}
	s.mu.RUnlock()

	accounts := make([]Account, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		accounts = append(accounts, st.account)
		st.mu.RUnlock()
	}
	slices.SortFunc(accounts, func(a, b Account) int { return strings.Compare(a.ID, b.ID) })
	return accounts, nil
}

func (s *InMemoryStore) CloseAccount(ctx context.Context, id string, expectedVersion int64) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	st, err := s.state(id)
	if err != nil {
		return Account{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.account.Status == AccountClosed {
		return st.account, nil
	}
	if st.account.Version != expectedVersion {
		return st.account, ErrVersionConflict
	}
	st.account.Status = AccountClosed
	st.account.Version++
	st.account.UpdatedAt = s.now()
	return st.account, nil
}

func (s *InMemoryStore) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	st, err := s.state(id)
	if err != nil {
		return Snapshot{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return Snapshot{Account: st.account, Balance: st.balance()}, nil
}

func (s *InMemoryStore) Append(ctx context.Context, req AppendRequest) (Movement, error) {
	if err := ctx.Err(); err != nil {
		return Movement{}, err
	}
	if err := req.Validate(); err != nil {
		return Movement{}, err
	}

	if prior, err := s.claim(req); err != nil {
		return prior, err
	}
	committed := false
	defer func() {
		if !committed {
			s.unclaim(req)
		}
	}()

	states, unlock, err := s.lockAccounts(req.Postings)
	if err != nil {
		return Movement{}, err
	}
	defer unlock()

	currency := states[req.Postings[0].AccountID].account.Currency
	for _, p := range req.Postings {
		st := states[p.AccountID]
		if st.account.Status == AccountClosed {
			return Movement{}, fmt.Errorf("%w: %s", ErrAccountClosed, p.AccountID)
		}
		if st.account.Version != p.ExpectedVersion {
			return Movement{}, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, p.AccountID, st.account.Version, p.ExpectedVersion)
		}
		if st.account.Currency != currency {
			return Movement{}, ErrCurrencyMismatch
		}
		next, ok := AddAmount(st.balance(), p.Amount)
		if !ok {
			return Movement{}, fmt.Errorf("%w: %s", ErrBalanceOverflow, p.AccountID)
		}
		if p.Amount < 0 && !st.account.Overdraft.Permits(next) {
			return Movement{}, fmt.Errorf("%w: %s", ErrInsufficientFunds, p.AccountID)
		}
	}

	now := s.now()
	mv := Movement{
		ID:             req.MovementID,
		IdempotencyKey: req.IdempotencyKey,
		PayloadHash:    req.PayloadHash,
		ReversalOf:     req.ReversalOf,
		CreatedAt:      now,
	}
	status := EntryPosted
	if req.ReversalOf != "" {
		status = EntryReversed
	}
	for _, p := range req.Postings {
		st := states[p.AccountID]
		entry := Entry{
			ID:             uuid.NewString(),
			AccountID:      p.AccountID,
			Seq:            st.account.LastSeq + 1,
			MovementID:     req.MovementID,
			Amount:         p.Amount,
			BalanceAfter:   st.balance() + p.Amount,
			Currency:       currency,
			Status:         status,
			ReversalOf:     p.ReversalOf,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		st.entries = append(st.entries, entry)
		st.account.LastSeq = entry.Seq
		st.account.Version++
		st.account.UpdatedAt = now
		mv.Entries = append(mv.Entries, entry)
	}

	s.commit(mv)
	committed = true
	return cloneMovement(mv), nil
}

func (s *InMemoryStore) GetMovement(ctx context.Context, id string) (Movement, error) {
	if err := ctx.Err(); err != nil {
		return Movement{}, err
	}
	s.movMu.Lock()
	defer s.movMu.Unlock()
	mv, ok := s.movements[id]
	if !ok || mv == nil {
		return Movement{}, ErrMovementNotFound
	}
	return cloneMovement(*mv), nil
}

func (s *InMemoryStore) FindMovementByKey(ctx context.Context, key string, since time.Time) (Movement, error) {
	if err := ctx.Err(); err != nil {
		return Movement{}, err
	}
	s.movMu.Lock()
	defer s.movMu.Unlock()
	ids := s.byKey[key]
	for i := len(ids) - 1; i >= 0; i-- {
		mv := s.movements[ids[i]]
		if mv != nil && !mv.CreatedAt.Before(since) {
			return cloneMovement(*mv), nil
		}
	}
	return Movement{}, ErrMovementNotFound
}

func (s *InMemoryStore) ReadEntries(ctx context.Context, accountID string, fromSeq int64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		st, err := s.state(accountID)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		seq := max(fromSeq, 1)
		for ; ; seq++ {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			st.mu.RLock()
			if seq > int64(len(st.entries)) {
				st.mu.RUnlock()
				return
			}
			e := st.entries[seq-1]
			st.mu.RUnlock()
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *InMemoryStore) state(id string) (*accountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return st, nil
}

// lockAccounts write-locks every posting account in id order.
func (s *InMemoryStore) lockAccounts(postings []Posting) (map[string]*accountState, func(), error) {
	ids := make([]string, 0, len(postings))
	for _, p := range postings {
		ids = append(ids, p.AccountID)
	}
	slices.Sort(ids)

	states := make(map[string]*accountState, len(ids))
	locked := make([]*accountState, 0, len(ids))
	unlock := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}
	for _, id := range ids {
		st, err := s.state(id)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		st.mu.Lock()
		locked = append(locked, st)
		states[id] = st
	}
	return states, unlock, nil
}

func (s *InMemoryStore) claim(req AppendRequest) (Movement, error) {
	s.movMu.Lock()
	defer s.movMu.Unlock()

	if mv, ok := s.movements[req.MovementID]; ok {
		if mv == nil {
			return Movement{}, ErrVersionConflict
		}
		return cloneMovement(*mv), ErrDuplicateTransaction
	}
	if req.IdempotencyKey != "" {
		ids := s.byKey[req.IdempotencyKey]
		for i := len(ids) - 1; i >= 0; i-- {
			mv := s.movements[ids[i]]
			if mv == nil {
				return Movement{}, ErrVersionConflict
			}
			if !mv.CreatedAt.Before(req.KeyHorizon) {
				return cloneMovement(*mv), ErrDuplicateTransaction
			}
		}
	}
	if req.ReversalOf != "" {
		if id, ok := s.reversals[req.ReversalOf]; ok {
			if s.movements[id] == nil {
				return Movement{}, ErrVersionConflict
			}
			return Movement{}, ErrAlreadyReversed
		}
	}

	s.movements[req.MovementID] = nil
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = append(s.byKey[req.IdempotencyKey], req.MovementID)
	}
	if req.ReversalOf != "" {
		s.reversals[req.ReversalOf] = req.MovementID
	}
	return Movement{}, nil
}

func (s *InMemoryStore) unclaim(req AppendRequest) {
	s.movMu.Lock()
	defer s.movMu.Unlock()
	delete(s.movements, req.MovementID)
	if req.IdempotencyKey != "" {
		ids := s.byKey[req.IdempotencyKey]
		ids = slices.DeleteFunc(ids, func(id string) bool { return id == req.MovementID })
		if len(ids) == 0 {
			delete(s.byKey, req.IdempotencyKey)
		} else {
			s.byKey[req.IdempotencyKey] = ids
		}
	}
	if req.ReversalOf != "" {
		delete(s.reversals, req.ReversalOf)
	}
}

func (s *InMemoryStore) commit(mv Movement) {
	s.movMu.Lock()
	defer s.movMu.Unlock()
	stored := cloneMovement(mv)
	s.movements[mv.ID] = &stored
}

func cloneMovement(mv Movement) Movement {
	mv.Entries = slices.Clone(mv.Entries)
	return mv
}
