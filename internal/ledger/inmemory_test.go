package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

func openPair(t *testing.T, s *InMemoryStore, seed int64) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"wallet:a", "wallet:b"} {
		if _, err := s.CreateAccount(ctx, NewAccount{ID: id, Currency: "usd"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if seed > 0 {
		if err := SeedBalance(ctx, s, "wallet:a", seed); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func transferRequest(t *testing.T, s *InMemoryStore, movementID, key string, amount int64) AppendRequest {
	t.Helper()
	ctx := context.Background()
	a, err := s.GetAccount(ctx, "wallet:a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	b, err := s.GetAccount(ctx, "wallet:b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	return AppendRequest{
		MovementID:     movementID,
		IdempotencyKey: key,
		Postings: []Posting{
			{AccountID: a.ID, Amount: -amount, ExpectedVersion: a.Version},
			{AccountID: b.ID, Amount: amount, ExpectedVersion: b.Version},
		},
	}
}

func TestInMemoryStore_AppendMaintainsBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	openPair(t, s, 10_000)

	mv, err := s.Append(ctx, transferRequest(t, s, "mv-1", "client-1", 1_500))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if mv.Sum() != 0 {
		t.Fatalf("movement does not net to zero: %d", mv.Sum())
	}

	receipt := mv.Receipt()
	from, _ := receipt.BalanceOf("wallet:a")
	to, _ := receipt.BalanceOf("wallet:b")
	if from.Amount != 8_500 {
		t.Fatalf("expected from balance 8500, got %d", from.Amount)
	}
	if to.Amount != 1_500 {
		t.Fatalf("expected to balance 1500, got %d", to.Amount)
	}
	if from.Currency != "USD" {
		t.Fatalf("expected currency to be normalised, got %s", from.Currency)
	}

	snap, err := s.Snapshot(ctx, "wallet:a")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// one seed entry plus the transfer
	if snap.Account.Version != 2 || snap.Account.LastSeq != 2 {
		t.Fatalf("unexpected version/seq %d/%d", snap.Account.Version, snap.Account.LastSeq)
	}
}

func TestInMemoryStore_RejectsMalformedMovements(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	openPair(t, s, 1_000)

	cases := map[string]struct {
		req  AppendRequest
		want error
	}{
		"unbalanced": {
			req: AppendRequest{MovementID: "x1", Postings: []Posting{
				{AccountID: "wallet:a", Amount: -10, ExpectedVersion: 1},
				{AccountID: "wallet:b", Amount: 9},
			}},
			want: ErrUnbalancedMovement,
		},
		"single leg": {
			req:  AppendRequest{MovementID: "x2", Postings: []Posting{{AccountID: "wallet:a", Amount: 10}}},
			want: ErrUnbalancedMovement,
		},
		"zero amount": {
			req: AppendRequest{MovementID: "x3", Postings: []Posting{
				{AccountID: "wallet:a", Amount: 0, ExpectedVersion: 1},
				{AccountID: "wallet:b", Amount: 0},
			}},
			want: ErrInvalidAmount,
		},
		"same account": {
			req: AppendRequest{MovementID: "x4", Postings: []Posting{
				{AccountID: "wallet:a", Amount: -5, ExpectedVersion: 1},
				{AccountID: "wallet:a", Amount: 5, ExpectedVersion: 1},
			}},
			want: ErrSelfTransfer,
		},
		"unknown account": {
			req: AppendRequest{MovementID: "x5", Postings: []Posting{
				{AccountID: "wallet:a", Amount: -5, ExpectedVersion: 1},
				{AccountID: "wallet:zz", Amount: 5},
			}},
			want: ErrAccountNotFound,
		},
		"insufficient": {
			req:  transferRequest(t, s, "x6", "", 5_000),
			want: ErrInsufficientFunds,
		},
		"sum wraps to zero": {
			req: AppendRequest{MovementID: "x7", Postings: []Posting{
				{AccountID: "wallet:a", Amount: math.MaxInt64, ExpectedVersion: 1},
				{AccountID: "wallet:b", Amount: math.MaxInt64},
				{AccountID: "wallet:c", Amount: 2},
			}},
			want: ErrUnbalancedMovement,
		},
	}
	for name, tc := range cases {
		if _, err := s.Append(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}

	snap, _ := s.Snapshot(ctx, "wallet:a")
	if snap.Balance != 1_000 || snap.Account.Version != 1 {
		t.Fatalf("rejected movements must not persist, balance=%d version=%d", snap.Balance, snap.Account.Version)
	}
	if _, err := s.GetMovement(ctx, "x6"); !errors.Is(err, ErrMovementNotFound) {
		t.Fatalf("rejected movement id must stay unused, got %v", err)
	}
}

func TestAddAmount(t *testing.T) {
	cases := []struct {
		balance, amount, want int64
		ok                    bool
	}{
		{10, -3, 7, true},
		{math.MaxInt64 - 1, 1, math.MaxInt64, true},
		{math.MaxInt64, 1, 0, false},
		{math.MinInt64 + 1, -1, math.MinInt64, true},
		{math.MinInt64, -1, 0, false},
		{-math.MaxInt64, -math.MaxInt64, 0, false},
	}
	for _, tc := range cases {
		got, ok := AddAmount(tc.balance, tc.amount)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("AddAmount(%d, %d) = %d, %v; want %d, %v", tc.balance, tc.amount, got, ok, tc.want, tc.ok)
		}
	}
}

func TestInMemoryStore_RejectsBalanceOverflow(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	openPair(t, s, math.MaxInt64)

	// the treasury can still absorb one more unit, the wallet cannot
	err := SeedBalance(ctx, s, "wallet:a", 1)
	if !errors.Is(err, ErrBalanceOverflow) || !IsValidation(err) {
		t.Fatalf("expected balance overflow, got %v", err)
	}
	snap, _ := s.Snapshot(ctx, "wallet:a")
	if snap.Balance != math.MaxInt64 || snap.Account.Version != 1 {
		t.Fatalf("overflowing credit must not persist, balance=%d version=%d", snap.Balance, snap.Account.Version)
	}

	err = SeedBalance(ctx, s, "wallet:b", math.MaxInt64)
	if !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected treasury debit overflow, got %v", err)
	}
	if b, _ := s.Snapshot(ctx, "wallet:b"); b.Balance != 0 {
		t.Fatalf("expected wallet:b untouched, got %d", b.Balance)
	}
}

func TestInMemoryStore_VersionConflict(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	openPair(t, s, 1_000)

	stale := transferRequest(t, s, "mv-stale", "", 100)
	if _, err := s.Append(ctx, transferRequest(t, s, "mv-first", "", 100)); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := s.Append(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	snap, _ := s.Snapshot(ctx, "wallet:b")
	if snap.Balance != 100 {
		t.Fatalf("expected only one credit, got %d", snap.Balance)
	}
}

func TestInMemoryStore_DuplicateTransaction(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	openPair(t, s, 5_000)

	first, err := s.Append(ctx, transferRequest(t, s, "mv-1", "dup", 500))
	if err != nil {
		t.Fatalf("initial append failed: %v", err)
	}

	prior, err := s.Append(ctx, transferRequest(t, s, "mv-1", "", 500))
	if !errors.Is(err, ErrDuplicateTransaction) || prior.ID != first.ID {
		t.Fatalf("expected duplicate by movement id, got %v (%s)", err, prior.ID)
	}

	prior, err = s.Append(ctx, transferRequest(t, s, "mv-2", "dup", 500))
	if !errors.Is(err, ErrDuplicateTransaction) || prior.ID != first.ID {
		t.Fatalf("expected duplicate by key, got %v (%s)", err, prior.ID)
	}

	// a key outside its horizon may be used again
	req := transferRequest(t, s, "mv-3", "dup", 500)
	req.KeyHorizon = time.Now().Add(time.Hour)
	if _, err := s.Append(ctx, req); err != nil {
		t.Fatalf("expected expired key to be reusable, got %v", err)
	}

	found, err := s.FindMovementByKey(ctx, "dup", time.Time{})
	if err != nil || found.ID != "mv-3" {
		t.Fatalf("expected newest movement for key, got %v (%s)", err, found.ID)
	}
}

func TestInMemoryStore_ReadEntriesIsLazyAndRestartable(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	openPair(t, s, 1_000)
	for i := range 4 {
		if _, err := s.Append(ctx, transferRequest(t, s, fmt.Sprintf("mv-%d", i), "", 10)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	seq := s.ReadEntries(ctx, "wallet:a", 3)
	collect := func() []int64 {
		var seqs []int64
		for e, err := range seq {
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			seqs = append(seqs, e.Seq)
		}
		return seqs
	}
	first := collect()
	if fmt.Sprint(first) != "[3 4 5]" {
		t.Fatalf("unexpected sequence %v", first)
	}
	if again := collect(); fmt.Sprint(again) != fmt.Sprint(first) {
		t.Fatalf("restart produced %v, want %v", again, first)
	}

	var stopped int
	for range s.ReadEntries(ctx, "wallet:a", 1) {
		stopped++
		if stopped == 2 {
			break
		}
	}
	if stopped != 2 {
		t.Fatalf("expected early stop after 2 entries, got %d", stopped)
	}

	var balance int64
	for e, err := range s.ReadEntries(ctx, "wallet:a", 0) {
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		balance += e.Amount
		if balance != e.BalanceAfter {
			t.Fatalf("snapshot drift at seq %d: fold=%d snapshot=%d", e.Seq, balance, e.BalanceAfter)
		}
	}

	for _, err := range s.ReadEntries(ctx, "wallet:missing", 1) {
		if !errors.Is(err, ErrAccountNotFound) {
			t.Fatalf("expected account not found, got %v", err)
		}
	}
}

func TestInMemoryStore_ClosedAccount(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	openPair(t, s, 1_000)

	req := transferRequest(t, s, "mv-1", "", 10)
	b, _ := s.GetAccount(ctx, "wallet:b")
	if _, err := s.CloseAccount(ctx, "wallet:b", b.Version+1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict on stale close, got %v", err)
	}
	closed, err := s.CloseAccount(ctx, "wallet:b", b.Version)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != AccountClosed || closed.Version != b.Version+1 {
		t.Fatalf("unexpected closed account %+v", closed)
	}
	if _, err := s.CloseAccount(ctx, "wallet:b", 0); err != nil {
		t.Fatalf("closing twice should be a no-op, got %v", err)
	}

	// the request observed the pre-close version
	if _, err := s.Append(ctx, req); !errors.Is(err, ErrAccountClosed) {
		t.Fatalf("expected account closed, got %v", err)
	}
}

func TestInMemoryStore_Reversal(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	openPair(t, s, 1_000)

	mv, err := s.Append(ctx, transferRequest(t, s, "mv-1", "", 300))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	reverse := func(id string) AppendRequest {
		req := AppendRequest{MovementID: id, ReversalOf: mv.ID}
		for _, e := range mv.Entries {
			acc, _ := s.GetAccount(ctx, e.AccountID)
			req.Postings = append(req.Postings, Posting{AccountID: e.AccountID, Amount: -e.Amount, ExpectedVersion: acc.Version, ReversalOf: e.ID})
		}
		return req
	}
	comp, err := s.Append(ctx, reverse("rv-1"))
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	for _, e := range comp.Entries {
		if e.Status != EntryReversed || e.ReversalOf == "" {
			t.Fatalf("compensating entry not marked: %+v", e)
		}
	}
	if _, err := s.Append(ctx, reverse("rv-2")); !errors.Is(err, ErrAlreadyReversed) {
		t.Fatalf("expected already reversed, got %v", err)
	}
	snap, _ := s.Snapshot(ctx, "wallet:a")
	if snap.Balance != 1_000 {
		t.Fatalf("expected balance restored to 1000, got %d", snap.Balance)
	}
}

func TestInMemoryStore_OverdraftPolicy(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.CreateAccount(ctx, NewAccount{ID: "wallet:a", Currency: "USD", Overdraft: Overdraft{Allowed: true, Limit: 50}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateAccount(ctx, NewAccount{ID: "wallet:b", Currency: "USD"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Append(ctx, transferRequest(t, s, "mv-1", "", 50)); err != nil {
		t.Fatalf("expected overdraft within limit, got %v", err)
	}
	if _, err := s.Append(ctx, transferRequest(t, s, "mv-2", "", 1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected limit to be enforced, got %v", err)
	}
}

func TestInMemoryStore_CurrencyMismatch(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	treasury, err := EnsureTreasury(ctx, s, "USD")
	if err != nil {
		t.Fatalf("treasury: %v", err)
	}
	if _, err := s.CreateAccount(ctx, NewAccount{ID: "wallet:eur", Currency: "EUR"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = s.Append(ctx, AppendRequest{MovementID: "fx", Postings: []Posting{
		{AccountID: treasury.ID, Amount: -10, ExpectedVersion: treasury.Version},
		{AccountID: "wallet:eur", Amount: 10},
	}})
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}
}

func TestInMemoryStore_ConcurrentAppends(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	openPair(t, s, 100_000)

	const workers = 10
	const amount = int64(500)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				req := transferRequest(t, s, fmt.Sprintf("tx-%d", i), "", amount)
				_, err := s.Append(ctx, req)
				if errors.Is(err, ErrVersionConflict) {
					continue
				}
				if err != nil {
					t.Errorf("append %d failed: %v", i, err)
				}
				return
			}
		}(i)
	}
	wg.Wait()

	a, _ := s.Snapshot(ctx, "wallet:a")
	b, _ := s.Snapshot(ctx, "wallet:b")
	if a.Balance+b.Balance != 100_000 {
		t.Fatalf("ledger not balanced, total=%d", a.Balance+b.Balance)
	}
	if b.Balance != workers*amount {
		t.Fatalf("expected b=%d, got %d", workers*amount, b.Balance)
	}
	if b.Account.LastSeq != workers {
		t.Fatalf("expected %d entries on b, got %d", workers, b.Account.LastSeq)
	}
}

func TestInMemoryStore_DisjointAccountsDoNotConflict(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	for _, id := range []string{"a1", "b1", "a2", "b2"} {
		if _, err := s.CreateAccount(ctx, NewAccount{ID: id, Currency: "USD", Overdraft: Overdraft{Allowed: true}}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	var wg sync.WaitGroup
	for _, pair := range [][2]string{{"a1", "b1"}, {"a2", "b2"}} {
		wg.Add(1)
		go func(from, to string) {
			defer wg.Done()
			for i := range 50 {
				req := AppendRequest{MovementID: fmt.Sprintf("%s-%d", from, i), Postings: []Posting{
					{AccountID: from, Amount: -1, ExpectedVersion: int64(i)},
					{AccountID: to, Amount: 1, ExpectedVersion: int64(i)},
				}}
				if _, err := s.Append(ctx, req); err != nil {
					t.Errorf("append %s: %v", req.MovementID, err)
					return
				}
			}
		}(pair[0], pair[1])
	}
	wg.Wait()
}

func TestCreateAccount_Existing(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	first, err := s.CreateAccount(ctx, NewAccount{ID: "wallet:a", Currency: "USD"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := s.CreateAccount(ctx, NewAccount{ID: "wallet:a", Currency: "EUR"})
	if !errors.Is(err, ErrAccountExists) || again.Currency != first.Currency {
		t.Fatalf("expected existing account, got %v %+v", err, again)
	}
}
