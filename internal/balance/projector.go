package balance

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/congo-pay/walletledger/internal/ledger"
	"github.com/congo-pay/walletledger/internal/metrics"
)

// ErrSequenceGap is returned when an account's entries skip a sequence number.
var ErrSequenceGap = errors.New("ledger entry sequence gap")

// Projector serves balances derived from the ledger store. The cache is only a
// read optimisation: whenever it disagrees with the store, the store wins.
type Projector struct {
	store   ledger.Store
	cache   Cache
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProjector wires a projector over store. A nil cache disables caching.
func NewProjector(store ledger.Store, cache Cache, logger *slog.Logger, m *metrics.Metrics) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{store: store, cache: cache, logger: logger, metrics: m}
}

// GetBalance returns the current balance of accountID and the version it reflects.
func (p *Projector) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	if p.cache != nil {
		b, ok, err := p.cache.Get(ctx, accountID)
		if err != nil {
			p.logger.Warn("balance cache read failed", slog.String("account_id", accountID), slog.Any("error", err))
		} else if ok && p.current(ctx, b) {
			p.metrics.IncCache(true)
			return b, nil
		}
		p.metrics.IncCache(false)
	}
	return p.load(ctx, accountID)
}

// current reports whether a cached balance still matches the store's account version.
func (p *Projector) current(ctx context.Context, b Balance) bool {
	acc, err := p.store.GetAccount(ctx, b.AccountID)
	if err != nil {
		p.logger.Warn("account version check failed", slog.String("account_id", b.AccountID), slog.Any("error", err))
		return false
	}
	return acc.Version == b.Version
}

// Invalidate drops the cached balance so the next read re-derives it from the store.
func (p *Projector) Invalidate(ctx context.Context, accountID string) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Delete(ctx, accountID)
}

// Refresh re-reads the store snapshot of every account and caches it. A load
// already in flight may predate the caller's write, so Refresh never joins one.
func (p *Projector) Refresh(ctx context.Context, accountIDs ...string) {
	for _, id := range accountIDs {
		p.group.Forget(id)
		if _, err := p.load(ctx, id); err != nil {
			p.logger.Warn("balance refresh failed", slog.String("account_id", id), slog.Any("error", err))
			if err := p.Invalidate(ctx, id); err != nil {
				p.logger.Error("balance invalidate failed", slog.String("account_id", id), slog.Any("error", err))
			}
		}
	}
}

// load reads the latest snapshot. Concurrent loads of one account share a single store read.
func (p *Projector) load(ctx context.Context, accountID string) (Balance, error) {
	v, err, _ := p.group.Do(accountID, func() (any, error) {
		snap, err := p.store.Snapshot(ctx, accountID)
		if err != nil {
			return Balance{}, err
		}
		b := fromSnapshot(snap, snap.Balance)
		p.remember(ctx, b)
		return b, nil
	})
	if err != nil {
		return Balance{}, err
	}
	return v.(Balance), nil
}

// Rebuild recomputes the balance by folding the full entry sequence and caches the result.
func (p *Projector) Rebuild(ctx context.Context, accountID string) (Balance, error) {
	snap, err := p.store.Snapshot(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	folded, err := Fold(p.store.ReadEntries(ctx, accountID, 1), snap.Account.LastSeq)
	if err != nil {
		return Balance{}, err
	}
	if folded != snap.Balance {
		p.metrics.IncMismatch()
		p.logger.Error("entry fold disagrees with snapshot",
			slog.String("account_id", accountID),
			slog.Int64("folded", folded),
			slog.Int64("snapshot", snap.Balance))
	}
	b := fromSnapshot(snap, folded)
	p.remember(ctx, b)
	return b, nil
}

// Report is the outcome of verifying one account.
type Report struct {
	AccountID string
	Version   int64
	Folded    int64
	Snapshot  int64
	Cached    int64
	CacheHit  bool
}

// Consistent reports whether every observed balance agrees with the fold.
func (r Report) Consistent() bool {
	return r.Folded == r.Snapshot && (!r.CacheHit || r.Cached == r.Folded)
}

// Verify folds the entries of accountID and compares the result with the store
// snapshot and the cache. A disagreeing cache entry is dropped.
func (p *Projector) Verify(ctx context.Context, accountID string) (Report, error) {
	snap, err := p.store.Snapshot(ctx, accountID)
	if err != nil {
		return Report{}, err
	}
	folded, err := Fold(p.store.ReadEntries(ctx, accountID, 1), snap.Account.LastSeq)
	if err != nil {
		return Report{}, err
	}
	report := Report{AccountID: accountID, Version: snap.Account.Version, Folded: folded, Snapshot: snap.Balance}

	if p.cache != nil {
		cached, ok, err := p.cache.Get(ctx, accountID)
		if err != nil {
			return Report{}, err
		}
		// a cached value for a different version is stale, not wrong
		if ok && cached.Version == snap.Account.Version {
			report.CacheHit = true
			report.Cached = cached.Amount
		}
	}

	if !report.Consistent() {
		p.metrics.IncMismatch()
		p.logger.Warn("balance verification failed",
			slog.String("account_id", accountID),
			slog.Int64("folded", report.Folded),
			slog.Int64("snapshot", report.Snapshot),
			slog.Int64("cached", report.Cached))
		if err := p.Invalidate(ctx, accountID); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Fold sums entries in order up to and including seq upTo. It fails on a sequence gap.
func Fold(entries iter.Seq2[ledger.Entry, error], upTo int64) (int64, error) {
	var (
		total int64
		next  int64 = 1
	)
	for e, err := range entries {
		if err != nil {
			return 0, err
		}
		if e.Seq > upTo {
			break
		}
		if e.Seq != next {
			return 0, fmt.Errorf("%w: account %s expected seq %d, got %d", ErrSequenceGap, e.AccountID, next, e.Seq)
		}
		total += e.Amount
		next++
	}
	if next-1 < upTo {
		return 0, fmt.Errorf("%w: expected %d entries, read %d", ErrSequenceGap, upTo, next-1)
	}
	return total, nil
}

func (p *Projector) remember(ctx context.Context, b Balance) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, b); err != nil {
		p.logger.Warn("balance cache write failed", slog.String("account_id", b.AccountID), slog.Any("error", err))
	}
}

func fromSnapshot(snap ledger.Snapshot, amount int64) Balance {
	return Balance{
		AccountID: snap.Account.ID,
		Amount:    amount,
		Currency:  snap.Account.Currency,
		Version:   snap.Account.Version,
		Seq:       snap.Account.LastSeq,
		AsOf:      time.Now().UTC(),
	}
}
