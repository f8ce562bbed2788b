package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/walletledger/internal/ledger"
	"github.com/congo-pay/walletledger/internal/metrics"
)

var (
	// ErrKeyConflict is returned when a key is reused with a different payload.
	ErrKeyConflict = errors.New("idempotency key reused with a different payload")

	// ErrInProgress is returned while another request holds the reservation for a key.
	ErrInProgress = errors.New("request with this idempotency key is in progress")

	// ErrKeyRequired is returned by Reserve for an empty key.
	ErrKeyRequired = errors.New("idempotency key is required")
)

const (
	defaultTTL                = 24 * time.Hour
	defaultReservationTimeout = 30 * time.Second
)

// Reservation is the outcome of Reserve. A fresh reservation must be finished
// with Finalize or Release; a duplicate carries the prior result.
type Reservation struct {
	Key         string
	PayloadHash string
	Token       string
	Fresh       bool
	Prior       ledger.Receipt
}

// Options tunes record lifetimes.
type Options struct {
	TTL                time.Duration
	ReservationTimeout time.Duration
}

// Guard deduplicates retried movement requests by client-supplied key.
type Guard struct {
	backend            Backend
	store              ledger.Store
	ttl                time.Duration
	reservationTimeout time.Duration
	now                func() time.Time
	logger             *slog.Logger
	metrics            *metrics.Metrics
}

// NewGuard builds a guard. store is consulted to recover movements that were
// posted before their reservation could be finalized.
func NewGuard(backend Backend, store ledger.Store, opts Options, logger *slog.Logger, m *metrics.Metrics) *Guard {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.ReservationTimeout <= 0 {
		opts.ReservationTimeout = defaultReservationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		backend:            backend,
		store:              store,
		ttl:                opts.TTL,
		reservationTimeout: opts.ReservationTimeout,
		now:                func() time.Time { return time.Now().UTC() },
		logger:             logger,
		metrics:            m,
	}
}

// Horizon is the oldest creation time at which a movement still counts as a
// prior use of its key.
func (g *Guard) Horizon() time.Time {
	return g.now().Add(-g.ttl)
}

// Reserve claims key for a request with payloadHash.
func (g *Guard) Reserve(ctx context.Context, key, payloadHash string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrKeyRequired
	}
	now := g.now()
	rec := Record{
		Key:         key,
		PayloadHash: payloadHash,
		Token:       uuid.NewString(),
		State:       StatePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.reservationTimeout),
	}
	existing, created, err := g.backend.Create(ctx, rec)
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	if !created {
		return g.resolve(existing, payloadHash)
	}

	res := Reservation{Key: key, PayloadHash: payloadHash, Token: rec.Token, Fresh: true}

	// A previous attempt may have posted without finalizing.
	mv, err := g.store.FindMovementByKey(ctx, key, now.Add(-g.ttl))
	switch {
	case errors.Is(err, ledger.ErrMovementNotFound):
		return res, nil
	case err != nil:
		g.release(ctx, res)
		return Reservation{}, err
	case mv.PayloadHash != payloadHash:
		g.release(ctx, res)
		return Reservation{}, ErrKeyConflict
	}

	receipt := mv.Receipt()
	if err := g.Finalize(ctx, res, receipt); err != nil {
		g.logger.Error("idempotency recovery finalize failed", slog.String("key", key), slog.Any("error", err))
	}
	g.metrics.IncReplay("ledger")
	g.logger.Info("idempotency key recovered from ledger", slog.String("key", key), slog.String("movement_id", mv.ID))
	return Reservation{Key: key, PayloadHash: payloadHash, Prior: receipt}, nil
}

func (g *Guard) resolve(existing Record, payloadHash string) (Reservation, error) {
	if existing.PayloadHash != payloadHash {
		return Reservation{}, ErrKeyConflict
	}
	if existing.State != StateCompleted || existing.Result == nil {
		return Reservation{}, ErrInProgress
	}
	g.metrics.IncReplay("guard")
	return Reservation{Key: existing.Key, PayloadHash: payloadHash, Prior: *existing.Result}, nil
}

// Finalize stores the terminal result of a fresh reservation.
func (g *Guard) Finalize(ctx context.Context, res Reservation, receipt ledger.Receipt) error {
	now := g.now()
	rec := Record{
		Key:         res.Key,
		PayloadHash: res.PayloadHash,
		Token:       res.Token,
		State:       StateCompleted,
		MovementID:  receipt.MovementID,
		Result:      &receipt,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}
	if err := g.backend.Complete(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	return nil
}

// Release gives the key back after a request that persisted nothing.
func (g *Guard) Release(ctx context.Context, res Reservation) error {
	if !res.Fresh {
		return nil
	}
	if _, err := g.backend.Delete(ctx, res.Key, res.Token); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	return nil
}

func (g *Guard) release(ctx context.Context, res Reservation) {
	if err := g.Release(ctx, res); err != nil {
		g.logger.Warn("idempotency release failed", slog.String("key", res.Key), slog.Any("error", err))
	}
}

// Reap expires reservations whose deadline passed.
func (g *Guard) Reap(ctx context.Context) (int, error) {
	n, err := g.backend.Reap(ctx, g.now())
	if err != nil {
		return 0, err
	}
	g.metrics.AddReaped(n)
	return n, nil
}

// RunReaper reaps on every tick until ctx is done.
func (g *Guard) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = g.reservationTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.Reap(ctx)
			if err != nil {
				g.logger.Error("idempotency reaper failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				g.logger.Info("expired stale idempotency reservations", slog.Int("count", n))
			}
		}
	}
}
