package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/congo-pay/walletledger/internal/balance"
	"github.com/congo-pay/walletledger/internal/events"
	"github.com/congo-pay/walletledger/internal/idempotency"
	"github.com/congo-pay/walletledger/internal/ledger"
	"github.com/congo-pay/walletledger/internal/metrics"
)

var (
	// ErrContention is returned once the retry bound is exhausted on version conflicts.
	ErrContention = errors.New("account contention, retry later")

	// ErrNotReversible rejects reversing a movement that is itself a reversal.
	ErrNotReversible = errors.New("movement cannot be reversed")
)

const (
	defaultMaxRetries = 5
	defaultRetryBase  = 5 * time.Millisecond
)

// State is a step of the movement state machine.
type State string

const (
	StateValidating State = "validating"
	StatePosting    State = "posting"
	StatePosted     State = "posted"
	StateRejected   State = "rejected"
	StateRetried    State = "retried"
)

// Request moves Amount minor units of Currency between two accounts.
type Request struct {
	From           string
	To             string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// Result is the terminal outcome of a movement. Replayed marks a result served
// from a prior identical request.
type Result struct {
	ledger.Receipt
	Replayed bool
}

// Options bounds retries.
type Options struct {
	MaxRetries int
	RetryBase  time.Duration
}

// Coordinator validates money movements and applies them atomically through the
// ledger store, retrying on optimistic concurrency conflicts.
type Coordinator struct {
	store      ledger.Store
	guard      *idempotency.Guard
	projector  *balance.Projector
	publisher  events.Publisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxRetries int
	retryBase  time.Duration
	newID      func() string
}

// NewCoordinator wires a coordinator. publisher may be nil.
func NewCoordinator(store ledger.Store, guard *idempotency.Guard, projector *balance.Projector, publisher events.Publisher, logger *slog.Logger, m *metrics.Metrics, opts Options) *Coordinator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      store,
		guard:      guard,
		projector:  projector,
		publisher:  publisher,
		logger:     logger,
		metrics:    m,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		newID:      uuid.NewString,
	}
}

// Transfer debits req.From and credits req.To as one movement.
func (c *Coordinator) Transfer(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	if req.Amount <= 0 {
		return c.reject(events.KindTransfer, started, ledger.ErrInvalidAmount)
	}
	if req.From == "" || req.To == "" {
		return c.reject(events.KindTransfer, started, ledger.ErrAccountNotFound)
	}
	if req.From == req.To {
		return c.reject(events.KindTransfer, started, ledger.ErrSelfTransfer)
	}

	// an omitted currency means the source's, so replays hash the resolved code
	if req.Currency == "" {
		acc, err := c.store.GetAccount(ctx, req.From)
		if err != nil {
			return c.reject(events.KindTransfer, started, err)
		}
		req.Currency = acc.Currency
	}
	hash := idempotency.HashPayload(req.From, req.To, strconv.FormatInt(req.Amount, 10), req.Currency)
	return c.run(ctx, events.KindTransfer, req.IdempotencyKey, hash, started, func(ctx context.Context) (ledger.AppendRequest, error) {
		from, err := c.store.Snapshot(ctx, req.From)
		if err != nil {
			return ledger.AppendRequest{}, err
		}
		to, err := c.store.Snapshot(ctx, req.To)
		if err != nil {
			return ledger.AppendRequest{}, err
		}
		if from.Account.Status == ledger.AccountClosed {
			return ledger.AppendRequest{}, fmt.Errorf("%w: %s", ledger.ErrAccountClosed, req.From)
		}
		if to.Account.Status == ledger.AccountClosed {
			return ledger.AppendRequest{}, fmt.Errorf("%w: %s", ledger.ErrAccountClosed, req.To)
		}
		if from.Account.Currency != req.Currency || to.Account.Currency != req.Currency {
			return ledger.AppendRequest{}, ledger.ErrCurrencyMismatch
		}
		debited, ok := ledger.AddAmount(from.Balance, -req.Amount)
		if !ok {
			return ledger.AppendRequest{}, fmt.Errorf("%w: %s", ledger.ErrBalanceOverflow, req.From)
		}
		if !from.Account.Overdraft.Permits(debited) {
			return ledger.AppendRequest{}, fmt.Errorf("%w: %s", ledger.ErrInsufficientFunds, req.From)
		}
		if _, ok := ledger.AddAmount(to.Balance, req.Amount); !ok {
			return ledger.AppendRequest{}, fmt.Errorf("%w: %s", ledger.ErrBalanceOverflow, req.To)
		}
		return ledger.AppendRequest{
			Postings: []ledger.Posting{
				{AccountID: req.From, Amount: -req.Amount, ExpectedVersion: from.Account.Version},
				{AccountID: req.To, Amount: req.Amount, ExpectedVersion: to.Account.Version},
			},
		}, nil
	})
}

// Reverse posts a compensating movement that negates every leg of movementID.
func (c *Coordinator) Reverse(ctx context.Context, movementID, idempotencyKey string) (Result, error) {
	started := time.Now()
	if movementID == "" {
		return c.reject(events.KindReversal, started, ledger.ErrMovementNotFound)
	}

	hash := idempotency.HashPayload("reverse", movementID)
	return c.run(ctx, events.KindReversal, idempotencyKey, hash, started, func(ctx context.Context) (ledger.AppendRequest, error) {
		original, err := c.store.GetMovement(ctx, movementID)
		if err != nil {
			return ledger.AppendRequest{}, err
		}
		if original.ReversalOf != "" {
			return ledger.AppendRequest{}, ErrNotReversible
		}
		req := ledger.AppendRequest{ReversalOf: original.ID}
		for _, e := range original.Entries {
			snap, err := c.store.Snapshot(ctx, e.AccountID)
			if err != nil {
				return ledger.AppendRequest{}, err
			}
			if snap.Account.Status == ledger.AccountClosed {
				return ledger.AppendRequest{}, fmt.Errorf("%w: %s", ledger.ErrAccountClosed, e.AccountID)
			}
			next, ok := ledger.AddAmount(snap.Balance, -e.Amount)
			if !ok {
				return ledger.AppendRequest{}, fmt.Errorf("%w: %s", ledger.ErrBalanceOverflow, e.AccountID)
			}
			if e.Amount > 0 && !snap.Account.Overdraft.Permits(next) {
				return ledger.AppendRequest{}, fmt.Errorf("%w: %s", ledger.ErrInsufficientFunds, e.AccountID)
			}
			req.Postings = append(req.Postings, ledger.Posting{
				AccountID:       e.AccountID,
				Amount:          -e.Amount,
				ExpectedVersion: snap.Account.Version,
				ReversalOf:      e.ID,
			})
		}
		return req, nil
	})
}

// plan validates against freshly loaded state and returns the postings to append.
type plan func(ctx context.Context) (ledger.AppendRequest, error)

func (c *Coordinator) run(ctx context.Context, kind, key, hash string, started time.Time, build plan) (Result, error) {
	res, err := c.reserve(ctx, key, hash)
	if err != nil {
		return c.finish(kind, started, Result{}, err)
	}
	if res != nil && !res.Fresh {
		c.logger.Debug("movement replayed", slog.String("key", key), slog.String("movement_id", res.Prior.MovementID))
		return c.finish(kind, started, Result{Receipt: res.Prior, Replayed: true}, nil)
	}

	movementID := c.newID()
	attempt := 0
	var (
		posted   ledger.Movement
		replayed bool
	)
	op := func() error {
		attempt++
		c.trace(movementID, StateValidating, attempt)
		req, err := build(ctx)
		if err != nil {
			return c.classify(err)
		}
		req.MovementID = movementID
		req.IdempotencyKey = key
		req.PayloadHash = hash
		if key != "" {
			req.KeyHorizon = c.guard.Horizon()
		}

		c.trace(movementID, StatePosting, attempt)
		mv, err := c.store.Append(ctx, req)
		switch {
		case err == nil:
			posted = mv
			return nil
		case errors.Is(err, ledger.ErrDuplicateTransaction):
			if mv.PayloadHash != hash {
				return backoff.Permanent(idempotency.ErrKeyConflict)
			}
			posted, replayed = mv, true
			return nil
		case errors.Is(err, ledger.ErrVersionConflict):
			c.metrics.IncRetry()
			c.trace(movementID, StateRetried, attempt)
			for _, p := range req.Postings {
				if err := c.projector.Invalidate(ctx, p.AccountID); err != nil {
					c.logger.Warn("balance invalidate failed", slog.String("account_id", p.AccountID), slog.Any("error", err))
				}
			}
			return err
		default:
			return c.classify(err)
		}
	}

	err = backoff.Retry(op, c.backoff(ctx))
	if errors.Is(err, ledger.ErrVersionConflict) {
		err = fmt.Errorf("%w: %d attempts: %v", ErrContention, attempt, err)
	}

	// the outcome must be recorded even if the caller went away
	cleanup := context.WithoutCancel(ctx)
	if err != nil {
		c.release(cleanup, res)
		return c.finish(kind, started, Result{}, err)
	}

	receipt := posted.Receipt()
	if res != nil {
		if ferr := c.guard.Finalize(cleanup, *res, receipt); ferr != nil {
			// the ledger already refuses the key, so a lost record only costs a lookup
			c.logger.Error("idempotency finalize failed", slog.String("key", key), slog.Any("error", ferr))
		}
	}
	accounts := make([]string, 0, len(posted.Entries))
	for _, e := range posted.Entries {
		accounts = append(accounts, e.AccountID)
	}
	c.projector.Refresh(cleanup, accounts...)

	if !replayed {
		c.trace(movementID, StatePosted, attempt)
		c.publish(cleanup, kind, posted)
	}
	return c.finish(kind, started, Result{Receipt: receipt, Replayed: replayed}, nil)
}

// reserve claims key, waiting out a concurrent holder of the same key. An empty
// key skips deduplication.
func (c *Coordinator) reserve(ctx context.Context, key, hash string) (*idempotency.Reservation, error) {
	if key == "" {
		return nil, nil
	}
	var res idempotency.Reservation
	err := backoff.Retry(func() error {
		var err error
		res, err = c.guard.Reserve(ctx, key, hash)
		if errors.Is(err, idempotency.ErrInProgress) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, c.backoff(ctx))
	if errors.Is(err, idempotency.ErrInProgress) {
		return nil, fmt.Errorf("%w: %v", ErrContention, err)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Coordinator) release(ctx context.Context, res *idempotency.Reservation) {
	if res == nil {
		return
	}
	if err := c.guard.Release(ctx, *res); err != nil {
		c.logger.Warn("idempotency release failed", slog.String("key", res.Key), slog.Any("error", err))
	}
}

func (c *Coordinator) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryBase
	exp.MaxInterval = 64 * c.retryBase
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxRetries)), ctx)
}

// classify marks every error but a version conflict as final.
func (c *Coordinator) classify(err error) error {
	if errors.Is(err, ledger.ErrVersionConflict) {
		return err
	}
	return backoff.Permanent(err)
}

func (c *Coordinator) publish(ctx context.Context, kind string, mv ledger.Movement) {
	if c.publisher == nil {
		return
	}
	err := c.publisher.Publish(ctx, events.NewMovementPosted(kind, mv))
	c.metrics.IncEvent(err == nil)
	if err != nil {
		c.logger.Warn("movement event publish failed", slog.String("movement_id", mv.ID), slog.Any("error", err))
	}
}

func (c *Coordinator) trace(movementID string, state State, attempt int) {
	c.logger.Debug("movement state", slog.String("movement_id", movementID), slog.String("state", string(state)), slog.Int("attempt", attempt))
}

func (c *Coordinator) reject(kind string, started time.Time, err error) (Result, error) {
	return c.finish(kind, started, Result{}, err)
}

func (c *Coordinator) finish(kind string, started time.Time, result Result, err error) (Result, error) {
	elapsed := time.Since(started)
	switch {
	case err == nil && result.Replayed:
		c.metrics.ObserveTransfer(kind, "replayed", elapsed)
	case err == nil:
		c.metrics.ObserveTransfer(kind, "posted", elapsed)
	case IsRejection(err):
		c.metrics.ObserveTransfer(kind, string(StateRejected), elapsed)
		c.logger.Info("movement rejected", slog.String("kind", kind), slog.Any("error", err))
	case errors.Is(err, ErrContention):
		c.metrics.ObserveTransfer(kind, "contention", elapsed)
		c.logger.Warn("movement gave up on contention", slog.String("kind", kind), slog.Any("error", err))
	default:
		c.metrics.ObserveTransfer(kind, "error", elapsed)
		c.logger.Error("movement failed", slog.String("kind", kind), slog.Any("error", err))
	}
	return result, err
}

// IsRejection reports whether err is a terminal validation failure that persisted nothing.
func IsRejection(err error) bool {
	return ledger.IsValidation(err) ||
		errors.Is(err, ErrNotReversible) ||
		errors.Is(err, idempotency.ErrKeyConflict) ||
		errors.Is(err, idempotency.ErrKeyRequired)
}
