package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/congo-pay/walletledger/internal/balance"
	"github.com/congo-pay/walletledger/internal/ledger"
	"github.com/congo-pay/walletledger/internal/transfer"
)

var (
	// ErrNotFound is returned when no wallet exists for the account identifier.
	ErrNotFound = ledger.ErrAccountNotFound

	// ErrInvalidAccount rejects identifiers reserved for system accounts.
	ErrInvalidAccount = errors.New("invalid account identifier")

	// ErrBalanceNotZero rejects closing a wallet that still holds or owes funds.
	ErrBalanceNotZero = errors.New("wallet balance is not zero")

	// ErrNotParticipant rejects reversing a movement the caller took no part in.
	ErrNotParticipant = errors.New("account is not part of the movement")
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	closeAttempts       = 3
)

// Service is the boundary the HTTP layer calls. It only ever receives already
// authenticated account identifiers.
type Service struct {
	store           ledger.Store
	projector       *balance.Projector
	coordinator     *transfer.Coordinator
	defaultCurrency string
	logger          *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, projector *balance.Projector, coordinator *transfer.Coordinator, defaultCurrency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultCurrency == "" {
		defaultCurrency = "XAF"
	}
	return &Service{
		store:           store,
		projector:       projector,
		coordinator:     coordinator,
		defaultCurrency: strings.ToUpper(defaultCurrency),
		logger:          logger,
	}
}

// ProvisionInput captures data required to open a wallet.
type ProvisionInput struct {
	AccountID string
	Currency  string
	Overdraft ledger.Overdraft
}

// Provision opens the wallet of an owner. Provisioning an existing wallet
// returns it with created set to false.
func (s *Service) Provision(ctx context.Context, input ProvisionInput) (Wallet, bool, error) {
	if strings.TrimSpace(input.AccountID) == "" || ledger.IsSystemAccount(input.AccountID) {
		return Wallet{}, false, ErrInvalidAccount
	}
	currency := input.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}
	if _, err := ledger.EnsureTreasury(ctx, s.store, currency); err != nil {
		return Wallet{}, false, err
	}
	account, err := s.store.CreateAccount(ctx, ledger.NewAccount{
		ID:        input.AccountID,
		Currency:  currency,
		Overdraft: input.Overdraft,
	})
	if errors.Is(err, ledger.ErrAccountExists) {
		return fromAccount(account), false, nil
	}
	if err != nil {
		return Wallet{}, false, err
	}
	s.logger.Info("wallet provisioned", slog.String("account_id", account.ID), slog.String("currency", account.Currency))
	return fromAccount(account), true, nil
}

// GetWallet retrieves wallet metadata.
func (s *Service) GetWallet(ctx context.Context, accountID string) (Wallet, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return Wallet{}, err
	}
	return fromAccount(account), nil
}

// GetBalance returns the balance and the account version it reflects.
func (s *Service) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	b, err := s.projector.GetBalance(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		AccountID:   b.AccountID,
		Amount:      b.Amount,
		Currency:    b.Currency,
		AsOfVersion: b.Version,
		AsOf:        b.AsOf,
	}, nil
}

// Transfer moves amount between two wallets.
func (s *Service) Transfer(ctx context.Context, from, to string, amount int64, currency, idempotencyKey string) (TransferResult, error) {
	if ledger.IsSystemAccount(from) || ledger.IsSystemAccount(to) {
		return TransferResult{}, ErrNotFound
	}
	res, err := s.coordinator.Transfer(ctx, transfer.Request{
		From:           from,
		To:             to,
		Amount:         amount,
		Currency:       currency,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return TransferResult{}, err
	}
	return toResult(res), nil
}

// TopUp funds a wallet from the treasury of its currency.
func (s *Service) TopUp(ctx context.Context, accountID string, amount int64, idempotencyKey string) (TransferResult, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return TransferResult{}, err
	}
	treasury, err := ledger.EnsureTreasury(ctx, s.store, account.Currency)
	if err != nil {
		return TransferResult{}, err
	}
	res, err := s.coordinator.Transfer(ctx, transfer.Request{
		From:           treasury.ID,
		To:             accountID,
		Amount:         amount,
		Currency:       account.Currency,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return TransferResult{}, err
	}
	return toResult(res), nil
}

// Reverse compensates a movement the requester took part in.
func (s *Service) Reverse(ctx context.Context, requester, movementID, idempotencyKey string) (TransferResult, error) {
	mv, err := s.store.GetMovement(ctx, movementID)
	if err != nil {
		return TransferResult{}, err
	}
	if requester != "" && !participates(mv, requester) {
		return TransferResult{}, ErrNotParticipant
	}
	res, err := s.coordinator.Reverse(ctx, movementID, idempotencyKey)
	if err != nil {
		return TransferResult{}, err
	}
	return toResult(res), nil
}

// Close soft-disables an empty wallet.
func (s *Service) Close(ctx context.Context, accountID string) (Wallet, error) {
	if ledger.IsSystemAccount(accountID) {
		return Wallet{}, ErrInvalidAccount
	}
	for attempt := 0; ; attempt++ {
		snap, err := s.store.Snapshot(ctx, accountID)
		if err != nil {
			return Wallet{}, err
		}
		if snap.Account.Status == ledger.AccountClosed {
			return fromAccount(snap.Account), nil
		}
		if snap.Balance != 0 {
			return Wallet{}, ErrBalanceNotZero
		}
		account, err := s.store.CloseAccount(ctx, accountID, snap.Account.Version)
		if errors.Is(err, ledger.ErrVersionConflict) && attempt+1 < closeAttempts {
			continue
		}
		if errors.Is(err, ledger.ErrVersionConflict) {
			return Wallet{}, fmt.Errorf("%w: %v", transfer.ErrContention, err)
		}
		if err != nil {
			return Wallet{}, err
		}
		if err := s.projector.Invalidate(ctx, accountID); err != nil {
			s.logger.Warn("balance invalidate failed", slog.String("account_id", accountID), slog.Any("error", err))
		}
		s.logger.Info("wallet closed", slog.String("account_id", accountID))
		return fromAccount(account), nil
	}
}

// History returns up to limit entries of the wallet starting at fromSeq.
func (s *Service) History(ctx context.Context, accountID string, fromSeq int64, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	entries := make([]ledger.Entry, 0, limit)
	for e, err := range s.store.ReadEntries(ctx, accountID, fromSeq) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func participates(mv ledger.Movement, accountID string) bool {
	for _, e := range mv.Entries {
		if e.AccountID == accountID {
			return true
		}
	}
	return false
}

// toResult drops system account balances from the receipt.
func toResult(res transfer.Result) TransferResult {
	out := TransferResult{
		MovementID: res.MovementID,
		Replayed:   res.Replayed,
		PostedAt:   res.PostedAt,
	}
	for _, b := range res.Balances {
		if !ledger.IsSystemAccount(b.AccountID) {
			out.NewBalances = append(out.NewBalances, b)
		}
	}
	return out
}
