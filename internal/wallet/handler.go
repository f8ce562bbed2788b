package wallet

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletledger/internal/events"
	"github.com/congo-pay/walletledger/internal/idempotency"
	"github.com/congo-pay/walletledger/internal/ledger"
	"github.com/congo-pay/walletledger/internal/middleware"
	"github.com/congo-pay/walletledger/internal/transfer"
)

// Handler exposes wallet HTTP endpoints for the authenticated account.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type provisionRequest struct {
	Currency string `json:"currency"`
}

type transferRequest struct {
	ToAccountID string `json:"to_account_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

type walletResponse struct {
	AccountID string    `json:"account_id"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type balanceResponse struct {
	AccountID   string    `json:"account_id"`
	Amount      int64     `json:"amount"`
	Display     string    `json:"display"`
	Currency    string    `json:"currency"`
	AsOfVersion int64     `json:"as_of_version"`
	AsOf        time.Time `json:"as_of"`
}

type entryResponse struct {
	Seq          int64     `json:"seq"`
	MovementID   string    `json:"movement_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Status       string    `json:"status"`
	ReversalOf   string    `json:"reversal_of,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type movementResponse struct {
	MovementID  string                  `json:"movement_id"`
	NewBalances []ledger.AccountBalance `json:"new_balances"`
	Replayed    bool                    `json:"replayed"`
	PostedAt    time.Time               `json:"posted_at"`
}

// Get returns the caller's wallet.
func (h *Handler) Get(c *fiber.Ctx) error {
	wallet, err := h.service.GetWallet(c.UserContext(), subject(c))
	if err != nil {
		return fail(err)
	}
	return c.Status(http.StatusOK).JSON(toWalletResponse(wallet))
}

// Provision opens the caller's wallet.
func (h *Handler) Provision(c *fiber.Ctx) error {
	var req provisionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	wallet, created, err := h.service.Provision(c.UserContext(), ProvisionInput{AccountID: subject(c), Currency: req.Currency})
	if err != nil {
		return fail(err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(toWalletResponse(wallet))
}

// Balance returns the caller's balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	b, err := h.service.GetBalance(c.UserContext(), subject(c))
	if err != nil {
		return fail(err)
	}
	return c.Status(http.StatusOK).JSON(balanceResponse{
		AccountID:   b.AccountID,
		Amount:      b.Amount,
		Display:     events.Major(b.Amount, b.Currency).String(),
		Currency:    b.Currency,
		AsOfVersion: b.AsOfVersion,
		AsOf:        b.AsOf,
	})
}

// Entries returns a page of the caller's statement.
func (h *Handler) Entries(c *fiber.Ctx) error {
	fromSeq := int64(c.QueryInt("from_seq", 1))
	limit := c.QueryInt("limit", defaultHistoryLimit)
	entries, err := h.service.History(c.UserContext(), subject(c), fromSeq, limit)
	if err != nil {
		return fail(err)
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			Seq:          e.Seq,
			MovementID:   e.MovementID,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			Status:       string(e.Status),
			ReversalOf:   e.ReversalOf,
			CreatedAt:    e.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"entries": out})
}

// Transfer moves funds from the caller's wallet.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	key := idempotencyKey(c)
	if key == "" {
		return fiber.NewError(http.StatusBadRequest, "missing Idempotency-Key header")
	}
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.Transfer(c.UserContext(), subject(c), req.ToAccountID, req.Amount, req.Currency, key)
	if err != nil {
		return fail(err)
	}
	return respondMovement(c, res)
}

// Reverse compensates a movement the caller took part in.
func (h *Handler) Reverse(c *fiber.Ctx) error {
	key := idempotencyKey(c)
	if key == "" {
		return fiber.NewError(http.StatusBadRequest, "missing Idempotency-Key header")
	}
	res, err := h.service.Reverse(c.UserContext(), subject(c), c.Params("movementId"), key)
	if err != nil {
		return fail(err)
	}
	return respondMovement(c, res)
}

func respondMovement(c *fiber.Ctx, res TransferResult) error {
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(movementResponse{
		MovementID:  res.MovementID,
		NewBalances: res.NewBalances,
		Replayed:    res.Replayed,
		PostedAt:    res.PostedAt,
	})
}

func toWalletResponse(w Wallet) walletResponse {
	return walletResponse{
		AccountID: w.AccountID,
		Currency:  w.Currency,
		Status:    string(w.Status),
		CreatedAt: w.CreatedAt,
	}
}

func subject(c *fiber.Ctx) string {
	uid, _ := c.Locals(middleware.SubjectKey).(string)
	return uid
}

func idempotencyKey(c *fiber.Ctx) string {
	if key, _ := c.Locals(middleware.IdempotencyKeyLocal).(string); key != "" {
		return key
	}
	return strings.TrimSpace(c.Get(middleware.IdempotencyKeyHeader))
}

func fail(err error) error {
	return fiber.NewError(statusFor(err), err.Error())
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrMovementNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, ledger.ErrUnbalancedMovement),
		errors.Is(err, ledger.ErrBalanceOverflow),
		errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrBalanceNotZero),
		errors.Is(err, transfer.ErrNotReversible),
		errors.Is(err, idempotency.ErrKeyRequired):
		return http.StatusBadRequest
	case errors.Is(err, idempotency.ErrKeyConflict):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrAccountClosed),
		errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, idempotency.ErrInProgress),
		errors.Is(err, transfer.ErrContention):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
