package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletledger/internal/wallet"
)

// RegisterWalletRoutes wires the endpoints of the caller's wallet.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/wallet", h.Get)
	r.Post("/wallet", h.Provision)
	r.Get("/wallet/balance", h.Balance)
	r.Get("/wallet/entries", h.Entries)
	r.Post("/wallet/transfers", h.Transfer)
	r.Post("/movements/:movementId/reverse", h.Reverse)
}
