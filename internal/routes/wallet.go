package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet-ledger/internal/wallet"
)

// RegisterWalletRoutes wires the wallet endpoints under r.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/reservations", h.Reserve)
	r.Get("/reservations/:id", h.GetReservation)
	r.Post("/reservations/:id/commit", h.Commit)
	r.Post("/reservations/:id/release", h.Release)

	r.Post("/credits", h.Credit)
	r.Post("/debits", h.Debit)
	r.Post("/transactions/:id/reverse", h.Reverse)

	pockets := r.Group("/accounts/:accountId/pockets/:currency")
	pockets.Get("/balance", h.Balance)
	pockets.Get("/entries", h.Entries)
	pockets.Post("/freeze", h.Freeze)
	pockets.Post("/unfreeze", h.Unfreeze)
}
