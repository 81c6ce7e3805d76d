package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/edutech-labs/coinledger/internal/ledger"
)

// RegisterLedgerRoutes wires coin endpoints. The mutation middlewares only guard credit and debit.
func RegisterLedgerRoutes(r fiber.Router, h *ledger.Handler, mutations ...fiber.Handler) {
	guarded := func(final fiber.Handler) []fiber.Handler {
		chain := make([]fiber.Handler, 0, len(mutations)+1)
		chain = append(chain, mutations...)
		return append(chain, final)
	}
	r.Post("/:accountId/credit", guarded(h.Credit)...)
	r.Post("/:accountId/debit", guarded(h.Debit)...)
	r.Get("/:accountId/balance", h.Balance)
	r.Get("/:accountId/history", h.History)
	r.Get("/:accountId/audit", h.Audit)
}
