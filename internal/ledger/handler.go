package ledger

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// IdempotencyKeyHeader carries the caller's idempotency key on mutations.
const IdempotencyKeyHeader = "Idempotency-Key"

// Handler exposes the ledger over HTTP. Apps using it must run fiber with Immutable
// enabled because request values end up in stores that outlive the request.
type Handler struct {
	processor *Processor
	queries   *QueryService
}

// NewHandler constructs a ledger HTTP handler.
func NewHandler(processor *Processor, queries *QueryService) *Handler {
	return &Handler{processor: processor, queries: queries}
}

type mutationRequest struct {
	AccountKind string `json:"account_kind"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
}

type entryResponse struct {
	ID               string    `json:"id"`
	IdempotencyKey   string    `json:"idempotency_key"`
	Kind             string    `json:"kind"`
	Amount           int64     `json:"amount"`
	Reason           string    `json:"reason"`
	ResultingBalance int64     `json:"resulting_balance"`
	AppliedAt        time.Time `json:"applied_at"`
}

type mutationResponse struct {
	AccountID string        `json:"account_id"`
	Balance   int64         `json:"balance"`
	Entry     entryResponse `json:"entry"`
	Replayed  bool          `json:"replayed"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Credit awards coins to the account in the path.
func (h *Handler) Credit(c *fiber.Ctx) error {
	return h.mutate(c, h.processor.Credit)
}

// Debit spends coins from the account in the path.
func (h *Handler) Debit(c *fiber.Ctx) error {
	return h.mutate(c, h.processor.Debit)
}

func (h *Handler) mutate(c *fiber.Ctx, apply func(context.Context, Request) (Result, error)) error {
	var req mutationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(errorResponse{Error: err.Error(), Code: "invalid_body"})
	}

	accountID := c.Params("accountId")
	res, err := apply(c.UserContext(), Request{
		AccountID:      accountID,
		AccountKind:    AccountKind(req.AccountKind),
		Amount:         req.Amount,
		IdempotencyKey: c.Get(IdempotencyKeyHeader),
		Reason:         req.Reason,
	})
	if err != nil {
		return writeError(c, err)
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(mutationResponse{
		AccountID: accountID,
		Balance:   res.Balance,
		Entry:     toEntryResponse(res.Entry),
		Replayed:  res.Replayed,
	})
}

// readKind returns the optional account_kind query parameter used when a read creates the account.
func readKind(c *fiber.Ctx) AccountKind {
	return AccountKind(c.Query("account_kind", string(AccountKindStudent)))
}

// Balance returns the current balance of the account in the path.
func (h *Handler) Balance(c *fiber.Ctx) error {
	rec, err := h.queries.GetBalanceAs(c.UserContext(), c.Params("accountId"), readKind(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id":   rec.AccountID,
		"account_kind": rec.AccountKind,
		"balance":      rec.Balance,
		"version":      rec.Version,
		"last_updated": rec.LastUpdated,
	})
}

// History lists the most recent entries of the account in the path.
func (h *Handler) History(c *fiber.Ctx) error {
	accountID := c.Params("accountId")
	entries, err := h.queries.GetHistory(c.UserContext(), accountID, c.QueryInt("limit", 0))
	if err != nil {
		return writeError(c, err)
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id": accountID,
		"entries":    out,
	})
}

// Audit reports whether the balance matches its transaction log.
func (h *Handler) Audit(c *fiber.Ctx) error {
	report, err := h.queries.AuditAs(c.UserContext(), c.Params("accountId"), readKind(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id": report.AccountID,
		"balance":    report.Balance,
		"version":    report.Version,
		"entries":    report.Entries,
		"credited":   report.Credited,
		"debited":    report.Debited,
		"consistent": report.Consistent,
	})
}

func toEntryResponse(e Entry) entryResponse {
	return entryResponse{
		ID:               e.ID,
		IdempotencyKey:   e.IdempotencyKey,
		Kind:             string(e.Kind),
		Amount:           e.Amount,
		Reason:           e.Reason,
		ResultingBalance: e.ResultingBalance,
		AppliedAt:        e.AppliedAt,
	}
}

// StatusFor maps a ledger error to an HTTP status and a stable error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidAccount):
		return http.StatusBadRequest, "invalid_account"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrAmountExceedsCap):
		return http.StatusBadRequest, "amount_exceeds_cap"
	case errors.Is(err, ErrMissingIdempotencyKey):
		return http.StatusBadRequest, "missing_idempotency_key"
	case errors.Is(err, ErrInvalidIdempotencyKey):
		return http.StatusBadRequest, "invalid_idempotency_key"
	case errors.Is(err, ErrInvalidReason):
		return http.StatusBadRequest, "invalid_reason"
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, ErrIdempotencyKeyReused):
		return http.StatusConflict, "idempotency_key_reused"
	case errors.Is(err, ErrContention):
		return http.StatusServiceUnavailable, "contention"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *fiber.Ctx, err error) error {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return c.Status(status).JSON(errorResponse{Error: msg, Code: code})
}
