package wallet

import (
	"math"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet-ledger/internal/middleware"
)

// Handler exposes the wallet API over HTTP.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, validate: validator.New()}
}

// maxTTLSeconds is the largest ttl_seconds that still fits a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

type reserveRequest struct {
	AccountID   string `json:"account_id" validate:"required"`
	Currency    string `json:"currency" validate:"required"`
	Amount      int64  `json:"amount" validate:"gt=0"`
	ReferenceID string `json:"reference_id" validate:"required,max=128"`
	TTLSeconds  int64  `json:"ttl_seconds" validate:"gte=0"`
}

type commitRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	Currency  string `json:"currency" validate:"required"`
}

type postingRequest struct {
	AccountID   string `json:"account_id" validate:"required"`
	Currency    string `json:"currency" validate:"required"`
	Amount      int64  `json:"amount" validate:"gt=0"`
	ReferenceID string `json:"reference_id" validate:"required,max=128"`
}

type errorResponse struct {
	Error     Kind   `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Reserve handles POST /v1/reservations.
func (h *Handler) Reserve(c *fiber.Ctx) error {
	var req reserveRequest
	if err := h.bind(c, &req); err != nil {
		return respondError(c, err)
	}
	if req.TTLSeconds > maxTTLSeconds {
		return respondError(c, invalid("ttl_seconds is out of range"))
	}
	handle, err := h.service.ReserveBalance(c.UserContext(), tenant(c), req.AccountID, req.Currency, req.Amount, req.ReferenceID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return respondError(c, err)
	}
	status := http.StatusCreated
	if handle.Replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(handle)
}

// GetReservation handles GET /v1/reservations/:id.
func (h *Handler) GetReservation(c *fiber.Ctx) error {
	handle, err := h.service.GetReservation(c.UserContext(), tenant(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(handle)
}

// Commit handles POST /v1/reservations/:id/commit.
func (h *Handler) Commit(c *fiber.Ctx) error {
	var req commitRequest
	if err := h.bind(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := h.service.CommitReservation(c.UserContext(), tenant(c), c.Params("id"), Destination{AccountID: req.AccountID, Currency: req.Currency})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(res)
}

// Release handles POST /v1/reservations/:id/release.
func (h *Handler) Release(c *fiber.Ctx) error {
	if err := h.service.ReleaseReservation(c.UserContext(), tenant(c), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// Credit handles POST /v1/credits.
func (h *Handler) Credit(c *fiber.Ctx) error {
	var req postingRequest
	if err := h.bind(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := h.service.CreditBalance(c.UserContext(), tenant(c), req.AccountID, req.Currency, req.Amount, req.ReferenceID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(postingStatus(res)).JSON(res)
}

// Debit handles POST /v1/debits.
func (h *Handler) Debit(c *fiber.Ctx) error {
	var req postingRequest
	if err := h.bind(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := h.service.DebitBalance(c.UserContext(), tenant(c), req.AccountID, req.Currency, req.Amount, req.ReferenceID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(postingStatus(res)).JSON(res)
}

// Reverse handles POST /v1/transactions/:id/reverse.
func (h *Handler) Reverse(c *fiber.Ctx) error {
	res, err := h.service.ReverseTransaction(c.UserContext(), tenant(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(postingStatus(res)).JSON(res)
}

// Balance handles GET /v1/accounts/:accountId/pockets/:currency/balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	res, err := h.service.GetBalance(c.UserContext(), tenant(c), c.Params("accountId"), c.Params("currency"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(res)
}

// Entries handles GET /v1/accounts/:accountId/pockets/:currency/entries.
func (h *Handler) Entries(c *fiber.Ctx) error {
	entries, err := h.service.ListEntries(c.UserContext(), tenant(c), c.Params("accountId"), c.Params("currency"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"entries": entries})
}

// Freeze handles POST /v1/accounts/:accountId/pockets/:currency/freeze.
func (h *Handler) Freeze(c *fiber.Ctx) error {
	p, err := h.service.FreezePocket(c.UserContext(), tenant(c), c.Params("accountId"), c.Params("currency"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(p)
}

// Unfreeze handles POST /v1/accounts/:accountId/pockets/:currency/unfreeze.
func (h *Handler) Unfreeze(c *fiber.Ctx) error {
	p, err := h.service.UnfreezePocket(c.UserContext(), tenant(c), c.Params("accountId"), c.Params("currency"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(p)
}

func (h *Handler) bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return invalid("malformed request body")
	}
	if err := h.validate.Struct(out); err != nil {
		return invalid(err.Error())
	}
	return nil
}

func tenant(c *fiber.Ctx) string {
	id, _ := c.Locals(middleware.TenantLocal).(string)
	return id
}

func postingStatus(res TransactionResult) int {
	if res.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func respondError(c *fiber.Ctx, err error) error {
	werr := translate(err)
	return c.Status(werr.Kind.Status()).JSON(errorResponse{Error: werr.Kind, Message: werr.Message, Retryable: werr.Retryable})
}
