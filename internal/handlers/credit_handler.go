package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/tutorhive/backend/internal/config"
	"github.com/tutorhive/backend/internal/models"
	"github.com/tutorhive/backend/internal/services"
)

type CreditHandler struct {
	ledger    *services.CreditLedgerService
	validator *services.ValidationHelper
}

func NewCreditHandler(ledger *services.CreditLedgerService) *CreditHandler {
	return &CreditHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

type entryView struct {
	models.LedgerEntry
	KindLabel string `json:"kind_label"`
}

// Balance returns the caller's credit balance
// @Summary Get credit balance
// @Description Get the authenticated account's balance, reserved and available credits
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balance=int64,reserved=int64,available=int64}
// @Failure 401 {object} services.ErrorResponse
// @Router /credits/balance [get]
func (h *CreditHandler) Balance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"account_id": account.ID,
		"balance":    account.Balance,
		"reserved":   account.Reserved,
		"available":  account.Available(),
	})
}

// Entries lists the caller's ledger entries
// @Summary List ledger entries
// @Description List the authenticated account's ledger entries, newest first
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Max entries to return"
// @Success 200 {array} object
// @Failure 401 {object} services.ErrorResponse
// @Router /credits/entries [get]
func (h *CreditHandler) Entries(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.ledger.Entries(r.Context(), accountID, limit)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, entryView{
			LedgerEntry: entry,
			KindLabel:   config.EntryKindLabel(string(entry.Kind)),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// Transfer moves credits to another account
// @Summary Transfer credits
// @Description Transfer credits from the authenticated account to another
// @Tags credits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{toAccountId=string,amount=int64,reference=string} true "Transfer request"
// @Success 200 {object} object{success=bool}
// @Failure 400 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /credits/transfer [post]
func (h *CreditHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		ToAccountID string `json:"toAccountId" validate:"required"`
		Amount      int64  `json:"amount" validate:"required,gt=0"`
		Reference   string `json:"reference" validate:"omitempty,max=100"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Clients that do not send their own idempotency reference get a
	// server-generated one, the same way orders reference their id.
	if req.Reference == "" {
		req.Reference = "transfer:" + uuid.NewString()
	}

	if err := h.ledger.Transfer(r.Context(), accountID, req.ToAccountID, req.Amount, req.Reference); err != nil {
		services.SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// Topup credits an account
// @Summary Top up credits
// @Description Credit an account with purchased credits
// @Tags credits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64,reference=string} true "Topup request"
// @Success 200 {object} models.LedgerEntry
// @Failure 400 {object} services.ErrorResponse
// @Router /credits/topup [post]
func (h *CreditHandler) Topup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount    int64  `json:"amount" validate:"required,gt=0"`
		Reference string `json:"reference" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entry, err := h.ledger.Topup(r.Context(), accountID, req.Amount, req.Reference)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// CompleteTask rewards a finished learning task
// @Summary Reward a completed task
// @Description Credit the authenticated account for a completed learning task
// @Tags tasks
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{task_id=string,amount=int64} true "Task completion"
// @Success 200 {object} models.LedgerEntry
// @Failure 400 {object} services.ErrorResponse
// @Router /tasks/complete [post]
func (h *CreditHandler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		TaskID string `json:"task_id" validate:"required"`
		Amount int64  `json:"amount" validate:"required,gt=0"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entry, err := h.ledger.RewardTask(r.Context(), accountID, req.TaskID, req.Amount)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}
