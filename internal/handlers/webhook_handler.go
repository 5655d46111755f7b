package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/spf13/viper"

	"github.com/tutorhive/backend/internal/models"
	"github.com/tutorhive/backend/internal/services"
)

// WebhookHandler receives payment-processor webhooks. The signature is an
// HMAC-SHA256 of the raw body, so the body is read before any JSON
// decoding touches it.
type WebhookHandler struct {
	settlement *services.SettlementService
	validator  *services.ValidationHelper
}

func NewWebhookHandler(settlement *services.SettlementService) *WebhookHandler {
	return &WebhookHandler{
		settlement: settlement,
		validator:  services.NewValidationHelper(),
	}
}

// PaymentEvent settles a payment webhook event
// @Summary Receive a payment webhook
// @Description Verify and apply a payment-processor event, exactly once per event id
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Webhook-Signature header string true "HMAC-SHA256 of the raw body, hex"
// @Param request body models.PaymentEvent true "Payment event"
// @Success 200 {object} services.SettlementResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /webhooks/payment [post]
func (h *WebhookHandler) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		services.SendErrorResponse(w, "Failed to read body", http.StatusBadRequest, nil)
		return
	}

	if !verifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		log.Printf("[WEBHOOK] signature verification failed from %s", r.RemoteAddr)
		services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var event models.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		services.SendErrorResponse(w, "Invalid event payload", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&event); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.settlement.Apply(r.Context(), &event)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func verifySignature(body []byte, signature string) bool {
	secret := viper.GetString("webhook.secret_key")
	if secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
