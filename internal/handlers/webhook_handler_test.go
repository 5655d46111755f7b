package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/tutorhive/backend/internal/config"
	"github.com/tutorhive/backend/internal/services"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newWebhookHandler(t *testing.T) (*WebhookHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.LoadCreditsConfig()
	ledger := services.NewCreditLedgerService(db, cfg)
	reservations := services.NewReservationService(db, ledger)
	family := services.NewFamilyService(db, nil, cfg)
	orders := services.NewOrderService(db, ledger, reservations, family, cfg)
	settlement := services.NewSettlementService(db, ledger, orders)
	return NewWebhookHandler(settlement), mock
}

func TestWebhookHandler_PaymentEvent(t *testing.T) {
	viper.Set("webhook.secret_key", "whsec-test")

	t.Run("invalid signature rejected before any work", func(t *testing.T) {
		handler, mock := newWebhookHandler(t)

		body := []byte(`{"id":"evt-1","type":"payment.succeeded","amount":3000}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
		req.Header.Set("X-Webhook-Signature", "deadbeef")
		rec := httptest.NewRecorder()

		handler.PaymentEvent(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		handler, mock := newWebhookHandler(t)

		body := []byte(`{"id":"evt-1","type":"payment.succeeded","amount":3000}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		handler.PaymentEvent(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unrecognized event type acknowledged with 200", func(t *testing.T) {
		handler, mock := newWebhookHandler(t)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO payment_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body := []byte(`{"id":"evt-2","type":"customer.updated","amount":0}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
		req.Header.Set("X-Webhook-Signature", sign(body, "whsec-test"))
		rec := httptest.NewRecorder()

		handler.PaymentEvent(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var result services.SettlementResult
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, services.OutcomeIgnored, result.Outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("event without id fails validation", func(t *testing.T) {
		handler, mock := newWebhookHandler(t)

		body := []byte(`{"type":"payment.succeeded","amount":3000}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
		req.Header.Set("X-Webhook-Signature", sign(body, "whsec-test"))
		rec := httptest.NewRecorder()

		handler.PaymentEvent(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
