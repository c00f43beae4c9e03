package controller

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopage_backend/internal/billing"
	"fotopage_backend/internal/model"
	"fotopage_backend/pkg/plan"
)

const testWebhookSecret = "whsec_controller_test"

// stubStore lets each test choose between "nothing exists" and "the store
// is down".
type stubStore struct {
	readErr error
	logs    int
}

func (s *stubStore) SubscriptionByStripeID(context.Context, string) (*model.Subscription, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (s *stubStore) UserByID(context.Context, uint) (*model.User, error) {
	return nil, billing.ErrUserNotFound
}

func (s *stubStore) Apply(context.Context, *model.Subscription, *model.User) error {
	return nil
}

func (s *stubStore) LogUnresolved(context.Context, *model.EventLog) error {
	s.logs++
	return nil
}

func newTestApp(t *testing.T, store billing.Store) *fiber.App {
	t.Helper()

	prices, err := plan.NewPriceResolver(nil)
	require.NoError(t, err)
	reconciler := billing.NewReconciler(plan.Default(), prices, store, nil)

	app := fiber.New()
	wc := NewWebhookController(testWebhookSecret, reconciler)
	app.Post("/api/billing/webhook", wc.HandleBillingWebhook)
	return app
}

func signature(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(t *testing.T, app *fiber.App, payload []byte, sig string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest("POST", "/api/billing/webhook", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", sig)

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		body = nil
	}
	return resp.StatusCode, body
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	app := newTestApp(t, &stubStore{})
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","api_version":"2022-11-15","data":{"object":{}}}`)

	status, body := postWebhook(t, app, payload, "t=1,v1=deadbeef")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, body["error"], "signature")
}

func TestWebhookAcknowledgesUnknownType(t *testing.T) {
	app := newTestApp(t, &stubStore{})
	payload := []byte(`{"id":"evt_2","type":"customer.tax_id.created","api_version":"2022-11-15","data":{"object":{"id":"txi_1"}}}`)

	status, body := postWebhook(t, app, payload, signature(payload, testWebhookSecret))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["received"])
}

func TestWebhookAcknowledgesParkedEvent(t *testing.T) {
	// A checkout without plan context is logged for manual follow-up but
	// still answered with success; retrying would not fix the payload.
	store := &stubStore{}
	app := newTestApp(t, store)
	payload := []byte(`{"id":"evt_3","type":"checkout.session.completed","api_version":"2022-11-15","data":{"object":{"id":"cs_1","subscription":"sub_1","client_reference_id":"9"}}}`)

	status, body := postWebhook(t, app, payload, signature(payload, testWebhookSecret))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, 1, store.logs)
}

func TestWebhookSignalsRetryOnStoreFailure(t *testing.T) {
	app := newTestApp(t, &stubStore{readErr: errors.New("store: connection refused")})
	payload := []byte(`{"id":"evt_4","type":"customer.subscription.updated","api_version":"2022-11-15","data":{"object":{"id":"sub_1","status":"active"}}}`)

	status, _ := postWebhook(t, app, payload, signature(payload, testWebhookSecret))
	assert.Equal(t, fiber.StatusInternalServerError, status)
}
