package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"wash-kiosk-backend/internal/model"
	"wash-kiosk-backend/internal/store"
)

// mockStore implements store.Store; unset calls panic through the nil embed.
type mockStore struct {
	store.Store
	ListRefundsFunc        func(ctx context.Context, limit int) ([]model.RefundRecord, error)
	UpsertSubscriptionFunc func(ctx context.Context, sub *model.PushSubscription) error
	GetSubscriptionFunc    func(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscriptionFunc func(ctx context.Context, endpoint string) error
}

func (m *mockStore) ListRefunds(ctx context.Context, limit int) ([]model.RefundRecord, error) {
	return m.ListRefundsFunc(ctx, limit)
}

func (m *mockStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	return m.UpsertSubscriptionFunc(ctx, sub)
}

func (m *mockStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	return m.GetSubscriptionFunc(ctx, endpoint)
}

func (m *mockStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return m.DeleteSubscriptionFunc(ctx, endpoint)
}

func testPushOptions() *webpush.Options {
	return &webpush.Options{VAPIDPublicKey: "BPub", VAPIDPrivateKey: "priv", Subscriber: "ops@example.com", TTL: 300}
}

func setupSubscriptionRouter(s store.Store) *gin.Engine {
	return setupSubscriptionRouterWith(s, testPushOptions())
}

func setupSubscriptionRouterWith(s store.Store, opts *webpush.Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewHandler(nil, s, opts)
	r.GET("/api/subscriptions", handler.GetSubscription)
	r.PUT("/api/subscriptions", handler.PutSubscription)
	r.DELETE("/api/subscriptions", handler.DeleteSubscription)
	r.GET("/api/vapid_public_key", handler.GetVAPIDPublicKey)
	return r
}

func TestPutSubscription(t *testing.T) {
	testCases := []struct {
		name           string
		body           string
		upsertErr      error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Missing body",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":"invalid request"}`,
		},
		{
			name:           "Missing keys",
			body:           `{"endpoint":"https://push.example/abc"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":"invalid request"}`,
		},
		{
			name:           "Subscription is stored",
			body:           `{"endpoint":"https://push.example/abc","p256dh":"key","auth":"secret"}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Store failure",
			body:           `{"endpoint":"https://push.example/abc","p256dh":"key","auth":"secret"}`,
			upsertErr:      errors.New("database is down"),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"error":"database is down"}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var stored *model.PushSubscription
			router := setupSubscriptionRouter(&mockStore{
				UpsertSubscriptionFunc: func(ctx context.Context, sub *model.PushSubscription) error {
					stored = sub
					return tc.upsertErr
				},
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodPut, "/api/subscriptions", bytes.NewBufferString(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.expectedStatus, w.Code)
			if tc.expectedBody != "" {
				assert.JSONEq(t, tc.expectedBody, w.Body.String())
			}
			if tc.expectedStatus == http.StatusCreated {
				assert.Equal(t, "https://push.example/abc", stored.Endpoint)
				assert.Equal(t, "key", stored.P256DH)
				assert.Equal(t, "secret", stored.Auth)
			}
		})
	}
}

func TestGetSubscription(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name           string
		query          string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Missing endpoint",
			query:          "",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":"endpoint is required"}`,
		},
		{
			name:           "Unknown endpoint",
			query:          "?endpoint=https://push.example/missing",
			expectedStatus: http.StatusNotFound,
			expectedBody:   `{"error":"subscription not found"}`,
		},
		{
			name:           "Endpoint is matched without decoding",
			query:          "?endpoint=https://push.example/a%2Bb",
			expectedStatus: http.StatusOK,
			expectedBody:   `{"endpoint":"https://push.example/a%2Bb","created_at":"2026-03-01T12:00:00Z"}`,
		},
	}

	router := setupSubscriptionRouter(&mockStore{
		GetSubscriptionFunc: func(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
			if endpoint != "https://push.example/a%2Bb" {
				return nil, store.ErrNotFound
			}
			return &model.PushSubscription{Endpoint: endpoint, CreatedAt: created}, nil
		},
	})

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/api/subscriptions"+tc.query, nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.expectedStatus, w.Code)
			assert.JSONEq(t, tc.expectedBody, w.Body.String())
		})
	}
}

func TestDeleteSubscription(t *testing.T) {
	var deleted string
	router := setupSubscriptionRouter(&mockStore{
		DeleteSubscriptionFunc: func(ctx context.Context, endpoint string) error {
			deleted = endpoint
			return nil
		},
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodDelete, "/api/subscriptions", bytes.NewBufferString(`{"endpoint":"https://push.example/abc"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://push.example/abc", deleted)
}

func TestGetVAPIDPublicKey(t *testing.T) {
	testCases := []struct {
		name         string
		opts         *webpush.Options
		expectedBody string
	}{
		{
			name:         "Alerts configured",
			opts:         testPushOptions(),
			expectedBody: `{"enabled":true,"public_key":"BPub","ttl":300}`,
		},
		{
			name:         "No push options",
			expectedBody: `{"enabled":false}`,
		},
		{
			name:         "Private key missing",
			opts:         &webpush.Options{VAPIDPublicKey: "BPub"},
			expectedBody: `{"enabled":false}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			router := setupSubscriptionRouterWith(nil, tc.opts)

			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/api/vapid_public_key", nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, tc.expectedBody, w.Body.String())
		})
	}
}

func TestPutSubscriptionWhenAlertsDisabled(t *testing.T) {
	router := setupSubscriptionRouterWith(&mockStore{}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPut, "/api/subscriptions",
		bytes.NewBufferString(`{"endpoint":"https://push.example/abc","p256dh":"k","auth":"a"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"operator alerts are disabled"}`, w.Body.String())
}
