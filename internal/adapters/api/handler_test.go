package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/poyrazK/cloudLicense/internal/core/services"
	"github.com/poyrazK/cloudLicense/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken   = "cl_admin_secret"
	serviceToken = "cl_service_secret"
	testHWID     = "AB12-AB34-CD56-CD78"
	otherHWID    = "EF12-EF34-GH56-GH78"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testServer struct {
	mux   *http.ServeMux
	store *testutil.MemoryStore
}

func newTestServer(t *testing.T, limiter ports.AttemptLimiter) *testServer {
	t.Helper()
	store := testutil.NewMemoryStore()
	store.AddProduct(domain.Product{ID: "pro-30", Name: "Pro Monthly", DurationDays: 30, Price: 9.99, IsActive: true})

	now := time.Now()
	require.NoError(t, store.CreateAPIKey(context.Background(), &domain.APIKey{
		ID: "ak-admin", Name: "ops", KeyHash: HashAPIKey(adminToken), Role: domain.RoleAdmin, Active: true, CreatedAt: now,
	}))
	require.NoError(t, store.CreateAPIKey(context.Background(), &domain.APIKey{
		ID: "ak-service", Name: "storefront", KeyHash: HashAPIKey(serviceToken), Role: domain.RoleService, Active: true, CreatedAt: now,
	}))

	hwid := services.NewHWIDValidator(false, &testutil.CountingLimiter{Limit: domain.MaxHWIDChanges}, nil)
	h := NewAPIHandler(Deps{
		Keys:          services.NewKeyService(store, store, nil, nil, nil),
		Redemptions:   services.NewRedemptionService(store, store, hwid, nil, nil),
		Subscriptions: services.NewSubscriptionService(store, hwid, nil, nil),
		APIKeys:       store,
		RedeemLimiter: limiter,
		Checks:        map[string]HealthChecker{"postgres": store},
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testServer{mux: mux, store: store}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = "203.0.113.9:41000"
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestLicenseLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)

	rr := srv.do(t, "POST", "/v1/keys", adminToken, map[string]interface{}{"product_id": "pro-30", "quantity": 3})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var keys []domain.Key
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&keys))
	require.Len(t, keys, 3)
	assert.Equal(t, "ak-admin", keys[0].GeneratedBy)

	rr = srv.do(t, "POST", "/v1/redeem", serviceToken, map[string]string{"code": keys[0].Code, "user_id": "U1", "hwid": testHWID})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var red domain.Redemption
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&red))
	require.NotNil(t, red.Subscription)
	subID := red.Subscription.ID
	require.NotNil(t, red.Key.RedemptionIP)
	assert.Equal(t, "203.0.113.9", *red.Key.RedemptionIP)

	rr = srv.do(t, "GET", "/v1/keys/"+keys[0].Code+"/status", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view domain.KeyStatusView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&view))
	assert.True(t, view.Exists)
	assert.True(t, view.IsRedeemed)
	assert.NotContains(t, rr.Body.String(), "U1")

	rr = srv.do(t, "POST", "/v1/redeem", serviceToken, map[string]string{"code": keys[0].Code, "user_id": "U2", "hwid": otherHWID})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, string(domain.KindAlreadyRedeemed), decodeError(t, rr).Error)

	rr = srv.do(t, "POST", "/v1/redeem", serviceToken, map[string]string{"code": keys[1].Code, "user_id": "U2", "hwid": testHWID})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, string(domain.KindHWIDConflict), decodeError(t, rr).Error)

	rr = srv.do(t, "GET", "/v1/licenses/check?hwid="+testHWID, serviceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"active":true`)

	rr = srv.do(t, "GET", "/v1/users/U1/subscriptions", serviceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var subs []domain.Subscription
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&subs))
	assert.Len(t, subs, 1)

	rr = srv.do(t, "POST", "/v1/subscriptions/"+subID+"/extend", adminToken, map[string]int{"days": 10})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = srv.do(t, "POST", "/v1/subscriptions/"+subID+"/hwid", serviceToken, map[string]string{"user_id": "U2", "hwid": otherHWID})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = srv.do(t, "POST", "/v1/subscriptions/"+subID+"/hwid", serviceToken, map[string]string{"user_id": "U1", "hwid": otherHWID})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var moved domain.Subscription
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&moved))
	assert.Equal(t, otherHWID, moved.HWID)

	rr = srv.do(t, "POST", "/v1/subscriptions/"+subID+"/deactivate", adminToken, map[string]string{"reason": "refund"})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = srv.do(t, "POST", "/v1/subscriptions/"+subID+"/deactivate", adminToken, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, string(domain.KindAlreadyInactive), decodeError(t, rr).Error)

	rr = srv.do(t, "GET", "/v1/licenses/check?hwid="+otherHWID, serviceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"active":false`)

	rr = srv.do(t, "POST", "/v1/keys/"+keys[2].ID+"/deactivate", adminToken, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = srv.do(t, "POST", "/v1/redeem", serviceToken, map[string]string{"code": keys[2].Code, "user_id": "U3", "hwid": testHWID})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, string(domain.KindDeactivated), decodeError(t, rr).Error)

	rr = srv.do(t, "POST", "/v1/admin/sweep", adminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"count":0}`, rr.Body.String())
}

func TestIssueKeys_Rejections(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name  string
		token string
		body  interface{}
		want  int
	}{
		{"no credentials", "", map[string]interface{}{"product_id": "pro-30", "quantity": 1}, http.StatusUnauthorized},
		{"unknown token", "cl_nope", map[string]interface{}{"product_id": "pro-30", "quantity": 1}, http.StatusUnauthorized},
		{"service role", serviceToken, map[string]interface{}{"product_id": "pro-30", "quantity": 1}, http.StatusForbidden},
		{"zero quantity", adminToken, map[string]interface{}{"product_id": "pro-30", "quantity": 0}, http.StatusBadRequest},
		{"quantity over cap", adminToken, map[string]interface{}{"product_id": "pro-30", "quantity": 1001}, http.StatusBadRequest},
		{"missing product", adminToken, map[string]interface{}{"quantity": 5}, http.StatusBadRequest},
		{"unknown field", adminToken, map[string]interface{}{"product_id": "pro-30", "quantity": 1, "tenant": "x"}, http.StatusBadRequest},
		{"unknown product", adminToken, map[string]interface{}{"product_id": "nope", "quantity": 1}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := srv.do(t, "POST", "/v1/keys", tt.token, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
	assert.Zero(t, srv.store.KeyCount())
}

func TestKeyStatus(t *testing.T) {
	srv := newTestServer(t, nil)

	rr := srv.do(t, "GET", "/v1/keys/not-a-code/status", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, "GET", "/v1/keys/ABCD-EFGH-JKLM-NPQR/status", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view domain.KeyStatusView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&view))
	assert.False(t, view.Exists)
}

func TestRedeem_ValidationBeforeService(t *testing.T) {
	srv := newTestServer(t, nil)

	rr := srv.do(t, "POST", "/v1/redeem", serviceToken, map[string]string{"code": "ABCD-EFGH-JKLM-NPQR", "hwid": testHWID})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr).Message, "userid failed required")

	req := httptest.NewRequest("POST", "/v1/redeem", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+serviceToken)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rr = srv.do(t, "POST", "/v1/redeem", serviceToken, map[string]string{"code": "ABCD-EFGH-JKLM-NPQR", "user_id": "U1", "hwid": testHWID})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRedeem_LongHashHWID(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.store.AddKey(domain.Key{ID: "k-long", Code: "ABCD-EFGH-JKLM-NPQR", ProductID: "pro-30", IsActive: true})

	// 64-byte digests arrive as 128 hex characters.
	long := strings.Repeat("0123456789abcdef", 8)
	rr := srv.do(t, "POST", "/v1/redeem", serviceToken, map[string]string{"code": "ABCD-EFGH-JKLM-NPQR", "user_id": "U1", "hwid": long})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var got domain.Redemption
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, strings.ToUpper(long), got.Subscription.HWID)

	rr = srv.do(t, "POST", "/v1/redeem", serviceToken, map[string]string{"code": "ABCD-EFGH-JKLM-NPQR", "user_id": "U1", "hwid": strings.Repeat("a1", 128)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr).Message, "hwid failed max")
}

func TestExtend_RejectsOversizedDays(t *testing.T) {
	srv := newTestServer(t, nil)
	rr := srv.do(t, "POST", "/v1/subscriptions/sub-1/extend", adminToken, map[string]int{"days": 36501})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr).Message, "days failed max")
}

func TestRedeem_RateLimitedPerIP(t *testing.T) {
	srv := newTestServer(t, &testutil.CountingLimiter{Limit: 1})

	body := map[string]string{"code": "ABCD-EFGH-JKLM-NPQR", "user_id": "U1", "hwid": testHWID}
	rr := srv.do(t, "POST", "/v1/redeem", serviceToken, body)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = srv.do(t, "POST", "/v1/redeem", serviceToken, body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
}

func TestCheckLicense_RequiresHWID(t *testing.T) {
	srv := newTestServer(t, nil)
	rr := srv.do(t, "GET", "/v1/licenses/check", serviceToken, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthCheck(t *testing.T) {
	h := NewAPIHandler(Deps{Checks: map[string]HealthChecker{
		"postgres": pingFunc(func(context.Context) error { return nil }),
		"redis":    pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}})

	rr := httptest.NewRecorder()
	h.HealthCheck(rr, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var resp struct {
		Status  string            `json:"status"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "DEGRADED", resp.Status)
	assert.Equal(t, "OK", resp.Details["postgres"])
	assert.Equal(t, "connection refused", resp.Details["redis"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind domain.Kind
		want int
	}{
		{domain.KindValidation, http.StatusBadRequest},
		{domain.KindNotFound, http.StatusNotFound},
		{domain.KindAlreadyRedeemed, http.StatusConflict},
		{domain.KindExpired, http.StatusConflict},
		{domain.KindDeactivated, http.StatusConflict},
		{domain.KindHWIDConflict, http.StatusConflict},
		{domain.KindAlreadyInactive, http.StatusConflict},
		{domain.KindForbidden, http.StatusForbidden},
		{domain.KindRateLimited, http.StatusTooManyRequests},
		{domain.KindTransientStore, http.StatusServiceUnavailable},
		{domain.KindGenerationExhausted, http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestWriteDomainError_HidesCause(t *testing.T) {
	h := NewAPIHandler(Deps{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/redeem", nil)

	h.writeDomainError(rr, req, domain.WrapError(domain.KindTransientStore, "store contention", errors.New("pq: secret detail")))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	body := decodeError(t, rr)
	assert.Equal(t, "store contention", body.Message)

	rr = httptest.NewRecorder()
	h.writeDomainError(rr, req, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "boom")
}
