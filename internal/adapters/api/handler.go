package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes caps request bodies; every payload here is a handful of short fields.
const maxBodyBytes = 64 << 10

// HealthChecker is anything /health can ping.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Keys          ports.KeyService
	Redemptions   ports.RedemptionService
	Subscriptions ports.SubscriptionService
	APIKeys       ports.APIKeyRepository
	// RedeemLimiter throttles POST /v1/redeem per client address. Optional.
	RedeemLimiter ports.AttemptLimiter
	Checks        map[string]HealthChecker
	Logger        *slog.Logger
}

// APIHandler serves the license management and redemption API.
type APIHandler struct {
	keys     ports.KeyService
	redeem   ports.RedemptionService
	subs     ports.SubscriptionService
	apiKeys  ports.APIKeyRepository
	limiter  ports.AttemptLimiter
	checks   map[string]HealthChecker
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAPIHandler creates and returns a new APIHandler instance.
func NewAPIHandler(d Deps) *APIHandler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{
		keys:     d.Keys,
		redeem:   d.Redemptions,
		subs:     d.Subscriptions,
		apiKeys:  d.APIKeys,
		limiter:  d.RedeemLimiter,
		checks:   d.Checks,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// RegisterRoutes registers the API routes with the provided ServeMux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	// Public Routes
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)
	mux.HandleFunc("GET /v1/keys/{code}/status", h.KeyStatus)

	auth := AuthMiddleware(h.apiKeys)
	admin := RequireRole(domain.RoleAdmin)
	service := RequireRole(domain.RoleAdmin, domain.RoleService)
	perIP := RateLimitByIP(h.limiter, "redeem_ip")

	mux.Handle("POST /v1/redeem", perIP(auth(service(http.HandlerFunc(h.Redeem)))))
	mux.Handle("GET /v1/licenses/check", auth(service(http.HandlerFunc(h.CheckLicense))))
	mux.Handle("POST /v1/subscriptions/{id}/hwid", auth(service(http.HandlerFunc(h.ChangeHWID))))
	mux.Handle("GET /v1/users/{id}/subscriptions", auth(service(http.HandlerFunc(h.ListUserSubscriptions))))

	mux.Handle("POST /v1/keys", auth(admin(http.HandlerFunc(h.IssueKeys))))
	mux.Handle("POST /v1/keys/{id}/deactivate", auth(admin(http.HandlerFunc(h.DeactivateKey))))
	mux.Handle("POST /v1/subscriptions/{id}/extend", auth(admin(http.HandlerFunc(h.ExtendSubscription))))
	mux.Handle("POST /v1/subscriptions/{id}/deactivate", auth(admin(http.HandlerFunc(h.DeactivateSubscription))))
	mux.Handle("POST /v1/admin/sweep", auth(admin(http.HandlerFunc(h.Sweep))))
}

// Metrics handles Prometheus metrics scraping requests.
func (h *APIHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// HealthCheck pings every registered dependency.
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "UP"
	details := make(map[string]string, len(h.checks))

	for name, checker := range h.checks {
		if checkErr := checker.Ping(r.Context()); checkErr != nil {
			status = "DEGRADED"
			details[name] = checkErr.Error()
		} else {
			details[name] = "OK"
		}
	}

	code := http.StatusOK
	if status == "DEGRADED" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"details": details,
	})
}

type redeemRequest struct {
	Code   string `json:"code" validate:"required"`
	UserID string `json:"user_id" validate:"required,max=128"`
	HWID   string `json:"hwid" validate:"required,max=255"`
}

func (h *APIHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.redeem.Redeem(r.Context(), ports.RedeemRequest{
		Code:     req.Code,
		UserID:   req.UserID,
		HWID:     req.HWID,
		SourceIP: clientIP(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

func (h *APIHandler) KeyStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.keys.GetStatus(r.Context(), r.PathValue("code"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// CheckLicense answers whether a device currently holds an active subscription.
func (h *APIHandler) CheckLicense(w http.ResponseWriter, r *http.Request) {
	hwid := r.URL.Query().Get("hwid")
	if hwid == "" {
		writeError(w, http.StatusBadRequest, string(domain.KindValidation), "hwid query parameter is required")
		return
	}

	sub, err := h.subs.ActiveForHWID(r.Context(), hwid)
	if errors.Is(err, domain.ErrNotFound) {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":       true,
		"subscription": sub,
	})
}

type issueRequest struct {
	ProductID string     `json:"product_id" validate:"required"`
	Quantity  int        `json:"quantity" validate:"min=1,max=1000"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *APIHandler) IssueKeys(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !h.decode(w, r, &req) {
		return
	}

	keys, err := h.keys.GenerateCodes(r.Context(), ports.IssueRequest{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		IssuedBy:  actorID(r),
		ExpiresAt: req.ExpiresAt,
		IP:        clientIP(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, keys)
}

func (h *APIHandler) DeactivateKey(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.DeactivateKey(r.Context(), r.PathValue("id"), actorID(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type extendRequest struct {
	Days int `json:"days" validate:"min=1,max=36500"`
}

func (h *APIHandler) ExtendSubscription(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !h.decode(w, r, &req) {
		return
	}

	expiresAt, err := h.subs.Extend(r.Context(), r.PathValue("id"), req.Days, actorID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"expires_at": expiresAt})
}

type deactivateRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

func (h *APIHandler) DeactivateSubscription(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	// An empty body is allowed; the reason defaults in the service.
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	if err := h.subs.Deactivate(r.Context(), r.PathValue("id"), req.Reason, actorID(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hwidChangeRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	HWID   string `json:"hwid" validate:"required,max=255"`
}

func (h *APIHandler) ChangeHWID(w http.ResponseWriter, r *http.Request) {
	var req hwidChangeRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.subs.ChangeHWID(r.Context(), ports.HWIDChangeRequest{
		SubscriptionID: r.PathValue("id"),
		UserID:         req.UserID,
		NewHWID:        req.HWID,
		IP:             clientIP(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

func (h *APIHandler) ListUserSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.ListForUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if subs == nil {
		subs = []domain.Subscription{}
	}
	h.writeJSON(w, http.StatusOK, subs)
}

func (h *APIHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.subs.SweepExpired(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

// decode reads and validates a JSON body into dst. On failure it writes the
// 400 response itself and returns false.
func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindValidation), "invalid request body: "+err.Error())
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field())+" failed "+fe.Tag())
			}
			writeError(w, http.StatusBadRequest, string(domain.KindValidation), strings.Join(fields, "; "))
			return false
		}
		writeError(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return false
	}
	return true
}

// statusFor maps a core error kind onto an HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyRedeemed, domain.KindExpired, domain.KindDeactivated,
		domain.KindHWIDConflict, domain.KindAlreadyInactive:
		return http.StatusConflict
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	status := statusFor(de.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "kind", de.Kind, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	// Msg only; the wrapped cause may carry driver detail.
	writeError(w, status, string(de.Kind), de.Msg)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: code, Message: msg}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// actorID names the caller for audit records.
func actorID(r *http.Request) string {
	if id, ok := r.Context().Value(CtxKeyID).(string); ok && id != "" {
		return id
	}
	return "unknown"
}
