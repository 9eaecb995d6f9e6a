package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"orderflow/backend/internal/apperr"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/metrics"
	"orderflow/backend/internal/service"
)

type Options struct {
	AllowedOrigin    string
	OperationTimeout time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Workflow
	// Health is probed by /healthz when set.
	Health func(ctx context.Context) error
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	logger        *zap.Logger
	metrics       *metrics.Workflow
	validate      *validator.Validate
	allowedOrigin string
	timeout       time.Duration
	health        func(ctx context.Context) error
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &API{
		service:       svc,
		auth:          auth,
		logger:        logger.Named("http"),
		metrics:       opts.Metrics,
		validate:      newValidator(),
		allowedOrigin: opts.AllowedOrigin,
		timeout:       timeout,
		health:        opts.Health,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("POST /api/v1/cancellations", a.requireAuth(a.handleCreateCancellation))
	mux.HandleFunc("GET /api/v1/cancellations/mine", a.requireAuth(a.handleMyCancellations))
	mux.HandleFunc("GET /api/v1/policy", a.requireAuth(a.handleGetPolicy))
	mux.HandleFunc("GET /api/v1/returns/eligible-items", a.requireAuth(a.handleEligibleItems))
	mux.HandleFunc("POST /api/v1/returns", a.requireAuth(a.handleCreateReturns))
	mux.HandleFunc("GET /api/v1/returns/mine", a.requireAuth(a.handleMyReturns))
	mux.HandleFunc("GET /api/v1/returns/{id}", a.requireAuth(a.handleGetReturn))
	mux.HandleFunc("POST /api/v1/returns/{id}/cancel", a.requireAuth(a.handleCancelReturn))
	mux.HandleFunc("POST /api/v1/returns/{id}/re-request", a.requireAuth(a.handleReRequestReturn))

	mux.HandleFunc("GET /api/v1/admin/cancellations", a.requireAuth(a.handleListCancellations, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/admin/cancellations/{id}/process", a.requireAuth(a.handleProcessCancellation, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/admin/cancellations/{id}/complete-refund", a.requireAuth(a.handleCompleteRefund, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/admin/refunds", a.requireAuth(a.handleListRefunds, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/admin/returns", a.requireAuth(a.handleListReturns, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/admin/returns/{id}/process", a.requireAuth(a.handleProcessReturn, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/admin/returns/{id}/refund-status", a.requireAuth(a.handleRefundStatus, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/admin/dashboard", a.requireAuth(a.handleDashboard, domain.RoleAdmin))
	mux.HandleFunc("PUT /api/v1/admin/policy", a.requireAuth(a.handleUpdatePolicy, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/admin/orders/{id}/transitions", a.requireAuth(a.handleOrderTransitions, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/admin/orders/{id}/status", a.requireAuth(a.handleChangeOrderStatus, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/admin/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, apperr.New(apperr.CodeForbidden, "forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, apperr.New(apperr.CodeTooSoon, "too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if !a.decode(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateCancellation(w http.ResponseWriter, r *http.Request) {
	var req domain.CancellationCreateRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.RequestCancellation(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleMyCancellations(w http.ResponseWriter, r *http.Request) {
	requests, err := a.service.ListMyCancellations(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (a *API) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	pol, err := a.service.GetPolicy(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": pol})
}

func (a *API) handleEligibleItems(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		orderID = r.URL.Query().Get("order_id")
	}
	items, err := a.service.ListEligibleItems(r.Context(), orderID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCreateReturns(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnCreateRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.CreateReturnRequest(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleMyReturns(w http.ResponseWriter, r *http.Request) {
	requests, err := a.service.ListMyReturns(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (a *API) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	rr, err := a.service.GetReturn(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": rr})
}

func (a *API) handleCancelReturn(w http.ResponseWriter, r *http.Request) {
	rr, err := a.service.CancelReturnRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": rr})
}

func (a *API) handleReRequestReturn(w http.ResponseWriter, r *http.Request) {
	rr, err := a.service.ReRequestReturn(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": rr})
}

func (a *API) handleListCancellations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	page, err := a.service.ListCancellations(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleProcessCancellation(w http.ResponseWriter, r *http.Request) {
	var req domain.CancellationProcessRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.ProcessCancellation(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCompleteRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundCompleteRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}
	resp, err := a.service.CompleteRefund(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListRefunds(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	page, err := a.service.ListRefunds(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleListReturns(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	page, err := a.service.ListReturns(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleProcessReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnProcessRequest
	if !a.decode(w, r, &req) {
		return
	}
	rr, err := a.service.ProcessReturn(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": rr})
}

func (a *API) handleRefundStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundStatusUpdateRequest
	if !a.decode(w, r, &req) {
		return
	}
	rr, err := a.service.UpdateRefundStatus(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": rr})
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := a.service.Dashboard(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req domain.PolicyUpdateRequest
	if !a.decode(w, r, &req) {
		return
	}
	pol, err := a.service.UpdatePolicy(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": pol})
}

func (a *API) handleOrderTransitions(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.OrderTransitions(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleChangeOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderStatusChangeRequest
	if !a.decode(w, r, &req) {
		return
	}
	order, err := a.service.ChangeOrderStatus(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
		defer cancel()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(startedAt)

		a.metrics.ObserveRequest(r.Method, rec.status, elapsed)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
	})
}

// decode reads a JSON body and validates it, writing a 400 on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		a.writeError(w, apperr.New(apperr.CodeValidation, "invalid request body: %v", err))
		return false
	}
	return a.check(w, dest)
}

// decodeOptional accepts an empty body.
func (a *API) decodeOptional(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, apperr.New(apperr.CodeValidation, "invalid request body: %v", err))
		return false
	}
	return a.check(w, dest)
}

func (a *API) check(w http.ResponseWriter, dest any) bool {
	err := a.validate.Struct(dest)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		a.writeError(w, apperr.New(apperr.CodeValidation, "field %s failed %s validation", fe.Field(), fe.Tag()))
		return false
	}
	a.writeError(w, apperr.New(apperr.CodeValidation, "invalid request: %v", err))
	return false
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parseListFilter(r *http.Request) (domain.ListFilter, error) {
	q := r.URL.Query()
	filter := domain.ListFilter{
		Status: strings.TrimSpace(q.Get("status")),
		Search: strings.TrimSpace(q.Get("search")),
		Page:   parsePositiveLimit(q.Get("page"), 1, 0),
		Limit:  parsePositiveLimit(q.Get("limit"), 20, 100),
	}
	for key, dest := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		at, err := parseTime(raw)
		if err != nil {
			return domain.ListFilter{}, apperr.New(apperr.CodeValidation, "invalid %s date %q", key, raw)
		}
		if key == "to" && !strings.Contains(raw, "T") {
			at = at.Add(24*time.Hour - time.Nanosecond)
		}
		*dest = &at
	}
	return filter, nil
}

func parseTime(raw string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		return at.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

var statusByCode = map[apperr.Code]int{
	apperr.CodeNotFound:          http.StatusNotFound,
	apperr.CodeInvalidState:      http.StatusConflict,
	apperr.CodeConflict:          http.StatusConflict,
	apperr.CodeExpired:           http.StatusGone,
	apperr.CodeTooSoon:           http.StatusTooManyRequests,
	apperr.CodeValidation:        http.StatusBadRequest,
	apperr.CodeNoValidItems:      http.StatusUnprocessableEntity,
	apperr.CodeInvalidTransition: http.StatusConflict,
	apperr.CodeUnauthorized:      http.StatusUnauthorized,
	apperr.CodeForbidden:         http.StatusForbidden,
	apperr.CodeInternal:          http.StatusInternalServerError,
}

func statusFor(code apperr.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Code      apperr.Code `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable,omitempty"`
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	body := errorBody{Code: code, Message: errorMessage(err)}

	// 5xx details stay in the log.
	if status >= 500 {
		a.logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
		body.Message = "internal server error"
		body.Retryable = apperr.Retryable(err)
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func errorMessage(err error) string {
	var coded *apperr.Error
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}
	return string(apperr.CodeOf(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
