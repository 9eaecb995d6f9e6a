package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/xid"
)

type Store struct {
	mu            sync.RWMutex
	usersByID     map[string]domain.User
	orders        map[string]domain.Order
	policy        *domain.CancellationPolicy
	cancellations map[string]domain.CancellationRequest
	returns       map[string]domain.ReturnRequest
	auditLogs     []domain.AuditLog
}

func New() *Store {
	return &Store{
		usersByID:     make(map[string]domain.User),
		orders:        make(map[string]domain.Order),
		cancellations: make(map[string]domain.CancellationRequest),
		returns:       make(map[string]domain.ReturnRequest),
		auditLogs:     make([]domain.AuditLog, 0, 128),
	}
}

// NewSeeded returns a store with one admin, one customer and a handful of
// demo orders in different states. Passwords come from SEED_ADMIN_PASSWORD and
// SEED_CUSTOMER_PASSWORD, falling back to dev defaults.
func NewSeeded(logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin12345")
	customerPwd := envOr("SEED_CUSTOMER_PASSWORD", "customer12345")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CUSTOMER_PASSWORD") == "" {
		logger.Warn("memory store uses default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CUSTOMER_PASSWORD to override")
	}

	s := New()
	now := time.Now().UTC()
	for _, u := range []struct {
		id, name, email, password, role string
	}{
		{"usr-admin", "Store Admin", "admin@orderflow.local", adminPwd, domain.RoleAdmin},
		{"usr-customer", "Dana Customer", "customer@orderflow.local", customerPwd, domain.RoleCustomer},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		s.usersByID[u.id] = domain.User{
			ID:           u.id,
			Name:         u.name,
			Email:        u.email,
			PasswordHash: string(hash),
			Role:         u.role,
			Active:       true,
			CreatedAt:    now,
		}
	}

	for _, order := range demoOrders(now) {
		s.orders[order.ID] = order
	}
	return s, nil
}

func demoOrders(now time.Time) []domain.Order {
	shoes := domain.NewProductItem("itm-1001-1", 1, domain.ProductLine{
		ProductID: "prd-runner", Name: "Trail Runner Shoes", Size: "42", UnitPrice: decimal.RequireFromString("999.99"),
	})
	socks := domain.NewBundleItem("itm-1001-2", 2, domain.BundleLine{
		BundleID: "bdl-socks", Name: "Running Socks 3-pack", BundlePrice: decimal.RequireFromString("24.50"),
	})
	jacket := domain.NewProductItem("itm-1002-1", 1, domain.ProductLine{
		ProductID: "prd-jacket", Name: "Rain Jacket", Size: "M", UnitPrice: decimal.RequireFromString("149.00"),
	})
	capItem := domain.NewProductItem("itm-1003-1", 3, domain.ProductLine{
		ProductID: "prd-cap", Name: "Cotton Cap", Size: "One size", UnitPrice: decimal.RequireFromString("19.90"),
	})
	bottle := domain.NewProductItem("itm-1004-1", 1, domain.ProductLine{
		ProductID: "prd-bottle", Name: "Steel Bottle", UnitPrice: decimal.RequireFromString("35.00"),
	})

	delivered := func(id, code string, placedAgo time.Duration, items ...domain.LineItem) domain.Order {
		placed := now.Add(-placedAgo)
		shipped := placed.Add(24 * time.Hour)
		deliveredAt := shipped.Add(48 * time.Hour)
		total := orderTotal(items)
		return domain.Order{
			ID: id, OrderCode: code, UserID: "usr-customer", Items: items,
			Status: domain.OrderStatusDelivered,
			StatusHistory: []domain.StatusChange{
				{Status: domain.OrderStatusProcessing, Timestamp: placed.Add(time.Hour), Actor: "system"},
				{Status: domain.OrderStatusShipped, Timestamp: shipped, Actor: "system"},
				{Status: domain.OrderStatusDelivered, Timestamp: deliveredAt, Actor: "system"},
			},
			LastStatusUpdate:        domain.TimePtr(deliveredAt),
			PaymentMethod:           domain.PaymentMethodOnline,
			PaymentStatus:           domain.PaymentStatusPaid,
			PaymentReference:        "pi_demo_" + strings.ToLower(code),
			SubTotalAmt:             total,
			TotalAmt:                total,
			ShippedDate:             domain.TimePtr(shipped),
			ActualDeliveryDate:      domain.TimePtr(deliveredAt),
			DeliveryDurationSeconds: int64(deliveredAt.Sub(shipped) / time.Second),
			CreatedAt:               placed,
			UpdatedAt:               deliveredAt,
		}
	}

	return []domain.Order{
		delivered("ord-1001", "ORD-1001", 13*24*time.Hour, shoes, socks),
		{
			ID: "ord-1002", OrderCode: "ORD-1002", UserID: "usr-customer", Items: []domain.LineItem{jacket},
			Status:           domain.OrderStatusProcessing,
			StatusHistory:    []domain.StatusChange{{Status: domain.OrderStatusProcessing, Timestamp: now.Add(-5 * time.Hour), Actor: "system"}},
			LastStatusUpdate: domain.TimePtr(now.Add(-5 * time.Hour)),
			PaymentMethod:    domain.PaymentMethodOnline,
			PaymentStatus:    domain.PaymentStatusPaid,
			PaymentReference: "pi_demo_ord-1002",
			SubTotalAmt:      jacket.ItemTotal,
			TotalAmt:         jacket.ItemTotal,
			CreatedAt:        now.Add(-6 * time.Hour),
			UpdatedAt:        now.Add(-5 * time.Hour),
		},
		{
			ID: "ord-1003", OrderCode: "ORD-1003", UserID: "usr-customer", Items: []domain.LineItem{capItem},
			Status:        domain.OrderStatusPending,
			PaymentMethod: domain.PaymentMethodCashOnDelivery,
			PaymentStatus: domain.PaymentStatusPending,
			SubTotalAmt:   capItem.ItemTotal,
			TotalAmt:      capItem.ItemTotal,
			CreatedAt:     now.Add(-time.Hour),
			UpdatedAt:     now.Add(-time.Hour),
		},
		delivered("ord-1004", "ORD-1004", 50*24*time.Hour, bottle),
	}
}

func orderTotal(items []domain.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.ItemTotal)
	}
	return total.Round(2)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.usersByID {
		if strings.EqualFold(user.Email, email) {
			found := user
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	for _, existing := range s.usersByID {
		if existing.ID == user.ID || strings.EqualFold(existing.Email, user.Email) {
			return store.ErrConflict
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByID[user.ID] = user
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := order.Clone()
	return &out, nil
}

func (s *Store) ListOrdersByUser(_ context.Context, userID string, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, 8)
	for _, order := range s.orders {
		if order.UserID != userID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, order.Status) {
			continue
		}
		orders = append(orders, order.Clone())
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return orders, nil
}

func (s *Store) SaveOrder(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *Store) UpdateOrder(_ context.Context, id string, fn func(order *domain.Order) error) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return nil, err
	}
	s.orders[id] = next.Clone()
	return &next, nil
}

func (s *Store) GetActivePolicy(_ context.Context) (*domain.CancellationPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.policy == nil {
		return nil, store.ErrNotFound
	}
	out := s.policy.Clone()
	return &out, nil
}

func (s *Store) UpsertActivePolicy(_ context.Context, policy domain.CancellationPolicy) (*domain.CancellationPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.policy != nil {
		policy.ID = s.policy.ID
	}
	if policy.ID == "" {
		policy.ID = xid.New("pol")
	}
	policy.IsActive = true
	stored := policy.Clone()
	s.policy = &stored
	out := policy.Clone()
	return &out, nil
}

func (s *Store) activeCancellationLocked(orderID string) (domain.CancellationRequest, bool) {
	for _, req := range s.cancellations {
		if req.OrderID == orderID && req.IsActive() {
			return req, true
		}
	}
	return domain.CancellationRequest{}, false
}

func (s *Store) CreateCancellationRequest(_ context.Context, req domain.CancellationRequest) (*domain.CancellationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[req.OrderID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.activeCancellationLocked(req.OrderID); exists {
		return nil, store.ErrConflict
	}
	if req.ID == "" {
		req.ID = xid.New("cr")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	s.cancellations[req.ID] = req.Clone()
	out := req.Clone()
	return &out, nil
}

func (s *Store) GetCancellationRequest(_ context.Context, id string) (*domain.CancellationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.cancellations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := req.Clone()
	return &out, nil
}

func (s *Store) FindActiveCancellation(_ context.Context, orderID string) (*domain.CancellationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.activeCancellationLocked(orderID)
	if !ok {
		return nil, store.ErrNotFound
	}
	out := req.Clone()
	return &out, nil
}

func (s *Store) ListCancellationRequests(_ context.Context, filter domain.ListFilter) ([]domain.CancellationRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := make([]domain.CancellationRequest, 0, len(s.cancellations))
	for _, req := range s.cancellations {
		if filter.Status != "" && string(req.Status) != filter.Status {
			continue
		}
		if !inRange(req.CreatedAt, filter) {
			continue
		}
		if search != "" && !containsAny(search, req.ID, req.OrderID, req.Reason) {
			continue
		}
		matched = append(matched, req.Clone())
	}
	slices.SortFunc(matched, func(a, b domain.CancellationRequest) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	page, total := paginate(matched, &filter)
	return page, total, nil
}

func (s *Store) ListCancellationRequestsByUser(_ context.Context, userID string) ([]domain.CancellationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CancellationRequest, 0, 4)
	for _, req := range s.cancellations {
		if req.UserID == userID {
			out = append(out, req.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.CancellationRequest) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateCancellation(_ context.Context, id string, fn store.CancellationMutation) (*domain.CancellationRequest, *domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cancellations[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	order, ok := s.orders[current.OrderID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}

	nextReq := current.Clone()
	nextOrder := order.Clone()
	if err := fn(&nextReq, &nextOrder); err != nil {
		return nil, nil, err
	}
	if nextReq.IsActive() && !current.IsActive() {
		if other, exists := s.activeCancellationLocked(current.OrderID); exists && other.ID != id {
			return nil, nil, store.ErrConflict
		}
	}

	s.cancellations[id] = nextReq.Clone()
	s.orders[nextOrder.ID] = nextOrder.Clone()
	return &nextReq, &nextOrder, nil
}

// checkReturnLocked enforces one active request per line and the purchased
// quantity ceiling. ignoreID excludes the request being updated.
func (s *Store) checkReturnLocked(req domain.ReturnRequest, ignoreID string) error {
	order, ok := s.orders[req.OrderID]
	if !ok {
		return store.ErrNotFound
	}
	item, ok := order.FindItem(req.ItemID)
	if !ok {
		return store.ErrNotFound
	}

	for _, other := range s.returns {
		if other.ID == ignoreID || other.OrderID != req.OrderID || other.ItemID != req.ItemID || !other.IsActive() {
			continue
		}
		return store.ErrConflict
	}
	if req.ItemDetails.Quantity > item.Quantity {
		return store.ErrQuantityExceeded
	}
	return nil
}

func (s *Store) CreateReturnRequest(_ context.Context, req domain.ReturnRequest) (*domain.ReturnRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkReturnLocked(req, ""); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = xid.New("ret")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	s.returns[req.ID] = req.Clone()
	out := req.Clone()
	return &out, nil
}

func (s *Store) GetReturnRequest(_ context.Context, id string) (*domain.ReturnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.returns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := req.Clone()
	return &out, nil
}

func (s *Store) ListReturnRequestsByUser(_ context.Context, userID string) ([]domain.ReturnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ReturnRequest, 0, 8)
	for _, req := range s.returns {
		if req.UserID == userID {
			out = append(out, req.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.ReturnRequest) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *Store) ListReturnRequests(_ context.Context, filter domain.ListFilter) ([]domain.ReturnRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := make([]domain.ReturnRequest, 0, len(s.returns))
	for _, req := range s.returns {
		if filter.Status != "" && string(req.Status) != filter.Status {
			continue
		}
		if !inRange(req.CreatedAt, filter) {
			continue
		}
		if search != "" && !containsAny(search, req.ID, req.OrderCode, req.OrderID, req.ItemDetails.Name, req.Reason) {
			continue
		}
		matched = append(matched, req.Clone())
	}
	slices.SortFunc(matched, func(a, b domain.ReturnRequest) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	page, total := paginate(matched, &filter)
	return page, total, nil
}

func (s *Store) ActiveReturnQuantities(_ context.Context, orderID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, req := range s.returns {
		if req.OrderID == orderID && req.IsActive() {
			out[req.ItemID] += req.ItemDetails.Quantity
		}
	}
	return out, nil
}

func (s *Store) UpdateReturnRequest(_ context.Context, id string, fn func(req *domain.ReturnRequest) error) (*domain.ReturnRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.returns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return nil, err
	}
	if next.IsActive() && !current.IsActive() {
		if err := s.checkReturnLocked(next, id); err != nil {
			return nil, err
		}
	}
	s.returns[id] = next.Clone()
	return &next, nil
}

func (s *Store) ListRefunds(_ context.Context, filter domain.ListFilter) ([]domain.RefundRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.RefundRecord, 0, len(s.cancellations)+len(s.returns))
	for _, req := range s.cancellations {
		if req.Status != domain.CancellationApproved {
			continue
		}
		records = append(records, domain.RefundRecord{
			Source:     domain.RefundSourceCancellation,
			RequestID:  req.ID,
			OrderID:    req.OrderID,
			UserID:     req.UserID,
			Amount:     req.AdminResponse.RefundAmount,
			Status:     req.RefundDetails.RefundStatus,
			RefundID:   req.RefundDetails.RefundID,
			RefundDate: req.RefundDetails.RefundDate,
			UpdatedAt:  req.UpdatedAt,
		})
	}
	for _, req := range s.returns {
		if req.RefundDetails == nil {
			continue
		}
		records = append(records, domain.RefundRecord{
			Source:     domain.RefundSourceReturn,
			RequestID:  req.ID,
			OrderID:    req.OrderID,
			UserID:     req.UserID,
			Amount:     req.RefundDetails.ActualRefundAmount,
			Status:     req.RefundDetails.RefundStatus,
			RefundID:   req.RefundDetails.RefundID,
			Method:     req.RefundDetails.RefundMethod,
			RefundDate: req.RefundDetails.RefundDate,
			UpdatedAt:  req.UpdatedAt,
		})
	}

	matched := records[:0]
	for _, rec := range records {
		if filter.Status != "" && string(rec.Status) != filter.Status {
			continue
		}
		if !inRange(rec.UpdatedAt, filter) {
			continue
		}
		matched = append(matched, rec)
	}
	slices.SortFunc(matched, func(a, b domain.RefundRecord) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	page, total := paginate(matched, &filter)
	return page, total, nil
}

func (s *Store) CancellationStats(_ context.Context) (domain.StatusTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := domain.StatusTotals{ByStatus: map[string]int{}, RefundedTotal: decimal.Zero}
	for _, req := range s.cancellations {
		totals.ByStatus[string(req.Status)]++
		totals.Total++
		if req.RefundDetails.RefundStatus == domain.RefundCompleted {
			totals.RefundedTotal = totals.RefundedTotal.Add(req.AdminResponse.RefundAmount)
		}
	}
	return totals, nil
}

func (s *Store) ReturnStats(_ context.Context) (domain.StatusTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := domain.StatusTotals{ByStatus: map[string]int{}, RefundedTotal: decimal.Zero}
	for _, req := range s.returns {
		totals.ByStatus[string(req.Status)]++
		totals.Total++
		if req.RefundDetails != nil && req.RefundDetails.RefundStatus == domain.RefundCompleted {
			totals.RefundedTotal = totals.RefundedTotal.Add(req.RefundDetails.ActualRefundAmount)
		}
	}
	return totals, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.auditLogs[i])
	}
	return out, nil
}

func inRange(at time.Time, filter domain.ListFilter) bool {
	if filter.From != nil && at.Before(*filter.From) {
		return false
	}
	if filter.To != nil && !at.Before(*filter.To) {
		return false
	}
	return true
}

func containsAny(needle string, fields ...string) bool {
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, filter *domain.ListFilter) ([]T, int) {
	offset := filter.Offset()
	total := len(items)
	if offset >= total {
		return []T{}, total
	}
	end := min(offset+filter.Limit, total)
	return items[offset:end], total
}
