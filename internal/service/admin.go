package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderflow/backend/internal/apperr"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/events"
	"orderflow/backend/internal/money"
	"orderflow/backend/internal/orderstate"
)

const recentLimit = 5

func (s *Service) OrderTransitions(ctx context.Context, orderID string) (domain.OrderTransitionsResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.OrderTransitionsResponse{}, err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderTransitionsResponse{}, s.storeErr("order transitions", "order", err, zap.String("order_id", orderID))
	}
	return domain.OrderTransitionsResponse{
		OrderID:   order.ID,
		Current:   order.Status,
		Available: orderstate.AvailableTransitions(order.Status),
	}, nil
}

// ChangeOrderStatus applies a state-machine transition and persists the order.
func (s *Service) ChangeOrderStatus(ctx context.Context, orderID string, req domain.OrderStatusChangeRequest) (order domain.Order, err error) {
	defer func() { s.observe("order", "change_status", err) }()

	admin, err := requireAdmin(ctx)
	if err != nil {
		return order, err
	}
	if !orderstate.IsKnown(req.Status) {
		return order, apperr.New(apperr.CodeValidation, "unknown order status %q", req.Status)
	}

	now := s.now()
	var previous domain.OrderStatus
	updated, err := s.repo.UpdateOrder(ctx, orderID, func(o *domain.Order) error {
		previous = o.Status
		return orderstate.ChangeStatus(o, req.Status, strings.TrimSpace(req.Reason), admin.UserID, now)
	})
	if err != nil {
		return order, s.storeErr("change order status", "order", err, zap.String("order_id", orderID))
	}

	s.audit(ctx, "order_status_changed", "order", updated.ID, fmt.Sprintf("from=%s,to=%s", previous, updated.Status))
	s.publish(events.Event{
		Type:     events.OrderStatusChanged,
		EntityID: updated.ID,
		OrderID:  updated.ID,
		UserID:   updated.UserID,
		Data:     map[string]any{"from": previous, "to": updated.Status},
	})
	return *updated, nil
}

func (s *Service) ListRefunds(ctx context.Context, filter domain.ListFilter) (domain.Page[domain.RefundRecord], error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Page[domain.RefundRecord]{}, err
	}
	items, total, err := s.repo.ListRefunds(ctx, filter)
	if err != nil {
		return domain.Page[domain.RefundRecord]{}, s.storeErr("list refunds", "refund", err)
	}
	filter.Offset()
	return domain.Page[domain.RefundRecord]{Items: items, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

// Dashboard gathers workflow statistics concurrently.
func (s *Service) Dashboard(ctx context.Context) (domain.DashboardStats, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.DashboardStats{}, err
	}

	var stats domain.DashboardStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		totals, err := s.repo.CancellationStats(gctx)
		stats.Cancellations = totals
		return err
	})
	g.Go(func() error {
		totals, err := s.repo.ReturnStats(gctx)
		stats.Returns = totals
		return err
	})
	g.Go(func() error {
		recent, _, err := s.repo.ListCancellationRequests(gctx, domain.ListFilter{Limit: recentLimit})
		stats.RecentCancellations = recent
		return err
	})
	g.Go(func() error {
		recent, _, err := s.repo.ListReturnRequests(gctx, domain.ListFilter{Limit: recentLimit})
		stats.RecentReturns = recent
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.DashboardStats{}, s.storeErr("dashboard", "statistics", err)
	}

	stats.TotalRefunded = money.Sum(stats.Cancellations.RefundedTotal, stats.Returns.RefundedTotal)
	return stats, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	logs, err := s.repo.ListAuditLogs(ctx, limit)
	if err != nil {
		return nil, s.storeErr("list audit logs", "audit log", err)
	}
	return logs, nil
}

func (s *Service) GetPolicy(ctx context.Context) (domain.CancellationPolicy, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.CancellationPolicy{}, err
	}
	pol, err := s.policy.Active(ctx)
	if err != nil {
		return domain.CancellationPolicy{}, s.storeErr("load policy", "policy", err)
	}
	return pol, nil
}

func (s *Service) UpdatePolicy(ctx context.Context, req domain.PolicyUpdateRequest) (pol domain.CancellationPolicy, err error) {
	defer func() { s.observe("policy", "update", err) }()

	admin, err := requireAdmin(ctx)
	if err != nil {
		return pol, err
	}
	pol, err = s.policy.Update(ctx, req, admin.UserID)
	if err != nil {
		return domain.CancellationPolicy{}, s.storeErr("update policy", "policy", err)
	}

	s.audit(ctx, "policy_updated", "policy", pol.ID, fmt.Sprintf("refund_percentage=%s,return_window_days=%d", pol.RefundPercentage, pol.ReturnWindowDays))
	s.publish(events.Event{Type: events.PolicyUpdated, EntityID: pol.ID, UserID: admin.UserID, Data: pol})
	return pol, nil
}
