package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderflow/backend/internal/apperr"
	"orderflow/backend/internal/document"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/events"
	"orderflow/backend/internal/money"
	"orderflow/backend/internal/orderstate"
	"orderflow/backend/internal/payment"
	"orderflow/backend/internal/policy"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/xid"
)

const workflowCancellation = "cancellation"

// RequestCancellation opens a PENDING cancellation for an order owned by the
// caller and tells the customer what refund to expect.
func (s *Service) RequestCancellation(ctx context.Context, req domain.CancellationCreateRequest) (resp domain.CancellationCreateResponse, err error) {
	defer func() { s.observe(workflowCancellation, "request", err) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return resp, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return resp, apperr.New(apperr.CodeValidation, "reason is required")
	}

	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(req.OrderID))
	if err != nil {
		return resp, s.storeErr("request cancellation", "order", err, zap.String("order_id", req.OrderID))
	}
	if order.UserID != actor.UserID {
		return resp, apperr.New(apperr.CodeNotFound, "order not found")
	}

	switch order.Status {
	case domain.OrderStatusOutForDelivery, domain.OrderStatusDelivered, domain.OrderStatusCancelled:
		return resp, apperr.New(apperr.CodeInvalidState, "order in status %s cannot be cancelled", order.Status)
	}
	if order.PaymentMethod != domain.PaymentMethodOnline || order.PaymentStatus != domain.PaymentStatusPaid {
		return resp, apperr.New(apperr.CodeInvalidState, "only paid online orders can be cancelled online")
	}

	if _, err := s.repo.FindActiveCancellation(ctx, order.ID); err == nil {
		return resp, apperr.New(apperr.CodeConflict, "a cancellation request is already open for this order")
	} else if !errors.Is(err, store.ErrNotFound) {
		return resp, s.storeErr("request cancellation", "cancellation request", err, zap.String("order_id", order.ID))
	}

	pol, err := s.policy.Active(ctx)
	if err != nil {
		return resp, s.storeErr("load policy", "policy", err)
	}
	now := s.now()
	resolution := policy.Resolve(*order, pol, now)
	if !resolution.CanCancel || !orderstate.CanTransition(order.Status, domain.OrderStatusCancelled) {
		return resp, apperr.New(apperr.CodeInvalidState, "order in status %s cannot be cancelled", order.Status)
	}

	created, err := s.repo.CreateCancellationRequest(ctx, domain.CancellationRequest{
		ID:               xid.New("cr"),
		OrderID:          order.ID,
		UserID:           actor.UserID,
		Reason:           strings.TrimSpace(req.Reason),
		AdditionalReason: strings.TrimSpace(req.AdditionalReason),
		Status:           domain.CancellationPending,
		AdminResponse:    domain.CancellationAdminResponse{RefundPercentage: resolution.Percentage, RefundAmount: decimal.Zero},
		RefundDetails:    domain.CancellationRefundDetails{RefundStatus: domain.RefundPending},
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if errors.Is(err, store.ErrConflict) {
		return resp, apperr.New(apperr.CodeConflict, "a cancellation request is already open for this order")
	}
	if err != nil {
		return resp, s.storeErr("request cancellation", "order", err, zap.String("order_id", order.ID))
	}

	expected := money.Percent(order.TotalAmt, resolution.Percentage)
	s.notifyUser("cancellation requested", actor.UserID,
		fmt.Sprintf("Cancellation request received for order %s", order.OrderCode),
		cancellationRequestedBody(*order, resolution.Percentage, expected, pol.ResponseTimeHours),
		nil,
	)
	s.publish(events.Event{
		Type:     events.CancellationRequested,
		EntityID: created.ID,
		OrderID:  order.ID,
		UserID:   actor.UserID,
		Data: map[string]any{
			"refund_percentage": resolution.Percentage,
			"expected_refund":   expected,
			"policy_source":     resolution.Source,
		},
	})

	return domain.CancellationCreateResponse{
		Request:          *created,
		RefundPercentage: resolution.Percentage,
		ExpectedRefund:   expected,
	}, nil
}

func (s *Service) ListMyCancellations(ctx context.Context) ([]domain.CancellationRequest, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.repo.ListCancellationRequestsByUser(ctx, actor.UserID)
	if err != nil {
		return nil, s.storeErr("list cancellations", "cancellation request", err, zap.String("user_id", actor.UserID))
	}
	return out, nil
}

func (s *Service) ListCancellations(ctx context.Context, filter domain.ListFilter) (domain.Page[domain.CancellationRequest], error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Page[domain.CancellationRequest]{}, err
	}
	items, total, err := s.repo.ListCancellationRequests(ctx, filter)
	if err != nil {
		return domain.Page[domain.CancellationRequest]{}, s.storeErr("list cancellations", "cancellation request", err)
	}
	filter.Offset()
	return domain.Page[domain.CancellationRequest]{Items: items, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

// ProcessCancellation approves or rejects a PENDING request. Approval moves
// the order to CANCELLED in the same transaction.
func (s *Service) ProcessCancellation(ctx context.Context, id string, req domain.CancellationProcessRequest) (resp domain.CancellationProcessResponse, err error) {
	defer func() { s.observe(workflowCancellation, "process", err) }()

	admin, err := requireAdmin(ctx)
	if err != nil {
		return resp, err
	}
	if req.Action != domain.CancellationActionApprove && req.Action != domain.CancellationActionReject {
		return resp, apperr.New(apperr.CodeValidation, "action must be APPROVED or REJECTED")
	}
	if req.CustomRefundPercentage != nil {
		if err := policy.ValidatePercentage("custom_refund_percentage", *req.CustomRefundPercentage); err != nil {
			return resp, err
		}
	}

	now := s.now()
	comments := strings.TrimSpace(req.AdminComments)
	updated, order, err := s.repo.UpdateCancellation(ctx, id, func(r *domain.CancellationRequest, o *domain.Order) error {
		if r.Status != domain.CancellationPending {
			return apperr.New(apperr.CodeConflict, "cancellation request is already %s", r.Status)
		}

		r.AdminResponse.ProcessedBy = admin.UserID
		r.AdminResponse.ProcessedDate = domain.TimePtr(now)
		r.AdminResponse.Comments = comments
		r.UpdatedAt = now

		if req.Action == domain.CancellationActionReject {
			r.Status = domain.CancellationRejected
			r.AdminResponse.RefundAmount = decimal.Zero
			return nil
		}

		pct := r.AdminResponse.RefundPercentage
		if req.CustomRefundPercentage != nil {
			pct = *req.CustomRefundPercentage
		}
		if err := orderstate.ChangeStatus(o, domain.OrderStatusCancelled, "Cancellation approved: "+r.Reason, admin.UserID, now); err != nil {
			return err
		}
		o.PaymentStatus = domain.PaymentStatusRefundProcessing
		r.Status = domain.CancellationApproved
		r.AdminResponse.RefundPercentage = pct
		r.AdminResponse.RefundAmount = money.Percent(o.TotalAmt, pct)
		r.RefundDetails.RefundStatus = domain.RefundProcessing
		return nil
	})
	if err != nil {
		return resp, s.storeErr("process cancellation", "cancellation request", err, zap.String("request_id", id))
	}

	s.audit(ctx, "cancellation_processed", "cancellation_request", updated.ID,
		fmt.Sprintf("status=%s,percentage=%s,amount=%s", updated.Status, updated.AdminResponse.RefundPercentage, amount(updated.AdminResponse.RefundAmount)))

	eventType := events.CancellationRejected
	if updated.Status == domain.CancellationApproved {
		eventType = events.CancellationApproved
		s.publish(events.Event{
			Type:     events.OrderStatusChanged,
			EntityID: order.ID,
			OrderID:  order.ID,
			UserID:   order.UserID,
			Data:     map[string]any{"status": order.Status},
		})
	}
	s.publish(events.Event{
		Type:     eventType,
		EntityID: updated.ID,
		OrderID:  order.ID,
		UserID:   updated.UserID,
		Data:     updated.AdminResponse,
	})
	s.notifyUser("cancellation processed", updated.UserID,
		fmt.Sprintf("Update on your cancellation for order %s", order.OrderCode),
		cancellationDecisionBody(*order, *updated),
		nil,
	)

	return domain.CancellationProcessResponse{Request: *updated, Order: *order}, nil
}

// CompleteRefund settles an APPROVED cancellation. A second call fails with
// INVALID_STATE instead of refunding twice.
func (s *Service) CompleteRefund(ctx context.Context, id string, req domain.RefundCompleteRequest) (resp domain.CancellationProcessResponse, err error) {
	defer func() { s.observe(workflowCancellation, "complete_refund", err) }()

	admin, err := requireAdmin(ctx)
	if err != nil {
		return resp, err
	}

	current, err := s.repo.GetCancellationRequest(ctx, id)
	if err != nil {
		return resp, s.storeErr("complete refund", "cancellation request", err, zap.String("request_id", id))
	}
	if err := refundable(current); err != nil {
		return resp, err
	}

	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" && s.payments != nil {
		order, err := s.repo.GetOrder(ctx, current.OrderID)
		if err != nil {
			return resp, s.storeErr("complete refund", "order", err, zap.String("order_id", current.OrderID))
		}
		if order.PaymentReference != "" {
			result, err := s.payments.Refund(ctx, payment.RefundRequest{
				PaymentReference: order.PaymentReference,
				Amount:           current.AdminResponse.RefundAmount,
				IdempotencyKey:   "refund-" + current.ID,
			})
			if err != nil {
				s.logger.Error("payment gateway refund failed", zap.String("request_id", current.ID), zap.Error(err))
				return resp, apperr.Internal(err)
			}
			transactionID = result.ID
		}
	}

	refundID := transactionID
	if refundID == "" {
		refundID = xid.New("rf")
	}
	now := s.now()
	comments := strings.TrimSpace(req.AdminComments)

	updated, order, err := s.repo.UpdateCancellation(ctx, id, func(r *domain.CancellationRequest, o *domain.Order) error {
		if err := refundable(r); err != nil {
			return err
		}
		refunded := r.AdminResponse.RefundAmount
		r.RefundDetails.RefundID = refundID
		r.RefundDetails.TransactionID = transactionID
		r.RefundDetails.RefundDate = domain.TimePtr(now)
		r.RefundDetails.RefundStatus = domain.RefundCompleted
		if comments != "" {
			r.RefundDetails.Notes = comments
		}
		r.UpdatedAt = now

		o.PaymentStatus = domain.PaymentStatusRefundSuccessful
		o.RefundDetails = &domain.OrderRefundDetails{
			RefundID:         refundID,
			Amount:           refunded,
			RefundPercentage: r.AdminResponse.RefundPercentage,
			RefundDate:       now,
			RetainedAmount:   money.Retained(o.TotalAmt, refunded),
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return resp, s.storeErr("complete refund", "cancellation request", err, zap.String("request_id", id))
	}

	refunded := updated.AdminResponse.RefundAmount
	s.metrics.Refunded(domain.RefundSourceCancellation, refunded)
	s.audit(ctx, "refund_completed", "cancellation_request", updated.ID,
		fmt.Sprintf("refund_id=%s,amount=%s,by=%s", refundID, amount(refunded), admin.UserID))
	s.publish(events.Event{
		Type:     events.RefundCompleted,
		EntityID: updated.ID,
		OrderID:  order.ID,
		UserID:   updated.UserID,
		Data:     order.RefundDetails,
	})

	lines := make([]document.Line, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, document.Line{Name: item.Name(), Quantity: item.Quantity, Amount: item.ItemTotal})
	}
	s.notifyUser("refund completed", updated.UserID,
		fmt.Sprintf("Refund completed for order %s", order.OrderCode),
		refundCompletedBody(order.OrderCode, refunded, refundID),
		&document.Refund{
			Kind:             document.KindCancellationRefund,
			Reference:        refundID,
			OrderID:          order.ID,
			OrderCode:        order.OrderCode,
			Lines:            lines,
			OrderTotal:       order.TotalAmt,
			RefundAmount:     refunded,
			RefundPercentage: updated.AdminResponse.RefundPercentage,
			RetainedAmount:   order.RefundDetails.RetainedAmount,
			IssuedAt:         now,
		},
	)

	return domain.CancellationProcessResponse{Request: *updated, Order: *order}, nil
}

func refundable(r *domain.CancellationRequest) error {
	if r.Status != domain.CancellationApproved {
		return apperr.New(apperr.CodeInvalidState, "cancellation request is %s, not APPROVED", r.Status)
	}
	if r.RefundDetails.RefundStatus == domain.RefundCompleted {
		return apperr.New(apperr.CodeInvalidState, "refund already completed")
	}
	return nil
}
