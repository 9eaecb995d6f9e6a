package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderflow/backend/internal/apperr"
	"orderflow/backend/internal/document"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/events"
	"orderflow/backend/internal/money"
	"orderflow/backend/internal/policy"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/xid"
)

const (
	workflowReturn = "return"

	timelineReRequested    = "RE_REQUESTED"
	timelineAmountAdjusted = "REFUND_AMOUNT_ADJUSTED"
)

var errUnchanged = errors.New("unchanged")

// ListEligibleItems lists the caller's delivered lines that are still inside
// the return window and have no active return. A line carries at most one
// active return, so a partially returned line is not listed. orderID is
// optional.
func (s *Service) ListEligibleItems(ctx context.Context, orderID string) ([]domain.EligibleItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	pol, err := s.policy.Active(ctx)
	if err != nil {
		return nil, s.storeErr("load policy", "policy", err)
	}

	var orders []domain.Order
	if orderID = strings.TrimSpace(orderID); orderID != "" {
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return nil, s.storeErr("list eligible items", "order", err, zap.String("order_id", orderID))
		}
		if order.UserID != actor.UserID {
			return nil, apperr.New(apperr.CodeNotFound, "order not found")
		}
		if order.Status == domain.OrderStatusDelivered {
			orders = append(orders, *order)
		}
	} else {
		orders, err = s.repo.ListOrdersByUser(ctx, actor.UserID, domain.OrderStatusDelivered)
		if err != nil {
			return nil, s.storeErr("list eligible items", "order", err, zap.String("user_id", actor.UserID))
		}
	}

	now := s.now()
	pct := policy.ReturnPercentage(pol)
	out := make([]domain.EligibleItem, 0, 8)
	for _, order := range orders {
		if order.ActualDeliveryDate == nil || !policy.ReturnEligible(*order.ActualDeliveryDate, now, pol) {
			continue
		}
		active, err := s.repo.ActiveReturnQuantities(ctx, order.ID)
		if err != nil {
			return nil, s.storeErr("list eligible items", "return request", err, zap.String("order_id", order.ID))
		}
		for _, item := range order.Items {
			if active[item.ID] > 0 {
				continue
			}
			available := item.Quantity
			unitRefund := money.Percent(item.UnitPrice(), pct)
			out = append(out, domain.EligibleItem{
				OrderID:               order.ID,
				OrderCode:             order.OrderCode,
				ItemID:                item.ID,
				ItemType:              item.Type,
				Reference:             item.Reference(),
				Name:                  item.Name(),
				Image:                 item.Image(),
				Size:                  item.Size(),
				PurchasedQuantity:     item.Quantity,
				AvailableQuantity:     available,
				OriginalPrice:         item.UnitPrice(),
				RefundAmount:          unitRefund,
				TotalRefundAmount:     unitRefund.Mul(decimal.NewFromInt(int64(available))).Round(2),
				DeliveryDate:          *order.ActualDeliveryDate,
				EligibilityExpiryDate: policy.ReturnExpiry(*order.ActualDeliveryDate, pol),
			})
		}
	}
	return out, nil
}

type returnLine struct {
	input domain.ReturnItemInput
	order *domain.Order
	item  domain.LineItem
}

// CreateReturnRequest files one return per requested line. Unknown lines and
// lines that already have an active return are skipped; the batch fails when
// a reason is missing, a line is past its return window, the store aborts a
// write, or nothing could be created.
func (s *Service) CreateReturnRequest(ctx context.Context, req domain.ReturnCreateRequest) (resp domain.ReturnCreateResponse, err error) {
	defer func() { s.observe(workflowReturn, "request", err) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return resp, err
	}
	if len(req.Items) == 0 {
		return resp, apperr.New(apperr.CodeValidation, "at least one item is required")
	}
	for _, in := range req.Items {
		if strings.TrimSpace(in.Reason) == "" {
			return resp, apperr.New(apperr.CodeValidation, "reason is required for item %s", strings.TrimSpace(in.OrderItemID))
		}
	}
	pol, err := s.policy.Active(ctx)
	if err != nil {
		return resp, s.storeErr("load policy", "policy", err)
	}
	orders, err := s.repo.ListOrdersByUser(ctx, actor.UserID, domain.OrderStatusDelivered)
	if err != nil {
		return resp, s.storeErr("create return", "order", err, zap.String("user_id", actor.UserID))
	}

	byItem := make(map[string]*domain.Order)
	for i := range orders {
		for _, item := range orders[i].Items {
			byItem[item.ID] = &orders[i]
		}
	}

	now := s.now()
	skipped := make([]string, 0)
	lines := make([]returnLine, 0, len(req.Items))
	for _, in := range req.Items {
		itemID := strings.TrimSpace(in.OrderItemID)
		order, ok := byItem[itemID]
		if !ok {
			skipped = append(skipped, itemID)
			continue
		}
		if order.ActualDeliveryDate == nil || !policy.ReturnEligible(*order.ActualDeliveryDate, now, pol) {
			return resp, apperr.New(apperr.CodeExpired, "the return window for order %s has closed", order.OrderCode)
		}
		item, _ := order.FindItem(itemID)
		lines = append(lines, returnLine{input: in, order: order, item: item})
	}

	pct := policy.ReturnPercentage(pol)
	created := make([]domain.ReturnRequest, 0, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		qty := line.input.RequestedQuantity
		if qty <= 0 {
			qty = line.item.Quantity
		}
		if qty > line.item.Quantity {
			skipped = append(skipped, line.item.ID)
			continue
		}

		rr := newReturnRequest(actor.UserID, line, qty, pct, policy.ReturnExpiry(*line.order.ActualDeliveryDate, pol), now)
		saved, err := s.repo.CreateReturnRequest(ctx, rr)
		switch {
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrQuantityExceeded), errors.Is(err, store.ErrNotFound):
			skipped = append(skipped, line.item.ID)
			continue
		case err != nil:
			return resp, s.storeErr("create return", "return request", err,
				zap.String("order_id", line.order.ID), zap.String("item_id", line.item.ID))
		}
		created = append(created, *saved)
		total = total.Add(saved.ItemDetails.CalculatedRefund())
	}

	if len(created) == 0 {
		return resp, apperr.New(apperr.CodeNoValidItems, "none of the requested items can be returned")
	}
	total = money.Round(total)

	for _, rr := range created {
		s.publish(events.Event{
			Type:     events.ReturnRequested,
			EntityID: rr.ID,
			OrderID:  rr.OrderID,
			UserID:   rr.UserID,
			Data:     rr.ItemDetails,
		})
	}
	s.notifyUser("return requested", actor.UserID, "We received your return request", returnRequestedBody(created, total), nil)

	return domain.ReturnCreateResponse{
		Requests:            created,
		CreatedCount:        len(created),
		SkippedItemIDs:      skipped,
		TotalExpectedRefund: total,
	}, nil
}

func newReturnRequest(userID string, line returnLine, qty int, pct decimal.Decimal, expiry time.Time, now time.Time) domain.ReturnRequest {
	item := line.item
	details := domain.ReturnItemDetails{
		ItemType:      item.Type,
		Name:          item.Name(),
		Image:         item.Image(),
		Size:          item.Size(),
		Quantity:      qty,
		OriginalPrice: item.UnitPrice(),
		RefundAmount:  money.Percent(item.UnitPrice(), pct),
	}
	switch item.Type {
	case domain.ItemTypeProduct:
		details.ProductID = item.Reference()
	case domain.ItemTypeBundle:
		details.BundleID = item.Reference()
	}

	rr := domain.ReturnRequest{
		ID:                    xid.New("ret"),
		OrderID:               line.order.ID,
		OrderCode:             line.order.OrderCode,
		UserID:                userID,
		ItemID:                item.ID,
		Reason:                strings.TrimSpace(line.input.Reason),
		AdditionalComments:    strings.TrimSpace(line.input.AdditionalComments),
		ItemDetails:           details,
		Status:                domain.ReturnRequested,
		EligibilityExpiryDate: expiry,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	rr.AppendTimeline(string(domain.ReturnRequested), "Return requested by customer", userID, now)
	return rr
}

func (s *Service) ListMyReturns(ctx context.Context) ([]domain.ReturnRequest, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.repo.ListReturnRequestsByUser(ctx, actor.UserID)
	if err != nil {
		return nil, s.storeErr("list returns", "return request", err, zap.String("user_id", actor.UserID))
	}
	return out, nil
}

// GetReturn returns a request owned by the caller. Admins can read any.
func (s *Service) GetReturn(ctx context.Context, id string) (domain.ReturnRequest, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	rr, err := s.repo.GetReturnRequest(ctx, id)
	if err != nil {
		return domain.ReturnRequest{}, s.storeErr("get return", "return request", err, zap.String("return_id", id))
	}
	if !actor.IsAdmin() && rr.UserID != actor.UserID {
		return domain.ReturnRequest{}, apperr.New(apperr.CodeNotFound, "return request not found")
	}
	return *rr, nil
}

func (s *Service) ListReturns(ctx context.Context, filter domain.ListFilter) (domain.Page[domain.ReturnRequest], error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Page[domain.ReturnRequest]{}, err
	}
	items, total, err := s.repo.ListReturnRequests(ctx, filter)
	if err != nil {
		return domain.Page[domain.ReturnRequest]{}, s.storeErr("list returns", "return request", err)
	}
	filter.Offset()
	return domain.Page[domain.ReturnRequest]{Items: items, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

// CancelReturnRequest withdraws a return that has not been reviewed yet.
func (s *Service) CancelReturnRequest(ctx context.Context, id string) (rr domain.ReturnRequest, err error) {
	defer func() { s.observe(workflowReturn, "cancel", err) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return rr, err
	}
	now := s.now()
	updated, err := s.repo.UpdateReturnRequest(ctx, id, func(r *domain.ReturnRequest) error {
		if r.UserID != actor.UserID {
			return apperr.New(apperr.CodeNotFound, "return request not found")
		}
		if r.Status != domain.ReturnRequested {
			return apperr.New(apperr.CodeInvalidState, "only REQUESTED returns can be cancelled, this one is %s", r.Status)
		}
		r.Status = domain.ReturnCancelled
		r.UpdatedAt = now
		r.AppendTimeline(string(domain.ReturnCancelled), "Return cancelled by customer", actor.UserID, now)
		return nil
	})
	if err != nil {
		return rr, s.storeErr("cancel return", "return request", err, zap.String("return_id", id))
	}

	s.publish(events.Event{Type: events.ReturnCancelled, EntityID: updated.ID, OrderID: updated.OrderID, UserID: updated.UserID})
	return *updated, nil
}

// ReRequestReturn reopens a REJECTED return once the cooldown since the
// rejection has elapsed.
func (s *Service) ReRequestReturn(ctx context.Context, id string) (rr domain.ReturnRequest, err error) {
	defer func() { s.observe(workflowReturn, "re_request", err) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return rr, err
	}
	pol, err := s.policy.Active(ctx)
	if err != nil {
		return rr, s.storeErr("load policy", "policy", err)
	}
	cooldown := policy.ReRequestCooldown(pol)
	now := s.now()

	updated, err := s.repo.UpdateReturnRequest(ctx, id, func(r *domain.ReturnRequest) error {
		if r.UserID != actor.UserID || r.Status != domain.ReturnRejected {
			return apperr.New(apperr.CodeNotFound, "rejected return request not found")
		}
		rejectedAt := r.UpdatedAt
		if r.AdminResponse != nil && r.AdminResponse.ProcessedDate != nil {
			rejectedAt = *r.AdminResponse.ProcessedDate
		}
		if next := rejectedAt.Add(cooldown); now.Before(next) {
			return apperr.New(apperr.CodeTooSoon, "this return can be re-requested after %s", next.UTC().Format(time.RFC3339))
		}

		r.Status = domain.ReturnRequested
		r.AdminResponse = nil
		r.RefundDetails = nil
		r.UpdatedAt = now
		r.AppendTimeline(timelineReRequested, "Return re-requested by customer", actor.UserID, now)
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return rr, apperr.New(apperr.CodeConflict, "another return is already open for this item")
	}
	if err != nil {
		return rr, s.storeErr("re-request return", "return request", err, zap.String("return_id", id))
	}

	s.publish(events.Event{Type: events.ReturnReRequested, EntityID: updated.ID, OrderID: updated.OrderID, UserID: updated.UserID})
	return *updated, nil
}

// ProcessReturn approves or rejects a return that is still under review.
func (s *Service) ProcessReturn(ctx context.Context, id string, req domain.ReturnProcessRequest) (rr domain.ReturnRequest, err error) {
	defer func() { s.observe(workflowReturn, "process", err) }()

	admin, err := requireAdmin(ctx)
	if err != nil {
		return rr, err
	}
	if req.Action != domain.ReturnActionApprove && req.Action != domain.ReturnActionReject {
		return rr, apperr.New(apperr.CodeValidation, "action must be approve or reject")
	}
	if req.CustomRefundAmount != nil && req.CustomRefundAmount.IsNegative() {
		return rr, apperr.New(apperr.CodeValidation, "custom_refund_amount must not be negative")
	}

	now := s.now()
	comments := strings.TrimSpace(req.AdminComments)
	updated, err := s.repo.UpdateReturnRequest(ctx, id, func(r *domain.ReturnRequest) error {
		if r.Status != domain.ReturnRequested && r.Status != domain.ReturnUnderReview {
			return apperr.New(apperr.CodeConflict, "return request is already %s", r.Status)
		}
		r.AdminResponse = &domain.ReturnAdminResponse{
			ProcessedBy:     admin.UserID,
			ProcessedDate:   domain.TimePtr(now),
			Comments:        comments,
			InspectionNotes: strings.TrimSpace(req.InspectionNotes),
		}
		r.UpdatedAt = now

		if req.Action == domain.ReturnActionReject {
			r.Status = domain.ReturnRejected
			r.AppendTimeline(string(domain.ReturnRejected), noteOr(comments, "Return rejected"), admin.UserID, now)
			return nil
		}

		calculated := r.ItemDetails.CalculatedRefund()
		actual := calculated
		custom := req.CustomRefundAmount != nil
		if custom {
			actual = money.Round(*req.CustomRefundAmount)
		}
		r.Status = domain.ReturnApproved
		r.RefundDetails = &domain.ReturnRefundDetails{
			RefundStatus:             domain.RefundPending,
			ActualRefundAmount:       actual,
			OriginalCalculatedAmount: calculated,
			IsCustomAmount:           custom,
		}
		r.AppendTimeline(string(domain.ReturnApproved), noteOr(comments, "Return approved"), admin.UserID, now)
		if custom {
			r.AppendTimeline(timelineAmountAdjusted,
				fmt.Sprintf("Refund amount set to %s instead of the calculated %s", amount(actual), amount(calculated)),
				admin.UserID, now)
		}
		return nil
	})
	if err != nil {
		return rr, s.storeErr("process return", "return request", err, zap.String("return_id", id))
	}

	s.audit(ctx, "return_processed", "return_request", updated.ID, fmt.Sprintf("status=%s", updated.Status))
	s.publish(events.Event{Type: events.ReturnProcessed, EntityID: updated.ID, OrderID: updated.OrderID, UserID: updated.UserID, Data: map[string]any{"status": updated.Status}})
	s.notifyUser("return processed", updated.UserID,
		fmt.Sprintf("Update on your return for order %s", updated.OrderCode),
		returnDecisionBody(*updated),
		nil,
	)
	return *updated, nil
}

// UpdateRefundStatus records refund progress on a return independently of its
// approval status. Marking an already COMPLETED refund COMPLETED is a no-op.
func (s *Service) UpdateRefundStatus(ctx context.Context, id string, req domain.RefundStatusUpdateRequest) (rr domain.ReturnRequest, err error) {
	defer func() { s.observe(workflowReturn, "refund_status", err) }()

	admin, err := requireAdmin(ctx)
	if err != nil {
		return rr, err
	}
	if !req.RefundStatus.Valid() {
		return rr, apperr.New(apperr.CodeValidation, "unknown refund status %q", req.RefundStatus)
	}
	if req.RefundAmount != nil && req.RefundAmount.IsNegative() {
		return rr, apperr.New(apperr.CodeValidation, "refund_amount must not be negative")
	}

	now := s.now()
	notes := strings.TrimSpace(req.AdminNotes)
	updated, err := s.repo.UpdateReturnRequest(ctx, id, func(r *domain.ReturnRequest) error {
		if r.RefundDetails == nil {
			calculated := r.ItemDetails.CalculatedRefund()
			r.RefundDetails = &domain.ReturnRefundDetails{
				RefundStatus:             domain.RefundPending,
				ActualRefundAmount:       calculated,
				OriginalCalculatedAmount: calculated,
			}
		}
		rd := r.RefundDetails
		if rd.RefundStatus == domain.RefundCompleted && req.RefundStatus == domain.RefundCompleted {
			return errUnchanged
		}

		rd.RefundStatus = req.RefundStatus
		if v := strings.TrimSpace(req.RefundID); v != "" {
			rd.RefundID = v
		}
		if v := strings.TrimSpace(req.RefundMethod); v != "" {
			rd.RefundMethod = v
		}
		if req.RefundAmount != nil {
			rd.ActualRefundAmount = money.Round(*req.RefundAmount)
			rd.IsCustomAmount = !rd.ActualRefundAmount.Equal(rd.OriginalCalculatedAmount)
		}
		if notes != "" {
			rd.AdminNotes = notes
		}
		if req.RefundStatus == domain.RefundCompleted {
			r.Status = domain.ReturnRefundProcessed
			rd.RefundDate = domain.TimePtr(now)
			if rd.RefundID == "" {
				rd.RefundID = xid.New("rf")
			}
		}
		r.UpdatedAt = now
		r.AppendTimeline("REFUND_"+string(req.RefundStatus), notes, admin.UserID, now)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		current, getErr := s.repo.GetReturnRequest(ctx, id)
		if getErr != nil {
			return rr, s.storeErr("update refund status", "return request", getErr, zap.String("return_id", id))
		}
		return *current, nil
	}
	if errors.Is(err, store.ErrConflict) {
		return rr, apperr.New(apperr.CodeConflict, "another return is already open for this item")
	}
	if err != nil {
		return rr, s.storeErr("update refund status", "return request", err, zap.String("return_id", id))
	}

	rd := updated.RefundDetails
	s.audit(ctx, "refund_status_updated", "return_request", updated.ID,
		fmt.Sprintf("refund_status=%s,amount=%s", rd.RefundStatus, amount(rd.ActualRefundAmount)))
	s.publish(events.Event{Type: events.ReturnRefundUpdated, EntityID: updated.ID, OrderID: updated.OrderID, UserID: updated.UserID, Data: rd})

	var doc *document.Refund
	if rd.RefundStatus == domain.RefundCompleted {
		s.metrics.Refunded(domain.RefundSourceReturn, rd.ActualRefundAmount)
		lineTotal := updated.ItemDetails.OriginalPrice.Mul(decimal.NewFromInt(int64(updated.ItemDetails.Quantity))).Round(2)
		doc = &document.Refund{
			Kind:      document.KindReturnRefund,
			Reference: rd.RefundID,
			OrderID:   updated.OrderID,
			OrderCode: updated.OrderCode,
			Lines: []document.Line{{
				Name:     updated.ItemDetails.Name,
				Quantity: updated.ItemDetails.Quantity,
				Amount:   lineTotal,
			}},
			OrderTotal:       lineTotal,
			RefundAmount:     rd.ActualRefundAmount,
			RefundPercentage: updated.ItemDetails.RefundAmount.Div(nonZero(updated.ItemDetails.OriginalPrice)).Mul(decimal.NewFromInt(100)).Round(2),
			RetainedAmount:   money.Retained(lineTotal, rd.ActualRefundAmount),
			IssuedAt:         now,
		}
	}
	s.notifyUser("refund status updated", updated.UserID,
		fmt.Sprintf("Refund update for order %s", updated.OrderCode),
		returnRefundBody(*updated),
		doc,
	)
	return *updated, nil
}

func noteOr(note string, fallback string) string {
	if note == "" {
		return fallback
	}
	return note
}

func nonZero(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.NewFromInt(1)
	}
	return d
}
