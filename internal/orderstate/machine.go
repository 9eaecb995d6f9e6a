// Package orderstate validates order status transitions and applies their
// side effects to an in-memory order. It never persists anything.
package orderstate

import (
	"slices"
	"time"

	"orderflow/backend/internal/apperr"
	"orderflow/backend/internal/domain"
)

var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:       {domain.OrderStatusProcessing, domain.OrderStatusCancelled, domain.OrderStatusFailed, domain.OrderStatusOnHold},
	domain.OrderStatusProcessing:    {domain.OrderStatusShipped, domain.OrderStatusCancelled, domain.OrderStatusOnHold},
	domain.OrderStatusShipped:       {domain.OrderStatusDelivered, domain.OrderStatusReturned, domain.OrderStatusPartialReturn},
	domain.OrderStatusDelivered:     {domain.OrderStatusReturned, domain.OrderStatusPartialReturn},
	domain.OrderStatusOnHold:        {domain.OrderStatusProcessing, domain.OrderStatusCancelled, domain.OrderStatusFailed},
	domain.OrderStatusCancelled:     {domain.OrderStatusRefunded},
	domain.OrderStatusPartialReturn: {domain.OrderStatusPartialRefund},
	domain.OrderStatusReturned:      {domain.OrderStatusRefunded},
}

// Statuses lists every state the machine knows about.
var Statuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
	domain.OrderStatusCancelled,
	domain.OrderStatusRefunded,
	domain.OrderStatusReturned,
	domain.OrderStatusPartialRefund,
	domain.OrderStatusPartialReturn,
	domain.OrderStatusOnHold,
	domain.OrderStatusFailed,
}

func IsKnown(status domain.OrderStatus) bool {
	return slices.Contains(Statuses, status)
}

// AvailableTransitions returns the legal next states. Terminal states yield an empty slice.
func AvailableTransitions(status domain.OrderStatus) []domain.OrderStatus {
	next := transitions[status]
	out := make([]domain.OrderStatus, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from → to is allowed. A self-transition is always allowed.
func CanTransition(from domain.OrderStatus, to domain.OrderStatus) bool {
	if from == to {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// ChangeStatus moves order to target and records the change. On an illegal
// transition the order is left untouched.
func ChangeStatus(order *domain.Order, target domain.OrderStatus, reason string, actor string, at time.Time) error {
	if !CanTransition(order.Status, target) {
		return apperr.New(apperr.CodeInvalidTransition, "cannot transition order from %s to %s", order.Status, target)
	}

	at = at.UTC()
	order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
		Status:    target,
		Timestamp: at,
		Reason:    reason,
		Actor:     actor,
	})
	order.LastStatusUpdate = domain.TimePtr(at)
	order.UpdatedAt = at

	if order.Status == target {
		return nil
	}
	order.Status = target

	switch target {
	case domain.OrderStatusShipped:
		order.ShippedDate = domain.TimePtr(at)
	case domain.OrderStatusDelivered:
		order.ActualDeliveryDate = domain.TimePtr(at)
		if order.ShippedDate != nil {
			order.DeliveryDurationSeconds = int64(at.Sub(*order.ShippedDate) / time.Second)
		}
	case domain.OrderStatusRefunded:
		order.RefundDate = domain.TimePtr(at)
	}
	return nil
}
