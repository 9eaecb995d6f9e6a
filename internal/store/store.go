package store

import (
	"context"
	"errors"

	"orderflow/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation, e.g. a second active
	// cancellation for the same order. It is never used for serialization
	// aborts; those surface as ErrSerialization.
	ErrConflict         = errors.New("conflict")
	ErrQuantityExceeded = errors.New("return quantity exceeds purchased quantity")
	// ErrSerialization reports a transaction aborted by a concurrent writer.
	// Nothing was written and the operation can be retried as is.
	ErrSerialization = errors.New("concurrent update, retry")
)

// CancellationMutation edits a request and its order inside one transaction.
// Returning an error aborts both writes.
type CancellationMutation func(req *domain.CancellationRequest, order *domain.Order) error

type Repository interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	CreateUser(ctx context.Context, user domain.User) error

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	// ListOrdersByUser returns the user's orders, restricted to statuses when non-empty.
	ListOrdersByUser(ctx context.Context, userID string, statuses ...domain.OrderStatus) ([]domain.Order, error)
	SaveOrder(ctx context.Context, order domain.Order) error
	UpdateOrder(ctx context.Context, id string, fn func(order *domain.Order) error) (*domain.Order, error)

	GetActivePolicy(ctx context.Context) (*domain.CancellationPolicy, error)
	UpsertActivePolicy(ctx context.Context, policy domain.CancellationPolicy) (*domain.CancellationPolicy, error)

	// CreateCancellationRequest fails with ErrConflict when the order already
	// has a PENDING or APPROVED request.
	CreateCancellationRequest(ctx context.Context, req domain.CancellationRequest) (*domain.CancellationRequest, error)
	GetCancellationRequest(ctx context.Context, id string) (*domain.CancellationRequest, error)
	FindActiveCancellation(ctx context.Context, orderID string) (*domain.CancellationRequest, error)
	ListCancellationRequests(ctx context.Context, filter domain.ListFilter) ([]domain.CancellationRequest, int, error)
	ListCancellationRequestsByUser(ctx context.Context, userID string) ([]domain.CancellationRequest, error)
	UpdateCancellation(ctx context.Context, id string, fn CancellationMutation) (*domain.CancellationRequest, *domain.Order, error)

	// CreateReturnRequest fails with ErrConflict when the line already has an
	// active request and with ErrQuantityExceeded when the quantity is larger
	// than what was purchased.
	CreateReturnRequest(ctx context.Context, req domain.ReturnRequest) (*domain.ReturnRequest, error)
	GetReturnRequest(ctx context.Context, id string) (*domain.ReturnRequest, error)
	ListReturnRequestsByUser(ctx context.Context, userID string) ([]domain.ReturnRequest, error)
	ListReturnRequests(ctx context.Context, filter domain.ListFilter) ([]domain.ReturnRequest, int, error)
	// ActiveReturnQuantities sums active return quantities per item id.
	ActiveReturnQuantities(ctx context.Context, orderID string) (map[string]int, error)
	// UpdateReturnRequest re-checks the line invariants when fn moves an
	// inactive request back to an active status.
	UpdateReturnRequest(ctx context.Context, id string, fn func(req *domain.ReturnRequest) error) (*domain.ReturnRequest, error)

	ListRefunds(ctx context.Context, filter domain.ListFilter) ([]domain.RefundRecord, int, error)
	CancellationStats(ctx context.Context) (domain.StatusTotals, error)
	ReturnStats(ctx context.Context) (domain.StatusTotals, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
}
