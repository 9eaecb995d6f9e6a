package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/backend/internal/apperr"
	"orderflow/backend/internal/document"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/notify"
	"orderflow/backend/internal/payment"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []payment.RefundRequest
}

func (g *fakeGateway) Refund(_ context.Context, req payment.RefundRequest) (payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return payment.RefundResult{ID: "re_test_1", Status: "succeeded"}, nil
}

type fixture struct {
	svc     *Service
	repo    *memory.Store
	clock   *testClock
	mail    *notify.Recorder
	gateway *fakeGateway
}

const (
	customerID = "usr-c"
	otherID    = "usr-o"
	adminID    = "usr-a"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	for _, u := range []domain.User{
		{ID: customerID, Name: "Casey", Email: "casey@orderflow.test", Role: domain.RoleCustomer, Active: true},
		{ID: otherID, Name: "Olive", Email: "olive@orderflow.test", Role: domain.RoleCustomer, Active: true},
		{ID: adminID, Name: "Ada", Email: "ada@orderflow.test", Role: domain.RoleAdmin, Active: true},
	} {
		require.NoError(t, repo.CreateUser(context.Background(), u))
	}

	f := &fixture{
		repo:    repo,
		clock:   &testClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
		mail:    &notify.Recorder{},
		gateway: &fakeGateway{},
	}
	f.svc = New(repo, Deps{
		Notifier:  f.mail,
		Documents: document.NewFileGenerator(t.TempDir(), document.HTMLRenderer{}, nil, nil),
		Payments:  f.gateway,
		Now:       f.clock.Now,
	})
	return f
}

func customer() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: customerID, Role: domain.RoleCustomer})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: adminID, Role: domain.RoleAdmin})
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Drain(ctx))
}

func (f *fixture) placeOrder(t *testing.T, id string, status domain.OrderStatus, total string, placedAgo time.Duration) domain.Order {
	t.Helper()
	price := decimal.RequireFromString(total)
	now := f.clock.Now()
	order := domain.Order{
		ID:               id,
		OrderCode:        "CODE-" + id,
		UserID:           customerID,
		Items:            []domain.LineItem{domain.NewProductItem(id+"-1", 1, domain.ProductLine{ProductID: "p-" + id, Name: "Item " + id, UnitPrice: price})},
		Status:           status,
		PaymentMethod:    domain.PaymentMethodOnline,
		PaymentStatus:    domain.PaymentStatusPaid,
		PaymentReference: "pi_" + id,
		SubTotalAmt:      price,
		TotalAmt:         price,
		CreatedAt:        now.Add(-placedAgo),
		UpdatedAt:        now.Add(-placedAgo),
	}
	require.NoError(t, f.repo.SaveOrder(context.Background(), order))
	return order
}

func (f *fixture) deliveredOrder(t *testing.T, id string, deliveredAgo time.Duration, items ...domain.LineItem) domain.Order {
	t.Helper()
	now := f.clock.Now()
	delivered := now.Add(-deliveredAgo)
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.ItemTotal)
	}
	order := domain.Order{
		ID:                 id,
		OrderCode:          "CODE-" + id,
		UserID:             customerID,
		Items:              items,
		Status:             domain.OrderStatusDelivered,
		PaymentMethod:      domain.PaymentMethodOnline,
		PaymentStatus:      domain.PaymentStatusPaid,
		SubTotalAmt:        total,
		TotalAmt:           total,
		ActualDeliveryDate: &delivered,
		CreatedAt:          delivered.Add(-72 * time.Hour),
		UpdatedAt:          delivered,
	}
	require.NoError(t, f.repo.SaveOrder(context.Background(), order))
	return order
}

func product(id string, qty int, price string) domain.LineItem {
	return domain.NewProductItem(id, qty, domain.ProductLine{ProductID: "p-" + id, Name: "Product " + id, UnitPrice: decimal.RequireFromString(price)})
}

func TestRequestCancellationUsesOrderStatusRule(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "ord-1", domain.OrderStatusProcessing, "200.00", 100*time.Hour)

	resp, err := f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: "ord-1", Reason: "Changed my mind"})
	require.NoError(t, err)
	assert.Equal(t, "75", resp.RefundPercentage.String())
	assert.Equal(t, "150.00", resp.ExpectedRefund.StringFixed(2))
	assert.Equal(t, domain.CancellationPending, resp.Request.Status)

	f.drain(t)
	msgs := f.mail.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "casey@orderflow.test", msgs[0].To)
	assert.Contains(t, msgs[0].HTMLBody, "150.00")
}

func TestRequestCancellationRejectsSecondActiveRequest(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "ord-1", domain.OrderStatusPending, "50.00", time.Hour)

	_, err := f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: "ord-1", Reason: "Other"})
	require.NoError(t, err)

	_, err = f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: "ord-1", Reason: "Other"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestRequestCancellationRejectsCashOnDelivery(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "ord-cod", domain.OrderStatusPending, "50.00", time.Hour)
	order.PaymentMethod = domain.PaymentMethodCashOnDelivery
	order.PaymentStatus = domain.PaymentStatusPending
	require.NoError(t, f.repo.SaveOrder(context.Background(), order))

	_, err := f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: "ord-cod", Reason: "Other"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestRequestCancellationGuards(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "ord-shipped", domain.OrderStatusShipped, "50.00", time.Hour)
	f.placeOrder(t, "ord-delivered", domain.OrderStatusDelivered, "50.00", time.Hour)
	f.placeOrder(t, "ord-ofd", domain.OrderStatusOutForDelivery, "50.00", time.Hour)
	f.placeOrder(t, "ord-mine", domain.OrderStatusPending, "50.00", time.Hour)

	cases := map[string]error{
		"ord-shipped":   apperr.ErrInvalidState,
		"ord-delivered": apperr.ErrInvalidState,
		"ord-ofd":       apperr.ErrInvalidState,
		"ord-missing":   apperr.ErrNotFound,
	}
	for orderID, want := range cases {
		_, err := f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: orderID, Reason: "Other"})
		assert.ErrorIs(t, err, want, orderID)
	}

	other := WithActor(context.Background(), domain.Actor{UserID: otherID, Role: domain.RoleCustomer})
	_, err := f.svc.RequestCancellation(other, domain.CancellationCreateRequest{OrderID: "ord-mine", Reason: "Other"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.RequestCancellation(context.Background(), domain.CancellationCreateRequest{OrderID: "ord-mine", Reason: "Other"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestCancellationApproveAndCompleteRefund(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "ord-1", domain.OrderStatusPending, "999.99", time.Hour)

	created, err := f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: "ord-1", Reason: "Ordered by mistake"})
	require.NoError(t, err)

	_, err = f.svc.ProcessCancellation(customer(), created.Request.ID, domain.CancellationProcessRequest{Action: domain.CancellationActionApprove})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	custom := decimal.NewFromInt(65)
	processed, err := f.svc.ProcessCancellation(adminCtx(), created.Request.ID, domain.CancellationProcessRequest{
		Action:                 domain.CancellationActionApprove,
		AdminComments:          "approved",
		CustomRefundPercentage: &custom,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CancellationApproved, processed.Request.Status)
	assert.Equal(t, "649.99", processed.Request.AdminResponse.RefundAmount.StringFixed(2))
	assert.Equal(t, domain.RefundProcessing, processed.Request.RefundDetails.RefundStatus)
	assert.Equal(t, domain.OrderStatusCancelled, processed.Order.Status)
	assert.Equal(t, domain.PaymentStatusRefundProcessing, processed.Order.PaymentStatus)

	_, err = f.svc.ProcessCancellation(adminCtx(), created.Request.ID, domain.CancellationProcessRequest{Action: domain.CancellationActionReject})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	completed, err := f.svc.CompleteRefund(adminCtx(), created.Request.ID, domain.RefundCompleteRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCompleted, completed.Request.RefundDetails.RefundStatus)
	assert.Equal(t, "re_test_1", completed.Request.RefundDetails.RefundID)
	require.NotNil(t, completed.Order.RefundDetails)
	assert.Equal(t, "350.00", completed.Order.RefundDetails.RetainedAmount.StringFixed(2))
	assert.Equal(t, domain.PaymentStatusRefundSuccessful, completed.Order.PaymentStatus)
	assert.Equal(t, domain.OrderStatusCancelled, completed.Order.Status)

	require.Len(t, f.gateway.requests, 1)
	assert.Equal(t, "pi_ord-1", f.gateway.requests[0].PaymentReference)
	assert.Equal(t, "refund-"+created.Request.ID, f.gateway.requests[0].IdempotencyKey)

	_, err = f.svc.CompleteRefund(adminCtx(), created.Request.ID, domain.RefundCompleteRequest{TransactionID: "txn-2"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Len(t, f.gateway.requests, 1)

	f.drain(t)
	msgs := f.mail.Messages()
	require.Len(t, msgs, 3)
	var attachments []notify.Attachment
	for _, msg := range msgs {
		attachments = append(attachments, msg.Attachments...)
	}
	require.Len(t, attachments, 1)
	assert.Contains(t, string(attachments[0].Data), "649.99")

	logs, err := f.svc.ListAuditLogs(adminCtx(), 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestRejectedCancellationLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "ord-1", domain.OrderStatusProcessing, "80.00", time.Hour)
	created, err := f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: "ord-1", Reason: "Other"})
	require.NoError(t, err)

	processed, err := f.svc.ProcessCancellation(adminCtx(), created.Request.ID, domain.CancellationProcessRequest{Action: domain.CancellationActionReject, AdminComments: "already packed"})
	require.NoError(t, err)
	assert.Equal(t, domain.CancellationRejected, processed.Request.Status)
	assert.True(t, processed.Request.AdminResponse.RefundAmount.IsZero())
	assert.Equal(t, domain.OrderStatusProcessing, processed.Order.Status)

	_, err = f.svc.CompleteRefund(adminCtx(), created.Request.ID, domain.RefundCompleteRequest{TransactionID: "txn"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: "ord-1", Reason: "Other"})
	assert.NoError(t, err)
}

func TestNotificationFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	f.mail.Err = errors.New("smtp down")
	f.placeOrder(t, "ord-1", domain.OrderStatusPending, "10.00", time.Hour)

	_, err := f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: "ord-1", Reason: "Other"})
	require.NoError(t, err)
	f.drain(t)
	assert.Len(t, f.mail.Messages(), 1)
}

func TestListEligibleItemsAppliesReturnPercentage(t *testing.T) {
	f := newFixture(t)
	f.deliveredOrder(t, "ord-r", 10*24*time.Hour, product("itm-a", 2, "20.00"), product("itm-b", 1, "100.00"))
	f.deliveredOrder(t, "ord-old", 31*24*time.Hour, product("itm-old", 1, "10.00"))

	items, err := f.svc.ListEligibleItems(customer(), "")
	require.NoError(t, err)
	require.Len(t, items, 2)

	byID := map[string]domain.EligibleItem{}
	for _, item := range items {
		byID[item.ItemID] = item
	}
	assert.Equal(t, "13.00", byID["itm-a"].RefundAmount.StringFixed(2))
	assert.Equal(t, "26.00", byID["itm-a"].TotalRefundAmount.StringFixed(2))
	assert.Equal(t, 2, byID["itm-a"].AvailableQuantity)
	assert.Equal(t, "65.00", byID["itm-b"].RefundAmount.StringFixed(2))

	scoped, err := f.svc.ListEligibleItems(customer(), "ord-old")
	require.NoError(t, err)
	assert.Empty(t, scoped)
}

func TestCreateReturnRequestPartialSuccess(t *testing.T) {
	f := newFixture(t)
	order := f.deliveredOrder(t, "ord-r", 10*24*time.Hour, product("itm-a", 2, "20.00"), product("itm-b", 1, "100.00"))

	resp, err := f.svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{
		{OrderItemID: "itm-a", Reason: "Too small"},
		{OrderItemID: "itm-b", Reason: "Damaged"},
		{OrderItemID: "itm-unknown", Reason: "Damaged"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.CreatedCount)
	assert.Equal(t, []string{"itm-unknown"}, resp.SkippedItemIDs)
	assert.Equal(t, "91.00", resp.TotalExpectedRefund.StringFixed(2))

	first := resp.Requests[0]
	assert.Equal(t, 2, first.ItemDetails.Quantity)
	assert.True(t, order.ActualDeliveryDate.AddDate(0, 0, 30).Equal(first.EligibilityExpiryDate))
	require.Len(t, first.Timeline, 1)
	assert.Equal(t, string(domain.ReturnRequested), first.Timeline[0].Status)

	_, err = f.svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{{OrderItemID: "itm-a", Reason: "Again"}}})
	assert.ErrorIs(t, err, apperr.ErrNoValidItems)

	items, err := f.svc.ListEligibleItems(customer(), "ord-r")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCreateReturnRequestExpiredFailsWholeBatch(t *testing.T) {
	f := newFixture(t)
	f.deliveredOrder(t, "ord-new", 10*24*time.Hour, product("itm-new", 1, "20.00"))
	f.deliveredOrder(t, "ord-old", 31*24*time.Hour, product("itm-old", 1, "20.00"))

	_, err := f.svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{
		{OrderItemID: "itm-new", Reason: "Too small"},
		{OrderItemID: "itm-old", Reason: "Too small"},
	}})
	assert.ErrorIs(t, err, apperr.ErrExpired)

	active, err := f.repo.ActiveReturnQuantities(context.Background(), "ord-new")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCreateReturnRequestQuantityAbovePurchaseIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.deliveredOrder(t, "ord-r", 24*time.Hour, product("itm-a", 2, "20.00"))

	_, err := f.svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{
		{OrderItemID: "itm-a", Reason: "Too small", RequestedQuantity: 3},
	}})
	assert.ErrorIs(t, err, apperr.ErrNoValidItems)

	resp, err := f.svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{
		{OrderItemID: "itm-a", Reason: "Too small", RequestedQuantity: 1},
	}})
	require.NoError(t, err)
	assert.Equal(t, "13.00", resp.TotalExpectedRefund.StringFixed(2))
}

func createReturn(t *testing.T, f *fixture) domain.ReturnRequest {
	t.Helper()
	f.deliveredOrder(t, "ord-r", 5*24*time.Hour, product("itm-a", 2, "20.00"))
	resp, err := f.svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{{OrderItemID: "itm-a", Reason: "Too small"}}})
	require.NoError(t, err)
	return resp.Requests[0]
}

func TestReRequestReturnHonoursCooldown(t *testing.T) {
	f := newFixture(t)
	rr := createReturn(t, f)

	rejected, err := f.svc.ProcessReturn(adminCtx(), rr.ID, domain.ReturnProcessRequest{Action: domain.ReturnActionReject, AdminComments: "worn"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnRejected, rejected.Status)
	assert.Nil(t, rejected.RefundDetails)

	other := WithActor(context.Background(), domain.Actor{UserID: otherID, Role: domain.RoleCustomer})
	_, err = f.svc.ReRequestReturn(other, rr.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.clock.Advance(23 * time.Hour)
	_, err = f.svc.ReRequestReturn(customer(), rr.ID)
	assert.ErrorIs(t, err, apperr.ErrTooSoon)

	f.clock.Advance(2 * time.Hour)
	reopened, err := f.svc.ReRequestReturn(customer(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnRequested, reopened.Status)
	assert.Nil(t, reopened.AdminResponse)
	assert.Equal(t, timelineReRequested, reopened.Timeline[len(reopened.Timeline)-1].Status)

	_, err = f.svc.ReRequestReturn(customer(), rr.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestProcessReturnWithCustomAmount(t *testing.T) {
	f := newFixture(t)
	rr := createReturn(t, f)

	custom := decimal.RequireFromString("30")
	approved, err := f.svc.ProcessReturn(adminCtx(), rr.ID, domain.ReturnProcessRequest{
		Action:             domain.ReturnActionApprove,
		InspectionNotes:    "tags attached",
		CustomRefundAmount: &custom,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnApproved, approved.Status)
	require.NotNil(t, approved.RefundDetails)
	assert.Equal(t, domain.RefundPending, approved.RefundDetails.RefundStatus)
	assert.Equal(t, "30.00", approved.RefundDetails.ActualRefundAmount.StringFixed(2))
	assert.Equal(t, "26.00", approved.RefundDetails.OriginalCalculatedAmount.StringFixed(2))
	assert.True(t, approved.RefundDetails.IsCustomAmount)
	assert.Equal(t, timelineAmountAdjusted, approved.Timeline[len(approved.Timeline)-1].Status)

	_, err = f.svc.ProcessReturn(adminCtx(), rr.ID, domain.ReturnProcessRequest{Action: domain.ReturnActionReject})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestUpdateRefundStatusCompletedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	rr := createReturn(t, f)
	_, err := f.svc.ProcessReturn(adminCtx(), rr.ID, domain.ReturnProcessRequest{Action: domain.ReturnActionApprove})
	require.NoError(t, err)

	processing, err := f.svc.UpdateRefundStatus(adminCtx(), rr.ID, domain.RefundStatusUpdateRequest{RefundStatus: domain.RefundProcessing, RefundMethod: "card"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnApproved, processing.Status)
	assert.Equal(t, "REFUND_PROCESSING", processing.Timeline[len(processing.Timeline)-1].Status)

	done, err := f.svc.UpdateRefundStatus(adminCtx(), rr.ID, domain.RefundStatusUpdateRequest{RefundStatus: domain.RefundCompleted, RefundID: "rf-42"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnRefundProcessed, done.Status)
	require.NotNil(t, done.RefundDetails.RefundDate)
	assert.Equal(t, "rf-42", done.RefundDetails.RefundID)

	again, err := f.svc.UpdateRefundStatus(adminCtx(), rr.ID, domain.RefundStatusUpdateRequest{RefundStatus: domain.RefundCompleted})
	require.NoError(t, err)
	assert.Len(t, again.Timeline, len(done.Timeline))

	stats, err := f.svc.Dashboard(adminCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Returns.Total)
	assert.Equal(t, "26.00", stats.TotalRefunded.StringFixed(2))
	assert.Len(t, stats.RecentReturns, 1)

	refunds, err := f.svc.ListRefunds(adminCtx(), domain.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, refunds.Total)
	assert.Equal(t, domain.RefundSourceReturn, refunds.Items[0].Source)
}

func TestUpdateRefundStatusWithoutApprovalInitialisesDetails(t *testing.T) {
	f := newFixture(t)
	rr := createReturn(t, f)

	updated, err := f.svc.UpdateRefundStatus(adminCtx(), rr.ID, domain.RefundStatusUpdateRequest{RefundStatus: domain.RefundFailed, AdminNotes: "card expired"})
	require.NoError(t, err)
	require.NotNil(t, updated.RefundDetails)
	assert.Equal(t, domain.RefundFailed, updated.RefundDetails.RefundStatus)
	assert.Equal(t, domain.ReturnRequested, updated.Status)
	assert.Equal(t, "26.00", updated.RefundDetails.ActualRefundAmount.StringFixed(2))
}

func TestCancelReturnRequest(t *testing.T) {
	f := newFixture(t)
	rr := createReturn(t, f)

	other := WithActor(context.Background(), domain.Actor{UserID: otherID, Role: domain.RoleCustomer})
	_, err := f.svc.CancelReturnRequest(other, rr.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.GetReturn(other, rr.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	cancelled, err := f.svc.CancelReturnRequest(customer(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnCancelled, cancelled.Status)

	_, err = f.svc.CancelReturnRequest(customer(), rr.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	items, err := f.svc.ListEligibleItems(customer(), "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].AvailableQuantity)
}

func TestChangeOrderStatusFollowsStateMachine(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "ord-1", domain.OrderStatusProcessing, "10.00", time.Hour)

	transitions, err := f.svc.OrderTransitions(adminCtx(), "ord-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.OrderStatus{domain.OrderStatusShipped, domain.OrderStatusCancelled, domain.OrderStatusOnHold}, transitions.Available)

	_, err = f.svc.ChangeOrderStatus(adminCtx(), "ord-1", domain.OrderStatusChangeRequest{Status: domain.OrderStatusDelivered})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	shipped, err := f.svc.ChangeOrderStatus(adminCtx(), "ord-1", domain.OrderStatusChangeRequest{Status: domain.OrderStatusShipped, Reason: "handed to carrier"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, shipped.Status)
	require.NotNil(t, shipped.ShippedDate)

	_, err = f.svc.ChangeOrderStatus(adminCtx(), "ord-1", domain.OrderStatusChangeRequest{Status: "TELEPORTED"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.ChangeOrderStatus(customer(), "ord-1", domain.OrderStatusChangeRequest{Status: domain.OrderStatusDelivered})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestUpdatePolicyChangesReturnWindow(t *testing.T) {
	f := newFixture(t)
	f.deliveredOrder(t, "ord-r", 10*24*time.Hour, product("itm-a", 1, "20.00"))

	days := 7
	pol, err := f.svc.UpdatePolicy(adminCtx(), domain.PolicyUpdateRequest{ReturnWindowDays: &days})
	require.NoError(t, err)
	assert.Equal(t, 7, pol.ReturnWindowDays)
	assert.Equal(t, adminID, pol.UpdatedBy)

	_, err = f.svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{{OrderItemID: "itm-a", Reason: "late"}}})
	assert.ErrorIs(t, err, apperr.ErrExpired)

	read, err := f.svc.GetPolicy(customer())
	require.NoError(t, err)
	assert.Equal(t, 7, read.ReturnWindowDays)

	bad := decimal.NewFromInt(120)
	_, err = f.svc.UpdatePolicy(adminCtx(), domain.PolicyUpdateRequest{RefundPercentage: &bad})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRequestCancellationRequiresReason(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "ord-1", domain.OrderStatusPending, "50.00", time.Hour)

	for _, reason := range []string{"", "   "} {
		_, err := f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: "ord-1", Reason: reason})
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}

	_, err := f.repo.FindActiveCancellation(context.Background(), "ord-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateReturnRequestRequiresReasonPerItem(t *testing.T) {
	f := newFixture(t)
	f.deliveredOrder(t, "ord-r", 24*time.Hour, product("itm-a", 1, "20.00"), product("itm-b", 1, "30.00"))

	_, err := f.svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{
		{OrderItemID: "itm-a", Reason: "Too small"},
		{OrderItemID: "itm-b", Reason: " "},
	}})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	active, err := f.repo.ActiveReturnQuantities(context.Background(), "ord-r")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestListEligibleItemsOmitsPartiallyReturnedLine(t *testing.T) {
	f := newFixture(t)
	f.deliveredOrder(t, "ord-r", 24*time.Hour, product("itm-a", 3, "20.00"), product("itm-b", 1, "30.00"))

	_, err := f.svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{
		{OrderItemID: "itm-a", Reason: "Too small", RequestedQuantity: 1},
	}})
	require.NoError(t, err)

	items, err := f.svc.ListEligibleItems(customer(), "ord-r")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "itm-b", items[0].ItemID)

	_, err = f.svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{
		{OrderItemID: "itm-a", Reason: "Too small", RequestedQuantity: 1},
	}})
	assert.ErrorIs(t, err, apperr.ErrNoValidItems)
}

func TestCompleteRefundWithoutGatewayGeneratesRefundID(t *testing.T) {
	f := newFixture(t)
	f.svc = New(f.repo, Deps{Notifier: f.mail, Now: f.clock.Now})
	f.placeOrder(t, "ord-1", domain.OrderStatusPending, "40.00", time.Hour)

	created, err := f.svc.RequestCancellation(customer(), domain.CancellationCreateRequest{OrderID: "ord-1", Reason: "Other"})
	require.NoError(t, err)
	_, err = f.svc.ProcessCancellation(adminCtx(), created.Request.ID, domain.CancellationProcessRequest{Action: domain.CancellationActionApprove})
	require.NoError(t, err)

	completed, err := f.svc.CompleteRefund(adminCtx(), created.Request.ID, domain.RefundCompleteRequest{})
	require.NoError(t, err)
	refundID := completed.Request.RefundDetails.RefundID
	require.True(t, strings.HasPrefix(refundID, "rf-"), refundID)
	_, err = uuid.Parse(strings.TrimPrefix(refundID, "rf-"))
	assert.NoError(t, err)
	f.drain(t)
}

// abortingReturnStore fails every return insert the way a serializable
// transaction does when a concurrent writer wins.
type abortingReturnStore struct {
	*memory.Store
}

func (abortingReturnStore) CreateReturnRequest(context.Context, domain.ReturnRequest) (*domain.ReturnRequest, error) {
	return nil, fmt.Errorf("insert return: %w", store.ErrSerialization)
}

func TestCreateReturnRequestSurfacesSerializationAbortAsRetryable(t *testing.T) {
	f := newFixture(t)
	f.deliveredOrder(t, "ord-r", 24*time.Hour, product("itm-a", 1, "20.00"))
	svc := New(abortingReturnStore{f.repo}, Deps{Now: f.clock.Now})

	resp, err := svc.CreateReturnRequest(customer(), domain.ReturnCreateRequest{Items: []domain.ReturnItemInput{
		{OrderItemID: "itm-a", Reason: "Too small"},
	}})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInternal)
	assert.NotErrorIs(t, err, apperr.ErrNoValidItems)
	assert.NotErrorIs(t, err, apperr.ErrConflict)
	assert.True(t, apperr.Retryable(err))
	assert.Empty(t, resp.SkippedItemIDs)
	assert.Zero(t, resp.CreatedCount)
}
