package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CancellationStatus string

const (
	CancellationPending  CancellationStatus = "PENDING"
	CancellationApproved CancellationStatus = "APPROVED"
	CancellationRejected CancellationStatus = "REJECTED"
)

type RefundStatus string

const (
	RefundPending    RefundStatus = "PENDING"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
)

func (s RefundStatus) Valid() bool {
	switch s {
	case RefundPending, RefundProcessing, RefundCompleted, RefundFailed:
		return true
	}
	return false
}

type CancellationAdminResponse struct {
	ProcessedBy      string          `json:"processed_by,omitempty"`
	ProcessedDate    *time.Time      `json:"processed_date,omitempty"`
	Comments         string          `json:"comments,omitempty"`
	RefundPercentage decimal.Decimal `json:"refund_percentage"`
	RefundAmount     decimal.Decimal `json:"refund_amount"`
}

type CancellationRefundDetails struct {
	RefundStatus  RefundStatus `json:"refund_status"`
	RefundID      string       `json:"refund_id,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	RefundDate    *time.Time   `json:"refund_date,omitempty"`
	Notes         string       `json:"notes,omitempty"`
}

type CancellationRequest struct {
	ID               string                    `json:"id"`
	OrderID          string                    `json:"order_id"`
	UserID           string                    `json:"user_id"`
	Reason           string                    `json:"reason"`
	AdditionalReason string                    `json:"additional_reason,omitempty"`
	Status           CancellationStatus        `json:"status"`
	AdminResponse    CancellationAdminResponse `json:"admin_response"`
	RefundDetails    CancellationRefundDetails `json:"refund_details"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// IsActive reports whether the request still blocks a new one for the same order.
func (c CancellationRequest) IsActive() bool {
	return c.Status == CancellationPending || c.Status == CancellationApproved
}

func (c CancellationRequest) Clone() CancellationRequest {
	out := c
	out.AdminResponse.ProcessedDate = cloneTime(c.AdminResponse.ProcessedDate)
	out.RefundDetails.RefundDate = cloneTime(c.RefundDetails.RefundDate)
	return out
}

type ReturnStatus string

const (
	ReturnRequested       ReturnStatus = "REQUESTED"
	ReturnUnderReview     ReturnStatus = "UNDER_REVIEW"
	ReturnApproved        ReturnStatus = "APPROVED"
	ReturnRejected        ReturnStatus = "REJECTED"
	ReturnPickupScheduled ReturnStatus = "PICKUP_SCHEDULED"
	ReturnPickedUp        ReturnStatus = "PICKED_UP"
	ReturnInspected       ReturnStatus = "INSPECTED"
	ReturnRefundProcessed ReturnStatus = "REFUND_PROCESSED"
	ReturnCompleted       ReturnStatus = "COMPLETED"
	ReturnCancelled       ReturnStatus = "CANCELLED"
)

// IsActiveReturnStatus reports whether a return in this status counts against
// the purchased quantity of its line.
func IsActiveReturnStatus(status ReturnStatus) bool {
	return status != ReturnRejected && status != ReturnCancelled
}

type ReturnItemDetails struct {
	ItemType      ItemType        `json:"item_type"`
	ProductID     string          `json:"product_id,omitempty"`
	BundleID      string          `json:"bundle_id,omitempty"`
	Name          string          `json:"name"`
	Image         string          `json:"image,omitempty"`
	Size          string          `json:"size,omitempty"`
	Quantity      int             `json:"quantity"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	RefundAmount  decimal.Decimal `json:"refund_amount"`
}

// CalculatedRefund is the per-unit refund times the requested quantity.
func (d ReturnItemDetails) CalculatedRefund() decimal.Decimal {
	return d.RefundAmount.Mul(decimal.NewFromInt(int64(d.Quantity))).Round(2)
}

type ReturnAdminResponse struct {
	ProcessedBy     string     `json:"processed_by"`
	ProcessedDate   *time.Time `json:"processed_date,omitempty"`
	Comments        string     `json:"comments,omitempty"`
	InspectionNotes string     `json:"inspection_notes,omitempty"`
}

type ReturnRefundDetails struct {
	RefundStatus             RefundStatus    `json:"refund_status"`
	RefundMethod             string          `json:"refund_method,omitempty"`
	RefundID                 string          `json:"refund_id,omitempty"`
	ActualRefundAmount       decimal.Decimal `json:"actual_refund_amount"`
	OriginalCalculatedAmount decimal.Decimal `json:"original_calculated_amount"`
	IsCustomAmount           bool            `json:"is_custom_amount"`
	RefundDate               *time.Time      `json:"refund_date,omitempty"`
	AdminNotes               string          `json:"admin_notes,omitempty"`
}

type TimelineEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

type ReturnRequest struct {
	ID                    string               `json:"id"`
	OrderID               string               `json:"order_id"`
	OrderCode             string               `json:"order_code"`
	UserID                string               `json:"user_id"`
	ItemID                string               `json:"item_id"`
	Reason                string               `json:"reason"`
	AdditionalComments    string               `json:"additional_comments,omitempty"`
	ItemDetails           ReturnItemDetails    `json:"item_details"`
	Status                ReturnStatus         `json:"status"`
	EligibilityExpiryDate time.Time            `json:"eligibility_expiry_date"`
	AdminResponse         *ReturnAdminResponse `json:"admin_response,omitempty"`
	RefundDetails         *ReturnRefundDetails `json:"refund_details,omitempty"`
	Timeline              []TimelineEntry      `json:"timeline"`
	CreatedAt             time.Time            `json:"created_at"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

func (r ReturnRequest) IsActive() bool {
	return IsActiveReturnStatus(r.Status)
}

func (r *ReturnRequest) AppendTimeline(status string, note string, actor string, at time.Time) {
	r.Timeline = append(r.Timeline, TimelineEntry{Status: status, Timestamp: at, Note: note, Actor: actor})
}

func (r ReturnRequest) Clone() ReturnRequest {
	out := r
	out.Timeline = append([]TimelineEntry(nil), r.Timeline...)
	if r.AdminResponse != nil {
		ar := *r.AdminResponse
		ar.ProcessedDate = cloneTime(r.AdminResponse.ProcessedDate)
		out.AdminResponse = &ar
	}
	if r.RefundDetails != nil {
		rd := *r.RefundDetails
		rd.RefundDate = cloneTime(r.RefundDetails.RefundDate)
		out.RefundDetails = &rd
	}
	return out
}

type TimeBasedRule struct {
	TimeFrameHours   int             `json:"time_frame_hours"`
	RefundPercentage decimal.Decimal `json:"refund_percentage"`
	Description      string          `json:"description,omitempty"`
}

type OrderStatusRule struct {
	Status           OrderStatus     `json:"status"`
	CanCancel        bool            `json:"can_cancel"`
	RefundPercentage decimal.Decimal `json:"refund_percentage"`
	Description      string          `json:"description,omitempty"`
}

type CancellationPolicy struct {
	ID                     string            `json:"id"`
	IsActive               bool              `json:"is_active"`
	RefundPercentage       decimal.Decimal   `json:"refund_percentage"`
	ResponseTimeHours      int               `json:"response_time_hours"`
	AllowedReasons         []string          `json:"allowed_reasons"`
	TimeBasedRules         []TimeBasedRule   `json:"time_based_rules"`
	OrderStatusRules       []OrderStatusRule `json:"order_status_rules"`
	Terms                  []string          `json:"terms"`
	ReturnWindowDays       int               `json:"return_window_days"`
	ReturnRefundPercentage decimal.Decimal   `json:"return_refund_percentage"`
	ReRequestCooldownHours int               `json:"re_request_cooldown_hours"`
	LastUpdated            time.Time         `json:"last_updated"`
	UpdatedBy              string            `json:"updated_by,omitempty"`
}

func (p CancellationPolicy) Clone() CancellationPolicy {
	out := p
	out.AllowedReasons = append([]string(nil), p.AllowedReasons...)
	out.TimeBasedRules = append([]TimeBasedRule(nil), p.TimeBasedRules...)
	out.OrderStatusRules = append([]OrderStatusRule(nil), p.OrderStatusRules...)
	out.Terms = append([]string(nil), p.Terms...)
	return out
}

// RefundRecord is a read-side row joining cancellation and return refunds.
type RefundRecord struct {
	Source     string          `json:"source"`
	RequestID  string          `json:"request_id"`
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     RefundStatus    `json:"refund_status"`
	RefundID   string          `json:"refund_id,omitempty"`
	Method     string          `json:"refund_method,omitempty"`
	RefundDate *time.Time      `json:"refund_date,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

const (
	RefundSourceCancellation = "cancellation"
	RefundSourceReturn       = "return"
)

// StatusTotals summarises one workflow for the dashboard.
type StatusTotals struct {
	ByStatus      map[string]int  `json:"by_status"`
	Total         int             `json:"total"`
	RefundedTotal decimal.Decimal `json:"refunded_total"`
}
