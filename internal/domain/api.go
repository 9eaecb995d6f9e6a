package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CancellationCreateRequest struct {
	OrderID          string `json:"order_id" validate:"required"`
	Reason           string `json:"reason" validate:"required,max=200"`
	AdditionalReason string `json:"additional_reason" validate:"max=1000"`
}

type CancellationCreateResponse struct {
	Request          CancellationRequest `json:"request"`
	RefundPercentage decimal.Decimal     `json:"refund_percentage"`
	ExpectedRefund   decimal.Decimal     `json:"expected_refund"`
}

type CancellationAction string

const (
	CancellationActionApprove CancellationAction = "APPROVED"
	CancellationActionReject  CancellationAction = "REJECTED"
)

type CancellationProcessRequest struct {
	Action                 CancellationAction `json:"action" validate:"required,oneof=APPROVED REJECTED"`
	AdminComments          string             `json:"admin_comments" validate:"max=2000"`
	CustomRefundPercentage *decimal.Decimal   `json:"custom_refund_percentage,omitempty"`
}

type RefundCompleteRequest struct {
	TransactionID string `json:"transaction_id" validate:"max=200"`
	AdminComments string `json:"admin_comments" validate:"max=2000"`
}

type CancellationProcessResponse struct {
	Request CancellationRequest `json:"request"`
	Order   Order               `json:"order"`
}

type ReturnItemInput struct {
	OrderItemID        string `json:"order_item_id" validate:"required"`
	Reason             string `json:"reason" validate:"required,max=200"`
	AdditionalComments string `json:"additional_comments" validate:"max=1000"`
	RequestedQuantity  int    `json:"requested_quantity" validate:"gte=0"`
}

type ReturnCreateRequest struct {
	Items []ReturnItemInput `json:"items" validate:"required,min=1,dive"`
}

type ReturnCreateResponse struct {
	Requests            []ReturnRequest `json:"requests"`
	CreatedCount        int             `json:"created_count"`
	SkippedItemIDs      []string        `json:"skipped_item_ids"`
	TotalExpectedRefund decimal.Decimal `json:"total_expected_refund"`
}

type ReturnAction string

const (
	ReturnActionApprove ReturnAction = "approve"
	ReturnActionReject  ReturnAction = "reject"
)

type ReturnProcessRequest struct {
	Action             ReturnAction     `json:"action" validate:"required,oneof=approve reject"`
	AdminComments      string           `json:"admin_comments" validate:"max=2000"`
	InspectionNotes    string           `json:"inspection_notes" validate:"max=2000"`
	CustomRefundAmount *decimal.Decimal `json:"custom_refund_amount,omitempty"`
}

type RefundStatusUpdateRequest struct {
	RefundStatus RefundStatus     `json:"refund_status" validate:"required,oneof=PENDING PROCESSING COMPLETED FAILED"`
	RefundID     string           `json:"refund_id" validate:"max=200"`
	RefundMethod string           `json:"refund_method" validate:"max=100"`
	RefundAmount *decimal.Decimal `json:"refund_amount,omitempty"`
	AdminNotes   string           `json:"admin_notes" validate:"max=2000"`
}

type EligibleItem struct {
	OrderID               string          `json:"order_id"`
	OrderCode             string          `json:"order_code"`
	ItemID                string          `json:"item_id"`
	ItemType              ItemType        `json:"item_type"`
	Reference             string          `json:"reference"`
	Name                  string          `json:"name"`
	Image                 string          `json:"image,omitempty"`
	Size                  string          `json:"size,omitempty"`
	PurchasedQuantity     int             `json:"purchased_quantity"`
	AvailableQuantity     int             `json:"available_quantity"`
	OriginalPrice         decimal.Decimal `json:"original_price"`
	RefundAmount          decimal.Decimal `json:"refund_amount"`
	TotalRefundAmount     decimal.Decimal `json:"total_refund_amount"`
	DeliveryDate          time.Time       `json:"delivery_date"`
	EligibilityExpiryDate time.Time       `json:"eligibility_expiry_date"`
}

type OrderStatusChangeRequest struct {
	Status OrderStatus `json:"status" validate:"required"`
	Reason string      `json:"reason" validate:"max=500"`
}

type OrderTransitionsResponse struct {
	OrderID   string        `json:"order_id"`
	Current   OrderStatus   `json:"current"`
	Available []OrderStatus `json:"available"`
}

// PolicyUpdateRequest replaces only the fields that are present.
type PolicyUpdateRequest struct {
	RefundPercentage       *decimal.Decimal  `json:"refund_percentage,omitempty"`
	ResponseTimeHours      *int              `json:"response_time_hours,omitempty" validate:"omitempty,gte=1"`
	AllowedReasons         []string          `json:"allowed_reasons,omitempty" validate:"omitempty,dive,required"`
	TimeBasedRules         []TimeBasedRule   `json:"time_based_rules,omitempty"`
	OrderStatusRules       []OrderStatusRule `json:"order_status_rules,omitempty"`
	Terms                  []string          `json:"terms,omitempty"`
	ReturnWindowDays       *int              `json:"return_window_days,omitempty" validate:"omitempty,gte=1,lte=365"`
	ReturnRefundPercentage *decimal.Decimal  `json:"return_refund_percentage,omitempty"`
	ReRequestCooldownHours *int              `json:"re_request_cooldown_hours,omitempty" validate:"omitempty,gte=0"`
}

type ListFilter struct {
	Status string
	From   *time.Time
	To     *time.Time
	Search string
	Page   int
	Limit  int
}

// Offset normalises paging and returns the zero-based row offset.
func (f *ListFilter) Offset() int {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	return (f.Page - 1) * f.Limit
}

type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type DashboardStats struct {
	Cancellations       StatusTotals          `json:"cancellations"`
	Returns             StatusTotals          `json:"returns"`
	TotalRefunded       decimal.Decimal       `json:"total_refunded"`
	RecentCancellations []CancellationRequest `json:"recent_cancellations"`
	RecentReturns       []ReturnRequest       `json:"recent_returns"`
}
