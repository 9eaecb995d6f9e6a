package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "PENDING"
	OrderStatusProcessing    OrderStatus = "PROCESSING"
	OrderStatusShipped       OrderStatus = "SHIPPED"
	OrderStatusDelivered     OrderStatus = "DELIVERED"
	OrderStatusCancelled     OrderStatus = "CANCELLED"
	OrderStatusRefunded      OrderStatus = "REFUNDED"
	OrderStatusReturned      OrderStatus = "RETURNED"
	OrderStatusPartialRefund OrderStatus = "PARTIAL_REFUND"
	OrderStatusPartialReturn OrderStatus = "PARTIAL_RETURN"
	OrderStatusOnHold        OrderStatus = "ON_HOLD"
	OrderStatusFailed        OrderStatus = "FAILED"

	// OrderStatusOutForDelivery is reported by carriers. The state machine has
	// no transitions out of it but cancellation must still refuse it.
	OrderStatusOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
)

type PaymentStatus string

const (
	PaymentStatusPending          PaymentStatus = "PENDING"
	PaymentStatusPaid             PaymentStatus = "PAID"
	PaymentStatusFailed           PaymentStatus = "FAILED"
	PaymentStatusRefundProcessing PaymentStatus = "REFUND_PROCESSING"
	PaymentStatusRefundSuccessful PaymentStatus = "REFUND_SUCCESSFUL"
)

const (
	PaymentMethodCashOnDelivery = "Cash on Delivery"
	PaymentMethodOnline         = "Online Payment"
)

type ItemType string

const (
	ItemTypeProduct ItemType = "product"
	ItemTypeBundle  ItemType = "bundle"
)

type ProductLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Image     string          `json:"image,omitempty"`
	Size      string          `json:"size,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type BundleLine struct {
	BundleID    string          `json:"bundle_id"`
	Name        string          `json:"name"`
	Image       string          `json:"image,omitempty"`
	BundlePrice decimal.Decimal `json:"bundle_price"`
}

// LineItem is either a product line or a bundle line, selected by Type.
// Exactly one of Product and Bundle is set.
type LineItem struct {
	ID        string          `json:"id"`
	Type      ItemType        `json:"item_type"`
	Quantity  int             `json:"quantity"`
	ItemTotal decimal.Decimal `json:"item_total"`
	Product   *ProductLine    `json:"product,omitempty"`
	Bundle    *BundleLine     `json:"bundle,omitempty"`
}

func NewProductItem(id string, quantity int, line ProductLine) LineItem {
	item := LineItem{ID: id, Type: ItemTypeProduct, Quantity: quantity, Product: &line}
	item.ItemTotal = item.UnitPrice().Mul(decimal.NewFromInt(int64(quantity))).Round(2)
	return item
}

func NewBundleItem(id string, quantity int, line BundleLine) LineItem {
	item := LineItem{ID: id, Type: ItemTypeBundle, Quantity: quantity, Bundle: &line}
	item.ItemTotal = item.UnitPrice().Mul(decimal.NewFromInt(int64(quantity))).Round(2)
	return item
}

func (l LineItem) UnitPrice() decimal.Decimal {
	switch l.Type {
	case ItemTypeProduct:
		if l.Product != nil {
			return l.Product.UnitPrice
		}
	case ItemTypeBundle:
		if l.Bundle != nil {
			return l.Bundle.BundlePrice
		}
	}
	return decimal.Zero
}

func (l LineItem) Name() string {
	switch {
	case l.Type == ItemTypeProduct && l.Product != nil:
		return l.Product.Name
	case l.Type == ItemTypeBundle && l.Bundle != nil:
		return l.Bundle.Name
	}
	return ""
}

func (l LineItem) Image() string {
	switch {
	case l.Type == ItemTypeProduct && l.Product != nil:
		return l.Product.Image
	case l.Type == ItemTypeBundle && l.Bundle != nil:
		return l.Bundle.Image
	}
	return ""
}

// Reference returns the product or bundle id the line points at.
func (l LineItem) Reference() string {
	switch {
	case l.Type == ItemTypeProduct && l.Product != nil:
		return l.Product.ProductID
	case l.Type == ItemTypeBundle && l.Bundle != nil:
		return l.Bundle.BundleID
	}
	return ""
}

func (l LineItem) Size() string {
	if l.Type == ItemTypeProduct && l.Product != nil {
		return l.Product.Size
	}
	return ""
}

type StatusChange struct {
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Reason    string      `json:"reason,omitempty"`
	Actor     string      `json:"actor,omitempty"`
}

type OrderRefundDetails struct {
	RefundID         string          `json:"refund_id"`
	Amount           decimal.Decimal `json:"amount"`
	RefundPercentage decimal.Decimal `json:"refund_percentage"`
	RefundDate       time.Time       `json:"refund_date"`
	RetainedAmount   decimal.Decimal `json:"retained_amount"`
}

type Order struct {
	ID                      string              `json:"id"`
	OrderCode               string              `json:"order_code"`
	UserID                  string              `json:"user_id"`
	Items                   []LineItem          `json:"items"`
	Status                  OrderStatus         `json:"order_status"`
	StatusHistory           []StatusChange      `json:"status_history"`
	LastStatusUpdate        *time.Time          `json:"last_status_update,omitempty"`
	PaymentMethod           string              `json:"payment_method"`
	PaymentStatus           PaymentStatus       `json:"payment_status"`
	PaymentReference        string              `json:"payment_reference,omitempty"`
	SubTotalAmt             decimal.Decimal     `json:"sub_total_amt"`
	TotalAmt                decimal.Decimal     `json:"total_amt"`
	ShippedDate             *time.Time          `json:"shipped_date,omitempty"`
	ActualDeliveryDate      *time.Time          `json:"actual_delivery_date,omitempty"`
	DeliveryDurationSeconds int64               `json:"delivery_duration_seconds,omitempty"`
	RefundDate              *time.Time          `json:"refund_date,omitempty"`
	RefundDetails           *OrderRefundDetails `json:"refund_details,omitempty"`
	CreatedAt               time.Time           `json:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

func (o Order) FindItem(itemID string) (LineItem, bool) {
	for _, item := range o.Items {
		if item.ID == itemID {
			return item, true
		}
	}
	return LineItem{}, false
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (o Order) Clone() Order {
	out := o
	out.Items = make([]LineItem, len(o.Items))
	for i, item := range o.Items {
		if item.Product != nil {
			p := *item.Product
			item.Product = &p
		}
		if item.Bundle != nil {
			b := *item.Bundle
			item.Bundle = &b
		}
		out.Items[i] = item
	}
	out.StatusHistory = append([]StatusChange(nil), o.StatusHistory...)
	out.LastStatusUpdate = cloneTime(o.LastStatusUpdate)
	out.ShippedDate = cloneTime(o.ShippedDate)
	out.ActualDeliveryDate = cloneTime(o.ActualDeliveryDate)
	out.RefundDate = cloneTime(o.RefundDate)
	if o.RefundDetails != nil {
		rd := *o.RefundDetails
		out.RefundDetails = &rd
	}
	return out
}

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type Actor struct {
	UserID string
	Role   string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func TimePtr(t time.Time) *time.Time {
	return &t
}
