// Package policy owns the cancellation/return policy: its bootstrap default,
// refund percentage resolution and the return eligibility window.
package policy

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/backend/internal/apperr"
	"orderflow/backend/internal/domain"
)

const (
	DefaultRefundPercentage       = 65
	DefaultResponseTimeHours      = 48
	DefaultReturnWindowDays       = 30
	DefaultReturnRefundPercentage = 65
	DefaultReRequestCooldownHours = 24
)

// Default is the policy bootstrapped when none has been persisted.
func Default() domain.CancellationPolicy {
	return domain.CancellationPolicy{
		IsActive:          true,
		RefundPercentage:  decimal.NewFromInt(DefaultRefundPercentage),
		ResponseTimeHours: DefaultResponseTimeHours,
		AllowedReasons: []string{
			"Changed my mind",
			"Found a better price elsewhere",
			"Ordered by mistake",
			"Delivery time too long",
			"Need to change shipping address",
			"Other",
		},
		TimeBasedRules: []domain.TimeBasedRule{
			{TimeFrameHours: 2, RefundPercentage: decimal.NewFromInt(100), Description: "Cancelled within 2 hours of placing the order"},
			{TimeFrameHours: 24, RefundPercentage: decimal.NewFromInt(90), Description: "Cancelled within 24 hours of placing the order"},
			{TimeFrameHours: 72, RefundPercentage: decimal.NewFromInt(75), Description: "Cancelled within 3 days of placing the order"},
		},
		OrderStatusRules: []domain.OrderStatusRule{
			{Status: domain.OrderStatusPending, CanCancel: true, RefundPercentage: decimal.NewFromInt(100), Description: "Not yet processed"},
			{Status: domain.OrderStatusProcessing, CanCancel: true, RefundPercentage: decimal.NewFromInt(75), Description: "Being prepared for shipment"},
			{Status: domain.OrderStatusShipped, CanCancel: false, RefundPercentage: decimal.Zero, Description: "Already handed to the carrier"},
			{Status: domain.OrderStatusDelivered, CanCancel: false, RefundPercentage: decimal.Zero, Description: "Use a return request instead"},
		},
		Terms: []string{
			"Cancellation requests are reviewed within 48 hours.",
			"Refunds are issued to the original online payment method.",
			"Cash on Delivery orders cannot be cancelled online.",
			"Items can be returned within 30 days of delivery.",
		},
		ReturnWindowDays:       DefaultReturnWindowDays,
		ReturnRefundPercentage: decimal.NewFromInt(DefaultReturnRefundPercentage),
		ReRequestCooldownHours: DefaultReRequestCooldownHours,
	}
}

type Source string

const (
	SourceOrderStatus Source = "order_status"
	SourceTimeBased   Source = "time_based"
	SourceDefault     Source = "default"
)

type Resolution struct {
	Percentage decimal.Decimal
	CanCancel  bool
	Source     Source
}

// Resolve picks the refund percentage for order. An exact order-status rule
// wins, then the smallest time-based rule covering the time since placement,
// then the global default.
func Resolve(order domain.Order, p domain.CancellationPolicy, now time.Time) Resolution {
	for _, rule := range p.OrderStatusRules {
		if rule.Status == order.Status {
			return Resolution{Percentage: rule.RefundPercentage, CanCancel: rule.CanCancel, Source: SourceOrderStatus}
		}
	}

	rules := append([]domain.TimeBasedRule(nil), p.TimeBasedRules...)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].TimeFrameHours < rules[j].TimeFrameHours
	})
	elapsed := now.Sub(order.CreatedAt)
	for _, rule := range rules {
		if rule.TimeFrameHours <= 0 {
			continue
		}
		if elapsed <= time.Duration(rule.TimeFrameHours)*time.Hour {
			return Resolution{Percentage: rule.RefundPercentage, CanCancel: true, Source: SourceTimeBased}
		}
	}

	return Resolution{Percentage: p.RefundPercentage, CanCancel: true, Source: SourceDefault}
}

func returnWindow(p domain.CancellationPolicy) time.Duration {
	days := p.ReturnWindowDays
	if days < 1 {
		days = DefaultReturnWindowDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ReturnEligible reports whether now is within the return window of delivered.
func ReturnEligible(delivered time.Time, now time.Time, p domain.CancellationPolicy) bool {
	return now.Sub(delivered) <= returnWindow(p)
}

// ReturnExpiry is the last instant a return may be requested for delivered.
func ReturnExpiry(delivered time.Time, p domain.CancellationPolicy) time.Time {
	return delivered.Add(returnWindow(p))
}

func ReturnPercentage(p domain.CancellationPolicy) decimal.Decimal {
	if p.ReturnRefundPercentage.IsZero() {
		return decimal.NewFromInt(DefaultReturnRefundPercentage)
	}
	return p.ReturnRefundPercentage
}

func ReRequestCooldown(p domain.CancellationPolicy) time.Duration {
	if p.ReRequestCooldownHours < 0 {
		return DefaultReRequestCooldownHours * time.Hour
	}
	return time.Duration(p.ReRequestCooldownHours) * time.Hour
}

var hundred = decimal.NewFromInt(100)

func validPercentage(pct decimal.Decimal) bool {
	return !pct.IsNegative() && pct.LessThanOrEqual(hundred)
}

// ValidatePercentage rejects values outside 0..100.
func ValidatePercentage(field string, pct decimal.Decimal) error {
	if !validPercentage(pct) {
		return apperr.New(apperr.CodeValidation, "%s must be between 0 and 100", field)
	}
	return nil
}

// Apply merges the present fields of update into p.
func Apply(p domain.CancellationPolicy, update domain.PolicyUpdateRequest) (domain.CancellationPolicy, error) {
	out := p.Clone()
	if update.RefundPercentage != nil {
		if err := ValidatePercentage("refund_percentage", *update.RefundPercentage); err != nil {
			return p, err
		}
		out.RefundPercentage = *update.RefundPercentage
	}
	if update.ResponseTimeHours != nil {
		out.ResponseTimeHours = *update.ResponseTimeHours
	}
	if update.AllowedReasons != nil {
		out.AllowedReasons = append([]string(nil), update.AllowedReasons...)
	}
	if update.TimeBasedRules != nil {
		for _, rule := range update.TimeBasedRules {
			if rule.TimeFrameHours < 1 {
				return p, apperr.New(apperr.CodeValidation, "time_frame_hours must be positive")
			}
			if err := ValidatePercentage("time_based_rules.refund_percentage", rule.RefundPercentage); err != nil {
				return p, err
			}
		}
		out.TimeBasedRules = append([]domain.TimeBasedRule(nil), update.TimeBasedRules...)
	}
	if update.OrderStatusRules != nil {
		seen := make(map[domain.OrderStatus]bool, len(update.OrderStatusRules))
		for _, rule := range update.OrderStatusRules {
			if rule.Status == "" || seen[rule.Status] {
				return p, apperr.New(apperr.CodeValidation, "order_status_rules must name each status once")
			}
			seen[rule.Status] = true
			if err := ValidatePercentage("order_status_rules.refund_percentage", rule.RefundPercentage); err != nil {
				return p, err
			}
		}
		out.OrderStatusRules = append([]domain.OrderStatusRule(nil), update.OrderStatusRules...)
	}
	if update.Terms != nil {
		out.Terms = append([]string(nil), update.Terms...)
	}
	if update.ReturnWindowDays != nil {
		out.ReturnWindowDays = *update.ReturnWindowDays
	}
	if update.ReturnRefundPercentage != nil {
		if err := ValidatePercentage("return_refund_percentage", *update.ReturnRefundPercentage); err != nil {
			return p, err
		}
		out.ReturnRefundPercentage = *update.ReturnRefundPercentage
	}
	if update.ReRequestCooldownHours != nil {
		out.ReRequestCooldownHours = *update.ReRequestCooldownHours
	}
	out.IsActive = true
	return out, nil
}
