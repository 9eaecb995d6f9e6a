package policy

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"orderflow/backend/internal/domain"
)

type fileTimeRule struct {
	TimeFrameHours   int     `yaml:"time_frame_hours"`
	RefundPercentage float64 `yaml:"refund_percentage"`
	Description      string  `yaml:"description"`
}

type fileStatusRule struct {
	Status           string  `yaml:"status"`
	CanCancel        bool    `yaml:"can_cancel"`
	RefundPercentage float64 `yaml:"refund_percentage"`
	Description      string  `yaml:"description"`
}

type filePolicy struct {
	RefundPercentage       *float64         `yaml:"refund_percentage"`
	ResponseTimeHours      *int             `yaml:"response_time_hours"`
	AllowedReasons         []string         `yaml:"allowed_reasons"`
	TimeBasedRules         []fileTimeRule   `yaml:"time_based_rules"`
	OrderStatusRules       []fileStatusRule `yaml:"order_status_rules"`
	Terms                  []string         `yaml:"terms"`
	ReturnWindowDays       *int             `yaml:"return_window_days"`
	ReturnRefundPercentage *float64         `yaml:"return_refund_percentage"`
	ReRequestCooldownHours *int             `yaml:"re_request_cooldown_hours"`
}

// LoadFile reads a YAML policy seed. Absent keys keep the built-in defaults.
func LoadFile(path string) (domain.CancellationPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.CancellationPolicy{}, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (domain.CancellationPolicy, error) {
	var doc filePolicy
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return domain.CancellationPolicy{}, fmt.Errorf("parse policy yaml: %w", err)
	}

	update := domain.PolicyUpdateRequest{
		ResponseTimeHours:      doc.ResponseTimeHours,
		AllowedReasons:         doc.AllowedReasons,
		Terms:                  doc.Terms,
		ReturnWindowDays:       doc.ReturnWindowDays,
		ReRequestCooldownHours: doc.ReRequestCooldownHours,
	}
	if doc.RefundPercentage != nil {
		pct := decimal.NewFromFloat(*doc.RefundPercentage)
		update.RefundPercentage = &pct
	}
	if doc.ReturnRefundPercentage != nil {
		pct := decimal.NewFromFloat(*doc.ReturnRefundPercentage)
		update.ReturnRefundPercentage = &pct
	}
	if doc.TimeBasedRules != nil {
		update.TimeBasedRules = make([]domain.TimeBasedRule, 0, len(doc.TimeBasedRules))
		for _, rule := range doc.TimeBasedRules {
			update.TimeBasedRules = append(update.TimeBasedRules, domain.TimeBasedRule{
				TimeFrameHours:   rule.TimeFrameHours,
				RefundPercentage: decimal.NewFromFloat(rule.RefundPercentage),
				Description:      rule.Description,
			})
		}
	}
	if doc.OrderStatusRules != nil {
		update.OrderStatusRules = make([]domain.OrderStatusRule, 0, len(doc.OrderStatusRules))
		for _, rule := range doc.OrderStatusRules {
			update.OrderStatusRules = append(update.OrderStatusRules, domain.OrderStatusRule{
				Status:           domain.OrderStatus(rule.Status),
				CanCancel:        rule.CanCancel,
				RefundPercentage: decimal.NewFromFloat(rule.RefundPercentage),
				Description:      rule.Description,
			})
		}
	}

	return Apply(Default(), update)
}
