package service

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"

	"orderflow/backend/internal/domain"
)

func amount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func paragraphs(lines ...string) string {
	var b strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(line)
		b.WriteString("</p>\n")
	}
	return b.String()
}

func cancellationRequestedBody(order domain.Order, pct decimal.Decimal, expected decimal.Decimal, responseHours int) string {
	return paragraphs(
		fmt.Sprintf("We received your cancellation request for order <strong>%s</strong>.", html.EscapeString(order.OrderCode)),
		fmt.Sprintf("Expected refund: <strong>%s</strong> (%s%% of %s).", amount(expected), pct.String(), amount(order.TotalAmt)),
		fmt.Sprintf("Our team will review it within %d hours.", responseHours),
	)
}

func cancellationDecisionBody(order domain.Order, req domain.CancellationRequest) string {
	if req.Status == domain.CancellationApproved {
		return paragraphs(
			fmt.Sprintf("Your cancellation for order <strong>%s</strong> was approved.", html.EscapeString(order.OrderCode)),
			fmt.Sprintf("A refund of <strong>%s</strong> is being processed and usually reaches your account within 5-7 business days.", amount(req.AdminResponse.RefundAmount)),
			html.EscapeString(req.AdminResponse.Comments),
		)
	}
	return paragraphs(
		fmt.Sprintf("Your cancellation for order <strong>%s</strong> was not approved.", html.EscapeString(order.OrderCode)),
		html.EscapeString(req.AdminResponse.Comments),
	)
}

func refundCompletedBody(orderCode string, refunded decimal.Decimal, refundID string) string {
	return paragraphs(
		fmt.Sprintf("Your refund of <strong>%s</strong> for order <strong>%s</strong> has been completed.", amount(refunded), html.EscapeString(orderCode)),
		fmt.Sprintf("Refund reference: %s. The refund document is attached.", html.EscapeString(refundID)),
	)
}

func returnRequestedBody(created []domain.ReturnRequest, total decimal.Decimal) string {
	var items strings.Builder
	items.WriteString("<ul>")
	for _, req := range created {
		fmt.Fprintf(&items, "<li>%s × %d</li>", html.EscapeString(req.ItemDetails.Name), req.ItemDetails.Quantity)
	}
	items.WriteString("</ul>")
	return paragraphs(
		fmt.Sprintf("We received %d return request(s):", len(created)),
		items.String(),
		fmt.Sprintf("Expected refund after inspection: <strong>%s</strong>.", amount(total)),
	)
}

func returnDecisionBody(req domain.ReturnRequest) string {
	name := html.EscapeString(req.ItemDetails.Name)
	comments := ""
	if req.AdminResponse != nil {
		comments = html.EscapeString(req.AdminResponse.Comments)
	}
	if req.Status == domain.ReturnApproved && req.RefundDetails != nil {
		return paragraphs(
			fmt.Sprintf("Your return of <strong>%s</strong> was approved.", name),
			fmt.Sprintf("Refund amount: <strong>%s</strong>.", amount(req.RefundDetails.ActualRefundAmount)),
			comments,
		)
	}
	return paragraphs(
		fmt.Sprintf("Your return of <strong>%s</strong> was rejected.", name),
		comments,
		"You may re-request the return after the cooldown period.",
	)
}

func returnRefundBody(req domain.ReturnRequest) string {
	rd := req.RefundDetails
	return paragraphs(
		fmt.Sprintf("The refund for your return of <strong>%s</strong> is now <strong>%s</strong>.", html.EscapeString(req.ItemDetails.Name), rd.RefundStatus),
		fmt.Sprintf("Amount: %s.", amount(rd.ActualRefundAmount)),
	)
}
