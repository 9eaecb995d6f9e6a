package money

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Percent returns amount × pct / 100 rounded to cents.
func Percent(amount decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred).Round(2)
}

// Retained is the portion of total that is not refunded, never negative.
func Retained(total decimal.Decimal, refunded decimal.Decimal) decimal.Decimal {
	diff := total.Sub(refunded).Round(2)
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff
}

func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total.Round(2)
}
