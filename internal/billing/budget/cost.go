package budget

import (
	"github.com/shopspring/decimal"
	"github.com/vietddude/tollgate/internal/core/domain"
)

// CostPrecision is the number of decimal places credits are rounded to.
const CostPrecision = 6

var tokensPerPriceUnit = decimal.NewFromInt(1_000_000)

// Cost prices a call in credits:
// (in*inPrice + out*outPrice) / 1_000_000 * creditsPerUnit.
func Cost(p *domain.ModelPricing, inputTokens, outputTokens int64, creditsPerUnit decimal.Decimal) decimal.Decimal {
	in := decimal.NewFromInt(inputTokens).Mul(p.InputPricePer1MTokens)
	out := decimal.NewFromInt(outputTokens).Mul(p.OutputPricePer1MTokens)
	return in.Add(out).
		Div(tokensPerPriceUnit).
		Mul(creditsPerUnit).
		Round(CostPrecision)
}
