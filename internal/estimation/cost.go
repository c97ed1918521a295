package estimation

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zsombor-n/open-webui/internal/openai"
)

// modelPrice holds USD prices per 1K tokens.
type modelPrice struct {
	input  decimal.Decimal
	output decimal.Decimal
}

var perThousand = decimal.NewFromInt(1000)

// Published list prices. Unknown models fall back to the gpt-4o-mini rate,
// which keeps the per-run budget conservative for cheaper models.
var modelPrices = map[string]modelPrice{
	"gpt-4o-mini":   {input: decimal.RequireFromString("0.00015"), output: decimal.RequireFromString("0.0006")},
	"gpt-4o":        {input: decimal.RequireFromString("0.0025"), output: decimal.RequireFromString("0.01")},
	"gpt-4.1-mini":  {input: decimal.RequireFromString("0.0004"), output: decimal.RequireFromString("0.0016")},
	"gpt-3.5-turbo": {input: decimal.RequireFromString("0.0005"), output: decimal.RequireFromString("0.0015")},
}

var defaultPrice = modelPrices["gpt-4o-mini"]

// costForUsage converts token usage into an estimated USD cost.
func costForUsage(model string, usage openai.Usage) decimal.Decimal {
	price, ok := modelPrices[model]
	if !ok {
		// Dated model identifiers like gpt-4o-mini-2024-07-18 share the
		// base model's pricing; prefer the longest matching prefix so
		// gpt-4o-mini variants do not pick up gpt-4o pricing.
		longest := 0
		for name, p := range modelPrices {
			if strings.HasPrefix(model, name) && len(name) > longest {
				price = p
				longest = len(name)
				ok = true
			}
		}
	}
	if !ok {
		price = defaultPrice
	}

	in := decimal.NewFromInt(int64(usage.PromptTokens)).Mul(price.input).Div(perThousand)
	out := decimal.NewFromInt(int64(usage.CompletionTokens)).Mul(price.output).Div(perThousand)
	return in.Add(out)
}
