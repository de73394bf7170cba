package providers

import "github.com/agentshell/agentshell/internal/config"

// PriceTable computes call cost from configured per-million-token prices.
// Models without a configured price cost zero.
type PriceTable struct {
	prices map[string]config.ModelPricing
}

// NewPriceTable builds a table from a provider's pricing config.
func NewPriceTable(prices map[string]config.ModelPricing) PriceTable {
	return PriceTable{prices: prices}
}

// Cost returns the USD cost for one call. Prices are configured per million
// tokens; cost is linear in both token counts.
func (t PriceTable) Cost(model string, promptTokens, completionTokens int) float64 {
	p, ok := t.prices[model]
	if !ok {
		return 0
	}
	const mtok = 1_000_000
	return float64(promptTokens)*p.InputPerMTok/mtok +
		float64(completionTokens)*p.OutputPerMTok/mtok
}
