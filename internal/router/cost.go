package router

import "github.com/tjfontaine/npc-trainer/internal/core/domain"

// defaultOutputTokens is the completion size assumed when pricing a
// provider that does not cap its output.
const defaultOutputTokens = 256

// costRatioCap bounds how hard an unaffordable candidate is penalized so
// importance can still move the ranking near exhaustion.
const costRatioCap = 10.0

// TokenCounter estimates prompt sizes for pricing.
type TokenCounter interface {
	Count(model string, msgs []domain.Message) int
	CountText(model, text string) int
}

// Cost prices a call in the budget currency from token counts.
func (s ProviderSpec) Cost(inputTokens, outputTokens int) float64 {
	inputCost := float64(inputTokens) * s.InputPricePer1K / 1000
	outputCost := float64(outputTokens) * s.OutputPricePer1K / 1000
	return inputCost + outputCost
}

// EstimateCost prices a call before it is made, assuming the provider uses
// its whole output allowance.
func (s ProviderSpec) EstimateCost(promptTokens int) float64 {
	out := s.MaxOutputTokens
	if out <= 0 {
		out = defaultOutputTokens
	}
	return s.Cost(promptTokens, out)
}

// latencyWeight is the per-second latency penalty for a mode.
func latencyWeight(mode LatencyMode) float64 {
	switch mode {
	case LatencyFast:
		return 2
	case LatencyQuality:
		return 0
	default:
		return 0.5
	}
}

// Score ranks a candidate. Quality is rewarded more as importance rises,
// cost relative to the remaining budget is penalized less, and latency is
// penalized according to the mode.
//
//	score = Quality*(0.5+I) - CostRatio*(1.5-I) - LatencyMS/1000*w(mode)
func Score(spec ProviderSpec, estimatedCost, remaining, importance float64, mode LatencyMode) float64 {
	importance = clamp01(importance)

	costRatio := 0.0
	if estimatedCost > 0 {
		costRatio = estimatedCost / max(remaining, 1e-9)
		costRatio = min(costRatio, costRatioCap)
	}

	latency := float64(spec.LatencyMS) / 1000 * latencyWeight(mode)
	return spec.Quality*(0.5+importance) - costRatio*(1.5-importance) - latency
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
