package llm

import "strings"

// rates returns per-token dollar rates (input, output) for a model.
// Matching is substring-based so dated model ids hit the right family.
func rates(provider Provider, model string) (float64, float64) {
	switch provider {
	case ProviderOpenAI:
		switch {
		case strings.Contains(model, "4.1"):
			return 5e-6, 1.5e-5
		case strings.Contains(model, "4"):
			return 1e-5, 3e-5
		default:
			return 1e-6, 3e-6
		}
	case ProviderAnthropic:
		switch {
		case strings.Contains(model, "sonnet"):
			return 3e-6, 1.5e-5
		case strings.Contains(model, "haiku"):
			return 1e-6, 3e-6
		default:
			return 4e-6, 1.6e-5
		}
	default:
		return 0, 0
	}
}

// costUSD prices one completed call in dollars.
func costUSD(provider Provider, model string, tokensIn, tokensOut uint32) float64 {
	in, out := rates(provider, model)
	return float64(tokensIn)*in + float64(tokensOut)*out
}
