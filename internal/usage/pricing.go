package usage

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// Pricing is a per-model-family rate card, in USD per million tokens, plus
// the long-context multiplier and threshold described in spec §4.3: once a
// request's context usage (input + cache-read + cache-creation tokens)
// exceeds LongContextThreshold, Input/Output/CacheRead/CacheWrite rates are
// scaled by LongContextMultiplier for that request.
//
// Grounded on the teacher's internal/status.ModelCostConfig (per-provider,
// per-model rate table with prefix-match fallback) but keyed by model
// *family* rather than exact model id, since the long-context multiplier and
// env overrides in spec §9 are specified per family, not per dated snapshot.
// DefaultLongContextThreshold is the input+cache-read+cache-write token
// count above which the long-context multiplier applies (spec §4.3).
const DefaultLongContextThreshold = 200_000

type Pricing struct {
	Input                 float64
	Output                float64
	CacheRead             float64
	CacheWrite            float64
	LongContextThreshold  int64
	LongContextMultiplier float64
}

// Estimate returns the USD cost of u under p, applying the long-context
// multiplier when u's context usage exceeds p.LongContextThreshold.
func (p Pricing) Estimate(u Usage) float64 {
	input, output, cacheRead, cacheWrite := p.Input, p.Output, p.CacheRead, p.CacheWrite
	if p.LongContextThreshold > 0 && p.contextUsage(u) > p.LongContextThreshold {
		mult := p.LongContextMultiplier
		if mult <= 0 {
			mult = 1
		}
		input *= mult
		output *= mult
		cacheRead *= mult
		cacheWrite *= mult
	}
	total := float64(u.InputTokens)*input +
		float64(u.OutputTokens)*output +
		float64(u.CacheReadTokens)*cacheRead +
		float64(u.CacheWriteTokens)*cacheWrite
	return total / 1_000_000
}

func (p Pricing) contextUsage(u Usage) int64 {
	return u.InputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// defaultPricing holds the built-in per-family rate cards, USD per million
// tokens, mirroring the teacher's internal/status.DefaultModelCosts table
// but collapsed to Anthropic model families since this runtime only talks
// to anthropic-sdk-go (spec §1's provider boundary).
var defaultPricing = map[string]Pricing{
	"CLAUDE_OPUS": {
		Input: 15.0, Output: 75.0, CacheRead: 1.50, CacheWrite: 18.75,
		LongContextThreshold: DefaultLongContextThreshold, LongContextMultiplier: 2,
	},
	"CLAUDE_SONNET": {
		Input: 3.0, Output: 15.0, CacheRead: 0.30, CacheWrite: 3.75,
		LongContextThreshold: DefaultLongContextThreshold, LongContextMultiplier: 2,
	},
	"CLAUDE_HAIKU": {
		Input: 0.80, Output: 4.0, CacheRead: 0.08, CacheWrite: 1.0,
		LongContextThreshold: DefaultLongContextThreshold, LongContextMultiplier: 2,
	},
}

// Family normalizes a model id such as "claude-sonnet-4-20250514" into the
// PRICING_<FAMILY> key used both by defaultPricing and by the
// PRICING_<FAMILY>_* environment overrides in spec §9.
func Family(modelID string) string {
	m := strings.ToLower(modelID)
	switch {
	case strings.Contains(m, "opus"):
		return "CLAUDE_OPUS"
	case strings.Contains(m, "sonnet"):
		return "CLAUDE_SONNET"
	case strings.Contains(m, "haiku"):
		return "CLAUDE_HAIKU"
	default:
		return "CLAUDE_SONNET"
	}
}

var (
	pricingOnce  sync.Once
	pricingTable map[string]Pricing
)

// globalPricingTable returns the process-wide pricing table, applying
// PRICING_<FAMILY>_{INPUT,OUTPUT,CACHE_READ,CACHE_WRITE,LONG_CONTEXT_THRESHOLD,LONG_CONTEXT_MULTIPLIER}
// environment overrides exactly once (spec §9's design note: "a process-wide
// pricing table, lazily built once"). Tests that need isolated overrides
// should use NewPricingTable directly instead of this lazily-cached global.
func globalPricingTable() map[string]Pricing {
	pricingOnce.Do(func() {
		pricingTable = NewPricingTable(os.Environ())
	})
	return pricingTable
}

// NewPricingTable builds a pricing table from defaultPricing plus overrides
// parsed out of the given environ-style "KEY=VALUE" slice. It never mutates
// global state, so tests can call it directly with a synthetic environ to
// avoid interference from the lazily-cached global table.
func NewPricingTable(environ []string) map[string]Pricing {
	table := make(map[string]Pricing, len(defaultPricing))
	for k, v := range defaultPricing {
		table[k] = v
	}

	overrides := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			overrides[kv[:idx]] = kv[idx+1:]
		}
	}

	for family, p := range table {
		prefix := "PRICING_" + family + "_"
		if v, ok := overrides[prefix+"INPUT"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				p.Input = f
			}
		}
		if v, ok := overrides[prefix+"OUTPUT"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				p.Output = f
			}
		}
		if v, ok := overrides[prefix+"CACHE_READ"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				p.CacheRead = f
			}
		}
		if v, ok := overrides[prefix+"CACHE_WRITE"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				p.CacheWrite = f
			}
		}
		if v, ok := overrides[prefix+"LONG_CONTEXT_THRESHOLD"]; ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				p.LongContextThreshold = n
			}
		}
		if v, ok := overrides[prefix+"LONG_CONTEXT_MULTIPLIER"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				p.LongContextMultiplier = f
			}
		}
		table[family] = p
	}
	return table
}

// PricingFor resolves the Pricing for a model id from the process-wide
// lazily-built table.
func PricingFor(modelID string) Pricing {
	return globalPricingTable()[Family(modelID)]
}

// EstimateCost is a convenience wrapper combining Family lookup and
// Pricing.Estimate for a model id and a session-package Usage value.
func EstimateCost(modelID string, u Usage) float64 {
	return PricingFor(modelID).Estimate(u)
}
