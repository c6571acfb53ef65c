// ABOUTME: Best-effort extraction of cost and token usage from agent output payloads.
// ABOUTME: Typed decode first, manual field lookup as fallback for schema drift.

package broker

import "encoding/json"

// usageDelta is the cost/token increment carried by one output payload.
type usageDelta struct {
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// typedResult matches the result-message shape the agent emits today.
type typedResult struct {
	Type         string  `json:"type"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// extractUsage pulls cost/usage metadata out of an output payload. The typed
// decode handles the current schema; when it fails or comes back empty, a
// manual field walk covers payloads the struct has drifted from. Never
// returns an error: a payload without usage is the common case, not a fault.
func extractUsage(content json.RawMessage) (usageDelta, bool) {
	var t typedResult
	if err := json.Unmarshal(content, &t); err == nil {
		if t.TotalCostUSD > 0 || t.Usage.InputTokens > 0 || t.Usage.OutputTokens > 0 {
			return usageDelta{
				CostUSD:      t.TotalCostUSD,
				InputTokens:  t.Usage.InputTokens,
				OutputTokens: t.Usage.OutputTokens,
			}, true
		}
	}
	return extractUsageFallback(content)
}

// extractUsageFallback walks the raw JSON by hand, tolerating numbers
// arriving as floats and usage living at the top level or one level down.
func extractUsageFallback(content json.RawMessage) (usageDelta, bool) {
	var raw map[string]any
	if err := json.Unmarshal(content, &raw); err != nil {
		return usageDelta{}, false
	}

	var delta usageDelta
	found := false

	if cost, ok := numberField(raw, "total_cost_usd"); ok && cost > 0 {
		delta.CostUSD = cost
		found = true
	} else if cost, ok := numberField(raw, "cost_usd"); ok && cost > 0 {
		delta.CostUSD = cost
		found = true
	}

	usage := raw
	if nested, ok := raw["usage"].(map[string]any); ok {
		usage = nested
	}
	if in, ok := numberField(usage, "input_tokens"); ok && in > 0 {
		delta.InputTokens = int64(in)
		found = true
	}
	if out, ok := numberField(usage, "output_tokens"); ok && out > 0 {
		delta.OutputTokens = int64(out)
		found = true
	}

	return delta, found
}

func numberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
