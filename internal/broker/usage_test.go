// ABOUTME: Tests for cost/token extraction from agent output payloads
// ABOUTME: Covers the typed path, the fallback field walk, and junk input

package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractUsageTypedResult(t *testing.T) {
	delta, ok := extractUsage(json.RawMessage(`{
		"type": "result",
		"total_cost_usd": 0.0042,
		"usage": {"input_tokens": 120, "output_tokens": 80}
	}`))
	assert.True(t, ok)
	assert.InDelta(t, 0.0042, delta.CostUSD, 1e-9)
	assert.Equal(t, int64(120), delta.InputTokens)
	assert.Equal(t, int64(80), delta.OutputTokens)
}

func TestExtractUsageCostAlias(t *testing.T) {
	delta, ok := extractUsage(json.RawMessage(`{"cost_usd": 0.01}`))
	assert.True(t, ok)
	assert.InDelta(t, 0.01, delta.CostUSD, 1e-9)
	assert.Zero(t, delta.InputTokens)
}

func TestExtractUsageTopLevelTokens(t *testing.T) {
	delta, ok := extractUsage(json.RawMessage(`{"input_tokens": 7, "output_tokens": 3}`))
	assert.True(t, ok)
	assert.Equal(t, int64(7), delta.InputTokens)
	assert.Equal(t, int64(3), delta.OutputTokens)
}

func TestExtractUsageTokensOnlyNoCost(t *testing.T) {
	delta, ok := extractUsage(json.RawMessage(`{"usage": {"input_tokens": 50, "output_tokens": 20}}`))
	assert.True(t, ok)
	assert.Zero(t, delta.CostUSD)
	assert.Equal(t, int64(50), delta.InputTokens)
}

func TestExtractUsageAbsent(t *testing.T) {
	for _, payload := range []string{
		`{"type":"assistant","text":"no usage here"}`,
		`{"total_cost_usd": 0, "usage": {"input_tokens": 0, "output_tokens": 0}}`,
		`"just a string"`,
		`not json at all`,
		`[]`,
	} {
		_, ok := extractUsage(json.RawMessage(payload))
		assert.False(t, ok, "payload %q should yield no usage", payload)
	}
}
