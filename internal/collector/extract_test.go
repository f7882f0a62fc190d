package collector

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseJSON(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestExtractNestedArrayPath(t *testing.T) {
	doc := parseJSON(t, `{"a": {"b": [{"c": 5}]}}`)

	value, ok := Extract(doc, "a.b[0].c")
	require.True(t, ok)
	assert.Equal(t, float64(5), value)
}

func TestExtractDollarPrefix(t *testing.T) {
	doc := parseJSON(t, `{"user": {"name": "alice"}}`)

	value, ok := Extract(doc, "$.user.name")
	require.True(t, ok)
	assert.Equal(t, "alice", value)
}

func TestExtractMissingPathIsNotFound(t *testing.T) {
	doc := parseJSON(t, `{}`)

	_, ok := Extract(doc, "x.y")
	assert.False(t, ok)
}

func TestExtractShortCircuitsOnNull(t *testing.T) {
	doc := parseJSON(t, `{"a": null}`)

	_, ok := Extract(doc, "a.b")
	assert.False(t, ok)
}

func TestExtractShortCircuitsOnNonIndexable(t *testing.T) {
	doc := parseJSON(t, `{"a": "scalar"}`)

	_, ok := Extract(doc, "a.b")
	assert.False(t, ok)

	_, ok = Extract(doc, "a[0].b")
	assert.False(t, ok)
}

func TestExtractArrayIndexOutOfRange(t *testing.T) {
	doc := parseJSON(t, `{"items": [1, 2]}`)

	_, ok := Extract(doc, "items[5]")
	assert.False(t, ok)

	value, ok := Extract(doc, "items[1]")
	require.True(t, ok)
	assert.Equal(t, float64(2), value)
}

func TestExtractInvalidPath(t *testing.T) {
	doc := parseJSON(t, `{"a": 1}`)

	_, ok := Extract(doc, "")
	assert.False(t, ok)

	_, ok = Extract(doc, "a[b]")
	assert.False(t, ok)
}

func TestInterpolateResolvesPlaceholders(t *testing.T) {
	doc := parseJSON(t, `{"status": "ok"}`)

	assert.Equal(t, "Report ok", Interpolate("Report {{status}}", doc))
}

func TestInterpolateUnresolvableFallsBackToName(t *testing.T) {
	doc := parseJSON(t, `{"status": "ok"}`)

	assert.Equal(t, "Report missing.field", Interpolate("Report {{missing.field}}", doc))
}

func TestInterpolateMixedPlaceholders(t *testing.T) {
	doc := parseJSON(t, `{"scan": {"findings": [{"count": 12}]}, "passed": true}`)

	result := Interpolate("{{scan.findings[0].count}} findings, passed={{passed}}", doc)
	assert.Equal(t, "12 findings, passed=true", result)
}

func TestFormatValueRendering(t *testing.T) {
	assert.Equal(t, "hello", formatValue("hello"))
	assert.Equal(t, "5", formatValue(float64(5)))
	assert.Equal(t, "2.5", formatValue(2.5))
	assert.Equal(t, "true", formatValue(true))
}
