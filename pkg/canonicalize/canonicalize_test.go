package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"zulu": 1, "alpha": "x", "mike": true})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mike":true,"zulu":1}`, string(out))
}

func TestJCSNestedAndNumbers(t *testing.T) {
	out, err := JCS(map[string]any{
		"b": map[string]any{"y": 2.5, "x": 1},
		"a": []any{3, 1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[3,1,2],"b":{"x":1,"y":2.5}}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"url": "https://a.example/q?x=1&y=<2>"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "&y=<2>", "canonical form must not HTML-escape")
}

func TestJCSRespectsStructTags(t *testing.T) {
	type payload struct {
		Second string `json:"second"`
		First  string `json:"first"`
		Skip   string `json:"-"`
	}
	out, err := JCS(payload{Second: "2", First: "1", Skip: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"first":"1","second":"2"}`, string(out))
}

func TestCanonicalHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"amount": "1", "chain": "ethereum"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"chain": "ethereum", "amount": "1"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := CanonicalHash(map[string]any{"chain": "ethereum", "amount": "2"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestJCSRejectsUnmarshalable(t *testing.T) {
	_, err := JCS(func() {})
	assert.Error(t, err)
}
