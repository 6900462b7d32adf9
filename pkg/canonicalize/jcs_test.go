package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RawMessageIsReordered(t *testing.T) {
	raw := json.RawMessage(`{ "z": {"y":"foo","x":"bar"}, "a": 1.0 }`)

	b, err := JCS(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"k": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a&b>"}`, string(b))
}

func TestJCS_InvalidJSON(t *testing.T) {
	_, err := JCS(json.RawMessage(`{"a":`))
	require.Error(t, err)
}

func TestCanonicalHash_KeyOrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	h2, err := CanonicalHash(json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestIdentifier_NFC(t *testing.T) {
	decomposed := "cafe\u0301"
	composed := "caf\u00e9"
	assert.Equal(t, composed, Identifier(decomposed))
	assert.Equal(t, composed, Identifier(composed))
}
