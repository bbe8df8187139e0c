package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes_SortsKeys(t *testing.T) {
	b, err := Bytes(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(b))
}

func TestBytes_NoHTMLEscaping(t *testing.T) {
	b, err := Bytes(map[string]any{"q": "<&>"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"<&>"}`, string(b))
}

func TestHash_Deterministic(t *testing.T) {
	v := map[string]any{"x": []any{1, "two", nil}, "y": map[string]any{"k": true}}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestSHA256Prefixed(t *testing.T) {
	h := SHA256Prefixed([]byte("hello"))
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", h)
}
