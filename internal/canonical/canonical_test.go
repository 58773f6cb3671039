package canonical

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysRecursively(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "y": nil},
		"c": []any{"x", map[string]any{"k2": 2, "k1": 1}},
	}

	got, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":null,"z":true},"b":1,"c":["x",{"k1":1,"k2":2}]}`, string(got))
}

func TestMarshal_PreservesArrayOrder(t *testing.T) {
	t.Parallel()

	got, err := Marshal([]string{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["c","a","b"]`, string(got))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	t.Parallel()

	got, err := Marshal(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(got))
}

func TestMarshal_StructTagsHonoured(t *testing.T) {
	t.Parallel()

	type payload struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
	}
	got, err := Marshal(payload{Zeta: "z", Alpha: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":7,"zeta":"z"}`, string(got))
}

func TestHash_IndependentOfKeyOrder(t *testing.T) {
	t.Parallel()

	h1, err := Hash(map[string]any{"a": 1, "b": "two"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": "two", "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, Prefix))
	assert.Len(t, h1, len(Prefix)+64)
}

func TestHashStrings_OrderSensitive(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, HashStrings("a", "b"), HashStrings("b", "a"))
	assert.Equal(t, HashStrings("a", "b"), HashStrings("a", "b"))
}

func TestHashStrings_EmptyIsStable(t *testing.T) {
	t.Parallel()

	// nil and empty both hash the literal "[]"
	assert.Equal(t, HashStrings(), HashStrings([]string{}...))
	assert.Equal(t, Sum([]byte("[]")), HashStrings())
}

func TestMarshal_Unsupported(t *testing.T) {
	t.Parallel()

	_, err := Marshal(make(chan int))
	assert.Error(t, err)
}
