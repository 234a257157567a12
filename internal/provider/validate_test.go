package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fluxVersion(t *testing.T) Version {
	t.Helper()
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	v, err := c.Resolve("flux", "1.1")
	require.NoError(t, err)
	return v
}

func TestValidateNormalizes(t *testing.T) {
	v := fluxVersion(t)
	out, err := Validate(v, map[string]any{
		"prompt":      "a cat",
		"num_outputs": float64(2),
		"seed":        "42",
		"unknown":     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "a cat", out["prompt"])
	assert.Equal(t, int64(2), out["num_outputs"])
	assert.Equal(t, int64(42), out["seed"])
	assert.Equal(t, "1:1", out["aspect"], "default filled")
	assert.NotContains(t, out, "unknown")
}

func TestValidateReportsEveryField(t *testing.T) {
	v := fluxVersion(t)
	_, err := Validate(v, map[string]any{
		"num_outputs": 9,
		"aspect":      "4:3",
		"seed":        1.5,
	})
	require.Error(t, err)
	verr, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"aspect", "num_outputs", "prompt", "seed"}, verr.FieldNames())
	assert.Contains(t, err.Error(), "prompt: required")
	assert.Contains(t, err.Error(), "num_outputs: must be <= 4")
}

func TestValidateTypes(t *testing.T) {
	zero := 0.0
	v := Version{Parameters: []Param{
		{Name: "s", Type: TypeString},
		{Name: "n", Type: TypeNumber, Minimum: &zero},
		{Name: "b", Type: TypeBoolean},
		{Name: "a", Type: TypeArray},
	}}
	out, err := Validate(v, map[string]any{"s": "x", "n": "0.5", "b": "true", "a": []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, 0.5, out["n"])
	assert.Equal(t, true, out["b"])
	assert.Equal(t, []any{"x"}, out["a"])

	_, err = Validate(v, map[string]any{"s": 1, "n": -1, "b": "maybe", "a": "x"})
	verr, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Len(t, verr.Fields, 4)
}

func TestPublicStripsPrivateParams(t *testing.T) {
	v := fluxVersion(t)
	out := Public(v, map[string]any{"prompt": "p", "seed": int64(7)})
	assert.Equal(t, map[string]any{"prompt": "p"}, out)
}
