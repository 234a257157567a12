package provider

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
routes:
  "echo-*": loopback
generators:
  - name: flux
    output: artifact
    default_version: "1.1"
    versions:
      - name: "1.0"
        provider: Replicate
        address: "black-forest/flux:aaa"
        cost: {base: 5}
      - name: "1.1"
        provider: replicate
        address: "black-forest/flux:bbb"
        cost:
          base: 10
          per: {param: num_outputs, rate: 10}
        parameters:
          - {name: prompt, type: string, required: true}
          - {name: num_outputs, type: integer, default: 1, minimum: 1, maximum: 4}
          - {name: aspect, type: string, default: "1:1", allowed: ["1:1", "16:9"]}
          - {name: seed, type: integer, private: true}
  - name: echo-text
    output: text
    versions:
      - name: v1
        address: echo
        cost: {base: 1}
`

func TestParseCatalogResolve(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	assert.Equal(t, []string{"flux", "echo-text"}, c.Names())

	v, err := c.Resolve("FLUX", "")
	require.NoError(t, err)
	assert.Equal(t, "1.1", v.Name)
	assert.Equal(t, "flux", v.Generator)
	assert.Equal(t, OutputArtifact, v.Output)

	v, err = c.Resolve("flux", "1.0")
	require.NoError(t, err)
	assert.Equal(t, "replicate", v.Provider, "provider names are normalized")

	v, err = c.Resolve("echo-text", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", v.Name, "last version is the fallback default")
	assert.Equal(t, OutputText, v.Output)

	_, err = c.Resolve("missing", "")
	assert.True(t, errors.Is(err, ErrUnknownGenerator))
	_, err = c.Resolve("flux", "9.9")
	assert.True(t, errors.Is(err, ErrUnknownVersion))
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no name":         "generators:\n  - versions: [{name: a}]\n",
		"no versions":     "generators:\n  - name: g\n",
		"bad output":      "generators:\n  - name: g\n    output: video\n    versions: [{name: a}]\n",
		"duplicate":       "generators:\n  - name: g\n    versions: [{name: a}]\n  - name: G\n    versions: [{name: a}]\n",
		"unnamed version": "generators:\n  - name: g\n    versions: [{address: x}]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalogAndRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))
	c, err := LoadCatalog(path)
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Register(&stubAdapter{name: "loopback"}))
	require.NoError(t, c.ApplyRoutes(r))

	v, err := c.Resolve("echo-text", "")
	require.NoError(t, err)
	a, err := r.ForVersion(v)
	require.NoError(t, err)
	assert.Equal(t, "loopback", a.Name())

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestScheduleEstimate(t *testing.T) {
	s := Schedule{Base: 10, Per: &Rate{Param: "num_outputs", Rate: 10}}
	cost, err := s.Estimate(map[string]any{"num_outputs": int64(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(40), cost)

	cost, err = s.Estimate(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, int64(20), cost, "missing unit parameter counts as one")

	cost, err = s.Estimate(map[string]any{"num_outputs": 1.5})
	require.NoError(t, err)
	assert.Equal(t, int64(30), cost, "fractional units round up")

	_, err = Schedule{}.Estimate(nil)
	assert.Error(t, err)
}
