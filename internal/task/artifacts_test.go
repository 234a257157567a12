package task

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/taskd/internal/provider"
)

func TestMaterializeText(t *testing.T) {
	tk := Task{ID: "t1", OutputKind: string(provider.OutputText)}
	arts, result, err := materialize(context.Background(), LinkUploader{}, tk, []provider.Output{
		{Text: "first"}, {URI: "https://cdn.example.com/x.txt"}, {},
	})
	require.NoError(t, err)
	assert.Empty(t, arts)
	assert.Equal(t, "first\nhttps://cdn.example.com/x.txt", result)
}

func TestMaterializeArtifacts(t *testing.T) {
	tk := Task{ID: "t1", UserID: "u1", Generator: "flux", Version: "1.1", OutputKind: string(provider.OutputArtifact)}
	arts, result, err := materialize(context.Background(), LinkUploader{}, tk, []provider.Output{
		{URI: "https://cdn.example.com/0.png", MimeType: "image/png"},
		{Text: "caption"},
	})
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, "https://cdn.example.com/0.png", result)
	assert.Equal(t, 1, arts[1].Index)
	assert.True(t, strings.HasPrefix(arts[1].URI, "data:text/plain;base64,"))
	assert.Equal(t, "1.1", arts[0].Metadata["version"])

}

func TestMaterializeSkipsEmptyOutputs(t *testing.T) {
	tk := Task{ID: "t1", UserID: "u1", OutputKind: string(provider.OutputArtifact)}
	arts, result, err := materialize(context.Background(), LinkUploader{}, tk, []provider.Output{
		{}, {URI: "https://cdn.example.com/a.png"}, {},
	})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, 0, arts[0].Index)
	assert.Equal(t, "https://cdn.example.com/a.png", result)

	arts, result, err = materialize(context.Background(), LinkUploader{}, tk, []provider.Output{{}})
	require.NoError(t, err)
	assert.Empty(t, arts)
	assert.Empty(t, result)
}
