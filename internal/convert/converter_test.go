package convert

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylab/quarry/internal/protocol"
)

func newRequest(t *testing.T, content []byte) *protocol.Request {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "part.step")
	require.NoError(t, os.WriteFile(input, content, 0o644))
	return &protocol.Request{
		Protocol:  protocol.Version,
		JobKey:    "testkey",
		InputPath: input,
		OutputDir: filepath.Join(dir, "out"),
	}
}

func TestTranslateWritesArtifacts(t *testing.T) {
	req := newRequest(t, []byte("solid part\nendsolid\n"))

	artifacts, err := NewFileTranslator().Translate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	assert.Equal(t, CategorySceneGraph, artifacts[0].Category)
	assert.Equal(t, CategoryGeometry, artifacts[1].Category)

	// The geometry artifact carries the source bytes.
	geom, err := os.ReadFile(artifacts[1].Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("solid part\nendsolid\n"), geom)

	// The scene header describes the source and points at the geometry.
	raw, err := os.ReadFile(artifacts[0].Path)
	require.NoError(t, err)
	var header map[string]any
	require.NoError(t, json.Unmarshal(raw, &header))
	assert.Equal(t, "testkey", header["job_key"])
	assert.Equal(t, req.InputPath, header["source_path"])
	assert.Equal(t, float64(len(geom)), header["source_size"])
	assert.Equal(t, "geometry.bin", header["geometry"])
	assert.NotEmpty(t, header["digest"])
}

func TestTranslateIsDeterministic(t *testing.T) {
	req := newRequest(t, []byte("deterministic input"))
	tr := NewFileTranslator()

	first, err := tr.Translate(context.Background(), req)
	require.NoError(t, err)
	firstScene, err := os.ReadFile(first[0].Path)
	require.NoError(t, err)

	second, err := tr.Translate(context.Background(), req)
	require.NoError(t, err)
	secondScene, err := os.ReadFile(second[0].Path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstScene, secondScene)
}

func TestTranslateEmptySourceIsContentError(t *testing.T) {
	req := newRequest(t, nil)

	_, err := NewFileTranslator().Translate(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContent)
}

func TestTranslateMissingSourceIsContentError(t *testing.T) {
	req := newRequest(t, []byte("x"))
	require.NoError(t, os.Remove(req.InputPath))

	_, err := NewFileTranslator().Translate(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContent)
}

func TestTranslateHonorsCancelledContext(t *testing.T) {
	req := newRequest(t, []byte("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFileTranslator().Translate(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrContent), "cancellation must not look like a content error")
}

func TestTranslateHintsFlowIntoHeader(t *testing.T) {
	req := newRequest(t, []byte("hinted"))
	req.Hints = map[string]string{"tessellation": "coarse"}

	artifacts, err := NewFileTranslator().Translate(context.Background(), req)
	require.NoError(t, err)

	raw, err := os.ReadFile(artifacts[0].Path)
	require.NoError(t, err)
	var header struct {
		Hints map[string]string `json:"hints"`
	}
	require.NoError(t, json.Unmarshal(raw, &header))
	assert.Equal(t, "coarse", header.Hints["tessellation"])
}
