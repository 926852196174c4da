// Package convert is the seam between the dispatcher and the file-format
// translation it orchestrates. The same Translator implementation backs the
// worker binary and the in-process fallback path, which is what keeps the
// two execution modes observably identical.
package convert

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/quarrylab/quarry/internal/protocol"
)

// ErrContent marks a deterministic translation failure: the source was read
// but cannot be converted. Content errors are never retried, since running
// the same translation again cannot change the outcome.
var ErrContent = errors.New("content error")

// Translator converts one source file into cache artifacts inside the
// request's output directory.
type Translator interface {
	Translate(ctx context.Context, req *protocol.Request) ([]protocol.Artifact, error)
}

// The artifact categories the downstream scene builder consumes.
const (
	CategorySceneGraph = "scene-graph"
	CategoryGeometry   = "geometry"
)

// sceneHeader is the scene-graph artifact payload.
type sceneHeader struct {
	JobKey     string            `json:"job_key"`
	SourcePath string            `json:"source_path"`
	SourceSize int64             `json:"source_size"`
	Digest     string            `json:"digest"`
	Hints      map[string]string `json:"hints,omitempty"`
	Geometry   string            `json:"geometry"`
}

// FileTranslator is the default Translator. It derives a content digest from
// the source and writes a scene-graph header plus a geometry payload into
// the output directory. Deterministic: the same source and hints always
// produce byte-identical artifacts.
type FileTranslator struct{}

// NewFileTranslator creates the default translator.
func NewFileTranslator() *FileTranslator {
	return &FileTranslator{}
}

// Translate reads the source file and writes the cache artifacts. Unreadable
// or empty sources are content errors.
func (f *FileTranslator) Translate(ctx context.Context, req *protocol.Request) ([]protocol.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read source: %v", ErrContent, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: source file is empty", ErrContent)
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	digest := blake3.Sum256(data)

	geomPath := filepath.Join(req.OutputDir, "geometry.bin")
	if err := writeFileAtomic(geomPath, data); err != nil {
		return nil, fmt.Errorf("write geometry artifact: %w", err)
	}

	header := sceneHeader{
		JobKey:     req.JobKey,
		SourcePath: req.InputPath,
		SourceSize: int64(len(data)),
		Digest:     hex.EncodeToString(digest[:]),
		Hints:      req.Hints,
		Geometry:   filepath.Base(geomPath),
	}
	headerJSON, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal scene header: %w", err)
	}

	scenePath := filepath.Join(req.OutputDir, "scene.json")
	if err := writeFileAtomic(scenePath, headerJSON); err != nil {
		return nil, fmt.Errorf("write scene artifact: %w", err)
	}

	return []protocol.Artifact{
		{Category: CategorySceneGraph, Path: scenePath},
		{Category: CategoryGeometry, Path: geomPath},
	}, nil
}

// writeFileAtomic writes data via a temp file and rename so a crashed worker
// never leaves a half-written cache artifact behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
