package runpack

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

const manifestFilename = "manifest.json"

// FilesystemSink writes a runpack's artifacts and manifest under a
// single output directory, one file per artifact plus manifest.json.
// Every write target is joined under OutputDir and re-validated to
// still be contained within it before anything touches disk.
type FilesystemSink struct {
	outputDir string
	written   []string
}

// NewFilesystemSink creates the output directory if needed and returns
// a sink that writes into it.
func NewFilesystemSink(outputDir string) (*FilesystemSink, error) {
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, dgerr.Wrap(dgerr.Runpack, "create runpack output dir", err)
	}
	abs, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, dgerr.Wrap(dgerr.Runpack, "resolve runpack output dir", err)
	}
	return &FilesystemSink{outputDir: abs}, nil
}

func (s *FilesystemSink) resolve(relPath string) (string, error) {
	joined := filepath.Join(s.outputDir, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(s.outputDir, joined)
	if err != nil || rel == ".." || len(rel) >= 3 && rel[:3] == "../" {
		return "", dgerr.NewRunpack(fmt.Sprintf("artifact path %q escapes runpack output dir", relPath))
	}
	return joined, nil
}

func (s *FilesystemSink) WriteArtifact(ctx context.Context, path string, data []byte) error {
	target, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return dgerr.Wrap(dgerr.Runpack, "create artifact parent dir", err)
	}
	if err := os.WriteFile(target, data, 0o640); err != nil {
		return dgerr.Wrap(dgerr.Runpack, fmt.Sprintf("write artifact %q", path), err)
	}
	s.written = append(s.written, target)
	return nil
}

func (s *FilesystemSink) WriteManifest(ctx context.Context, manifest Manifest) error {
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return dgerr.Wrap(dgerr.Internal, "marshal manifest", err)
	}
	target := filepath.Join(s.outputDir, manifestFilename)
	if err := os.WriteFile(target, raw, 0o640); err != nil {
		return dgerr.Wrap(dgerr.Runpack, "write manifest", err)
	}
	s.written = append(s.written, target)
	return nil
}

// Abort removes every artifact this sink has written so a failed or
// canceled build never leaves a partial runpack on disk.
func (s *FilesystemSink) Abort(ctx context.Context) {
	for _, path := range s.written {
		_ = os.Remove(path)
	}
	s.written = nil
}

func (s *FilesystemSink) Close() error { return nil }

// FilesystemSource reads a runpack back from an output directory for
// offline verification.
type FilesystemSource struct {
	dir string
}

func NewFilesystemSource(dir string) *FilesystemSource {
	return &FilesystemSource{dir: dir}
}

func (s *FilesystemSource) ReadManifest(ctx context.Context) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, manifestFilename))
	if err != nil {
		return Manifest{}, dgerr.Wrap(dgerr.Runpack, "read manifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, dgerr.Wrap(dgerr.Runpack, "decode manifest", err)
	}
	return m, nil
}

func (s *FilesystemSource) ReadArtifact(ctx context.Context, path string) ([]byte, error) {
	abs, err := filepath.Abs(s.dir)
	if err != nil {
		return nil, dgerr.Wrap(dgerr.Runpack, "resolve runpack dir", err)
	}
	joined := filepath.Join(abs, filepath.FromSlash(path))
	rel, err := filepath.Rel(abs, joined)
	if err != nil || rel == ".." || len(rel) >= 3 && rel[:3] == "../" {
		return nil, dgerr.NewRunpack(fmt.Sprintf("artifact path %q escapes runpack dir", path))
	}
	raw, err := os.ReadFile(joined)
	if err != nil {
		return nil, dgerr.Wrap(dgerr.Runpack, fmt.Sprintf("read artifact %q", path), err)
	}
	return raw, nil
}
