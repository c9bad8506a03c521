// Package output writes crawl manifests and batch reports.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ManifestFile is the manifest name inside a target's output directory.
const ManifestFile = "manifest.json"

// Writer defines the interface for output writers.
type Writer interface {
	// WriteManifest writes a target manifest
	WriteManifest(m *Manifest) error

	// WriteReport writes the complete batch report
	WriteReport(r *BatchReport) error

	// WriteTargetResult writes a single outcome (for streaming)
	WriteTargetResult(r *TargetResult) error

	// Flush flushes any buffered output
	Flush() error

	// Close closes the writer
	Close() error
}

// Config holds output configuration. Stream writes one JSON line per
// target result as it finishes.
type Config struct {
	Pretty bool
	Stream bool
}

// NewWriter creates a JSON writer.
func NewWriter(w io.Writer, config Config) Writer {
	return NewJSONWriter(w, config.Pretty, config.Stream)
}

// SaveManifest writes m as <dir>/manifest.json and returns the path.
func SaveManifest(dir string, m *Manifest) (string, error) {
	path := filepath.Join(dir, ManifestFile)
	return path, saveJSON(path, func(w Writer) error { return w.WriteManifest(m) })
}

// SaveReport writes r to path.
func SaveReport(path string, r *BatchReport) error {
	return saveJSON(path, func(w Writer) error { return w.WriteReport(r) })
}

func saveJSON(path string, write func(Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := NewWriter(f, Config{Pretty: true})
	if err := write(w); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return w.Close()
}

// LoadManifest reads the manifest in dir.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}
