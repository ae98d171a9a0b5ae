package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileWriter writes each backup to its own file in Dir.
type FileWriter struct {
	Dir string
}

// NewFileWriter creates dir if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}
	return &FileWriter{Dir: dir}, nil
}

// Write stores document atomically using the temp-file, fsync, rename
// pattern, so a crash never leaves a truncated backup behind.
func (w *FileWriter) Write(_ context.Context, name string, document []byte) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid backup name %q", name)
	}
	tmp, err := os.CreateTemp(w.Dir, ".bak-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(document); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(w.Dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
