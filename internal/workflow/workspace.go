package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Workspace lays out per-target temp directories under one root.
type Workspace struct {
	root string
}

func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// Dir is the temp directory owned by target.
func (w *Workspace) Dir(target string) string {
	base := filepath.Base(target)
	return filepath.Join(w.root, strings.TrimSuffix(base, filepath.Ext(base)))
}

// Reset clears any stale directory for target and creates a fresh one.
func (w *Workspace) Reset(target string) error {
	if err := w.Clear(target); err != nil {
		return err
	}
	if err := os.MkdirAll(w.Dir(target), 0755); err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}
	return nil
}

func (w *Workspace) Clear(target string) error {
	if err := os.RemoveAll(w.Dir(target)); err != nil {
		return fmt.Errorf("clear temp directory: %w", err)
	}
	return nil
}

// FramePattern is the numbered frame pattern handed to the encoder.
func (w *Workspace) FramePattern(target, format string) string {
	return filepath.Join(w.Dir(target), "%08d."+format)
}

// FramePaths lists extracted frames in name order.
func (w *Workspace) FramePaths(target, format string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(w.Dir(target), "*."+format))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// TempFile is the intermediate artifact path, keeping target's extension
// unless ext is given.
func (w *Workspace) TempFile(target, ext string) string {
	if ext == "" {
		ext = filepath.Ext(target)
	}
	return filepath.Join(w.Dir(target), "temp"+ext)
}
