package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/financiia/marill/internal/defaults"
)

// runInit writes the example config and action policy into dir.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Marill workspace in %s\n", dir)

	for _, sub := range []string{"", "data"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// The config carries API keys.
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{"policy.rego", defaults.PolicyRego, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := writeIfMissing(path, f.content, f.perm); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set the API keys in config.yaml or a .env file, then run: marill serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
