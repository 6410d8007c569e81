package rules

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileLoader reads rule documents from a directory of
// "<name>.<version>.json" files, failing loudly on a missing file
// rather than silently falling back to a default ruleset.
func FileLoader(dir string) func(name, version string) ([]byte, error) {
	return func(name, version string) ([]byte, error) {
		path := filepath.Join(dir, fmt.Sprintf("%s.%s.json", name, version))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load rule document %s/%s: %w", name, version, err)
		}
		return data, nil
	}
}
