// Package soma provides minimal, read-only access to a TileDB-SOMA experiment
// so its RNA measurement can be annotated like any other query dataset.
//
// This is intentionally small: we only support what AnnoMap needs today:
//   - gene identifiers in matrix row order (from ms/RNA/var)
//   - per-cell expression columns (from ms/RNA/X/data)
package soma

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build server with: go build -tags soma)")
)

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	// If user points directly to experiment.soma
	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	// If user points to parent "soma/" dir
	return filepath.Join(p, "experiment.soma"), nil
}
