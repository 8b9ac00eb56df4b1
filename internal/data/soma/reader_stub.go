//go:build !soma

package soma

import (
	"fmt"
	"os"
)

// Reader is a stub when built without "-tags soma".
type Reader struct {
	experimentURI string
}

// NewReader creates a SOMA reader (stub). It still resolves and validates the
// experiment path, so configuration mistakes surface at startup, but all reads
// return ErrUnsupported.
func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(uri); err != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, err)
	}
	return &Reader{experimentURI: uri}, nil
}

// Supported reports whether SOMA reads are available in this build.
func (r *Reader) Supported() bool { return false }

// ExperimentURI returns the resolved experiment.soma path.
func (r *Reader) ExperimentURI() string { return r.experimentURI }

// Close releases resources held by the reader.
func (r *Reader) Close() {}

// Genes lists gene identifiers in matrix row order.
func (r *Reader) Genes() ([]string, error) { return nil, ErrUnsupported }

// Matrix opens the experiment's RNA measurement as an expression matrix.
func (r *Reader) Matrix() (*Matrix, error) { return nil, ErrUnsupported }

// Matrix is a stub when built without "-tags soma".
type Matrix struct{}

func (m *Matrix) Rows() int { return 0 }

func (m *Matrix) Cols() int { return 0 }

func (m *Matrix) ColumnRows(col int, rows []int, dst []float64) error { return ErrUnsupported }

func (m *Matrix) Close() {}
