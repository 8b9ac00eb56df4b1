// Package classify assigns cell-type labels to the columns of a test
// expression matrix by rank correlation against labelled reference
// profiles. Expression values are reduced to ranks over a shared set of
// marker genes, so the comparison is a Spearman-style correlation that is
// robust to batch effects and platform differences.
//
// The package is a pure computation layer: it does no I/O and no logging.
// Recoverable problems (shape mismatches, unknown label codes, extraction
// failures) come back as errors before any parallel work starts; calls
// that violate a documented contract panic.
package classify

// Matrix is read-only, genes-by-cells access to an expression matrix.
// Implementations must be safe for concurrent use; classification reads
// columns from many goroutines at once.
type Matrix interface {
	// Rows returns the number of genes.
	Rows() int
	// Cols returns the number of cells (or reference samples).
	Cols() int
	// ColumnRows copies the values of column col at the given rows into
	// dst, which must have length len(rows).
	ColumnRows(col int, rows []int, dst []float64) error
}

// DefaultQuantile is the correlation quantile reported as a label score
// when options do not override it.
const DefaultQuantile = 0.8
