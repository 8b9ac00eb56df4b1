package matrix

import (
	"fmt"
	"sort"
)

// CSC is a compressed sparse column matrix. Column j's stored entries are
// values[indptr[j]:indptr[j+1]] at the rows named by the matching stretch
// of indices, strictly ascending within each column; rows without a stored
// entry are zero.
type CSC struct {
	rows, cols int
	indptr     []int
	indices    []int
	values     []float64
}

// NewCSC validates the three CSC arrays and wraps them without copying.
func NewCSC(rows, cols int, indptr, indices []int, values []float64) (*CSC, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("invalid shape: %d x %d", rows, cols)
	}
	if len(indptr) != cols+1 {
		return nil, fmt.Errorf("indptr holds %d entries, expected %d", len(indptr), cols+1)
	}
	if indptr[0] != 0 {
		return nil, fmt.Errorf("indptr must start at 0, got %d", indptr[0])
	}
	if len(indices) != len(values) {
		return nil, fmt.Errorf("got %d row indices for %d values", len(indices), len(values))
	}
	if indptr[cols] != len(values) {
		return nil, fmt.Errorf("indptr ends at %d, but %d entries are stored", indptr[cols], len(values))
	}
	for col := 0; col < cols; col++ {
		start, end := indptr[col], indptr[col+1]
		if start > end {
			return nil, fmt.Errorf("indptr decreases at column %d", col)
		}
		for i := start; i < end; i++ {
			r := indices[i]
			if r < 0 || r >= rows {
				return nil, fmt.Errorf("column %d: row index out of range: %d (n_rows=%d)", col, r, rows)
			}
			if i > start && r <= indices[i-1] {
				return nil, fmt.Errorf("column %d: row indices not strictly increasing at entry %d", col, i-start)
			}
		}
	}
	return &CSC{rows: rows, cols: cols, indptr: indptr, indices: indices, values: values}, nil
}

// Rows returns the number of rows (genes).
func (m *CSC) Rows() int { return m.rows }

// Cols returns the number of columns (cells or samples).
func (m *CSC) Cols() int { return m.cols }

// NumStored returns the number of explicitly stored entries.
func (m *CSC) NumStored() int { return len(m.values) }

// ColumnRows copies the values of column col at the given rows into dst,
// filling zeros for rows with no stored entry. The requested rows may come
// in any order.
func (m *CSC) ColumnRows(col int, rows []int, dst []float64) error {
	if col < 0 || col >= m.cols {
		return fmt.Errorf("column index out of range: %d (n_cols=%d)", col, m.cols)
	}
	if len(dst) != len(rows) {
		return fmt.Errorf("destination holds %d values for %d rows", len(dst), len(rows))
	}
	start, end := m.indptr[col], m.indptr[col+1]
	stored := m.indices[start:end]
	for i, r := range rows {
		if r < 0 || r >= m.rows {
			return fmt.Errorf("row index out of range: %d (n_rows=%d)", r, m.rows)
		}
		pos := sort.SearchInts(stored, r)
		if pos < len(stored) && stored[pos] == r {
			dst[i] = m.values[start+pos]
		} else {
			dst[i] = 0
		}
	}
	return nil
}
