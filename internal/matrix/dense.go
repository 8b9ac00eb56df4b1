// Package matrix provides the expression matrix implementations the
// annotation engine extracts columns from: an in-memory dense matrix, a
// compressed sparse column matrix, and a zstd-chunked disk store.
//
// All of them are genes by cells: rows are genes, columns are cells or
// reference samples.
package matrix

import "fmt"

// Dense is an in-memory column-major matrix.
type Dense struct {
	rows, cols int
	data       []float64
}

// NewDense returns a zero-filled rows x cols matrix.
func NewDense(rows, cols int) *Dense {
	return &Dense{rows: rows, cols: cols, data: make([]float64, rows*cols)}
}

// NewDenseFromColumns builds a matrix from column slices, which must all
// have the same length. The data is copied.
func NewDenseFromColumns(columns [][]float64) (*Dense, error) {
	if len(columns) == 0 {
		return &Dense{}, nil
	}
	rows := len(columns[0])
	d := NewDense(rows, len(columns))
	for col, c := range columns {
		if len(c) != rows {
			return nil, fmt.Errorf("column %d has %d values, expected %d", col, len(c), rows)
		}
		copy(d.Column(col), c)
	}
	return d, nil
}

// Rows returns the number of rows (genes).
func (d *Dense) Rows() int { return d.rows }

// Cols returns the number of columns (cells or samples).
func (d *Dense) Cols() int { return d.cols }

// At returns the value at (row, col).
func (d *Dense) At(row, col int) float64 { return d.data[col*d.rows+row] }

// Set stores v at (row, col).
func (d *Dense) Set(row, col int, v float64) { d.data[col*d.rows+row] = v }

// Column returns column col as a view into the backing storage.
func (d *Dense) Column(col int) []float64 {
	return d.data[col*d.rows : (col+1)*d.rows]
}

// ColumnRows copies the values of column col at the given rows into dst.
func (d *Dense) ColumnRows(col int, rows []int, dst []float64) error {
	if col < 0 || col >= d.cols {
		return fmt.Errorf("column index out of range: %d (n_cols=%d)", col, d.cols)
	}
	if len(dst) != len(rows) {
		return fmt.Errorf("destination holds %d values for %d rows", len(dst), len(rows))
	}
	column := d.Column(col)
	for i, r := range rows {
		if r < 0 || r >= d.rows {
			return fmt.Errorf("row index out of range: %d (n_rows=%d)", r, d.rows)
		}
		dst[i] = column[r]
	}
	return nil
}
