package classify

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

// testMatrix is a column-major in-memory matrix for tests.
type testMatrix struct {
	rows int
	cols [][]float64
}

func newTestMatrix(rows int, cols ...[]float64) *testMatrix {
	for _, c := range cols {
		if len(c) != rows {
			panic("testMatrix: column length does not match row count")
		}
	}
	return &testMatrix{rows: rows, cols: cols}
}

func (m *testMatrix) Rows() int { return m.rows }
func (m *testMatrix) Cols() int { return len(m.cols) }

func (m *testMatrix) ColumnRows(col int, rows []int, dst []float64) error {
	if col < 0 || col >= len(m.cols) {
		return fmt.Errorf("column %d out of range", col)
	}
	if len(dst) != len(rows) {
		return fmt.Errorf("dst holds %d entries for %d rows", len(dst), len(rows))
	}
	for i, r := range rows {
		if r < 0 || r >= m.rows {
			return fmt.Errorf("row %d out of range", r)
		}
		dst[i] = m.cols[col][r]
	}
	return nil
}

// errMatrix fails every extraction.
type errMatrix struct {
	rows, cols int
}

var errExtract = errors.New("extraction failed")

func (m errMatrix) Rows() int { return m.rows }
func (m errMatrix) Cols() int { return m.cols }

func (m errMatrix) ColumnRows(int, []int, []float64) error { return errExtract }

func assertInts(t *testing.T, name string, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %v, want %v", name, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s: got %v, want %v", name, got, want)
		}
	}
}

func assertFloatsNear(t *testing.T, name string, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d values, want %d", name, len(got), len(want))
	}
	for i := range want {
		if math.IsNaN(want[i]) {
			if !math.IsNaN(got[i]) {
				t.Fatalf("%s[%d]: got %v, want NaN", name, i, got[i])
			}
			continue
		}
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("%s[%d]: got %v, want %v (tol %v)", name, i, got[i], want[i], tol)
		}
	}
}

func assertNear(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s: got %v, want %v (tol %v)", name, got, want, tol)
	}
}
