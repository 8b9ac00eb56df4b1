package matrix

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func writeTestStore(t *testing.T, d *Dense, chunkCols int) string {
	t.Helper()
	dir := t.TempDir()
	if err := WriteStore(dir, d, StoreOptions{ChunkCols: chunkCols}); err != nil {
		t.Fatalf("failed to write store: %v", err)
	}
	return dir
}

func TestStore_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const rows, cols = 13, 23

	d := NewDense(rows, cols)
	for col := 0; col < cols; col++ {
		for row := 0; row < rows; row++ {
			d.Set(row, col, rng.NormFloat64())
		}
	}

	// ChunkCols 5 leaves a short trailing chunk of 3 columns.
	dir := writeTestStore(t, d, 5)
	s, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	if s.Rows() != rows || s.Cols() != cols {
		t.Fatalf("unexpected shape: %d x %d", s.Rows(), s.Cols())
	}

	all := make([]int, rows)
	for i := range all {
		all[i] = i
	}
	want := make([]float64, rows)
	got := make([]float64, rows)
	for col := 0; col < cols; col++ {
		if err := d.ColumnRows(col, all, want); err != nil {
			t.Fatalf("dense ColumnRows: %v", err)
		}
		if err := s.ColumnRows(col, all, got); err != nil {
			t.Fatalf("store ColumnRows: %v", err)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("col %d row %d: store %v, dense %v", col, i, got[i], want[i])
			}
		}
	}

	// Subset extraction, and a second read of the same column through the
	// chunk cache.
	subset := []int{12, 0, 7}
	sWant := make([]float64, len(subset))
	sGot := make([]float64, len(subset))
	for _, col := range []int{22, 22} {
		if err := d.ColumnRows(col, subset, sWant); err != nil {
			t.Fatalf("dense ColumnRows: %v", err)
		}
		if err := s.ColumnRows(col, subset, sGot); err != nil {
			t.Fatalf("store ColumnRows: %v", err)
		}
		for i := range sWant {
			if sGot[i] != sWant[i] {
				t.Fatalf("col %d subset: store %v, dense %v", col, sGot, sWant)
			}
		}
	}
}

func TestStore_MissingChunksAreFill(t *testing.T) {
	const rows, cols = 4, 10
	d := NewDense(rows, cols)
	for col := 0; col < 5; col++ {
		for row := 0; row < rows; row++ {
			d.Set(row, col, float64(col*rows+row+1))
		}
	}
	// Columns 5..9 stay zero, so the second chunk is all fill.

	dir := writeTestStore(t, d, 5)
	if _, err := os.Stat(filepath.Join(dir, "c", "0")); err != nil {
		t.Fatalf("expected chunk 0 on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "c", "1")); !os.IsNotExist(err) {
		t.Fatalf("expected chunk 1 to be omitted, stat err: %v", err)
	}

	s, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	got := make([]float64, rows)
	if err := s.ColumnRows(7, []int{0, 1, 2, 3}, got); err != nil {
		t.Fatalf("store ColumnRows: %v", err)
	}
	for i, v := range got {
		if v != 0 {
			t.Fatalf("row %d of omitted chunk: got %v, want 0", i, v)
		}
	}

	if err := s.ColumnRows(2, []int{0, 3}, got[:2]); err != nil {
		t.Fatalf("store ColumnRows: %v", err)
	}
	if got[0] != 9 || got[1] != 12 {
		t.Fatalf("unexpected stored values: %v", got[:2])
	}
}

func TestStore_ConcurrentReads(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	const rows, cols = 31, 40

	d := NewDense(rows, cols)
	for col := 0; col < cols; col++ {
		for row := 0; row < rows; row++ {
			d.Set(row, col, rng.Float64()*100)
		}
	}

	dir := writeTestStore(t, d, 7)
	s, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	all := make([]int, rows)
	for i := range all {
		all[i] = i
	}

	const readers = 8
	errs := make(chan error, readers)
	var wg sync.WaitGroup
	for w := 0; w < readers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dst := make([]float64, rows)
			for col := 0; col < cols; col++ {
				if err := s.ColumnRows(col, all, dst); err != nil {
					errs <- err
					return
				}
				for row := range dst {
					if dst[row] != d.At(row, col) {
						errs <- fmt.Errorf("col %d row %d: got %v, want %v", col, row, dst[row], d.At(row, col))
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent read failed: %v", err)
	}
}

func TestOpenStore_Errors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		_, err := OpenStore(filepath.Join(t.TempDir(), "nope"))
		if err == nil || !strings.Contains(err.Error(), "failed to read") {
			t.Fatalf("expected read error, got %v", err)
		}
	})

	t.Run("malformed metadata", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, storeMetaFile), []byte("not json"), 0o644); err != nil {
			t.Fatalf("failed to write metadata: %v", err)
		}
		_, err := OpenStore(dir)
		if err == nil || !strings.Contains(err.Error(), "failed to parse") {
			t.Fatalf("expected parse error, got %v", err)
		}
	})

	metaCases := []struct {
		name string
		meta storeMeta
		text string
	}{
		{"unsupported dtype", storeMeta{FormatVersion: "1", DataType: "float32", Rows: 1, Cols: 1, ChunkCols: 1}, "unsupported data_type"},
		{"negative shape", storeMeta{FormatVersion: "1", DataType: "float64", Rows: -1, Cols: 1, ChunkCols: 1}, "invalid shape"},
		{"bad chunking", storeMeta{FormatVersion: "1", DataType: "float64", Rows: 1, Cols: 1, ChunkCols: 0}, "invalid chunk_cols"},
	}
	for _, tc := range metaCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			data, err := json.Marshal(tc.meta)
			if err != nil {
				t.Fatalf("failed to encode metadata: %v", err)
			}
			if err := os.WriteFile(filepath.Join(dir, storeMetaFile), data, 0o644); err != nil {
				t.Fatalf("failed to write metadata: %v", err)
			}
			_, err = OpenStore(dir)
			if err == nil || !strings.Contains(err.Error(), tc.text) {
				t.Fatalf("expected error containing %q, got %v", tc.text, err)
			}
		})
	}
}

func TestStore_CorruptChunk(t *testing.T) {
	d := mustDense(t, [][]float64{{1, 2}, {3, 4}})
	dir := writeTestStore(t, d, 2)

	if err := os.WriteFile(filepath.Join(dir, "c", "0"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("failed to corrupt chunk: %v", err)
	}

	s, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	dst := make([]float64, 1)
	err = s.ColumnRows(0, []int{0}, dst)
	if err == nil || !strings.Contains(err.Error(), "zstd decompress failed") {
		t.Fatalf("expected decompress error, got %v", err)
	}
}

func BenchmarkStore_ColumnRows(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	const rows, cols = 2000, 64

	d := NewDense(rows, cols)
	for col := 0; col < cols; col++ {
		for row := 0; row < rows; row++ {
			d.Set(row, col, rng.Float64())
		}
	}

	dir := b.TempDir()
	if err := WriteStore(dir, d, StoreOptions{ChunkCols: 16}); err != nil {
		b.Fatalf("failed to write store: %v", err)
	}
	s, err := OpenStore(dir)
	if err != nil {
		b.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	subset := make([]int, 500)
	for i := range subset {
		subset[i] = (i * 3) % rows
	}
	dst := make([]float64, len(subset))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.ColumnRows(i%cols, subset, dst); err != nil {
			b.Fatalf("ColumnRows: %v", err)
		}
	}
}
