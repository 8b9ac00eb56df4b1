package matrix

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	storeMetaFile      = "array.json"
	storeChunkDir      = "c"
	storeFormatVersion = "1"
	storeDataType      = "float64"
)

// storeMeta describes the on-disk array: shape, chunking and fill value.
type storeMeta struct {
	FormatVersion string  `json:"format_version"`
	DataType      string  `json:"data_type"`
	Rows          int     `json:"rows"`
	Cols          int     `json:"cols"`
	ChunkCols     int     `json:"chunk_cols"`
	FillValue     float64 `json:"fill_value"`
}

// Store reads a zstd-chunked column store from disk. Each chunk file under
// c/ holds ChunkCols consecutive columns, column-major, as little-endian
// float64; a chunk missing on disk holds only the fill value. Decoded
// chunks are cached, so Store is safe for concurrent column extraction.
type Store struct {
	dir     string
	meta    storeMeta
	decoder *zstd.Decoder

	mu     sync.RWMutex
	chunks map[int][]float64
}

// OpenStore opens the store directory and loads its array metadata.
func OpenStore(dir string) (*Store, error) {
	data, err := os.ReadFile(filepath.Join(dir, storeMetaFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", storeMetaFile, err)
	}
	var meta storeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", storeMetaFile, err)
	}
	if meta.DataType != storeDataType {
		return nil, fmt.Errorf("unsupported data_type: %q", meta.DataType)
	}
	if meta.Rows < 0 || meta.Cols < 0 {
		return nil, fmt.Errorf("invalid shape: %d x %d", meta.Rows, meta.Cols)
	}
	if meta.ChunkCols <= 0 {
		return nil, fmt.Errorf("invalid chunk_cols: %d", meta.ChunkCols)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Store{
		dir:     dir,
		meta:    meta,
		decoder: decoder,
		chunks:  make(map[int][]float64),
	}, nil
}

// Rows returns the number of rows (genes).
func (s *Store) Rows() int { return s.meta.Rows }

// Cols returns the number of columns (cells or samples).
func (s *Store) Cols() int { return s.meta.Cols }

// ColumnRows copies the values of column col at the given rows into dst.
func (s *Store) ColumnRows(col int, rows []int, dst []float64) error {
	if col < 0 || col >= s.meta.Cols {
		return fmt.Errorf("column index out of range: %d (n_cols=%d)", col, s.meta.Cols)
	}
	if len(dst) != len(rows) {
		return fmt.Errorf("destination holds %d values for %d rows", len(dst), len(rows))
	}
	values, err := s.chunk(col / s.meta.ChunkCols)
	if err != nil {
		return err
	}
	base := (col % s.meta.ChunkCols) * s.meta.Rows
	for i, r := range rows {
		if r < 0 || r >= s.meta.Rows {
			return fmt.Errorf("row index out of range: %d (n_rows=%d)", r, s.meta.Rows)
		}
		dst[i] = values[base+r]
	}
	return nil
}

// Close releases the decoder.
func (s *Store) Close() {
	if s.decoder != nil {
		s.decoder.Close()
	}
}

// chunkLen returns the number of columns in chunk idx; the last chunk may
// be short.
func (s *Store) chunkLen(idx int) int {
	return min(s.meta.ChunkCols, s.meta.Cols-idx*s.meta.ChunkCols)
}

func (s *Store) chunk(idx int) ([]float64, error) {
	s.mu.RLock()
	values, ok := s.chunks[idx]
	s.mu.RUnlock()
	if ok {
		return values, nil
	}

	n := s.chunkLen(idx) * s.meta.Rows
	compressed, err := os.ReadFile(filepath.Join(s.dir, storeChunkDir, strconv.Itoa(idx)))
	switch {
	case os.IsNotExist(err):
		// A chunk absent on disk holds only the fill value.
		values = make([]float64, n)
		if s.meta.FillValue != 0 {
			for i := range values {
				values[i] = s.meta.FillValue
			}
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read chunk %d: %w", idx, err)
	default:
		raw, err := s.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed for chunk %d: %w", idx, err)
		}
		if len(raw) != n*8 {
			return nil, fmt.Errorf("chunk %d holds %d bytes, expected %d", idx, len(raw), n*8)
		}
		values = make([]float64, n)
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	}

	s.mu.Lock()
	s.chunks[idx] = values
	s.mu.Unlock()
	return values, nil
}

// StoreOptions configures WriteStore.
type StoreOptions struct {
	// ChunkCols is the number of columns stored per chunk file.
	ChunkCols int
}

// DefaultStoreOptions returns the stock chunking.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{ChunkCols: 256}
}

// WriteStore writes a dense matrix as a chunked zstd column store under
// dir. Chunks holding only the fill value (zero) are not written; OpenStore
// regenerates them from the metadata.
func WriteStore(dir string, d *Dense, opts StoreOptions) error {
	if opts.ChunkCols <= 0 {
		opts.ChunkCols = DefaultStoreOptions().ChunkCols
	}
	if err := os.MkdirAll(filepath.Join(dir, storeChunkDir), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer encoder.Close()

	meta := storeMeta{
		FormatVersion: storeFormatVersion,
		DataType:      storeDataType,
		Rows:          d.Rows(),
		Cols:          d.Cols(),
		ChunkCols:     opts.ChunkCols,
	}

	nChunks := ceilDiv(meta.Cols, meta.ChunkCols)
	raw := make([]byte, 0, meta.ChunkCols*meta.Rows*8)
	for idx := 0; idx < nChunks; idx++ {
		start := idx * meta.ChunkCols
		end := min(start+meta.ChunkCols, meta.Cols)

		raw = raw[:0]
		allFill := true
		for col := start; col < end; col++ {
			for _, v := range d.Column(col) {
				if v != meta.FillValue {
					allFill = false
				}
				raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(v))
			}
		}
		if allFill {
			continue
		}
		path := filepath.Join(dir, storeChunkDir, strconv.Itoa(idx))
		if err := os.WriteFile(path, encoder.EncodeAll(raw, nil), 0o644); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", idx, err)
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", storeMetaFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, storeMetaFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", storeMetaFile, err)
	}
	return nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
