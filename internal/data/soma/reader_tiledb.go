//go:build soma

package soma

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	geneOnce sync.Once
	genes    []string      // gene_id per matrix row, ascending var joinid
	rowOf    map[int64]int // gene soma_joinid -> matrix row
	geneMin  int64
	geneMax  int64
	geneErr  error
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// Close releases the TileDB context. The reader and any Matrix obtained from
// it must not be used afterwards.
func (r *Reader) Close() {
	if r.ctx != nil {
		r.ctx.Free()
		r.ctx = nil
	}
}

// Genes lists gene identifiers in matrix row order (ascending var joinid).
func (r *Reader) Genes() ([]string, error) {
	r.geneOnce.Do(func() { r.geneErr = r.loadGenes() })
	if r.geneErr != nil {
		return nil, r.geneErr
	}
	return r.genes, nil
}

// Matrix opens the experiment's RNA measurement as a gene-by-cell expression
// matrix. Rows follow Genes(), columns are cells in ascending obs joinid order.
func (r *Reader) Matrix() (*Matrix, error) {
	if _, err := r.Genes(); err != nil {
		return nil, err
	}

	cellMin, cellMax, empty, err := r.cellRange()
	if err != nil {
		return nil, err
	}
	cols := 0
	if !empty {
		cols = int(cellMax - cellMin + 1)
	}

	return &Matrix{
		reader:  r,
		cellMin: cellMin,
		cols:    cols,
	}, nil
}

func (r *Reader) loadGenes() error {
	varURI := r.experimentURI + "/ms/RNA/var"
	arr, err := tiledb.NewArray(r.ctx, varURI)
	if err != nil {
		return fmt.Errorf("failed to open var array (%s): %w", varURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open var array for read: %w", err)
	}
	defer arr.Close()

	// Use non-empty domain to avoid relying on potentially unbounded dimension domains.
	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return fmt.Errorf("failed to get var non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		r.rowOf = map[int64]int{}
		return nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return fmt.Errorf("failed to parse var non-empty domain bounds: %w", err)
	}
	r.geneMin, r.geneMax = minID, maxID

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create var subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return fmt.Errorf("failed to set var range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create var query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set var subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set var query layout: %w", err)
	}

	// Stream in chunks to avoid huge allocations and to handle unbounded domains safely.
	const chunkRows = 4096
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	geneNullable, err := attributeNullable(arr, "gene_id")
	if err != nil {
		return fmt.Errorf("failed to inspect gene_id nullable: %w", err)
	}
	var validity []uint8
	if geneNullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 1024*1024) // 1MB for var-length gene_id bytes

	type genePair struct {
		joinID int64
		name   string
	}
	pairs := make([]genePair, 0, 32768)
	for {
		// Reset buffers each submit so TileDB sees full capacities (buffer sizes are in/out params).
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer("gene_id", offsets); err != nil {
			return fmt.Errorf("failed to set offsets buffer gene_id: %w", err)
		}
		if _, err := q.SetDataBuffer("gene_id", dataBytes); err != nil {
			return fmt.Errorf("failed to set data buffer gene_id: %w", err)
		}
		if geneNullable {
			if _, err := q.SetValidityBuffer("gene_id", validity); err != nil {
				return fmt.Errorf("failed to set validity buffer gene_id: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("var query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("var query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("var query ResultBufferElements failed: %w", err)
		}

		usedJoin := int(elems["soma_joinid"][1])
		usedOffsets := int(elems["gene_id"][0])
		usedBytes := int(elems["gene_id"][1])
		usedValid := 0
		if geneNullable {
			usedValid = int(elems["gene_id"][2])
		}
		if usedJoin > len(joinIDs) {
			usedJoin = len(joinIDs)
		}
		if usedOffsets > len(offsets) {
			usedOffsets = len(offsets)
		}
		if usedBytes > len(dataBytes) {
			usedBytes = len(dataBytes)
		}
		if geneNullable {
			if usedValid > len(validity) {
				usedValid = len(validity)
			}
		}

		// If buffers are too small to return even a single row, grow and retry.
		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return fmt.Errorf("var query buffers too small (gene_id); grew to %d bytes and still no progress", len(dataBytes))
		}

		join := joinIDs[:usedJoin]
		off := offsets[:usedOffsets]
		data := dataBytes[:usedBytes]
		var val []uint8
		if geneNullable {
			val = validity[:usedValid]
		}

		lim := usedJoin
		if usedOffsets < lim {
			lim = usedOffsets
		}
		if geneNullable && usedValid > 0 && usedValid < lim {
			lim = usedValid
		}
		for i := 0; i < lim; i++ {
			if geneNullable && usedValid > 0 && val[i] == 0 {
				continue
			}
			start := int(off[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(off[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			pairs = append(pairs, genePair{joinID: join[i], name: string(data[start:end])})
		}

		if status == tiledb.TILEDB_COMPLETED {
			break
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected TileDB query status for var: %v", status)
		}
	}

	// Matrix rows follow ascending joinid.
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].joinID < pairs[j].joinID })
	r.genes = make([]string, len(pairs))
	r.rowOf = make(map[int64]int, len(pairs))
	for i, p := range pairs {
		r.genes[i] = p.name
		r.rowOf[p.joinID] = i
	}
	return nil
}

// cellRange returns the min and max cell soma_joinid from the obs DataFrame.
func (r *Reader) cellRange() (minID, maxID int64, empty bool, err error) {
	obsURI := r.experimentURI + "/obs"
	arr, err := tiledb.NewArray(r.ctx, obsURI)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to open obs array (%s): %w", obsURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return 0, 0, false, fmt.Errorf("failed to open obs array for read: %w", err)
	}
	defer arr.Close()

	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to get obs non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return 0, 0, true, nil
	}
	minID, maxID, err = boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to parse obs non-empty domain bounds: %w", err)
	}
	return minID, maxID, false, nil
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}

// Matrix exposes the experiment's ms/RNA/X/data layer as a gene-by-cell
// expression matrix. Cell joinids are assumed contiguous from the obs
// non-empty domain minimum, which matches how tiledbsoma assigns them.
type Matrix struct {
	reader  *Reader
	cellMin int64
	cols    int
}

func (m *Matrix) Rows() int { return len(m.reader.genes) }

func (m *Matrix) Cols() int { return m.cols }

// ColumnRows reads one cell's expression and gathers the requested gene rows
// into dst. Genes absent from the sparse X layer read as zero.
func (m *Matrix) ColumnRows(col int, rows []int, dst []float64) error {
	if col < 0 || col >= m.cols {
		return fmt.Errorf("column %d out of range [0,%d)", col, m.cols)
	}
	if len(dst) < len(rows) {
		return fmt.Errorf("dst length %d below %d requested rows", len(dst), len(rows))
	}

	dense := make([]float64, len(m.reader.genes))
	if len(dense) > 0 {
		if err := m.readCell(m.cellMin+int64(col), dense); err != nil {
			return err
		}
	}
	for i, row := range rows {
		if row < 0 || row >= len(dense) {
			return fmt.Errorf("row %d out of range [0,%d)", row, len(dense))
		}
		dst[i] = dense[row]
	}
	return nil
}

// Close releases the reader's TileDB context.
func (m *Matrix) Close() { m.reader.Close() }

// readCell fills dense with one cell's expression, indexed by matrix row.
// Each call opens the X array fresh so concurrent reads never share query state.
func (m *Matrix) readCell(cellJoinID int64, dense []float64) error {
	r := m.reader
	xURI := r.experimentURI + "/ms/RNA/X/data"
	arr, err := tiledb.NewArray(r.ctx, xURI)
	if err != nil {
		return fmt.Errorf("failed to open X array (%s): %w", xURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open X array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create X subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](cellJoinID, cellJoinID)); err != nil {
		return fmt.Errorf("failed to add cell range: %w", err)
	}
	if err := sub.AddRangeByName("soma_dim_1", tiledb.MakeRange[int64](r.geneMin, r.geneMax)); err != nil {
		return fmt.Errorf("failed to add gene range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create X query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set X subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	// One cell yields at most one entry per gene.
	bufSize := len(dense)
	if bufSize > 65536 {
		bufSize = 65536
	}
	outGene := make([]int64, bufSize)
	outVal := make([]float32, bufSize)
	valNullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var outValValid []uint8
	if valNullable {
		outValValid = make([]uint8, bufSize)
	}

	for {
		if _, err := q.SetDataBuffer("soma_dim_1", outGene); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if valNullable {
			if _, err := q.SetValidityBuffer("soma_data", outValValid); err != nil {
				return fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("X query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("X query status failed: %w", err)
		}

		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("X query ResultBufferElements failed: %w", err)
		}
		got := int(elems["soma_data"][1])
		if got > len(outVal) {
			got = len(outVal)
		}
		gotValid := 0
		if valNullable {
			gotValid = int(elems["soma_data"][2])
			if gotValid > len(outValValid) {
				gotValid = len(outValValid)
			}
		}

		for i := 0; i < got; i++ {
			if valNullable && i < gotValid && outValValid[i] == 0 {
				continue
			}
			if row, ok := r.rowOf[outGene[i]]; ok {
				dense[row] = float64(outVal[i])
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected X query status: %v", status)
		}
	}
}
