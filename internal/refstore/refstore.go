// Package refstore loads annotation bundles from disk: query datasets
// (expression matrix + gene identifiers) and labelled references (the same
// plus per-sample labels and marker gene lists).
//
// A bundle is a directory:
//
//	metadata.json   name, description, ordered gene identifiers
//	matrix/         zstd-chunked column store (internal/matrix)
//	labels.json     references only: label names + per-sample codes
//	markers.json    references only: [nLabels][nLabels][]int marker lists
package refstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/annomap-sc/server/internal/classify"
	"github.com/annomap-sc/server/internal/matrix"
)

const (
	metadataFile = "metadata.json"
	labelsFile   = "labels.json"
	markersFile  = "markers.json"
	matrixDir    = "matrix"
)

// Metadata is the bundle-level metadata.json.
type Metadata struct {
	FormatVersion string   `json:"format_version"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Genes         []string `json:"genes"`
}

type labelsPayload struct {
	Names []string `json:"names"`
	Codes []int    `json:"codes"`
}

// Dataset is a query expression matrix with its gene identifiers, one per
// matrix row. The matrix usually comes from the on-disk column store, but
// any classify.Matrix source fits (a TileDB-SOMA experiment, for one).
type Dataset struct {
	Name        string
	Description string
	Genes       []string
	Matrix      classify.Matrix
}

// Close releases the underlying matrix source when it holds resources.
func (d *Dataset) Close() {
	if c, ok := d.Matrix.(interface{ Close() }); ok {
		c.Close()
	}
}

// Reference is a labelled dataset: every matrix column carries a label
// code, and every ordered label pair carries a marker gene list in this
// reference's row space.
type Reference struct {
	Dataset
	LabelNames []string
	Labels     []int
	Markers    classify.Markers
}

// OpenDataset opens a bundle directory as a query dataset.
func OpenDataset(dir string) (*Dataset, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", metadataFile, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metadataFile, err)
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(dir)
	}

	store, err := matrix.OpenStore(filepath.Join(dir, matrixDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open matrix store: %w", err)
	}
	if len(meta.Genes) != store.Rows() {
		store.Close()
		return nil, fmt.Errorf("metadata lists %d genes for %d matrix rows", len(meta.Genes), store.Rows())
	}

	return &Dataset{
		Name:        meta.Name,
		Description: meta.Description,
		Genes:       meta.Genes,
		Matrix:      store,
	}, nil
}

// OpenReference opens a bundle directory as a labelled reference and
// validates that labels and markers agree with the matrix shape.
func OpenReference(dir string) (*Reference, error) {
	ds, err := OpenDataset(dir)
	if err != nil {
		return nil, err
	}

	ref := &Reference{Dataset: *ds}
	if err := ref.loadLabels(dir); err != nil {
		ds.Close()
		return nil, err
	}
	if err := ref.loadMarkers(dir); err != nil {
		ds.Close()
		return nil, err
	}
	return ref, nil
}

func (r *Reference) loadLabels(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, labelsFile))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", labelsFile, err)
	}
	var payload labelsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to parse %s: %w", labelsFile, err)
	}
	if len(payload.Names) == 0 {
		return fmt.Errorf("%s lists no label names", labelsFile)
	}
	if len(payload.Codes) != r.Matrix.Cols() {
		return fmt.Errorf("%s lists %d codes for %d matrix columns", labelsFile, len(payload.Codes), r.Matrix.Cols())
	}

	seen := make([]bool, len(payload.Names))
	for col, code := range payload.Codes {
		if code < 0 || code >= len(payload.Names) {
			return fmt.Errorf("sample %d has unknown label code %d", col, code)
		}
		seen[code] = true
	}
	for code, ok := range seen {
		if !ok {
			return fmt.Errorf("label %q has no samples", payload.Names[code])
		}
	}

	r.LabelNames = payload.Names
	r.Labels = payload.Codes
	return nil
}

func (r *Reference) loadMarkers(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, markersFile))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", markersFile, err)
	}
	var markers classify.Markers
	if err := json.Unmarshal(data, &markers); err != nil {
		return fmt.Errorf("failed to parse %s: %w", markersFile, err)
	}

	n := len(r.LabelNames)
	if markers.NumLabels() != n {
		return fmt.Errorf("%s covers %d labels, expected %d", markersFile, markers.NumLabels(), n)
	}
	for i := range markers {
		if len(markers[i]) != n {
			return fmt.Errorf("%s row %d covers %d labels, expected %d", markersFile, i, len(markers[i]), n)
		}
		for j := range markers[i] {
			for _, row := range markers[i][j] {
				if row < 0 || row >= r.Matrix.Rows() {
					return fmt.Errorf("marker list %d->%d names row %d outside matrix with %d rows", i, j, row, r.Matrix.Rows())
				}
			}
		}
	}

	r.Markers = markers
	return nil
}

// List returns the bundle names under root, sorted: every subdirectory
// holding a metadata.json counts.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(root, entry.Name(), metadataFile)
		if _, err := os.Stat(metaPath); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
