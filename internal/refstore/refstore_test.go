package refstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/annomap-sc/server/internal/classify"
	"github.com/annomap-sc/server/internal/matrix"
)

type bundleSpec struct {
	meta    Metadata
	columns [][]float64
	labels  *labelsPayload
	markers classify.Markers
}

func writeBundle(t testing.TB, dir string, spec bundleSpec) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	d, err := matrix.NewDenseFromColumns(spec.columns)
	if err != nil {
		t.Fatalf("build dense: %v", err)
	}
	if err := matrix.WriteStore(filepath.Join(dir, matrixDir), d, matrix.DefaultStoreOptions()); err != nil {
		t.Fatalf("write store: %v", err)
	}

	writeJSON(t, filepath.Join(dir, metadataFile), spec.meta)
	if spec.labels != nil {
		writeJSON(t, filepath.Join(dir, labelsFile), spec.labels)
	}
	if spec.markers != nil {
		writeJSON(t, filepath.Join(dir, markersFile), spec.markers)
	}
}

func writeJSON(t testing.TB, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", filepath.Base(path), err)
	}
}

func validSpec() bundleSpec {
	return bundleSpec{
		meta: Metadata{
			FormatVersion: "1",
			Name:          "immune",
			Description:   "sorted immune populations",
			Genes:         []string{"CD3D", "CD19", "NKG7"},
		},
		columns: [][]float64{
			{5, 0, 1},
			{4, 1, 0},
			{0, 6, 1},
			{1, 5, 0},
		},
		labels: &labelsPayload{
			Names: []string{"t_cell", "b_cell"},
			Codes: []int{0, 0, 1, 1},
		},
		markers: classify.Markers{
			{nil, {0, 2}},
			{{1}, nil},
		},
	}
}

func TestOpenReference_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "immune")
	spec := validSpec()
	writeBundle(t, dir, spec)

	ref, err := OpenReference(dir)
	if err != nil {
		t.Fatalf("OpenReference: %v", err)
	}
	defer ref.Close()

	if ref.Name != "immune" || ref.Description != "sorted immune populations" {
		t.Errorf("metadata = %q / %q", ref.Name, ref.Description)
	}
	if !reflect.DeepEqual(ref.Genes, spec.meta.Genes) {
		t.Errorf("genes = %v", ref.Genes)
	}
	if !reflect.DeepEqual(ref.LabelNames, spec.labels.Names) {
		t.Errorf("label names = %v", ref.LabelNames)
	}
	if !reflect.DeepEqual(ref.Labels, spec.labels.Codes) {
		t.Errorf("labels = %v", ref.Labels)
	}
	if !reflect.DeepEqual(ref.Markers, spec.markers) {
		t.Errorf("markers = %v", ref.Markers)
	}

	if ref.Matrix.Rows() != 3 || ref.Matrix.Cols() != 4 {
		t.Fatalf("matrix shape = %dx%d", ref.Matrix.Rows(), ref.Matrix.Cols())
	}
	got := make([]float64, 3)
	if err := ref.Matrix.ColumnRows(2, []int{0, 1, 2}, got); err != nil {
		t.Fatalf("ColumnRows: %v", err)
	}
	if !reflect.DeepEqual(got, []float64{0, 6, 1}) {
		t.Errorf("column 2 = %v", got)
	}
}

func TestOpenDataset_NameFallback(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pbmc3k")
	spec := validSpec()
	spec.meta.Name = ""
	spec.labels = nil
	spec.markers = nil
	writeBundle(t, dir, spec)

	ds, err := OpenDataset(dir)
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}
	defer ds.Close()

	if ds.Name != "pbmc3k" {
		t.Errorf("name = %q, want directory fallback", ds.Name)
	}
}

func TestOpenDataset_Errors(t *testing.T) {
	t.Run("missing metadata", func(t *testing.T) {
		_, err := OpenDataset(t.TempDir())
		if err == nil || !strings.Contains(err.Error(), "failed to read metadata.json") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("malformed metadata", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, metadataFile), []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := OpenDataset(dir)
		if err == nil || !strings.Contains(err.Error(), "failed to parse metadata.json") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("missing matrix", func(t *testing.T) {
		dir := t.TempDir()
		writeJSON(t, filepath.Join(dir, metadataFile), Metadata{Name: "x", Genes: []string{"a"}})
		_, err := OpenDataset(dir)
		if err == nil || !strings.Contains(err.Error(), "failed to open matrix store") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("gene count mismatch", func(t *testing.T) {
		dir := t.TempDir()
		spec := validSpec()
		spec.meta.Genes = spec.meta.Genes[:2]
		spec.labels = nil
		spec.markers = nil
		writeBundle(t, dir, spec)
		_, err := OpenDataset(dir)
		if err == nil || !strings.Contains(err.Error(), "2 genes for 3 matrix rows") {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestOpenReference_Validation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*bundleSpec)
		wantErr string
	}{
		{
			name:    "missing labels file",
			mutate:  func(s *bundleSpec) { s.labels = nil },
			wantErr: "failed to read labels.json",
		},
		{
			name:    "no label names",
			mutate:  func(s *bundleSpec) { s.labels.Names = nil },
			wantErr: "no label names",
		},
		{
			name:    "code count mismatch",
			mutate:  func(s *bundleSpec) { s.labels.Codes = []int{0, 1} },
			wantErr: "2 codes for 4 matrix columns",
		},
		{
			name:    "unknown code",
			mutate:  func(s *bundleSpec) { s.labels.Codes = []int{0, 0, 1, 9} },
			wantErr: "unknown label code 9",
		},
		{
			name:    "empty label",
			mutate:  func(s *bundleSpec) { s.labels.Codes = []int{0, 0, 0, 0} },
			wantErr: `label "b_cell" has no samples`,
		},
		{
			name:    "missing markers file",
			mutate:  func(s *bundleSpec) { s.markers = nil },
			wantErr: "failed to read markers.json",
		},
		{
			name:    "markers label mismatch",
			mutate:  func(s *bundleSpec) { s.markers = classify.Markers{{nil}} },
			wantErr: "covers 1 labels, expected 2",
		},
		{
			name:    "markers not square",
			mutate:  func(s *bundleSpec) { s.markers = classify.Markers{{nil, {0}}, {{1}}} },
			wantErr: "row 1 covers 1 labels, expected 2",
		},
		{
			name:    "marker row out of range",
			mutate:  func(s *bundleSpec) { s.markers[0][1] = []int{0, 7} },
			wantErr: "names row 7 outside matrix with 3 rows",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "ref")
			spec := validSpec()
			tc.mutate(&spec)
			writeBundle(t, dir, spec)

			_, err := OpenReference(dir)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestList(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"zeta", "alpha"} {
		spec := validSpec()
		spec.meta.Name = name
		writeBundle(t, filepath.Join(root, name), spec)
	}
	if err := os.MkdirAll(filepath.Join(root, "incomplete"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "zeta"}) {
		t.Errorf("names = %v", names)
	}

	if _, err := List(filepath.Join(root, "missing")); err == nil {
		t.Error("expected error for missing root")
	}
}
