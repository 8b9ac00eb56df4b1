// Package api provides HTTP handlers for the AnnoMap server.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/annomap-sc/server/internal/cache"
	"github.com/annomap-sc/server/internal/matrix"
	"github.com/annomap-sc/server/internal/refstore"
	"github.com/annomap-sc/server/internal/render"
	"github.com/annomap-sc/server/internal/service"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server  *httptest.Server
	manager *JobManager
	cache   *cache.Manager
}

// writeTestBundle writes a minimal on-disk bundle: metadata.json, the
// column-store matrix, and (for references) labels.json and markers.json.
func writeTestBundle(t *testing.T, dir, name string, columns [][]float64, labelled bool) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	d, err := matrix.NewDenseFromColumns(columns)
	if err != nil {
		t.Fatalf("Failed to build dense matrix: %v", err)
	}
	if err := matrix.WriteStore(filepath.Join(dir, "matrix"), d, matrix.DefaultStoreOptions()); err != nil {
		t.Fatalf("Failed to write matrix store: %v", err)
	}

	writeTestJSON(t, filepath.Join(dir, "metadata.json"), map[string]interface{}{
		"format_version": "1",
		"name":           name,
		"genes":          []string{"CD3D", "CD19", "NKG7", "MS4A1"},
	})
	if labelled {
		writeTestJSON(t, filepath.Join(dir, "labels.json"), map[string]interface{}{
			"names": []string{"t_cell", "b_cell"},
			"codes": []int{0, 0, 1, 1},
		})
		writeTestJSON(t, filepath.Join(dir, "markers.json"), [][][]int{
			{nil, {0, 2}},
			{{1, 3}, nil},
		})
	}
}

func writeTestJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal %s: %v", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", filepath.Base(path), err)
	}
}

// newTestRegistry loads a two-label reference and a three-cell query dataset
// from bundles written under a temp dir. Cells 0 and 2 express the T markers,
// cell 1 the B markers.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	root := t.TempDir()
	writeTestBundle(t, filepath.Join(root, "immune"), "immune", [][]float64{
		{9, 0, 5, 0},
		{8, 1, 4, 0},
		{0, 9, 1, 7},
		{1, 8, 0, 6},
	}, true)
	writeTestBundle(t, filepath.Join(root, "pbmc-mini"), "pbmc-mini", [][]float64{
		{7, 1, 4, 0},
		{0, 8, 1, 5},
		{6, 0, 3, 1},
	}, false)

	ref, err := refstore.OpenReference(filepath.Join(root, "immune"))
	if err != nil {
		t.Fatalf("Failed to open reference: %v", err)
	}
	t.Cleanup(ref.Close)

	ds, err := refstore.OpenDataset(filepath.Join(root, "pbmc-mini"))
	if err != nil {
		t.Fatalf("Failed to open dataset: %v", err)
	}
	t.Cleanup(ds.Close)

	registry := NewRegistry("AnnoMap Test")
	registry.RegisterDataset("pbmc-mini", ds)
	registry.RegisterReference(ref)
	return registry
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	registry := newTestRegistry(t)

	cacheManager, err := cache.NewManager(cache.Config{
		HeatmapCacheSizeMB: 16,
		HeatmapTTL:         1 * time.Minute,
		ResultCacheSize:    32,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	renderer := render.NewHeatmapRenderer(render.Config{
		Width:           240,
		Height:          160,
		DefaultColormap: "viridis",
	})

	svc := service.NewAnnotationService(registry, service.Options{
		Quantile: 0.8,
		Top:      -1,
		Workers:  2,
	})

	manager, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 2,
		SQLitePath:    filepath.Join(t.TempDir(), "jobs.db"),
		RetentionDays: 7,
		CleanupPeriod: time.Hour,
	})
	if err != nil {
		t.Fatalf("Failed to initialize job manager: %v", err)
	}
	manager.Executor = svc.ExecuteAnnotationJob
	manager.Start()

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  manager,
		Cache:       cacheManager,
		Renderer:    renderer,
	})

	server := httptest.NewServer(router)

	return &testServer{
		server:  server,
		manager: manager,
		cache:   cacheManager,
	}
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.manager.Stop()
	ts.cache.Close()
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	// PNG magic bytes: 0x89 0x50 0x4E 0x47 0x0D 0x0A 0x1A 0x0A
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if len(body) < 8 {
		t.Errorf("Response too short to be a valid PNG (got %d bytes)", len(body))
		return
	}
	for i, b := range pngMagic {
		if body[i] != b {
			t.Errorf("Invalid PNG magic bytes at position %d: expected 0x%02X, got 0x%02X", i, b, body[i])
			return
		}
	}
}

// assertJSONFields verifies the response contains expected JSON fields
func assertJSONFields(t *testing.T, body []byte, expectedFields []string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Errorf("Failed to parse JSON response: %v", err)
		return
	}
	for _, field := range expectedFields {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
}

// submitJob posts a job and returns its ID.
func submitJob(t *testing.T, ts *testServer, body string) string {
	t.Helper()
	resp, err := http.Post(ts.server.URL+"/api/annotate/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusAccepted)

	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("Failed to decode submit response: %v", err)
	}
	if payload.JobID == "" {
		t.Fatal("Empty job_id in submit response")
	}
	return payload.JobID
}

// waitForJob polls the status endpoint until the job reaches a terminal state.
func waitForJob(t *testing.T, ts *testServer, jobID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.server.URL + "/api/annotate/jobs/" + jobID)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		var payload struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			resp.Body.Close()
			t.Fatalf("Failed to decode status response: %v", err)
		}
		resp.Body.Close()

		switch payload.Status {
		case "completed":
			return
		case "failed", "cancelled":
			t.Fatalf("Job %s ended %s: %s", jobID, payload.Status, payload.Error)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish in time", jobID)
}

// --- Test Cases ---

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

// TestDatasetsEndpoint tests the dataset catalog endpoint
func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/api/datasets")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	assertJSONFields(t, body, []string{"title", "datasets"})

	var payload struct {
		Datasets []DatasetInfo `json:"datasets"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if len(payload.Datasets) != 1 {
		t.Fatalf("Expected 1 dataset, got %d", len(payload.Datasets))
	}
	ds := payload.Datasets[0]
	if ds.ID != "pbmc-mini" || ds.Cells != 3 || ds.Genes != 4 {
		t.Errorf("Unexpected dataset entry: %+v", ds)
	}
}

// TestReferencesEndpoints tests the reference catalog endpoints
func TestReferencesEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/api/references")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	var list struct {
		References []ReferenceInfo `json:"references"`
		Total      int             `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if list.Total != 1 || len(list.References) != 1 {
		t.Fatalf("Expected 1 reference, got %d", list.Total)
	}
	ref := list.References[0]
	if ref.Name != "immune" || ref.Samples != 4 || ref.Genes != 4 {
		t.Errorf("Unexpected reference entry: %+v", ref)
	}
	if len(ref.Labels) != 2 || ref.Labels[0] != "t_cell" {
		t.Errorf("Unexpected labels: %v", ref.Labels)
	}

	detailResp, err := http.Get(ts.server.URL + "/api/references/immune")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer detailResp.Body.Close()

	assertStatusCode(t, detailResp, http.StatusOK)

	detailBody, err := io.ReadAll(detailResp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	assertJSONFields(t, detailBody, []string{"name", "genes", "samples", "labels"})

	var detail struct {
		Labels []struct {
			Name        string `json:"name"`
			Samples     int    `json:"samples"`
			MarkerGenes int    `json:"marker_genes"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(detailBody, &detail); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if len(detail.Labels) != 2 {
		t.Fatalf("Expected 2 labels, got %d", len(detail.Labels))
	}
	if detail.Labels[0].Name != "t_cell" || detail.Labels[0].Samples != 2 || detail.Labels[0].MarkerGenes != 2 {
		t.Errorf("Unexpected t_cell detail: %+v", detail.Labels[0])
	}

	missingResp, err := http.Get(ts.server.URL + "/api/references/no-such-ref")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer missingResp.Body.Close()
	assertStatusCode(t, missingResp, http.StatusNotFound)
}

// TestAnnotateJobLifecycle submits a job and follows it through completion,
// results, summary, heatmap, and deletion.
func TestAnnotateJobLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	jobID := submitJob(t, ts, `{"dataset_id":"pbmc-mini","references":["immune"],"top":-1}`)
	waitForJob(t, ts, jobID)

	// Status carries the counts once the job ran
	statusResp, err := http.Get(ts.server.URL + "/api/annotate/jobs/" + jobID)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	statusBody, err := io.ReadAll(statusResp.Body)
	statusResp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	assertJSONFields(t, statusBody, []string{"job_id", "dataset_id", "status", "created_at", "progress", "n_cells", "n_refs"})

	var status struct {
		NumCells int `json:"n_cells"`
		NumRefs  int `json:"n_refs"`
	}
	if err := json.Unmarshal(statusBody, &status); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if status.NumCells != 3 || status.NumRefs != 1 {
		t.Errorf("Expected 3 cells across 1 reference, got %d/%d", status.NumCells, status.NumRefs)
	}

	// Results come back in cell order with the expected labels
	resultsResp, err := http.Get(ts.server.URL + "/api/annotate/jobs/" + jobID + "/results")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resultsResp.Body.Close()

	assertStatusCode(t, resultsResp, http.StatusOK)
	assertContentType(t, resultsResp, "application/json")

	var results struct {
		Total int `json:"total"`
		Items []struct {
			Cell      int     `json:"cell"`
			BestRef   string  `json:"best_reference"`
			BestLabel string  `json:"best_label"`
			Score     float64 `json:"score"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resultsResp.Body).Decode(&results); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if results.Total != 3 || len(results.Items) != 3 {
		t.Fatalf("Expected 3 results, got total=%d items=%d", results.Total, len(results.Items))
	}
	wantLabels := []string{"t_cell", "b_cell", "t_cell"}
	for i, item := range results.Items {
		if item.Cell != i {
			t.Errorf("Item %d has cell %d, expected cell order", i, item.Cell)
		}
		if item.BestLabel != wantLabels[i] {
			t.Errorf("Cell %d labelled %q, expected %q", i, item.BestLabel, wantLabels[i])
		}
		if item.BestRef != "immune" {
			t.Errorf("Cell %d assigned to reference %q", i, item.BestRef)
		}
		if item.Score <= 0 {
			t.Errorf("Cell %d has non-positive score %f", i, item.Score)
		}
	}

	// Summary aggregates label counts
	summaryResp, err := http.Get(ts.server.URL + "/api/annotate/jobs/" + jobID + "/summary")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer summaryResp.Body.Close()

	assertStatusCode(t, summaryResp, http.StatusOK)

	var summary struct {
		Counts []struct {
			Reference string `json:"reference"`
			Label     string `json:"label"`
			Count     int    `json:"count"`
		} `json:"counts"`
	}
	if err := json.NewDecoder(summaryResp.Body).Decode(&summary); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	counts := make(map[string]int)
	for _, c := range summary.Counts {
		counts[c.Label] = c.Count
	}
	if counts["t_cell"] != 2 || counts["b_cell"] != 1 {
		t.Errorf("Unexpected summary counts: %v", counts)
	}

	// Heatmap renders and the repeat request hits the cache
	heatmapURL := ts.server.URL + "/api/annotate/jobs/" + jobID + "/heatmap.png?colormap=coolwarm&max_rows=2"
	first, err := http.Get(heatmapURL)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	firstBody, err := io.ReadAll(first.Body)
	first.Body.Close()
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	assertStatusCode(t, first, http.StatusOK)
	assertContentType(t, first, "image/png")
	assertPNG(t, firstBody)
	if cc := first.Header.Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Errorf("Unexpected Cache-Control %q", cc)
	}

	second, err := http.Get(heatmapURL)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	secondBody, err := io.ReadAll(second.Body)
	second.Body.Close()
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Error("Cached heatmap differs from rendered heatmap")
	}

	// DELETE removes a finished job along with its results
	req, err := http.NewRequest(http.MethodDelete, ts.server.URL+"/api/annotate/jobs/"+jobID, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	deleteResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	deleteBody, err := io.ReadAll(deleteResp.Body)
	deleteResp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	assertStatusCode(t, deleteResp, http.StatusOK)
	assertJSONFields(t, deleteBody, []string{"job_id", "deleted"})

	goneResp, err := http.Get(ts.server.URL + "/api/annotate/jobs/" + jobID)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	goneResp.Body.Close()
	assertStatusCode(t, goneResp, http.StatusNotFound)
}

// TestSubmitValidation tests submit request validation
func TestSubmitValidation(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{
			name:           "missing dataset_id",
			body:           `{}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown dataset",
			body:           `{"dataset_id":"nope"}`,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "unknown reference",
			body:           `{"dataset_id":"pbmc-mini","references":["nope"]}`,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "quantile out of range",
			body:           `{"dataset_id":"pbmc-mini","quantile":1.5}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "top below -1",
			body:           `{"dataset_id":"pbmc-mini","top":-2}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed body",
			body:           `{not json`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.server.URL+"/api/annotate/jobs", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			assertStatusCode(t, resp, tt.expectedStatus)
		})
	}
}

// TestJobNotFound tests 404 handling across job endpoints
func TestJobNotFound(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	paths := []string{
		"/api/annotate/jobs/deadbeef",
		"/api/annotate/jobs/deadbeef/results",
		"/api/annotate/jobs/deadbeef/summary",
		"/api/annotate/jobs/deadbeef/heatmap.png",
	}
	for _, path := range paths {
		resp, err := http.Get(ts.server.URL + path)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected %d, got %d", path, http.StatusNotFound, resp.StatusCode)
		}
	}

	req, err := http.NewRequest(http.MethodDelete, ts.server.URL+"/api/annotate/jobs/deadbeef", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	resp.Body.Close()
	assertStatusCode(t, resp, http.StatusNotFound)
}

// TestJobListEndpoint tests job listing with and without the dataset filter
func TestJobListEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	jobID := submitJob(t, ts, `{"dataset_id":"pbmc-mini"}`)
	waitForJob(t, ts, jobID)

	resp, err := http.Get(ts.server.URL + "/api/annotate/jobs")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	var list struct {
		Total int `json:"total"`
		Jobs  []struct {
			ID string `json:"job_id"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if list.Total != 1 || len(list.Jobs) != 1 || list.Jobs[0].ID != jobID {
		t.Errorf("Unexpected job list: %+v", list)
	}

	filtered, err := http.Get(ts.server.URL + "/api/annotate/jobs?dataset=other")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer filtered.Body.Close()

	var empty struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(filtered.Body).Decode(&empty); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if empty.Total != 0 {
		t.Errorf("Expected no jobs for unknown dataset, got %d", empty.Total)
	}
}

// TestCORSHeaders tests that CORS preflight requests are answered
func TestCORSHeaders(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	req, err := http.NewRequest(http.MethodOptions, ts.server.URL+"/api/datasets", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected allowed origin to be echoed, got %q", got)
	}
}

// TestMetricsEndpoint tests the Prometheus exposition endpoint
func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	// A request through the router seeds the HTTP counter.
	warm, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	warm.Body.Close()

	resp, err := http.Get(ts.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	for _, metric := range []string{"annomap_active_jobs", "annomap_http_requests_total"} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("Expected metric %q in exposition output", metric)
		}
	}
}
