// Package jobstore provides persistent storage for annotation job state and
// results using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of an annotation job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobParams contains the parameters for an annotation job. Quantile 0 and
// Top 0 defer to the server defaults.
type JobParams struct {
	DatasetID  string   `json:"dataset_id"`
	References []string `json:"references"`
	Quantile   float64  `json:"quantile,omitempty"`
	Top        int      `json:"top,omitempty"`
}

// JobProgress represents the progress of an annotation job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job represents a cell annotation job.
type Job struct {
	ID         string      `json:"job_id"`
	DatasetID  string      `json:"dataset_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	NumCells   int         `json:"n_cells"`
	NumRefs    int         `json:"n_refs"`
	Error      string      `json:"error,omitempty"`
}

// RefCall is one reference's verdict for a cell: the label its own round
// picked and the cross-reference score that label earned.
type RefCall struct {
	Reference string  `json:"reference"`
	Label     string  `json:"label"`
	Score     float64 `json:"score"`
}

// CellResult contains the annotation result for a single cell. Delta is nil
// when only one reference took part.
type CellResult struct {
	Cell      int       `json:"cell"`
	BestRef   string    `json:"best_reference"`
	BestLabel string    `json:"best_label"`
	Score     float64   `json:"score"`
	Delta     *float64  `json:"delta"`
	Calls     []RefCall `json:"calls,omitempty"`
}

// LabelCount is one row of a job summary.
type LabelCount struct {
	Reference string `json:"reference"`
	Label     string `json:"label"`
	Count     int    `json:"count"`
}

// Store provides persistent storage for annotation jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS anno_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_cells INTEGER DEFAULT 0,
		n_refs INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_anno_jobs_dataset ON anno_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_anno_jobs_status ON anno_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_anno_jobs_finished ON anno_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS anno_cells (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		cell INTEGER NOT NULL,
		best_ref TEXT NOT NULL,
		best_label TEXT NOT NULL,
		score REAL NOT NULL,
		delta REAL,
		FOREIGN KEY (job_id) REFERENCES anno_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_anno_cells_job ON anno_cells(job_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_anno_cells_job_cell ON anno_cells(job_id, cell);
	CREATE INDEX IF NOT EXISTS idx_anno_cells_job_label ON anno_cells(job_id, best_label);

	CREATE TABLE IF NOT EXISTS anno_ref_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		cell INTEGER NOT NULL,
		ref TEXT NOT NULL,
		label TEXT NOT NULL,
		score REAL NOT NULL,
		FOREIGN KEY (job_id) REFERENCES anno_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_anno_ref_calls_job_cell ON anno_ref_calls(job_id, cell);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO anno_jobs (job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_refs, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.NumCells,
		job.NumRefs,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. Returns (nil, nil) when the job does not
// exist.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_refs, error, created_at, started_at, finished_at
		FROM anno_jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus updates the job status and optional error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE anno_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE anno_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE anno_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobCounts updates the cell and reference counts.
func (s *Store) UpdateJobCounts(jobID string, numCells, numRefs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE anno_jobs SET n_cells = ?, n_refs = ?
		WHERE job_id = ?
	`, numCells, numRefs, jobID)
	return err
}

// InsertResults inserts cell results and their per-reference calls in a
// batch transaction.
func (s *Store) InsertResults(jobID string, results []*CellResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cellStmt, err := tx.Prepare(`
		INSERT INTO anno_cells (job_id, cell, best_ref, best_label, score, delta)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer cellStmt.Close()

	callStmt, err := tx.Prepare(`
		INSERT INTO anno_ref_calls (job_id, cell, ref, label, score)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer callStmt.Close()

	for _, r := range results {
		var delta any
		if r.Delta != nil {
			delta = *r.Delta
		}
		if _, err := cellStmt.Exec(jobID, r.Cell, r.BestRef, r.BestLabel, r.Score, delta); err != nil {
			return err
		}
		for _, call := range r.Calls {
			if _, err := callStmt.Exec(jobID, r.Cell, call.Reference, call.Label, call.Score); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// QueryResults queries cell results with pagination and ordering, attaching
// each cell's per-reference calls.
func (s *Store) QueryResults(jobID string, orderBy string, offset, limit int) ([]*CellResult, int, error) {
	// Map order_by to SQL column
	orderCol := "cell ASC"
	switch orderBy {
	case "cell":
		orderCol = "cell ASC"
	case "delta":
		orderCol = "delta IS NULL, delta ASC, cell ASC"
	case "score":
		orderCol = "score DESC, cell ASC"
	case "label":
		orderCol = "best_label ASC, cell ASC"
	}

	// Get total count
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM anno_cells WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	// Query with pagination
	query := fmt.Sprintf(`
		SELECT cell, best_ref, best_label, score, delta
		FROM anno_cells
		WHERE job_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*CellResult
	byCell := make(map[int]*CellResult)
	for rows.Next() {
		var r CellResult
		var delta sql.NullFloat64
		if err := rows.Scan(&r.Cell, &r.BestRef, &r.BestLabel, &r.Score, &delta); err != nil {
			return nil, 0, err
		}
		if delta.Valid {
			v := delta.Float64
			r.Delta = &v
		}
		results = append(results, &r)
		byCell[r.Cell] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := s.attachCalls(jobID, results, byCell); err != nil {
		return nil, 0, err
	}

	return results, total, nil
}

func (s *Store) attachCalls(jobID string, results []*CellResult, byCell map[int]*CellResult) error {
	if len(results) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(results)), ",")
	args := make([]any, 0, len(results)+1)
	args = append(args, jobID)
	for _, r := range results {
		args = append(args, r.Cell)
	}

	query := fmt.Sprintf(`
		SELECT cell, ref, label, score
		FROM anno_ref_calls
		WHERE job_id = ? AND cell IN (%s)
		ORDER BY cell, ref
	`, placeholders)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cell int
		var call RefCall
		if err := rows.Scan(&cell, &call.Reference, &call.Label, &call.Score); err != nil {
			return err
		}
		if r, ok := byCell[cell]; ok {
			r.Calls = append(r.Calls, call)
		}
	}
	return rows.Err()
}

// Summary returns how many cells each (reference, label) verdict won,
// most frequent first.
func (s *Store) Summary(jobID string) ([]*LabelCount, error) {
	rows, err := s.db.Query(`
		SELECT best_ref, best_label, COUNT(*) AS n
		FROM anno_cells
		WHERE job_id = ?
		GROUP BY best_ref, best_label
		ORDER BY n DESC, best_ref, best_label
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []*LabelCount
	for rows.Next() {
		var c LabelCount
		if err := rows.Scan(&c.Reference, &c.Label, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, &c)
	}
	return counts, rows.Err()
}

// ScoreMatrix returns the per-reference score of every cell as a dense
// cells-by-references matrix, with the reference names in column order.
func (s *Store) ScoreMatrix(jobID string) ([]string, [][]float64, error) {
	job, err := s.GetJob(jobID)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, fmt.Errorf("job %s not found", jobID)
	}

	refRows, err := s.db.Query(`
		SELECT DISTINCT ref FROM anno_ref_calls WHERE job_id = ? ORDER BY ref
	`, jobID)
	if err != nil {
		return nil, nil, err
	}
	defer refRows.Close()

	var refs []string
	refIdx := make(map[string]int)
	for refRows.Next() {
		var ref string
		if err := refRows.Scan(&ref); err != nil {
			return nil, nil, err
		}
		refIdx[ref] = len(refs)
		refs = append(refs, ref)
	}
	if err := refRows.Err(); err != nil {
		return nil, nil, err
	}

	scores := make([][]float64, job.NumCells)
	for i := range scores {
		scores[i] = make([]float64, len(refs))
	}

	rows, err := s.db.Query(`
		SELECT cell, ref, score FROM anno_ref_calls WHERE job_id = ?
	`, jobID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var cell int
		var ref string
		var score float64
		if err := rows.Scan(&cell, &ref, &score); err != nil {
			return nil, nil, err
		}
		if cell < 0 || cell >= len(scores) {
			continue
		}
		scores[cell][refIdx[ref]] = score
	}
	return refs, scores, rows.Err()
}

// Deltas returns the per-cell assignment margin in cell order, NaN where no
// margin was stored.
func (s *Store) Deltas(jobID string) ([]float64, error) {
	rows, err := s.db.Query(`
		SELECT delta FROM anno_cells WHERE job_id = ? ORDER BY cell
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deltas []float64
	for rows.Next() {
		var d sql.NullFloat64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		if d.Valid {
			deltas = append(deltas, d.Float64)
		} else {
			deltas = append(deltas, math.NaN())
		}
	}
	return deltas, rows.Err()
}

// ListJobsByDataset returns all jobs for a dataset.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_refs, error, created_at, started_at, finished_at
		FROM anno_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_refs, error, created_at, started_at, finished_at
		FROM anno_jobs
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_refs, error, created_at, started_at, finished_at
		FROM anno_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE anno_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	for _, table := range []string{"anno_cells", "anno_ref_calls"} {
		_, err := s.db.Exec(fmt.Sprintf(`
			DELETE FROM %s WHERE job_id IN (
				SELECT job_id FROM anno_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
			)
		`, table), cutoff)
		if err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`
		DELETE FROM anno_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"anno_cells", "anno_ref_calls"} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE job_id = ?", table), jobID); err != nil {
			return err
		}
	}

	_, err := s.db.Exec("DELETE FROM anno_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJob(scan func(...any) error) (*Job, error) {
	var job Job
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.NumCells,
		&job.NumRefs,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
