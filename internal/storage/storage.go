package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"imodalign/internal/xf"
)

// Store wraps SQLite-backed persistence for alignment jobs and their transforms.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS alignment_transforms (
            job_id TEXT NOT NULL,
            image_index INTEGER NOT NULL,
            tilt_angle REAL,
            rotation REAL,
            a11 REAL, a12 REAL, a21 REAL, a22 REAL,
            dx REAL, dy REAL,
            image_shift_x REAL,
            image_shift_y REAL,
            specimen_shift_x REAL,
            specimen_shift_y REAL,
            PRIMARY KEY (job_id, image_index)
        );`,
		`CREATE TABLE IF NOT EXISTS watch_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_path TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            file_size INTEGER,
            job_id TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_watch_events_file_path ON watch_events(file_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransformRecord is one decoded per-image transform of a finished job.
type TransformRecord struct {
	JobID         string     `json:"job_id"`
	ImageIndex    int        `json:"image_index"`
	TiltAngle     float64    `json:"tilt_angle"`
	Rotation      float64    `json:"rotation"`
	Matrix        xf.Matrix2 `json:"matrix"`
	Shift         xf.Vec2    `json:"shift"`
	ImageShift    xf.Vec2    `json:"image_shift"`
	SpecimenShift xf.Vec2    `json:"specimen_shift"`
}

// WatchEvent is a filesystem event seen by the directory watcher.
type WatchEvent struct {
	FilePath  string
	EventType string
	EventTime time.Time
	FileSize  int64
	JobID     string
}

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("not found")

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

const jobColumns = `id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var created time.Time
	var input, output, options sql.NullString
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.InputPath, rec.OutputPath, rec.OptionsJSON = input.String, output.String, options.String
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches a single job by id.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	rec, err := scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM processing_jobs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s meta: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordTransforms replaces the stored transforms of a job. tiltAngles may be
// shorter than decoded; missing angles are stored as zero.
func (s *Store) RecordTransforms(jobID string, tiltAngles []float64, decoded []xf.Decoded) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM alignment_transforms WHERE job_id=?;`, jobID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO alignment_transforms (job_id, image_index, tilt_angle, rotation, a11, a12, a21, a22, dx, dy, image_shift_x, image_shift_y, specimen_shift_x, specimen_shift_y)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, d := range decoded {
		var tilt float64
		if i < len(tiltAngles) {
			tilt = tiltAngles[i]
		}
		m := d.Matrix
		if _, err := stmt.Exec(jobID, d.Index, tilt, d.Rotation,
			m[0][0], m[0][1], m[1][0], m[1][1], d.Shift[0], d.Shift[1],
			d.ImageShift[0], d.ImageShift[1], d.SpecimenShift[0], d.SpecimenShift[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Transforms returns the stored transforms of a job ordered by image index.
func (s *Store) Transforms(jobID string) ([]TransformRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT image_index, tilt_angle, rotation, a11, a12, a21, a22, dx, dy, image_shift_x, image_shift_y, specimen_shift_x, specimen_shift_y
        FROM alignment_transforms WHERE job_id=? ORDER BY image_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TransformRecord
	for rows.Next() {
		rec := TransformRecord{JobID: jobID}
		m := &rec.Matrix
		if err := rows.Scan(&rec.ImageIndex, &rec.TiltAngle, &rec.Rotation,
			&m[0][0], &m[0][1], &m[1][0], &m[1][1], &rec.Shift[0], &rec.Shift[1],
			&rec.ImageShift[0], &rec.ImageShift[1], &rec.SpecimenShift[0], &rec.SpecimenShift[1]); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordWatchEvent stores a watcher event and the job it queued, if any.
func (s *Store) RecordWatchEvent(ev WatchEvent) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO watch_events (file_path, event_type, event_time, file_size, job_id) VALUES (?, ?, ?, ?, ?);`,
		ev.FilePath, ev.EventType, ev.EventTime, ev.FileSize, ev.JobID)
	return err
}

// SeenStack reports whether the watcher already queued a job for path.
func (s *Store) SeenStack(path string) (bool, error) {
	if s == nil {
		return false, nil
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM watch_events WHERE file_path=? AND job_id <> '';`, path).Scan(&n)
	return n > 0, err
}
