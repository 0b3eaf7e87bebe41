package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs and their channel outputs.
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
		`CREATE TABLE IF NOT EXISTS channel_outputs (
            job_id TEXT NOT NULL,
            output_channel INTEGER NOT NULL,
            cycle INTEGER NOT NULL,
            local_channel INTEGER NOT NULL,
            global_channel INTEGER NOT NULL,
            name TEXT NOT NULL,
            dir TEXT NOT NULL,
            reference BOOLEAN DEFAULT FALSE,
            image_count INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (job_id, output_channel)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);`,
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
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ChannelOutputRecord describes one output channel folder written by a run.
type ChannelOutputRecord struct {
	JobID         string
	OutputChannel int
	Cycle         int
	LocalChannel  int
	GlobalChannel int
	Name          string
	Dir           string
	Reference     bool
	ImageCount    int
}

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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var rec JobRecord
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
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

// Job fetches one job by id. It returns sql.ErrNoRows when the id is unknown.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	return scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM processing_jobs WHERE id=?;`, id))
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordChannelOutputs replaces the channel listing of a job.
func (s *Store) RecordChannelOutputs(jobID string, recs []ChannelOutputRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM channel_outputs WHERE job_id=?;`, jobID); err != nil {
		tx.Rollback()
		return err
	}
	for _, rec := range recs {
		_, err := tx.Exec(`INSERT INTO channel_outputs (job_id, output_channel, cycle, local_channel, global_channel, name, dir, reference, image_count) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			jobID, rec.OutputChannel, rec.Cycle, rec.LocalChannel, rec.GlobalChannel, rec.Name, rec.Dir, rec.Reference, rec.ImageCount)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert channel %d: %w", rec.OutputChannel, err)
		}
	}
	return tx.Commit()
}

// ChannelOutputs lists the channels a job wrote, ordered by output channel.
func (s *Store) ChannelOutputs(jobID string) ([]ChannelOutputRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, output_channel, cycle, local_channel, global_channel, name, dir, reference, image_count FROM channel_outputs WHERE job_id=? ORDER BY output_channel;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ChannelOutputRecord
	for rows.Next() {
		var rec ChannelOutputRecord
		if err := rows.Scan(&rec.JobID, &rec.OutputChannel, &rec.Cycle, &rec.LocalChannel, &rec.GlobalChannel, &rec.Name, &rec.Dir, &rec.Reference, &rec.ImageCount); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
