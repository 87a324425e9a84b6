package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/media-overseer/pkg/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	dollarPH bool // PostgreSQL style $1, $2, ...
}

const jobColumns = `id, input_path, content_key, state, work_dir, output_path, output_url,
	status, created_at, started_at, completed_at, error, state_transitions`

func (s *sqlStore) rebind(query string) string {
	if !s.dollarPH {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlStore) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func jobArgs(job *models.Job) ([]interface{}, error) {
	var status interface{}
	if job.Status != nil {
		data, err := json.Marshal(job.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		status = string(data)
	}
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state_transitions: %w", err)
	}
	return []interface{}{
		job.ID, job.InputPath, job.ContentKey, string(job.State), job.WorkDir, job.OutputPath, job.OutputURL,
		status, job.CreatedAt.UTC(), utcOrNil(job.StartedAt), utcOrNil(job.CompletedAt), job.Error, string(transitions),
	}, nil
}

func utcOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// CreateJob inserts a job
func (s *sqlStore) CreateJob(job *models.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.exec(`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isUniqueViolation(err) {
		return ErrJobExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob overwrites every mutable column of a job
func (s *sqlStore) UpdateJob(job *models.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	// move id to the WHERE clause
	args = append(args[1:], args[0])
	res, err := s.exec(`UPDATE jobs SET input_path = ?, content_key = ?, state = ?, work_dir = ?,
		output_path = ?, output_url = ?, status = ?, created_at = ?, started_at = ?, completed_at = ?,
		error = ?, state_transitions = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *sqlStore) GetJob(id string) (*models.Job, error) {
	jobs, err := s.selectJobs(`WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrJobNotFound
	}
	return jobs[0], nil
}

// ListJobs returns jobs ordered by creation time
func (s *sqlStore) ListJobs(state models.JobState) ([]*models.Job, error) {
	if state == "" {
		return s.selectJobs(`ORDER BY created_at, id`)
	}
	return s.selectJobs(`WHERE state = ? ORDER BY created_at, id`, string(state))
}

// DeleteJob removes a job
func (s *sqlStore) DeleteJob(id string) error {
	res, err := s.exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// FindCompletedByKey returns the newest completed job with the given content key
func (s *sqlStore) FindCompletedByKey(key string) (*models.Job, error) {
	jobs, err := s.selectJobs(`WHERE content_key = ? AND state = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		key, string(models.JobStateCompleted))
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrJobNotFound
	}
	return jobs[0], nil
}

// ListFinishedBefore returns terminal jobs completed before t
func (s *sqlStore) ListFinishedBefore(t time.Time) ([]*models.Job, error) {
	return s.selectJobs(`WHERE state IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ? ORDER BY completed_at`,
		string(models.JobStateCompleted), string(models.JobStateFailed), string(models.JobStateCanceled), t.UTC())
}

// HealthCheck pings the database
func (s *sqlStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) selectJobs(clause string, args ...interface{}) ([]*models.Job, error) {
	rows, err := s.query(`SELECT `+jobColumns+` FROM jobs `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (*models.Job, error) {
	var (
		job         models.Job
		state       string
		status      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errMsg      sql.NullString
		transitions sql.NullString
	)
	err := rows.Scan(&job.ID, &job.InputPath, &job.ContentKey, &state, &job.WorkDir, &job.OutputPath, &job.OutputURL,
		&status, &job.CreatedAt, &startedAt, &completedAt, &errMsg, &transitions)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.State = models.JobState(state)
	job.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if status.Valid && status.String != "" {
		var st models.JobStatus
		if err := json.Unmarshal([]byte(status.String), &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status of job %s: %w", job.ID, err)
		}
		job.Status = &st
	}
	if transitions.Valid && transitions.String != "" && transitions.String != "null" {
		if err := json.Unmarshal([]byte(transitions.String), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions of job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

// isUniqueViolation reports whether err is a duplicate primary key
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
