package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/mdflow/internal/domain"
	"github.com/dunamismax/mdflow/internal/id"
)

type dialect struct {
	name       string
	schema     string
	lockSuffix string
	rebind     func(query string) string
}

// SQLJobStore backs both the postgres and sqlite stores. Queries are written
// with $n placeholders and rebound per dialect.
type SQLJobStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

const jobColumns = `id, status, filename, size_bytes, settings, progress, result, error_message, webhook_url, created_at, updated_at`

func newSQLJobStore(ctx context.Context, db *sql.DB, d dialect) (*SQLJobStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}

	store := &SQLJobStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("ensure conversions schema: %w", err)
	}
	return nil
}

func (s *SQLJobStore) Close() error {
	return s.db.Close()
}

func (s *SQLJobStore) Create(ctx context.Context, req domain.NewJob) (domain.Job, error) {
	job := req.Build(id.New(), s.now())

	settingsJSON, err := json.Marshal(job.Settings)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job settings: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		s.dialect.rebind(`INSERT INTO conversions (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		job.ID,
		string(job.Status),
		job.Input.Filename,
		job.Input.Size,
		string(settingsJSON),
		"{}",
		"",
		"",
		job.WebhookURL,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return job, nil
}

func (s *SQLJobStore) Get(ctx context.Context, jobID string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		s.dialect.rebind(`SELECT `+jobColumns+` FROM conversions WHERE id = $1`),
		jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *SQLJobStore) Update(ctx context.Context, jobID string, patch domain.JobPatch) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(
		ctx,
		s.dialect.rebind(`SELECT `+jobColumns+` FROM conversions WHERE id = $1`+s.dialect.lockSuffix),
		jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}

	if err := job.Apply(patch, s.now()); err != nil {
		return domain.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}

	progressJSON, err := marshalProgress(job.Progress)
	if err != nil {
		return domain.Job{}, err
	}

	_, err = tx.ExecContext(
		ctx,
		s.dialect.rebind(`UPDATE conversions
		 SET status = $1, progress = $2, result = $3, error_message = $4, updated_at = $5
		 WHERE id = $6`),
		string(job.Status),
		progressJSON,
		job.Result,
		job.Error,
		job.UpdatedAt,
		jobID,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit update: %w", err)
	}
	return job, nil
}

func (s *SQLJobStore) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM conversions ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	sortNewestFirst(jobs)
	return jobs, nil
}

func (s *SQLJobStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		s.dialect.rebind(`DELETE FROM conversions WHERE status IN ($1, $2) AND updated_at < $3`),
		string(domain.JobStatusCompleted),
		string(domain.JobStatusError),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job          domain.Job
		status       string
		settingsJSON []byte
		progressJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&status,
		&job.Input.Filename,
		&job.Input.Size,
		&settingsJSON,
		&progressJSON,
		&job.Result,
		&job.Error,
		&job.WebhookURL,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	job.Status = domain.JobStatus(status)
	job.Input = domain.NewInputDescriptor(job.Input.Filename, job.Input.Size)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	if err := json.Unmarshal(settingsJSON, &job.Settings); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job settings: %w", err)
	}
	if len(progressJSON) > 0 {
		var progress domain.Progress
		if err := json.Unmarshal(progressJSON, &progress); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job progress: %w", err)
		}
		if len(progress) > 0 {
			job.Progress = progress
		}
	}
	return job, nil
}

func marshalProgress(progress domain.Progress) (string, error) {
	if len(progress) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(progress)
	if err != nil {
		return "", fmt.Errorf("marshal job progress: %w", err)
	}
	return string(raw), nil
}

func rebindQuestion(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func rebindDollar(query string) string {
	return query
}
