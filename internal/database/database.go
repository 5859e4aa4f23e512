package database

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"phantomtrack/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrJobNotFound is returned when no job matches the requested ID
var ErrJobNotFound = errors.New("job not found")

// InterruptedMessage is recorded on jobs that were still active when the
// previous process exited
const InterruptedMessage = "Generation was interrupted by a server restart"

// Database wraps a *sql.DB holding the generation job history. It is safe for
// concurrent use because the underlying *sql.DB is concurrency-safe.
type Database struct {
	conn   *sql.DB
	logger *logrus.Logger

	// Prepared statements for better performance
	upsertJobStmt  *sql.Stmt
	getJobStmt     *sql.Stmt
	recentJobsStmt *sql.Stmt
}

// NewDatabase opens (or creates) a SQLite database at the provided path and
// ensures the job table and indices exist. Caller should Close() it when finished.
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool - adjusted for SQLite
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
		"PRAGMA auto_vacuum=INCREMENTAL;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// SetMaxConnections limits the size of the connection pool
func (db *Database) SetMaxConnections(n int) {
	if n > 0 {
		db.conn.SetMaxOpenConns(n)
	}
}

// createTables creates tables and indices if they do not already exist, then
// executes any migrations. This is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	jobsTable := `
	CREATE TABLE IF NOT EXISTS generation_jobs (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL DEFAULT '',
		genre TEXT,
		track_count INTEGER DEFAULT 0,
		duration INTEGER DEFAULT 0,
		temperature REAL DEFAULT 0,
		top_k INTEGER DEFAULT 0,
		top_p REAL DEFAULT 0,
		cfg_coef REAL DEFAULT 0,
		status TEXT NOT NULL,
		progress INTEGER DEFAULT 0,
		error TEXT,
		output_path TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_generation_jobs_status ON generation_jobs(status);",
		"CREATE INDEX IF NOT EXISTS idx_generation_jobs_created ON generation_jobs(created_at);",
	}

	if _, err := db.conn.Exec(jobsTable); err != nil {
		return err
	}

	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}

	return db.runMigrations()
}

// runMigrations performs incremental schema updates in-place. Each migration
// should be idempotent and safe to re-run.
func (db *Database) runMigrations() error {
	// Migration 1: pipeline stage column
	var columnExists bool
	err := db.conn.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('generation_jobs')
		WHERE name = 'stage'`).Scan(&columnExists)
	if err != nil {
		return err
	}

	if !columnExists {
		if _, err := db.conn.Exec("ALTER TABLE generation_jobs ADD COLUMN stage TEXT"); err != nil {
			return err
		}
		db.logger.Info("Added stage column to generation_jobs table")
	}

	return nil
}

const jobColumns = `id, prompt, genre, track_count, duration, temperature, top_k, top_p, cfg_coef,
	status, stage, progress, error, output_path, created_at, started_at, completed_at`

// prepareStatements prepares commonly used SQL statements
func (db *Database) prepareStatements() error {
	var err error

	db.upsertJobStmt, err = db.conn.Prepare(`
		INSERT INTO generation_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			stage=excluded.stage,
			progress=excluded.progress,
			error=excluded.error,
			output_path=excluded.output_path,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert job statement: %w", err)
	}

	db.getJobStmt, err = db.conn.Prepare(`SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get job statement: %w", err)
	}

	db.recentJobsStmt, err = db.conn.Prepare(`SELECT ` + jobColumns + ` FROM generation_jobs ORDER BY created_at DESC LIMIT ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare recent jobs statement: %w", err)
	}

	return nil
}

// UpsertJob inserts a job or updates the mutable fields of an existing one
func (db *Database) UpsertJob(job models.GenerationJob) error {
	_, err := db.upsertJobStmt.Exec(
		job.ID, job.Prompt, nullString(job.Genre), job.TrackCount,
		job.Params.Duration, job.Params.Temperature, job.Params.TopK, job.Params.TopP, job.Params.CFGCoef,
		string(job.Status), nullString(job.Stage), job.Progress, nullString(job.Error), nullString(job.OutputPath),
		job.CreatedAt.UTC(), utc(job.StartedAt), utc(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns a single job by ID
func (db *Database) GetJob(id string) (*models.GenerationJob, error) {
	job, err := scanJob(db.getJobStmt.QueryRow(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetRecentJobs returns up to limit jobs, newest first
func (db *Database) GetRecentJobs(limit int) ([]models.GenerationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.recentJobsStmt.Query(limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// MarkInterruptedJobs fails every job left pending or running and returns how
// many were updated
func (db *Database) MarkInterruptedJobs() (int64, error) {
	res, err := db.conn.Exec(`
		UPDATE generation_jobs
		SET status = ?, error = ?, completed_at = ?
		WHERE status IN (?, ?)`,
		string(models.JobFailed), InterruptedMessage, time.Now().UTC(),
		string(models.JobPending), string(models.JobRunning))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		db.logger.WithField("jobs", n).Warn("Marked interrupted generation jobs as failed")
	}
	return n, nil
}

// DeleteJobsBefore removes finished jobs created before t
func (db *Database) DeleteJobsBefore(t time.Time) (int64, error) {
	res, err := db.conn.Exec(`
		DELETE FROM generation_jobs
		WHERE created_at < ? AND status IN (?, ?)`,
		t.UTC(), string(models.JobCompleted), string(models.JobFailed))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks that the database is reachable
func (db *Database) Ping() error {
	return db.conn.Ping()
}

// Close closes the underlying database connection and prepared statements.
func (db *Database) Close() error {
	statements := []*sql.Stmt{
		db.upsertJobStmt,
		db.getJobStmt,
		db.recentJobsStmt,
	}

	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob reads one row selected with jobColumns
func scanJob(row rowScanner) (*models.GenerationJob, error) {
	var job models.GenerationJob
	var genre, stage, errorMsg, outputPath sql.NullString
	var status string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.Prompt, &genre, &job.TrackCount,
		&job.Params.Duration, &job.Params.Temperature, &job.Params.TopK, &job.Params.TopP, &job.Params.CFGCoef,
		&status, &stage, &job.Progress, &errorMsg, &outputPath, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	job.Genre = genre.String
	job.Stage = stage.String
	job.Error = errorMsg.String
	job.OutputPath = outputPath.String
	if job.OutputPath != "" {
		job.OutputFile = filepath.Base(job.OutputPath)
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// utc stores timestamps in one zone so text comparisons in SQL order correctly
func utc(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
