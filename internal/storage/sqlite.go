package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database holding vectors, report history,
// knowledge documents and the indexing job queue.
//
// Writes go through db, a single connection. On a file database reads can
// use reader, a read-only pool that sees the last committed WAL snapshot and
// never waits on an open write transaction.
type Store struct {
	db     *sql.DB
	reader *sql.DB
}

// maxReadConns bounds the read pool.
const maxReadConns = 8

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "pharmarag.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and avoids
	// "database is locked" between the collector and request handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, reader: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// An in-memory database lives on its one connection, so it has no
	// separate reader.
	if dataDir != ":memory:" {
		reader, err := openReader(dsn)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.reader = reader
	}

	return s, nil
}

// openReader opens a read-only pool over the database file at path.
func openReader(path string) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}
	u := url.URL{Scheme: "file", Path: abs, RawQuery: "mode=ro&_pragma=busy_timeout(5000)"}
	reader, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("opening read pool: %w", err)
	}
	if err := reader.Ping(); err != nil {
		reader.Close()
		return nil, fmt.Errorf("pinging read pool: %w", err)
	}
	reader.SetMaxOpenConns(maxReadConns)
	return reader, nil
}

// DB exposes the write handle for the SQLite vector store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ReadDB exposes the read handle. It is the write handle for in-memory
// databases.
func (s *Store) ReadDB() *sql.DB {
	return s.reader
}

// Close closes the read pool and the write connection.
func (s *Store) Close() error {
	var rerr error
	if s.reader != s.db {
		rerr = s.reader.Close()
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return rerr
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Reports ---

func (s *Store) SaveReport(r ReportRecord) error {
	sources := r.SourcesJSON
	if sources == "" {
		sources = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO reports (id, report_type, mode, title, query, content, sources_json, fallback_reason, model, duration_ms, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReportType, r.Mode, r.Title, r.Query, r.Content, sources,
		r.FallbackReason, r.Model, r.DurationMs, FormatTime(r.GeneratedAt),
	)
	return err
}

const reportColumns = `id, report_type, mode, title, query, content, sources_json, fallback_reason, model, duration_ms, generated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (ReportRecord, error) {
	var r ReportRecord
	var generatedAt string
	if err := row.Scan(&r.ID, &r.ReportType, &r.Mode, &r.Title, &r.Query, &r.Content,
		&r.SourcesJSON, &r.FallbackReason, &r.Model, &r.DurationMs, &generatedAt); err != nil {
		return ReportRecord{}, err
	}
	t, err := ParseTime(generatedAt)
	if err != nil {
		return ReportRecord{}, fmt.Errorf("parsing generated_at for report %s: %w", r.ID, err)
	}
	r.GeneratedAt = t
	return r, nil
}

func (s *Store) GetReport(id string) (ReportRecord, error) {
	r, err := scanReport(s.reader.QueryRow(`SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ReportRecord{}, ErrNotFound
	}
	return r, err
}

// RecentReports returns up to limit reports, newest first. When reportType
// is non-empty only reports of that type are returned.
func (s *Store) RecentReports(reportType string, limit int) ([]ReportRecord, error) {
	query := `SELECT ` + reportColumns + ` FROM reports`
	var args []any
	if reportType != "" {
		query += ` WHERE report_type = ?`
		args = append(args, reportType)
	}
	query += ` ORDER BY generated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.reader.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ReportRecord
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Knowledge Docs ---

func (s *Store) SaveKnowledgeDoc(doc KnowledgeDoc) error {
	tags := doc.Tags
	if tags == "" {
		tags = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO knowledge_docs (id, title, collection, source, content, tags, chunks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Collection, doc.Source, doc.Content, tags, doc.Chunks,
		FormatTime(doc.CreatedAt),
	)
	return err
}

const knowledgeColumns = `id, title, collection, source, content, tags, chunks, created_at`

func scanKnowledgeDoc(row rowScanner) (KnowledgeDoc, error) {
	var d KnowledgeDoc
	var createdAt string
	if err := row.Scan(&d.ID, &d.Title, &d.Collection, &d.Source, &d.Content, &d.Tags, &d.Chunks, &createdAt); err != nil {
		return KnowledgeDoc{}, err
	}
	t, err := ParseTime(createdAt)
	if err != nil {
		return KnowledgeDoc{}, fmt.Errorf("parsing created_at for doc %s: %w", d.ID, err)
	}
	d.CreatedAt = t
	return d, nil
}

func (s *Store) GetKnowledgeDoc(id string) (KnowledgeDoc, error) {
	d, err := scanKnowledgeDoc(s.reader.QueryRow(`SELECT `+knowledgeColumns+` FROM knowledge_docs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return KnowledgeDoc{}, ErrNotFound
	}
	return d, err
}

func (s *Store) ListKnowledgeDocs(limit int) ([]KnowledgeDoc, error) {
	rows, err := s.reader.Query(`SELECT `+knowledgeColumns+` FROM knowledge_docs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []KnowledgeDoc
	for rows.Next() {
		d, err := scanKnowledgeDoc(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := FormatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = FormatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := FormatTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = ParseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = ParseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, FormatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. Jobs with attempts left are rescheduled
// with exponential backoff (2^attempts seconds).
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, FormatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, FormatTime(now.Add(backoff)), FormatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts() (map[string]int, error) {
	rows, err := s.reader.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
