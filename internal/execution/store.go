package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

// Store journals runs and every broadcast signature so a later run can tell
// whether a transaction it is about to send already went out.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

type Submission struct {
	Signature string     `json:"signature"`
	RunID     string     `json:"run_id"`
	StepKind  StepKind   `json:"step_kind"`
	StepIndex int        `json:"step_index"`
	Status    StepStatus `json:"status"`
	UpdatedAt int64      `json:"updated_at"`
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create run store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create run lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			wallet TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_runs_status_updated ON runs(status, updated_at DESC);",
		`CREATE TABLE IF NOT EXISTS submissions (
			signature TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_kind TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			status TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return nil, multierr.Append(fmt.Errorf("init run schema: %w", err), db.Close())
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withLock(fn func() error) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock run store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock run store: timeout acquiring lock")
	}
	defer func() { err = multierr.Append(err, s.lock.Unlock()) }()
	return fn()
}

func (s *Store) Save(run RunRecord) error {
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("save run: missing run id")
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	createdUnix := parseRFC3339Unix(run.CreatedAt)
	updatedUnix := parseRFC3339Unix(run.UpdatedAt)

	return s.withLock(func() error {
		_, err := s.db.Exec(`
			INSERT INTO runs (run_id, wallet, status, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				status=excluded.status,
				updated_at=excluded.updated_at,
				payload=excluded.payload
		`, run.RunID, run.Wallet, string(run.Status), createdUnix, updatedUnix, payload)
		if err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(runID string) (RunRecord, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM runs WHERE run_id = ?", runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, fmt.Errorf("run not found: %s", runID)
		}
		return RunRecord{}, fmt.Errorf("read run: %w", err)
	}
	var run RunRecord
	if err := json.Unmarshal(payload, &run); err != nil {
		return RunRecord{}, fmt.Errorf("decode run payload: %w", err)
	}
	return run, nil
}

func (s *Store) List(status string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.db.Query("SELECT payload FROM runs ORDER BY updated_at DESC, created_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query("SELECT payload FROM runs WHERE status = ? ORDER BY updated_at DESC, created_at DESC LIMIT ?", status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		var run RunRecord
		if err := json.Unmarshal(payload, &run); err != nil {
			return nil, fmt.Errorf("decode run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// RecordSubmission upserts the journal entry for a broadcast signature.
func (s *Store) RecordSubmission(sub Submission) error {
	if strings.TrimSpace(sub.Signature) == "" {
		return fmt.Errorf("record submission: missing signature")
	}
	if sub.UpdatedAt == 0 {
		sub.UpdatedAt = time.Now().UTC().Unix()
	}
	return s.withLock(func() error {
		_, err := s.db.Exec(`
			INSERT INTO submissions (signature, run_id, step_kind, step_index, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(signature) DO UPDATE SET
				status=excluded.status,
				updated_at=excluded.updated_at
		`, sub.Signature, sub.RunID, string(sub.StepKind), sub.StepIndex, string(sub.Status), sub.UpdatedAt)
		if err != nil {
			return fmt.Errorf("record submission: %w", err)
		}
		return nil
	})
}

// Submission looks up a journaled signature. ok is false when unknown.
func (s *Store) Submission(signature string) (sub Submission, ok bool, err error) {
	var kind, status string
	err = s.db.QueryRow(
		"SELECT signature, run_id, step_kind, step_index, status, updated_at FROM submissions WHERE signature = ?",
		signature,
	).Scan(&sub.Signature, &sub.RunID, &kind, &sub.StepIndex, &status, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Submission{}, false, nil
		}
		return Submission{}, false, fmt.Errorf("read submission: %w", err)
	}
	sub.StepKind = StepKind(kind)
	sub.Status = StepStatus(status)
	return sub, true, nil
}

func parseRFC3339Unix(v string) int64 {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Now().UTC().Unix()
	}
	return t.UTC().Unix()
}
