package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// RunStatus is the journaled state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is one journaled pipeline run.
type RunRecord struct {
	RunID       string
	WorkItemID  string
	Attempt     int
	Status      RunStatus
	ErrorKind   string
	ErrorDetail string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
	Stages      []StageRecord
}

// StageRecord is the raw output of one stage of a run.
type StageRecord struct {
	Seq        int
	Stage      string
	Raw        string
	RecordedAt time.Time
}

// Store is the run journal. It records what each run did for diagnostics;
// generated Task Packs are not stored.
type Store interface {
	// StartRun journals run in the running state. RunID and WorkItemID are
	// required; a zero StartedAt means now.
	StartRun(ctx context.Context, run RunRecord) error
	RecordStage(ctx context.Context, runID, stage, raw string) error
	FinishRun(ctx context.Context, runID string, status RunStatus, errorKind, errorDetail string) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	// ListRuns returns runs newest first. An empty workItemID lists every
	// run; limit <= 0 means no limit.
	ListRuns(ctx context.Context, workItemID string, limit int) ([]*RunRecord, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// NewSQLiteStore opens (or creates) the journal at dbPath, creating parent
// directories as needed. The database runs in WAL mode.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath, pragmas)
	return open(ctx, dsn)
}

// NewMemoryStore creates an in-memory store for testing. Each call gets its
// own database, shared by that store's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", uuid.NewString(), pragmas)
	return open(ctx, dsn)
}

func open(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes journal writes from concurrent runs.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
