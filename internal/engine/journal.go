package engine

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Journal records every task a run executes in a SQLite database.
type Journal struct {
	db    *sql.DB
	path  string
	runID string
	seq   int
}

// TaskRecord is one journaled task.
type TaskRecord struct {
	Seq       int
	Task      string
	Partition string
	Image     string
	Digest    string // blake3 of the image, hex
	Status    string // "ok" or "failed"
	Error     string
	Duration  time.Duration
}

// RunRecord summarizes a journaled run.
type RunRecord struct {
	ID      string
	Serial  string
	Started time.Time
	Tasks   []TaskRecord
}

// OpenJournal opens (or creates) the journal at path and starts a new
// run for the device serial. An empty path selects DefaultJournalPath.
func OpenJournal(path, serial string) (*Journal, error) {
	j, err := openJournalDB(path)
	if err != nil {
		return nil, err
	}
	j.runID = uuid.NewString()
	if _, err := j.db.Exec("INSERT INTO runs (id, serial, started) VALUES (?, ?, ?)",
		j.runID, serial, time.Now().UnixNano()); err != nil {
		j.db.Close()
		return nil, fmt.Errorf("start run: %w", err)
	}
	return j, nil
}

// ReadHistory returns up to limit runs from the journal at path without
// starting a new run.
func ReadHistory(path string, limit int) ([]RunRecord, error) {
	j, err := openJournalDB(path)
	if err != nil {
		return nil, err
	}
	defer j.Close()
	return j.History(limit)
}

func openJournalDB(path string) (*Journal, error) {
	if path == "" {
		path = DefaultJournalPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	j := &Journal{db: db, path: path}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id      TEXT PRIMARY KEY,
			serial  TEXT NOT NULL,
			started INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tasks (
			run_id    TEXT NOT NULL REFERENCES runs(id),
			seq       INTEGER NOT NULL,
			task      TEXT NOT NULL,
			partition TEXT NOT NULL,
			image     TEXT NOT NULL,
			digest    TEXT NOT NULL,
			status    TEXT NOT NULL,
			error     TEXT NOT NULL,
			duration  INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// RunID identifies the run this journal appends to.
func (j *Journal) RunID() string { return j.runID }

// Path returns the database file path.
func (j *Journal) Path() string { return j.path }

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Record appends the outcome of t. Flash tasks also record the image and
// its digest.
func (j *Journal) Record(p *FlashingPlan, t Task, elapsed time.Duration, taskErr error) error {
	j.seq++
	rec := TaskRecord{
		Seq:      j.seq,
		Task:     t.String(),
		Status:   "ok",
		Duration: elapsed,
	}
	if taskErr != nil {
		rec.Status = "failed"
		rec.Error = taskErr.Error()
	}

	switch t := t.(type) {
	case *FlashTask:
		rec.Partition = t.Partition
		if t.Slot != "" {
			rec.Partition += "_" + t.Slot
		}
		rec.Image = t.Image
		if p != nil && p.Source != nil {
			// A missing image is journaled without a digest.
			rec.Digest, _ = HashImage(p.Source, t.Image)
		}
	case *WipeTask:
		rec.Partition = t.Partition
	case *ResizeTask:
		rec.Partition = t.Partition
	case *DeleteTask:
		rec.Partition = t.Partition
	case *OptimizedFlashSuperTask:
		rec.Partition = t.SuperName
	}

	_, err := j.db.Exec(
		`INSERT INTO tasks (run_id, seq, task, partition, image, digest, status, error, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID, rec.Seq, rec.Task, rec.Partition, rec.Image, rec.Digest,
		rec.Status, rec.Error, int64(rec.Duration),
	)
	if err != nil {
		return fmt.Errorf("insert task %d: %w", rec.Seq, err)
	}
	return nil
}

// History returns up to limit runs, newest first, with their tasks.
func (j *Journal) History(limit int) ([]RunRecord, error) {
	rows, err := j.db.Query("SELECT id, serial, started FROM runs ORDER BY started DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started int64
		if err := rows.Scan(&r.ID, &r.Serial, &started); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started = time.Unix(0, started)
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		if runs[i].Tasks, err = j.tasks(runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (j *Journal) tasks(runID string) ([]TaskRecord, error) {
	rows, err := j.db.Query(
		`SELECT seq, task, partition, image, digest, status, error, duration
		 FROM tasks WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var d int64
		if err := rows.Scan(&t.Seq, &t.Task, &t.Partition, &t.Image, &t.Digest, &t.Status, &t.Error, &d); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Duration = time.Duration(d)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DefaultJournalPath returns $XDG_STATE_HOME/flashall/journal.db, falling
// back to ~/.local/state and then the temp directory.
func DefaultJournalPath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "flashall", "journal.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "flashall", "journal.db")
	}
	return filepath.Join(os.TempDir(), "flashall-journal.db")
}
