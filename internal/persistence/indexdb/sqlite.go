// Package indexdb keeps a queryable secondary index of evaluators and
// their evaluation history. The JSONL logs remain the source of truth;
// the index may drop writes under pressure.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvaluatorTotal  atomic.Uint64
	dropStateTotal      atomic.Uint64
	dropEvaluationTotal atomic.Uint64
}

type reqKind int

const (
	reqEvaluator reqKind = iota + 1
	reqState
	reqEvaluation
)

type req struct {
	kind reqKind

	evaluator  EvaluatorRow
	state      StateRow
	evaluation EvaluationRow
}

// EvaluatorRow records one evaluator's configuration at creation time.
type EvaluatorRow struct {
	ID            string
	Category      string
	Dimension     int
	Seed          int64
	Deterministic bool
	CreatedAt     time.Time
}

// StateRow records a lifecycle transition.
type StateRow struct {
	ID    string
	State string
	At    time.Time
}

// EvaluationRow records one completed fitness evaluation.
type EvaluationRow struct {
	EvaluatorID string
	Score       int64
	Ticks       int
	DurationMS  int64
	RecordedAt  time.Time
}

// Stats exposes queue health for diagnostics.
type Stats struct {
	DropEvaluatorTotal  uint64
	DropStateTotal      uint64
	DropEvaluationTotal uint64
	QueueDepth          int
	QueueCapacity       int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Generous buffer: a search driver hammering evaluate_fitness
		// produces bursty writes and must never stall on the index.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS evaluators (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			dimension INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			deterministic INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			destroyed_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_evaluators_state ON evaluators(state);`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			evaluator_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			score INTEGER NOT NULL,
			ticks INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (evaluator_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_score ON evaluations(evaluator_id, score);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) RecordEvaluator(row EvaluatorRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvaluator, evaluator: row}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropEvaluatorTotal.Add(1)
	}
}

func (s *SQLiteIndex) RecordState(row StateRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqState, state: row}:
	default:
		s.dropStateTotal.Add(1)
	}
}

func (s *SQLiteIndex) RecordEvaluation(row EvaluationRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvaluation, evaluation: row}:
	default:
		s.dropEvaluationTotal.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropEvaluatorTotal:  s.dropEvaluatorTotal.Load(),
		DropStateTotal:      s.dropStateTotal.Load(),
		DropEvaluationTotal: s.dropEvaluationTotal.Load(),
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
	}
}

// BestScore returns the highest recorded score for an evaluator. Reads go
// straight to the db and see only committed batches.
func (s *SQLiteIndex) BestScore(ctx context.Context, evaluatorID string) (int64, bool, error) {
	var best sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(score) FROM evaluations WHERE evaluator_id=?`, evaluatorID).Scan(&best)
	if err != nil {
		return 0, false, err
	}
	if !best.Valid {
		return 0, false, nil
	}
	return best.Int64, true, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvaluator, _ := s.db.Prepare(`INSERT OR REPLACE INTO evaluators(id,category,dimension,seed,deterministic,state,created_at,destroyed_at) VALUES(?,?,?,?,?,?,?,NULL)`)
	updateState, _ := s.db.Prepare(`UPDATE evaluators SET state=?, destroyed_at=CASE WHEN ?='DESTROYED' THEN ? ELSE destroyed_at END WHERE id=?`)
	insertEvaluation, _ := s.db.Prepare(`INSERT OR REPLACE INTO evaluations(evaluator_id,seq,score,ticks,duration_ms,recorded_at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertEvaluator != nil {
			_ = insertEvaluator.Close()
		}
		if updateState != nil {
			_ = updateState.Close()
		}
		if insertEvaluation != nil {
			_ = insertEvaluation.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second

		// seq per evaluator, assigned here so the writer goroutine is the
		// only sequencer.
		evalSeq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	idle := time.NewTicker(commitMaxWait)
	defer idle.Stop()

	for {
		var r req
		var ok bool
		select {
		case r, ok = <-s.ch:
			if !ok {
				commit()
				return
			}
		case <-idle.C:
			// Release the transaction (and the lone connection) so
			// synchronous readers are never starved by an idle writer.
			commit()
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEvaluator:
			e := r.evaluator
			if insertEvaluator != nil {
				deterministic := 0
				if e.Deterministic {
					deterministic = 1
				}
				if _, err := tx.Stmt(insertEvaluator).Exec(
					e.ID,
					e.Category,
					e.Dimension,
					e.Seed,
					deterministic,
					"CREATED",
					e.CreatedAt.UTC().Format(time.RFC3339Nano),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqState:
			st := r.state
			if updateState != nil {
				at := st.At.UTC().Format(time.RFC3339Nano)
				if _, err := tx.Stmt(updateState).Exec(st.State, st.State, at, st.ID); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqEvaluation:
			ev := r.evaluation
			if insertEvaluation != nil {
				seq, known := evalSeq[ev.EvaluatorID]
				if !known {
					// First write for this evaluator since startup; resume
					// after whatever an earlier process recorded.
					if err := tx.QueryRow(
						`SELECT COALESCE(MAX(seq)+1,0) FROM evaluations WHERE evaluator_id=?`,
						ev.EvaluatorID).Scan(&seq); err != nil {
						rollback()
						continue
					}
				}
				evalSeq[ev.EvaluatorID] = seq + 1
				if _, err := tx.Stmt(insertEvaluation).Exec(
					ev.EvaluatorID,
					seq,
					ev.Score,
					ev.Ticks,
					ev.DurationMS,
					ev.RecordedAt.UTC().Format(time.RFC3339Nano),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}
}
