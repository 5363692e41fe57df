package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestSQLiteIndex_RecordAndQuery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	now := time.Now().UTC()
	idx.RecordEvaluator(EvaluatorRow{
		ID: "e1", Category: "static", Dimension: 6, Seed: 0, Deterministic: true, CreatedAt: now,
	})
	idx.RecordState(StateRow{ID: "e1", State: "WORLD_READY", At: now})
	idx.RecordEvaluation(EvaluationRow{EvaluatorID: "e1", Score: 96, Ticks: 2944, DurationMS: 1200, RecordedAt: now})
	idx.RecordEvaluation(EvaluationRow{EvaluatorID: "e1", Score: 9312, Ticks: 2944, DurationMS: 1100, RecordedAt: now})
	idx.RecordState(StateRow{ID: "e1", State: "DESTROYED", At: now})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var (
		category    string
		dimension   int
		state       string
		destroyedAt sql.NullString
	)
	row := db.QueryRow(`SELECT category,dimension,state,destroyed_at FROM evaluators WHERE id='e1'`)
	if err := row.Scan(&category, &dimension, &state, &destroyedAt); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if category != "static" || dimension != 6 || state != "DESTROYED" {
		t.Fatalf("row mismatch: category=%q dimension=%d state=%q", category, dimension, state)
	}
	if !destroyedAt.Valid {
		t.Fatalf("destroyed_at not set")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM evaluations WHERE evaluator_id='e1'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("evaluations=%d want=2", count)
	}
	var maxSeq int
	if err := db.QueryRow(`SELECT MAX(seq) FROM evaluations WHERE evaluator_id='e1'`).Scan(&maxSeq); err != nil {
		t.Fatalf("max seq: %v", err)
	}
	if maxSeq != 1 {
		t.Fatalf("max seq=%d want=1", maxSeq)
	}
}

func TestSQLiteIndex_SeqResumesAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")
	now := time.Now().UTC()

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.RecordEvaluator(EvaluatorRow{ID: "e1", Category: "dynamic", Dimension: 12, CreatedAt: now})
	idx.RecordEvaluation(EvaluationRow{EvaluatorID: "e1", Score: 10, RecordedAt: now})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	idx2.RecordEvaluation(EvaluationRow{EvaluatorID: "e1", Score: 20, RecordedAt: now})

	best, ok, err := idx2.BestScore(context.Background(), "missing")
	if err != nil {
		t.Fatalf("BestScore(missing): %v", err)
	}
	if ok || best != 0 {
		t.Fatalf("BestScore(missing) = %d,%v", best, ok)
	}
	if err := idx2.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM evaluations WHERE evaluator_id='e1'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("evaluations=%d want=2 (second run overwrote the first)", count)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqEvaluator, evaluator: EvaluatorRow{ID: "occupies-the-slot"}}

	s.RecordEvaluator(EvaluatorRow{ID: "e2"})
	s.RecordState(StateRow{ID: "e2", State: "FAULTED"})
	s.RecordEvaluation(EvaluationRow{EvaluatorID: "e2"})

	st := s.Stats()
	if st.DropEvaluatorTotal != 1 {
		t.Fatalf("DropEvaluatorTotal=%d want=1", st.DropEvaluatorTotal)
	}
	if st.DropStateTotal != 1 {
		t.Fatalf("DropStateTotal=%d want=1", st.DropStateTotal)
	}
	if st.DropEvaluationTotal != 1 {
		t.Fatalf("DropEvaluationTotal=%d want=1", st.DropEvaluationTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}
