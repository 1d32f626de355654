// Package store persists completed screening opinions to SQLite so the
// server can serve past screenings across restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/markscreen/internal/markscreen"
)

// ErrNotFound is returned when no screening exists for an ID.
var ErrNotFound = errors.New("screening not found")

const schema = `
CREATE TABLE IF NOT EXISTS screenings (
	screening_id  TEXT PRIMARY KEY,
	proposed_name TEXT NOT NULL,
	overall_risk  TEXT NOT NULL,
	risk_rating   TEXT NOT NULL,
	pairs_total   INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	opinion_json  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS determinations (
	screening_id   TEXT NOT NULL,
	position       INTEGER NOT NULL,
	pair_id        TEXT NOT NULL,
	candidate_name TEXT NOT NULL,
	classification TEXT NOT NULL DEFAULT '',
	risk           TEXT NOT NULL DEFAULT '',
	unresolved     INTEGER NOT NULL DEFAULT 0,
	rationale      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (screening_id, position)
);
`

// Store persists opinions with write-through semantics: the opinion
// JSON is the source of truth, the determinations table exists for
// listing and ad-hoc queries.
type Store struct {
	db *sqlx.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveOpinion writes one screening result. Re-saving the same screening
// ID replaces the previous row, so retried saves are idempotent.
func (s *Store) SaveOpinion(op markscreen.Opinion) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal opinion: %w", err)
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO screenings
		(screening_id, proposed_name, overall_risk, risk_rating, pairs_total, created_at, opinion_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ScreeningID, op.Proposed.Name, string(op.OverallRisk), op.RiskRating,
		op.Metadata.PairsTotal, op.Metadata.CompletedAt.Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("insert screening: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM determinations WHERE screening_id = ?`, op.ScreeningID); err != nil {
		return fmt.Errorf("clear determinations: %w", err)
	}
	pos := 0
	for _, sec := range op.Sections {
		for _, d := range sec.Determinations {
			unresolved := 0
			if d.Unresolved {
				unresolved = 1
			}
			_, err := tx.Exec(`INSERT INTO determinations
				(screening_id, position, pair_id, candidate_name, classification, risk, unresolved, rationale)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				op.ScreeningID, pos, d.PairID, d.Candidate.Name,
				string(d.Classification), string(d.Risk), unresolved, d.Rationale)
			if err != nil {
				return fmt.Errorf("insert determination: %w", err)
			}
			pos++
		}
	}
	return tx.Commit()
}

// GetOpinion loads a screening by ID.
func (s *Store) GetOpinion(screeningID string) (markscreen.Opinion, error) {
	var payload string
	err := s.db.Get(&payload, `SELECT opinion_json FROM screenings WHERE screening_id = ?`, screeningID)
	if errors.Is(err, sql.ErrNoRows) {
		return markscreen.Opinion{}, ErrNotFound
	}
	if err != nil {
		return markscreen.Opinion{}, fmt.Errorf("load screening: %w", err)
	}
	var op markscreen.Opinion
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return markscreen.Opinion{}, fmt.Errorf("unmarshal opinion: %w", err)
	}
	return op, nil
}

// ScreeningSummary is one row of the screening list.
type ScreeningSummary struct {
	ScreeningID  string `json:"screening_id" db:"screening_id"`
	ProposedName string `json:"proposed_name" db:"proposed_name"`
	OverallRisk  string `json:"overall_risk" db:"overall_risk"`
	RiskRating   string `json:"risk_rating" db:"risk_rating"`
	PairsTotal   int    `json:"pairs_total" db:"pairs_total"`
	CreatedAt    string `json:"created_at" db:"created_at"`
}

// ListScreenings returns summaries, newest first.
func (s *Store) ListScreenings(limit int) ([]ScreeningSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []ScreeningSummary
	err := s.db.Select(&out, `SELECT screening_id, proposed_name, overall_risk, risk_rating, pairs_total, created_at
		FROM screenings ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list screenings: %w", err)
	}
	return out, nil
}
