// Package localstore persists best-effort client state: per-conversation
// draft text and the recent query history. Both are caches, not correctness
// critical: every operation degrades to a no-op or an empty result on
// storage failure, and a nil store is safe to call.
package localstore

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// historyLimit is how many distinct recent queries are retained.
const historyLimit = 20

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("localstore: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "localstore: open")
	}
	// A single connection keeps :memory: databases coherent and sqlite
	// writes serialized.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS drafts (
			conv_id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS query_history (
			query TEXT PRIMARY KEY,
			used_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS query_history_by_used ON query_history(used_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "localstore: migrate")
		}
	}
	return nil
}

// SaveDraft stores the draft text for a conversation. An empty body removes
// the draft.
func (s *Store) SaveDraft(convID, body string) {
	if s == nil || s.db == nil || convID == "" {
		return
	}
	var err error
	if body == "" {
		_, err = s.db.Exec(`DELETE FROM drafts WHERE conv_id = ?`, convID)
	} else {
		_, err = s.db.Exec(
			`INSERT INTO drafts(conv_id, body, updated_at_ms) VALUES(?, ?, ?)
			 ON CONFLICT(conv_id) DO UPDATE SET body = excluded.body, updated_at_ms = excluded.updated_at_ms`,
			convID, body, time.Now().UnixMilli(),
		)
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "localstore").Str("conv_id", convID).Msg("draft save failed")
	}
}

// Draft returns the stored draft for a conversation, or "" on any failure.
func (s *Store) Draft(convID string) string {
	if s == nil || s.db == nil || convID == "" {
		return ""
	}
	var body string
	err := s.db.QueryRow(`SELECT body FROM drafts WHERE conv_id = ?`, convID).Scan(&body)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("component", "localstore").Str("conv_id", convID).Msg("draft read failed")
		}
		return ""
	}
	return body
}

// RecordQuery adds a query to the history. Re-adding an existing query moves
// it to the front; only the most recent distinct entries are kept.
func (s *Store) RecordQuery(query string) {
	if s == nil || s.db == nil {
		return
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO query_history(query, used_at_ms) VALUES(?, ?)
		 ON CONFLICT(query) DO UPDATE SET used_at_ms = excluded.used_at_ms`,
		query, time.Now().UnixMilli(),
	)
	if err != nil {
		log.Warn().Err(err).Str("component", "localstore").Msg("history insert failed")
		return
	}
	_, err = s.db.Exec(
		`DELETE FROM query_history WHERE query NOT IN (
			SELECT query FROM query_history ORDER BY used_at_ms DESC, query LIMIT ?
		)`, historyLimit,
	)
	if err != nil {
		log.Warn().Err(err).Str("component", "localstore").Msg("history trim failed")
	}
}

// RecentQueries returns up to limit history entries, most recent first.
// Returns nil on any failure.
func (s *Store) RecentQueries(limit int) []string {
	if s == nil || s.db == nil {
		return nil
	}
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	rows, err := s.db.Query(
		`SELECT query FROM query_history ORDER BY used_at_ms DESC, query LIMIT ?`, limit,
	)
	if err != nil {
		log.Warn().Err(err).Str("component", "localstore").Msg("history read failed")
		return nil
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			log.Warn().Err(err).Str("component", "localstore").Msg("history scan failed")
			return nil
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		log.Warn().Err(err).Str("component", "localstore").Msg("history iteration failed")
		return nil
	}
	return out
}
