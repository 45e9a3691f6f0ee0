// Package querylog records every knowledge base query with its timing,
// outcome and the passages the backend retrieved.
package querylog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Source is one retrieved passage.
type Source struct {
	URI     string  `json:"uri"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

// Entry is one logged query.
type Entry struct {
	ID              string    `json:"id"`
	UserARN         string    `json:"user_arn"`
	ModelID         string    `json:"model_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Query           string    `json:"query"`
	Answer          string    `json:"-"`
	ProcessingMS    int64     `json:"processing_ms"`
	TotalMS         int64     `json:"total_ms"`
	Status          string    `json:"status"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	SourceCount     int       `json:"source_count"`
	Sources         []Source  `json:"sources,omitempty"`
	CreatedAt       time.Time `json:"created_at"`

	QueryWords  int `json:"query_words"`
	QueryChars  int `json:"query_chars"`
	AnswerWords int `json:"answer_words"`
	AnswerChars int `json:"answer_chars"`
}

// Stats summarizes the log for one profile.
type Stats struct {
	Total           int     `json:"total"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	AvgProcessingMS float64 `json:"avg_processing_ms"`
}

// Log writes entries into the query_logs and retrieved_documents tables.
type Log struct {
	db      *sql.DB
	profile string
}

// New creates a Log over an open data database.
func New(db *sql.DB, profile string) *Log {
	return &Log{db: db, profile: profile}
}

// CountWords counts whitespace-separated words.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

// Record stores e and its sources in one transaction and returns the
// entry id, generating one when e.ID is empty.
func (l *Log) Record(e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	e.QueryWords, e.QueryChars = CountWords(e.Query), len([]rune(e.Query))
	e.AnswerWords, e.AnswerChars = CountWords(e.Answer), len([]rune(e.Answer))

	tx, err := l.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning query log tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO query_logs (id, profile, user_arn, model_id, knowledge_base_id, query_text,
		   query_words, query_chars, answer_words, answer_chars, processing_ms, total_ms,
		   status, error_kind, error_message, source_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, l.profile, e.UserARN, e.ModelID, e.KnowledgeBaseID, e.Query,
		e.QueryWords, e.QueryChars, e.AnswerWords, e.AnswerChars, e.ProcessingMS, e.TotalMS,
		e.Status, e.ErrorKind, e.ErrorMessage, len(e.Sources), e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("inserting query log: %w", err)
	}

	for i, s := range e.Sources {
		_, err := tx.Exec(
			`INSERT INTO retrieved_documents (query_id, position, source_uri, excerpt, score)
			 VALUES (?, ?, ?, ?, ?)`,
			e.ID, i+1, s.URI, s.Excerpt, s.Score,
		)
		if err != nil {
			return "", fmt.Errorf("inserting retrieved document: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing query log: %w", err)
	}
	return e.ID, nil
}

// Recent returns the newest entries, newest first, without their sources.
func (l *Log) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, user_arn, model_id, knowledge_base_id, query_text, query_words, query_chars,
		   answer_words, answer_chars, processing_ms, total_ms, status, error_kind, error_message,
		   source_count, created_at
		 FROM query_logs WHERE profile = ? ORDER BY created_at DESC LIMIT ?`,
		l.profile, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying query log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserARN, &e.ModelID, &e.KnowledgeBaseID, &e.Query,
			&e.QueryWords, &e.QueryChars, &e.AnswerWords, &e.AnswerChars,
			&e.ProcessingMS, &e.TotalMS, &e.Status, &e.ErrorKind, &e.ErrorMessage,
			&e.SourceCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning query log: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sources returns the passages retrieved for a query, in rank order.
func (l *Log) Sources(queryID string) ([]Source, error) {
	rows, err := l.db.Query(
		`SELECT source_uri, excerpt, score FROM retrieved_documents
		 WHERE query_id = ? ORDER BY position`, queryID)
	if err != nil {
		return nil, fmt.Errorf("querying retrieved documents: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.URI, &s.Excerpt, &s.Score); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// Stats aggregates the profile's log.
func (l *Log) Stats() (Stats, error) {
	var s Stats
	var avg sql.NullFloat64
	err := l.db.QueryRow(
		`SELECT COUNT(*),
		   COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
		   AVG(CASE WHEN status = 'success' THEN processing_ms END)
		 FROM query_logs WHERE profile = ?`, l.profile,
	).Scan(&s.Total, &s.Succeeded, &s.Failed, &avg)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregating query log: %w", err)
	}
	s.AvgProcessingMS = avg.Float64
	return s, nil
}
