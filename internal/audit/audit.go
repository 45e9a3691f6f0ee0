// Package audit provides the append-only audit log for kbchat.
// Records form a hash chain for tamper detection.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventAPICall           EventType = "api_call"
	EventSignIn            EventType = "sign_in"
	EventSignInFailed      EventType = "sign_in_failed"
	EventSignOut           EventType = "sign_out"
	EventSessionRestored   EventType = "session_restored"
	EventSessionDiscarded  EventType = "session_discarded"
	EventQuerySent         EventType = "query_sent"
	EventConversationReset EventType = "conversation_reset"
	EventDocumentUploaded  EventType = "document_uploaded"
	EventDocumentRenamed   EventType = "document_renamed"
	EventDocumentDeleted   EventType = "document_deleted"
	EventDocumentsDeleted  EventType = "documents_deleted"
	EventPreferencesSaved  EventType = "preferences_saved"
)

// Record is a stored audit entry.
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	EventType EventType `json:"event_type"`
	Detail    string    `json:"detail"`
}

// Logger writes tamper-evident audit records.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
	profile  string
}

// NewLogger creates an audit logger for the given profile, resuming the
// hash chain from the last stored record.
func NewLogger(db *sql.DB, profile string) (*Logger, error) {
	al := &Logger{db: db, profile: profile}

	var lastHash sql.NullString
	err := db.QueryRow(
		"SELECT record_hash FROM audit_log WHERE profile = ? ORDER BY id DESC LIMIT 1",
		profile,
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}
	return al, nil
}

// Log appends an event. actor is the principal ARN when known, else "local".
func (al *Logger) Log(eventType EventType, actor string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if actor == "" {
		actor = "local"
	}

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	now := time.Now().UTC()
	recordHash := chainHash(al.lastHash, now.Format(time.RFC3339Nano), string(eventType), actor, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, profile, actor, event_type, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano),
		al.profile,
		actor,
		string(eventType),
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// chainHash is SHA-256(previousHash + timestamp + eventType + actor + detail).
func chainHash(prev, ts, eventType, actor, detail string) string {
	h := sha256.Sum256([]byte(prev + ts + eventType + actor + detail))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the audit chain for a profile.
func Verify(db *sql.DB, profile string) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, event_type, actor, detail, record_hash FROM audit_log WHERE profile = ? ORDER BY id ASC",
		profile,
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0
	for rows.Next() {
		var ts, eventType, actor, detail, recordHash string
		if err := rows.Scan(&ts, &eventType, &actor, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}
		if chainHash(previousHash, ts, eventType, actor, detail) != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}
		previousHash = recordHash
		count++
	}
	return true, count, rows.Err()
}

// Recent returns the newest records for a profile, newest first.
func Recent(db *sql.DB, profile string, limit int) ([]Record, error) {
	rows, err := db.Query(
		"SELECT id, timestamp, actor, event_type, detail FROM audit_log WHERE profile = ? ORDER BY id DESC LIMIT ?",
		profile, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var ts, eventType string
		if err := rows.Scan(&r.ID, &ts, &r.Actor, &eventType, &r.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		r.EventType = EventType(eventType)
		records = append(records, r)
	}
	return records, rows.Err()
}
