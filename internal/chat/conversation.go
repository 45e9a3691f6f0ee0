package chat

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kbchat/kbchat/internal/audit"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/rs/zerolog"
)

// The welcome turn opens every conversation and is never sent as context.
const (
	WelcomeID   = "1"
	WelcomeText = "Hello! I'm your knowledge base assistant. Ask me anything about the documents in the selected knowledge base."
)

// Welcome returns the welcome turn stamped with at.
func Welcome(at time.Time) core.Turn {
	return core.Turn{ID: WelcomeID, Content: WelcomeText, Timestamp: at}
}

// Conversation is the persisted turn list of one profile. Turns are only
// appended; Reset clears the whole list.
type Conversation struct {
	db      *sql.DB
	profile string
	audit   *audit.Logger
	logger  zerolog.Logger
	now     func() time.Time
}

// NewConversation opens the conversation of profile. al may be nil.
func NewConversation(db *sql.DB, profile string, al *audit.Logger, logger zerolog.Logger) *Conversation {
	return &Conversation{db: db, profile: profile, audit: al, logger: logger, now: time.Now}
}

// Messages returns every turn in order. A conversation with nothing stored
// holds only the welcome turn.
func (c *Conversation) Messages() ([]core.Turn, error) {
	rows, err := c.db.Query(
		`SELECT id, content, is_user, created_at FROM conversation_turns
		 WHERE profile = ? ORDER BY seq`, c.profile)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []core.Turn
	for rows.Next() {
		var t core.Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Content, &t.IsUser, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if t.ID == c.rowID(WelcomeID) {
			t.ID = WelcomeID
		}
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return []core.Turn{Welcome(c.now().UTC())}, nil
	}
	return turns, nil
}

// History returns the stored turns minus the welcome turn.
func (c *Conversation) History() ([]core.Turn, error) {
	turns, err := c.Messages()
	if err != nil {
		return nil, err
	}
	return History(turns), nil
}

// Append stores a new turn after the existing ones. The welcome turn is
// written first when the conversation is still empty.
func (c *Conversation) Append(content string, isUser bool) (core.Turn, error) {
	now := c.now().UTC()
	turn := core.Turn{ID: uuid.New().String(), Content: content, IsUser: isUser, Timestamp: now}

	tx, err := c.db.Begin()
	if err != nil {
		return core.Turn{}, fmt.Errorf("beginning turn tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	var maxSeq sql.NullInt64
	if err := tx.QueryRow(
		`SELECT COUNT(*), MAX(seq) FROM conversation_turns WHERE profile = ?`, c.profile,
	).Scan(&n, &maxSeq); err != nil {
		return core.Turn{}, fmt.Errorf("reading turn count: %w", err)
	}

	insert := func(t core.Turn, seq int64) error {
		_, err := tx.Exec(
			`INSERT INTO conversation_turns (id, profile, seq, content, is_user, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.rowID(t.ID), c.profile, seq, t.Content, t.IsUser, t.Timestamp.Format(time.RFC3339Nano),
		)
		return err
	}

	next := maxSeq.Int64 + 1
	if n == 0 {
		if err := insert(Welcome(now), 0); err != nil {
			return core.Turn{}, fmt.Errorf("inserting welcome turn: %w", err)
		}
		next = 1
	}
	if err := insert(turn, next); err != nil {
		return core.Turn{}, fmt.Errorf("inserting turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Turn{}, fmt.Errorf("committing turn: %w", err)
	}
	return turn, nil
}

// rowID namespaces the fixed welcome id per profile so several profiles
// can share the table.
func (c *Conversation) rowID(id string) string {
	if id == WelcomeID {
		return c.profile + ":" + WelcomeID
	}
	return id
}

// Reset clears every stored turn. Resetting an empty conversation is a
// no-op apart from the audit record.
func (c *Conversation) Reset() error {
	res, err := c.db.Exec(`DELETE FROM conversation_turns WHERE profile = ?`, c.profile)
	if err != nil {
		return fmt.Errorf("clearing turns: %w", err)
	}
	removed, _ := res.RowsAffected()
	if c.audit != nil {
		if err := c.audit.Log(audit.EventConversationReset, "", map[string]int64{"removed": removed}); err != nil {
			c.logger.Warn().Err(err).Msg("audit write failed")
		}
	}
	return nil
}
