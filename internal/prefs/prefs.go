// Package prefs persists the user's model, knowledge base and search
// parameter choices.
package prefs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/audit"
	"github.com/kbchat/kbchat/internal/core"
)

// Stored keys.
const (
	KeyModel            = "selectedModel"
	KeyKnowledgeBase    = "selectedKnowledgeBase"
	KeySearchParameters = "searchParameters"
)

// Preferences is the full preference set.
type Preferences struct {
	ModelID          string                `json:"modelId" validate:"required"`
	KnowledgeBaseID  string                `json:"knowledgeBaseId"`
	SearchParameters core.SearchParameters `json:"searchParameters"`
}

// Defaults returns the preferences used before anything is saved.
func Defaults(modelID, kbID string) Preferences {
	if modelID == "" {
		modelID = core.DefaultModelID
	}
	return Preferences{
		ModelID:          modelID,
		KnowledgeBaseID:  kbID,
		SearchParameters: core.DefaultSearchParameters(),
	}
}

// Store reads and writes the preferences of one profile.
type Store struct {
	db       *sql.DB
	profile  string
	audit    *audit.Logger
	defaults Preferences
	valid    *validator.Validate
}

// New creates a Store. al may be nil.
func New(db *sql.DB, profile string, al *audit.Logger, defaults Preferences) *Store {
	return &Store{db: db, profile: profile, audit: al, defaults: defaults, valid: validator.New()}
}

// Load returns the stored preferences over the defaults.
func (s *Store) Load() (Preferences, error) {
	p := s.defaults
	rows, err := s.db.Query(`SELECT key, value FROM preferences WHERE profile = ?`, s.profile)
	if err != nil {
		return p, fmt.Errorf("querying preferences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return p, fmt.Errorf("scanning preference: %w", err)
		}
		var target any
		switch key {
		case KeyModel:
			target = &p.ModelID
		case KeyKnowledgeBase:
			target = &p.KnowledgeBaseID
		case KeySearchParameters:
			target = &p.SearchParameters
		default:
			continue
		}
		if err := json.Unmarshal([]byte(value), target); err != nil {
			return p, fmt.Errorf("decoding preference %s: %w", key, err)
		}
	}
	return p, rows.Err()
}

// Save validates and stores every preference.
func (s *Store) Save(p Preferences) error {
	if err := s.validate(p); err != nil {
		return err
	}
	return s.put(map[string]any{
		KeyModel:            p.ModelID,
		KeyKnowledgeBase:    p.KnowledgeBaseID,
		KeySearchParameters: p.SearchParameters,
	})
}

// SetModel selects a catalogue model.
func (s *Store) SetModel(id string) error {
	if _, ok := core.FindModel(id); !ok {
		return apperr.New(apperr.KindValidation, "Unknown model: "+id)
	}
	return s.put(map[string]any{KeyModel: id})
}

// SetKnowledgeBase selects a knowledge base.
func (s *Store) SetKnowledgeBase(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.New(apperr.KindValidation, "A knowledge base id is required")
	}
	return s.put(map[string]any{KeyKnowledgeBase: id})
}

// SetSearchParameters stores validated search parameters.
func (s *Store) SetSearchParameters(sp core.SearchParameters) error {
	if err := s.checkStruct(sp); err != nil {
		return err
	}
	return s.put(map[string]any{KeySearchParameters: sp})
}

// Reset removes every stored preference.
func (s *Store) Reset() error {
	if _, err := s.db.Exec(`DELETE FROM preferences WHERE profile = ?`, s.profile); err != nil {
		return fmt.Errorf("clearing preferences: %w", err)
	}
	return nil
}

func (s *Store) validate(p Preferences) error {
	if err := s.checkStruct(p); err != nil {
		return err
	}
	if _, ok := core.FindModel(p.ModelID); !ok {
		return apperr.New(apperr.KindValidation, "Unknown model: "+p.ModelID)
	}
	return nil
}

func (s *Store) checkStruct(v any) error {
	err := s.valid.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Wrap(apperr.KindValidation, fmt.Sprintf("Invalid %s: must satisfy %s %s", fe.Field(), fe.Tag(), fe.Param()), err)
	}
	return apperr.Wrap(apperr.KindValidation, "Invalid preferences", err)
}

func (s *Store) put(values map[string]any) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for key, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding preference %s: %w", key, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO preferences (profile, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(profile, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			s.profile, key, string(data), now); err != nil {
			return fmt.Errorf("storing preference %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing preferences: %w", err)
	}

	if s.audit != nil {
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		_ = s.audit.Log(audit.EventPreferencesSaved, "local", map[string]any{"keys": keys})
	}
	return nil
}
