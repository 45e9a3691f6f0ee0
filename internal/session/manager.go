// Package session manages the sign-in lifecycle: validating credentials,
// enriching the identity, persisting the bundle and exposing session state.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/audit"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/kbchat/kbchat/internal/credstore"
	"github.com/kbchat/kbchat/internal/identity"
	"github.com/kbchat/kbchat/internal/logging"
	"github.com/rs/zerolog"
)

// MsgNotSignedIn is returned by Require when no session exists.
const MsgNotSignedIn = "Not signed in. Sign in with your AWS credentials first."

// Validator resolves the principal behind a credential bundle.
type Validator interface {
	Validate(ctx context.Context, b *core.CredentialBundle) (identity.Principal, error)
}

// Enricher adds best-effort display fields to a validated bundle.
type Enricher interface {
	Enrich(ctx context.Context, b core.CredentialBundle, p identity.Principal) core.CredentialBundle
}

// SignInInput is the data a user supplies to sign in.
type SignInInput struct {
	AccountID       string `json:"accountId" validate:"required"`
	AccessKeyID     string `json:"accessKeyId" validate:"required"`
	SecretAccessKey string `json:"secretAccessKey" validate:"required"`
	SessionToken    string `json:"sessionToken,omitempty"`
	Region          string `json:"region" validate:"required"`
}

// Options configures a Manager.
type Options struct {
	Store     credstore.Store
	Validator Validator
	Enricher  Enricher
	TenantID  string
	DB        *sql.DB       // auth_events history; optional
	Audit     *audit.Logger // optional
	Profile   string
	Logger    zerolog.Logger

	// OnChange is called with the new bundle after every transition,
	// nil when signed out.
	OnChange func(b *core.CredentialBundle)
}

// Manager owns the session state. All transitions go through it.
type Manager struct {
	mu    sync.Mutex
	state core.SessionState
	opts  Options
	valid *validator.Validate
}

// NewManager creates a manager in the unauthenticated state.
func NewManager(opts Options) *Manager {
	if opts.Profile == "" {
		opts.Profile = core.DefaultProfile
	}
	return &Manager{opts: opts, valid: validator.New()}
}

// State returns a copy of the current state.
func (m *Manager) State() core.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	if s.Bundle != nil {
		b := *s.Bundle
		s.Bundle = &b
	}
	return s
}

// Bundle returns a copy of the signed-in bundle, or nil.
func (m *Manager) Bundle() *core.CredentialBundle {
	return m.State().Bundle
}

// Require returns the signed-in bundle or an invalid_credentials error.
func (m *Manager) Require() (*core.CredentialBundle, error) {
	if b := m.Bundle(); b != nil {
		return b, nil
	}
	return nil, apperr.New(apperr.KindInvalidCredentials, MsgNotSignedIn)
}

func (m *Manager) set(s core.SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.opts.OnChange != nil {
		var b *core.CredentialBundle
		if s.IsAuthenticated && s.Bundle != nil {
			cp := *s.Bundle
			b = &cp
		}
		m.opts.OnChange(b)
	}
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state.Loading = false
	m.state.Error = apperr.UserMessage(err)
	m.mu.Unlock()
}

// RestoreSession reloads a persisted bundle and re-validates it. It never
// fails: a missing, unreadable or rejected bundle leaves the manager
// unauthenticated and removes whatever was stored.
func (m *Manager) RestoreSession(ctx context.Context) core.SessionState {
	b, err := m.opts.Store.Load()
	if err != nil {
		m.opts.Logger.Warn().Err(err).Msg("stored credentials unreadable")
		m.discard("unreadable")
		return m.State()
	}
	if b == nil {
		m.set(core.SessionState{})
		return m.State()
	}
	if !b.Complete() {
		m.discard("incomplete")
		return m.State()
	}

	m.mu.Lock()
	m.state.Loading = true
	m.mu.Unlock()

	if _, err := m.opts.Validator.Validate(ctx, b); err != nil {
		m.opts.Logger.Info().Err(err).Str("access_key", logging.MaskAccessKey(b.AccessKeyID)).Msg("stored session rejected")
		cerr := ClassifyError(err)
		m.recordEvent("restore", b, string(apperr.KindOf(cerr)), apperr.UserMessage(cerr))
		m.discard("rejected")
		return m.State()
	}

	m.set(core.SessionState{IsAuthenticated: true, Bundle: b})
	m.recordEvent("restore", b, "ok", "")
	m.auditLog(audit.EventSessionRestored, b.UserARN, map[string]string{
		"access_key": logging.MaskAccessKey(b.AccessKeyID),
	})
	m.opts.Logger.Info().Str("principal", b.UserARN).Msg("session restored")
	return m.State()
}

func (m *Manager) discard(reason string) {
	if err := m.opts.Store.Delete(); err != nil {
		m.opts.Logger.Warn().Err(err).Msg("deleting stored credentials")
	}
	m.set(core.SessionState{})
	m.auditLog(audit.EventSessionDiscarded, "", map[string]string{"reason": reason})
}

// SignIn validates the input and the tenant, checks the credentials with
// the provider, enriches and persists the bundle. On failure the state
// carries the classified message and stays unauthenticated.
func (m *Manager) SignIn(ctx context.Context, in SignInInput) error {
	m.mu.Lock()
	m.state.Loading = true
	m.state.Error = ""
	m.mu.Unlock()

	if err := m.valid.Struct(in); err != nil {
		verr := apperr.Wrap(apperr.KindValidation, "Account ID, Access Key ID, Secret Access Key and region are required", err)
		m.fail(verr)
		return verr
	}

	base := core.CredentialBundle{
		AccountID:       in.AccountID,
		AccessKeyID:     in.AccessKeyID,
		SecretAccessKey: in.SecretAccessKey,
		SessionToken:    in.SessionToken,
		Region:          in.Region,
	}

	if in.AccountID != m.opts.TenantID {
		terr := apperr.New(apperr.KindInvalidTenant, apperr.MsgInvalidTenant)
		m.fail(terr)
		m.recordEvent("sign_in", &base, string(apperr.KindInvalidTenant), terr.Message)
		m.auditLog(audit.EventSignInFailed, "", map[string]string{"kind": string(apperr.KindInvalidTenant)})
		return terr
	}

	principal, err := m.opts.Validator.Validate(ctx, &base)
	if err != nil {
		cerr := ClassifyError(err)
		m.fail(cerr)
		m.opts.Logger.Info().Err(err).Str("access_key", logging.MaskAccessKey(in.AccessKeyID)).Msg("sign-in rejected")
		m.recordEvent("sign_in", &base, string(apperr.KindOf(cerr)), apperr.UserMessage(cerr))
		m.auditLog(audit.EventSignInFailed, "", map[string]string{
			"kind":       string(apperr.KindOf(cerr)),
			"access_key": logging.MaskAccessKey(in.AccessKeyID),
		})
		return cerr
	}

	bundle := base
	bundle.UserARN = principal.ARN
	bundle.UserID = principal.UserID
	bundle.UserName = principal.UserName()
	if m.opts.Enricher != nil {
		bundle = m.opts.Enricher.Enrich(ctx, base, principal)
	}

	if err := m.opts.Store.Save(&bundle); err != nil {
		m.opts.Logger.Warn().Err(err).Msg("persisting credentials")
	}

	m.set(core.SessionState{IsAuthenticated: true, Bundle: &bundle})
	m.recordEvent("sign_in", &bundle, "ok", "")
	m.auditLog(audit.EventSignIn, bundle.UserARN, map[string]string{
		"account":    bundle.AccountID,
		"region":     bundle.Region,
		"access_key": logging.MaskAccessKey(bundle.AccessKeyID),
	})
	m.opts.Logger.Info().Str("principal", bundle.UserARN).Str("display_name", bundle.DisplayName).Msg("signed in")
	return nil
}

// SignOut removes the persisted bundle and resets the state, even when
// the removal fails.
func (m *Manager) SignOut() {
	prev := m.Bundle()
	if err := m.opts.Store.Delete(); err != nil {
		m.opts.Logger.Warn().Err(err).Msg("deleting stored credentials")
	}
	m.set(core.SessionState{})

	actor := ""
	if prev != nil {
		actor = prev.UserARN
		m.recordEvent("sign_out", prev, "ok", "")
	}
	m.auditLog(audit.EventSignOut, actor, nil)
	m.opts.Logger.Info().Msg("signed out")
}

func (m *Manager) auditLog(event audit.EventType, actor string, detail any) {
	if m.opts.Audit == nil {
		return
	}
	if err := m.opts.Audit.Log(event, actor, detail); err != nil {
		m.opts.Logger.Warn().Err(err).Msg("audit write failed")
	}
}

// AuthEvent is one row of sign-in history.
type AuthEvent struct {
	ID           int64     `json:"id"`
	Event        string    `json:"event"`
	AccountID    string    `json:"account_id"`
	AccessKey    string    `json:"access_key"` // masked
	PrincipalARN string    `json:"principal_arn"`
	Outcome      string    `json:"outcome"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

func (m *Manager) recordEvent(event string, b *core.CredentialBundle, outcome, message string) {
	if m.opts.DB == nil {
		return
	}
	_, err := m.opts.DB.Exec(
		`INSERT INTO auth_events (profile, event, account_id, access_key, principal_arn, outcome, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.opts.Profile, event, b.AccountID, logging.MaskAccessKey(b.AccessKeyID), b.UserARN,
		outcome, message, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		m.opts.Logger.Warn().Err(err).Msg("recording auth event")
	}
}

// History returns the newest sign-in events, newest first.
func (m *Manager) History(limit int) ([]AuthEvent, error) {
	if m.opts.DB == nil {
		return nil, errors.New("no history database")
	}
	rows, err := m.opts.DB.Query(
		`SELECT id, event, account_id, access_key, principal_arn, outcome, message, created_at
		 FROM auth_events WHERE profile = ? ORDER BY id DESC LIMIT ?`,
		m.opts.Profile, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying auth events: %w", err)
	}
	defer rows.Close()

	var events []AuthEvent
	for rows.Next() {
		var e AuthEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Event, &e.AccountID, &e.AccessKey, &e.PrincipalARN, &e.Outcome, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning auth event: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
