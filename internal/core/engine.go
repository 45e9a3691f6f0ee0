// engine.go provides the Engine that wires together the kbchat infrastructure.
package core

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/kbchat/kbchat/internal/audit"
	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/config"
	"github.com/kbchat/kbchat/internal/db"
	"github.com/kbchat/kbchat/internal/gateway"
	"github.com/kbchat/kbchat/internal/logging"
	"github.com/kbchat/kbchat/internal/vault"
	"github.com/rs/zerolog"
)

// DefaultProfile scopes local state when no other profile is chosen.
const DefaultProfile = "default"

// ErrPassphraseRequired is returned when vault mode is opened without a passphrase.
var ErrPassphraseRequired = errors.New("vault passphrase required")

// Engine owns the process-wide infrastructure shared by every service.
type Engine struct {
	Config      config.GlobalConfig
	Profile     string
	DataDB      *sql.DB
	AuditDB     *sql.DB
	Vault       *vault.Vault // nil in memory_only secret mode
	AuditLogger *audit.Logger
	Logger      zerolog.Logger
	AWS         *awsops.ClientFactory
	Gateway     *gateway.Client

	logCloser io.Closer
}

// Open prepares the data directory, opens both databases, unlocks the
// vault and builds the AWS and HTTP clients.
func Open(cfg config.GlobalConfig, passphrase string) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.MemoryOnly() && passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	if err := db.EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}

	e := &Engine{Config: cfg, Profile: DefaultProfile}
	e.Logger, e.logCloser = newLogger(cfg)

	var err error
	if e.DataDB, err = db.OpenDataDB(cfg.DataDir); err != nil {
		e.Close()
		return nil, fmt.Errorf("opening data database: %w", err)
	}
	if e.AuditDB, err = db.OpenAuditDB(cfg.DataDir); err != nil {
		e.Close()
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	if !cfg.MemoryOnly() {
		if e.Vault, err = vault.OpenOrCreate(filepath.Join(cfg.DataDir, vault.VaultFileName), passphrase); err != nil {
			e.Close()
			return nil, fmt.Errorf("opening vault: %w", err)
		}
	}

	if e.AuditLogger, err = audit.NewLogger(e.AuditDB, e.Profile); err != nil {
		e.Close()
		return nil, fmt.Errorf("creating audit logger: %w", err)
	}

	e.AWS = awsops.NewClientFactoryWithRate(e.Logger, cfg.RateLimitPerService, cfg.CacheTTL())
	e.AWS.SetAudit(e.AuditLogger, "")
	e.Gateway = gateway.New(gateway.Options{
		Timeout:    cfg.RequestTimeout(),
		BaseDelay:  cfg.RetryDelay(),
		HTTPClient: &http.Client{},
		Logger:     e.Logger,
	})
	return e, nil
}

func newLogger(cfg config.GlobalConfig) (zerolog.Logger, io.Closer) {
	if cfg.LogFile == "" {
		return logging.NewLogger(cfg.LogLevel, DefaultProfile), nil
	}
	path := cfg.LogFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.DataDir, "logs", path)
	}
	return logging.NewFileLogger(cfg.LogLevel, logging.FileOptions{
		Path:       path,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
}

// Close cleanly shuts down all engine resources.
func (e *Engine) Close() error {
	var firstErr error
	if e.Vault != nil {
		if err := e.Vault.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.DataDB != nil {
		if err := e.DataDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.AuditDB != nil {
		if err := e.AuditDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.logCloser != nil {
		if err := e.logCloser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
