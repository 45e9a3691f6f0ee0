package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/kbchat/kbchat/internal/api"
	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/config"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// PassphraseEnv supplies the vault passphrase non-interactively.
const PassphraseEnv = "KBCHAT_PASSPHRASE"

var (
	configPath string
	logLevel   string
	jsonOutput bool

	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

// RegisterGlobalFlags adds the persistent flags shared by every command.
func RegisterGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.kbchat/config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

func loadConfig() (config.GlobalConfig, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.GlobalConfig{}, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func saveConfig(cfg config.GlobalConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Save(path, cfg)
}

// readPassphrase takes the vault passphrase from the environment, falling
// back to a terminal prompt.
func readPassphrase(cfg config.GlobalConfig) (string, error) {
	if cfg.MemoryOnly() {
		return "", nil
	}
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	return promptSecret("Vault passphrase: ")
}

func promptSecret(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return string(b), nil
}

func promptLine(r *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// openService opens the engine and builds the service over it. The
// returned close func releases the engine.
func openService() (*api.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pass, err := readPassphrase(cfg)
	if err != nil {
		return nil, nil, err
	}
	engine, err := core.Open(cfg, pass)
	if err != nil {
		return nil, nil, fmt.Errorf("opening kbchat: %w", err)
	}
	return api.New(engine), func() { engine.Close() }, nil
}

// signedIn restores the stored session and fails when there is none.
func signedIn(ctx context.Context, svc *api.Service) (api.AuthInfo, error) {
	info := svc.Restore(ctx)
	if !info.IsAuthenticated {
		return info, fmt.Errorf("not signed in; run 'kbchat login' first")
	}
	return info, nil
}

// withSession runs fn with a restored, signed-in service.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, svc *api.Service) error) error {
	svc, closeFn, err := openService()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := cmd.Context()
	if _, err := signedIn(ctx, svc); err != nil {
		return err
	}
	return fn(ctx, svc)
}

// withService runs fn without requiring a session.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *api.Service) error) error {
	svc, closeFn, err := openService()
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(cmd.Context(), svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describe renders err with its kind for terminal output.
func describe(err error) string {
	if kind := apperr.KindOf(err); kind != "" && kind != apperr.KindUnknown {
		return fmt.Sprintf("%s (%s)", apperr.UserMessage(err), kind)
	}
	return apperr.UserMessage(err)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
