package bootstrap

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kzinmr/askrelay/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root          string
	Environment   string
	HTTPAddress   string
	AllowedOrigin string
	Provider      string
	Model         string
	LedgerPath    string
	// WritePrompts also scaffolds config/prompts.yaml with the default profile.
	WritePrompts bool
	Force        bool
}

// Init scaffolds configuration files for the relay.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(opts.Root, "config", opts.Environment), 0o755); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}
	relayPath := filepath.Join(opts.Root, "config", opts.Environment, "askrelay.ini")
	if err := writeFile(relayPath, relayTemplate(opts), opts.Force); err != nil {
		return err
	}
	if opts.WritePrompts {
		promptsPath := filepath.Join(opts.Root, "config", "prompts.yaml")
		if err := writeFile(promptsPath, promptsTemplate(), opts.Force); err != nil {
			return err
		}
	}
	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":9000"
	}
	if strings.TrimSpace(opts.AllowedOrigin) == "" {
		opts.AllowedOrigin = "https://localhost:3000"
	}
	if strings.TrimSpace(opts.Provider) == "" {
		opts.Provider = "openai"
	}
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = "gpt-3.5-turbo-0613"
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# askrelay settings
environment=%s
log_level=info
`, opts.Environment)
}

func relayTemplate(opts InitOptions) string {
	prompts := "# prompts_file=config/prompts.yaml"
	if opts.WritePrompts {
		prompts = "prompts_file=" + filepath.Join(opts.Root, "config", "prompts.yaml")
	}
	return fmt.Sprintf(`# Environment specific overrides for %s
http_address=%s
allowed_origin=%s
provider=%s
model=%s
# The API key is read from OPENAI_API_KEY when unset here.
# openai_api_key=
%s
poll_interval=2s
ping_interval=15s
# 0 keeps a stream open until the client disconnects.
stream_timeout=0
session_ttl=10m
upstream_retries=2
rate_limit_rps=5
rate_limit_burst=10
# SQLite path or postgres:// DSN. Dash '-' disables the ledger.
ledger_path=%s
# Dash '-' disables file output.
log_file=logs/askrelayd.log
`, opts.Environment, opts.HTTPAddress, opts.AllowedOrigin, opts.Provider, opts.Model, prompts, opts.LedgerPath)
}

func promptsTemplate() string {
	return fmt.Sprintf(`default: legal
profiles:
  legal:
    system: %q
`, config.DefaultSystemPrompt)
}

// Validate ensures the options are usable without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	switch opts.Provider {
	case "openai", "loopback":
	default:
		return fmt.Errorf("unknown provider %q", opts.Provider)
	}
	u, err := url.Parse(opts.AllowedOrigin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("allowed origin must be an absolute URL such as https://localhost:3000")
	}
	if strings.ContainsAny(opts.Environment, `/\`) {
		return errors.New("environment must be a plain name")
	}
	return nil
}
