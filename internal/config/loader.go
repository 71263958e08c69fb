package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"

	"github.com/tailscale/hujson"

	"github.com/dohr-michael/studio/internal/conn"
	"github.com/dohr-michael/studio/internal/execution"
	"github.com/dohr-michael/studio/internal/protocol"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = []byte("{}")
	}
	return Parse(data)
}

// Parse decodes JSONC config bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variable templates (before standardizing, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18420
	}
	if cfg.Session.BaseURL == "" {
		cfg.Session.BaseURL = "http://" + cfg.Gateway.Host + ":" + strconv.Itoa(cfg.Gateway.Port)
	}
	if cfg.Session.SocketURL == "" {
		cfg.Session.SocketURL = socketURL(cfg.Session.BaseURL)
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = string(protocol.ModeStreaming)
	}
	if cfg.Session.EditMode == "" {
		cfg.Session.EditMode = string(protocol.EditModeAsk)
	}

	if cfg.Connection.HeartbeatInterval == 0 {
		cfg.Connection.HeartbeatInterval = Duration(conn.DefaultHeartbeatInterval)
	}
	if cfg.Connection.BaseDelay == 0 {
		cfg.Connection.BaseDelay = Duration(conn.DefaultBaseDelay)
	}
	if cfg.Connection.MaxDelay == 0 {
		cfg.Connection.MaxDelay = Duration(conn.DefaultMaxDelay)
	}
	if cfg.Connection.MaxAttempts == 0 {
		cfg.Connection.MaxAttempts = conn.DefaultMaxAttempts
	}
	if cfg.Connection.DialTimeout == 0 {
		cfg.Connection.DialTimeout = Duration(conn.DefaultDialTimeout)
	}
	if cfg.Cancel.Window == 0 {
		cfg.Cancel.Window = Duration(execution.DefaultCancelWindow)
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogLevel == "" {
		cfg.Events.LogLevel = "info"
	}
	if cfg.Storage.SessionsDir == "" {
		cfg.Storage.SessionsDir = SessionsPath()
	}
	if cfg.Storage.JournalPath == "" {
		cfg.Storage.JournalPath = JournalPath()
	}
	if cfg.Credentials.File == "" {
		cfg.Credentials.File = CredentialsPath()
	}
	// Write tools stay empty: approval.DefaultWriteTools applies.
}

// socketURL derives the socket endpoint from the REST base url.
func socketURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = protocol.SocketPath
	return u.String()
}
