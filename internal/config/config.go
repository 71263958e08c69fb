package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dohr-michael/studio/internal/protocol"
)

// Config is the root configuration for studio.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Session     SessionConfig     `json:"session"`
	Connection  ConnectionConfig  `json:"connection"`
	Approvals   ApprovalsConfig   `json:"approvals"`
	Cancel      CancelConfig      `json:"cancel"`
	Events      EventsConfig      `json:"events"`
	Storage     StorageConfig     `json:"storage"`
	Credentials CredentialsConfig `json:"credentials"`
}

// GatewayConfig holds the development gateway listen address.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SessionConfig selects the backend and the defaults of new sessions.
type SessionConfig struct {
	BaseURL   string `json:"base_url"`   // REST endpoint (default: the local gateway)
	SocketURL string `json:"socket_url"` // persistent socket (default: derived from base_url)
	ProjectID string `json:"project_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Mode      string `json:"mode"`      // "streaming" or "iterative"
	EditMode  string `json:"edit_mode"` // "ask", "allow" or "plan"
}

// ConnectionConfig tunes heartbeat and reconnect.
type ConnectionConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"`
	BaseDelay         Duration `json:"base_delay,omitempty"`
	MaxDelay          Duration `json:"max_delay,omitempty"`
	MaxAttempts       int      `json:"max_attempts,omitempty"`
	DialTimeout       Duration `json:"dial_timeout,omitempty"`
}

// ApprovalsConfig lists the write-class tool patterns (doublestar globs).
type ApprovalsConfig struct {
	WriteTools []string `json:"write_tools,omitempty"`
}

// CancelConfig sets the double-press window.
type CancelConfig struct {
	Window Duration `json:"window,omitempty"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"`
}

// StorageConfig locates the local archive and event journal.
type StorageConfig struct {
	SessionsDir    string `json:"sessions_dir"`
	JournalPath    string `json:"journal_path"`
	JournalEnabled *bool  `json:"journal_enabled,omitempty"`
}

// Journal reports whether the event journal is on (default true).
func (s StorageConfig) Journal() bool {
	return s.JournalEnabled == nil || *s.JournalEnabled
}

// CredentialsConfig resolves the bearer credential.
type CredentialsConfig struct {
	Token string `json:"token,omitempty"` // Direct token or ${{ .Env.VAR }} template
	File  string `json:"file"`            // age-encrypted token written by `studio login`
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if _, err := protocol.ParseMode(c.Session.Mode); err != nil {
		errs = append(errs, fmt.Errorf("session.mode: %w", err))
	}
	if _, err := protocol.ParseEditMode(c.Session.EditMode); err != nil {
		errs = append(errs, fmt.Errorf("session.edit_mode: %w", err))
	}
	if err := checkURL(c.Session.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("session.base_url: %w", err))
	}
	if err := checkURL(c.Session.SocketURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("session.socket_url: %w", err))
	}
	if c.Connection.MaxAttempts < 0 {
		errs = append(errs, errors.New("connection.max_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q: want a %v url", raw, schemes)
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
