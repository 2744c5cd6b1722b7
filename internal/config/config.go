// Package config loads agent settings from ecaci.yaml, the environment and
// command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read from the working directory when no --config is given.
const DefaultFile = "ecaci.yaml"

type Config struct {
	// Definition is the project definition file. Empty uses the built-in
	// definition.
	Definition    string        `yaml:"definition"`
	DataDir       string        `yaml:"dataDir"`
	WorkDir       string        `yaml:"workDir"`
	AgentID       string        `yaml:"agentId"`
	Listen        string        `yaml:"listen"`
	BaseURL       string        `yaml:"baseUrl"`
	WebhookSecret string        `yaml:"webhookSecret"`
	DSN           string        `yaml:"dsn"`
	QueueSize     int           `yaml:"queueSize"`
	Secrets       SecretsConfig `yaml:"secrets"`
	Log           LogConfig     `yaml:"log"`
}

// SecretsConfig locates the age encrypted credentials document.
type SecretsConfig struct {
	File     string `yaml:"file"`
	Identity string `yaml:"identity"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		DataDir:   ".ecaci",
		Listen:    ":8080",
		QueueSize: 64,
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// HistoryPath is the build ledger file.
func (c Config) HistoryPath() string { return filepath.Join(c.DataDir, "history.jsonl") }

// KeyPath is the agent's ed25519 key used to sign history records.
func (c Config) KeyPath() string { return filepath.Join(c.DataDir, "agent.key") }

// LogDir holds compressed step logs.
func (c Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }

// CheckoutDir is where build types are checked out.
func (c Config) CheckoutDir() string {
	if c.WorkDir != "" {
		return c.WorkDir
	}
	return filepath.Join(c.DataDir, "work")
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is only an error when it was named explicitly.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, err
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"ECACI_DEFINITION":       &c.Definition,
		"ECACI_DATA_DIR":         &c.DataDir,
		"ECACI_WORK_DIR":         &c.WorkDir,
		"ECACI_AGENT_ID":         &c.AgentID,
		"ECACI_LISTEN":           &c.Listen,
		"ECACI_BASE_URL":         &c.BaseURL,
		"ECACI_WEBHOOK_SECRET":   &c.WebhookSecret,
		"ECACI_SECRETS_FILE":     &c.Secrets.File,
		"ECACI_SECRETS_IDENTITY": &c.Secrets.Identity,
		"ECACI_LOG_LEVEL":        &c.Log.Level,
		"ECACI_LOG_FORMAT":       &c.Log.Format,
		"DATABASE_URL":           &c.DSN,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	// ECACI_DSN is more specific than DATABASE_URL.
	if v := getenv("ECACI_DSN"); v != "" {
		c.DSN = v
	}
	if port := getenv("PORT"); port != "" && getenv("ECACI_LISTEN") == "" {
		c.Listen = ":" + port
	}
	if v := getenv("ECACI_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ECACI_QUEUE_SIZE: %w", err)
		}
		c.QueueSize = n
	}
	return nil
}

// Flag names shared by every command.
const (
	FlagDefinition = "definition"
	FlagDataDir    = "data-dir"
	FlagWorkDir    = "work-dir"
	FlagAgentID    = "agent-id"
	FlagDSN        = "dsn"
	FlagLogLevel   = "log-level"
	FlagLogFormat  = "log-format"
	FlagSecrets    = "secrets"
	FlagIdentity   = "identity"
)

// RegisterFlags adds the override flags to flags. Their values only apply
// when set on the command line; see ApplyFlags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.StringP(FlagDefinition, "f", "", "project definition file (default: built-in definition)")
	flags.String(FlagDataDir, "", "directory for history and logs (default .ecaci)")
	flags.String(FlagWorkDir, "", "checkout directory (default <data-dir>/work)")
	flags.String(FlagAgentID, "", "agent name recorded on builds (default hostname)")
	flags.String(FlagDSN, "", "PostgreSQL DSN for the run store")
	flags.String(FlagLogLevel, "", "log level: debug, info, warn, error")
	flags.String(FlagLogFormat, "", "log format: text or json")
	flags.String(FlagSecrets, "", "age encrypted credentials file")
	flags.String(FlagIdentity, "", "age identity file used to decrypt --secrets")
}

// ApplyFlags copies the flags that were set on the command line.
func (c *Config) ApplyFlags(flags *pflag.FlagSet) error {
	dst := map[string]*string{
		FlagDefinition: &c.Definition,
		FlagDataDir:    &c.DataDir,
		FlagWorkDir:    &c.WorkDir,
		FlagAgentID:    &c.AgentID,
		FlagDSN:        &c.DSN,
		FlagLogLevel:   &c.Log.Level,
		FlagLogFormat:  &c.Log.Format,
		FlagSecrets:    &c.Secrets.File,
		FlagIdentity:   &c.Secrets.Identity,
	}
	for name, p := range dst {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

// Finalize fills derived values.
func (c *Config) Finalize() {
	if c.AgentID == "" {
		if h, err := os.Hostname(); err == nil {
			c.AgentID = h
		}
	}
}

// NewLogger builds the slog logger described by lc.
func NewLogger(lc LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", lc.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(lc.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
}
