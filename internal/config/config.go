package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the chat gateway.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Store   StoreConfig   `json:"store"`
	Chat    ChatConfig    `json:"chat"`
	Metrics MetricsConfig `json:"metrics"`
	Log     LogConfig     `json:"log"`
}

type ServerConfig struct {
	Host                string   `json:"host"`
	Port                int      `json:"port"`
	Path                string   `json:"path"`                     // WebSocket upgrade path
	AllowedOrigins      []string `json:"allowedOrigins,omitempty"` // empty allows any origin
	MaxFrameBytes       int64    `json:"maxFrameBytes"`
	WriteTimeoutSeconds int      `json:"writeTimeoutSeconds"`
	PongTimeoutSeconds  int      `json:"pongTimeoutSeconds"`
	PingIntervalSeconds int      `json:"pingIntervalSeconds"`
}

// AuthConfig configures verification of marketplace access tokens (HS256).
type AuthConfig struct {
	JWTSecret     string `json:"jwtSecret"`
	Issuer        string `json:"issuer,omitempty"`
	LeewaySeconds int    `json:"leewaySeconds"`
}

type StoreConfig struct {
	DBPath         string `json:"dbPath"`
	TimeoutSeconds int    `json:"timeoutSeconds"` // bound on each message store call
}

type ChatConfig struct {
	MaxContentLength   int  `json:"maxContentLength"`
	FramesPerMinute    int  `json:"framesPerMinute"` // 0 disables inbound rate limiting
	FrameBurst         int  `json:"frameBurst"`
	CacheConversations bool `json:"cacheConversations"`
}

// MetricsConfig configures the Prometheus endpoint on the gateway listener.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`         // "text" | "json"
	File   string `json:"file,omitempty"` // optional log file path
}

// StoreTimeout is the bound applied to every message store call.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutSeconds) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.marketchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".marketchat"
	}
	return filepath.Join(home, ".marketchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Environment variables that override file values when set.
const (
	EnvJWTSecret = "MARKETCHAT_JWT_SECRET"
	EnvPort      = "MARKETCHAT_PORT"
	EnvDBPath    = "MARKETCHAT_DB_PATH"
)

// Load reads a JSON or YAML config file. A .env file in the working directory
// or next to the config file is loaded first, without overriding variables
// that are already set, so it can feed ${VAR} references and overrides.
func Load(path string) (*Config, error) {
	return load(path, true)
}

// LoadForEdit is Load for commands that inspect or edit the file rather than
// serve from it: a JWT secret that still references an unset variable is
// kept as written instead of failing validation.
func LoadForEdit(path string) (*Config, error) {
	return load(path, false)
}

func load(path string, requireSecret bool) (*Config, error) {
	path = ExpandPath(path)

	if err := LoadDotEnv(".env", filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	return resolve(path, data, requireSecret)
}

// resolve turns raw file contents into a validated Config: env expansion,
// format decoding, MARKETCHAT_* overrides and ~ expansion.
func resolve(path string, data []byte, requireSecret bool) (*Config, error) {
	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	var err error
	if isYAML(path) {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	check := cfg
	if !requireSecret && envVarPattern.MatchString(cfg.Auth.JWTSecret) {
		c := *cfg
		c.Auth.JWTSecret = ""
		check = &c
	}
	if err := Validate(check); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// SetInFile changes one key in the config file at path. The rest of the
// document is written back as it was read: ${VAR} references, omitted keys
// and paths are not expanded, and environment overrides are not baked in.
// The edited document must still resolve to a valid config.
func SetInFile(path, key string, value any) error {
	path = ExpandPath(path)
	if err := LoadDotEnv(".env", filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	doc := map[string]any{}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	if err := setLeaf(doc, key, value); err != nil {
		return err
	}

	var out []byte
	if isYAML(path) {
		out, err = yaml.Marshal(doc)
	} else {
		out, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	if _, err := resolve(path, out, false); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return os.WriteFile(path, out, 0o600)
}

// LoadDotEnv loads each existing file with godotenv. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("cannot load env file %s: %w", p, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if def != "" {
			return def
		}
		return match
	})
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the json tags.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// Save writes cfg as JSON, or as YAML when path ends in .yaml or .yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		m, err := toMap(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	// The file may hold the JWT secret.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		errs = append(errs, "server.path must start with /")
	}
	if cfg.Server.MaxFrameBytes < 256 {
		errs = append(errs, "server.maxFrameBytes must be >= 256")
	}
	if cfg.Server.WriteTimeoutSeconds < 1 {
		errs = append(errs, "server.writeTimeoutSeconds must be >= 1")
	}
	if cfg.Server.PongTimeoutSeconds < 1 {
		errs = append(errs, "server.pongTimeoutSeconds must be >= 1")
	}
	if cfg.Server.PingIntervalSeconds < 1 || cfg.Server.PingIntervalSeconds >= cfg.Server.PongTimeoutSeconds {
		errs = append(errs, "server.pingIntervalSeconds must be >= 1 and less than pongTimeoutSeconds")
	}

	if s := cfg.Auth.JWTSecret; s != "" {
		if envVarPattern.MatchString(s) {
			errs = append(errs, fmt.Sprintf("auth.jwtSecret references an unset variable (%s)", s))
		} else if len(s) < 16 {
			errs = append(errs, "auth.jwtSecret must be at least 16 characters")
		}
	}
	if cfg.Auth.LeewaySeconds < 0 {
		errs = append(errs, "auth.leewaySeconds must be >= 0")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}
	if cfg.Store.TimeoutSeconds < 1 || cfg.Store.TimeoutSeconds > 300 {
		errs = append(errs, "store.timeoutSeconds must be between 1 and 300")
	}

	if cfg.Chat.MaxContentLength < 1 || cfg.Chat.MaxContentLength > 100000 {
		errs = append(errs, "chat.maxContentLength must be between 1 and 100000")
	}
	if cfg.Chat.FramesPerMinute < 0 {
		errs = append(errs, "chat.framesPerMinute must be >= 0")
	}
	if cfg.Chat.FramesPerMinute > 0 && cfg.Chat.FrameBurst < 1 {
		errs = append(errs, "chat.frameBurst must be >= 1 when rate limiting is enabled")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Endpoint == cfg.Server.Path {
		errs = append(errs, "metrics.endpoint must differ from server.path")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, "log.format must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
