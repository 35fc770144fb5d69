// Package app wires Kizuna's components together from configuration and
// manages their lifecycle.
package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kizuna/common/crypto"
	"github.com/bdobrica/Kizuna/common/environment"
	"github.com/bdobrica/Kizuna/common/redact"
	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
	"github.com/bdobrica/Kizuna/internal/kizuna/store"
)

// Backend names accepted in configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"

	EmbedderHash   = "hash"
	EmbedderOpenAI = "openai"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderScripted  = "scripted"

	ArchiveDir = "dir"
	ArchiveS3  = "s3"
)

// Config holds application configuration. It is read from an optional YAML
// file and then overridden by KIZUNA_* environment variables.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Database   DatabaseConfig   `yaml:"database"`
	Buffer     BufferConfig     `yaml:"buffer"`
	LTM        LTMConfig        `yaml:"ltm"`
	LLM        LLMConfig        `yaml:"llm"`
	Synthesis  SynthesisConfig  `yaml:"synthesis"`
	Chat       ChatConfig       `yaml:"chat"`
	Moderation ModerationConfig `yaml:"moderation"`
	HTTP       HTTPConfig       `yaml:"http"`
	Matrix     MatrixConfig     `yaml:"matrix"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// DatabaseConfig selects the session and long-term memory database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// BufferConfig selects the short-term buffer backend.
type BufferConfig struct {
	Backend  string        `yaml:"backend"` // memory | redis
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
	Redis    RedisConfig   `yaml:"redis"`
}

// RedisConfig locates the Redis server backing the buffer.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LTMConfig selects the long-term store and its embedder.
type LTMConfig struct {
	Backend  string `yaml:"backend"` // sql | memory
	TopK     int    `yaml:"top_k"`
	Embedder string `yaml:"embedder"` // hash | openai

	EmbeddingModel   string `yaml:"embedding_model"`
	EmbeddingAPIKey  string `yaml:"embedding_api_key"`
	EmbeddingBaseURL string `yaml:"embedding_base_url"`
}

// LLMConfig selects the generation provider.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai | anthropic | scripted
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// SynthesisConfig decides when and with which model sessions are condensed.
type SynthesisConfig struct {
	Trigger   string        `yaml:"trigger"` // manual | scheduled | buffer_full
	Interval  time.Duration `yaml:"interval"`
	Threshold int           `yaml:"threshold"` // 0 follows buffer.capacity
	Model     string        `yaml:"model"`
}

// ChatConfig tunes turns.
type ChatConfig struct {
	TagCase        string   `yaml:"tag_case"` // preserve | lower
	MemoryTokens   int      `yaml:"memory_tokens"`
	CharacterFiles []string `yaml:"character_files"`
	// DefaultCharacter selects the character for sessions created without
	// one. Empty keeps the first character file, or the built-in default.
	DefaultCharacter string `yaml:"default_character"`
}

// ModerationConfig overrides the gate's word lists. Nil keeps the defaults.
type ModerationConfig struct {
	BlockedWords     []string `yaml:"blocked_words"`
	InjectionPhrases []string `yaml:"injection_phrases"`
}

// HTTPConfig configures the admin API. An empty Addr disables it.
type HTTPConfig struct {
	Addr        string        `yaml:"addr"`
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

// MatrixConfig configures the optional Matrix bridge.
type MatrixConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"access_token"`
	Rooms       []string `yaml:"rooms"`
	CharacterID string   `yaml:"character_id"`
}

// ArchiveConfig selects where session exports are written.
type ArchiveConfig struct {
	Backend  string `yaml:"backend"` // dir | s3
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// EncryptionKey is a 64-character hex AES-256 key. When set, exports
	// are sealed and stored with a ".enc" suffix.
	EncryptionKey string `yaml:"encryption_key"`
}

// DefaultConfig returns a configuration that runs fully offline: SQLite,
// in-process buffer, hash embeddings and the scripted provider.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Database:  DatabaseConfig{Driver: store.DriverSQLite, Path: "kizuna.db"},
		Buffer: BufferConfig{
			Backend:  BackendMemory,
			Capacity: memory.DefaultBufferCapacity,
			Redis:    RedisConfig{Addr: "localhost:6379", KeyPrefix: "kizuna"},
		},
		LTM: LTMConfig{
			Backend:  BackendSQL,
			TopK:     memory.DefaultTopK,
			Embedder: EmbedderHash,
		},
		LLM: LLMConfig{
			Provider:    ProviderScripted,
			MaxTokens:   1024,
			Temperature: 0.7,
			MaxAttempts: 3,
		},
		Synthesis: SynthesisConfig{
			Trigger:  string(memory.TriggerManual),
			Interval: 10 * time.Minute,
		},
		Chat: ChatConfig{
			TagCase:      string(state.TagCasePreserve),
			MemoryTokens: memory.DefaultMaxTokens,
		},
		HTTP:    HTTPConfig{Addr: ":8080", TurnTimeout: 2 * time.Minute},
		Archive: ArchiveConfig{Backend: ArchiveDir, Dir: "exports"},
	}
}

// LoadConfig reads path (when non-empty) over the defaults, applies
// environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KIZUNA_* environment variables. Unset
// variables leave the field untouched.
func (c *Config) ApplyEnv() {
	environment.OverrideString("LOG_LEVEL", &c.LogLevel)
	environment.OverrideString("LOG_FORMAT", &c.LogFormat)

	environment.OverrideString("KIZUNA_DATABASE_DRIVER", &c.Database.Driver)
	environment.OverrideString("KIZUNA_DATABASE_PATH", &c.Database.Path)
	environment.OverrideString("KIZUNA_POSTGRES_DSN", &c.Database.DSN)

	environment.OverrideString("KIZUNA_BUFFER_BACKEND", &c.Buffer.Backend)
	environment.OverrideInt("KIZUNA_BUFFER_CAPACITY", &c.Buffer.Capacity)
	environment.OverrideDuration("KIZUNA_BUFFER_TTL", &c.Buffer.TTL)
	environment.OverrideString("KIZUNA_REDIS_ADDR", &c.Buffer.Redis.Addr)
	environment.OverrideString("KIZUNA_REDIS_PASSWORD", &c.Buffer.Redis.Password)
	environment.OverrideInt("KIZUNA_REDIS_DB", &c.Buffer.Redis.DB)
	environment.OverrideString("KIZUNA_REDIS_KEY_PREFIX", &c.Buffer.Redis.KeyPrefix)

	environment.OverrideString("KIZUNA_LTM_BACKEND", &c.LTM.Backend)
	environment.OverrideInt("KIZUNA_LTM_TOP_K", &c.LTM.TopK)
	environment.OverrideString("KIZUNA_EMBEDDER", &c.LTM.Embedder)
	environment.OverrideString("KIZUNA_EMBEDDING_MODEL", &c.LTM.EmbeddingModel)
	environment.OverrideString("KIZUNA_EMBEDDING_API_KEY", &c.LTM.EmbeddingAPIKey)
	environment.OverrideString("KIZUNA_EMBEDDING_BASE_URL", &c.LTM.EmbeddingBaseURL)

	environment.OverrideString("KIZUNA_LLM_PROVIDER", &c.LLM.Provider)
	environment.OverrideString("KIZUNA_LLM_MODEL", &c.LLM.Model)
	environment.OverrideString("KIZUNA_LLM_API_KEY", &c.LLM.APIKey)
	environment.OverrideString("KIZUNA_LLM_BASE_URL", &c.LLM.BaseURL)
	environment.OverrideInt("KIZUNA_LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	environment.OverrideDuration("KIZUNA_LLM_TIMEOUT", &c.LLM.Timeout)
	environment.OverrideInt("KIZUNA_LLM_MAX_ATTEMPTS", &c.LLM.MaxAttempts)
	c.LLM.Temperature = environment.Float64Or("KIZUNA_LLM_TEMPERATURE", c.LLM.Temperature)

	environment.OverrideString("KIZUNA_SYNTH_TRIGGER", &c.Synthesis.Trigger)
	environment.OverrideDuration("KIZUNA_SYNTH_INTERVAL", &c.Synthesis.Interval)
	environment.OverrideInt("KIZUNA_SYNTH_THRESHOLD", &c.Synthesis.Threshold)
	environment.OverrideString("KIZUNA_SYNTH_MODEL", &c.Synthesis.Model)

	environment.OverrideString("KIZUNA_TAG_CASE", &c.Chat.TagCase)
	environment.OverrideInt("KIZUNA_MEMORY_TOKENS", &c.Chat.MemoryTokens)
	environment.OverrideStringSlice("KIZUNA_CHARACTER_FILE", &c.Chat.CharacterFiles)
	environment.OverrideString("KIZUNA_DEFAULT_CHARACTER", &c.Chat.DefaultCharacter)

	environment.OverrideStringSlice("KIZUNA_BLOCKED_WORDS", &c.Moderation.BlockedWords)

	environment.OverrideString("KIZUNA_HTTP_ADDR", &c.HTTP.Addr)
	environment.OverrideDuration("KIZUNA_TURN_TIMEOUT", &c.HTTP.TurnTimeout)

	environment.OverrideBool("KIZUNA_MATRIX_ENABLED", &c.Matrix.Enabled)
	environment.OverrideString("KIZUNA_MATRIX_HOMESERVER", &c.Matrix.Homeserver)
	environment.OverrideString("KIZUNA_MATRIX_USER_ID", &c.Matrix.UserID)
	environment.OverrideString("KIZUNA_MATRIX_ACCESS_TOKEN", &c.Matrix.AccessToken)
	environment.OverrideStringSlice("KIZUNA_MATRIX_ROOMS", &c.Matrix.Rooms)
	environment.OverrideString("KIZUNA_MATRIX_CHARACTER", &c.Matrix.CharacterID)

	environment.OverrideString("KIZUNA_ARCHIVE_BACKEND", &c.Archive.Backend)
	environment.OverrideString("KIZUNA_ARCHIVE_DIR", &c.Archive.Dir)
	environment.OverrideString("KIZUNA_ARCHIVE_BUCKET", &c.Archive.Bucket)
	environment.OverrideString("KIZUNA_ARCHIVE_PREFIX", &c.Archive.Prefix)
	environment.OverrideString("KIZUNA_ARCHIVE_REGION", &c.Archive.Region)
	environment.OverrideString("KIZUNA_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	environment.OverrideString("KIZUNA_ARCHIVE_KEY", &c.Archive.EncryptionKey)

	// The embedder falls back to the generation key so a single OpenAI key
	// serves both.
	if c.LTM.EmbeddingAPIKey == "" && c.LLM.Provider == ProviderOpenAI {
		c.LTM.EmbeddingAPIKey = c.LLM.APIKey
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch c.Database.Driver {
	case store.DriverSQLite:
		if c.Database.Path == "" {
			bad("database.path is required for sqlite")
		}
	case store.DriverPostgres:
		if c.Database.DSN == "" {
			bad("database.dsn is required for postgres")
		}
	default:
		bad("unknown database driver %q (want sqlite or postgres)", c.Database.Driver)
	}

	switch c.Buffer.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Buffer.Redis.Addr == "" {
			bad("buffer.redis.addr is required for the redis buffer")
		}
	default:
		bad("unknown buffer backend %q (want memory or redis)", c.Buffer.Backend)
	}
	if c.Buffer.Capacity <= 0 {
		bad("buffer.capacity must be positive, got %d", c.Buffer.Capacity)
	}

	if c.LTM.Backend != BackendSQL && c.LTM.Backend != BackendMemory {
		bad("unknown ltm backend %q (want sql or memory)", c.LTM.Backend)
	}
	if c.LTM.TopK <= 0 {
		bad("ltm.top_k must be positive, got %d", c.LTM.TopK)
	}
	switch c.LTM.Embedder {
	case EmbedderHash:
	case EmbedderOpenAI:
		if c.LTM.EmbeddingAPIKey == "" {
			bad("ltm.embedding_api_key is required for the openai embedder")
		}
	default:
		bad("unknown embedder %q (want hash or openai)", c.LTM.Embedder)
	}

	switch c.LLM.Provider {
	case ProviderScripted:
	case ProviderOpenAI, ProviderAnthropic:
		if c.LLM.APIKey == "" {
			bad("llm.api_key is required for the %s provider", c.LLM.Provider)
		}
	default:
		bad("unknown llm provider %q (want openai, anthropic or scripted)", c.LLM.Provider)
	}

	if _, err := memory.ParseTrigger(c.Synthesis.Trigger); err != nil {
		bad("synthesis.trigger: %v", err)
	}
	if c.Synthesis.Threshold < 0 {
		bad("synthesis.threshold must not be negative, got %d", c.Synthesis.Threshold)
	}
	if _, err := state.ParseTagCase(c.Chat.TagCase); err != nil {
		bad("chat.tag_case: %v", err)
	}

	if c.Matrix.Enabled && (c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "") {
		bad("matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled")
	}

	switch c.Archive.Backend {
	case ArchiveDir:
		if c.Archive.Dir == "" {
			bad("archive.dir is required for the dir archive")
		}
	case ArchiveS3:
		if c.Archive.Bucket == "" {
			bad("archive.bucket is required for the s3 archive")
		}
	default:
		bad("unknown archive backend %q (want dir or s3)", c.Archive.Backend)
	}
	if c.Archive.EncryptionKey != "" {
		if _, err := crypto.ParseKey(c.Archive.EncryptionKey); err != nil {
			bad("archive.encryption_key: %v", err)
		}
	}

	return errors.Join(errs...)
}

// SynthesisThreshold returns the number of committed turns that fires the
// buffer_full trigger: the configured threshold, or the buffer capacity so a
// synthesis covers exactly one full buffer.
func (c Config) SynthesisThreshold() int {
	if c.Synthesis.Threshold > 0 {
		return c.Synthesis.Threshold
	}
	return c.Buffer.Capacity
}

// ArchiveSealer returns the sealer for encrypted exports, or nil when no key
// is configured.
func (c Config) ArchiveSealer() (*crypto.Sealer, error) {
	if c.Archive.EncryptionKey == "" {
		return nil, nil
	}
	key, err := crypto.ParseKey(c.Archive.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return crypto.NewSealer(key)
}

// Redacted returns the configuration as YAML with secrets masked, suitable
// for printing.
func (c Config) Redacted() (string, error) {
	secrets := []string{c.LLM.APIKey, c.LTM.EmbeddingAPIKey, c.Buffer.Redis.Password, c.Matrix.AccessToken, c.Archive.EncryptionKey}
	c.LLM.APIKey = mask(c.LLM.APIKey)
	c.LTM.EmbeddingAPIKey = mask(c.LTM.EmbeddingAPIKey)
	c.Buffer.Redis.Password = mask(c.Buffer.Redis.Password)
	c.Matrix.AccessToken = mask(c.Matrix.AccessToken)
	c.Archive.EncryptionKey = mask(c.Archive.EncryptionKey)
	c.Database.DSN = redact.DSN(c.Database.DSN)

	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("config: marshal: %w", err)
	}
	return redact.String(string(out), secrets...), nil
}

func mask(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "[REDACTED]"
}
