package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const defaultConfigFile = "config.json"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	UserService UserServiceConfig         `json:"user_service"`
	Auth        AuthConfig                `json:"auth"`
	Speech      SpeechConfig              `json:"speech"`
	Chat        ChatConfig                `json:"chat"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Logging     LoggingConfig             `json:"logging"`
}

type BasicConfig struct {
	ServerAddress        string `json:"server_address"`
	StaticDir            string `json:"static_dir"`
	MediaDir             string `json:"media_dir"`
	Database             string `json:"database"`
	ReadTimeoutSeconds   int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds  int    `json:"write_timeout_seconds"`
	ShutdownTimeoutSecs  int    `json:"shutdown_timeout_seconds"`
	MinWorkers           int    `json:"min_workers"`
	MaxWorkers           int    `json:"max_workers"`
	QueueSize            int    `json:"queue_size"`
	WorkerIdleTimeoutSec int    `json:"worker_idle_timeout_seconds"`
	AllowedOrigins       string `json:"allowed_origins"`
}

// UserServiceConfig points at the remote service of record for users.
type UserServiceConfig struct {
	BaseURL         string `json:"base_url"`
	UserPath        string `json:"user_path"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	IndexTTLSeconds int    `json:"index_ttl_seconds"`
}

type AuthConfig struct {
	Secret             string `json:"secret"`
	Algorithm          string `json:"algorithm"`
	TokenExpireMinutes int    `json:"token_expire_minutes"`
	BcryptRounds       int    `json:"bcrypt_rounds"`
}

type SpeechConfig struct {
	CredentialsFile         string  `json:"credentials_file"`
	SynthesisLanguage       string  `json:"synthesis_language"`
	Voice                   string  `json:"voice"`
	SpeakingRate            float64 `json:"speaking_rate"`
	RecognitionLanguage     string  `json:"recognition_language"`
	RecognitionModel        string  `json:"recognition_model"`
	SampleRateHertz         int32   `json:"sample_rate_hertz"`
	ChannelCount            int32   `json:"channel_count"`
	RecognizeTimeoutSeconds int     `json:"recognize_timeout_seconds"`
}

type ChatConfig struct {
	Provider           string `json:"provider"`
	Model              string `json:"model"`
	SystemPrompt       string `json:"system_prompt"`
	SessionIdleMinutes int    `json:"session_idle_minutes"`
	MaxHistory         int    `json:"max_history"`
}

type ProviderConfig struct {
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	Project  string `json:"project"`
	Location string `json:"location"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

// RedisConfig is optional; an empty host disables redis and every consumer falls back
// to its in-process implementation.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LoggingConfig struct {
	Level         string `json:"level"`
	Format        string `json:"format"`
	IncludeCaller bool   `json:"include_caller"`
}

// Load reads configuration from the provided path (defaults to config.json), then applies
// environment overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = defaultConfigFile
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		cfg.resolvePaths(filepath.Dir(absPath))
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when neither file nor environment says otherwise.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:        ":8090",
			StaticDir:            "./static",
			MediaDir:             "./static/media/audio",
			Database:             "sqlite3",
			ReadTimeoutSeconds:   30,
			WriteTimeoutSeconds:  150,
			ShutdownTimeoutSecs:  15,
			MinWorkers:           2,
			MaxWorkers:           8,
			QueueSize:            64,
			WorkerIdleTimeoutSec: 60,
		},
		UserService: UserServiceConfig{
			TimeoutSeconds:  10,
			IndexTTLSeconds: 300,
		},
		Auth: AuthConfig{
			Algorithm:          "HS256",
			TokenExpireMinutes: 30,
			BcryptRounds:       bcrypt.DefaultCost,
		},
		Speech: SpeechConfig{
			SynthesisLanguage:       "es-US",
			Voice:                   "es-US-Studio-B",
			SpeakingRate:            1,
			RecognitionLanguage:     "es-419",
			RecognitionModel:        "default",
			SampleRateHertz:         24000,
			ChannelCount:            1,
			RecognizeTimeoutSeconds: 90,
		},
		Chat: ChatConfig{
			Provider:           "gemini",
			SessionIdleMinutes: 30,
			MaxHistory:         40,
		},
		Providers: map[string]ProviderConfig{},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "./data/collectbot.db"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) resolvePaths(baseDir string) {
	for _, p := range []*string{&c.BasicConfig.StaticDir, &c.BasicConfig.MediaDir, &c.Speech.CredentialsFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	if db, ok := c.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(baseDir, db.DSN)
		c.Databases["sqlite3"] = db
	}
}

// applyEnv lets the deployment environment (usually a .env file) override file values.
// The variable names are the ones the service has always been deployed with.
func (c *Config) applyEnv() error {
	setString(&c.Auth.Secret, "SECRET")
	setString(&c.Auth.Algorithm, "ALGORITHM")
	if err := setInt(&c.Auth.TokenExpireMinutes, "ACCESS_TOKEN_EXPIRE_MINUTES"); err != nil {
		return err
	}
	if err := setInt(&c.Auth.BcryptRounds, "BCRYPT_ROUNDS"); err != nil {
		return err
	}
	setString(&c.UserService.BaseURL, "DB_ENDPOINT")
	setString(&c.UserService.UserPath, "DB_USER_ENDPOINT")
	setString(&c.Speech.CredentialsFile, "GOOGLE_APPLICATION_VERTEX_AI_CREDENTIALS")
	setString(&c.BasicConfig.ServerAddress, "COLLECTBOT_ADDR")
	setString(&c.BasicConfig.Database, "COLLECTBOT_DB")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")

	gemini := c.Providers["gemini"]
	setString(&gemini.Project, "GOOGLE_PROJECT_ID")
	setString(&gemini.Location, "GOOGLE_LOCATION")
	setString(&gemini.Model, "GOOGLE_MODEL_ID")
	setString(&gemini.APIKey, "GEMINI_API_KEY")
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	c.Providers["gemini"] = gemini
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("auth secret must be configured (SECRET)")
	}
	switch c.Auth.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported token algorithm %q", c.Auth.Algorithm)
	}
	if c.Auth.BcryptRounds < bcrypt.MinCost || c.Auth.BcryptRounds > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt rounds %d out of range [%d,%d]", c.Auth.BcryptRounds, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.Auth.TokenExpireMinutes <= 0 {
		return errors.New("token expiry must be positive")
	}
	if strings.TrimSpace(c.UserService.BaseURL) == "" {
		return errors.New("user service endpoint must be configured (DB_ENDPOINT)")
	}
	return nil
}

// UserEndpoint is the collection URL of the remote user service.
func (c *Config) UserEndpoint() string {
	return strings.TrimRight(c.UserService.BaseURL, "/") + c.UserService.UserPath
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	// float minutes were accepted historically; keep the integer part
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = int(f)
		return nil
	}
	return fmt.Errorf("invalid %s value %q", key, v)
}
