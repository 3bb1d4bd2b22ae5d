package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

type Config struct {
	ServiceName string `env:"SERVICE_NAME" validate:"required"`
	LogLevel    string `env:"LOG_LEVEL"`
	Region      string `env:"AWS_REGION"`
	// StoreBackend "memory" keeps every table in process and wraps data keys
	// with a per-process key instead of KMS. Local runs only.
	StoreBackend string `env:"STORE_BACKEND" validate:"oneof=dynamodb memory"`

	IdPName          string   `env:"OIDC_IDP_NAME" validate:"required"`
	IssuerURL        string   `env:"OIDC_ISSUER_URL" validate:"required,url"`
	AuthURL          string   `env:"OIDC_AUTH_URL" validate:"omitempty,url"`
	TokenURL         string   `env:"OIDC_TOKEN_URL" validate:"omitempty,url"`
	ClientID         string   `env:"OIDC_CLIENT_ID" validate:"required"`
	ClientSecretName string   `env:"OIDC_CLIENT_SECRET_NAME" validate:"required"`
	RedirectURL      string   `env:"OIDC_REDIRECT_URL" validate:"required,url"`
	Scopes           []string `env:"OIDC_SCOPES" validate:"min=1"`

	KMSKeyARN       string        `env:"KMS_KEY_ARN" validate:"required_if=StoreBackend dynamodb"`
	RoleARN         string        `env:"Q_USER_API_ROLE_ARN" validate:"required"`
	IDCAppARN       string        `env:"GATEWAY_IDC_APP_ARN" validate:"required"`
	StateTTL        time.Duration `env:"STATE_TTL" validate:"gt=0"`
	SessionDuration time.Duration `env:"SESSION_DURATION" validate:"gt=0"`

	StateTable        string `env:"OIDC_STATE_TABLE_NAME" validate:"required"`
	SessionTable      string `env:"IAM_SESSION_TABLE_NAME" validate:"required"`
	CacheTable        string `env:"CACHE_TABLE_NAME" validate:"required"`
	MessageTable      string `env:"MESSAGE_METADATA_TABLE_NAME" validate:"required"`
	ContextDaysToLive int    `env:"CONTEXT_DAYS_TO_LIVE" validate:"min=1"`

	AssistantAppID     string `env:"AMAZON_Q_APP_ID" validate:"required"`
	AssistantRegion    string `env:"AMAZON_Q_REGION" validate:"required"`
	AssistantEndpoint  string `env:"AMAZON_Q_ENDPOINT" validate:"omitempty,url"`
	AssistantCacheSize int    `env:"ASSISTANT_CLIENT_CACHE_SIZE" validate:"min=1"`
}

// Load reads configuration from the environment, after applying a .env file
// from the working directory when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	var errs []error
	cfg := &Config{
		ServiceName:  getEnv("SERVICE_NAME", "qteams-bridge"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Region:       getEnv("AWS_REGION", ""),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendDynamoDB)),

		IdPName:          getEnv("OIDC_IDP_NAME", ""),
		IssuerURL:        getEnv("OIDC_ISSUER_URL", ""),
		AuthURL:          getEnv("OIDC_AUTH_URL", ""),
		TokenURL:         getEnv("OIDC_TOKEN_URL", ""),
		ClientID:         getEnv("OIDC_CLIENT_ID", ""),
		ClientSecretName: getEnv("OIDC_CLIENT_SECRET_NAME", ""),
		RedirectURL:      getEnv("OIDC_REDIRECT_URL", ""),
		Scopes:           strings.Fields(getEnv("OIDC_SCOPES", "openid email")),

		KMSKeyARN:       getEnv("KMS_KEY_ARN", ""),
		RoleARN:         getEnv("Q_USER_API_ROLE_ARN", ""),
		IDCAppARN:       getEnv("GATEWAY_IDC_APP_ARN", ""),
		StateTTL:        envDuration("STATE_TTL", 5*time.Minute, &errs),
		SessionDuration: envDuration("SESSION_DURATION", time.Hour, &errs),

		StateTable:        getEnv("OIDC_STATE_TABLE_NAME", ""),
		SessionTable:      getEnv("IAM_SESSION_TABLE_NAME", ""),
		CacheTable:        getEnv("CACHE_TABLE_NAME", ""),
		MessageTable:      getEnv("MESSAGE_METADATA_TABLE_NAME", ""),
		ContextDaysToLive: envInt("CONTEXT_DAYS_TO_LIVE", 0, &errs),

		AssistantAppID:     getEnv("AMAZON_Q_APP_ID", ""),
		AssistantRegion:    getEnv("AMAZON_Q_REGION", ""),
		AssistantEndpoint:  getEnv("AMAZON_Q_ENDPOINT", ""),
		AssistantCacheSize: envInt("ASSISTANT_CLIENT_CACHE_SIZE", 256, &errs),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg and reports failing settings by environment variable name.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("env")
	})
	err := v.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: validate: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid settings: %s", strings.Join(msgs, ", "))
}

func (c *Config) MemoryBackend() bool {
	return c.StoreBackend == BackendMemory
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, def int, errs *[]error) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}
