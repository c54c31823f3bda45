package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Environment string
	ServerPort  int
	LogLevel    string
	RedisURL    string

	// ApplicationName is the tenant every store instance is scoped to.
	ApplicationName string

	Database DatabaseConfig
	Policy   Policy
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Policy holds the membership policy settings consulted by the stores.
type Policy struct {
	PasswordFormat string // clear | hashed | encrypted

	MinRequiredPasswordLength  int
	MinRequiredNonAlphanumeric int
	PasswordStrengthRegex      string

	MaxInvalidPasswordAttempts int
	PasswordAttemptWindow      time.Duration

	EnablePasswordRetrieval   bool
	EnablePasswordReset       bool
	RequiresQuestionAndAnswer bool
	RequiresUniqueEmail       bool

	// GeneratedPasswordLength is the minimum length of passwords produced by
	// ResetPassword; the effective length is never below
	// MinRequiredPasswordLength.
	GeneratedPasswordLength int

	// UserIsOnlineWindow bounds how recent lastActivityAt must be for a user
	// to count as online.
	UserIsOnlineWindow time.Duration

	// CommandTimeout bounds every store operation; the transaction is rolled
	// back when it elapses.
	CommandTimeout time.Duration

	// EncryptionKey is the platform key material for the encrypted format,
	// base64 encoded. Required only when PasswordFormat is "encrypted".
	EncryptionKey []byte

	// ValidatePassword, when set, is invoked with every plaintext password
	// before it is accepted and may veto the operation by returning an error.
	ValidatePassword func(ctx context.Context, userName, password string, isNewUser bool) error
}

// Load reads configuration from environment variables. A .env file in the
// working directory is merged in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := intEnv("SERVER_PORT", 8080)
	if err != nil {
		return nil, err
	}

	db, err := loadDatabase()
	if err != nil {
		return nil, err
	}

	policy, err := loadPolicy()
	if err != nil {
		return nil, err
	}

	return &Config{
		Environment:     getEnv("ENVIRONMENT", "development"),
		ServerPort:      port,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		RedisURL:        getEnv("REDIS_URL", ""),
		ApplicationName: getEnv("APPLICATION_NAME", "/"),
		Database:        db,
		Policy:          policy,
	}, nil
}

func loadDatabase() (DatabaseConfig, error) {
	port, err := intEnv("DB_PORT", 5432)
	if err != nil {
		return DatabaseConfig{}, err
	}
	maxOpen, err := intEnv("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return DatabaseConfig{}, err
	}
	maxIdle, err := intEnv("DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return DatabaseConfig{}, err
	}
	lifetime, err := minutesEnv("DB_CONN_MAX_LIFETIME_MINUTES", 5)
	if err != nil {
		return DatabaseConfig{}, err
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnv("DB_USER", "memberstore"),
		Password:        getEnv("DB_PASSWORD", "dev"),
		Database:        getEnv("DB_NAME", "memberstore"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: lifetime,
	}, nil
}

func loadPolicy() (Policy, error) {
	format := strings.ToLower(getEnv("PASSWORD_FORMAT", "hashed"))
	switch format {
	case "clear", "hashed", "encrypted":
	default:
		return Policy{}, fmt.Errorf("invalid PASSWORD_FORMAT: %q", format)
	}

	minLength, err := intEnv("MIN_REQUIRED_PASSWORD_LENGTH", 7)
	if err != nil {
		return Policy{}, err
	}
	if minLength < 1 || minLength > 128 {
		return Policy{}, fmt.Errorf("MIN_REQUIRED_PASSWORD_LENGTH must be between 1 and 128")
	}

	minNonAlnum, err := intEnv("MIN_REQUIRED_NONALPHANUMERIC", 1)
	if err != nil {
		return Policy{}, err
	}
	if minNonAlnum < 0 || minNonAlnum > minLength {
		return Policy{}, fmt.Errorf("MIN_REQUIRED_NONALPHANUMERIC must be between 0 and the minimum length")
	}

	maxAttempts, err := intEnv("MAX_INVALID_PASSWORD_ATTEMPTS", 5)
	if err != nil {
		return Policy{}, err
	}
	if maxAttempts < 1 {
		return Policy{}, fmt.Errorf("MAX_INVALID_PASSWORD_ATTEMPTS must be at least 1")
	}

	window, err := minutesEnv("PASSWORD_ATTEMPT_WINDOW_MINUTES", 10)
	if err != nil {
		return Policy{}, err
	}
	onlineWindow, err := minutesEnv("USER_IS_ONLINE_WINDOW_MINUTES", 15)
	if err != nil {
		return Policy{}, err
	}
	generated, err := intEnv("GENERATED_PASSWORD_LENGTH", 14)
	if err != nil {
		return Policy{}, err
	}
	timeoutSecs, err := intEnv("COMMAND_TIMEOUT_SECONDS", 30)
	if err != nil {
		return Policy{}, err
	}

	var key []byte
	if raw := os.Getenv("ENCRYPTION_KEY"); raw != "" {
		key, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
		}
	}
	if format == "encrypted" && len(key) == 0 {
		return Policy{}, fmt.Errorf("ENCRYPTION_KEY is required when PASSWORD_FORMAT is encrypted")
	}

	return Policy{
		PasswordFormat:             format,
		MinRequiredPasswordLength:  minLength,
		MinRequiredNonAlphanumeric: minNonAlnum,
		PasswordStrengthRegex:      getEnv("PASSWORD_STRENGTH_REGEX", ""),
		MaxInvalidPasswordAttempts: maxAttempts,
		PasswordAttemptWindow:      window,
		EnablePasswordRetrieval:    boolEnv("ENABLE_PASSWORD_RETRIEVAL", false),
		EnablePasswordReset:        boolEnv("ENABLE_PASSWORD_RESET", true),
		RequiresQuestionAndAnswer:  boolEnv("REQUIRES_QUESTION_AND_ANSWER", false),
		RequiresUniqueEmail:        boolEnv("REQUIRES_UNIQUE_EMAIL", true),
		GeneratedPasswordLength:    generated,
		UserIsOnlineWindow:         onlineWindow,
		CommandTimeout:             time.Duration(timeoutSecs) * time.Second,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func minutesEnv(key string, defaultValue int) (time.Duration, error) {
	v, err := intEnv(key, defaultValue)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Minute, nil
}

func boolEnv(key string, defaultValue bool) bool {
	raw := strings.ToLower(os.Getenv(key))
	switch raw {
	case "":
		return defaultValue
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
