package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	AuthModeOptional = "optional"
	AuthModeRequired = "required"

	UnknownConversationCreate = "create"
	UnknownConversationReject = "reject"
)

type Config struct {
	ServerPort     string
	FrontendOrigin string
	// TrustedProxies lists the proxy IPs or CIDRs whose forwarding headers are honoured.
	// Empty means client addresses come from the connection alone.
	TrustedProxies []string
	JWTSecret      string
	TokenTTL       time.Duration
	StoreDriver    string
	Postgres       PostgresConfig
	Mongo          MongoConfig
	Redis          RedisConfig
	Logging        LoggingConfig
	Generation     GenerationConfig
	Chat           ChatConfig
}

type PostgresConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	Transactions   bool
}

// RedisConfig backs the guest quota. An empty Addr disables the quota.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	GuestLimit  int
	GuestWindow time.Duration
	DialTimeout time.Duration
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

type GenerationConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
	FewShot  bool
}

type ChatConfig struct {
	AuthMode            string
	UnknownConversation string
	HistoryLimit        int
}

var envBindings = map[string][]string{
	"server.port":                {"PORT"},
	"server.frontend_origin":     {"FRONTEND_URL"},
	"server.trusted_proxies":     {"TRUSTED_PROXIES"},
	"auth.jwt_secret":            {"JWT_SECRET"},
	"auth.token_ttl":             {"JWT_TTL"},
	"store.driver":               {"STORE_DRIVER"},
	"postgres.dsn":               {"POSTGRES_DSN", "DATABASE_URL"},
	"postgres.max_conns":         {"POSTGRES_MAX_CONNS"},
	"postgres.min_conns":         {"POSTGRES_MIN_CONNS"},
	"postgres.max_conn_lifetime": {"POSTGRES_MAX_CONN_LIFETIME"},
	"postgres.max_conn_idle":     {"POSTGRES_MAX_CONN_IDLE"},
	"postgres.health_check":      {"POSTGRES_HEALTH_CHECK_PERIOD"},
	"postgres.connect_timeout":   {"POSTGRES_CONNECT_TIMEOUT"},
	"mongo.uri":                  {"MONGODB_URI", "MONGO_URI"},
	"mongo.database":             {"MONGODB_DATABASE", "MONGO_DATABASE"},
	"mongo.connect_timeout":      {"MONGO_CONNECT_TIMEOUT"},
	"mongo.transactions":         {"MONGO_TRANSACTIONS"},
	"redis.addr":                 {"REDIS_ADDR"},
	"redis.password":             {"REDIS_PASSWORD"},
	"redis.db":                   {"REDIS_DB"},
	"redis.guest_limit":          {"GUEST_MESSAGE_LIMIT"},
	"redis.guest_window":         {"GUEST_MESSAGE_WINDOW"},
	"redis.dial_timeout":         {"REDIS_DIAL_TIMEOUT"},
	"log.level":                  {"LOG_LEVEL"},
	"log.encoding":               {"LOG_ENCODING"},
	"log.development":            {"LOG_DEVELOPMENT"},
	"log.caller":                 {"LOG_CALLER"},
	"log.service_name":           {"SERVICE_NAME"},
	"generation.provider":        {"GENERATION_PROVIDER"},
	"generation.api_key":         {"GEMINI_API_KEY", "GENERATION_API_KEY"},
	"generation.model":           {"GEMINI_MODEL", "GENERATION_MODEL"},
	"generation.base_url":        {"GENERATION_BASE_URL"},
	"generation.timeout":         {"GENERATION_TIMEOUT"},
	"generation.few_shot":        {"GENERATION_FEW_SHOT"},
	"chat.auth_mode":             {"CHAT_AUTH_MODE"},
	"chat.unknown_conversation":  {"CHAT_UNKNOWN_CONVERSATION"},
	"chat.history_limit":         {"CHAT_HISTORY_LIMIT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5000")
	v.SetDefault("server.frontend_origin", "http://localhost:5173")
	v.SetDefault("auth.token_ttl", "168h")
	v.SetDefault("store.driver", StoreMongo)
	v.SetDefault("postgres.max_conns", 8)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conn_lifetime", "1h")
	v.SetDefault("postgres.max_conn_idle", "30m")
	v.SetDefault("postgres.health_check", "1m")
	v.SetDefault("postgres.connect_timeout", "5s")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "perps_chat")
	v.SetDefault("mongo.connect_timeout", "5s")
	v.SetDefault("mongo.transactions", false)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.guest_limit", 20)
	v.SetDefault("redis.guest_window", "1h")
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", false)
	v.SetDefault("log.caller", false)
	v.SetDefault("log.service_name", "perps-chat-server")
	v.SetDefault("generation.provider", ProviderGemini)
	v.SetDefault("generation.timeout", "30s")
	v.SetDefault("generation.few_shot", false)
	v.SetDefault("chat.auth_mode", AuthModeOptional)
	v.SetDefault("chat.unknown_conversation", UnknownConversationCreate)
	v.SetDefault("chat.history_limit", 10)
}

// LoadEnvFiles loads .env into the process environment. A missing file is not an error
// so variables can be supplied externally.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	return nil
}

// LoadConfig reads defaults, an optional CONFIG_FILE and the environment, in increasing
// order of precedence.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if err := v.BindEnv("config_file", "CONFIG_FILE"); err != nil {
		return nil, fmt.Errorf("config: bind config_file: %w", err)
	}
	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		ServerPort:     strings.TrimSpace(v.GetString("server.port")),
		FrontendOrigin: strings.TrimRight(strings.TrimSpace(v.GetString("server.frontend_origin")), "/"),
		TrustedProxies: splitList(v.GetStringSlice("server.trusted_proxies")),
		JWTSecret:      strings.TrimSpace(v.GetString("auth.jwt_secret")),
		TokenTTL:       v.GetDuration("auth.token_ttl"),
		StoreDriver:    strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
		Postgres: PostgresConfig{
			DSN:               strings.TrimSpace(v.GetString("postgres.dsn")),
			MaxConns:          v.GetInt32("postgres.max_conns"),
			MinConns:          v.GetInt32("postgres.min_conns"),
			MaxConnLifetime:   v.GetDuration("postgres.max_conn_lifetime"),
			MaxConnIdleTime:   v.GetDuration("postgres.max_conn_idle"),
			HealthCheckPeriod: v.GetDuration("postgres.health_check"),
			ConnectTimeout:    v.GetDuration("postgres.connect_timeout"),
		},
		Mongo: MongoConfig{
			URI:            strings.TrimSpace(v.GetString("mongo.uri")),
			Database:       strings.TrimSpace(v.GetString("mongo.database")),
			ConnectTimeout: v.GetDuration("mongo.connect_timeout"),
			Transactions:   v.GetBool("mongo.transactions"),
		},
		Redis: RedisConfig{
			Addr:        strings.TrimSpace(v.GetString("redis.addr")),
			Password:    v.GetString("redis.password"),
			DB:          v.GetInt("redis.db"),
			GuestLimit:  v.GetInt("redis.guest_limit"),
			GuestWindow: v.GetDuration("redis.guest_window"),
			DialTimeout: v.GetDuration("redis.dial_timeout"),
		},
		Logging: LoggingConfig{
			Level:        strings.ToLower(v.GetString("log.level")),
			Encoding:     strings.ToLower(v.GetString("log.encoding")),
			Development:  v.GetBool("log.development"),
			EnableCaller: v.GetBool("log.caller"),
			ServiceName:  strings.TrimSpace(v.GetString("log.service_name")),
		},
		Generation: GenerationConfig{
			Provider: strings.ToLower(strings.TrimSpace(v.GetString("generation.provider"))),
			APIKey:   strings.TrimSpace(v.GetString("generation.api_key")),
			Model:    strings.TrimSpace(v.GetString("generation.model")),
			BaseURL:  strings.TrimRight(strings.TrimSpace(v.GetString("generation.base_url")), "/"),
			Timeout:  v.GetDuration("generation.timeout"),
			FewShot:  v.GetBool("generation.few_shot"),
		},
		Chat: ChatConfig{
			AuthMode:            strings.ToLower(strings.TrimSpace(v.GetString("chat.auth_mode"))),
			UnknownConversation: strings.ToLower(strings.TrimSpace(v.GetString("chat.unknown_conversation"))),
			HistoryLimit:        v.GetInt("chat.history_limit"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// splitList accepts both a YAML list and a comma separated environment value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	problems := make([]string, 0, 4)

	if c.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	}

	switch c.StoreDriver {
	case StoreMongo:
		if c.Mongo.URI == "" {
			problems = append(problems, "MONGODB_URI is required for the mongo store")
		}
	case StorePostgres:
		if c.Postgres.DSN == "" {
			problems = append(problems, "POSTGRES_DSN is required for the postgres store")
		}
	case StoreMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.Generation.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		problems = append(problems, fmt.Sprintf("unknown GENERATION_PROVIDER %q", c.Generation.Provider))
	}

	switch c.Chat.AuthMode {
	case AuthModeOptional, AuthModeRequired:
	default:
		problems = append(problems, fmt.Sprintf("unknown CHAT_AUTH_MODE %q", c.Chat.AuthMode))
	}

	switch c.Chat.UnknownConversation {
	case UnknownConversationCreate, UnknownConversationReject:
	default:
		problems = append(problems, fmt.Sprintf("unknown CHAT_UNKNOWN_CONVERSATION %q", c.Chat.UnknownConversation))
	}

	if c.Chat.HistoryLimit <= 0 {
		problems = append(problems, "CHAT_HISTORY_LIMIT must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}

	return nil
}
