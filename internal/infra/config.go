package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации агента и консоли.
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Executors ExecutorsConfig `mapstructure:"executors"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Health    HealthConfig    `mapstructure:"health"`
	Console   ConsoleConfig   `mapstructure:"console"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AgentConfig — идентичность процесса. ID уникален среди агентов одного хранилища.
type AgentConfig struct {
	ID      string `mapstructure:"id"`
	DataDir string `mapstructure:"data_dir"` // Журналы ошибок, аудита, платежей
}

// StoreConfig выбирает бэкенд хранилища записей.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // fs, redis, sqlite, postgres, memory
	Path    string `mapstructure:"path"`    // Корень для fs, файл для sqlite
}

// RedisConfig описывает подключение к Redis (хранилище, паузы, блокировка синхронизации).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// EngineConfig — координатор и уборщик зависших захватов.
type EngineConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ClaimTimeout   time.Duration `mapstructure:"claim_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	Watch          bool          `mapstructure:"watch"` // fsnotify-пробуждение для fs-бэкенда
}

type ApprovalConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ExpiryInterval  time.Duration `mapstructure:"expiry_interval"`
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`
	AmountThreshold float64       `mapstructure:"amount_threshold"`
	Irreversible    []string      `mapstructure:"irreversible"`
}

// ExecutorsConfig: куда уходят одобренные действия.
type ExecutorsConfig struct {
	DryRun   bool              `mapstructure:"dry_run"`
	Webhooks map[string]string `mapstructure:"webhooks"` // тип действия -> URL
	Token    string            `mapstructure:"token"`
	RPS      float64           `mapstructure:"rps"`
	Burst    int               `mapstructure:"burst"`
	Attempts uint              `mapstructure:"attempts"`

	// Настройки Circuit Breaker для внешних исполнителей
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

type RecoveryConfig struct {
	Retries      int           `mapstructure:"retries"`
	Backoff      float64       `mapstructure:"backoff"`
	Unit         time.Duration `mapstructure:"unit"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

type AuditConfig struct {
	Backend       string        `mapstructure:"backend"` // file, postgres
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type SyncConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Remote   string        `mapstructure:"remote"` // redis, postgres
	Interval time.Duration `mapstructure:"interval"`
	Writer   string        `mapstructure:"writer"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type HealthConfig struct {
	Interval  time.Duration     `mapstructure:"interval"`
	GRPCAddr  string            `mapstructure:"grpc_addr"`
	GRPCToken string            `mapstructure:"grpc_token"`
	Endpoints map[string]string `mapstructure:"endpoints"` // имя -> URL /health
}

// ConsoleConfig описывает HTTP-сервер консоли оператора.
type ConsoleConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Операторы: логин -> bcrypt-хэш пароля
	Operators map[string]string `mapstructure:"operators"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // Пусто — метрики не экспортируются
}

// LoadConfig объединяет значения из файла, ENV и дефолтов.
// С пустым path файл ищется как config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает файл: AGENT_ID=cloud перекроет agent.id
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи: PEM прямо в ENV (Docker/K8s) или файл по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return errors.New("agent.id is required")
	}
	if strings.ContainsAny(c.Agent.ID, "/\\") {
		return fmt.Errorf("agent.id %q must not contain path separators", c.Agent.ID)
	}
	switch c.Store.Backend {
	case "fs", "redis", "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Database.URL == "" {
		return errors.New("database.url is required for postgres backend")
	}
	if c.Sync.Enabled && c.Store.Backend == c.Sync.Remote {
		return fmt.Errorf("sync.remote must differ from store.backend (%s)", c.Store.Backend)
	}
	if c.Engine.ClaimTimeout <= c.Engine.HandlerTimeout {
		// Иначе sweeper вернет задачу, пока обработчик еще работает
		return fmt.Errorf("engine.claim_timeout (%v) must exceed engine.handler_timeout (%v)",
			c.Engine.ClaimTimeout, c.Engine.HandlerTimeout)
	}
	if c.Recovery.Backoff < 1 {
		return fmt.Errorf("recovery.backoff must be >= 1, got %v", c.Recovery.Backoff)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	host, _ := os.Hostname()
	v.SetDefault("agent.id", host)
	v.SetDefault("agent.data_dir", "./data")

	v.SetDefault("store.backend", "fs")
	v.SetDefault("store.path", "./vault")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("engine.poll_interval", 2*time.Second)
	v.SetDefault("engine.handler_timeout", 2*time.Minute)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.claim_timeout", 10*time.Minute)
	v.SetDefault("engine.sweep_interval", time.Minute)
	v.SetDefault("engine.watch", true)

	v.SetDefault("approval.ttl", 24*time.Hour)
	v.SetDefault("approval.poll_interval", 5*time.Second)
	v.SetDefault("approval.expiry_interval", time.Minute)
	v.SetDefault("approval.exec_timeout", 30*time.Second)
	v.SetDefault("approval.amount_threshold", 500.0)
	v.SetDefault("approval.irreversible", []string{"send_email", "post_social", "post_linkedin", "whatsapp_reply", "payment"})

	v.SetDefault("executors.dry_run", true)
	v.SetDefault("executors.rps", 10.0)
	v.SetDefault("executors.burst", 5)
	v.SetDefault("executors.attempts", 3)
	v.SetDefault("executors.cb_max_failures", 5)
	v.SetDefault("executors.cb_timeout", 30*time.Second)

	v.SetDefault("recovery.retries", 3)
	v.SetDefault("recovery.backoff", 2.0)
	v.SetDefault("recovery.unit", time.Second)
	v.SetDefault("recovery.restart_delay", 5*time.Second)

	v.SetDefault("audit.backend", "file")
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.writer", "dashboard")
	v.SetDefault("sync.lock_ttl", 30*time.Second)

	v.SetDefault("health.interval", time.Minute)

	v.SetDefault("console.addr", ":8000")
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)

	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: сначала ENV с самим PEM, затем файл по пути.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
