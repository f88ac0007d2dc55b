package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string        `mapstructure:"TYPE"`
		Host           string        `mapstructure:"HOST"`
		Port           string        `mapstructure:"PORT"`
		DBNAME         string        `mapstructure:"DBNAME"`
		User           string        `mapstructure:"USER"`
		Password       string        `mapstructure:"PASSWORD"`
		SSLMode        string        `mapstructure:"SSLMODE"`
		Timezone       string        `mapstructure:"TIMEZONE"`
		Path           string        `mapstructure:"PATH"`
		// SlowThreshold is the query duration above which gorm logs a warning.
		SlowThreshold  time.Duration `mapstructure:"SLOW_THRESHOLD"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Vault struct {
		Enable    bool   `mapstructure:"ENABLE"`
		MountPath string `mapstructure:"MOUNT_PATH"`
	} `mapstructure:"VAULT"`
	Verification Verification `mapstructure:"VERIFICATION"`
	Fraud        Fraud        `mapstructure:"FRAUD"`
	Rates        []Rate       `mapstructure:"RATES"`
	Settlement   struct {
		URL     string        `mapstructure:"URL"`
		Timeout time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"SETTLEMENT"`
	AIVerifier struct {
		URL     string        `mapstructure:"URL"`
		Timeout time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"AI_VERIFIER"`
	Reconcile struct {
		Hour        int `mapstructure:"HOUR"`
		Concurrency int `mapstructure:"CONCURRENCY"`
	} `mapstructure:"RECONCILE"`
}

// Verification holds the AI confidence policy and the static rule set.
// Decimal values are kept as strings and parsed by the consuming service.
type Verification struct {
	AIConfidenceThreshold  float64 `mapstructure:"AI_CONFIDENCE_THRESHOLD"`
	EscalateBelowThreshold bool    `mapstructure:"ESCALATE_BELOW_THRESHOLD"`
	EscalationFloor        float64 `mapstructure:"ESCALATION_FLOOR"`
	Rules                  []Rule  `mapstructure:"RULES"`
}

type Rule struct {
	ActivityType       string `mapstructure:"ACTIVITY_TYPE"`
	MinAmount          string `mapstructure:"MIN_AMOUNT"`
	MaxAmount          string `mapstructure:"MAX_AMOUNT"`
	RequiredMethod     string `mapstructure:"REQUIRED_METHOD"`
	CreditMultiplier   string `mapstructure:"CREDIT_MULTIPLIER"`
	RequiresEvidence   bool   `mapstructure:"REQUIRES_EVIDENCE"`
	Active             bool   `mapstructure:"ACTIVE"`
	CorroborationAbove string `mapstructure:"CORROBORATION_ABOVE"`
	Criteria           string `mapstructure:"CRITERIA"`
}

type Fraud struct {
	MaxBoundFactor string        `mapstructure:"MAX_BOUND_FACTOR"`
	VelocityLimit  int64         `mapstructure:"VELOCITY_LIMIT"`
	VelocityWindow time.Duration `mapstructure:"VELOCITY_WINDOW"`
}

type Rate struct {
	RateType      string `mapstructure:"RATE_TYPE"`
	Value         string `mapstructure:"VALUE"`
	EffectiveFrom string `mapstructure:"EFFECTIVE_FROM"` // RFC3339
	Source        string `mapstructure:"SOURCE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "carbon-ledger")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.SLOW_THRESHOLD", 200*time.Millisecond)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("VAULT.MOUNT_PATH", "secret")
	v.SetDefault("VERIFICATION.AI_CONFIDENCE_THRESHOLD", 0.8)
	v.SetDefault("VERIFICATION.ESCALATION_FLOOR", 0.5)
	v.SetDefault("FRAUD.MAX_BOUND_FACTOR", "10")
	v.SetDefault("FRAUD.VELOCITY_LIMIT", 50)
	v.SetDefault("FRAUD.VELOCITY_WINDOW", time.Hour)
	v.SetDefault("SETTLEMENT.TIMEOUT", 10*time.Second)
	v.SetDefault("AI_VERIFIER.TIMEOUT", 10*time.Second)
	v.SetDefault("RECONCILE.HOUR", 2)
	v.SetDefault("RECONCILE.CONCURRENCY", 8)
}

// Load reads config.yaml from the working directory (optional) and overlays
// environment variables, e.g. DATABASE_HOST overrides DATABASE.HOST.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func LoadConfig(p Params) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if p.Vault != nil && cfg.Vault.Enable {
		if err := overlaySecrets(context.Background(), p.Vault, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func overlaySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath(cfg.Vault.MountPath))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	return nil
}
