package config

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Env             string        `mapstructure:"ENV"`
	Port            string        `mapstructure:"PORT" validate:"required"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	AdminKey        string        `mapstructure:"ADMIN_KEY"`
	ActorProxyKey   string        `mapstructure:"ACTOR_PROXY_KEY"`
	AIURL           string        `mapstructure:"AI_URL"`
	AssistantURL    string        `mapstructure:"ASSISTANT_BASE_URL"`
	AssistantModel  string        `mapstructure:"ASSISTANT_MODEL"`
	AssistantAPIKey string        `mapstructure:"ASSISTANT_API_KEY"`
	NotifyWebhook   string        `mapstructure:"NOTIFY_WEBHOOK_URL" validate:"omitempty,url"`
	CORSAllowed     string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`

	ClassifierTimeout   time.Duration `mapstructure:"CLASSIFIER_TIMEOUT" validate:"gt=0"`
	UrgentRiskThreshold float64       `mapstructure:"URGENT_RISK_THRESHOLD" validate:"gt=0,lte=1"`
	ContextMessages     int           `mapstructure:"CONTEXT_MESSAGES" validate:"gte=0"`
	StoreRetryAttempts  int           `mapstructure:"STORE_RETRY_ATTEMPTS" validate:"gte=1,lte=10"`
	SubscriberBuffer    int           `mapstructure:"SUBSCRIBER_BUFFER" validate:"gte=1"`
	GateRatePerSec      float64       `mapstructure:"GATE_RATE_PER_SEC" validate:"gt=0"`
	GateBurst           int           `mapstructure:"GATE_BURST" validate:"gte=1"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("ADMIN_KEY", "")
	v.SetDefault("ACTOR_PROXY_KEY", "")
	v.SetDefault("AI_URL", "")
	v.SetDefault("ASSISTANT_BASE_URL", "")
	v.SetDefault("ASSISTANT_MODEL", "")
	v.SetDefault("ASSISTANT_API_KEY", "")
	v.SetDefault("NOTIFY_WEBHOOK_URL", "")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("CLASSIFIER_TIMEOUT", "5s")
	v.SetDefault("URGENT_RISK_THRESHOLD", 0.6)
	v.SetDefault("CONTEXT_MESSAGES", 10)
	v.SetDefault("STORE_RETRY_ATTEMPTS", 3)
	v.SetDefault("SUBSCRIBER_BUFFER", 64)
	v.SetDefault("GATE_RATE_PER_SEC", 1.0)
	v.SetDefault("GATE_BURST", 10)
}
