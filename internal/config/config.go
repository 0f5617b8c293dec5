package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Scylla       ScyllaConfig       `mapstructure:"scylla"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Placement    PlacementConfig    `mapstructure:"placement"`
	Policy       PolicyConfig       `mapstructure:"policy"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Outcome      OutcomeConfig      `mapstructure:"outcome"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Telephony    TelephonyConfig    `mapstructure:"telephony"`
	Worker       WorkerConfig       `mapstructure:"worker"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthQuery     string        `mapstructure:"health_query"`
	ApplySchema     bool          `mapstructure:"apply_schema"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
	// ConversationTTL expires transcripts; zero keeps them forever.
	ConversationTTL time.Duration `mapstructure:"conversation_ttl"`
}

type KafkaConfig struct {
	Brokers             []string      `mapstructure:"brokers"`
	ClientID            string        `mapstructure:"client_id"`
	DispatchTopic       string        `mapstructure:"dispatch_topic"`
	StatusTopic         string        `mapstructure:"status_topic"`
	NotificationTopic   string        `mapstructure:"notification_topic"`
	ConsumerGroupID     string        `mapstructure:"consumer_group_id"`
	StatusConsumerGroup string        `mapstructure:"status_consumer_group"`
	CommitInterval      time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	ServiceName       string        `mapstructure:"service_name"`
	SampleRatio       float64       `mapstructure:"sample_ratio"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
	TracingEnabled    bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CollectorProtocol string        `mapstructure:"collector_protocol"`
}

type SchedulerConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	SweepPageSize int           `mapstructure:"sweep_page_size"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

type PlacementConfig struct {
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
}

type PolicyConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type ConversationConfig struct {
	MaxTurns          int           `mapstructure:"max_turns"`
	TerminalPhrases   []string      `mapstructure:"terminal_phrases"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	AgentName         string        `mapstructure:"agent_name"`
	CompanyName       string        `mapstructure:"company_name"`
}

type OutcomeConfig struct {
	HistoryCap int `mapstructure:"history_cap"`
}

type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// CostPerThousandTokensMicros prices usage for the session cost counter.
	CostPerThousandTokensMicros int64 `mapstructure:"cost_per_thousand_tokens_micros"`
}

type TelephonyConfig struct {
	Provider        string        `mapstructure:"provider"`
	AccountSID      string        `mapstructure:"account_sid"`
	AuthToken       string        `mapstructure:"auth_token"`
	BaseURL         string        `mapstructure:"base_url"`
	FromNumber      string        `mapstructure:"from_number"`
	CallbackBaseURL string        `mapstructure:"callback_base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-call-engine")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 35*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("scylla.conversation_ttl", 90*24*time.Hour)

	v.SetDefault("kafka.dispatch_topic", "outbound.calls.dispatch")
	v.SetDefault("kafka.status_topic", "outbound.calls.status")
	v.SetDefault("kafka.notification_topic", "outbound.notifications")
	v.SetDefault("kafka.consumer_group_id", "outbound-call-worker")
	v.SetDefault("kafka.status_consumer_group", "outbound-outcome-worker")

	v.SetDefault("scheduler.tick_interval", 15*time.Second)
	v.SetDefault("scheduler.sweep_interval", time.Minute)
	v.SetDefault("scheduler.max_batch_size", 10)
	v.SetDefault("scheduler.sweep_page_size", 200)

	v.SetDefault("placement.base_delay", 5*time.Minute)
	v.SetDefault("placement.max_delay", time.Hour)
	v.SetDefault("placement.request_timeout", 30*time.Second)
	v.SetDefault("placement.default_max_attempts", 3)
	v.SetDefault("placement.lock_ttl", 2*time.Minute)

	v.SetDefault("policy.cooldown", 24*time.Hour)

	v.SetDefault("conversation.max_turns", 20)
	v.SetDefault("conversation.generation_timeout", 30*time.Second)
	v.SetDefault("conversation.lock_ttl", 45*time.Second)
	v.SetDefault("conversation.agent_name", "Alex")
	v.SetDefault("conversation.company_name", "TechSolutions")

	v.SetDefault("outcome.history_cap", 10)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 500)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 30*time.Second)

	v.SetDefault("telephony.provider", "mock")
	v.SetDefault("telephony.base_url", "https://api.twilio.com/2010-04-01")
	v.SetDefault("telephony.request_timeout", 30*time.Second)

	v.SetDefault("worker.concurrency", 8)
}
