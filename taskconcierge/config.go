//nolint:lll // struct tags can't be split
package taskconcierge

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix      = "TASKCONCIERGE_ENV_PREFIX"
	DefaultEnvPrefix        = "TASKCONCIERGE"
	DefaultDatabaseType     = "sqlite"
	DefaultDatabase         = "taskconcierge.sqlite3"
	DefaultLogLevel         = slog.LevelInfo
	DefaultStartupTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 60 * time.Second
	DefaultDatabaseLogLevel = slog.LevelWarn

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	DefaultDiscordBusyMessage = "I'm still working on your last request!"
	DefaultDiscordUsage       = "Mention me with something to do, like: `@me summarize my unread email`"

	DefaultOpenAILogLevel          = slog.LevelInfo
	DefaultOpenAIModel             = "gpt-4o-mini"
	DefaultOpenAIMaxRequestsPerSec = 2

	DefaultBrokerBaseURL           = "https://backend.composio.dev/api"
	DefaultBrokerLogLevel          = slog.LevelInfo
	DefaultBrokerRequestTimeout    = 30 * time.Second
	DefaultBrokerMaxRequestsPerSec = 5
	DefaultConnectionTimeout       = 120 * time.Second
	DefaultConnectionPollInterval  = 3 * time.Second
	DefaultConnectionPollJitter    = time.Second

	DefaultIdentityStrategy      = IdentityStrategyByFile
	DefaultIdentityFile          = "db.json"
	DefaultEmailReplyTimeout     = 60 * time.Second
	DefaultEmailMaxAttempts      = 3
	DefaultParamReplyTimeout     = 300 * time.Second
	DefaultAgentMaxIterations    = 10
	DefaultAgentTimeout          = 5 * time.Minute
	DefaultAgentSystemPrompt     = "You are a helpful assistant"
	DefaultUserWorkerIdleTimeout = 2 * time.Minute

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"
	DefaultRequestIDHeader         = "X-Request-ID"
	DefaultCORSMaxAge              = 12 * time.Hour
)

var (
	// DefaultApps are the broker apps every session connects
	DefaultApps = []string{"gmail", "googlecalendar"}

	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		DefaultRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		DefaultRequestIDHeader,
	}
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables pprof endpoints and permissive CORS on the API
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	Discord  *DiscordConfig  `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	OpenAI   *OpenAIConfig   `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`
	Broker   *BrokerConfig   `yaml:"broker" mapstructure:"broker" json:"broker" binding:"required"`
	Identity *IdentityConfig `yaml:"identity" mapstructure:"identity" json:"identity" binding:"required"`
	Agent    *AgentConfig    `yaml:"agent" mapstructure:"agent" json:"agent" binding:"required"`
	API      *APIConfig      `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Message content is required to read
	// the command text of a mention.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// BusyMessage is sent when a user mentions the bot while their
	// previous request is still running
	BusyMessage string `yaml:"busy_message" mapstructure:"busy_message" json:"busy_message"`

	// UsageMessage is sent when a mention contains no command text
	UsageMessage string `yaml:"usage_message" mapstructure:"usage_message" json:"usage_message"`

	// UserWorkerIdleTimeout is how long a per-user worker is kept
	// alive without receiving a mention
	UserWorkerIdleTimeout time.Duration `yaml:"user_worker_idle_timeout" mapstructure:"user_worker_idle_timeout" json:"user_worker_idle_timeout" binding:"min=1s"`

	httpClient *http.Client
}

// OpenAIConfig configures the LLM used by the agent executor
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the API endpoint, for compatible providers
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Chat model used for function calling
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// Maximum chat completion requests per second, across all users
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// BrokerConfig configures the OAuth/integration broker client
type BrokerConfig struct {
	// Broker API key
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]" binding:"required"`

	// Base URL of the broker REST API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// Apps connected for every user
	Apps []string `yaml:"apps" mapstructure:"apps" json:"apps" binding:"required,min=1,dive,required"`

	// RequestTimeout bounds each HTTP request to the broker
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// Maximum broker requests per second, across all users
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// ConnectionTimeout is how long to wait for a user to finish an
	// OAuth flow before giving up on the connection
	ConnectionTimeout time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout" json:"connection_timeout" binding:"min=1s"`

	// ConnectionPollInterval is the base interval between connected
	// account status checks
	ConnectionPollInterval time.Duration `yaml:"connection_poll_interval" mapstructure:"connection_poll_interval" json:"connection_poll_interval" binding:"min=10ms"`

	// ConnectionPollJitter is the maximum random delay added to each poll
	ConnectionPollJitter time.Duration `yaml:"connection_poll_jitter" mapstructure:"connection_poll_jitter" json:"connection_poll_jitter" binding:"min=0"`

	// ParamReplyTimeout is how long to wait for a user to provide each
	// connection parameter an integration asks for
	ParamReplyTimeout time.Duration `yaml:"param_reply_timeout" mapstructure:"param_reply_timeout" json:"param_reply_timeout" binding:"min=1s"`

	// CallbackSecret, if set, must be sent as the X-Callback-Secret
	// header on OAuth activation callbacks
	CallbackSecret string `yaml:"callback_secret" mapstructure:"callback_secret" json:"callback_secret" log:"[redacted]"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// IdentityConfig selects how Discord users are mapped to broker accounts
type IdentityConfig struct {
	// Strategy is one of by-id, by-email, by-file
	Strategy IdentityStrategy `yaml:"strategy" mapstructure:"strategy" json:"strategy" binding:"oneof=by-id by-email by-file"`

	// Store overrides the strategy's default store (memory, file, database)
	Store IdentityStoreType `yaml:"store" mapstructure:"store" json:"store" binding:"omitempty,oneof=memory file database"`

	// File is the JSON mapping path used by the file store
	File string `yaml:"file" mapstructure:"file" json:"file"`

	// EmailReplyTimeout is how long to wait for each email reply
	EmailReplyTimeout time.Duration `yaml:"email_reply_timeout" mapstructure:"email_reply_timeout" json:"email_reply_timeout" binding:"min=1s"`

	// EmailMaxAttempts is how many invalid emails are accepted before
	// registration fails
	EmailMaxAttempts int `yaml:"email_max_attempts" mapstructure:"email_max_attempts" json:"email_max_attempts" binding:"min=1"`
}

// AgentConfig configures the function-calling agent executor
type AgentConfig struct {
	// SystemPrompt is the first message of every agent conversation
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt" binding:"required"`

	// MaxIterations bounds the number of model round trips per task
	MaxIterations int `yaml:"max_iterations" mapstructure:"max_iterations" json:"max_iterations" binding:"min=1"`

	// Timeout bounds a single task, including tool execution
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Disabled turns the API server off entirely
	Disabled bool `yaml:"disabled" mapstructure:"disabled" json:"disabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Disabled false"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Disabled false,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required for /api routes
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. If no cert is set, the server runs
	// plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(lvl slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(lvl)
	return v
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			LogLevel:              newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel:     newLevelVar(DefaultDiscordgoLogLevel),
			GatewayIntents:        DefaultDiscordGatewayIntent,
			BusyMessage:           DefaultDiscordBusyMessage,
			UsageMessage:          DefaultDiscordUsage,
			UserWorkerIdleTimeout: DefaultUserWorkerIdleTimeout,
		},
		OpenAI: &OpenAIConfig{
			Model:                DefaultOpenAIModel,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSec,
			LogLevel:             newLevelVar(DefaultOpenAILogLevel),
		},
		Broker: &BrokerConfig{
			BaseURL:                DefaultBrokerBaseURL,
			Apps:                   append([]string{}, DefaultApps...),
			RequestTimeout:         DefaultBrokerRequestTimeout,
			MaxRequestsPerSecond:   DefaultBrokerMaxRequestsPerSec,
			ConnectionTimeout:      DefaultConnectionTimeout,
			ConnectionPollInterval: DefaultConnectionPollInterval,
			ConnectionPollJitter:   DefaultConnectionPollJitter,
			ParamReplyTimeout:      DefaultParamReplyTimeout,
			LogLevel:               newLevelVar(DefaultBrokerLogLevel),
		},
		Identity: &IdentityConfig{
			Strategy:          DefaultIdentityStrategy,
			File:              DefaultIdentityFile,
			EmailReplyTimeout: DefaultEmailReplyTimeout,
			EmailMaxAttempts:  DefaultEmailMaxAttempts,
		},
		Agent: &AgentConfig{
			SystemPrompt:  DefaultAgentSystemPrompt,
			MaxIterations: DefaultAgentMaxIterations,
			Timeout:       DefaultAgentTimeout,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
