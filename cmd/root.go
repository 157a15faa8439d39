package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/taskconcierge/taskconcierge"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = taskconcierge.DefaultConfig()
	configFile string
)

// envFallbacks are unprefixed environment variables checked when the
// prefixed variable for a key isn't set
var envFallbacks = map[string]string{
	"discord.token":  "DISCORD_BOT_TOKEN",
	"openai.token":   "OPENAI_API_KEY",
	"broker.api_key": "COMPOSIO_API_KEY",
}

// stringSliceKeys are space-separated when set via the environment
var stringSliceKeys = []string{
	"broker.apps",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:          "taskconcierge [flags]",
	Short:        "Discord bot that runs tasks against your connected apps",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
			func(c *mapstructure.DecoderConfig) {
				// replace default slices rather than overwriting by index
				c.ZeroFields = true
			},
		)
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		// non-nil pointer fields are decoded through their element type
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if t != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envPrefix() string {
	if p := os.Getenv(taskconcierge.EnvvarSetEnvPrefix); p != "" {
		return p
	}
	return taskconcierge.DefaultEnvPrefix
}

func setDefaults() {
	viper.SetDefault("database", taskconcierge.DefaultDatabase)
	viper.SetDefault("database_type", taskconcierge.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		taskconcierge.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		taskconcierge.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", taskconcierge.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", taskconcierge.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", taskconcierge.DefaultShutdownTimeout)
	viper.SetDefault("development", false)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault(
		"discord.log_level",
		taskconcierge.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		taskconcierge.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(taskconcierge.DefaultDiscordGatewayIntent),
	)
	viper.SetDefault("discord.busy_message", taskconcierge.DefaultDiscordBusyMessage)
	viper.SetDefault("discord.usage_message", taskconcierge.DefaultDiscordUsage)
	viper.SetDefault(
		"discord.user_worker_idle_timeout",
		taskconcierge.DefaultUserWorkerIdleTimeout,
	)

	// OpenAI
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", taskconcierge.DefaultOpenAIModel)
	viper.SetDefault(
		"openai.max_requests_per_second",
		taskconcierge.DefaultOpenAIMaxRequestsPerSec,
	)
	viper.SetDefault("openai.log_level", taskconcierge.DefaultOpenAILogLevel.String())

	// Broker
	viper.SetDefault("broker.api_key", "")
	viper.SetDefault("broker.base_url", taskconcierge.DefaultBrokerBaseURL)
	viper.SetDefault("broker.apps", taskconcierge.DefaultApps)
	viper.SetDefault("broker.request_timeout", taskconcierge.DefaultBrokerRequestTimeout)
	viper.SetDefault(
		"broker.max_requests_per_second",
		taskconcierge.DefaultBrokerMaxRequestsPerSec,
	)
	viper.SetDefault("broker.connection_timeout", taskconcierge.DefaultConnectionTimeout)
	viper.SetDefault(
		"broker.connection_poll_interval",
		taskconcierge.DefaultConnectionPollInterval,
	)
	viper.SetDefault(
		"broker.connection_poll_jitter",
		taskconcierge.DefaultConnectionPollJitter,
	)
	viper.SetDefault("broker.param_reply_timeout", taskconcierge.DefaultParamReplyTimeout)
	viper.SetDefault("broker.callback_secret", "")
	viper.SetDefault("broker.log_level", taskconcierge.DefaultBrokerLogLevel.String())

	// Identity
	viper.SetDefault("identity.strategy", string(taskconcierge.DefaultIdentityStrategy))
	viper.SetDefault("identity.store", "")
	viper.SetDefault("identity.file", taskconcierge.DefaultIdentityFile)
	viper.SetDefault(
		"identity.email_reply_timeout",
		taskconcierge.DefaultEmailReplyTimeout,
	)
	viper.SetDefault(
		"identity.email_max_attempts",
		taskconcierge.DefaultEmailMaxAttempts,
	)

	// Agent
	viper.SetDefault("agent.system_prompt", taskconcierge.DefaultAgentSystemPrompt)
	viper.SetDefault("agent.max_iterations", taskconcierge.DefaultAgentMaxIterations)
	viper.SetDefault("agent.timeout", taskconcierge.DefaultAgentTimeout)

	// API
	viper.SetDefault("api.disabled", false)
	viper.SetDefault("api.listen", taskconcierge.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", taskconcierge.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", taskconcierge.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		taskconcierge.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", taskconcierge.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", taskconcierge.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", taskconcierge.DefaultAPITLSMinVersion)

	// API: CORS
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault(
		"api.cors.allow_methods",
		taskconcierge.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.allow_headers",
		taskconcierge.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		taskconcierge.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.max_age", taskconcierge.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		taskconcierge.DefaultAPICORSAllowCredentials,
	)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %q: %v", configFile, err)
		}
	}

	setDefaults()

	prefix := envPrefix()
	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, fallback := range envFallbacks {
		prefixed := strings.ToUpper(
			prefix + "_" + strings.ReplaceAll(key, ".", "_"),
		)
		if err := viper.BindEnv(key, prefixed, fallback); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}

	// env values arrive as a single space-separated string
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
