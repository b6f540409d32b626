package main

import (
	"context"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/dig"
	"go.uber.org/fx"
	"go.uber.org/zap"
	gossh "golang.org/x/crypto/ssh"

	"github.com/burrowhq/burrow/log"
	"github.com/burrowhq/burrow/stats"
	"github.com/burrowhq/burrow/tunnel"
	"github.com/burrowhq/burrow/tunnel/deviceflow"
)

// Configuration surface. Keys are the exact environment variable names.
const (
	ConfigEnv      = "ENV"
	ConfigSSHPort  = "SSH_PORT"
	ConfigHTTPPort = "HTTP_PORT"
	ConfigMgmtPort = "MGMT_PORT"

	ConfigAPIBaseURL        = "API_BASE_URL"
	ConfigInternalAPISecret = "INTERNAL_API_SECRET"
	ConfigTunnelURL         = "TUNNEL_URL"
	ConfigDataDir           = "DATA_DIR"

	ConfigCodeExpiry     = "CODE_EXPIRY"
	ConfigPollInterval   = "POLL_INTERVAL"
	ConfigAPITimeout     = "API_TIMEOUT"
	ConfigPeekTimeout    = "PEEK_TIMEOUT"
	ConfigReconnectGrace = "RECONNECT_GRACE"
	ConfigRateWindow     = "RATE_LIMIT_WINDOW"
	ConfigRateMax        = "RATE_LIMIT_MAX_ATTEMPTS"

	ConfigLogLevel   = "LOG_LEVEL"
	ConfigLogFormat  = "LOG_FORMAT"
	ConfigStatsdAddr = "STATSD_ADDR"
)

func initDefaults(config *viper.Viper) {
	config.SetDefault(ConfigEnv, "production")
	config.SetDefault(ConfigSSHPort, 2222)
	config.SetDefault(ConfigHTTPPort, 8080)
	config.SetDefault(ConfigMgmtPort, 9090)
	config.SetDefault(ConfigAPIBaseURL, "http://localhost:3000")
	config.SetDefault(ConfigTunnelURL, "localhost")
	config.SetDefault(ConfigDataDir, "./data")
	config.SetDefault(ConfigCodeExpiry, 10*time.Minute)
	config.SetDefault(ConfigPollInterval, 2*time.Second)
	config.SetDefault(ConfigAPITimeout, 5*time.Second)
	config.SetDefault(ConfigPeekTimeout, 5*time.Second)
	config.SetDefault(ConfigReconnectGrace, 30*time.Minute)
	config.SetDefault(ConfigRateWindow, time.Minute)
	config.SetDefault(ConfigRateMax, 30)
	config.SetDefault(ConfigLogLevel, "info")
	config.SetDefault(ConfigLogFormat, "text")
}

// startApplication boots the dependency injection framework and executes
// the bootFuncs.
func startApplication(bootFuncs ...interface{}) error {
	app := fx.New(
		fx.Provide(
			// Viper configuration management.
			newConfig,
			// Logger.
			newLogger,
			// Report metrics to a statsd collector.
			newStats,
			// Persisted SSH host key.
			newHostSigner,
			// Control plane client for the device flow.
			newDeviceFlowClient,
			// Process-wide session registry.
			newRegistry,
			// Internal management HTTP server.
			newManagementRouter,
			// Healthcheck manager, reports over the management listener.
			newHealthcheck,
		),

		fx.Invoke(bootFuncs...),

		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	go func() {
		if err := app.Start(startCtx); err != nil {
			switch v := dig.RootCause(err).(type) {
			case configError:
				log.Get().Fatalf("Config error: %v", v)
			default:
				log.Get().Fatalf("Startup error: %v", v)
			}
		}

		log.Get().Named("Burrow").Infow("Start", zap.String("version", version))
	}()

	<-app.Done()

	log.Get().Named("Burrow").Infow("Stop")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.Stop(stopCtx); err != nil {
		log.Get().Fatalf("Shutdown error: %v", dig.RootCause(err))
	}

	return nil
}

type configError struct {
	msg string
}

func (e configError) Error() string {
	return e.msg
}

func newConfigError(parts ...string) error {
	return configError{strings.Join(parts, " ")}
}

func newConfig() (*viper.Viper, error) {
	config := viper.New()
	config.AutomaticEnv()
	initDefaults(config)

	if config.GetString(ConfigEnv) != "development" && config.GetString(ConfigInternalAPISecret) == "" {
		return nil, newConfigError(ConfigInternalAPISecret, "must be set in production")
	}

	return config, nil
}

func newLogger(config *viper.Viper) *log.Logger {
	log.Init(config.GetString(ConfigLogLevel), config.GetString(ConfigLogFormat))
	return log.Get()
}

// newStats initializes a Stats client for the server.
func newStats(config *viper.Viper, logger *log.Logger) (stats.Stats, error) {
	var statsdClient statsd.ClientInterface

	if statsdAddr := config.GetString(ConfigStatsdAddr); statsdAddr != "" {
		var err error
		statsdClient, err = statsd.New(statsdAddr, statsd.WithMaxBytesPerPayload(4096))
		if err != nil {
			return stats.Stats{}, errors.Wrap(err, "could not initialize statsd client")
		}
	} else {
		statsdClient = &statsd.NoOpClient{}
	}

	st := stats.New(statsdClient, logger).WithPrefix("burrow")
	if version != "" {
		st = st.WithTags(stats.Tags{"version": version})
	}
	return st, nil
}

// newHostSigner loads or generates the persisted Ed25519 host key.
func newHostSigner(config *viper.Viper, logger *log.Logger) (gossh.Signer, error) {
	signer, err := tunnel.LoadOrGenerateHostKey(config.GetString(ConfigDataDir), logger.Named("HostKey"))
	if err != nil {
		return nil, errors.Wrap(err, "host key")
	}
	return signer, nil
}

func newDeviceFlowClient(config *viper.Viper, logger *log.Logger) *deviceflow.Client {
	return deviceflow.New(deviceflow.Config{
		BaseURL: config.GetString(ConfigAPIBaseURL),
		Secret:  config.GetString(ConfigInternalAPISecret),
		Timeout: config.GetDuration(ConfigAPITimeout),
	}, logger.Named("DeviceFlow"))
}

func newRegistry(config *viper.Viper, client *deviceflow.Client, logger *log.Logger, st stats.Stats) *tunnel.Registry {
	return tunnel.NewRegistry(tunnel.RegistryOptions{
		ReconnectGrace:       config.GetDuration(ConfigReconnectGrace),
		RateLimitWindow:      config.GetDuration(ConfigRateWindow),
		RateLimitMaxAttempts: config.GetInt(ConfigRateMax),
		HookTimeout:          config.GetDuration(ConfigAPITimeout),
	}, client, logger.Named("Registry"), st)
}
