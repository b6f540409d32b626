package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
	gossh "golang.org/x/crypto/ssh"

	"github.com/burrowhq/burrow/log"
	"github.com/burrowhq/burrow/stats"
	"github.com/burrowhq/burrow/tunnel"
	"github.com/burrowhq/burrow/tunnel/deviceflow"
)

var serverCommand = &cobra.Command{
	Use:   "server",
	Short: "burrow server runs the SSH server, the subdomain proxy, and the internal management API.",
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	return startApplication(
		// Accept SSH connections and drive device-flow authorization.
		runSSHServer,

		// Route public HTTP traffic into SSH channels by subdomain.
		runProxy,

		// Register the internal management routes.
		registerManagementRoutes,

		// Sweep expired reconnection windows and throttle entries.
		runJanitor,
	)
}

// runSSHServer boots the SSH listener under the application lifecycle.
func runSSHServer(
	lc fx.Lifecycle,
	config *viper.Viper,
	signer gossh.Signer,
	registry *tunnel.Registry,
	client *deviceflow.Client,
	st stats.Stats,
	logger *log.Logger,
) error {
	sshLogger := logger.Named("SSHD")

	tunnelDomain := config.GetString(ConfigTunnelURL)
	if tunnelDomain == "localhost" {
		// Local development: present URLs with the proxy port attached.
		tunnelDomain = fmt.Sprintf("localhost:%d", config.GetInt(ConfigHTTPPort))
	}

	server := &tunnel.SSHServer{
		BindAddr:     net.JoinHostPort("", strconv.Itoa(config.GetInt(ConfigSSHPort))),
		HostSigner:   signer,
		TunnelDomain: tunnelDomain,
		VirtualPort:  uint32(config.GetInt(ConfigHTTPPort)),
		CodeExpiry:   config.GetDuration(ConfigCodeExpiry),
		PollInterval: config.GetDuration(ConfigPollInterval),
		Registry:     registry,
		DeviceFlow:   client,
		Logger:       sshLogger,
		Stats:        st.WithPrefix("ssh"),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Start(); err != nil {
					if !errors.Is(err, tunnel.ErrSSHServerClosed) {
						sshLogger.Errorw("SSH", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Close()
		},
	})

	return nil
}

// runProxy boots the public subdomain proxy.
func runProxy(
	lc fx.Lifecycle,
	config *viper.Viper,
	registry *tunnel.Registry,
	st stats.Stats,
	logger *log.Logger,
) error {
	proxyLogger := logger.Named("Proxy")

	proxy := &tunnel.Proxy{
		BindAddr:    net.JoinHostPort("", strconv.Itoa(config.GetInt(ConfigHTTPPort))),
		PeekTimeout: config.GetDuration(ConfigPeekTimeout),
		Registry:    registry,
		Logger:      proxyLogger,
		Stats:       st.WithPrefix("proxy"),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := proxy.Start(); err != nil {
					proxyLogger.Errorw("Proxy", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return proxy.Close()
		},
	})

	return nil
}

// registerManagementRoutes attaches the management API to the internal router.
func registerManagementRoutes(router *mux.Router, registry *tunnel.Registry, healthchecks *healthcheckManager, logger *log.Logger) error {
	web := tunnel.Web{
		Registry: registry,
		Logger:   logger.Named("Management"),
	}
	web.ConfigureRoutes(router)

	healthchecks.AddCheck("registry", func(ctx context.Context) error {
		_ = registry.List()
		return nil
	})
	return nil
}

// runJanitor periodically sweeps the registry.
func runJanitor(lc fx.Lifecycle, registry *tunnel.Registry) error {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go registry.RunJanitor(ctx, time.Minute)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})

	return nil
}

// newManagementRouter exposes the internal HTTP server. It is
// unauthenticated by design and must only be reachable on a private
// network.
func newManagementRouter(lc fx.Lifecycle, config *viper.Viper, logger *log.Logger) *mux.Router {
	router := mux.NewRouter()
	server := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(config.GetInt(ConfigMgmtPort))),
		Handler: router,
	}

	httpLogger := logger.Named("HTTP")

	// Log every request.
	router.Use(LoggingMiddleware(httpLogger))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			httpLogger.Infof("Management API listening on %s", server.Addr)
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					httpLogger.Errorw("HTTP Listener", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})

	return router
}

// newHealthcheck provides a healthcheck registry and attaches it to the
// management server.
func newHealthcheck(router *mux.Router) *healthcheckManager {
	mgr := newHealthcheckManager()
	router.Handle("/healthcheck", mgr)
	return mgr
}
