package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // profiling is opt-in via flag
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/api"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/api/live"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/config"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/control"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/datalayer/rest"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/natsbcst"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

//nolint:funlen // flag definitions
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "starts the race control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&config.ServerAddr,
		"server-addr",
		"a",
		"localhost:8080",
		"HTTP server listen address")
	cmd.Flags().StringVar(&config.TLSServerAddr,
		"tls-server-addr",
		"",
		"HTTPS server listen address (requires certificates)")
	cmd.Flags().StringVar(&config.TLSCertFile,
		"tls-cert",
		"",
		"file containing the TLS certificate")
	cmd.Flags().StringVar(&config.TLSKeyFile,
		"tls-key",
		"",
		"file containing the TLS key")
	cmd.Flags().StringVar(&config.TLSCAFile,
		"tls-ca",
		"",
		"file containing the root CA for client certificates")
	cmd.Flags().StringVar(&config.TraefikCerts,
		"traefik-certs",
		"",
		"traefik acme.json file to take the certificate from")
	cmd.Flags().StringVar(&config.TraefikCertDomain,
		"traefik-cert-domain",
		"",
		"domain to lookup in the traefik certs file")
	cmd.Flags().StringVar(&config.TickInterval,
		"tick-interval",
		"1s",
		"countdown update interval")
	cmd.Flags().StringVar(&config.PollInterval,
		"poll-interval",
		"5s",
		"interval for reloading active racers from the backend")
	cmd.Flags().StringVar(&config.RequestTimeout,
		"request-timeout",
		"10s",
		"timeout for backend writes, the slot is rolled back afterwards")
	cmd.Flags().StringVar(&config.CacheExpiration,
		"cache-expiration",
		"5m",
		"how long user and group names are cached")
	cmd.Flags().BoolVar(&config.EnableTelemetry,
		"enable-telemetry",
		false,
		"enables telemetry")
	cmd.Flags().StringVar(&config.TelemetryEndpoint,
		"telemetry-endpoint",
		"localhost:4317",
		"Endpoint that receives open telemetry data (use stdout for local debugging)")
	cmd.Flags().IntVar(&config.ProfilingPort,
		"profiling-port",
		0,
		"port to use for providing profiling data")
	return cmd
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

func setupLogger() (*log.Logger, error) {
	opts := []log.Option{log.WithCaller(true), log.AddCallerSkip(1)}
	if config.LogFilter != "" {
		return log.NewWithFilter(os.Stderr,
			parseLogLevel(config.LogLevel, log.InfoLevel),
			config.LogFormat, config.LogFilter, opts...)
	}
	switch config.LogFormat {
	case "json":
		return log.New(os.Stderr, parseLogLevel(config.LogLevel, log.InfoLevel), opts...), nil
	default:
		return log.DevLogger(os.Stderr,
			parseLogLevel(config.LogLevel, log.DebugLevel), opts...), nil
	}
}

//nolint:funlen,cyclop // by design
func startServer(parent context.Context) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("invalid log filter: %w", err)
	}
	log.ResetDefault(logger)
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.AddToContext(ctx, logger)

	log.Debug("Config:",
		log.String("backend", config.BackendURL),
		log.String("nats", config.NatsURL),
		log.String("addr", config.ServerAddr),
	)

	if config.ProfilingPort > 0 {
		startProfiling(config.ProfilingPort)
	}

	if err := waitForRequiredServices(ctx); err != nil {
		log.Error("required services not ready", log.ErrorField(err))
		return err
	}

	var telemetry *config.Telemetry
	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		if telemetry, err = config.SetupTelemetry(ctx); err != nil {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}
	defer func() {
		if telemetry != nil {
			telemetry.Shutdown()
		}
	}()

	requestTimeout := config.ParseDuration("request-timeout", config.RequestTimeout,
		10*time.Second)
	dl := rest.New(config.BackendURL,
		rest.WithToken(config.BackendToken),
		rest.WithTimeout(2*requestTimeout),
		rest.WithLogger(logger.Named("datalayer")))

	svcOpts := []control.Option{
		control.WithLogger(logger.Named("control")),
		control.WithRequestTimeout(requestTimeout),
		control.WithCacheExpiration(
			config.ParseDuration("cache-expiration", config.CacheExpiration, 5*time.Minute)),
	}
	var pub *natsbcst.Publisher
	if config.NatsURL != "" {
		nc, err := nats.Connect(config.NatsURL, nats.Name("ksm"))
		if err != nil {
			log.Error("could not connect to NATS", log.ErrorField(err))
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				log.Warn("could not drain NATS connection", log.ErrorField(err))
			}
		}()
		pub, err = natsbcst.New(ctx, nc,
			natsbcst.WithPrefix(config.NatsPrefix),
			natsbcst.WithLogger(logger.Named("nats")))
		if err != nil {
			log.Error("could not setup NATS publisher", log.ErrorField(err))
			return err
		}
		svcOpts = append(svcOpts, control.WithEventSink(pub))
	}

	svc := control.NewService(dl, svcOpts...)
	defer svc.Close()

	hub := live.NewHub(
		live.WithOnClose(svc.Unwatch),
		live.WithLogger(logger.Named("live")))
	go hub.Run(ctx, svc.Subscribe())
	if pub != nil {
		go pub.Forward(ctx, svc.Subscribe())
	}

	router := mux.NewRouter()
	api.NewHandler(svc,
		api.WithHub(hub),
		api.WithLogger(logger.Named("api"))).Register(router)
	handler := h2c.NewHandler(
		newCORS().Handler(otelhttp.NewHandler(router, "ksm")),
		&http2.Server{})

	tlsConfig, err := NewTLSConfig(ctx, CertSource{
		CertFile:      config.TLSCertFile,
		KeyFile:       config.TLSKeyFile,
		CAFile:        config.TLSCAFile,
		TraefikCerts:  config.TraefikCerts,
		TraefikDomain: config.TraefikCertDomain,
	})
	if err != nil {
		log.Error("could not setup TLS", log.ErrorField(err))
		return err
	}

	var engineDone sync.WaitGroup
	engineDone.Add(1)
	go func() {
		defer engineDone.Done()
		svc.Run(ctx,
			config.ParseDuration("tick-interval", config.TickInterval, time.Second),
			config.ParseDuration("poll-interval", config.PollInterval, 5*time.Second))
	}()

	servers := []*http.Server{newHTTPServer(ctx, config.ServerAddr, handler)}
	if tlsConfig != nil && config.TLSServerAddr != "" {
		srv := newHTTPServer(ctx, config.TLSServerAddr, handler)
		srv.TLSConfig = tlsConfig
		servers = append(servers, srv)
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			var err error
			if srv.TLSConfig != nil {
				log.Info("Starting HTTPS server", log.String("addr", srv.Addr))
				err = srv.ListenAndServeTLS("", "")
			} else {
				log.Info("Starting HTTP server", log.String("addr", srv.Addr))
				err = srv.ListenAndServe()
			}
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}()
	}
	log.Info("Server started")
	setupGoRoutinesDump()

	var runErr error
	select {
	case <-ctx.Done():
		log.Debug("Got signal")
	case runErr = <-errCh:
		log.Error("server stopped", log.ErrorField(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", log.String("addr", srv.Addr), log.ErrorField(err))
		}
	}
	engineDone.Wait()
	log.Info("Server terminated")
	return runErr
}

func newHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func startProfiling(port int) {
	log.Info("Starting profiling server on port", log.Int("port", port))
	go func() {
		//nolint:gosec // by design
		err := http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)
		if err != nil {
			log.Error("Profiling server stopped", log.ErrorField(err))
		}
	}()
}

func setupGoRoutinesDump() {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		buf := make([]byte, 1<<20)
		for {
			<-sigs
			stacklen := runtime.Stack(buf, true)
			fmt.Printf("=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end\n",
				buf[:stacklen])
		}
	}()
}

// waitForRequiredServices waits for the backend and, if configured, NATS
func waitForRequiredServices(ctx context.Context) error {
	timeout := config.ParseDuration("wait-for-services", config.WaitForServices,
		60*time.Second)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = utils.WaitForHTTPResponse(ctx, config.BackendURL, timeout)
	}()
	if natsAddr := utils.ExtractFromNatsURL(config.NatsURL); natsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[1] = utils.WaitForTCP(ctx, natsAddr, timeout)
		}()
	}
	log.Debug("Waiting for connection checks to return")
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Debug("Required services are available")
	return nil
}

func newCORS() *cors.Cors {
	// the venue frontend is served from a different origin
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"Accept",
			"Accept-Encoding",
			"Content-Encoding",
		},
		// FF caps this value at 24h, Chrome at 2h
		MaxAge: int(2 * time.Hour / time.Second),
	})
}
