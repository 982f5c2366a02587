package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	hostFlag           string
	portFlag           int
	adminAddrFlag      string
	dbFilenameFlag     string
	providerFlag       string
	staticFlag         string
	dynamicFlag        string
	precacheFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (file:// serves a directory)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&adminAddrFlag, "admin-addr", "", "Address for the unauthenticated admin endpoints, e.g. 127.0.0.1:9090 (default: served on -port to every client)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name or directory (default cache.db)")
	flag.StringVar(&providerFlag, "provider", "", "Cache storage provider: sqlite, leveldb or memory")
	flag.StringVar(&staticFlag, "static", "", "Static cache version, e.g. static-v2")
	flag.StringVar(&dynamicFlag, "dynamic", "", "Dynamic cache version, e.g. dynamic-v2")
	flag.StringVar(&precacheFlag, "precache", "", "Comma separated list of resources to precache")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	storage, err := openStorage(config.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache storage")
	}
	defer storage.Close()

	fetcher, err := newFetcher(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create network fetcher")
	}

	newWorker := func() (*offlinecache.Worker, error) {
		wc, err := config.WorkerConfig(storage, fetcher, &log.Logger)
		if err != nil {
			return nil, err
		}
		return offlinecache.NewWorker(wc)
	}

	registration := offlinecache.NewRegistration(offlinecache.RegistrationConfig{
		Fallback:          fetcher,
		ClientIdleTimeout: config.Timeouts.ClientIdle,
		Logger:            &log.Logger,
	})
	defer registration.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// install the configured version; requests are passed through until it is active
	if worker, err := newWorker(); err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	} else if err := registration.Register(ctx, worker); err != nil {
		log.Error().Err(err).Msg("Initial install failed, passing requests through")
	}

	servers := []*http.Server{{
		Addr:              config.Listen,
		Handler:           router(registration, newWorker, config.AdminListen == ""),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if config.AdminListen != "" {
		servers = append(servers, &http.Server{
			Addr:              config.AdminListen,
			Handler:           adminRouter(registration, newWorker),
			ReadHeaderTimeout: 10 * time.Second,
		})
	} else {
		log.Warn().Msgf("Admin endpoints are served to every client under %s", offlinecache.AdminPrefix)
	}

	log.Info().Msgf("Serving %s on %s (with hostname '%s')", config.Origin, config.Listen, config.Host)
	if config.AdminListen != "" {
		log.Info().Msgf("Serving admin endpoints on %s", config.AdminListen)
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", srv.Addr).Msg("Server error")
				stop()
			}
		}(srv)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
}

func newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled request")
	}))
	r.Use(middleware.Recoverer)
	return r
}

// router serves the registration, with the admin routes when they have no
// listener of their own.
func router(registration *offlinecache.Registration, newWorker offlinecache.WorkerFactory, withAdmin bool) http.Handler {
	r := newRouter()
	if withAdmin {
		r.Mount(offlinecache.AdminPrefix, offlinecache.AdminRouter(registration, newWorker))
	}
	r.Handle("/*", registration)
	return r
}

func adminRouter(registration *offlinecache.Registration, newWorker offlinecache.WorkerFactory) http.Handler {
	r := newRouter()
	r.Mount(offlinecache.AdminPrefix, offlinecache.AdminRouter(registration, newWorker))
	return r
}

// loadConfig reads the config file, if any, and applies the CLI flags on top.
func loadConfig() (offlinecache.FileConfig, error) {
	config := offlinecache.FileConfig{}
	if configFlag != "" {
		var err error
		if config, err = offlinecache.LoadConfig(configFlag); err != nil {
			return config, err
		}
	}
	if originFlag != "" {
		config.Origin = originFlag
		config.Scope = ""
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if portFlag != 0 {
		config.Listen = fmt.Sprintf(":%d", portFlag)
	}
	if adminAddrFlag != "" {
		config.AdminListen = adminAddrFlag
	}
	if providerFlag != "" {
		config.Storage.Provider = providerFlag
	}
	if dbFilenameFlag != "" {
		config.Storage.Path = dbFilenameFlag
	}
	if staticFlag != "" {
		config.Versions.Static = staticFlag
	}
	if dynamicFlag != "" {
		config.Versions.Dynamic = dynamicFlag
	}
	if precacheFlag != "" {
		config.Precache = strings.Split(precacheFlag, ",")
	}
	config.ApplyDefaults()
	return config, config.Validate()
}

func openStorage(config offlinecache.ConfigStorage) (cache.Storage, error) {
	path := config.Path
	// set up sqlite memory provider
	if config.Provider == "sqlite" && path == "memory" {
		path = ""
	}
	return cache.Open(config.Provider, path)
}

// newFetcher returns the network of the deployment: an HTTP client for
// remote origins, or a file server for file:// origins.
func newFetcher(config offlinecache.FileConfig) (fetch.Fetcher, error) {
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return nil, err
	}
	if originURL.Scheme == "file" {
		return fetch.HandlerFetcher{Handler: fetch.DirHandler(originURL.Path)}, nil
	}
	return fetch.NewClientFetcher(fetch.ClientConfig{
		OriginURL:  *originURL,
		OriginHost: config.Host,
		Timeout:    config.Timeouts.Network,
		Logger:     &log.Logger,
	}), nil
}
