package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	alwaysoffline "github.com/always-cache/always-offline"
	"github.com/always-cache/always-offline/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	scopeFlag          string
	dbFilenameFlag     string
	configFilenameFlag string
	workerVersionFlag  string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.StringVar(&scopeFlag, "scope", "", "Public URL of the site (defaults to the origin URL)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "offline.db", "Cache DB file name (use 'memory' for in-memory cache)")
	flag.StringVar(&configFilenameFlag, "config", "", "Path to YAML config file")
	flag.StringVar(&workerVersionFlag, "worker-version", "", "Worker version tag (overrides config)")
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
		With().Str("build", version).Logger()

	options := alwaysoffline.DefaultOptions()
	if configFilenameFlag != "" {
		var err error
		options, err = alwaysoffline.LoadOptions(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
	}
	if workerVersionFlag != "" {
		options.Version = workerVersionFlag
		options.StaticCache, options.DynamicCache = alwaysoffline.CacheNames(options.CachePrefix, options.Version)
	}

	// get the downstream server address
	var originURL url.URL
	if originFlag != "" {
		u, err := url.Parse(originFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		originURL = *u
	} else if addrFlag != "" {
		u, err := url.Parse("https://" + addrFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		originURL = *u
	} else {
		log.Fatal().Msg("Please specify origin")
	}

	scope := originURL
	if scopeFlag != "" {
		u, err := url.Parse(scopeFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse scope")
		}
		scope = *u
	} else if hostFlag != "" {
		scope.Host = hostFlag
	}

	storage := openStorage(dbFilenameFlag)

	network := alwaysoffline.NewOriginNetwork(alwaysoffline.OriginConfig{
		Scope:      scope,
		OriginURL:  originURL,
		OriginHost: hostFlag,
		Logger:     &log.Logger,
	})

	registration := alwaysoffline.NewRegistration(alwaysoffline.RegistrationConfig{
		Network:       network,
		ControlPrefix: options.ControlPrefix,
		Logger:        &log.Logger,
	})

	ctx := context.Background()
	go install(ctx, registration, alwaysoffline.Config{
		Options: options,
		Storage: storage,
		Network: network,
		Scope:   scope,
		Logger:  &log.Logger,
	})
	go registration.SchedulePeriodicSync(ctx, options.CleanupTag, options.CleanupInterval)

	log.Info().Msgf("Serving %s on port %v from %s (with hostname '%s')", scope.String(), portFlag, originURL.String(), hostFlag)
	err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), registration.Handler())

	if err != nil {
		panic(err)
	}
}

func openStorage(dbFilename string) cache.Storage {
	if dbFilename == "memory" {
		return cache.NewMemStorage()
	}
	storage, err := cache.NewSQLiteStorage(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache DB")
	}
	return storage
}

// install registers a worker, retrying with a new one until install succeeds.
// Requests pass straight to the origin in the meantime.
func install(ctx context.Context, registration *alwaysoffline.Registration, config alwaysoffline.Config) {
	retryTimeout := time.Second
	for {
		worker, err := alwaysoffline.CreateWorker(config)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid worker config")
		}
		if err = registration.Register(ctx, worker); err == nil {
			return
		}
		log.Warn().Err(err).Msgf("Install failed, retrying in %s", retryTimeout)
		time.Sleep(retryTimeout)
		if retryTimeout < time.Minute {
			retryTimeout *= 2
		}
	}
}
