package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jroosing/hydrarelay/internal/api"
	"github.com/jroosing/hydrarelay/internal/api/handlers"
	"github.com/jroosing/hydrarelay/internal/config"
	"github.com/jroosing/hydrarelay/internal/database"
	"github.com/jroosing/hydrarelay/internal/events"
	"github.com/jroosing/hydrarelay/internal/logging"
	"github.com/jroosing/hydrarelay/internal/manager"
)

// Version is the release version reported by --version.
const Version = "1.0.0"

// DefaultConfigPath is used when no -c/--config flag is given.
const DefaultConfigPath = "config/config.yaml"

func main() {
	os.Exit(run())
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath  string
	logLevel    string
	noReload    bool
	reloadDelay float64
	version     bool
}

// parseFlags parses command-line flags and returns the values.
func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "c", DefaultConfigPath, "Path to configuration file")
	flag.StringVar(&f.configPath, "config", DefaultConfigPath, "Path to configuration file")
	flag.StringVar(&f.logLevel, "log-level", "", "Logging level: DEBUG, INFO, WARNING, or ERROR")
	flag.BoolVar(&f.noReload, "no-reload", false, "Disable configuration file hot reload")
	flag.Float64Var(&f.reloadDelay, "reload-delay", 10.0, "Debounce delay in seconds for config reload")
	flag.BoolVar(&f.version, "version", false, "Print version and exit")
	flag.Parse()
	return f
}

func run() int {
	flags := parseFlags()
	if flags.version {
		fmt.Printf("hydrarelay %s\n", Version)
		return 0
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// The CLI log level overrides the config file.
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
	})
	logger.Info("hydrarelay starting",
		"version", Version,
		"config", flags.configPath,
		"services", len(cfg.Services),
		"reload", !flags.noReload,
	)

	// Event history store. The relay keeps running without it.
	var db *database.DB
	var eventSink events.Handler
	if cfg.Database.Path != "" {
		db, err = database.Open(cfg.Database.Path)
		if err != nil {
			logger.Error("failed to open event database, history disabled", "err", err)
		} else {
			defer db.Close()
			eventSink = func(ev events.Event) {
				if err := db.RecordEvent(context.Background(), ev); err != nil {
					logger.Warn("failed to persist event", "err", err)
				}
			}
		}
	}

	mgr := manager.New(cfg, flags.configPath, manager.Options{
		Logger:       logger,
		EnableReload: !flags.noReload,
		ReloadDelay:  time.Duration(flags.reloadDelay * float64(time.Second)),
		EventSink:    eventSink,
	})

	var apiSrv *api.Server
	if cfg.WebUI.Enabled {
		var store handlers.EventStore
		if db != nil {
			store = db
		}
		h := handlers.New(mgr, store, flags.configPath, logger)
		apiSrv = api.New(cfg.WebUI, h, logger)
		logger.Info("web UI and API starting", "addr", apiSrv.Addr())

		go func() {
			serveErr := apiSrv.ListenAndServe()
			if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
				return
			}
			logger.Error("API server error", "err", serveErr)
		}()
	}

	err = mgr.Run(context.Background())

	if apiSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		cancel()
		logger.Info("web UI and API stopped")
	}

	if err != nil {
		logger.Error("relay exited with error", "err", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
