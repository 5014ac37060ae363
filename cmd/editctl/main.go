// editctl is the command-line front end for the edit history engine.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"edithistory/internal/config"
	"edithistory/internal/history"
	"edithistory/internal/logging"
	"edithistory/internal/metrics"
	"edithistory/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
	dbPath     = flag.String("db", "", "path to the edit database (overrides config)")
	jsonOutput = flag.Bool("json", false, "print results as JSON")

	metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address in shell mode")
)

// app holds the wiring shared by every command.
type app struct {
	cfg     *config.Config
	cfgPath string
	log     *logging.Logger
	store   *store.Store
	svc     *history.Service
	metrics *metrics.Metrics
}

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	if cmd == "help" {
		usage()
		return
	}

	a, err := openApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.dispatch(cmd, flag.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			usage()
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		a.Close()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `editctl - Non-destructive edit history for photo catalogs

Usage: editctl [options] <command> [args]

Commands:
  import <path>                         Register an image and print its id
  apply <image> <param> <value> [type]  Append a parameter edit
  state <image>                         Show the current edit state
  history <image> [limit]               List edit events, newest first
  timeline <image> [limit]              List recent edit events
  undo <image>                          Undo the most recent active edit
  redo <image> <event>                  Redo a previously undone edit
  reset <image>                         Delete every edit and snapshot of an image
  count <image>                         Count active edits since import
  replay <image>                        Show how each active edit was folded
  snapshot create <image> <name> [desc] Save the current state under a name
  snapshot list <image>                 List named snapshots
  snapshot restore <snapshot>           Restore an image to a named snapshot
  snapshot delete <snapshot>            Delete a named snapshot
  restore-event <image> <event>         Undo every edit after an event
  migrate status                        Show applied and pending schema migrations
  migrate down                          Roll back the latest schema migration (reapplied on next start)
  doctor                                Check database and engine health
  shell                                 Read commands from stdin, reloading config on change
  help                                  Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)
  -db <path>      Path to the edit database
  -json           Print results as JSON
  -metrics-addr   Serve /healthz and /metrics while the shell runs`)
}

func loadConfig() (*config.Config, string, error) {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	if path == "" {
		path = config.ConfigPath()
	}
	return cfg, path, nil
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = cfg.Output
	lc.FilePath = cfg.FilePath
	return logging.New(lc)
}

func historyOptions(cfg *config.Config) history.Options {
	return history.Options{
		CheckpointInterval: cfg.History.CheckpointInterval,
		TimelineLimit:      cfg.History.TimelineLimit,
		StrictPayloads:     cfg.History.StrictPayloads,
	}
}

func openApp() (*app, error) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	m := metrics.Nop()
	if cfg.Metrics.Enabled {
		m, err = metrics.New(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
		if err != nil {
			logger.Close()
			return nil, err
		}
	}

	st, err := store.OpenWithOptions(cfg.Storage.Path, store.Options{BusyTimeoutMs: cfg.Storage.BusyTimeoutMs})
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		log:     logger,
		store:   st,
		metrics: m,
		svc:     history.NewService(st, historyOptions(cfg), logger.WithComponent("history"), m),
	}, nil
}

// Close releases the database and log file. It is safe to call twice.
func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
	if a.log != nil {
		a.log.Close()
		a.log = nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
