package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edithistory/internal/config"
)

// cmdShell reads commands from stdin until EOF or "quit". The config file is
// watched, and history options are updated in place when it changes.
func (a *app) cmdShell() error {
	loader := config.NewLoader(a.cfgPath)
	if _, err := loader.Load(); err != nil {
		a.log.Warn("config not loaded for watching", slog.String("path", a.cfgPath), slog.Any("error", err))
	}
	loader.OnChange(a.applyConfigChange)
	if err := loader.Watch(); err != nil {
		a.log.Warn("config watch disabled", slog.Any("error", err))
	}

	reloadErrs := make(chan struct{})
	go func() {
		defer close(reloadErrs)
		for err := range loader.Errors() {
			a.log.Warn("config reload failed", slog.Any("error", err))
		}
	}()
	defer func() {
		loader.Close()
		<-reloadErrs
	}()

	if srv := a.startHTTPServer(); srv != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("editctl> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "shell":
			fmt.Println("already in shell")
			continue
		case "help":
			usage()
			continue
		}

		if err := a.dispatch(fields[0], fields[1:]); err != nil {
			if errors.Is(err, errUsage) {
				fmt.Fprintln(os.Stderr, "invalid usage, type help")
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
	}
}

// startHTTPServer serves health endpoints, plus /metrics when metrics are
// enabled, on -metrics-addr.
// applyConfigChange pushes reloaded history settings into the running
// service. Other sections are only read at startup.
func (a *app) applyConfigChange(ch config.Change) {
	if ch.RestartRequired() {
		a.log.Warn("storage, logging or metrics settings changed, restart editctl to apply them",
			slog.String("path", a.cfgPath))
	}
	if !ch.HistoryChanged() {
		return
	}
	if err := a.svc.SetOptions(historyOptions(ch.Current)); err != nil {
		a.log.Error("apply reloaded config", slog.Any("error", err))
		return
	}
	a.log.Info("history options reloaded",
		slog.String("path", a.cfgPath),
		slog.Int("checkpoint_interval", ch.Current.History.CheckpointInterval),
		slog.Bool("strict_payloads", ch.Current.History.StrictPayloads),
	)
}

func (a *app) startHTTPServer() *http.Server {
	if *metricsAddr == "" {
		return nil
	}

	checker := a.healthChecker()
	mux := http.NewServeMux()
	mux.Handle("/healthz", checker.HealthHandler())
	mux.Handle("/livez", checker.LivenessHandler())
	if a.cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		a.log.Warn("metrics disabled in config, serving health endpoints only")
	}

	srv := &http.Server{
		Addr:              *metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server", slog.Any("error", err))
		}
	}()
	a.log.Info("serving http", slog.String("addr", *metricsAddr))
	return srv
}
