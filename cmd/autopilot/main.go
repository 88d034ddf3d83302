package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"guardian/internal/audit"
	"guardian/internal/autopilot"
	"guardian/internal/config"
	"guardian/internal/db"
	"guardian/internal/directory"
	"guardian/internal/executor"
	"guardian/internal/health"
	"guardian/internal/hitl"
	"guardian/internal/logging"
	"guardian/internal/plan"
	"guardian/internal/policy"
	"guardian/internal/probe"
	"guardian/internal/web"
)

func main() {
	logging.Init("autopilot", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("autopilot: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var newDB = db.NewDB
var newServer = web.NewServer

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("autopilot", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	addr := ":8080"
	var cfg config.Config
	var database *db.DB
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if cfg.Server.HTTPAddr != "" {
			addr = cfg.Server.HTTPAddr
		}
		if cfg.Storage.PostgresDSN != "" {
			database, err = newDB(cfg.Storage.PostgresDSN)
			if err != nil {
				return err
			}
			defer database.Close()
		}
	}

	var threadStore hitl.Store
	var threadReads web.ThreadStore
	var counters health.CounterStore
	var actionLog executor.Log
	var actionCounter policy.ActionCounter
	var sink audit.Sink
	if database != nil {
		threadStore = database
		threadReads = database
		counters = database
		actionLog = database
		actionCounter = database
		sink = database
	} else {
		memStore := hitl.NewMemoryStore()
		memLog := executor.NewMemoryLog()
		threadStore = memStore
		threadReads = memStore
		counters = health.NewMemoryCounters()
		actionLog = memLog
		actionCounter = memLog
		sink = audit.LogSink{}
	}

	var dir directory.Directory
	if cfg.Directory.BaseURL != "" {
		dir = &directory.HTTPDirectory{
			BaseURL: cfg.Directory.BaseURL,
			Token:   cfg.Directory.Token,
			Limit:   cfg.Directory.Limit,
		}
	} else {
		targets := make([]directory.Target, 0, len(cfg.Directory.Targets))
		for _, t := range cfg.Directory.Targets {
			targets = append(targets, directory.Target{ID: t.ID, Address: t.Address, Protocol: t.Protocol})
		}
		dir = &directory.Static{Targets: targets}
	}

	policyPath := cfg.Autopilot.PolicyPath
	policyConfig := func() policy.Config {
		if policyPath == "" {
			return policy.DefaultConfig()
		}
		pc, err := policy.Load(policyPath)
		if err != nil {
			slog.Warn("policy load failed, staying in safe mode", "path", policyPath, "error", err)
		}
		return pc
	}

	pipeline := &autopilot.Pipeline{
		Directory: dir,
		Prober: &probe.Prober{
			Timeout:     ms(cfg.Probe.TimeoutMS),
			Retries:     cfg.Probe.Retries,
			BackoffBase: ms(cfg.Probe.BackoffBaseMS),
			BackoffMax:  ms(cfg.Probe.BackoffMaxMS),
			Budget:      ms(cfg.Probe.BudgetMS),
		},
		Scorer: &health.Scorer{
			Store:            counters,
			LatencyThreshold: ms(cfg.Probe.LatencyThresholdMS),
		},
		Planner: &plan.Client{
			BaseURL: cfg.Planner.BaseURL,
			Token:   cfg.Planner.Token,
			Timeout: ms(cfg.Planner.TimeoutMS),
			Retries: cfg.Planner.Retries,
		},
		Gate:         &policy.Gate{Actions: actionCounter},
		PolicyConfig: policyConfig,
		Threads:      &hitl.Manager{Store: threadStore},
		Executor: &executor.Executor{
			Client: &executor.HTTPClient{
				BaseURL: cfg.Actions.BaseURL,
				Token:   cfg.Actions.Token,
				Timeout: ms(cfg.Actions.TimeoutMS),
			},
			Log:     actionLog,
			Retries: cfg.Actions.Retries,
		},
		Recorder:    audit.NewRecorder(sink),
		Concurrency: cfg.Probe.Concurrency,
		MaxSteps:    cfg.Planner.MaxSteps,
	}

	srv := newServer(threadReads, pipeline)
	if database != nil {
		srv.Events = database
		srv.Ready = database.Ping
	}
	srv.Goroutines = web.NewGoroutineTracker()

	var wg sync.WaitGroup
	scheduler := &autopilot.Scheduler{
		Pipeline: pipeline,
		Interval: time.Duration(cfg.Autopilot.IntervalSecs) * time.Second,
		Cron:     cfg.Autopilot.Cron,
	}
	srv.Goroutines.Go(ctx, &wg, "scheduler", scheduler.Run)

	mainSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- serve(mainSrv)
	}()

	slog.Info("autopilot listening", "addr", addr)
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = mainSrv.Shutdown(shutdownCtx)
	stop()
	wg.Wait()
	return nil
}
