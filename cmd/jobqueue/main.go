// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/admin"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/monitor"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/reaper"
	"github.com/flyingrobots/go-redis-work-queue/internal/redisclient"
	"github.com/flyingrobots/go-redis-work-queue/internal/scheduler"
	"github.com/flyingrobots/go-redis-work-queue/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var role, configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.StringVar(&role, "role", "worker", "Process role: worker|scheduler|monitor|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}
	args := fs.Args()

	if showVersion {
		fmt.Println(version)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	if role == "admin" {
		cli := admin.New(rdb, cfg.Queue.Prefix, logger)
		return runAdmin(context.Background(), cli, args)
	}

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Worker.CloseGrace + 5*time.Second):
		}
	}()

	switch role {
	case "worker":
		runWorker(ctx, cfg, rdb, logger)
	case "scheduler":
		runScheduler(ctx, cfg, rdb, logger)
	case "monitor":
		runMonitor(ctx, cfg, rdb, logger)
	default:
		logger.Error("unknown role", obs.String("role", role))
		return 2
	}
	return 0
}

// ingestFileResult is the return value of the demo "ingest-file" processor
// registered below; real business processors (FPL sync, results ingestion,
// league picks) are external collaborators the runtime never imports.
type ingestFileResult struct {
	FilePath string `json:"filePath"`
	FileSize int64  `json:"fileSize"`
}

func demoRegistry() *worker.Registry {
	reg := worker.NewRegistry()
	reg.Register("ingest-file", func(ctx context.Context, job queue.Job) ([]byte, error) {
		var env queue.Envelope
		if err := json.Unmarshal(job.Payload, &env); err != nil {
			return nil, err
		}
		var data struct {
			FilePath string `json:"filePath"`
			FileSize int64  `json:"fileSize"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		return json.Marshal(ingestFileResult{FilePath: data.FilePath, FileSize: data.FileSize})
	})
	return reg
}

func runWorker(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) {
	store := jobstore.New(rdb, cfg.Queue.Prefix, cfg.Queue.Name, logger)
	w := worker.New(cfg.Worker, cfg.Queue.Name, store, demoRegistry(), logger)

	rep := reaper.New([]*jobstore.Store{store}, cfg.Worker.StalledInterval, cfg.Worker.MaxStalledCount, 100, logger)
	go rep.Run(ctx)

	w.Start(ctx)
	<-ctx.Done()
	w.Close(cfg.Worker.CloseGrace)
}

func runScheduler(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) {
	svc := scheduler.New(rdb, cfg.Queue.Prefix, cfg.Queue.Name, cfg.Scheduler.CatchupMax, logger)
	svc.Run(ctx, cfg.Scheduler.TickInterval, cfg.Scheduler.LeaderLockTTL)
}

func runMonitor(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) {
	store := jobstore.New(rdb, cfg.Queue.Prefix, cfg.Queue.Name, logger)
	m := monitor.New(store, cfg.Monitor.HistorySize, logger)
	m.OnEvent(func(evt jobstore.Event) {
		logger.Debug("lifecycle event", obs.String("type", evt.Event), obs.String("job_id", evt.JobID))
	})
	out := make(chan monitor.QueueMetrics, 8)
	go func() {
		for snap := range out {
			logger.Info("queue snapshot",
				obs.Int("waiting", int(snap.Waiting)), obs.Int("active", int(snap.Active)),
				obs.Int("completed", int(snap.Completed)), obs.Int("failed", int(snap.Failed)),
				obs.Int("delayed", int(snap.Delayed)))
		}
	}()
	m.Run(ctx, cfg.Monitor.MetricsInterval, out)
	close(out)
}

// runAdmin dispatches one operational subcommand and returns the process
// exit code: 0 success, 2 invalid args, 1 runtime failure.
func runAdmin(ctx context.Context, cli *admin.CLI, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: jobqueue -role admin <queue list|queue pause <name>|queue drain <name>|scheduler list <queue>|job peek <queue> <id>|worker stats <queue>>")
		return 2
	}

	switch args[0] {
	case "queue":
		if len(args) < 2 {
			return invalidArgs("queue requires a subcommand: list|pause|drain")
		}
		switch args[1] {
		case "list":
			list, err := cli.QueueList(ctx)
			if err != nil {
				return runtimeFailure(err)
			}
			return printJSON(list)
		case "pause":
			if len(args) != 3 {
				return invalidArgs("queue pause requires a queue name")
			}
			if err := cli.QueuePause(ctx, args[2]); err != nil {
				return runtimeFailure(err)
			}
			fmt.Println("paused")
			return 0
		case "drain":
			if len(args) != 3 {
				return invalidArgs("queue drain requires a queue name")
			}
			n, err := cli.QueueDrain(ctx, args[2])
			if err != nil {
				return runtimeFailure(err)
			}
			fmt.Printf("drained %d jobs\n", n)
			return 0
		default:
			return invalidArgs("unknown queue subcommand: " + args[1])
		}
	case "scheduler":
		if len(args) != 3 || args[1] != "list" {
			return invalidArgs("usage: scheduler list <queue>")
		}
		list, err := cli.SchedulerList(ctx, args[2])
		if err != nil {
			return runtimeFailure(err)
		}
		return printJSON(list)
	case "job":
		if len(args) != 4 || args[1] != "peek" {
			return invalidArgs("usage: job peek <queue> <id>")
		}
		job, err := cli.JobPeek(ctx, args[2], args[3])
		if err != nil {
			return runtimeFailure(err)
		}
		return printJSON(job)
	case "worker":
		if len(args) != 3 || args[1] != "stats" {
			return invalidArgs("usage: worker stats <queue>")
		}
		stats, err := cli.WorkerStats(ctx, args[2])
		if err != nil {
			return runtimeFailure(err)
		}
		return printJSON(stats)
	default:
		return invalidArgs("unknown subcommand: " + args[0])
	}
}

func invalidArgs(msg string) int {
	fmt.Fprintln(os.Stderr, msg)
	return 2
}

func runtimeFailure(err error) int {
	fmt.Fprintln(os.Stderr, err)
	return 1
}

func printJSON(v interface{}) int {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return runtimeFailure(err)
	}
	fmt.Println(string(b))
	return 0
}
