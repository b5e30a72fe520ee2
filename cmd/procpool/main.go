//go:build unix

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guseggert/procpool/agent"
	"github.com/guseggert/procpool/internal/files"
	"github.com/guseggert/procpool/process"
	"github.com/guseggert/procpool/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envLogLevel = "PROCPOOL_LOG_LEVEL"

func main() {
	// replicas are the same binary, they find their worker in the environment
	spec, ok, err := execSpecFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	if ok {
		worker.RegisterChild(newExecWorker(spec))
	}
	if process.Init() {
		return
	}

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var controlFlag = &cli.StringFlag{
	Name:    "control",
	Usage:   "Address of the control socket, unix:///path or tcp://host:port. Defaults to the nearest " + agent.DefaultSocketName + " in this directory or its parents.",
	EnvVars: []string{"PROCPOOL_CONTROL"},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "procpool",
		Usage: "keep pools of worker processes running",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			{
				Name:   "status",
				Usage:  "show the state of every replica",
				Flags:  []cli.Flag{controlFlag, &cli.BoolFlag{Name: "json", Usage: "Print the status as JSON."}},
				Action: statusAction,
			},
			{
				Name:      "reload",
				Usage:     "ask every replica of a worker to reload",
				ArgsUsage: "WORKER",
				Flags:     []cli.Flag{controlFlag},
				Action: func(ctx *cli.Context) error {
					return withClient(ctx, func(c *agent.Client, name string) error { return c.Reload(ctx.Context, name) })
				},
			},
			{
				Name:      "terminate",
				Usage:     "terminate every replica of a worker and stop restarting them",
				ArgsUsage: "WORKER",
				Flags:     []cli.Flag{controlFlag},
				Action: func(ctx *cli.Context) error {
					return withClient(ctx, func(c *agent.Client, name string) error { return c.Terminate(ctx.Context, name) })
				},
			},
			{
				Name:      "guard",
				Usage:     "restart a replica slot, resetting its restart attempts",
				ArgsUsage: "WORKER",
				Flags:     []cli.Flag{controlFlag, &cli.IntFlag{Name: "index", Usage: "The slot to restart.", Required: true}},
				Action: func(ctx *cli.Context) error {
					return withClient(ctx, func(c *agent.Client, name string) error {
						return c.Guard(ctx.Context, name, ctx.Int("index"))
					})
				},
			},
			{
				Name:      "send",
				Usage:     "send a command to the replicas of a worker",
				ArgsUsage: "WORKER COMMAND [KEY=VALUE...]",
				Flags: []cli.Flag{
					controlFlag,
					&cli.IntSliceFlag{Name: "index", Usage: "Replicas to send to. Defaults to all of them."},
				},
				Action: sendAction,
			},
			{
				Name:   "events",
				Usage:  "print replica state changes as they happen",
				Flags:  []cli.Flag{controlFlag},
				Action: eventsAction,
			},
		},
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.WithOptions(zap.IncreaseLevel(level)), nil
}

// controlAddr returns the --control address, or the nearest control socket above the working directory.
func controlAddr(ctx *cli.Context) (string, error) {
	if addr := ctx.String("control"); addr != "" {
		return addr, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	p, err := files.FindUp(agent.DefaultSocketName, wd)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("no %s found in %s or its parents, pass --control", agent.DefaultSocketName, wd)
	}
	return "unix://" + p, nil
}

func newClient(ctx *cli.Context) (*agent.Client, error) {
	addr, err := controlAddr(ctx)
	if err != nil {
		return nil, err
	}
	l, err := newLogger(ctx)
	if err != nil {
		return nil, err
	}
	return agent.NewClient(addr, agent.WithClientLogger(l))
}

func withClient(ctx *cli.Context, f func(c *agent.Client, name string) error) error {
	name := ctx.Args().First()
	if name == "" {
		return cli.Exit("missing WORKER argument", 2)
	}
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	return f(c, name)
}

func statusAction(ctx *cli.Context) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	status, err := c.Status(ctx.Context)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tINDEX\tSTATE\tPID\tATTEMPTS\tEXIT\tCPU%\tRSS\tSINCE")
	for _, p := range status {
		for _, s := range p.Slots {
			cpu, rss := "-", "-"
			if st, ok := p.Stats[s.Index]; ok {
				cpu = fmt.Sprintf("%.1f", st.CPUPercent)
				rss = fmt.Sprintf("%dMiB", st.RSS>>20)
			}
			pid := "-"
			if s.PID != 0 {
				pid = fmt.Sprint(s.PID)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				p.Name, s.Index, s.State, pid, s.Attempts, s.ExitCode, cpu, rss, time.Since(s.Since).Round(time.Second))
		}
	}
	return tw.Flush()
}

// parseArguments turns KEY=VALUE pairs into command arguments. Values that are valid JSON are decoded, anything else
// is kept as a string.
func parseArguments(pairs []string) (map[string]any, error) {
	args := map[string]any{}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not KEY=VALUE", kv)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			decoded = v
		}
		args[k] = decoded
	}
	return args, nil
}

func sendAction(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return cli.Exit("usage: procpool send WORKER COMMAND [KEY=VALUE...]", 2)
	}
	args, err := parseArguments(ctx.Args().Slice()[2:])
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	cmd := worker.Command{Name: ctx.Args().Get(1)}
	if len(args) > 0 {
		cmd.Arguments = args
	}
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	return c.Send(ctx.Context, cmd, ctx.Args().First(), ctx.IntSlice("index")...)
}

func eventsAction(ctx *cli.Context) error {
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	events, err := c.Events(ctx.Context)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a pool of replicas of a command and keep them running",
		ArgsUsage: "-- COMMAND [ARGS...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "The worker name.", Required: true},
			&cli.IntFlag{Name: "count", Usage: "The number of replicas.", Value: 1},
			&cli.StringFlag{
				Name:  "control",
				Usage: "The address for the control API to listen on.",
				Value: "unix://" + agent.DefaultSocketName,
			},
			&cli.StringSliceFlag{Name: "watch", Usage: "Reload the replicas when these files change."},
			&cli.IntFlag{Name: "max-restarts", Usage: "Give up on a replica after this many restarts.", Value: 10},
			&cli.DurationFlag{Name: "backoff", Usage: "Delay before the first restart, doubled on every restart.", Value: 100 * time.Millisecond},
			&cli.DurationFlag{Name: "max-backoff", Usage: "Upper bound of the restart delay.", Value: 30 * time.Second},
			&cli.DurationFlag{Name: "stop-timeout", Usage: "How long replicas get to exit before being killed.", Value: 10 * time.Second},
			&cli.DurationFlag{Name: "heartbeat-timeout", Usage: "Stop the pool when no heartbeat arrives on the control API for this long. Disabled when 0."},
			&cli.StringFlag{Name: "temp-dir", Usage: "Directory for stream overflow files. Defaults to the system temp dir."},
		},
		Action: runAction,
	}
}

func runAction(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}
	spec := execSpec{
		Name:        ctx.String("name"),
		Count:       ctx.Int("count"),
		Command:     ctx.Args().Slice(),
		StopTimeout: ctx.Duration("stop-timeout"),
	}
	if err := spec.validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if err := spec.export(); err != nil {
		return err
	}
	if err := os.Setenv(envLogLevel, ctx.String("log-level")); err != nil {
		return err
	}
	tempDir := ctx.String("temp-dir")
	if tempDir != "" {
		// replicas share the directory, so it must not depend on their working directory
		tempDir, err = filepath.Abs(tempDir)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(tempDir, 0o700); err != nil {
			return fmt.Errorf("creating temp dir: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// signals are forwarded to the replicas, then the pool is stopped instead of exiting on the spot
	sup := process.NewSupervisor(
		process.WithLogger(logger),
		process.WithShutdownSignals(),
		process.WithExitFunc(func(int) { cancel() }),
	)
	defer sup.Close()

	m := worker.NewManager(sup,
		worker.WithLogger(logger),
		worker.WithRegisterer(reg),
		worker.WithMaxRestarts(ctx.Int("max-restarts")),
		worker.WithBackoff(ctx.Duration("backoff"), ctx.Duration("max-backoff")),
		worker.WithStopTimeout(ctx.Duration("stop-timeout")),
		worker.WithTempDir(tempDir),
	)
	if err := m.Add(newExecWorker(spec)); err != nil {
		return err
	}

	agentOpts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithListenAddr(ctx.String("control")),
		agent.WithGatherer(reg),
	}
	if d := ctx.Duration("heartbeat-timeout"); d > 0 {
		agentOpts = append(agentOpts,
			agent.WithHeartbeatTimeout(d),
			agent.WithHeartbeatFailureHandler(cancel),
		)
	}
	a := agent.NewAgent(m, agentOpts...)
	l, err := agent.Listen(ctx.String("control"))
	if err != nil {
		return err
	}
	go func() {
		if err := a.Serve(l); err != nil {
			logger.Sugar().Errorw("control API stopped", "Error", err)
		}
	}()
	defer a.Stop()

	if paths := ctx.StringSlice("watch"); len(paths) > 0 {
		w, err := newReloadWatcher(logger, paths, func() error { return m.Reload(spec.Name) })
		if err != nil {
			return err
		}
		go w.run(runCtx)
		defer w.close()
	}

	return m.Run(runCtx)
}
