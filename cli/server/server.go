// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/lazyaf/engine/config"
	"github.com/lazyaf/engine/internal/api"
	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/container"
	controlserver "github.com/lazyaf/engine/internal/control/server"
	"github.com/lazyaf/engine/internal/control/token"
	"github.com/lazyaf/engine/internal/debugsvc"
	"github.com/lazyaf/engine/internal/eventbus"
	"github.com/lazyaf/engine/internal/gitsource"
	"github.com/lazyaf/engine/internal/localexec"
	"github.com/lazyaf/engine/internal/recovery"
	"github.com/lazyaf/engine/internal/remoteexec"
	"github.com/lazyaf/engine/internal/router"
	"github.com/lazyaf/engine/internal/safego"
	"github.com/lazyaf/engine/internal/scheduler"
	"github.com/lazyaf/engine/internal/store"
	"github.com/lazyaf/engine/internal/store/memstore"
	pgstore "github.com/lazyaf/engine/internal/store/pg"
	"github.com/lazyaf/engine/internal/workspace"
	"github.com/lazyaf/engine/logger"
	lazyafserver "github.com/lazyaf/engine/server"
)

type serverCommand struct {
	envfile string
}

// engine bundles every wired component so the recovery/debug sweepers and
// the HTTP handler can all reach them after construction.
type engine struct {
	store     store.Gateway
	bus       *eventbus.Bus
	clock     clock.Clock
	scheduler *scheduler.Scheduler
	debug     *debugsvc.Service
	remote    *remoteexec.Registry
	sweeper   *recovery.Sweeper
	control   *controlserver.Handlers
}

func build(cfg config.Config) (*engine, error) {
	c := clock.System{}
	bus := eventbus.New()

	var gw store.Gateway
	var locker workspace.Locker
	if cfg.Database.DatabaseURL == "" {
		gw = memstore.New(c)
		locker = workspace.NewMemLocker()
	} else {
		pool, err := pgxpool.New(context.Background(), cfg.Database.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		gw = pgstore.New(pool, c)
		if cfg.Engine.SingleNode {
			locker = workspace.NewMemLocker()
		} else {
			locker = workspace.NewPGLocker(pool)
		}
	}

	dockerCli, err := client.NewClientWithOpts(client.WithHost(cfg.Docker.Host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	orch := container.New(dockerCli, false)

	git := gitsource.New()
	ws := workspace.NewManager(gw, orch, git, locker, c)

	secret := []byte(cfg.Engine.TokenSecret)
	if len(secret) == 0 {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		secret = []byte(hex.EncodeToString(b))
		logrus.Warnln("ENGINE_TOKEN_SECRET not set: using an ephemeral per-process secret, step tokens will not validate across restarts")
	}
	signer := token.NewSigner(secret)

	local := localexec.New(gw, orch, ws, signer, bus, c)

	remote := remoteexec.NewWithSettings(gw, bus, c, remoteexec.SettingsFromConfig(cfg))

	policy := router.Policy{
		AllowLocalAgentSteps: cfg.Engine.AllowLocalAgentSteps,
		DefaultRunnerType:    cfg.Engine.DefaultRunnerType,
		ForceLocal:           false,
		ForceRemote:          cfg.Engine.ForceRemote,
	}
	localAvailable := func() bool { return cfg.Engine.UseLocalExecutor }
	rt := router.New(policy, localAvailable)

	sched := scheduler.New(gw, bus, c, rt, local, remote, ws, git, nil)
	sched.TriggerDedupWindow = time.Duration(cfg.Engine.TriggerDedupWindowSecs) * time.Second
	sched.DefaultStepTimeout = time.Duration(cfg.Engine.DefaultStepTimeoutSecs) * time.Second

	debugSvc := debugsvc.New(gw, bus, c, sched, orch, remote, ws)
	debugSvc.DefaultTimeout = time.Duration(cfg.Engine.DebugDefaultTimeoutSecs) * time.Second
	debugSvc.MaxTimeout = time.Duration(cfg.Engine.DebugMaxTimeoutSecs) * time.Second
	sched.SetDebugGate(debugSvc)

	sweeper := recovery.New(gw, ws, remote, c)
	sweeper.WorkspaceGrace = time.Duration(cfg.Engine.OrphanGraceMinutes) * time.Minute
	sweeper.RetentionWindow = time.Duration(cfg.Engine.CompletedExecRetainDays) * 24 * time.Hour

	ctrl := controlserver.New(gw, signer, bus, c)

	return &engine{
		store: gw, bus: bus, clock: c, scheduler: sched,
		debug: debugSvc, remote: remote, sweeper: sweeper, control: ctrl,
	}, nil
}

func (c *serverCommand) run(*kingpin.ParseContext) error {
	_ = godotenv.Load(c.envfile)

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Errorln("cannot load the service configuration")
		return err
	}
	initLogging(cfg)

	eng, err := build(cfg)
	if err != nil {
		logrus.WithError(err).Errorln("failed to wire the engine")
		return err
	}

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer func() {
		signal.Stop(sig)
		cancel()
	}()
	go func() {
		select {
		case val := <-sig:
			logrus.Infof("received OS signal to exit server: %s", val)
			cancel()
		case <-ctx.Done():
			logrus.Infoln("received a done signal to exit server")
		}
	}()

	eng.sweeper.RunLoop(ctx, time.Minute)

	// Dead-runner detection runs on its own, much tighter cadence than the
	// once-a-minute full recovery sweep: spec §8 bounds a dead runner's
	// step sitting in PENDING to about one heartbeat interval, which a
	// once-a-minute sweep alone can miss by up to ~50s.
	deadRunnerSweep := time.Duration(cfg.Engine.HeartbeatIntervalSeconds) * time.Second
	if deadRunnerSweep <= 0 {
		deadRunnerSweep = 10 * time.Second
	}
	safego.SafeGoWithContext("remote-dead-runner-sweep", ctx, func(ctx context.Context) {
		ticker := time.NewTicker(deadRunnerSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				eng.remote.SweepDead(ctx)
			}
		}
	})

	safego.SafeGoWithContext("debug-session-sweep", ctx, func(ctx context.Context) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				eng.debug.SweepExpired(ctx)
			}
		}
	})

	srv := lazyafserver.Server{
		Addr:     cfg.Server.Bind,
		Handler:  api.Handler(api.Deps{Store: eng.store, Control: eng.control, Remote: eng.remote, Debug: eng.debug, Clock: eng.clock}),
		CAFile:   cfg.Server.CACertFile,
		CertFile: cfg.Server.CertFile,
		KeyFile:  cfg.Server.KeyFile,
		Insecure: cfg.Server.Insecure,
	}

	logrus.Infof("server listening at address %s", cfg.Server.Bind)

	err = srv.Start(ctx)
	if err == context.Canceled {
		logrus.Infoln("program gracefully terminated")
		return nil
	}
	if err != nil {
		logrus.Errorf("program terminated with error: %s", err)
	}
	return err
}

// Register the server command.
func Register(app *kingpin.Application) {
	c := new(serverCommand)

	cmd := app.Command("server", "start the pipeline execution engine").
		Action(c.run)

	cmd.Flag("env-file", "environment file").
		Default(".env").
		StringVar(&c.envfile)
}

// OutputSplitter routes error-level log lines to stderr and everything
// else to stdout, matching how most container log collectors split
// severity by stream.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

func initLogging(c config.Config) {
	logrus.SetOutput(&OutputSplitter{})
	l := logrus.StandardLogger()
	logger.L = logrus.NewEntry(l)
	if c.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
	if c.Trace {
		l.SetLevel(logrus.TraceLevel)
	}
}
