// Command escrowd serves the task escrow program over JSON-RPC.
//
// Usage:
//
//	escrowd [-config escrowd.toml] [-env .env]
//
// With the default stdio mode, requests are read line by line from stdin and
// responses written to stdout; logs go to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskescrow/api"
	"github.com/vinayprograms/taskescrow/bus"
	"github.com/vinayprograms/taskescrow/config"
	"github.com/vinayprograms/taskescrow/escrow"
	"github.com/vinayprograms/taskescrow/logging"
	"github.com/vinayprograms/taskescrow/ratelimit"
	"github.com/vinayprograms/taskescrow/shutdown"
	"github.com/vinayprograms/taskescrow/state"
	"github.com/vinayprograms/taskescrow/telemetry"
	"github.com/vinayprograms/taskescrow/transport"
)

func main() {
	configPath := flag.String("config", "", "config file (default: first of "+fmt.Sprint(config.StandardPaths())+")")
	envFile := flag.String("env", ".env", "dotenv file with ESCROW_* overrides")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if configPath == "" {
		configPath = config.Find()
	}
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}

	log := logging.New()
	log.SetOutput(os.Stderr)
	level, _ := logging.ParseLevel(cfg.Log.Level)
	log.SetLevel(level)
	log = log.WithComponent("escrowd")

	coord := shutdown.New(shutdown.DefaultTimeout, log)
	ctx, stop := coord.HandleSignals(context.Background())
	defer stop()

	d := &daemon{cfg: cfg, log: log, coord: coord}
	serveErr := d.start(ctx)
	if serveErr == nil {
		serveErr = d.serve(ctx)
	}
	stop()

	if err := coord.ShutdownWithTimeout(); err != nil {
		log.Warn("shutdown", map[string]interface{}{"error": err.Error()})
	}
	return serveErr
}

type daemon struct {
	cfg   *config.Config
	log   *logging.Logger
	coord *shutdown.Coordinator

	tracer  *telemetry.Tracer
	conn    *nats.Conn
	store   state.StateStore
	events  bus.MessageBus
	handler *api.Handler
}

// start builds every component and registers its teardown.
func (d *daemon) start(ctx context.Context) error {
	if err := d.startTelemetry(ctx); err != nil {
		return err
	}
	if d.cfg.UsesNATS() {
		conn, err := bus.Connect(bus.NATSConfig{
			URL:           d.cfg.NATS.URL,
			Name:          d.cfg.NATS.Name,
			CredsFile:     d.cfg.NATS.CredsFile,
			MaxReconnects: -1,
			Logger:        d.log,
		})
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		d.conn = conn
		d.coord.RegisterFunc("nats", shutdown.PhaseStore+1, func(context.Context) error {
			return conn.Drain()
		})
	}
	if err := d.startStore(); err != nil {
		return err
	}
	if err := d.startEvents(); err != nil {
		return err
	}

	opts := []escrow.Option{
		escrow.WithLogger(d.log),
		escrow.WithTracer(d.tracer),
		escrow.WithMaxAttempts(d.cfg.Program.MaxCommitAttempts),
		escrow.WithSubjectPrefix(d.cfg.Events.SubjectPrefix),
	}
	if d.events != nil {
		opts = append(opts, escrow.WithBus(d.events))
	}
	program := escrow.NewProgram(d.store, opts...)
	d.handler = api.NewHandler(program,
		api.WithLogger(d.log),
		api.WithTracer(d.tracer),
		api.WithRateLimit(ratelimit.New(d.cfg.Server.RateLimit, time.Minute)),
	)
	return nil
}

func (d *daemon) startTelemetry(ctx context.Context) error {
	d.tracer = telemetry.GetTracer()
	if !d.cfg.Telemetry.Enabled {
		return nil
	}
	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName: d.cfg.Telemetry.ServiceName,
		Endpoint:    d.cfg.Telemetry.Endpoint,
		Protocol:    d.cfg.Telemetry.Protocol,
		Insecure:    d.cfg.Telemetry.Insecure,
		SampleRatio: d.cfg.Telemetry.SampleRatio,
		Debug:       d.cfg.Telemetry.Debug,
		Attributes: map[string]string{
			"escrow.store.backend":  d.cfg.Store.Backend,
			"escrow.events.backend": d.cfg.Events.Backend,
		},
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	d.tracer = provider.Tracer()
	d.coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)
	d.log.Info("tracing enabled", map[string]interface{}{
		"endpoint": d.cfg.Telemetry.Endpoint,
		"protocol": d.cfg.Telemetry.Protocol,
	})
	return nil
}

func (d *daemon) startStore() error {
	var store state.StateStore
	switch d.cfg.Store.Backend {
	case "memory":
		store = state.NewMemoryStore()
	case "bolt":
		s, err := state.NewBoltStore(state.BoltStoreConfig{Path: d.cfg.Store.Path, Bucket: d.cfg.Store.Bucket})
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		store = s
	case "nats":
		s, err := state.NewNATSStore(state.NATSStoreConfig{Conn: d.conn, Bucket: d.cfg.Store.Bucket})
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		store = s
	default:
		return fmt.Errorf("store: unknown backend %q", d.cfg.Store.Backend)
	}
	d.store = store
	d.coord.RegisterFunc("store", shutdown.PhaseStore, func(context.Context) error {
		return store.Close()
	})
	d.log.Info("store ready", map[string]interface{}{"backend": d.cfg.Store.Backend})
	return nil
}

func (d *daemon) startEvents() error {
	switch d.cfg.Events.Backend {
	case "none":
		return nil
	case "memory":
		mb := bus.NewMemoryBus(bus.DefaultConfig())
		// Keep an in-process subscriber so events are visible in debug logs.
		sub, err := mb.Subscribe(d.cfg.Events.SubjectPrefix + ".task.>")
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		go d.logEvents(sub)
		d.events = mb
	case "nats":
		d.events = bus.NewNATSBusFromConn(d.conn, bus.DefaultConfig())
	default:
		return fmt.Errorf("events: unknown backend %q", d.cfg.Events.Backend)
	}
	events := d.events
	d.coord.RegisterFunc("events", shutdown.PhaseEvents, func(context.Context) error {
		return events.Close()
	})
	return nil
}

func (d *daemon) logEvents(sub bus.Subscription) {
	log := d.log.WithComponent("events")
	for msg := range sub.Messages() {
		e, err := escrow.DecodeEvent(msg.Data)
		if err != nil {
			log.Warn("undecodable event", map[string]interface{}{"subject": msg.Subject, "error": err.Error()})
			continue
		}
		log.Debug("event", map[string]interface{}{"subject": msg.Subject, "id": e.ID, "task_id": e.TaskID})
	}
}

func (d *daemon) serve(ctx context.Context) error {
	switch d.cfg.Server.Mode {
	case "stdio":
		d.log.Info("serving", map[string]interface{}{"mode": "stdio"})
		server := transport.NewServer(os.Stdin, os.Stdout, d.handler)
		// Stdin reads do not observe ctx; a signal ends serve without
		// waiting for the next line.
		errCh := make(chan error, 1)
		go func() { errCh <- server.Serve(ctx) }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	case "websocket":
		if !d.cfg.Server.Loopback() {
			// Callers name themselves in params; only an authenticating
			// proxy in front of escrowd makes that safe off-host.
			d.log.Warn("websocket listening beyond loopback; caller identities are not authenticated",
				map[string]interface{}{"listen": d.cfg.Server.Listen})
		}
		ws := transport.NewWebSocketServer(d.handler, transport.DefaultWebSocketConfig(), d.log)
		d.coord.RegisterFunc("websocket", shutdown.PhaseTransport, func(context.Context) error {
			ws.Shutdown()
			return nil
		})
		d.log.Info("serving", map[string]interface{}{
			"mode":   "websocket",
			"listen": d.cfg.Server.Listen,
			"path":   d.cfg.Server.Path,
		})
		return transport.ListenAndServe(ctx, d.cfg.Server.Listen, d.cfg.Server.Path, ws)
	default:
		return fmt.Errorf("server: unknown mode %q", d.cfg.Server.Mode)
	}
}
