package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/msageha/courier/internal/api"
	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/executor"
	"github.com/msageha/courier/internal/lock"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/queue"
	"github.com/msageha/courier/internal/store"
	"github.com/msageha/courier/internal/uds"
	yamlcfg "github.com/msageha/courier/internal/yaml"
)

const auditMaxSize = 10 * 1024 * 1024

// Daemon is the main courier process: HTTP API, admin socket, maintenance
// jobs and the execution runner around one store and one queue.
type Daemon struct {
	dataDir string
	config  model.Config
	logger  zerolog.Logger
	logFile io.Closer

	fileLock   *lock.FileLock
	server     *uds.Server
	httpServer *http.Server
	listener   net.Listener
	watcher    *fsnotify.Watcher
	scheduler  *Scheduler

	store store.Store
	queue queue.Queue
	bus   *events.Bus
	audit *events.AuditLogger
	kafka *events.KafkaSink
	hub   *api.Hub

	directory *Directory
	commands  *CommandService
	runner    *ExecutionRunner
	registry  *executor.Registry

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}
}

// New creates a daemon logging to <dataDir>/logs/daemon.log.
func New(dataDir string, cfg model.Config) (*Daemon, error) {
	logFile, err := logging.OpenFile(dataDir, "daemon")
	if err != nil {
		return nil, err
	}
	return newDaemon(dataDir, cfg, logFile, logFile), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(dataDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	// The logger passes everything; the global level set here and on
	// reload does the filtering.
	logging.SetLevel(cfg.Logging.Level)
	logger := logging.New("courier", w, "info", false).Level(zerolog.TraceLevel)

	registry := executor.NewRegistry(executor.KindEcho)
	directory := NewDirectory(cfg.Agents, cfg.Groups)

	return &Daemon{
		dataDir:   dataDir,
		config:    cfg,
		logger:    logger,
		logFile:   closer,
		fileLock:  lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
		server:    uds.NewServer(filepath.Join(dataDir, uds.DefaultSocketName), logger),
		scheduler: NewScheduler(logging.Component(logger, "scheduler")),
		directory: directory,
		registry:  registry,
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
}

// Registry exposes the executor registry so callers can add kinds before Run.
func (d *Daemon) Registry() *executor.Registry {
	return d.registry
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	<-d.stopped
	return nil
}

// Start acquires the daemon lock and brings every component up. On error
// everything already started is torn down again.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Join(d.dataDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(zerolog.InfoLevel, "daemon starting pid=%d dir=%s", os.Getpid(), d.dataDir)

	if err := d.start(); err != nil {
		d.log(zerolog.ErrorLevel, "startup failed error=%v", err)
		d.Shutdown()
		return err
	}
	d.log(zerolog.InfoLevel, "daemon ready http=%s", d.HTTPAddr())
	return nil
}

func (d *Daemon) start() error {
	RegisterMetrics()

	// Step 1: Storage and queue
	st, err := store.Open(d.ctx, d.config.Store, d.dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st
	q, err := queue.Open(d.ctx, d.config.Queue)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	d.queue = q

	// Step 2: Event bus and its sinks
	d.bus = events.NewBus(d.config.Events.BusBuffer)
	if d.config.Events.AuditLogPath != "" {
		path := d.config.Events.AuditLogPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.dataDir, path)
		}
		audit, err := events.NewAuditLogger(path, auditMaxSize)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
		audit.Attach(d.bus)
	}
	if len(d.config.Events.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(d.config.Events.KafkaBrokers, d.config.Events.KafkaTopic, d.logger)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		d.kafka = sink
		sink.Attach(d.bus)
	}
	d.hub = api.NewHub(d.logger)
	d.hub.Attach(d.bus)

	// Step 3: Services
	d.commands = NewCommandService(d.store, d.queue, d.config, d.logger)
	d.commands.SetEventBus(d.bus)
	d.commands.SetDirectory(d.directory)
	d.runner = NewExecutionRunner(d.store, d.registry, d.directory, d.config.Runner, d.logger)
	d.runner.SetEventBus(d.bus)

	// Step 4: Bring the queue in line with the store before serving
	if _, err := d.commands.Reconcile(d.ctx); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	// Step 5: Admin socket
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}

	// Step 6: HTTP API
	ln, err := net.Listen("tcp", d.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.config.Server.HTTPAddr, err)
	}
	d.listener = ln
	d.httpServer = &http.Server{
		Handler: api.NewRouter(&api.App{
			Commands:        d.commands,
			Executions:      d.runner,
			Hub:             d.hub,
			Logger:          logging.Component(d.logger, "http"),
			Observe:         RecordHTTPRequest,
			DefaultPageSize: d.config.Commands.DefaultPageSize,
			CORSOrigins:     d.config.Server.CORSOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log(zerolog.ErrorLevel, "http server error=%v", err)
		}
	}()

	// Step 7: Maintenance jobs
	if err := d.scheduler.Every("sweep", time.Duration(d.config.Monitor.SweepIntervalSec)*time.Second, func(ctx context.Context) error {
		_, err := d.commands.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := d.scheduler.Every("reconcile", time.Duration(d.config.Monitor.ReconcileIntervalSec)*time.Second, func(ctx context.Context) error {
		_, err := d.commands.Reconcile(ctx)
		return err
	}); err != nil {
		return err
	}
	d.scheduler.Start()

	// Step 8: Config reload
	if err := d.watchConfig(); err != nil {
		d.log(zerolog.WarnLevel, "config watch disabled error=%v", err)
	}
	return nil
}

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (d *Daemon) HTTPAddr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// SocketPath returns the admin socket path.
func (d *Daemon) SocketPath() string {
	return filepath.Join(d.dataDir, uds.DefaultSocketName)
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle("status", func(ctx context.Context, _ *uds.Request) *uds.Response {
		stats, err := d.commands.Stats(ctx, "")
		if err != nil {
			return uds.ErrorFrom(err)
		}
		return uds.SuccessResponse(map[string]any{
			"http_addr":          d.HTTPAddr(),
			"commands":           stats,
			"running_executions": d.runner.Running(),
			"ws_clients":         d.hub.Clients(),
			"agents":             len(d.directory.Agents()),
			"groups":             len(d.directory.Groups()),
		})
	})

	d.server.Handle("sweep", func(ctx context.Context, _ *uds.Request) *uds.Response {
		report, err := d.commands.Sweep(ctx)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		return uds.SuccessResponse(report)
	})

	d.server.Handle("reconcile", func(ctx context.Context, _ *uds.Request) *uds.Response {
		repairs, err := d.commands.Reconcile(ctx)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		if repairs == nil {
			repairs = []ReconcileRepair{}
		}
		return uds.SuccessResponse(map[string]any{"repairs": repairs, "count": len(repairs)})
	})

	d.server.Handle("shutdown", func(context.Context, *uds.Request) *uds.Response {
		d.log(zerolog.InfoLevel, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// watchConfig reloads log level and the agent directory when config.yaml
// changes. The directory is watched so editor rename-saves are seen.
func (d *Daemon) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(d.dataDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", d.dataDir, err)
	}
	d.watcher = watcher

	d.wg.Add(1)
	go d.fsnotifyLoop()
	return nil
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()
	configPath := yamlcfg.ConfigPath(d.dataDir)

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(zerolog.DebugLevel, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.reloadConfig()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(zerolog.ErrorLevel, "fsnotify error=%v", err)
		}
	}
}

// reloadConfig applies the hot-reloadable part of config.yaml. A file that
// fails to parse or validate leaves the running configuration untouched.
func (d *Daemon) reloadConfig() {
	cfg, err := yamlcfg.LoadConfig(d.dataDir)
	if err != nil {
		d.log(zerolog.WarnLevel, "config reload rejected error=%v", err)
		return
	}
	level := logging.SetLevel(cfg.Logging.Level)
	d.directory.Replace(cfg.Agents, cfg.Groups)
	d.log(zerolog.InfoLevel, "config reloaded level=%s agents=%d groups=%d", level, len(cfg.Agents), len(cfg.Groups))
}

// waitSignals blocks until a shutdown signal arrives or Shutdown is called.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(zerolog.InfoLevel, "received signal=%s, initiating graceful shutdown", sig)
	case <-d.ctx.Done():
		return
	}

	// Second signal forces exit
	go func() {
		select {
		case <-sigCh:
			d.log(zerolog.WarnLevel, "received second signal, forcing exit")
			os.Exit(1)
		case <-d.stopped:
		}
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). Running
// executions are marked cancelled and every queued event is flushed to the
// sinks before storage closes.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.stopped)
		d.log(zerolog.InfoLevel, "shutdown started")

		timeout := time.Duration(d.config.Server.ShutdownTimeoutSec) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// 1. Stop producers
		d.cancel()
		d.scheduler.Stop()
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		_ = d.server.Stop()
		if d.httpServer != nil {
			if err := d.httpServer.Shutdown(ctx); err != nil {
				d.log(zerolog.WarnLevel, "http shutdown error=%v", err)
			}
		}
		if d.hub != nil {
			d.hub.Close()
		}

		// 2. Drain executions
		if d.runner != nil {
			if err := d.runner.Shutdown(ctx); err != nil {
				d.log(zerolog.WarnLevel, "runner shutdown error=%v", err)
			}
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.log(zerolog.WarnLevel, "shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		// 3. Flush events, then close sinks and storage
		if d.bus != nil {
			d.bus.Close()
		}
		if d.kafka != nil {
			if err := d.kafka.Close(); err != nil {
				d.log(zerolog.WarnLevel, "kafka close error=%v", err)
			}
		}
		if d.audit != nil {
			_ = d.audit.Close()
		}
		if d.queue != nil {
			_ = d.queue.Close()
		}
		if d.store != nil {
			_ = d.store.Close()
		}

		d.log(zerolog.InfoLevel, "daemon stopped")
		d.cleanup()
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	_ = os.Remove(d.SocketPath())
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) log(level zerolog.Level, format string, args ...any) {
	d.logger.WithLevel(level).Str("component", "daemon").Msgf(format, args...)
}
