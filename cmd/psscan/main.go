package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/clustermeta/psscan/internal/command"
	"github.com/clustermeta/psscan/internal/config"
	"github.com/clustermeta/psscan/internal/coordinator"
	"github.com/clustermeta/psscan/internal/engine"
	"github.com/clustermeta/psscan/internal/handler"
	"github.com/clustermeta/psscan/internal/identity"
	"github.com/clustermeta/psscan/internal/logging"
	"github.com/clustermeta/psscan/internal/sink"
	"github.com/clustermeta/psscan/internal/sink/pgsink"
	"github.com/clustermeta/psscan/internal/sink/sqlitesink"
	"github.com/clustermeta/psscan/internal/sysconf"
	"github.com/clustermeta/psscan/internal/transport"
	"github.com/clustermeta/psscan/internal/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		log.Printf("[psscan] %v", err)
		return exitCode(err, 1)
	}

	log0 := logging.New("psscan")
	log0.SetLevel(logging.ParseLevel(cfg.LogLevel))

	if cfg.UlimitBytes > 0 {
		if err := sysconf.SetVMemLimit(cfg.UlimitBytes, log0.With("sysconf")); err != nil {
			log0.Errorf("ulimit: %v", err)
			if errors.Is(err, sysconf.ErrPlatformUnsupported) {
				return 2
			}
			return 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log0.Infof("signal received, shutting down")
		cancel()
	}()

	switch cfg.Role {
	case config.RoleCommand:
		return runCommand(cfg)
	case config.RoleServer:
		return runServer(ctx, cfg, log0)
	case config.RoleClient:
		return runClient(ctx, cfg, log0)
	case config.RoleAuto:
		return runAuto(ctx, cfg, log0)
	default:
		log0.Errorf("unhandled role %q", cfg.Role)
		return 1
	}
}

func exitCode(err error, fallback int) int {
	var ee *config.ExitError
	if as(err, &ee) {
		return ee.Code
	}
	return fallback
}

func as(err error, target **config.ExitError) bool {
	e, ok := err.(*config.ExitError)
	if !ok {
		return false
	}
	*target = e
	return true
}

// runCommand implements role=command (C7): send one operator command to
// a running coordinator and exit.
func runCommand(cfg *config.Config) int {
	host, port, err := splitHostPort(cfg.ListenAddr)
	if err != nil {
		log.Printf("[psscan] %v", err)
		return 1
	}
	if err := command.Send(host, port, cfg.Command, 2*time.Second); err != nil {
		log.Printf("[psscan] command: %v", err)
		return 1
	}
	return 0
}

// runServer implements role=server (C5): listen for workers and run the
// coordinator event loop until the scan terminates or ctx is cancelled.
func runServer(ctx context.Context, cfg *config.Config, log0 *logging.Logger) int {
	ln, err := transport.Listen(cfg.ListenAddr)
	if err != nil {
		log0.Errorf("listen on %s: %v", cfg.ListenAddr, err)
		return 1
	}
	defer ln.Close()

	coordCfg := coordinator.Config{
		InitialPaths:        cfg.ScanPaths,
		QueueTimeout:        cfg.QueueTimeout,
		StatsPrintInterval:  cfg.StatsInterval,
		RequestWorkInterval: cfg.RequestWorkInterval,
	}
	c := coordinator.New(coordCfg, ln, log0.With("coordinator"))

	log0.Infof("coordinator listening on %s", ln.Addr())
	err = c.Run(ctx)
	printFinalStats(log0, c)
	if err != nil && ctx.Err() == nil {
		log0.Errorf("coordinator: %v", err)
		return 1
	}
	return 0
}

// runClient implements role=client (C4): connect to a coordinator and
// run one worker until the connection closes or ctx is cancelled.
func runClient(ctx context.Context, cfg *config.Config, log0 *logging.Logger) int {
	host, port, err := splitHostPort(cfg.ListenAddr)
	if err != nil {
		log0.Errorf("%v", err)
		return 1
	}
	conn, err := transport.Connect(host, port)
	if err != nil {
		log0.Errorf("connect to %s: %v", cfg.ListenAddr, err)
		return 1
	}
	defer conn.Close()

	w, err := buildWorker(cfg, conn, log0)
	if err != nil {
		log0.Errorf("%v", err)
		return exitCode(err, 1)
	}
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log0.Errorf("worker: %v", err)
		return 1
	}
	return 0
}

// runAuto implements role=auto: a single process runs both the
// coordinator and one embedded worker, useful for scanning from a
// single machine without a separate launch step.
func runAuto(ctx context.Context, cfg *config.Config, log0 *logging.Logger) int {
	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}
	ln, err := transport.Listen(listenAddr)
	if err != nil {
		log0.Errorf("listen on %s: %v", listenAddr, err)
		return 1
	}
	defer ln.Close()

	coordCfg := coordinator.Config{
		InitialPaths:        cfg.ScanPaths,
		QueueTimeout:        cfg.QueueTimeout,
		StatsPrintInterval:  cfg.StatsInterval,
		RequestWorkInterval: cfg.RequestWorkInterval,
	}
	c := coordinator.New(coordCfg, ln, log0.With("coordinator"))

	host, port, err := splitHostPort(ln.Addr().String())
	if err != nil {
		log0.Errorf("%v", err)
		return 1
	}

	coordDone := make(chan error, 1)
	go func() { coordDone <- c.Run(ctx) }()

	conn, err := transport.Connect(host, port)
	if err != nil {
		log0.Errorf("embedded worker connect: %v", err)
		return 1
	}
	w, err := buildWorker(cfg, conn, log0)
	if err != nil {
		log0.Errorf("%v", err)
		conn.Close()
		return exitCode(err, 1)
	}
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	<-coordDone
	conn.Close()
	<-workerDone
	printFinalStats(log0, c)
	return 0
}

func buildWorker(cfg *config.Config, conn *transport.Conn, log0 *logging.Logger) (*worker.Worker, error) {
	backend, err := buildSink(cfg)
	if err != nil {
		return nil, err
	}

	idc := identity.New(identity.Config{TTL: 10 * time.Minute, MaxSize: 100000})
	shared := &handler.SharedState{Options: &handler.Options{}, Identity: idc}

	engCfg := engine.Config{
		Threads:          cfg.Threads,
		DirPriorityCount: cfg.DirPriorityCount,
		FileChunk:        cfg.FileChunk,
		FileQCutoff:      cfg.FileQCutoff,
	}
	h := handler.NewBasic(shared)
	eng := engine.New(engCfg, h, log0.With("engine"))

	var fwd *sink.Forwarder
	if backend != nil {
		fwd = sink.New(sink.Config{FlushDeadline: cfg.FlushDeadline}, backend, log0.With("sink"))
		shared.Sink = fwd
	}

	workerCfg := worker.Config{
		StatsInterval:      cfg.StatsInterval,
		DirOutputInterval:  cfg.DirOutputInterval,
		DirRequestInterval: cfg.DirRequestInterval,
		PollInterval:       cfg.PollInterval,
		FlushDeadline:      cfg.FlushDeadline,
	}
	return worker.New(workerCfg, conn, eng, fwd, shared, log0.With("worker")), nil
}

func buildSink(cfg *config.Config) (sink.Backend, error) {
	if cfg.SinkDSN == "" {
		return nil, nil
	}
	dsn := cfg.SinkDSN
	if cfg.CredentialFile != "" {
		creds, err := config.LoadSinkCredentials(cfg.CredentialFile)
		if err != nil {
			return nil, err
		}
		if creds.DSN != "" {
			dsn = creds.DSN
		}
	}
	switch cfg.SinkKind {
	case "sqlite":
		path := dsn[len("sqlite:"):]
		return sqlitesink.Open(path, firstPath(cfg.ScanPaths))
	case "postgres":
		return pgsink.Open(context.Background(), dsn, firstPath(cfg.ScanPaths))
	default:
		return nil, fmt.Errorf("unsupported sink kind %q", cfg.SinkKind)
	}
}

func firstPath(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func printFinalStats(log0 *logging.Logger, c *coordinator.Coordinator) {
	snap := c.FinalStats()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("\nFinal statistics\n")
		fmt.Printf("  dirs processed:  %s\n", humanize.Comma(snap.DirsProcessed))
		fmt.Printf("  files processed: %s\n", humanize.Comma(snap.FilesProcessed))
		fmt.Printf("  files skipped:   %s\n", humanize.Comma(snap.FilesSkipped))
		fmt.Printf("  total size:      %s\n", humanize.Bytes(uint64(snap.FileSizeTotal)))
		return
	}
	log0.Infof("final stats: dirs_processed=%d files_processed=%d files_skipped=%d file_size_total=%d",
		snap.DirsProcessed, snap.FilesProcessed, snap.FilesSkipped, snap.FileSizeTotal)
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}
