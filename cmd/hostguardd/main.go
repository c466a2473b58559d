// Command hostguardd is the hostguard service binary. It loads its JSON
// configuration, opens the fanotify-backed enforcer, starts the event
// pipeline and fan-out publisher, exposes the control socket and gRPC watch
// surface, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/tripwire/hostguard/internal/adminapi"
	"github.com/tripwire/hostguard/internal/audit"
	"github.com/tripwire/hostguard/internal/config"
	"github.com/tripwire/hostguard/internal/control"
	"github.com/tripwire/hostguard/internal/enforcer"
	"github.com/tripwire/hostguard/internal/fanout"
	"github.com/tripwire/hostguard/internal/ioring"
	"github.com/tripwire/hostguard/internal/pipeline"
	"github.com/tripwire/hostguard/internal/procwatch"
	"github.com/tripwire/hostguard/internal/rpcserver"
	"github.com/tripwire/hostguard/internal/ruletable"
	hostguardpb "github.com/tripwire/hostguard/proto/hostguardpb"
)

const (
	exitSuccess        = 0
	exitUsageOrOp      = 1
	exitCompletionPort = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/hostguard/config.json", "path to the hostguard JSON configuration file")
	auditPath := flag.String("audit-log", "/var/log/hostguard/audit.log", "path to the tamper-evident audit log")
	adminAddr := flag.String("admin-addr", "127.0.0.1:8080", "address for the local admin HTTP surface")
	flag.Parse()

	cfgWatcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostguardd: %v\n", err)
		return exitUsageOrOp
	}
	cfg := cfgWatcher.Current()

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)
	cfgWatcher.Close()
	cfgWatcher, err = config.NewWatcher(*configPath, logger)
	if err != nil {
		logger.Error("failed to start config watcher", slog.Any("error", err))
		return exitUsageOrOp
	}
	defer cfgWatcher.Close()

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("cluster_name", cfg.ClusterName),
		slog.String("host_name", cfg.HostName),
	)

	auditor, err := audit.Open(*auditPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", *auditPath), slog.Any("error", err))
		return exitUsageOrOp
	}
	defer auditor.Close()

	table := ruletable.New(ruletable.PostureAudit)

	queue := pipeline.NewQueue(cfg.EventStreaming.MaxQueueSize)
	publisher := fanout.New(256, logger)
	defer publisher.Close()

	svc := pipeline.New(queue, publisher, cfg.Service.WorkerThreads, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", slog.Any("error", err))
		return exitUsageOrOp
	}
	defer svc.Stop()

	enf, err := enforcer.New(cfg.Driver.DevicePath, table, queue, logger, enforcer.WithAuditor(auditor))
	if err != nil {
		logger.Error("failed to initialize enforcer", slog.Any("error", err))
		return exitCompletionPort
	}

	pool := ioring.NewPool(cfg.Driver.WorkerThreads*4, 4096)

	ring := ioring.New(enf.FD(), cfg.Driver.WorkerThreads, pool, func(_ *ioring.Context, body []byte) {
		enf.Handle(ctx, body)
	}, logger)
	if err := ring.Connect(ctx); err != nil {
		logger.Error("failed to connect I/O ring to the enforcer", slog.Any("error", err))
		return exitCompletionPort
	}
	defer ring.Disconnect()

	if len(cfg.ProcessWatch.Patterns) > 0 {
		pw := procwatch.New(cfg.ProcessWatch.Patterns, queue, logger)
		if err := pw.Start(ctx); err != nil {
			logger.Warn("process watcher unavailable, continuing without it", slog.Any("error", err))
		} else {
			defer pw.Stop()
		}
	}

	controlSrv := control.New(table, auditor, logger)
	if err := controlSrv.Listen(ctx, cfg.Driver.FilterPortName); err != nil {
		logger.Error("failed to start control socket", slog.String("path", cfg.Driver.FilterPortName), slog.Any("error", err))
		return exitUsageOrOp
	}
	defer controlSrv.Close()

	grpcLis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.GRPC.Address, cfg.GRPC.Port))
	if err != nil {
		logger.Error("failed to listen for gRPC", slog.Any("error", err))
		return exitUsageOrOp
	}
	grpcSrv := grpc.NewServer()
	hostguardpb.RegisterHostGuardServiceServer(grpcSrv, rpcserver.New(publisher, cfg.ClusterName, cfg.HostName, logger))
	go func() {
		logger.Info("gRPC server listening", slog.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			logger.Warn("gRPC server stopped", slog.Any("error", err))
		}
	}()
	defer grpcSrv.GracefulStop()

	adminRouter := adminapi.NewRouter(svc, publisher, nil)
	adminSrv := &http.Server{
		Addr:         *adminAddr,
		Handler:      adminRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("admin HTTP surface listening", slog.String("addr", *adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin HTTP server error", slog.Any("error", err))
		}
	}()

	logger.Info("hostguardd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("hostguardd exited cleanly")
	return exitSuccess
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
