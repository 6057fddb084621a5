package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/renbou/wsbridge"
	"github.com/renbou/wsbridge/bridgelog"
	"github.com/renbou/wsbridge/grpcadapter"
	"github.com/renbou/wsbridge/internal/config"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func main() {
	if err := mainImpl(); err != nil {
		os.Exit(1)
	}
}

func mainImpl() error {
	logger := bridgelog.WrapPlainLogger(slog.New(slog.NewJSONHandler(
		os.Stdout,
		&slog.HandlerOptions{Level: config.LogLevel()},
	)))

	cfg, err := config.Load(logger, os.Args[1:])
	if errors.As(err, new(config.FlagError)) {
		return nil
	} else if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return err
	}

	connPool := grpcadapter.NewDialedPool(func(ctx context.Context, target string) (*grpc.ClientConn, error) {
		return grpc.DialContext(ctx, target,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: cfg.DialTimeout}),
		)
	})
	defer connPool.Close()

	for _, svc := range cfg.Services {
		if _, err := connPool.Build(context.Background(), svc.Name, svc.Target); err != nil {
			logger.Error("Failed to dial service", "service", svc.Name, "target", svc.Target, "error", err)
			return err
		}

		logger.Info("Forwarding calls to service", "service", svc.Name, "target", svc.Target)
	}

	forwarder := wsbridge.NewForwarder(
		wsbridge.WithRequestMetadata(cfg.Metadata.Request...),
		wsbridge.WithResponseMetadata(cfg.Metadata.Response...),
		wsbridge.WithTrailerMetadata(cfg.Metadata.Trailer...),
	)

	bridge := wsbridge.NewWebBridge(connPool,
		wsbridge.WithLogger(logger),
		wsbridge.WithForwarder(forwarder),
		wsbridge.WithMaxStreams(cfg.MaxStreams),
	)

	proxy := wsbridge.NewGRPCProxy(connPool,
		wsbridge.WithLogger(logger),
		wsbridge.WithForwarder(forwarder),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.WebSocketPath, bridge)

	if cfg.GRPCWebPath != "" {
		prefix := strings.TrimSuffix(cfg.GRPCWebPath, "/")
		mux.Handle(prefix+"/", http.StripPrefix(prefix, bridge))
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Serving bridge", "addr", cfg.Listen, "websocket_path", cfg.WebSocketPath, "grpc_web_path", cfg.GRPCWebPath)

		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	if cfg.GRPCListen != "" {
		grpcServer := grpc.NewServer(proxy.AsServerOptions()...)

		group.Go(func() error {
			listener, err := net.Listen("tcp", cfg.GRPCListen)
			if err != nil {
				return err
			}

			logger.Info("Serving gRPC proxy", "addr", cfg.GRPCListen)

			return grpcServer.Serve(listener)
		})

		group.Go(func() error {
			<-groupCtx.Done()
			grpcServer.GracefulStop()

			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Shutdown doesn't wait for hijacked connections, so the channels are closed separately.
		err := server.Shutdown(shutdownCtx)
		bridge.Close()

		return err
	})

	if err := group.Wait(); err != nil {
		logger.Error("Bridge server failed", "error", err)
		return err
	}

	return nil
}
