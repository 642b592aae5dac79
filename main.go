package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dmrelay/config"
	"dmrelay/control"
	"dmrelay/db"
	"dmrelay/logger"
	"dmrelay/server"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg); err != nil {
		logger.Log.Fatal("relay stopped", zap.Error(err))
	}
	logger.Log.Info("relay stopped")
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config) error {
	database, err := db.Open(ctx, db.Options{
		Driver:        cfg.Store,
		Path:          cfg.DBPath,
		PostgresDSN:   cfg.PostgresDSN,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Log.Info("message store ready", zap.String("store", cfg.Store))

	srv := server.New(database, &server.ServerConfig{
		Addr:            cfg.Addr,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		SendQueue:       cfg.SendQueue,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, logger.Log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if cfg.ControlSocket != "" {
		ctl := control.New(cfg.ControlSocket, srv, stop, logger.Log)
		g.Go(func() error {
			// The relay keeps running without its management socket.
			if err := ctl.ListenAndServe(gctx); err != nil {
				logger.Log.Error("control socket failed", zap.String("path", cfg.ControlSocket), zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}
