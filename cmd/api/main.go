package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/authz"
	"gallery.dev/internal/config"
	"gallery.dev/internal/events"
	"gallery.dev/internal/gallery"
	"gallery.dev/internal/grpcsvc"
	"gallery.dev/internal/httpapi"
	"gallery.dev/internal/hub"
	"gallery.dev/internal/notify"
	"gallery.dev/internal/obs"
	"gallery.dev/internal/presence"
	"gallery.dev/internal/seed"
	"gallery.dev/internal/store"
	"gallery.dev/internal/store/memory"
	"gallery.dev/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	build := obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	var st store.Store
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN, bus)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		st = pgStore
	} else {
		obs.Log(ctx, obs.LevelWarn, "GALLERY_PG_DSN not set, using in-memory store", nil)
		st = memory.New(bus)
	}

	if cfg.SeedFile != "" {
		doc, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		if err := seed.Apply(ctx, st, doc); err != nil {
			log.Fatalf("seed: %v", err)
		}
	}

	tokens, err := auth.NewTokens(cfg.AuthSecret, cfg.AuthIssuer, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	mainHub := hub.New(string(notify.Main), cfg.HubBuffer)
	notificationHub := hub.New(string(notify.Notifications), cfg.HubBuffer)
	dispatcher, err := notify.New(st, map[notify.Channel]notify.Sender{
		notify.Main:          mainHub,
		notify.Notifications: notificationHub,
	}, notify.Routes())
	if err != nil {
		log.Fatalf("notify: %v", err)
	}
	dispatcher.Register(bus)

	engine := authz.New(st)
	ready := httpapi.ReadyCheck{Store: st}
	api := httpapi.New(httpapi.Deps{
		Ready:                ready,
		Gallery:              gallery.New(st, engine),
		Tokens:               tokens,
		Claims:               auth.NewClaimsBuilder(st),
		Main:                 mainHub,
		Notifications:        notificationHub,
		MainPresence:         presence.New(st, engine, mainHub),
		NotificationPresence: presence.New(st, engine, notificationHub),
		Version:              version,
		Keepalive:            cfg.Keepalive,
		RateBurst:            cfg.RateBurst,
		RatePerSec:           cfg.RatePerSec,
		MaxBodyBytes:         cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var grpcServer *grpc.Server
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting gallery-api %s (%s, %s) on %s", build.Version, build.Commit, build.GoVersion, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.GRPCEnabled() {
		grpcServer = grpc.NewServer()
		health := grpcsvc.NewHealth(ready, version)
		health.Register(grpcServer)
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return err
			}
			log.Printf("gRPC health on %s", cfg.GRPCAddr)
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			health.Watch(gctx, 5*time.Second)
			return nil
		})
	} else {
		log.Println("gRPC health disabled")
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server: %v", err)
	}
	log.Println("Stopped")
}
