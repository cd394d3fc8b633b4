package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay/internal/api"
	"relay/internal/auth"
	"relay/internal/chat"
	"relay/internal/commands"
	"relay/internal/config"
	"relay/internal/filestore"
	"relay/internal/http"
	"relay/internal/notify"
	"relay/internal/presence"
	"relay/internal/router"
	"relay/internal/storage"
	"relay/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	addUser := flag.String("add-user", "", "Username to create (creates user with random password and prints details)")
	flag.Parse()

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(*addUser, cfg)
	}

	logger := slog.Default()

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	registry := presence.NewRegistry(bbStorage, logger)
	liveRouter := router.NewRouter()
	pusher := notify.NewPusher(notify.Config{
		VAPIDPublic:  cfg.VAPIDPublic,
		VAPIDPrivate: cfg.VAPIDPrivate,
		Contact:      cfg.PushContact,
	}, bbStorage, logger)

	coordinator := chat.New(chat.Config{
		Store:     bbStorage,
		Deliverer: liveRouter,
		Notifier:  pusher,
		Log:       logger,
	})

	hub := ws.NewHub(registry, liveRouter, coordinator, logger)
	wsServer := ws.NewServer(authService, hub, logger)
	apiHandlers := api.New(authService, bbStorage, registry, files, logger)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
