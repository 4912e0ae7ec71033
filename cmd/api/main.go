package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"mailpilot/internal/api"
	"mailpilot/internal/config"
	"mailpilot/internal/control"
	"mailpilot/internal/queue"
	"mailpilot/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	retention := queue.Retention{
		CompletedKeep:   cfg.CompletedKeep,
		CompletedWindow: cfg.CompletedWindow,
		FailedKeep:      cfg.FailedKeep,
		FailedWindow:    cfg.FailedWindow,
	}
	mailQ := queue.New(rdb, cfg.MailQueue, retention)
	trainingQ := queue.New(rdb, cfg.TrainingQueue, retention)

	ctrl := control.NewManager(rdb)
	ctrl.RegisterQueue(mailQ)
	ctrl.RegisterQueue(trainingQ)

	server := api.New(cfg, st, mailQ, trainingQ, ctrl)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
