package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"mailpilot/internal/archive"
	"mailpilot/internal/config"
	"mailpilot/internal/control"
	"mailpilot/internal/gateway"
	"mailpilot/internal/lock"
	"mailpilot/internal/models"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/queue"
	"mailpilot/internal/store"
	"mailpilot/internal/telemetry"
	"mailpilot/internal/throttle"
	workerproc "mailpilot/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	mailQ := queue.New(rdb, cfg.MailQueue, queue.Retention{
		CompletedKeep:   cfg.CompletedKeep,
		CompletedWindow: cfg.CompletedWindow,
		FailedKeep:      cfg.FailedKeep,
		FailedWindow:    cfg.FailedWindow,
	})
	trainingQ := queue.New(rdb, cfg.TrainingQueue, queue.Retention{
		CompletedKeep:   cfg.CompletedKeep,
		CompletedWindow: cfg.CompletedWindow,
		FailedKeep:      cfg.FailedKeep,
		FailedWindow:    cfg.FailedWindow,
	})

	gw := gateway.New(cfg.GatewayURL, cfg.GatewayTimeout)
	locks := lock.NewManager(rdb, cfg.LockExtendInterval)

	archiver, err := archive.New(ctx, cfg, st)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	proc := pipeline.NewProcessor(locks, gw, gw, st, archiver, cfg.LockTTL, cfg.SilentActions)
	thr := throttle.New(rdb, cfg.ThrottleCapacity, cfg.ThrottleRefill, time.Hour)
	coord := pipeline.NewCoordinator(gw, gw, st, proc, thr, cfg.BatchPageSize)

	fanOutPrio, err := models.ParsePriority(cfg.FanOutPriority)
	if err != nil {
		log.Fatalf("fan-out priority: %v", err)
	}
	handlers := workerproc.NewHandlers(coord, proc, gw, gw, st, gw, trainingQ, fanOutPrio)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	ctrl := control.NewManager(rdb)
	mailConsumer := workerproc.NewConsumer(workerID, mailQ, ctrl, cfg.WorkerConcurrency, cfg.WorkerPollInterval)
	trainingConsumer := workerproc.NewConsumer(workerID, trainingQ, ctrl, cfg.WorkerConcurrency, cfg.WorkerPollInterval)
	handlers.RegisterMail(mailConsumer)
	handlers.RegisterTraining(trainingConsumer)
	ctrl.RegisterWorker(mailConsumer)
	ctrl.RegisterWorker(trainingConsumer)
	ctrl.RegisterQueue(mailQ)
	ctrl.RegisterQueue(trainingQ)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started lock_ttl=%s concurrency=%d", workerID, cfg.LockTTL, cfg.WorkerConcurrency)
	var wg sync.WaitGroup
	for _, c := range []*workerproc.Consumer{mailConsumer, trainingConsumer} {
		wg.Add(1)
		go func(c *workerproc.Consumer) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("consumer %s stopped: %v", c.ID(), err)
			}
		}(c)
	}
	wg.Wait()
}
