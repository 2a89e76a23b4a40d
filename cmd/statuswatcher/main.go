package statuswatcher

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"dishpatch/internal/remote"
	"dishpatch/internal/watcher"
	"dishpatch/pkg/config"
	"dishpatch/pkg/logger"
	"dishpatch/pkg/rabbitmq"
)

func Main() {
	configPath := flag.String("config-path", "config.yaml", "Path to the yaml config")
	scopes := flag.String("scopes", "", "Comma-separated order or user ids to watch")
	flag.Parse()

	mylog := logger.NewLogger("status-watcher")
	mylog.Info("startup", "service_started", "Status watcher starting")

	if *scopes == "" {
		log.Fatal("at least one scope is required, use --scopes=<id>[,<id>...]")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		mylog.Error("startup", "config_load_failed", "Failed to load configuration", err)
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rmq, err := rabbitmq.ConnectRabbitMQ(&cfg.RabbitMQ, mylog)
	if err != nil {
		mylog.Error("startup", "mb_connection_failed", "Failed to connect to message broker", err)
		log.Fatal(err)
	}
	defer rmq.Close()

	w := watcher.New(remote.NewAMQPChannels(rmq, mylog), mylog, strings.Split(*scopes, ","))
	defer w.Stop()

	if err := w.Start(ctx); err != nil {
		mylog.Error("startup", "watch_start_failed", "Failed to start watcher", err)
		log.Fatal(err)
	}

	mylog.Info("shutdown", "service_stopped", "Status watcher exiting")
}
