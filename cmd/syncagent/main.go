package syncagent

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"dishpatch/internal/agent"
	"dishpatch/internal/remote"
	"dishpatch/internal/syncqueue"
	"dishpatch/pkg/config"
	"dishpatch/pkg/db"
	"dishpatch/pkg/logger"
	"dishpatch/pkg/rabbitmq"

	"github.com/redis/go-redis/v9"
)

func Main() {
	configPath := flag.String("config-path", "config.yaml", "Path to the yaml config")
	port := flag.Int("port", 0, "Control API port (overrides config)")
	flag.Parse()

	mylog := logger.NewLogger("sync-agent")
	mylog.Info("startup", "service_started", "Sync agent starting")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		mylog.Error("startup", "config_load_failed", "Failed to load configuration", err)
		log.Fatal(err)
	}
	if *port != 0 {
		cfg.Agent.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.ConnectDB(ctx, &cfg.Database, mylog)
	if err != nil {
		mylog.Error("startup", "db_connection_failed", "Failed to connect to database", err)
		log.Fatal(err)
	}
	defer pool.Close()

	rmq, err := rabbitmq.ConnectRabbitMQ(&cfg.RabbitMQ, mylog)
	if err != nil {
		mylog.Error("startup", "mb_connection_failed", "Failed to connect to message broker", err)
		log.Fatal(err)
	}
	defer rmq.Close()

	var queueStore syncqueue.Store = syncqueue.NewMemoryStore()
	if cfg.Agent.QueuePersistent {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			mylog.Error("startup", "redis_connection_failed", "Failed to connect to Redis", err)
			log.Fatal(err)
		}
		defer client.Close()
		queueStore = syncqueue.NewRedisStore(client)
		mylog.Info("startup", "queue_persistence_enabled", "Queue persisted in Redis")
	}

	store := remote.NewPostgresStore(pool, mylog)
	opener := remote.NewAMQPChannels(rmq, mylog)
	publisher := remote.NewEventPublisher(rmq, mylog)

	a, err := agent.New(cfg.Agent, store, queueStore, opener, publisher, mylog)
	if err != nil {
		mylog.Error("startup", "agent_build_failed", "Failed to build agent", err)
		log.Fatal(err)
	}

	if err := a.Run(ctx); err != nil {
		mylog.Error("shutdown", "agent_failed", "Agent exited with error", err)
		log.Fatal(err)
	}

	mylog.Info("shutdown", "service_stopped", "Sync agent exiting")
}
