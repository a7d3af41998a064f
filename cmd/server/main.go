package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ngoclp2000/VIChat/internal/config"
	"github.com/ngoclp2000/VIChat/internal/cryptographic/encryption"
	"github.com/ngoclp2000/VIChat/internal/cryptographic/kdf"
	convRepo "github.com/ngoclp2000/VIChat/internal/repository/conversation"
	msgRepo "github.com/ngoclp2000/VIChat/internal/repository/message"
	"github.com/ngoclp2000/VIChat/internal/service/auth"
	"github.com/ngoclp2000/VIChat/internal/service/cluster"
	"github.com/ngoclp2000/VIChat/internal/service/gateway"
	"github.com/ngoclp2000/VIChat/internal/service/registry"
	"github.com/ngoclp2000/VIChat/internal/utils/log"
)

func main() {
	logger, _ := zap.NewProduction()
	log.Init(logger)

	cfg, err := config.Load("./")
	if err != nil {
		log.Fatal("init config failed", zap.Error(err))
	}
	if cfg.JWTSecret == "" || cfg.MasterKey == "" {
		log.Fatal("jwt_secret and master_key must be configured")
	}

	mongoClient, err := initMongo(cfg.MongoURI)
	if err != nil {
		log.Fatal("init mongo failed", zap.Error(err))
	}
	db := mongoClient.Database(cfg.MongoDB)

	key, err := kdf.DeriveKey([]byte(cfg.MasterKey), "message-at-rest", encryption.KeySize)
	if err != nil {
		log.Fatal("derive at-rest key failed", zap.Error(err))
	}
	cipher, err := encryption.NewBoxCipher(key)
	if err != nil {
		log.Fatal("init at-rest cipher failed", zap.Error(err))
	}

	conversations := convRepo.NewRepo(db)
	messages := msgRepo.NewRepo(db, cipher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := conversations.EnsureIndexes(ctx); err != nil {
		log.Fatal("conversation indexes failed", zap.Error(err))
	}
	if err := messages.EnsureIndexes(ctx); err != nil {
		log.Fatal("message indexes failed", zap.Error(err))
	}
	cancel()

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.Issuer, cfg.Audience)
	reg := registry.New()
	gw := gateway.New(reg, verifier, conversations, messages, gateway.Options{
		ReadLimit:  cfg.Client.ReadMessageSizeLimit,
		SendBuffer: cfg.Client.SendBuffer,
	})

	if cfg.Redis.Enable {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Host})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		name := cfg.Redis.Name
		if name == "" {
			name = time.Now().Format("node-20060102150405")
		}
		channel := cfg.Redis.Channel
		if channel == "" {
			channel = "vichat.broadcast"
		}
		relay := cluster.NewRelay(rdb, name, channel)
		gw.SetPublisher(relay)
		go relay.Run(context.Background(), gw.DeliverRemote)
		defer relay.Close()
		log.Info("cluster relay enabled", zap.String("node", name), zap.String("channel", channel))
	}

	srv := &http.Server{Addr: cfg.Host, Handler: gw.Router()}
	go func() {
		log.Info("listening", zap.String("host", cfg.Host))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("ListenAndServe", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	mongoClient.Disconnect(shutdownCtx)
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
