package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldrep/common/logger"
	mqttcommon "fieldrep/common/mqtt"
	rediscommon "fieldrep/common/redis"
	"fieldrep/internal/config"
	"fieldrep/internal/consumer"
	"fieldrep/internal/location"

	"go.uber.org/zap"
)

// fieldrep-gateway 订阅设备主动上报的位置，评分后写入轨迹 Stream
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "fieldrep-gateway")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	redisClient, err := rediscommon.Connect(connectCtx, &cfg.Redis, 5, 2*time.Second)
	connectCancel()
	if err != nil {
		lg.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	defer rediscommon.Close(redisClient)

	mqttCfg := cfg.MQTT.MQTTConfig
	if os.Getenv("MQTT_CLIENT_ID") == "" {
		mqttCfg.ClientID = "fieldrep-gateway"
	}
	mqttClient, err := mqttcommon.NewClient(&mqttCfg, lg)
	if err != nil {
		lg.Fatal("Failed to connect to MQTT broker", zap.String("broker", mqttCfg.Broker), zap.Error(err))
	}
	defer mqttClient.Disconnect()

	push := consumer.NewLocationPushConsumer(
		mqttClient,
		redisClient,
		location.NewScorer(cfg.Acquisition),
		cfg.MQTT.PushTopic,
		mqttCfg.QoS,
		cfg.Trail.Stream,
		lg,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg.Info("fieldrep-gateway started",
		zap.String("mqtt_broker", mqttCfg.Broker),
		zap.String("topic", cfg.MQTT.PushTopic),
		zap.String("stream", cfg.Trail.Stream),
	)
	if err := push.Start(ctx); err != nil {
		lg.Error("fieldrep-gateway stopped with error", zap.Error(err))
		return
	}
	lg.Info("fieldrep-gateway stopped")
}
