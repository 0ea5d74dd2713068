package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldrep/common/database"
	"fieldrep/common/logger"
	mqttcommon "fieldrep/common/mqtt"
	rediscommon "fieldrep/common/redis"
	"fieldrep/internal/config"
	"fieldrep/internal/consumer"
	httpapi "fieldrep/internal/http"
	"fieldrep/internal/location"
	"fieldrep/internal/repository"
	"fieldrep/internal/service"
	"fieldrep/internal/store"
	"fieldrep/internal/trail"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "fieldrep-api")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	// Redis：实时位置、看板缓存、事件与轨迹 Stream
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	redisClient, err := rediscommon.Connect(connectCtx, &cfg.Redis, 5, 2*time.Second)
	connectCancel()
	if err != nil {
		lg.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	defer rediscommon.Close(redisClient)
	kv := store.NewRedisKVStore(redisClient)

	// 存储：DB 不可用时退回内存 repo
	var (
		db          *sql.DB
		visitsRepo  repository.VisitsRepository
		samplesRepo repository.TrailRepository
	)
	if cfg.DBEnabled {
		if d, err := database.ConnectWithRetry(&cfg.Database, 5, 2*time.Second); err == nil {
			db = d
			defer database.Close(db)
			visitsRepo = repository.NewPostgresVisitsRepository(db)
			samplesRepo = repository.NewPostgresTrailRepository(db)
			lg.Info("DB enabled for fieldrep", zap.String("database", cfg.Database.Database))
		} else {
			lg.Warn("DB enabled but connection failed, falling back to memory", zap.Error(err))
		}
	}
	if db == nil {
		visitsRepo = repository.NewMemoryVisitsRepo()
		samplesRepo = repository.NewMemoryTrailRepo()
	}

	// 定位能力：MQTT 请求/响应；未启用时所有采集直接走兜底
	var provider location.Provider = location.UnavailableProvider{}
	if cfg.MQTT.Enabled {
		mqttClient, err := mqttcommon.NewClient(&cfg.MQTT.MQTTConfig, lg)
		if err != nil {
			lg.Fatal("Failed to connect to MQTT broker", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		}
		defer mqttClient.Disconnect()
		p, err := location.NewMQTTProvider(mqttClient, cfg.MQTT.QoS, cfg.MQTT.RequestTopic, cfg.MQTT.ResponseTopic, lg)
		if err != nil {
			lg.Fatal("Failed to create MQTT location provider", zap.Error(err))
		}
		provider = p
	} else {
		lg.Warn("MQTT disabled, location acquisition will always return the fallback position")
	}
	acquirer := location.NewAcquirer(cfg.Acquisition, provider, lg)

	loc, _ := time.LoadLocation(cfg.Visit.Timezone)
	dashboardCache := store.NewJSONCache(kv, cfg.Dashboard.CacheKeyPrefix, cfg.Dashboard.CacheTTL)
	dashboard := service.NewDashboardService(visitsRepo, dashboardCache, loc, cfg.Dashboard.UpcomingLimit, lg)

	var clinics service.ClinicDirectory = service.OpenClinicDirectory{}
	if cfg.Clinic.DirectoryURL != "" {
		clinics = service.NewRESTClinicDirectory(cfg.Clinic.DirectoryURL, cfg.Clinic.APIToken, cfg.Clinic.Timeout, lg)
	} else {
		lg.Warn("CLINIC_DIRECTORY_URL not set, clinic assignment is not enforced")
	}
	sink := service.MultiSink{
		service.NewStreamEventSink(redisClient, cfg.Visit.EventStream),
		dashboard,
	}
	visits := service.NewVisitService(visitsRepo, clinics, acquirer.Scorer(), sink, lg)

	tr := trail.New(cfg.Trail.DisplayWindow)
	flusher := trail.NewFlusher(tr, samplesRepo, cfg.Trail.FlushInterval, lg)
	live := store.NewLiveCache(kv, cfg.Trail.LiveKeyPrefix, cfg.Trail.LiveTTL, lg)
	trails := service.NewTrailService(tr, flusher, samplesRepo, visitsRepo, live, acquirer.Scorer(), cfg.Trail.DisplayWindow, lg)
	acquisition := service.NewAcquisitionService(acquirer, trails, lg)

	router := httpapi.NewRouter(lg)
	router.RegisterDoctorRoutes(httpapi.NewDoctorHandler(db, redisClient, lg))
	router.RegisterVisitRoutes(httpapi.NewVisitHandler(visits, dashboard, lg))
	router.RegisterTrailRoutes(httpapi.NewTrailHandler(acquisition, trails, lg))
	srv := service.NewServer(cfg.HTTP.Addr, router, cfg.Acquisition.Watchdog+10*time.Second, lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return flusher.Run(gctx) })
	g.Go(func() error {
		return consumer.NewTrailStreamConsumer(cfg.Trail, redisClient, trails, lg).Start(gctx)
	})
	g.Go(func() error {
		return service.NewExpiryWorker(visits, cfg.Visit.CheckInExpiry, cfg.Visit.SweepInterval, lg).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	lg.Info("fieldrep-api started",
		zap.String("addr", cfg.HTTP.Addr),
		zap.Bool("db_enabled", db != nil),
		zap.Bool("mqtt_enabled", cfg.MQTT.Enabled),
		zap.String("timezone", cfg.Visit.Timezone),
	)
	if err := g.Wait(); err != nil {
		lg.Error("fieldrep-api stopped with error", zap.Error(err))
		return
	}
	lg.Info("fieldrep-api stopped")
}
