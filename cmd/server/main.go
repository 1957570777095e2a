package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/eduvision/ev-presence/internal/api"
	"github.com/eduvision/ev-presence/internal/attendance"
	"github.com/eduvision/ev-presence/internal/config"
	"github.com/eduvision/ev-presence/internal/crypto"
	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/events"
	"github.com/eduvision/ev-presence/internal/hub"
	"github.com/eduvision/ev-presence/internal/imagestore"
	"github.com/eduvision/ev-presence/internal/live"
	"github.com/eduvision/ev-presence/internal/middleware"
	"github.com/eduvision/ev-presence/internal/pipeline"
	"github.com/eduvision/ev-presence/internal/presence"
	"github.com/eduvision/ev-presence/internal/ratelimit"
	"github.com/eduvision/ev-presence/internal/rooms"
	"github.com/eduvision/ev-presence/internal/stream"
	"github.com/eduvision/ev-presence/internal/students"
	"github.com/eduvision/ev-presence/internal/tokens"
	"github.com/eduvision/ev-presence/internal/track"
	"github.com/eduvision/ev-presence/internal/vector"
	"github.com/eduvision/ev-presence/internal/vision"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("[Server] %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/default.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Printf("[Server] ev-presence %s starting on %s", version, cfg.Server.Addr)

	// Camera URL encryption is optional; without a key URLs are stored
	// plaintext and only masked in responses.
	var cipher *crypto.URLCipher
	if cfg.CameraURLKey != "" {
		cipher, err = crypto.NewURLCipher(cfg.CameraURLKey)
		if err != nil {
			return fmt.Errorf("camera url key: %w", err)
		}
		log.Printf("[Server] camera URL encryption enabled")
	}

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	log.Printf("[Server] database connected (%s:%s/%s)", cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)

	studentModel := data.StudentModel{DB: db}
	imageModel := data.StudentImageModel{DB: db}
	roomModel := data.RoomModel{DB: db}
	cameraModel := data.CameraModel{DB: db}
	presenceModel := data.PresenceModel{DB: db}
	attendanceModel := data.AttendanceModel{DB: db}

	index := vector.NewStore(cfg.Index.Dir, cfg.Index.Dimension)
	if err := index.Load(); err != nil {
		// A corrupted index is rebuilt from the database, never fatal.
		log.Printf("[Server] index load failed, starting empty: %v", err)
	}
	if index.Stats().TotalVectors == 0 {
		if err := warmIndex(context.Background(), index, imageModel); err != nil {
			log.Printf("[Server] index warm-up failed: %v", err)
		}
	}
	log.Printf("[Server] vector index ready: %+v", index.Stats())

	// NATS is optional: without it events are dropped and the remote vision
	// engine is unavailable.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Printf("[Server] NATS unavailable (%s): %v", cfg.NATS.URL, err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}

	engine, err := selectEngine(cfg, nc)
	if err != nil {
		return err
	}

	// Redis is optional: without it check-in rate limiting and the live
	// detection cache quietly disable themselves.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("[Server] Redis unavailable (%s): %v", cfg.Redis.Addr, err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
		cancel()
	}

	files, err := imagestore.New(cfg.Images.Dir)
	if err != nil {
		return fmt.Errorf("image store: %w", err)
	}

	wsHub := hub.New()
	cooldown := track.NewCooldown(10000)
	guests := track.NewGuests()
	publisher := events.NewPublisher(nc)
	liveCache := live.NewService(redisClient)

	presenceSvc := presence.NewService(presenceModel, roomModel,
		time.Duration(cfg.Presence.TimeoutSeconds)*time.Second)

	dispatcher := pipeline.NewDispatcher(cfg, engine, index, studentModel,
		presenceSvc, cooldown, guests, wsHub, liveCache, publisher)

	sourceOpts := stream.DefaultSourceOptions()
	if cfg.Streams.ConnectTimeoutSec > 0 {
		sourceOpts.OpenTimeout = time.Duration(cfg.Streams.ConnectTimeoutSec) * time.Second
	}
	manager := stream.NewManager(stream.ManagerOptions{
		Factory:    stream.NewSyntheticSource,
		Source:     sourceOpts,
		Tuning:     stream.DefaultTuning(),
		MaxStreams: cfg.Streams.MaxSimultaneous,
		OnFrame:    dispatcher.OnFrame,
		OnStatus:   dispatcher.OnStatus,
	})

	roomsSvc := &rooms.Service{
		Rooms:             roomModel,
		Cameras:           cameraModel,
		Streams:           manager,
		Cipher:            cipher,
		MaxCamerasPerRoom: cfg.Streams.MaxCamerasPerRoom,
	}
	studentsSvc := &students.Service{
		Students: studentModel,
		Images:   imageModel,
		Engine:   engine,
		Index:    index,
		Files:    files,
		OnDelete: dispatcher.ForgetStudent,
	}
	attendanceSvc := &attendance.Service{
		Attendance: attendanceModel,
		Students:   studentModel,
		Engine:     engine,
		Index:      index,
		Files:      files,
		Events:     publisher,
		Threshold:  func() float64 { return cfg.Snapshot().ConfidenceThreshold },
	}

	reaper := pipeline.NewReaper(presenceSvc, guests, wsHub,
		time.Duration(cfg.Presence.CleanupIntervalSec)*time.Second)
	reaper.Start()
	defer reaper.Stop()

	watchCtx, stopWatcher := context.WithCancel(context.Background())
	defer stopWatcher()
	cfg.StartWatcher(watchCtx)

	var limiter *ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewLimiter(redisClient, cfg.Auth.Secret)
	}

	authGuard := &middleware.Auth{
		Tokens: tokens.NewManager(cfg.Auth.Secret,
			time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute),
		Enabled: cfg.Auth.Enabled,
	}

	startedAt := time.Now()
	router := api.NewRouter(api.Handlers{
		Rooms:    &api.RoomHandler{Rooms: roomsSvc, Presence: presenceSvc, Guests: guests},
		Cameras:  &api.CameraHandler{Rooms: roomsSvc, Streams: manager, Live: liveCache},
		Students: &api.StudentHandler{Students: studentsSvc},
		Attendance: &api.AttendanceHandler{
			Attendance: attendanceSvc,
			Limiter:    limiter,
			LimitConfig: ratelimit.LimitConfig{
				Rate:   cfg.RateLimit.CheckinRate,
				Window: time.Duration(cfg.RateLimit.CheckinWindowSec) * time.Second,
			},
		},
		Presence: &api.PresenceHandler{Presence: presenceSvc, Guests: guests},
		System: &api.SystemHandler{
			Index:      index,
			Streams:    manager,
			Dispatcher: dispatcher,
			Hub:        wsHub,
			Presence:   presenceSvc,
			StartedAt:  startedAt,
			Version:    version,
		},
		WS:          &api.WSHandler{Hub: wsHub, Rooms: roomsSvc, Presence: presenceSvc, Guests: guests},
		Auth:        authGuard,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// No WriteTimeout: websocket connections outlive any sane value.
	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Printf("[Server] %s received, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] http shutdown: %v", err)
	}

	stopped := manager.StopAll()
	log.Printf("[Server] stopped %d streams", stopped)

	if err := index.Save(); err != nil {
		log.Printf("[Server] index save: %v", err)
	}
	log.Printf("[Server] bye")
	return nil
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(15 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// warmIndex rebuilds the vector index from stored embeddings when the on-disk
// index is empty but the database isn't. Enrollment always writes both, so
// this only fires after index loss or first deploy against an existing DB.
func warmIndex(ctx context.Context, index *vector.Store, images data.StudentImageModel) error {
	ids, embeddings, err := images.AllEmbeddings(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	vecs := make([][]float32, len(embeddings))
	for i, emb := range embeddings {
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		vecs[i] = vec
	}
	if err := index.AddBatch(ids, vecs); err != nil {
		return err
	}
	log.Printf("[Server] warmed index with %d embeddings from database", len(ids))
	return index.Save()
}

// selectEngine picks the vision engine per config. Remote mode needs NATS; a
// missing sidecar falls back to synthetic unless require_remote makes the gap
// fatal.
func selectEngine(cfg *config.Config, nc *nats.Conn) (vision.Engine, error) {
	if cfg.Vision.Mode == "remote" {
		if nc != nil {
			timeout := time.Duration(cfg.Vision.TimeoutMS) * time.Millisecond
			engine := vision.NewRemoteEngine(nc, timeout)
			log.Printf("[Server] using remote vision engine (timeout %s)", timeout)
			return engine, nil
		}
		if cfg.Vision.RequireRemote {
			return nil, fmt.Errorf("vision mode is remote and require_remote is set, but NATS is unreachable")
		}
		log.Printf("[Server] remote vision engine unreachable, falling back to synthetic")
	}
	log.Printf("[Server] using synthetic vision engine (dim %d)", cfg.Index.Dimension)
	return vision.NewSyntheticEngine(cfg.Vision.ModelDir, cfg.Index.Dimension), nil
}
