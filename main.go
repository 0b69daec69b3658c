package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quel-gen-server/modules/admission"
	"quel-gen-server/modules/backend"
	"quel-gen-server/modules/backend/gemini"
	"quel-gen-server/modules/backend/sdapi"
	"quel-gen-server/modules/catalog"
	"quel-gen-server/modules/common/config"
	"quel-gen-server/modules/common/database"
	"quel-gen-server/modules/common/logger"
	"quel-gen-server/modules/common/model"
	redisClient "quel-gen-server/modules/common/redis"
	"quel-gen-server/modules/common/storage"
	"quel-gen-server/modules/dispatcher"
	"quel-gen-server/modules/ledger"
	"quel-gen-server/modules/queue"
	"quel-gen-server/modules/realtime"
	"quel-gen-server/modules/reconciler"
)

var startTime = time.Now()

// CORS 헤더 추가
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Callback-Secret")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// 헬스체크
func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(startTime).Round(time.Second).String(),
	})
}

// newBackend - BACKEND_KIND에 맞는 생성 백엔드
func newBackend(cfg *config.Config, logger *zap.Logger) backend.Backend {
	if cfg.BackendKind == "gemini" {
		return gemini.New(gemini.Config{
			APIKeys: cfg.GeminiAPIKeys,
			Model:   cfg.GeminiModel,
		}, logger)
	}
	return sdapi.New(sdapi.Config{
		BaseURL:     cfg.BackendURL,
		CallbackURL: cfg.CallbackURL,
		Timeout:     cfg.BackendTimeout,
	}, logger)
}

func main() {
	// 환경변수 로드
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	rootLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Filename: cfg.LogFile, Compress: true})
	if err != nil {
		log.Fatalf("❌ Failed to create logger: %v", err)
	}
	defer rootLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisClient.Connect(ctx, cfg, logger.Component(rootLogger, "redis"))
	if err != nil {
		rootLogger.Fatal("❌ Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		rootLogger.Fatal("❌ Failed to load catalog", zap.Error(err))
	}

	gallery, err := database.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.GalleryTable, logger.Component(rootLogger, "database"))
	if err != nil {
		rootLogger.Fatal("❌ Failed to create Supabase client", zap.Error(err))
	}
	artifacts := storage.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger.Component(rootLogger, "storage"))

	// 큐 + 장부
	store := queue.New(rdb)
	budget := ledger.New(rdb, ledger.Config{
		SystemDailyLimit:     cfg.SystemDailyLimit,
		IPDailyLimit:         cfg.IPDailyLimit,
		UserDailyLimit:       cfg.UserDailyLimit,
		DailyCreditIncrement: cfg.DailyCreditIncrement,
		FreeQueueMax:         cfg.FreeQueueMax,
		FreeQueueKey:         store.QueuedKey(model.ClassFree),
		ResetPeriod:          cfg.ResetPeriod,
	}, ledger.WithLogger(logger.Component(rootLogger, "ledger")))

	// 디스패처 + 실시간 허브 + 리컨실러
	sched := dispatcher.New(store, cat, newBackend(cfg, logger.Component(rootLogger, "backend")), dispatcher.Config{
		PollInterval:      cfg.PollInterval,
		SubmitTimeout:     cfg.BackendTimeout,
		ProcessingTimeout: cfg.ProcessingTimeout,
	}, logger.Component(rootLogger, "dispatcher"))

	issuer := realtime.NewIssuer(cfg.JWTSecret, cfg.ChannelTokenTTL)
	hub := realtime.NewHub(realtime.Config{InternalSubject: cfg.InternalSubject}, issuer,
		realtime.WithRedis(rdb),
		realtime.WithWaker(sched),
		realtime.WithLogger(logger.Component(rootLogger, "realtime")))
	if err := hub.Start(ctx); err != nil {
		rootLogger.Fatal("❌ Failed to start realtime hub", zap.Error(err))
	}

	rec := reconciler.New(reconciler.Deps{
		Store:     store,
		Ledger:    budget,
		Catalog:   cat,
		Artifacts: artifacts,
		Gallery:   gallery,
		Notifier:  hub,
		Waker:     sched,
		Logger:    logger.Component(rootLogger, "reconciler"),
	})
	sched.Start(ctx, rec)

	// 일일 리셋
	go ledger.NewResetter(budget).Run(ctx)

	ctrl := admission.New(cat, budget, store, issuer, sched, admission.Config{
		HighPriorityCost: cfg.HighPriorityCost,
		HiresCost:        cfg.HiresCost,
	}, logger.Component(rootLogger, "admission"))

	// 라우터 설정
	r := mux.NewRouter()
	r.Use(enableCORS)

	r.HandleFunc("/", healthCheck).Methods("GET")
	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/ws", hub.ServeWS)
	sessions := admission.NewSessions(cfg.SessionSecret, admission.WithTrustedProxies(cfg.TrustedProxies...))
	admission.NewHandler(ctrl, sessions, budget).RegisterRoutes(r)
	reconciler.NewHandler(rec, cfg.CallbackSecret).RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		rootLogger.Info("🚀 Generation server starting",
			zap.String("port", cfg.Port),
			zap.String("backend", cfg.BackendKind))
		rootLogger.Info("📡 WebSocket endpoint: /ws?token=...")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLogger.Fatal("❌ Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()
	rootLogger.Info("🛑 Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rootLogger.Error("❌ HTTP shutdown failed", zap.Error(err))
	}
	sched.Wait()
	rootLogger.Info("👋 Bye")
}
