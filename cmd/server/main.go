// Package main はブログサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/inkpost/internal/auth"
	"github.com/yourusername/inkpost/internal/config"
	"github.com/yourusername/inkpost/internal/storage"
	"github.com/yourusername/inkpost/internal/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.UsesDefaultSecret() {
		log.Printf("WARNING: SECRET_KEY is not set; using the development default")
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	db, err := storage.Open(cfg.DatabaseURL, storage.Options{Logger: log.Default()})
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		if err := storage.Close(db); err != nil {
			log.Printf("Failed to close database: %v", err)
		}
	}()

	users := storage.NewUserStore(db)
	posts := storage.NewPostStore(db)

	if cfg.HasSeedUser() {
		created, err := users.EnsureUser(context.Background(), cfg.SeedUserEmail, cfg.SeedUsername, cfg.SeedPasswordHash)
		if err != nil {
			log.Fatalf("Failed to seed user: %v", err)
		}
		if created {
			log.Printf("Seeded user %s", cfg.SeedUserEmail)
		}
	}

	attempts, closeAttempts, err := setupAttemptStore(cfg)
	if err != nil {
		log.Fatalf("Failed to set up login throttle: %v", err)
	}
	defer closeAttempts()

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(cors.New(corsConfig(cfg)))

	authenticator := auth.NewAuthenticator(users, auth.NewBcryptHasher())
	if cfg.HasSeedUser() {
		authenticator.MatchHashCost(cfg.SeedPasswordHash)
	}

	err = web.Setup(router, web.Deps{
		Sessions:      auth.NewCookieStore(cfg),
		Auth:          auth.NewManager(cfg, users, log.Default()),
		Authenticator: authenticator,
		Attempts:      attempts,
		Posts:         posts,
		Logger:        log.Default(),

		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		log.Fatalf("Failed to set up routes: %v", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Starting server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

// setupAttemptStore はログイン失敗回数の保存先を決めます。
// LOGIN_THROTTLE_REDIS_URL があれば複数プロセスで共有できる Redis を使います。
func setupAttemptStore(cfg *config.Config) (auth.AttemptStore, func(), error) {
	if cfg.LoginThrottleRedisURL == "" {
		return auth.NewMemoryAttemptStore(), func() {}, nil
	}
	store, err := auth.NewRedisAttemptStoreFromURL(cfg.LoginThrottleRedisURL)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Printf("Failed to close redis client: %v", err)
		}
	}, nil
}

func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	var origins []string
	for _, origin := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:" + cfg.Port}
	}
	corsCfg.AllowOrigins = origins
	corsCfg.AllowCredentials = true
	corsCfg.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"X-CSRF-Token", // CSRF保護用ヘッダー
		"X-Request-ID",
	}
	corsCfg.ExposeHeaders = []string{"X-Request-ID"}
	return corsCfg
}
