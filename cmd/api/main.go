// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/clip-forge/internal/auth"
	"github.com/yourusername/clip-forge/internal/config"
	"github.com/yourusername/clip-forge/internal/jobs"
	"github.com/yourusername/clip-forge/internal/storage"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// 変更フィードの準備（FEED_REDIS_URL 未設定ならプロセス内フィード）
	feed, err := setupFeed(cfg)
	if err != nil {
		log.Fatalf("Failed to set up change feed: %v", err)
	}

	// ジョブ台帳とBlobストアの準備
	ledger, err := jobs.OpenLedger(cfg.LedgerPath, jobs.LedgerOptions{
		Feed:        feed,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		log.Fatalf("Failed to open job ledger: %v", err)
	}
	defer ledger.Close()

	blobs, err := storage.NewLocal(cfg.BlobRoot)
	if err != nil {
		log.Fatalf("Failed to open blob store: %v", err)
	}

	// ルーティングの設定
	setupRoutes(router, cfg, ledger, feed, blobs)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupFeed は変更フィードを構成します。Redisが設定されていれば複数プロセス間で
// 通知を共有でき、未設定ならAPIプロセス内だけの配信になります。
func setupFeed(cfg *config.Config) (jobs.Feed, error) {
	if cfg.FeedRedisURL == "" {
		return jobs.NewMemoryFeed(), nil
	}
	opt, err := redis.ParseURL(cfg.FeedRedisURL)
	if err != nil {
		return nil, err
	}
	return jobs.NewRedisFeed(redis.NewClient(opt), log.Default()), nil
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "clip-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, ledger *jobs.Ledger, feed jobs.Feed, blobs storage.Storage) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		if cfg.AppUsername == "" && cfg.GinMode != gin.ReleaseMode {
			// 認証情報なしのローカル開発では固定オーナーで動かす
			log.Printf("APP_USERNAME is not set; running with static owner %q", "local")
			protected.Use(auth.StaticOwner("local"))
		} else {
			protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		}
		{
			opts := jobs.HandlerOptions{MaxFileSize: cfg.MaxFileSize}
			protected.POST("/jobs", jobs.SubmitHandler(ledger, blobs, opts))
			protected.GET("/jobs", jobs.ListHandler(ledger))
			protected.GET("/jobs/events", jobs.EventsHandler(ledger, feed))
			protected.GET("/jobs/:id", jobs.StatusHandler(ledger))
			protected.GET("/jobs/:id/download", jobs.DownloadHandler(ledger, blobs))
		}
	}
}
