// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名（ジョブの owner として使用）
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxFileSize int64 // アップロード動画の最大サイズ（バイト）

	// ジョブ台帳設定
	LedgerPath  string // ジョブ台帳のSQLiteファイルパス
	MaxAttempts int    // ジョブの最大試行回数（超過で error へ）

	// 変更フィード設定
	FeedRedisURL string // 変更フィード用Redis接続URL（空ならプロセス内フィード）

	// Blobストレージ設定
	BlobRoot string // Blobストレージのルートディレクトリ

	// ワーカー設定
	WorkerCount      int           // ワーカーのゴルーチン数
	PollInterval     time.Duration // ジョブがない場合の待機間隔
	LeaseDuration    time.Duration // クレームのリース期間
	ProgressInterval time.Duration // 進捗書き込みの最小間隔

	// 動画処理設定
	FFmpegPath  string        // ffmpeg実行ファイルのパス
	FFprobePath string        // ffprobe実行ファイルのパス
	ClipTarget  time.Duration // 生成クリップの目標尺
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// アップロード制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 524288000), // 500MB

		// ジョブ台帳設定
		LedgerPath:  getEnv("LEDGER_PATH", "data/jobs.db"),
		MaxAttempts: getEnvAsInt("MAX_ATTEMPTS", 3),

		// 変更フィード設定
		FeedRedisURL: getEnv("FEED_REDIS_URL", ""),

		// Blobストレージ設定
		BlobRoot: getEnv("BLOB_ROOT", "data/blobs"),

		// ワーカー設定
		WorkerCount:      getEnvAsInt("WORKER_COUNT", 2),
		PollInterval:     getEnvAsSeconds("POLL_INTERVAL", 10),
		LeaseDuration:    getEnvAsSeconds("LEASE_SECONDS", 60),
		ProgressInterval: getEnvAsSeconds("PROGRESS_INTERVAL", 2),

		// 動画処理設定
		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
		ClipTarget:  getEnvAsSeconds("CLIP_TARGET_SECONDS", 16),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.FeedRedisURL == "" {
			return fmt.Errorf("FEED_REDIS_URL is required in release mode")
		}
	}

	// リースが進捗書き込み間隔より短いと、生きているジョブが横取りされる
	if c.LeaseDuration <= c.ProgressInterval {
		return fmt.Errorf("LEASE_SECONDS must be longer than PROGRESS_INTERVAL")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSeconds は秒数指定の環境変数を time.Duration として取得します。
func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
