// Package main は動画処理ワーカーのエントリーポイントです。
// 台帳からジョブをクレームし、クリップ生成が終わるまで処理します。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/clip-forge/internal/config"
	"github.com/yourusername/clip-forge/internal/jobs"
	"github.com/yourusername/clip-forge/internal/media"
	"github.com/yourusername/clip-forge/internal/storage"
	"github.com/yourusername/clip-forge/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	feed, err := setupFeed(cfg)
	if err != nil {
		log.Fatalf("Failed to set up change feed: %v", err)
	}

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

	scrambler := media.NewScrambler(cfg.FFmpegPath, cfg.FFprobePath, cfg.ClipTarget)

	pool, err := worker.NewPool(ledger, blobs, scrambler, worker.Options{
		Workers:          cfg.WorkerCount,
		PollInterval:     cfg.PollInterval,
		LeaseDuration:    cfg.LeaseDuration,
		ProgressInterval: cfg.ProgressInterval,
	})
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}

	pool.Start(context.Background())
	log.Printf("Worker pool started (workers: %d, poll: %s)", cfg.WorkerCount, cfg.PollInterval)

	// SIGINT/SIGTERM を受けたら処理中のジョブを中断して終了する
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received %s, shutting down", sig)

	pool.Stop()
	log.Println("Worker pool stopped")
}

// setupFeed は変更フィードを構成します。UIへ通知を届けるにはAPIサーバーと
// 同じRedisを指す必要があります。未設定ならワーカー内だけの配信になります。
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
