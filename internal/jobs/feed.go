package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Feed はジョブ行の変更を購読者へ通知します。
// 配信は at-least-once で、順序はコミット後であること以上を保証しません。
// 再接続した購読者は台帳を読み直して現在状態と突き合わせる必要があります。
type Feed interface {
	// Publish は変更後の行イメージを owner ごとのチャンネルへ流します。
	Publish(ctx context.Context, job *Job) error
	// Subscribe は owner のジョブ変更を受け取るチャンネルと購読解除関数を返します。
	Subscribe(ctx context.Context, owner string) (<-chan *Job, func(), error)
}

func feedChannel(owner string) string {
	return "jobs:" + owner
}

// RedisFeed はRedisのPub/Subで変更を配信します。
// APIサーバーとワーカーが別プロセスでも、台帳の変更がUIまで届きます。
type RedisFeed struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewRedisFeed は RedisFeed を作成します。
func NewRedisFeed(rdb *redis.Client, logger *log.Logger) *RedisFeed {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisFeed{rdb: rdb, logger: logger}
}

// Publish はジョブをJSONにして owner のチャンネルへ発行します。
func (f *RedisFeed) Publish(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job for feed: %w", err)
	}
	return f.rdb.Publish(ctx, feedChannel(job.Owner), payload).Err()
}

// Subscribe は owner のチャンネルを購読します。
// デコードできないメッセージは捨ててログに残します。
func (f *RedisFeed) Subscribe(ctx context.Context, owner string) (<-chan *Job, func(), error) {
	pubsub := f.rdb.Subscribe(ctx, feedChannel(owner))
	// 購読の確立を待ってから返す
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe feed: %w", err)
	}

	out := make(chan *Job, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var job Job
			if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
				f.logger.Printf("failed to decode feed message owner=%s: %v", owner, err)
				continue
			}
			select {
			case out <- &job:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		_ = pubsub.Close()
	}
	return out, cancel, nil
}

// MemoryFeed はプロセス内で変更を配信します。
// APIとワーカーを同一プロセスで動かす開発構成とテスト用です。
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[string]map[int]chan *Job
	next int
}

// NewMemoryFeed は MemoryFeed を作成します。
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[int]chan *Job)}
}

// Publish は owner の全購読者へジョブを配ります。
// 受信が追いつかない購読者への配信は落とします（購読者は再取得で追いつく）。
func (f *MemoryFeed) Publish(_ context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[job.Owner] {
		select {
		case ch <- job:
		default:
		}
	}
	return nil
}

// Subscribe は owner の変更を受け取るチャンネルを登録します。
func (f *MemoryFeed) Subscribe(_ context.Context, owner string) (<-chan *Job, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs[owner] == nil {
		f.subs[owner] = make(map[int]chan *Job)
	}
	id := f.next
	f.next++
	ch := make(chan *Job, 16)
	f.subs[owner][id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[owner][id]; ok {
			delete(f.subs[owner], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}
