// Package worker はジョブ台帳をポーリングして動画処理を実行するワーカープールを提供します。
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/clip-forge/internal/jobs"
	"github.com/yourusername/clip-forge/internal/media"
	"github.com/yourusername/clip-forge/internal/storage"
)

// Ledger はワーカーが必要とするジョブ台帳の操作です。
type Ledger interface {
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*jobs.Job, error)
	ReportProgress(ctx context.Context, jobID, workerID string, pct int) error
	RenewClaim(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Complete(ctx context.Context, jobID, workerID string, outputKeys []string) error
	Fail(ctx context.Context, jobID, workerID, reason string) error
	Retry(ctx context.Context, jobID, workerID, reason string) error
}

// Options はワーカープールの動作設定です。
type Options struct {
	Workers          int           // ワーカーのゴルーチン数（0なら1）
	PollInterval     time.Duration // ジョブがない場合の待機時間
	LeaseDuration    time.Duration // クレームのリース期間
	ProgressInterval time.Duration // 進捗書き込みの最小間隔
	Clips            int           // paramsで指定がない場合のクリップ数
	Logger           *log.Logger
}

// Pool は複数のワーカーを束ねます。ワーカー同士は直接通信せず、
// 台帳のクレーム操作だけで協調します。
type Pool struct {
	ledger Ledger
	store  storage.Storage
	proc   media.Processor
	opts   Options
	logger *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool は Pool を作成します。
func NewPool(ledger Ledger, store storage.Storage, proc media.Processor, opts Options) (*Pool, error) {
	if ledger == nil {
		return nil, errors.New("ledger is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if proc == nil {
		return nil, errors.New("processor is nil")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = time.Minute
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		ledger: ledger,
		store:  store,
		proc:   proc,
		opts:   opts,
		logger: logger,
	}, nil
}

// Start はワーカーをバックグラウンドで起動します。
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	pid := os.Getpid()

	for i := 0; i < p.opts.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d-%d", host, pid, i+1)
		p.wg.Add(1)
		go p.loop(ctx, workerID)
	}
	p.logger.Printf("started %d workers (pid: %d)", p.opts.Workers, pid)
}

// Stop は全ワーカーへ停止を指示し、完了を待ちます。
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Printf("all workers stopped")
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	p.logger.Printf("[%s] started", workerID)

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("[%s] shutting down", workerID)
			return
		default:
		}

		job, err := p.ledger.ClaimNext(ctx, workerID, p.opts.LeaseDuration)
		if err != nil {
			p.logger.Printf("[%s] claim error: %v", workerID, err)
			p.sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}

		p.logger.Printf("[%s] processing job %s (source: %s, attempt %d/%d)",
			workerID, job.ID, job.Params.Source, job.Attempts, job.MaxAttempts)
		p.runJob(ctx, workerID, job)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// runJob はクレーム済みジョブを1件実行します。
// 処理中はハートビートでリースを延長し、進捗を間引いて台帳へ書き込みます。
// どこかで ErrLostClaim を受け取ったら、終端状態を書かずに即座に放棄します。
func (p *Pool) runJob(ctx context.Context, workerID string, job *jobs.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	markLost := func() {
		if lost.CompareAndSwap(false, true) {
			p.logger.Printf("[%s] lost claim on job %s, abandoning", workerID, job.ID)
			cancel()
		}
	}

	tmpDir, err := os.MkdirTemp("", "clip-forge-*")
	if err != nil {
		p.finishFailure(ctx, workerID, job,
			&media.Error{Code: "TRANSIENT_FAILURE", Message: "作業ディレクトリの作成に失敗しました。", Transient: true, Err: err})
		return
	}
	defer os.RemoveAll(tmpDir)

	inputPath, err := p.fetchSource(jobCtx, job, tmpDir)
	if err != nil {
		if lost.Load() {
			return
		}
		p.finishFailure(ctx, workerID, job, err)
		return
	}

	outDir := filepath.Join(tmpDir, "out")
	if err := os.Mkdir(outDir, 0o755); err != nil {
		p.finishFailure(ctx, workerID, job,
			&media.Error{Code: "TRANSIENT_FAILURE", Message: "出力ディレクトリの作成に失敗しました。", Transient: true, Err: err})
		return
	}

	// ハートビート。リースの1/3間隔で延長し、失効していたら処理を打ち切る。
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(p.opts.LeaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := p.ledger.RenewClaim(ctx, job.ID, workerID, p.opts.LeaseDuration); err != nil {
					if errors.Is(err, jobs.ErrLostClaim) {
						markLost()
						return
					}
					p.logger.Printf("[%s] renew claim failed job=%s: %v", workerID, job.ID, err)
				}
			}
		}
	}()

	// 進捗は最小間隔で間引く。100%だけは必ず通す。
	// Processorがどのゴルーチンから報告してもよいように、間引きの時刻はロックで守る。
	var (
		reportMu   sync.Mutex
		lastReport time.Time
	)
	reporter := func(pct int, message string) {
		now := time.Now()
		reportMu.Lock()
		if pct < 100 && now.Sub(lastReport) < p.opts.ProgressInterval {
			reportMu.Unlock()
			return
		}
		lastReport = now
		reportMu.Unlock()
		if err := p.ledger.ReportProgress(ctx, job.ID, workerID, pct); err != nil {
			if errors.Is(err, jobs.ErrLostClaim) {
				markLost()
				return
			}
			p.logger.Printf("[%s] progress report failed job=%s: %v", workerID, job.ID, err)
		}
	}

	clips := job.Params.Clips
	if clips <= 0 {
		clips = p.opts.Clips
	}
	outputs, procErr := p.proc.Process(jobCtx, inputPath, outDir, media.Options{Clips: clips}, reporter)

	cancel()
	<-hbDone

	if lost.Load() {
		return
	}
	if procErr != nil {
		p.finishFailure(ctx, workerID, job, procErr)
		return
	}

	keys, err := p.uploadOutputs(ctx, job, outputs)
	if err != nil {
		// 成果物を書けなかったジョブを finished にしてはならない
		p.finishFailure(ctx, workerID, job,
			&media.Error{Code: "TRANSIENT_FAILURE", Message: "成果物の保存に失敗しました。", Transient: true, Err: err})
		return
	}

	if err := p.ledger.Complete(ctx, job.ID, workerID, keys); err != nil {
		if errors.Is(err, jobs.ErrLostClaim) {
			p.logger.Printf("[%s] lost claim on job %s before completion", workerID, job.ID)
			return
		}
		p.logger.Printf("[%s] failed to complete job %s: %v", workerID, job.ID, err)
		return
	}
	p.logger.Printf("[%s] job %s finished (%d clips)", workerID, job.ID, len(keys))
}

// fetchSource は元動画のBlobを作業ディレクトリへダウンロードします。
func (p *Pool) fetchSource(ctx context.Context, job *jobs.Job, tmpDir string) (string, error) {
	rc, _, err := p.store.Open(ctx, job.Params.Source)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", &media.Error{Code: "INVALID_INPUT", Message: "元動画が見つかりません。", Err: err}
		}
		return "", &media.Error{Code: "TRANSIENT_FAILURE", Message: "元動画の取得に失敗しました。", Transient: true, Err: err}
	}
	defer rc.Close()

	ext := path.Ext(job.Params.Source)
	if ext == "" {
		ext = ".mp4"
	}
	inputPath := filepath.Join(tmpDir, "input"+ext)
	file, err := os.Create(inputPath)
	if err != nil {
		return "", &media.Error{Code: "TRANSIENT_FAILURE", Message: "元動画の保存に失敗しました。", Transient: true, Err: err}
	}
	defer file.Close()

	if _, err := io.Copy(file, rc); err != nil {
		return "", &media.Error{Code: "TRANSIENT_FAILURE", Message: "元動画の読み込みに失敗しました。", Transient: true, Err: err}
	}
	return inputPath, nil
}

// uploadOutputs は生成物を out/<jobID>/ 配下のBlobとして保存し、キーの一覧を返します。
// キーはジョブIDで名前空間が切られており、同じキーに残っているのは前回の試行が
// 途中まで書いたBlobだけです。クレームを保持しているのはこのワーカーだけなので、
// 消してから書き直し、再試行が自分の書き残しと衝突しないようにします。
func (p *Pool) uploadOutputs(ctx context.Context, job *jobs.Job, outputs []string) ([]string, error) {
	keys := make([]string, 0, len(outputs))
	for _, output := range outputs {
		file, err := os.Open(output)
		if err != nil {
			return nil, fmt.Errorf("failed to open output %s: %w", output, err)
		}
		key := path.Join(storage.OutputPrefix, job.ID, filepath.Base(output))
		if err := p.store.Remove(ctx, key); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to clear stale output %s: %w", key, err)
		}
		_, err = p.store.Put(ctx, key, file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to store output %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// finishFailure は失敗を分類して終端状態を書き込みます。
// 一時的な失敗で試行回数が残っていれば queued へ戻し、それ以外は error にします。
func (p *Pool) finishFailure(ctx context.Context, workerID string, job *jobs.Job, procErr error) {
	reason := media.Reason(procErr)

	var err error
	if media.IsTransient(procErr) && job.Attempts < job.MaxAttempts {
		p.logger.Printf("[%s] job %s failed transiently, requeueing (attempt %d/%d): %v",
			workerID, job.ID, job.Attempts, job.MaxAttempts, procErr)
		err = p.ledger.Retry(ctx, job.ID, workerID, reason)
	} else {
		p.logger.Printf("[%s] job %s failed: %v", workerID, job.ID, procErr)
		err = p.ledger.Fail(ctx, job.ID, workerID, reason)
	}
	if err != nil {
		if errors.Is(err, jobs.ErrLostClaim) {
			p.logger.Printf("[%s] lost claim on job %s while recording failure", workerID, job.ID)
			return
		}
		p.logger.Printf("[%s] failed to record failure for job %s: %v", workerID, job.ID, err)
	}
}
