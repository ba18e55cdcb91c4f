package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/clip-forge/internal/jobs"
	"github.com/yourusername/clip-forge/internal/media"
	"github.com/yourusername/clip-forge/internal/storage"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type testEnv struct {
	ledger *jobs.Ledger
	store  *storage.Local
}

func newTestEnv(t *testing.T, maxAttempts int) *testEnv {
	t.Helper()
	ledger, err := jobs.OpenLedger(filepath.Join(t.TempDir(), "jobs.db"), jobs.LedgerOptions{
		MaxAttempts: maxAttempts,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("OpenLedger failed: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	return &testEnv{ledger: ledger, store: store}
}

// submitWithSource は元動画のBlobを置いたうえでジョブを投入します。
func (e *testEnv) submitWithSource(t *testing.T, clips int) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	key := "raw/source.mp4"
	if !e.store.Exists(ctx, key) {
		if _, err := e.store.Put(ctx, key, bytes.NewReader([]byte("fake video"))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	job, err := e.ledger.Submit(ctx, "alice", jobs.Params{Source: key, Clips: clips})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return job
}

func (e *testEnv) waitForTerminal(t *testing.T, jobID string) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.ledger.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if job.Status == jobs.StatusFinished || job.Status == jobs.StatusError {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return nil
}

// stubProcessor はffmpegを呼ばずにクリップファイルだけ作ります。
// errs が残っている間は先頭のエラーを順に返します。
type stubProcessor struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *stubProcessor) Process(ctx context.Context, inputPath, outDir string, opts media.Options, report media.ProgressFunc) ([]string, error) {
	s.mu.Lock()
	s.calls++
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	clips := opts.Clips
	if clips <= 0 {
		clips = 1
	}
	if report != nil {
		report(50, "halfway")
	}
	var outputs []string
	for i := 0; i < clips; i++ {
		out := filepath.Join(outDir, fmt.Sprintf("clip_%02d.mp4", i+1))
		if err := os.WriteFile(out, []byte("clip data"), 0o640); err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	if report != nil {
		report(100, "done")
	}
	return outputs, nil
}

func (s *stubProcessor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestPool(t *testing.T, env *testEnv, proc media.Processor) *Pool {
	t.Helper()
	pool, err := NewPool(env.ledger, env.store, proc, Options{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	return pool
}

func TestPoolProcessesJob(t *testing.T) {
	env := newTestEnv(t, 3)
	proc := &stubProcessor{}
	pool := newTestPool(t, env, proc)

	job := env.submitWithSource(t, 2)

	pool.Start(context.Background())
	defer pool.Stop()

	got := env.waitForTerminal(t, job.ID)
	if got.Status != jobs.StatusFinished {
		t.Fatalf("status = %s, error = %q", got.Status, got.ErrorReason)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d", got.Progress)
	}
	if len(got.OutputKeys) != 2 {
		t.Fatalf("output keys = %v", got.OutputKeys)
	}

	// 成果物が out/<jobID>/ 配下のBlobとして保存されている
	for _, key := range got.OutputKeys {
		wantPrefix := storage.OutputPrefix + "/" + job.ID + "/"
		if len(key) < len(wantPrefix) || key[:len(wantPrefix)] != wantPrefix {
			t.Fatalf("unexpected output key: %q", key)
		}
		if !env.store.Exists(context.Background(), key) {
			t.Fatalf("output blob missing: %q", key)
		}
	}
}

func TestPoolPermanentFailure(t *testing.T) {
	env := newTestEnv(t, 3)
	proc := &stubProcessor{errs: []error{
		&media.Error{Code: "UNSUPPORTED_MEDIA", Message: "壊れた動画ファイルです。"},
	}}
	pool := newTestPool(t, env, proc)

	job := env.submitWithSource(t, 1)

	pool.Start(context.Background())
	defer pool.Stop()

	got := env.waitForTerminal(t, job.ID)
	if got.Status != jobs.StatusError {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ErrorReason != "壊れた動画ファイルです。" {
		t.Fatalf("error reason = %q", got.ErrorReason)
	}
	if len(got.OutputKeys) != 0 {
		t.Fatalf("failed job has output keys: %v", got.OutputKeys)
	}
	// 恒久的な失敗は再試行されない
	if proc.callCount() != 1 {
		t.Fatalf("processor called %d times", proc.callCount())
	}
}

func TestPoolTransientFailureRetries(t *testing.T) {
	env := newTestEnv(t, 3)
	proc := &stubProcessor{errs: []error{
		&media.Error{Code: "TRANSIENT_FAILURE", Message: "一時的なエラー", Transient: true},
	}}
	pool := newTestPool(t, env, proc)

	job := env.submitWithSource(t, 1)

	pool.Start(context.Background())
	defer pool.Stop()

	got := env.waitForTerminal(t, job.ID)
	if got.Status != jobs.StatusFinished {
		t.Fatalf("status = %s, error = %q", got.Status, got.ErrorReason)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d", got.Attempts)
	}
	if proc.callCount() != 2 {
		t.Fatalf("processor called %d times", proc.callCount())
	}
}

func TestPoolTransientFailureExhaustsAttempts(t *testing.T) {
	env := newTestEnv(t, 2)
	transient := &media.Error{Code: "TRANSIENT_FAILURE", Message: "まだ駄目", Transient: true}
	proc := &stubProcessor{errs: []error{transient, transient, transient}}
	pool := newTestPool(t, env, proc)

	job := env.submitWithSource(t, 1)

	pool.Start(context.Background())
	defer pool.Stop()

	got := env.waitForTerminal(t, job.ID)
	if got.Status != jobs.StatusError {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d", got.Attempts)
	}
}

func TestPoolMissingSourceFailsPermanently(t *testing.T) {
	env := newTestEnv(t, 3)
	proc := &stubProcessor{}
	pool := newTestPool(t, env, proc)

	// Blobストアに元動画を置かずに投入する
	job, err := env.ledger.Submit(context.Background(), "alice", jobs.Params{Source: "raw/ghost.mp4"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	pool.Start(context.Background())
	defer pool.Stop()

	got := env.waitForTerminal(t, job.ID)
	if got.Status != jobs.StatusError {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ErrorReason != "元動画が見つかりません。" {
		t.Fatalf("error reason = %q", got.ErrorReason)
	}
	if proc.callCount() != 0 {
		t.Fatalf("processor called for missing source")
	}
}

func TestPoolOverwritesStalePartialUpload(t *testing.T) {
	env := newTestEnv(t, 3)
	proc := &stubProcessor{}
	pool := newTestPool(t, env, proc)

	job := env.submitWithSource(t, 1)

	// 前回の試行が途中まで書き残した成果物Blobを装う
	staleKey := path.Join(storage.OutputPrefix, job.ID, "clip_01.mp4")
	if _, err := env.store.Put(context.Background(), staleKey, bytes.NewReader([]byte("partial"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	pool.Start(context.Background())
	defer pool.Stop()

	got := env.waitForTerminal(t, job.ID)
	if got.Status != jobs.StatusFinished {
		t.Fatalf("status = %s, error = %q, attempts = %d", got.Status, got.ErrorReason, got.Attempts)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d", got.Attempts)
	}

	// 書き残しは今回の成果物で置き換えられている
	rc, _, err := env.store.Open(context.Background(), staleKey)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(content) != "clip data" {
		t.Fatalf("stale blob not replaced: %q", content)
	}
}

// flakyStore は最初の数回のPutを失敗させ、保存失敗時の再投入経路を観察します。
type flakyStore struct {
	*storage.Local
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return 0, errors.New("disk full")
	}
	s.mu.Unlock()
	return s.Local.Put(ctx, key, r)
}

func TestPoolRequeuesWhenOutputUploadFails(t *testing.T) {
	env := newTestEnv(t, 3)
	flaky := &flakyStore{Local: env.store, failures: 1}
	proc := &stubProcessor{}
	pool, err := NewPool(env.ledger, flaky, proc, Options{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	job := env.submitWithSource(t, 1)

	pool.Start(context.Background())
	defer pool.Stop()

	// 1回目は保存に失敗して queued へ戻り、2回目で完了する
	got := env.waitForTerminal(t, job.ID)
	if got.Status != jobs.StatusFinished {
		t.Fatalf("status = %s, error = %q", got.Status, got.ErrorReason)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d", got.Attempts)
	}
	if proc.callCount() != 2 {
		t.Fatalf("processor called %d times", proc.callCount())
	}
	for _, key := range got.OutputKeys {
		if !env.store.Exists(context.Background(), key) {
			t.Fatalf("output blob missing: %q", key)
		}
	}
}

// recordingLedger は runJob のクレーム喪失時の挙動を観察するためのスタブです。
type recordingLedger struct {
	mu          sync.Mutex
	completeErr error
	calls       []string
}

func (r *recordingLedger) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recordingLedger) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingLedger) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*jobs.Job, error) {
	r.record("claim")
	return nil, nil
}

func (r *recordingLedger) ReportProgress(ctx context.Context, jobID, workerID string, pct int) error {
	r.record("progress")
	return nil
}

func (r *recordingLedger) RenewClaim(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	r.record("renew")
	return nil
}

func (r *recordingLedger) Complete(ctx context.Context, jobID, workerID string, outputKeys []string) error {
	r.record("complete")
	return r.completeErr
}

func (r *recordingLedger) Fail(ctx context.Context, jobID, workerID, reason string) error {
	r.record("fail")
	return nil
}

func (r *recordingLedger) Retry(ctx context.Context, jobID, workerID, reason string) error {
	r.record("retry")
	return nil
}

func TestRunJobAbandonsOnLostClaim(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Put(ctx, "raw/source.mp4", bytes.NewReader([]byte("fake video"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ledger := &recordingLedger{completeErr: jobs.ErrLostClaim}
	pool, err := NewPool(ledger, store, &stubProcessor{}, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	job := &jobs.Job{
		ID:          "j1",
		Owner:       "alice",
		Params:      jobs.Params{Source: "raw/source.mp4", Clips: 1},
		Status:      jobs.StatusProcessing,
		Attempts:    1,
		MaxAttempts: 3,
	}
	pool.runJob(ctx, "worker-1", job)

	// クレームを失ったら終端状態を書こうとしない
	for _, call := range ledger.recorded() {
		if call == "fail" || call == "retry" {
			t.Fatalf("terminal write after lost claim: %v", ledger.recorded())
		}
	}
}
