package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Ledger はジョブ台帳をSQLiteに永続化します。
// ジョブのライフサイクルに関する唯一の正であり、クレームの排他制御は
// すべてこのテーブルへの条件付きUPDATEで行います。
type Ledger struct {
	db          *sql.DB
	feed        Feed
	maxAttempts int
	logger      *log.Logger

	// テストから時刻を注入できるようにしておく
	now func() time.Time
}

// LedgerOptions は Ledger 作成時の設定です。
type LedgerOptions struct {
	Feed        Feed        // 変更フィード（nilなら通知なし）
	MaxAttempts int         // ジョブの最大試行回数（0なら既定値 3）
	Logger      *log.Logger // nilなら log.Default()
}

const defaultMaxAttempts = 3

// OpenLedger はSQLiteファイルを開き、スキーマを初期化して Ledger を返します。
func OpenLedger(path string, opts LedgerOptions) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	// _txlock=immediate でクレームのトランザクション同士を先頭から直列化する
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		owner         TEXT NOT NULL,
		params        TEXT NOT NULL,
		status        TEXT NOT NULL,
		progress      INTEGER NOT NULL DEFAULT 0,
		output_keys   TEXT,
		error_message TEXT,
		attempts      INTEGER NOT NULL DEFAULT 0,
		max_attempts  INTEGER NOT NULL DEFAULT 3,
		claimed_by    TEXT,
		claim_expiry  DATETIME,
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Ledger{
		db:          db,
		feed:        opts.Feed,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Close はデータベース接続を閉じます。
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Submit は新しいジョブ行を queued 状態で作成し、ジョブを返します。
// params に元動画のBlobキーがない場合は ValidationError を返し、行は作成されません。
func (l *Ledger) Submit(ctx context.Context, owner string, params Params) (*Job, error) {
	if owner == "" {
		return nil, &ValidationError{Message: "owner を指定してください。"}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	encoded, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Owner:       owner,
		Params:      params,
		Status:      StatusQueued,
		Progress:    0,
		MaxAttempts: l.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner, params, status, progress, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		job.ID, job.Owner, encoded, string(job.Status), job.MaxAttempts, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	l.publish(ctx, job)
	return job, nil
}

// eligibleCond は claim_next の対象となる行の条件です。
// queued か、クレームが失効した processing のうち、試行回数が残っているもの。
const eligibleCond = `(status = 'queued' OR (status = 'processing' AND claim_expiry <= ?)) AND attempts < max_attempts`

// ClaimNext は最も古い対象ジョブをひとつ選び、processing に遷移させてクレームを確立します。
// 対象がなければ (nil, nil) を返します。選択と遷移は単一トランザクション内の
// 条件付きUPDATEで行い、同時呼び出しが同じ行を受け取ることはありません。
func (l *Ledger) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("workerID is required")
	}
	if lease <= 0 {
		return nil, fmt.Errorf("lease duration must be positive")
	}

	now := l.now().UTC()

	swept, err := l.sweepExhausted(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, id := range swept {
		l.publishByID(ctx, id)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE `+eligibleCond+`
		ORDER BY created_at ASC LIMIT 1`, now)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	expiry := now.Add(lease)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing', claimed_by = ?, claim_expiry = ?,
		    progress = 0, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND `+eligibleCond,
		workerID, expiry, now, job.ID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// 同時実行で別の呼び出しに取られた
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = StatusProcessing
	job.ClaimedBy = workerID
	job.ClaimExpiry = expiry
	job.Progress = 0
	job.Attempts++
	job.UpdatedAt = now

	l.publish(ctx, job)
	return job, nil
}

// sweepExhausted は、クレームが失効したまま試行回数を使い切った行を error に落とします。
// 永久に壊れた入力が再クレームされ続けるのを防ぎます。
func (l *Ledger) sweepExhausted(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status = 'processing' AND claim_expiry <= ? AND attempts >= max_attempts`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select exhausted jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var swept []string
	for _, id := range ids {
		res, err := l.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'error', error_message = ?, claimed_by = NULL, claim_expiry = NULL, updated_at = ?
			WHERE id = ? AND status = 'processing' AND claim_expiry <= ? AND attempts >= max_attempts`,
			"リトライ上限に達しました", now, id, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to sweep job %s: %w", id, err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			swept = append(swept, id)
		}
	}
	return swept, nil
}

// heldCond は、呼び出したワーカーが未失効のクレームを保持している行の条件です。
const heldCond = `id = ? AND status = 'processing' AND claimed_by = ? AND claim_expiry > ?`

// ReportProgress は進捗を更新します。クレームを保持していなければ ErrLostClaim を返します。
// 進捗は後退しません。受理済みの値より小さい報告は切り上げられます。
func (l *Ledger) ReportProgress(ctx context.Context, jobID, workerID string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return l.ownedUpdate(ctx, jobID, workerID, `
		UPDATE jobs SET progress = MAX(progress, ?), updated_at = ?
		WHERE `+heldCond,
		pct,
	)
}

// RenewClaim はクレームの失効時刻を延長します（ハートビート）。
func (l *Ledger) RenewClaim(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	if lease <= 0 {
		return fmt.Errorf("lease duration must be positive")
	}
	now := l.now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET claim_expiry = ?, updated_at = ?
		WHERE `+heldCond,
		now.Add(lease), now, jobID, workerID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to renew claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLostClaim
	}
	// ハートビートはフィードに流さない（UIに意味のある変化がない）
	return nil
}

// Complete はジョブを finished に遷移させ、成果物のBlobキーを記録してクレームを解放します。
func (l *Ledger) Complete(ctx context.Context, jobID, workerID string, outputKeys []string) error {
	if len(outputKeys) == 0 {
		return fmt.Errorf("output keys must not be empty on completion")
	}
	encoded, err := encodeKeys(outputKeys)
	if err != nil {
		return err
	}
	return l.ownedUpdate(ctx, jobID, workerID, `
		UPDATE jobs
		SET status = 'finished', progress = 100, output_keys = ?, error_message = NULL,
		    claimed_by = NULL, claim_expiry = NULL, updated_at = ?
		WHERE `+heldCond,
		encoded,
	)
}

// Fail はジョブを error に遷移させ、失敗理由を記録してクレームを解放します。
func (l *Ledger) Fail(ctx context.Context, jobID, workerID, reason string) error {
	if reason == "" {
		reason = "原因不明のエラーが発生しました"
	}
	return l.ownedUpdate(ctx, jobID, workerID, `
		UPDATE jobs
		SET status = 'error', error_message = ?,
		    claimed_by = NULL, claim_expiry = NULL, updated_at = ?
		WHERE `+heldCond,
		reason,
	)
}

// Retry は一時的な失敗のジョブを queued に戻し、再クレーム可能にします。
// 試行回数は ClaimNext で加算済みのため、ここでは据え置きます。
func (l *Ledger) Retry(ctx context.Context, jobID, workerID, reason string) error {
	return l.ownedUpdate(ctx, jobID, workerID, `
		UPDATE jobs
		SET status = 'queued', progress = 0, error_message = ?,
		    claimed_by = NULL, claim_expiry = NULL, updated_at = ?
		WHERE `+heldCond,
		reason,
	)
}

// ownedUpdate はクレーム保持を条件とする更新を実行し、
// 行が更新されなければ ErrLostClaim を返します。
// query は末尾3つのプレースホルダーが heldCond (id, worker, now) である必要があります。
func (l *Ledger) ownedUpdate(ctx context.Context, jobID, workerID, query string, extra ...any) error {
	now := l.now().UTC()
	args := append(extra, now, jobID, workerID, now)
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLostClaim
	}
	l.publishByID(ctx, jobID)
	return nil
}

const jobColumns = `id, owner, params, status, progress, output_keys, error_message,
	attempts, max_attempts, claimed_by, claim_expiry, created_at, updated_at`

// Get はジョブをIDで取得します。存在しなければ ErrNotFound を返します。
func (l *Ledger) Get(ctx context.Context, id string) (*Job, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListForOwner は指定オーナーのジョブを作成日時の降順で返します。
func (l *Ledger) ListForOwner(ctx context.Context, owner string) ([]*Job, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		params      string
		status      string
		outputKeys  sql.NullString
		errorMsg    sql.NullString
		claimedBy   sql.NullString
		claimExpiry sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.Owner, &params, &status, &job.Progress,
		&outputKeys, &errorMsg, &job.Attempts, &job.MaxAttempts,
		&claimedBy, &claimExpiry, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}

	decoded, err := decodeParams(params)
	if err != nil {
		return nil, err
	}
	job.Params = decoded
	job.Status = Status(status)
	if outputKeys.Valid {
		keys, err := decodeKeys(outputKeys.String)
		if err != nil {
			return nil, err
		}
		job.OutputKeys = keys
	}
	if errorMsg.Valid {
		job.ErrorReason = errorMsg.String
	}
	if claimedBy.Valid {
		job.ClaimedBy = claimedBy.String
	}
	if claimExpiry.Valid {
		job.ClaimExpiry = claimExpiry.Time
	}
	return &job, nil
}

// publish は変更後の行イメージをフィードへ流します。
// フィードは利便性のための通知であり、失敗してもジョブ状態には影響させません。
func (l *Ledger) publish(ctx context.Context, job *Job) {
	if l.feed == nil || job == nil {
		return
	}
	if err := l.feed.Publish(ctx, job); err != nil {
		l.logger.Printf("failed to publish job update job=%s: %v", job.ID, err)
	}
}

func (l *Ledger) publishByID(ctx context.Context, id string) {
	if l.feed == nil {
		return
	}
	job, err := l.Get(ctx, id)
	if err != nil {
		l.logger.Printf("failed to load job for feed job=%s: %v", id, err)
		return
	}
	l.publish(ctx, job)
}
