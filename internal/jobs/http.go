package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/clip-forge/internal/auth"
	"github.com/yourusername/clip-forge/internal/storage"
)

// Submitter はジョブを投入できる台帳が実装します。
type Submitter interface {
	Submit(ctx context.Context, owner string, params Params) (*Job, error)
}

// Reader はジョブを参照できる台帳が実装します。
type Reader interface {
	Get(ctx context.Context, id string) (*Job, error)
	ListForOwner(ctx context.Context, owner string) ([]*Job, error)
}

// HandlerOptions はハンドラー共通の設定です。
type HandlerOptions struct {
	MaxFileSize int64 // アップロード動画の最大サイズ（バイト）
}

// SubmitHandler は POST /api/jobs のハンドラーを返します。
// 動画をBlobストアへ保存し、それを参照するジョブ行を queued で作成します。
func SubmitHandler(submitter Submitter, store storage.Storage, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerFrom(c)
		if !ok {
			return
		}

		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data で動画ファイルを送信してください。",
			})
			return
		}

		if opts.MaxFileSize > 0 && file.Size > opts.MaxFileSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    "LIMIT_EXCEEDED",
				"message": fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています。", opts.MaxFileSize),
			})
			return
		}

		clips := 0
		if raw := strings.TrimSpace(c.PostForm("clips")); raw != "" {
			clips, err = strconv.Atoi(raw)
			if err != nil || clips <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "clips は正の整数で指定してください。",
				})
				return
			}
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "アップロードされたファイルを開けませんでした。",
			})
			return
		}
		defer src.Close()

		mtype, err := mimetype.DetectReader(src)
		if err != nil || !strings.HasPrefix(mtype.String(), "video/") {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "UNSUPPORTED_MEDIA",
				"message": "動画ファイルのみアップロードできます。",
			})
			return
		}
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "アップロードされたファイルの読み込みに失敗しました。",
			})
			return
		}

		ext := strings.ToLower(filepath.Ext(file.Filename))
		if ext == "" {
			ext = mtype.Extension()
		}
		key := path.Join(storage.RawPrefix, uuid.NewString()+ext)

		if _, err := store.Put(c.Request.Context(), key, src); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "STORAGE_ERROR",
				"message": "動画の保存に失敗しました。",
			})
			return
		}

		job, err := submitter.Submit(c.Request.Context(), owner, Params{Source: key, Clips: clips})
		if err != nil {
			// ジョブ行が作られなかった場合、アップロード済みBlobは残さない
			_ = store.Remove(c.Request.Context(), key)
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
	}
}

// ListHandler は GET /api/jobs のハンドラーを返します。
func ListHandler(reader Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerFrom(c)
		if !ok {
			return
		}

		list, err := reader.ListForOwner(c.Request.Context(), owner)
		if err != nil {
			respondWithError(c, err)
			return
		}

		payload := make([]gin.H, 0, len(list))
		for _, job := range list {
			payload = append(payload, jobPayload(job))
		}
		c.JSON(http.StatusOK, gin.H{"jobs": payload})
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
func StatusHandler(reader Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerFrom(c)
		if !ok {
			return
		}

		job, ok := loadOwnedJob(c, reader, owner)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, jobPayload(job))
	}
}

// DownloadHandler は GET /api/jobs/:id/download のハンドラーを返します。
// finished のジョブの成果物Blobをストリーミングします。index で何番目の
// クリップかを指定できます（省略時は先頭）。
func DownloadHandler(reader Reader, store storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerFrom(c)
		if !ok {
			return
		}

		job, ok := loadOwnedJob(c, reader, owner)
		if !ok {
			return
		}

		if job.Status != StatusFinished || len(job.OutputKeys) == 0 {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_NOT_FINISHED",
				"message": "ジョブはまだ完了していません。",
			})
			return
		}

		index := 0
		if raw := strings.TrimSpace(c.Query("index")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 || parsed >= len(job.OutputKeys) {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "index の値が成果物の範囲外です。",
				})
				return
			}
			index = parsed
		}

		key := job.OutputKeys[index]
		rc, size, err := store.Open(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_RESULT_NOT_FOUND",
					"message": "ジョブの成果物が見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの成果物取得に失敗しました。",
			})
			return
		}
		defer rc.Close()

		contentType := "application/octet-stream"
		switch strings.ToLower(path.Ext(key)) {
		case ".mp4":
			contentType = "video/mp4"
		case ".webm":
			contentType = "video/webm"
		case ".mov":
			contentType = "video/quicktime"
		}

		filename := path.Base(key)
		encodedName := url.PathEscape(filename)
		c.Header("Content-Type", contentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", job.ID)
		c.DataFromReader(http.StatusOK, size, contentType, rc, nil)
	}
}

// EventsHandler は GET /api/jobs/events のハンドラーを返します。
// まず現在のジョブ一覧をスナップショットとして送り、以降は変更フィードを
// Server-Sent Events で中継します。配信は at-least-once なので、クライアントは
// 重複通知を許容し、再接続時は一覧を取り直して現在状態と突き合わせます。
func EventsHandler(reader Reader, feed Feed) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerFrom(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()

		// スナップショット前に購読を開始し、間に起きた変更を取りこぼさない
		ch, cancel, err := feed.Subscribe(ctx, owner)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "変更フィードへの接続に失敗しました。",
			})
			return
		}
		defer cancel()

		snapshot, err := reader.ListForOwner(ctx, owner)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.Header("Cache-Control", "no-store")
		for _, job := range snapshot {
			c.SSEvent("job", jobPayload(job))
		}
		c.Writer.Flush()

		c.Stream(func(w io.Writer) bool {
			select {
			case job, open := <-ch:
				if !open {
					return false
				}
				c.SSEvent("job", jobPayload(job))
				return true
			case <-ctx.Done():
				return false
			}
		})
	}
}

func jobPayload(job *Job) gin.H {
	payload := gin.H{
		"jobId":     job.ID,
		"status":    job.Status,
		"progress":  job.Progress,
		"source":    job.Params.Source,
		"createdAt": job.CreatedAt,
		"updatedAt": job.UpdatedAt,
	}
	if len(job.OutputKeys) > 0 {
		payload["outputKeys"] = job.OutputKeys
	}
	if job.ErrorReason != "" {
		payload["error"] = job.ErrorReason
	}
	return payload
}

func ownerFrom(c *gin.Context) (string, bool) {
	owner := c.GetString(auth.ContextOwnerKey)
	if owner == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です。",
		})
		return "", false
	}
	return owner, true
}

func loadOwnedJob(c *gin.Context, reader Reader, owner string) (*Job, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return nil, false
	}

	job, err := reader.Get(c.Request.Context(), jobID)
	if err != nil {
		respondWithError(c, err)
		return nil, false
	}
	// 他オーナーのジョブは存在自体を伏せる
	if job.Owner != owner {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return nil, false
	}
	return job, true
}

func respondWithError(c *gin.Context, err error) {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": validationErr.Message,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
