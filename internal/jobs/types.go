// Package jobs はジョブ台帳と変更フィードを提供します。
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
	StatusError      Status = "error"
)

var (
	// ErrLostClaim は、クレームが失効または他ワーカーに移ったことを示します。
	// 受け取ったワーカーは即座にジョブを放棄しなければなりません。
	ErrLostClaim = errors.New("jobs: claim no longer held")

	// ErrNotFound は指定されたジョブが存在しないことを示します。
	ErrNotFound = errors.New("jobs: job not found")
)

// ValidationError は投入時のパラメータ不備を表します。
// ジョブ行は作成されず、投入者へ同期的に返されます。
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Params はジョブの処理パラメータです。スキーマは固定せず、
// 台帳にはJSONのまま保存されます。source は必須です。
type Params struct {
	Source string `json:"source"`          // 元動画のBlobキー
	Clips  int    `json:"clips,omitempty"` // 生成するクリップ数（省略時 1）
}

// Validate は投入前の最小限の検証を行います。
func (p Params) Validate() error {
	if strings.TrimSpace(p.Source) == "" {
		return &ValidationError{Message: "params.source に元動画のBlobキーを指定してください。"}
	}
	if p.Clips < 0 {
		return &ValidationError{Message: "params.clips は正の整数で指定してください。"}
	}
	return nil
}

// Job はジョブ台帳の1行を表します。
type Job struct {
	ID          string    `json:"jobId"`
	Owner       string    `json:"owner"`
	Params      Params    `json:"params"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	OutputKeys  []string  `json:"outputKeys,omitempty"`
	ErrorReason string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	ClaimedBy   string    `json:"claimedBy,omitempty"`
	ClaimExpiry time.Time `json:"claimExpiry,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func encodeParams(p Params) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}
	return string(data), nil
}

func decodeParams(raw string) (Params, error) {
	var p Params
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Params{}, fmt.Errorf("failed to decode params: %w", err)
	}
	return p, nil
}

func encodeKeys(keys []string) (string, error) {
	data, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("failed to encode output keys: %w", err)
	}
	return string(data), nil
}

func decodeKeys(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("failed to decode output keys: %w", err)
	}
	return keys, nil
}
