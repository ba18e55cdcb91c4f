package media

import (
	"context"
	"time"
)

// ProgressFunc は進捗報告用コールバックです。percent は 0〜100 です。
// Processor の実装は任意のゴルーチンから呼んでよく、コールバック側が
// 並行呼び出しに耐える必要があります。
type ProgressFunc func(percent int, message string)

// Options は1ジョブ分の処理パラメータです。
type Options struct {
	Clips  int           // 生成するクリップ数（0なら1）
	Target time.Duration // 1クリップの目標尺（0なら既定値）
	Seed   int64         // 乱数シード（0なら時刻から採番）
}

// Processor は元動画からスクランブルクリップを生成します。
// 成功時は生成したファイルのパスを返します。入力と出力はローカルパスで、
// Blobストアとのやり取りは呼び出し側（ワーカー）が行います。
type Processor interface {
	Process(ctx context.Context, inputPath, outDir string, opts Options, report ProgressFunc) ([]string, error)
}

func reportProgress(cb ProgressFunc, percent int, message string) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(percent, message)
}
