package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTarget  = 16 * time.Second
	minSegmentSec  = 1.5
	maxSegmentSec  = 3.5
	maxSegmentsCap = 30
)

// Scrambler はffmpegで元動画からランダムな断片を切り出し、
// つなぎ合わせたスクランブルクリップを生成します。
type Scrambler struct {
	FFmpegPath  string
	FFprobePath string
	Target      time.Duration
}

// NewScrambler は Scrambler を作成します。
func NewScrambler(ffmpegPath, ffprobePath string, target time.Duration) *Scrambler {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if target <= 0 {
		target = defaultTarget
	}
	return &Scrambler{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Target: target}
}

// segment は元動画から切り出す1断片です（秒単位）。
type segment struct {
	start  float64
	length float64
}

// Process は opts.Clips 本のスクランブルクリップを outDir に生成します。
func (s *Scrambler) Process(ctx context.Context, inputPath, outDir string, opts Options, report ProgressFunc) ([]string, error) {
	if inputPath == "" {
		return nil, newError("INVALID_INPUT", "入力動画のパスが指定されていません。", nil)
	}
	clips := opts.Clips
	if clips <= 0 {
		clips = 1
	}
	target := opts.Target
	if target <= 0 {
		target = s.Target
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	reportProgress(report, 0, "元動画を解析しています")

	duration, err := s.probeDuration(ctx, inputPath)
	if err != nil {
		return nil, err
	}

	reportProgress(report, 10, "切り出し区間を選択しています")

	outputs := make([]string, 0, clips)
	for i := 0; i < clips; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// 各クリップの進捗は 10〜90% の帯域を等分する
		base := 10 + i*80/clips
		span := 80 / clips

		plan := planSegments(duration, target.Seconds(), rng)
		output := filepath.Join(outDir, fmt.Sprintf("clip_%02d.mp4", i+1))
		if err := s.renderClip(ctx, inputPath, output, plan, func(done, total int) {
			reportProgress(report, base+done*span/total,
				fmt.Sprintf("クリップ %d/%d を生成しています (%d/%d)", i+1, clips, done, total))
		}); err != nil {
			return nil, err
		}
		outputs = append(outputs, output)
	}

	reportProgress(report, 95, "生成結果を確認しています")

	for _, output := range outputs {
		info, err := os.Stat(output)
		if err != nil || info.Size() == 0 {
			return nil, newError("UNSUPPORTED_MEDIA", "クリップの生成結果が空でした。元動画が破損していないか確認してください。", err)
		}
	}

	reportProgress(report, 100, "完了しました")
	return outputs, nil
}

// planSegments は元動画から切り出す断片の開始位置と長さを決めます。
// 断片の合計が目標尺に達するまで、1.5〜3.5秒のランダムな区間を選びます。
func planSegments(duration, targetSec float64, rng *rand.Rand) []segment {
	if duration <= minSegmentSec {
		return []segment{{start: 0, length: duration}}
	}

	var (
		segments []segment
		total    float64
	)
	for total < targetSec && len(segments) < maxSegmentsCap {
		length := minSegmentSec + rng.Float64()*(maxSegmentSec-minSegmentSec)
		if length > duration {
			length = duration
		}
		if remaining := targetSec - total; length > remaining && remaining >= minSegmentSec {
			length = remaining
		}
		start := rng.Float64() * (duration - length)
		segments = append(segments, segment{start: start, length: length})
		total += length
	}
	return segments
}

// renderClip は断片を個別に切り出し、concatデマルチプレクサで1本につなぎます。
func (s *Scrambler) renderClip(ctx context.Context, inputPath, outputPath string, plan []segment, step func(done, total int)) error {
	workDir, err := os.MkdirTemp(filepath.Dir(outputPath), "segments-")
	if err != nil {
		return newTransientError("TRANSIENT_FAILURE", "作業ディレクトリの作成に失敗しました。", err)
	}
	defer os.RemoveAll(workDir)

	// 切り出しは再エンコードなし。同一ソース由来なのでconcatにそのまま使える。
	var listBuf strings.Builder
	for i, seg := range plan {
		partPath := filepath.Join(workDir, fmt.Sprintf("part_%03d.mp4", i))
		args := []string{
			"-hide_banner", "-loglevel", "error", "-y",
			"-ss", formatSeconds(seg.start),
			"-t", formatSeconds(seg.length),
			"-i", inputPath,
			"-c", "copy",
			partPath,
		}
		if err := s.runFFmpeg(ctx, args); err != nil {
			return err
		}
		fmt.Fprintf(&listBuf, "file '%s'\n", partPath)
		if step != nil {
			step(i+1, len(plan)+1)
		}
	}

	listPath := filepath.Join(workDir, "segments.txt")
	if err := os.WriteFile(listPath, []byte(listBuf.String()), 0o640); err != nil {
		return newTransientError("TRANSIENT_FAILURE", "断片リストの保存に失敗しました。", err)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outputPath,
	}
	if err := s.runFFmpeg(ctx, args); err != nil {
		return err
	}
	if step != nil {
		step(len(plan)+1, len(plan)+1)
	}
	return nil
}

func (s *Scrambler) probeDuration(ctx context.Context, inputPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, s.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 0, newTransientError("TRANSIENT_FAILURE", "ffprobeが見つかりません。", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, newError("UNSUPPORTED_MEDIA",
			fmt.Sprintf("元動画を読み込めませんでした: %s", firstLine(stderr.String())), err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil || duration <= 0 {
		return 0, newError("UNSUPPORTED_MEDIA", "元動画の再生時間を取得できませんでした。", err)
	}
	return duration, nil
}

func (s *Scrambler) runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, s.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return newTransientError("TRANSIENT_FAILURE", "ffmpegが見つかりません。", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return newError("UNSUPPORTED_MEDIA",
			fmt.Sprintf("ffmpegによる処理に失敗しました: %s", firstLine(stderr.String())), err)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func firstLine(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, '\n'); i >= 0 {
		return v[:i]
	}
	return v
}
