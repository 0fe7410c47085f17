package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"MuseGen/logger"
)

// maxDiagnostics 错误里最多保留的 stderr 字节数（取末尾）
const maxDiagnostics = 4096

// FFmpegTranscoder implements the Transcoder interface using ffmpeg.
type FFmpegTranscoder struct {
	ffmpegPath  string
	ffprobePath string
	sampleRate  int
}

// NewFFmpegTranscoder creates a new FFmpegTranscoder.
func NewFFmpegTranscoder(ffmpegPath, ffprobePath string, sampleRate int) *FFmpegTranscoder {
	if ffprobePath == "" {
		ffprobePath = strings.Replace(ffmpegPath, "ffmpeg", "ffprobe", 1)
	}
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	return &FFmpegTranscoder{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, sampleRate: sampleRate}
}

// NormalizeBitrate 把 "192" 规范成 "192k"，其余原样返回
func NormalizeBitrate(b string) string {
	b = strings.TrimSpace(strings.ToLower(b))
	if b == "" || strings.HasSuffix(b, "k") {
		return b
	}
	if n, err := strconv.Atoi(b); err == nil && n < 1000 {
		return b + "k"
	}
	return b
}

// normalizeChain 重采样到统一采样率和声道布局并重置时间戳，保证 concat 两段格式一致
func (p *FFmpegTranscoder) normalizeChain() string {
	return fmt.Sprintf("aresample=%d,aformat=sample_fmts=fltp:channel_layouts=stereo,asetpts=PTS-STARTPTS", p.sampleRate)
}

// BuildArgs 根据转码参数生成 ffmpeg 命令行。
// 三种滤镜图：整段重编码 / 截取前 N 秒 / 截取 + 追加水印。
func (p *FFmpegTranscoder) BuildArgs(job Job) []string {
	spec := job.Spec
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", job.InputPath}

	switch {
	case spec.Watermark != nil:
		graph := strings.Join([]string{
			fmt.Sprintf("[0:a]atrim=0:%d,%s[a0]", spec.TrimSeconds, p.normalizeChain()),
			fmt.Sprintf("[1:a]%s[a1]", p.normalizeChain()),
			"[a0][a1]concat=n=2:v=0:a=1[a]",
		}, ";")
		args = append(args,
			"-i", spec.Watermark.ClipPath,
			"-filter_complex", graph,
			"-map", "[a]",
		)
	case spec.TrimSeconds > 0:
		args = append(args,
			"-map", "0:a:0",
			"-af", fmt.Sprintf("atrim=0:%d,asetpts=PTS-STARTPTS", spec.TrimSeconds),
		)
	default:
		args = append(args, "-map", "0:a:0")
	}

	// 去掉元数据并使用 bitexact，冷缓存下重复转码得到相同字节
	args = append(args,
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-flags:a", "+bitexact",
		"-c:a", "libmp3lame",
		"-b:a", NormalizeBitrate(spec.Bitrate),
		"-f", "mp3",
		job.OutputPath,
	)
	return args
}

// Transcode 以子进程方式运行 ffmpeg
func (p *FFmpegTranscoder) Transcode(ctx context.Context, job Job) (*Result, error) {
	if err := job.Spec.Validate(); err != nil {
		return nil, &TranscodeError{Engine: "FFmpeg", Err: err}
	}
	if job.Spec.Watermark != nil {
		if _, err := os.Stat(job.Spec.Watermark.ClipPath); err != nil {
			return nil, &TranscodeError{Engine: "FFmpeg", Err: fmt.Errorf("watermark clip not found: %w", err)}
		}
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return nil, &TranscodeError{Engine: "FFmpeg", Err: fmt.Errorf("failed to create output directory: %w", err)}
	}

	args := p.BuildArgs(job)
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("执行 FFmpeg 命令", logger.String("cmd", p.ffmpegPath+" "+strings.Join(args, " ")))

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, &TranscodeError{Engine: "FFmpeg", Err: err, Diagnostics: tail(stderr.String(), maxDiagnostics)}
	}

	result := &Result{OutputPath: job.OutputPath}
	duration, err := p.ProbeDuration(ctx, job.OutputPath)
	if err != nil {
		logger.Warn("无法探测输出时长", logger.String("output", job.OutputPath), logger.ErrorField(err))
	} else {
		result.Duration = duration
	}

	logger.Info("转码完成",
		logger.String("output", job.OutputPath),
		logger.String("bitrate", job.Spec.Bitrate),
		logger.Int("trimSeconds", job.Spec.TrimSeconds),
		logger.Bool("watermark", job.Spec.Watermark != nil),
		logger.Duration("elapsed", time.Since(start)))
	return result, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ffprobeOutput defines the structure for ffprobe JSON output.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration uses ffprobe to get the duration of an audio file in seconds.
func (p *FFmpegTranscoder) ProbeDuration(ctx context.Context, inputFile string) (float32, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		inputFile,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe execution failed for %s: %w\nFFprobe Error: %s", inputFile, err, stderr.String())
	}
	return parseProbeDuration(out.Bytes())
}

func parseProbeDuration(raw []byte) (float32, error) {
	var probeData ffprobeOutput
	if err := json.Unmarshal(raw, &probeData); err != nil {
		return 0, fmt.Errorf("failed to unmarshal ffprobe output: %w\nFFprobe Output: %s", err, string(raw))
	}
	if probeData.Format.Duration == "" {
		return 0, fmt.Errorf("duration not found in ffprobe output\nFFprobe Output: %s", string(raw))
	}
	duration, err := strconv.ParseFloat(probeData.Format.Duration, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration string %q: %w", probeData.Format.Duration, err)
	}
	return float32(duration), nil
}
