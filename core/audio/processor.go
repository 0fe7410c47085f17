package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTranscodeFailed 音频引擎以非零状态退出或读写失败
var ErrTranscodeFailed = errors.New("transcode failed")

// TranscodeError 携带引擎的诊断输出
type TranscodeError struct {
	Engine      string
	Err         error
	Diagnostics string
}

func (e *TranscodeError) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", ErrTranscodeFailed, e.Engine, e.Err)
	if d := strings.TrimSpace(e.Diagnostics); d != "" {
		msg += "\n" + e.Engine + " Error: " + d
	}
	return msg
}

func (e *TranscodeError) Unwrap() []error {
	return []error{ErrTranscodeFailed, e.Err}
}

// Watermark 追加到试听片段末尾的水印音频
type Watermark struct {
	ClipPath string
}

// Spec 描述一次转码的目标
type Spec struct {
	Format      string // 固定为 mp3
	Bitrate     string // e.g. "192k"
	TrimSeconds int    // >0 时只保留 [0, TrimSeconds)
	Watermark   *Watermark
}

// Validate 检查参数组合
func (s Spec) Validate() error {
	if s.Format != "" && s.Format != "mp3" {
		return fmt.Errorf("unsupported output format %q", s.Format)
	}
	if !validBitrate(s.Bitrate) {
		return fmt.Errorf("invalid bitrate %q", s.Bitrate)
	}
	if s.TrimSeconds < 0 {
		return fmt.Errorf("invalid trim duration %d", s.TrimSeconds)
	}
	if s.Watermark != nil {
		if s.Watermark.ClipPath == "" {
			return errors.New("watermark clip path is empty")
		}
		if s.TrimSeconds == 0 {
			return errors.New("watermark requires a trim duration")
		}
	}
	return nil
}

// validBitrate 接受 "128k" / "192k" / "128000" 这种写法
func validBitrate(b string) bool {
	b = strings.TrimSuffix(strings.ToLower(b), "k")
	if b == "" || len(b) > 6 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Job 一次转码的输入输出文件
type Job struct {
	InputPath  string
	OutputPath string
	Spec       Spec
}

// Result 转码结果
type Result struct {
	OutputPath string
	// Duration 输出时长（秒），探测失败时为 0
	Duration float32
}

// Transcoder 把一个母带转换成一个派生音频。每次调用相互独立、无共享状态。
type Transcoder interface {
	Transcode(ctx context.Context, job Job) (*Result, error)
}
