package testsupport

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"MuseGen/core/audio"
)

// FakeTranscoder 确定性的假转码引擎：输出内容由输入内容和参数决定
type FakeTranscoder struct {
	calls atomic.Int64

	mu   sync.Mutex
	jobs []audio.Job
	// Err 非 nil 时每次调用都以 TranscodeError 失败
	Err error
	// Gate 非 nil 时每次调用会先等待它关闭
	Gate chan struct{}
}

var _ audio.Transcoder = (*FakeTranscoder)(nil)

// Calls 返回调用次数
func (f *FakeTranscoder) Calls() int {
	return int(f.calls.Load())
}

// Jobs 返回收到的全部任务
func (f *FakeTranscoder) Jobs() []audio.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Job(nil), f.jobs...)
}

// Transcode 读取输入并写出摘要
func (f *FakeTranscoder) Transcode(ctx context.Context, job audio.Job) (*audio.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, &audio.TranscodeError{Engine: "Fake", Err: f.Err, Diagnostics: "fake engine failure"}
	}

	in, err := os.ReadFile(job.InputPath)
	if err != nil {
		return nil, &audio.TranscodeError{Engine: "Fake", Err: err}
	}
	sum := sha256.Sum256(append(in, []byte(fmt.Sprintf("|%s|%d|%v", job.Spec.Bitrate, job.Spec.TrimSeconds, job.Spec.Watermark != nil))...))
	out := []byte(fmt.Sprintf("MP3:%x", sum[:8]))
	if err := os.WriteFile(job.OutputPath, out, 0644); err != nil {
		return nil, &audio.TranscodeError{Engine: "Fake", Err: err}
	}
	return &audio.Result{OutputPath: job.OutputPath, Duration: float32(job.Spec.TrimSeconds)}, nil
}
