// Package worker produces audio derivatives on demand: it checks the object
// store for the output key, stages the master locally, runs the transcoder and
// uploads the result only after the engine succeeded.
package worker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"MuseGen/core/audio"
	"MuseGen/core/delivery"
	"MuseGen/logger"
	"MuseGen/metrics"
	"MuseGen/storage"

	"golang.org/x/sync/singleflight"
)

// ErrInvalidRequest 缺少字段或任务类型未知
var ErrInvalidRequest = errors.New("invalid request")

// Stage 失败所在的阶段
type Stage string

const (
	StageLookup    Stage = "lookup"
	StageDownload  Stage = "download"
	StageTranscode Stage = "transcode"
	StageUpload    Stage = "upload"
)

// StageError 标明失败阶段，Details 带引擎诊断输出
type StageError struct {
	Stage   Stage
	Err     error
	Details string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) *StageError {
	se := &StageError{Stage: stage, Err: err, Details: err.Error()}
	var te *audio.TranscodeError
	if errors.As(err, &te) && strings.TrimSpace(te.Diagnostics) != "" {
		se.Details = te.Diagnostics
	}
	return se
}

// Params 任务参数，缺省时使用任务的默认值
type Params struct {
	Bitrate  string `json:"bitrate,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// Request POST /process-audio 的请求体
type Request struct {
	Task      delivery.Task `json:"task"`
	SongKey   string        `json:"songKey"`
	OutputKey string        `json:"outputKey"`
	Params    Params        `json:"params"`
}

// Response 处理结果
type Response struct {
	Success   bool   `json:"success"`
	OutputKey string `json:"outputKey"`
	Cached    bool   `json:"cached"`
}

// Validate 检查必填字段和任务类型
func (r Request) Validate() error {
	var missing []string
	if r.Task == "" {
		missing = append(missing, "task")
	}
	if strings.TrimSpace(r.SongKey) == "" {
		missing = append(missing, "songKey")
	}
	if strings.TrimSpace(r.OutputKey) == "" {
		missing = append(missing, "outputKey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	switch r.Task {
	case delivery.TaskConvertToMP3, delivery.TaskCreatePreview:
	default:
		return fmt.Errorf("%w: unknown task %q", ErrInvalidRequest, r.Task)
	}
	if r.OutputKey == r.SongKey {
		return fmt.Errorf("%w: outputKey must differ from songKey", ErrInvalidRequest)
	}
	if r.Params.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidRequest)
	}
	if r.Params.Bitrate != "" {
		if err := (audio.Spec{Bitrate: r.Params.Bitrate}).Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// Options Service 配置
type Options struct {
	WatermarkPath string
	TempDir       string
	Metrics       *metrics.Metrics
	// ProcessTimeout 单次处理的最长时间，默认十分钟
	ProcessTimeout time.Duration
}

// Service 音频 worker 的核心逻辑，与 HTTP 无关
type Service struct {
	store      storage.ObjectStore
	transcoder audio.Transcoder
	opts       Options
	group      singleflight.Group
}

// NewService 创建 Service
func NewService(store storage.ObjectStore, transcoder audio.Transcoder, opts Options) *Service {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 10 * time.Minute
	}
	return &Service{store: store, transcoder: transcoder, opts: opts}
}

// specFor 把任务映射成转码参数
func (s *Service) specFor(req Request) audio.Spec {
	p := req.Params
	switch req.Task {
	case delivery.TaskCreatePreview:
		spec := audio.Spec{Format: "mp3", Bitrate: delivery.PreviewBitrate, TrimSeconds: delivery.PreviewSeconds}
		if p.Bitrate != "" {
			spec.Bitrate = p.Bitrate
		}
		if p.Duration > 0 {
			spec.TrimSeconds = p.Duration
		}
		spec.Watermark = &audio.Watermark{ClipPath: s.opts.WatermarkPath}
		return spec
	default:
		spec := audio.Spec{Format: "mp3", Bitrate: delivery.FullBitrate}
		if p.Bitrate != "" {
			spec.Bitrate = p.Bitrate
		}
		return spec
	}
}

// Process 输出已存在时直接返回；否则下载、转码、上传。
// 同一进程内相同 outputKey 的并发请求只执行一次，某个请求断开不影响其他等待者。
func (s *Service) Process(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ch := s.group.DoChan(req.OutputKey, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ProcessTimeout)
		defer cancel()
		return s.process(ctx, req)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	resp := *res.Val.(*Response)
	if res.Shared {
		logger.Debug("合并了相同输出的并发请求", logger.ObjectKey(req.OutputKey))
	}
	return &resp, nil
}

func (s *Service) process(ctx context.Context, req Request) (*Response, error) {
	exists, err := s.store.Exists(ctx, req.OutputKey)
	if err != nil {
		return nil, stageErr(StageLookup, err)
	}
	s.opts.Metrics.CacheLookup("worker", exists)
	if exists {
		logger.Info("派生文件已存在，跳过转码", logger.ObjectKey(req.OutputKey), logger.String("task", string(req.Task)))
		return &Response{Success: true, OutputKey: req.OutputKey, Cached: true}, nil
	}

	if err := os.MkdirAll(s.opts.TempDir, 0755); err != nil {
		return nil, stageErr(StageDownload, fmt.Errorf("create temp root: %w", err))
	}
	dir, err := os.MkdirTemp(s.opts.TempDir, "musegen-"+tempPrefix(req.OutputKey)+"-")
	if err != nil {
		return nil, stageErr(StageDownload, fmt.Errorf("create temp dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("清理临时目录失败", logger.String("dir", dir), logger.ErrorField(err))
		}
	}()

	inputPath := filepath.Join(dir, "input"+path.Ext(req.SongKey))
	outputPath := filepath.Join(dir, "output.mp3")

	if err := s.download(ctx, req.SongKey, inputPath); err != nil {
		return nil, stageErr(StageDownload, err)
	}

	spec := s.specFor(req)
	start := time.Now()
	_, err = s.transcoder.Transcode(ctx, audio.Job{InputPath: inputPath, OutputPath: outputPath, Spec: spec})
	s.opts.Metrics.ObserveTranscode(string(req.Task), time.Since(start), err)
	if err != nil {
		logger.Error("转码失败", logger.ObjectKey(req.OutputKey), logger.String("task", string(req.Task)), logger.ErrorField(err))
		return nil, stageErr(StageTranscode, err)
	}

	meta := map[string]string{
		"source-key": req.SongKey,
		"task":       string(req.Task),
		"bitrate":    audio.NormalizeBitrate(spec.Bitrate),
	}
	if spec.TrimSeconds > 0 {
		meta["duration"] = strconv.Itoa(spec.TrimSeconds)
	}
	if err := s.upload(ctx, outputPath, req.OutputKey, meta); err != nil {
		return nil, stageErr(StageUpload, err)
	}

	logger.Info("派生文件已生成",
		logger.ObjectKey(req.OutputKey),
		logger.String("source", req.SongKey),
		logger.String("task", string(req.Task)),
		logger.Duration("elapsed", time.Since(start)))
	return &Response{Success: true, OutputKey: req.OutputKey}, nil
}

// tempPrefix 由输出 key 派生临时目录名，MkdirTemp 再追加随机后缀
func tempPrefix(outputKey string) string {
	sum := sha1.Sum([]byte(outputKey))
	return hex.EncodeToString(sum[:])[:16]
}

func (s *Service) download(ctx context.Context, key, dst string) error {
	rc, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("copy %s: %w", key, err)
	}
	return f.Close()
}

func (s *Service) upload(ctx context.Context, src, key string, meta map[string]string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open transcoded output: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("transcoded output is empty")
	}
	return s.store.Put(ctx, key, f, info.Size(), "audio/mpeg", meta)
}

// Local 在进程内调用 Service，实现 delivery.Producer
type Local struct {
	Service *Service
}

// Produce 生成派生文件
func (l Local) Produce(ctx context.Context, req delivery.ProduceRequest) error {
	_, err := l.Service.Process(ctx, RequestFromProduce(req))
	return err
}

// RequestFromProduce 转换成 worker 请求
func RequestFromProduce(req delivery.ProduceRequest) Request {
	return Request{
		Task:      req.Task,
		SongKey:   req.SongKey,
		OutputKey: req.OutputKey,
		Params:    Params{Bitrate: req.Bitrate, Duration: req.Duration},
	}
}
