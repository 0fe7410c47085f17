// Package generation runs song generation jobs: credit check, a single
// dispatch to the generation backend, result write-back and the credit charge,
// each step checkpointed on the job row so a restarted process resumes where
// it stopped.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"MuseGen/metrics"
	"MuseGen/model"
)

// ErrUpstreamGenerationFailed 生成后端返回非 2xx、传输失败或响应无法解析。不重试、不扣费。
var ErrUpstreamGenerationFailed = errors.New("upstream generation failed")

// Endpoints 三种输入组合对应的后端地址
type Endpoints struct {
	FromDescription     string
	WithLyrics          string
	WithDescribedLyrics string
}

// BackendRequest 发给生成后端的请求体，未设置的参数不出现在 JSON 中
type BackendRequest struct {
	FullDescribedSong string `json:"fullDescribedSong,omitempty"`
	Prompt            string `json:"prompt,omitempty"`
	Lyrics            string `json:"lyrics,omitempty"`
	DescribedLyrics   string `json:"describedLyrics,omitempty"`

	GuidanceScale *float64 `json:"guidanceScale,omitempty"`
	InferSteps    *int     `json:"inferSteps,omitempty"`
	AudioDuration *float64 `json:"audioDuration,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Instrumental  *bool    `json:"instrumental,omitempty"`
}

// BackendResult 后端成功响应
type BackendResult struct {
	MasterKey    string   `json:"s3_key"`
	ThumbnailKey string   `json:"cover_image_s3_key"`
	Categories   []string `json:"categories"`
}

// BackendCall 一次后端调用
type BackendCall struct {
	Mode     model.InputMode
	Endpoint string
	Body     BackendRequest
}

// BuildCall 按输入组合选择地址和请求体：完整描述 > 提示词+歌词 > 提示词+歌词描述
func BuildCall(song *model.Song, eps Endpoints) (BackendCall, error) {
	mode, err := song.InputMode()
	if err != nil {
		return BackendCall{}, err
	}

	body := BackendRequest{
		GuidanceScale: song.GuidanceScale,
		InferSteps:    song.InferSteps,
		AudioDuration: song.AudioDuration,
		Seed:          song.Seed,
		Instrumental:  song.Instrumental,
	}
	call := BackendCall{Mode: mode}
	switch mode {
	case model.InputFullDescription:
		call.Endpoint = eps.FromDescription
		body.FullDescribedSong = *song.FullDescribedSong
	case model.InputCustomLyrics:
		call.Endpoint = eps.WithLyrics
		body.Prompt = *song.Prompt
		body.Lyrics = *song.Lyrics
	case model.InputDescribedLyrics:
		call.Endpoint = eps.WithDescribedLyrics
		body.Prompt = *song.Prompt
		body.DescribedLyrics = *song.DescribedLyrics
	}
	if call.Endpoint == "" {
		return BackendCall{}, fmt.Errorf("no generation endpoint configured for %s", mode)
	}
	call.Body = body
	return call, nil
}

// Backend 生成后端。返回的 status 为 0 表示请求没有拿到 HTTP 响应。
type Backend interface {
	Generate(ctx context.Context, endpoint string, body BackendRequest) (*BackendResult, int, error)
}

// HTTPBackend 通过 HTTP 调用生成后端
type HTTPBackend struct {
	modalKey    string
	modalSecret string
	http        *http.Client
	metrics     *metrics.Metrics
}

// NewHTTPBackend 创建后端客户端。生成可能耗时数分钟，timeout 需要足够长。
func NewHTTPBackend(modalKey, modalSecret string, timeout time.Duration, m *metrics.Metrics) *HTTPBackend {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &HTTPBackend{
		modalKey:    modalKey,
		modalSecret: modalSecret,
		http:        &http.Client{Timeout: timeout},
		metrics:     m,
	}
}

// Generate 发送一次请求，不做任何重试
func (b *HTTPBackend) Generate(ctx context.Context, endpoint string, body BackendRequest) (*BackendResult, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Modal-Key", b.modalKey)
	req.Header.Set("Modal-Secret", b.modalSecret)

	start := time.Now()
	resp, err := b.http.Do(req)
	if err != nil {
		b.metrics.ObserveDispatch(0, time.Since(start))
		return nil, 0, fmt.Errorf("%w: %v", ErrUpstreamGenerationFailed, err)
	}
	defer resp.Body.Close()
	b.metrics.ObserveDispatch(resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read response: %v", ErrUpstreamGenerationFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, fmt.Errorf("%w: backend returned %d: %s",
			ErrUpstreamGenerationFailed, resp.StatusCode, truncate(strings.TrimSpace(string(raw)), 512))
	}

	var result BackendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: decode response: %v", ErrUpstreamGenerationFailed, err)
	}
	if strings.TrimSpace(result.MasterKey) == "" {
		return nil, resp.StatusCode, fmt.Errorf("%w: response has no s3_key", ErrUpstreamGenerationFailed)
	}
	return &result, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
