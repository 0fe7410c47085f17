package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"MuseGen/core/delivery"
)

// APIKeyHeader 共享密钥请求头
const APIKeyHeader = "x-api-key"

// RemoteError 远端 worker 返回的错误
type RemoteError struct {
	StatusCode int
	Message    string
	Stage      string
	Details    string
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("audio worker failed (%d): %s", e.StatusCode, e.Message)
	if e.Stage != "" {
		msg += " at " + e.Stage
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

type errorBody struct {
	Error   string `json:"error"`
	Stage   string `json:"stage"`
	Details string `json:"details"`
}

// Client 调用远端 /process-audio
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient 创建客户端，timeout 是唯一的取消手段
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Process 发送请求
func (c *Client) Process(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process-audio", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call audio worker: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read audio worker response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: eb.Error, Stage: eb.Stage, Details: eb.Details}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode audio worker response: %w", err)
	}
	if !out.Success {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: "worker reported failure"}
	}
	return &out, nil
}

// Produce 实现 delivery.Producer
func (c *Client) Produce(ctx context.Context, req delivery.ProduceRequest) error {
	_, err := c.Process(ctx, RequestFromProduce(req))
	return err
}
