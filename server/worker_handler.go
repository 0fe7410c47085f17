package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"MuseGen/core/worker"
	"MuseGen/logger"
)

// Processor 执行一次派生请求
type Processor interface {
	Process(ctx context.Context, req worker.Request) (*worker.Response, error)
}

// WorkerHandler 音频 worker 的 HTTP 入口
type WorkerHandler struct {
	processor Processor
	apiKey    []byte
}

// NewWorkerHandler 创建 WorkerHandler，apiKey 为空时拒绝所有请求
func NewWorkerHandler(processor Processor, apiKey string) *WorkerHandler {
	return &WorkerHandler{processor: processor, apiKey: []byte(apiKey)}
}

type stageErrorResponse struct {
	Error   string `json:"error"`
	Stage   string `json:"stage,omitempty"`
	Details string `json:"details,omitempty"`
}

// RequireAPIKey 在读取请求体之前校验共享密钥
func (h *WorkerHandler) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(worker.APIKeyHeader))
		if len(h.apiKey) == 0 || subtle.ConstantTimeCompare(got, h.apiKey) != 1 {
			logger.Warn("audio worker 拒绝了未授权请求", logger.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ProcessAudioHandler POST /process-audio
func (h *WorkerHandler) ProcessAudioHandler(w http.ResponseWriter, r *http.Request) {
	var req worker.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.processor.Process(r.Context(), req)
	if err != nil {
		if errors.Is(err, worker.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		body := stageErrorResponse{Error: "audio processing failed", Details: err.Error()}
		var se *worker.StageError
		if errors.As(err, &se) {
			body.Stage = string(se.Stage)
			body.Details = se.Details
		}
		logger.Error("处理音频请求失败",
			logger.ObjectKey(req.OutputKey),
			logger.String("task", string(req.Task)),
			logger.String("stage", body.Stage),
			logger.ErrorField(err))
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// PingHandler GET /ping
func PingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}
