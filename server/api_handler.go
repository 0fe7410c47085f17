package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"MuseGen/core/delivery"
	"MuseGen/core/generation"
	"MuseGen/logger"
	"MuseGen/model"

	"github.com/gorilla/mux"
)

// Submitter 接收生成请求
type Submitter interface {
	Submit(ctx context.Context, req generation.SubmitRequest) (*model.Song, *model.GenerationJob, error)
}

// URLResolver 解析播放和下载地址
type URLResolver interface {
	Resolve(ctx context.Context, songID, requesterID string, op delivery.Operation) (*delivery.Resolution, error)
}

// SongFinder 按 ID 读取歌曲
type SongFinder interface {
	GetByID(ctx context.Context, id string) (*model.Song, error)
}

// APIHandler 处理面向用户的 API 请求
type APIHandler struct {
	submitter Submitter
	resolver  URLResolver
	songs     SongFinder
}

// NewAPIHandler 创建 APIHandler
func NewAPIHandler(submitter Submitter, resolver URLResolver, songs SongFinder) *APIHandler {
	return &APIHandler{submitter: submitter, resolver: resolver, songs: songs}
}

type submitResponse struct {
	SongID string           `json:"songId"`
	JobID  string           `json:"jobId"`
	Status model.SongStatus `json:"status"`
	Title  string           `json:"title"`
}

type urlResponse struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// SubmitSongHandler POST /api/songs
func (h *APIHandler) SubmitSongHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req generation.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.UserID = userID

	song, job, err := h.submitter.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, model.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("提交生成请求失败", logger.UserID(userID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to submit song")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		SongID: song.ID,
		JobID:  job.ID,
		Status: song.Status,
		Title:  song.Title,
	})
}

// GetSongHandler GET /api/songs/{id}，只有所有者或已发布的歌曲可见
func (h *APIHandler) GetSongHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id := mux.Vars(r)["id"]
	song, err := h.songs.GetByID(r.Context(), id)
	if err != nil {
		logger.Error("读取歌曲失败", logger.SongID(id), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load song")
		return
	}
	if song == nil || !song.AccessibleBy(userID) {
		writeError(w, http.StatusNotFound, "Song not found")
		return
	}
	writeJSON(w, http.StatusOK, song)
}

// PlayHandler GET /api/songs/{id}/play
func (h *APIHandler) PlayHandler(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, delivery.OpPlay)
}

// DownloadHandler GET /api/songs/{id}/download
func (h *APIHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, delivery.OpDownload)
}

func (h *APIHandler) resolve(w http.ResponseWriter, r *http.Request, op delivery.Operation) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id := mux.Vars(r)["id"]
	res, err := h.resolver.Resolve(r.Context(), id, userID, op)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, urlResponse{URL: res.URL, Kind: res.Kind})
	case errors.Is(err, delivery.ErrNotFound):
		writeError(w, http.StatusNotFound, "Song not found")
	default:
		logger.Error("解析音频地址失败",
			logger.SongID(id),
			logger.UserID(userID),
			logger.String("operation", string(op)),
			logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to resolve audio")
	}
}
