package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"MuseGen/logger"
	"MuseGen/model"
	"MuseGen/repository"

	"github.com/google/uuid"
)

// Locker 跨实例的用户互斥锁，只保证互斥，不保证跨实例的先后顺序。单实例部署时为 nil。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// SubmitRequest 用户提交的生成请求
type SubmitRequest struct {
	UserID string `json:"-"`
	Title  string `json:"title"`

	FullDescribedSong *string `json:"fullDescribedSong,omitempty"`
	Prompt            *string `json:"prompt,omitempty"`
	Lyrics            *string `json:"lyrics,omitempty"`
	DescribedLyrics   *string `json:"describedLyrics,omitempty"`

	GuidanceScale *float64 `json:"guidanceScale,omitempty"`
	InferSteps    *int     `json:"inferSteps,omitempty"`
	AudioDuration *float64 `json:"audioDuration,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Instrumental  *bool    `json:"instrumental,omitempty"`
}

// RuntimeOptions 运行时配置
type RuntimeOptions struct {
	// Workers 全局并发上限
	Workers int
	Locker  Locker
	// 未指定时写入歌曲的默认参数，0 表示交给后端决定
	DefaultGuidanceScale float64
	DefaultAudioDuration float64
}

// Runtime 接收提交、按用户排队执行任务，并在启动时恢复未完成的任务
type Runtime struct {
	orch  *Orchestrator
	songs repository.SongRepository
	jobs  repository.JobRepository
	opts  RuntimeOptions
	queue *KeyedQueue

	mu     sync.Mutex
	queued map[string]bool
}

// NewRuntime 创建运行时，ctx 取消后停止调度
func NewRuntime(ctx context.Context, orch *Orchestrator, songs repository.SongRepository, jobs repository.JobRepository, opts RuntimeOptions) *Runtime {
	return &Runtime{
		orch:   orch,
		songs:  songs,
		jobs:   jobs,
		opts:   opts,
		queue:  NewKeyedQueue(ctx, opts.Workers),
		queued: make(map[string]bool),
	}
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// Submit 创建歌曲和任务记录并入队
func (r *Runtime) Submit(ctx context.Context, req SubmitRequest) (*model.Song, *model.GenerationJob, error) {
	if req.UserID == "" {
		return nil, nil, errors.New("submit: empty user id")
	}

	song := &model.Song{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		Title:             strings.TrimSpace(req.Title),
		FullDescribedSong: trimmed(req.FullDescribedSong),
		Prompt:            trimmed(req.Prompt),
		Lyrics:            trimmed(req.Lyrics),
		DescribedLyrics:   trimmed(req.DescribedLyrics),
		GuidanceScale:     req.GuidanceScale,
		InferSteps:        req.InferSteps,
		AudioDuration:     req.AudioDuration,
		Seed:              req.Seed,
		Instrumental:      req.Instrumental,
		Status:            model.SongStatusQueued,
	}
	if _, err := song.InputMode(); err != nil {
		return nil, nil, err
	}
	if song.GuidanceScale == nil && r.opts.DefaultGuidanceScale > 0 {
		v := r.opts.DefaultGuidanceScale
		song.GuidanceScale = &v
	}
	if song.AudioDuration == nil && r.opts.DefaultAudioDuration > 0 {
		v := r.opts.DefaultAudioDuration
		song.AudioDuration = &v
	}
	if song.Title == "" {
		song.Title = defaultTitle(song)
	}

	if err := r.songs.Create(ctx, song); err != nil {
		return nil, nil, err
	}

	job := &model.GenerationJob{
		ID:     uuid.NewString(),
		SongID: song.ID,
		UserID: song.UserID,
		Step:   model.StepQueued,
	}
	if err := r.jobs.Create(ctx, job); err != nil {
		if uerr := r.songs.UpdateStatus(ctx, song.ID, model.SongStatusFailed); uerr != nil {
			logger.Error("任务创建失败后无法标记歌曲", logger.SongID(song.ID), logger.ErrorField(uerr))
		}
		return nil, nil, err
	}

	if err := r.enqueue(job.ID, job.UserID); err != nil {
		// 记录已经持久化，重启后由 Recover 接手
		logger.Warn("任务未能入队", logger.JobID(job.ID), logger.ErrorField(err))
	}
	logger.Info("生成请求已提交", logger.SongID(song.ID), logger.JobID(job.ID), logger.UserID(song.UserID))
	return song, job, nil
}

func defaultTitle(song *model.Song) string {
	src := ""
	switch {
	case song.FullDescribedSong != nil:
		src = *song.FullDescribedSong
	case song.Prompt != nil:
		src = *song.Prompt
	}
	runes := []rune(src)
	if len(runes) > 60 {
		return string(runes[:60]) + "…"
	}
	return string(runes)
}

// Recover 按创建顺序重新入队所有未完成的任务
func (r *Runtime) Recover(ctx context.Context) (int, error) {
	jobs, err := r.jobs.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if err := r.enqueue(job.ID, job.UserID); err != nil {
			return n, fmt.Errorf("recover job %s: %w", job.ID, err)
		}
		n++
	}
	if n > 0 {
		logger.Info("已恢复未完成的生成任务", logger.Int("count", n))
	}
	return n, nil
}

// enqueue 同一任务在本进程内只排队一次
func (r *Runtime) enqueue(jobID, userID string) error {
	r.mu.Lock()
	if r.queued[jobID] {
		r.mu.Unlock()
		return nil
	}
	r.queued[jobID] = true
	r.mu.Unlock()

	err := r.queue.Enqueue(userID, func(ctx context.Context) {
		defer func() {
			r.mu.Lock()
			delete(r.queued, jobID)
			r.mu.Unlock()
		}()
		r.execute(ctx, jobID, userID)
	})
	if err != nil {
		r.mu.Lock()
		delete(r.queued, jobID)
		r.mu.Unlock()
	}
	return err
}

func (r *Runtime) execute(ctx context.Context, jobID, userID string) {
	if r.opts.Locker != nil {
		unlock, err := r.opts.Locker.Lock(ctx, "generation:user:"+userID)
		if err != nil {
			logger.Error("获取用户锁失败，任务保留待恢复", logger.JobID(jobID), logger.UserID(userID), logger.ErrorField(err))
			return
		}
		defer unlock()
	}
	if err := r.orch.Run(ctx, jobID); err != nil {
		logger.Warn("生成任务结束于错误", logger.JobID(jobID), logger.ErrorField(err))
	}
}

// Pending 返回用户排队和执行中的任务数
func (r *Runtime) Pending(userID string) int {
	return r.queue.Pending(userID)
}

// Shutdown 停止接收新任务并等待已入队任务完成
func (r *Runtime) Shutdown() {
	r.queue.Close()
}

// Abort 立即停止，执行中的任务在下个检查点前中断
func (r *Runtime) Abort() {
	r.queue.Abort()
}
