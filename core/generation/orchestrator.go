package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MuseGen/logger"
	"MuseGen/metrics"
	"MuseGen/model"
	"MuseGen/repository"

	"github.com/sethvargo/go-retry"
)

// ErrInterruptedDispatch 进程在调用后端期间退出，结果未知，不能重发
var ErrInterruptedDispatch = errors.New("generation dispatch was interrupted; outcome unknown")

// StatusEvent 歌曲状态变化
type StatusEvent struct {
	SongID string           `json:"songId"`
	UserID string           `json:"userId"`
	Status model.SongStatus `json:"status"`
	At     time.Time        `json:"at"`
}

// Notifier 接收状态变化，实现方不能阻塞
type Notifier interface {
	Notify(ev StatusEvent)
}

// Deps Orchestrator 依赖
type Deps struct {
	Songs     repository.SongRepository
	Users     repository.UserRepository
	Jobs      repository.JobRepository
	Backend   Backend
	Endpoints Endpoints
	Notifier  Notifier
	Metrics   *metrics.Metrics

	// StepRetries 单个步骤遇到临时错误时的重试次数
	StepRetries uint64
	StepBackoff time.Duration
	Now         func() time.Time
}

// Orchestrator 执行单个生成任务的状态机
type Orchestrator struct {
	deps Deps
}

// NewOrchestrator 创建 Orchestrator
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.StepBackoff <= 0 {
		deps.StepBackoff = 200 * time.Millisecond
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{deps: deps}
}

// permanent 不值得重试的错误
func permanent(err error) bool {
	return errors.Is(err, model.ErrInvalidInput) ||
		errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, repository.ErrInsufficientCredits) ||
		errors.Is(err, ErrUpstreamGenerationFailed) ||
		errors.Is(err, ErrInterruptedDispatch) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// withRetry 临时错误按指数退避重试
func (o *Orchestrator) withRetry(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(o.deps.StepRetries, retry.NewExponential(o.deps.StepBackoff))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || permanent(err) {
			return err
		}
		logger.Warn("步骤失败，准备重试", logger.String("step", what), logger.Int("attempt", attempt), logger.ErrorField(err))
		return retry.RetryableError(err)
	})
}

func (o *Orchestrator) checkpoint(ctx context.Context, job *model.GenerationJob, step model.JobStep) error {
	job.Step = step
	return o.withRetry(ctx, "checkpoint:"+string(step), func(ctx context.Context) error {
		return o.deps.Jobs.Save(ctx, job)
	})
}

func (o *Orchestrator) setStatus(ctx context.Context, job *model.GenerationJob, status model.SongStatus) error {
	err := o.withRetry(ctx, "status:"+string(status), func(ctx context.Context) error {
		return o.deps.Songs.UpdateStatus(ctx, job.SongID, status)
	})
	if err != nil {
		return err
	}
	o.notify(job, status)
	return nil
}

func (o *Orchestrator) notify(job *model.GenerationJob, status model.SongStatus) {
	if o.deps.Notifier == nil {
		return
	}
	o.deps.Notifier.Notify(StatusEvent{SongID: job.SongID, UserID: job.UserID, Status: status, At: o.deps.Now()})
}

// Run 从任务最后一个检查点继续执行。任何步骤最终失败都会触发一次失败处理。
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	var job *model.GenerationJob
	err := o.withRetry(ctx, "load", func(ctx context.Context) error {
		var err error
		job, err = o.deps.Jobs.GetByID(ctx, jobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("job %s: %w", jobID, repository.ErrNotFound)
	}
	if job.Finished() {
		return nil
	}

	if job.Step != model.StepQueued {
		logger.Info("从检查点恢复生成任务", logger.JobID(job.ID), logger.SongID(job.SongID), logger.String("step", string(job.Step)))
	}

	if err := o.runSteps(ctx, job); err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrUpstreamGenerationFailed) {
			// 关闭进程导致的中断，下次启动时从检查点恢复
			logger.Warn("生成任务被中断", logger.JobID(job.ID), logger.String("step", string(job.Step)), logger.ErrorField(err))
			return err
		}
		o.handleFailure(context.WithoutCancel(ctx), job, err)
		return err
	}
	return nil
}

func (o *Orchestrator) runSteps(ctx context.Context, job *model.GenerationJob) error {
	for !job.Finished() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch job.Step {
		case model.StepQueued:
			err = o.checkCredits(ctx, job)
		case model.StepCreditsChecked:
			err = o.dispatch(ctx, job)
		case model.StepDispatching:
			err = ErrInterruptedDispatch
		case model.StepDispatched:
			err = o.writeResult(ctx, job)
		case model.StepResultWritten:
			err = o.charge(ctx, job)
		case model.StepCharged:
			err = o.complete(ctx, job)
		default:
			err = fmt.Errorf("job %s has no outcome at step %q", job.ID, job.Step)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// checkCredits 读取歌曲输入和用户余额。余额不足时直接结束，不调用后端。
func (o *Orchestrator) checkCredits(ctx context.Context, job *model.GenerationJob) error {
	var song *model.Song
	var user *model.User
	err := o.withRetry(ctx, "check-credits", func(ctx context.Context) error {
		var err error
		if song, err = o.deps.Songs.GetByID(ctx, job.SongID); err != nil {
			return err
		}
		if song == nil {
			return fmt.Errorf("song %s: %w", job.SongID, repository.ErrNotFound)
		}
		if user, err = o.deps.Users.GetByID(ctx, song.UserID); err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("user %s: %w", song.UserID, repository.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := song.InputMode(); err != nil {
		return err
	}

	if user.Credits <= 0 {
		logger.Info("积分不足，跳过生成", logger.JobID(job.ID), logger.SongID(job.SongID), logger.UserID(user.ID))
		if err := o.setStatus(ctx, job, model.SongStatusNoCredits); err != nil {
			return err
		}
		job.Outcome = model.OutcomeNoCredits
		if err := o.checkpoint(ctx, job, model.StepDone); err != nil {
			return err
		}
		o.deps.Metrics.JobFinished(string(model.OutcomeNoCredits))
		return nil
	}

	if err := o.setStatus(ctx, job, model.SongStatusProcessing); err != nil {
		return err
	}
	return o.checkpoint(ctx, job, model.StepCreditsChecked)
}

// dispatch 调用生成后端一次。调用前先持久化 dispatching，恢复时据此判断不能重发。
func (o *Orchestrator) dispatch(ctx context.Context, job *model.GenerationJob) error {
	var song *model.Song
	err := o.withRetry(ctx, "load-song", func(ctx context.Context) error {
		var err error
		song, err = o.deps.Songs.GetByID(ctx, job.SongID)
		if err == nil && song == nil {
			err = fmt.Errorf("song %s: %w", job.SongID, repository.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return err
	}
	call, err := BuildCall(song, o.deps.Endpoints)
	if err != nil {
		return err
	}

	job.Attempts++
	if err := o.checkpoint(ctx, job, model.StepDispatching); err != nil {
		return err
	}

	logger.Info("调用生成后端", logger.JobID(job.ID), logger.SongID(job.SongID), logger.String("mode", string(call.Mode)))
	result, status, err := o.deps.Backend.Generate(ctx, call.Endpoint, call.Body)
	job.BackendStatus = status
	if err != nil {
		return err
	}

	job.ResultMasterKey = result.MasterKey
	job.ResultThumbnailKey = result.ThumbnailKey
	job.ResultCategories = model.StringList(result.Categories)
	return o.checkpoint(ctx, job, model.StepDispatched)
}

// writeResult 写回母带、封面和分类；重复执行结果相同
func (o *Orchestrator) writeResult(ctx context.Context, job *model.GenerationJob) error {
	err := o.withRetry(ctx, "write-result", func(ctx context.Context) error {
		if err := o.deps.Songs.SaveResult(ctx, job.SongID, job.ResultMasterKey, job.ResultThumbnailKey); err != nil {
			return err
		}
		return o.deps.Songs.AttachCategories(ctx, job.SongID, job.ResultCategories)
	})
	if err != nil {
		return err
	}
	o.notify(job, model.SongStatusCompleted)
	return o.checkpoint(ctx, job, model.StepResultWritten)
}

// charge 扣 1 积分。ChargeOnce 保证同一个任务最多扣一次。
func (o *Orchestrator) charge(ctx context.Context, job *model.GenerationJob) error {
	at := o.deps.Now()
	var charged bool
	err := o.withRetry(ctx, "charge", func(ctx context.Context) error {
		var err error
		charged, err = o.deps.Jobs.ChargeOnce(ctx, job.ID, job.UserID, at)
		return err
	})
	if err != nil {
		return err
	}

	if charged {
		job.ChargedAt = &at
		job.Step = model.StepCharged
		return nil
	}

	// 之前已经扣过，用库里的记录覆盖本地副本
	var stored *model.GenerationJob
	err = o.withRetry(ctx, "reload", func(ctx context.Context) error {
		var err error
		stored, err = o.deps.Jobs.GetByID(ctx, job.ID)
		return err
	})
	if err != nil {
		return err
	}
	if stored == nil || stored.ChargedAt == nil {
		return fmt.Errorf("job %s: charge not recorded", job.ID)
	}
	logger.Info("积分已扣除过，跳过", logger.JobID(job.ID))
	*job = *stored
	job.Step = model.StepCharged
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, job *model.GenerationJob) error {
	job.Outcome = model.OutcomeCompleted
	if err := o.checkpoint(ctx, job, model.StepDone); err != nil {
		job.Outcome = model.OutcomeNone
		return err
	}
	o.deps.Metrics.JobFinished(string(model.OutcomeCompleted))
	logger.Info("生成任务完成", logger.JobID(job.ID), logger.SongID(job.SongID), logger.ObjectKey(job.ResultMasterKey))
	return nil
}

// handleFailure 把歌曲置为 failed 并记录任务失败，每个任务只生效一次
func (o *Orchestrator) handleFailure(ctx context.Context, job *model.GenerationJob, cause error) {
	logger.Error("生成任务失败",
		logger.JobID(job.ID),
		logger.SongID(job.SongID),
		logger.String("step", string(job.Step)),
		logger.Int("backendStatus", job.BackendStatus),
		logger.ErrorField(cause))

	if job.FailureHandledAt != nil {
		return
	}
	if job.ChargedAt != nil {
		// 已扣费，歌曲保持 completed，重启后 Recover 补完最后的检查点
		logger.Warn("任务已扣费，等待恢复", logger.JobID(job.ID), logger.SongID(job.SongID))
		return
	}

	if err := o.withRetry(ctx, "fail-song", func(ctx context.Context) error {
		return o.deps.Songs.MarkFailed(ctx, job.SongID)
	}); err != nil {
		logger.Error("无法把歌曲标记为失败", logger.SongID(job.SongID), logger.ErrorField(err))
	}

	var first bool
	err := o.withRetry(ctx, "mark-failed", func(ctx context.Context) error {
		var err error
		first, err = o.deps.Jobs.MarkFailureHandled(ctx, job.ID, cause.Error(), o.deps.Now())
		return err
	})
	if err != nil {
		logger.Error("无法记录任务失败", logger.JobID(job.ID), logger.ErrorField(err))
		return
	}
	if !first {
		return
	}

	at := o.deps.Now()
	job.FailureHandledAt = &at
	job.Outcome = model.OutcomeFailed
	job.Step = model.StepDone
	job.Error = cause.Error()
	o.notify(job, model.SongStatusFailed)
	o.deps.Metrics.JobFinished(string(model.OutcomeFailed))
}
