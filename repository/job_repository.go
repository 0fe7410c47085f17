package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MuseGen/model"

	"gorm.io/gorm"
)

// ErrInsufficientCredits 扣费时余额已经为零
var ErrInsufficientCredits = errors.New("insufficient credits")

// JobRepository 生成任务检查点的持久化接口
type JobRepository interface {
	Create(ctx context.Context, job *model.GenerationJob) error
	GetByID(ctx context.Context, id string) (*model.GenerationJob, error)
	// Save 写入检查点（整行覆盖）
	Save(ctx context.Context, job *model.GenerationJob) error
	// ListUnfinished 按创建时间升序返回所有未结束的任务
	ListUnfinished(ctx context.Context) ([]*model.GenerationJob, error)
	// ChargeOnce 在同一事务里扣减 1 积分并记录扣费时间；已经扣过时返回 false
	ChargeOnce(ctx context.Context, jobID, userID string, at time.Time) (bool, error)
	// MarkFailureHandled 只有第一次调用返回 true
	MarkFailureHandled(ctx context.Context, jobID, reason string, at time.Time) (bool, error)
}

type gormJobRepository struct {
	db *gorm.DB
}

// NewGormJobRepository 创建 GORM 任务仓库
func NewGormJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *model.GenerationJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job for song %s: %w", job.SongID, err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}

func (r *gormJobRepository) Save(ctx context.Context, job *model.GenerationJob) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("failed to checkpoint job %s at %s: %w", job.ID, job.Step, err)
	}
	return nil
}

func (r *gormJobRepository) ListUnfinished(ctx context.Context) ([]*model.GenerationJob, error) {
	var jobs []*model.GenerationJob
	err := r.db.WithContext(ctx).
		Where("outcome = ? OR outcome IS NULL", model.OutcomeNone).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) ChargeOnce(ctx context.Context, jobID, userID string, at time.Time) (bool, error) {
	charged := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.GenerationJob{}).
			Where("id = ? AND charged_at IS NULL", jobID).
			Updates(map[string]interface{}{"charged_at": at, "step": model.StepCharged})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 之前已经扣过
			return nil
		}

		res = tx.Model(&model.User{}).
			Where("id = ? AND credits > 0", userID).
			UpdateColumn("credits", gorm.Expr("credits - ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientCredits
		}
		charged = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to charge user %s for job %s: %w", userID, jobID, err)
	}
	return charged, nil
}

func (r *gormJobRepository) MarkFailureHandled(ctx context.Context, jobID, reason string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.GenerationJob{}).
		Where("id = ? AND failure_handled_at IS NULL", jobID).
		Updates(map[string]interface{}{
			"failure_handled_at": at,
			"outcome":            model.OutcomeFailed,
			"step":               model.StepDone,
			"error":              reason,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark failure handled for job %s: %w", jobID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
