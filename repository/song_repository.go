package repository

import (
	"context"
	"errors"
	"fmt"

	"MuseGen/model"

	"gorm.io/gorm"
)

// SongRepository 歌曲数据访问接口
type SongRepository interface {
	Create(ctx context.Context, song *model.Song) error
	GetByID(ctx context.Context, id string) (*model.Song, error)
	// GetAccessible 返回请求者可访问且已完成的歌曲（所有者或已发布），否则返回 nil
	GetAccessible(ctx context.Context, id, userID string) (*model.Song, error)
	UpdateStatus(ctx context.Context, id string, status model.SongStatus) error
	// SaveResult 写入母带/封面 key 并置为 completed
	SaveResult(ctx context.Context, id, masterKey, thumbnailKey string) error
	// MarkFailed 置为 failed 并清除已写入的母带/封面 key
	MarkFailed(ctx context.Context, id string) error
	AttachCategories(ctx context.Context, id string, names []string) error
	IncrementListenCount(ctx context.Context, id string) error
}

// gormSongRepository GORM 实现
type gormSongRepository struct {
	db         *gorm.DB
	categories CategoryRepository
}

// NewGormSongRepository 创建 GORM 歌曲仓库
func NewGormSongRepository(db *gorm.DB) SongRepository {
	return &gormSongRepository{db: db, categories: NewGormCategoryRepository(db)}
}

// Create 创建歌曲
func (r *gormSongRepository) Create(ctx context.Context, song *model.Song) error {
	if err := r.db.WithContext(ctx).Create(song).Error; err != nil {
		return fmt.Errorf("failed to create song: %w", err)
	}
	return nil
}

// GetByID 根据ID获取歌曲
func (r *gormSongRepository) GetByID(ctx context.Context, id string) (*model.Song, error) {
	var song model.Song
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&song).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get song %s: %w", id, err)
	}
	return &song, nil
}

// GetAccessible 获取可访问的歌曲
func (r *gormSongRepository) GetAccessible(ctx context.Context, id, userID string) (*model.Song, error) {
	var song model.Song
	err := r.db.WithContext(ctx).
		Where("id = ? AND (user_id = ? OR published = ?) AND status = ? AND master_key IS NOT NULL AND master_key <> ''", id, userID, true, model.SongStatusCompleted).
		First(&song).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get accessible song %s: %w", id, err)
	}
	return &song, nil
}

// UpdateStatus 更新状态
func (r *gormSongRepository) UpdateStatus(ctx context.Context, id string, status model.SongStatus) error {
	res := r.db.WithContext(ctx).Model(&model.Song{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update status of song %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("song %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveResult 写入生成结果
func (r *gormSongRepository) SaveResult(ctx context.Context, id, masterKey, thumbnailKey string) error {
	updates := map[string]interface{}{
		"master_key": masterKey,
		"status":     model.SongStatusCompleted,
	}
	if thumbnailKey != "" {
		updates["thumbnail_key"] = thumbnailKey
	}
	res := r.db.WithContext(ctx).Model(&model.Song{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to save result of song %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("song %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed 标记失败，母带和封面一并清空
func (r *gormSongRepository) MarkFailed(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&model.Song{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        model.SongStatusFailed,
		"master_key":    gorm.Expr("NULL"),
		"thumbnail_key": gorm.Expr("NULL"),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to mark song %s failed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("song %s: %w", id, ErrNotFound)
	}
	return nil
}

// AttachCategories 关联分类，已存在的分类按名称复用
func (r *gormSongRepository) AttachCategories(ctx context.Context, id string, names []string) error {
	cats, err := r.categories.UpsertByNames(ctx, names)
	if err != nil {
		return err
	}
	if len(cats) == 0 {
		return nil
	}
	song := &model.Song{ID: id}
	// Append 对已存在的关联是幂等的（join 表主键冲突时忽略）
	if err := r.db.WithContext(ctx).Model(song).Association("Categories").Append(cats); err != nil {
		return fmt.Errorf("failed to attach categories to song %s: %w", id, err)
	}
	return nil
}

// IncrementListenCount 播放次数加一
func (r *gormSongRepository) IncrementListenCount(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&model.Song{}).
		Where("id = ?", id).
		UpdateColumn("listen_count", gorm.Expr("listen_count + ?", 1)).Error
	if err != nil {
		return fmt.Errorf("failed to increment listen count of song %s: %w", id, err)
	}
	return nil
}
