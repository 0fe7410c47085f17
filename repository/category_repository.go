package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"MuseGen/model"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// mysqlDuplicateEntry MySQL 唯一键冲突错误码
const mysqlDuplicateEntry = 1062

// CategoryRepository 分类数据访问接口
type CategoryRepository interface {
	// UpsertByNames 按名称查找或创建分类，返回顺序与去重后的输入一致
	UpsertByNames(ctx context.Context, names []string) ([]model.Category, error)
}

type gormCategoryRepository struct {
	db *gorm.DB
}

// NewGormCategoryRepository 创建 GORM 分类仓库
func NewGormCategoryRepository(db *gorm.DB) CategoryRepository {
	return &gormCategoryRepository{db: db}
}

// NormalizeCategoryNames 去除空白和重复（大小写不敏感，保留第一次出现的写法）
func NormalizeCategoryNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		k := strings.ToLower(n)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, n)
	}
	return out
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

// UpsertByNames 查找或创建分类
func (r *gormCategoryRepository) UpsertByNames(ctx context.Context, names []string) ([]model.Category, error) {
	names = NormalizeCategoryNames(names)
	cats := make([]model.Category, 0, len(names))
	for _, name := range names {
		var cat model.Category
		err := r.db.WithContext(ctx).Where(model.Category{Name: name}).FirstOrCreate(&cat).Error
		if err != nil && isDuplicateEntry(err) {
			// 并发任务同时创建同名分类，读取对方写入的那一行
			err = r.db.WithContext(ctx).Where("name = ?", name).First(&cat).Error
		}
		if err != nil {
			return nil, fmt.Errorf("failed to upsert category %q: %w", name, err)
		}
		cats = append(cats, cat)
	}
	return cats, nil
}
