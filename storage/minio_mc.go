package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"MuseGen/logger"

	"github.com/minio/minio-go/v7"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
	// ByExtension 按扩展名统计的文件数量
	ByExtension map[string]int64
}

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	ETag         string
}

// List 列出前缀下的对象，按 key 排序
func (m *MinioStore) List(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, error) {
	objectCh := m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: recursive,
	})

	var objects []ObjectInfo
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
			ETag:         object.ETag,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Stats 汇总对象列表
func Stats(objects []ObjectInfo) *BucketStats {
	stats := &BucketStats{ByExtension: make(map[string]int64)}
	for _, obj := range objects {
		stats.TotalObjects++
		stats.TotalSize += obj.Size
		if obj.LastModified.After(stats.LastModified) {
			stats.LastModified = obj.LastModified
		}
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(obj.Key)), ".")
		if ext == "" {
			ext = "unknown"
		}
		stats.ByExtension[ext]++
	}
	return stats
}

// DeleteMatching 删除前缀下满足 match 的对象，返回删除数量。
// 用于手动清理派生文件（派生 key 本身永不失效）。
func (m *MinioStore) DeleteMatching(ctx context.Context, prefix string, match func(key string) bool) (int, error) {
	objects, err := m.List(ctx, prefix, true)
	if err != nil {
		return 0, err
	}

	var toDelete []ObjectInfo
	for _, obj := range objects {
		if match == nil || match(obj.Key) {
			toDelete = append(toDelete, obj)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(toDelete))
	go func() {
		defer close(objectsCh)
		for _, obj := range toDelete {
			objectsCh <- minio.ObjectInfo{Key: obj.Key}
		}
	}()

	for rerr := range m.client.RemoveObjects(ctx, m.bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return 0, fmt.Errorf("删除对象 %s 失败: %w", rerr.ObjectName, rerr.Err)
		}
	}

	logger.Info("批量删除对象完成", logger.String("prefix", prefix), logger.Int("count", len(toDelete)))
	return len(toDelete), nil
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
